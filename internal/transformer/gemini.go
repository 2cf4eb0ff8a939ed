package transformer

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/user/ucr/internal/models"
	"github.com/user/ucr/internal/upstream"
)

// Gemini adapts the Google generateContent API. Two deployment modes
// share the wire schema but differ in URL shape and auth: Vertex AI
// uses project/location paths with bearer auth, AI Studio uses the
// v1beta models path with the x-goog-api-key header. The API key never
// appears in the URL.
type Gemini struct{}

// NewGemini returns the Gemini adapter.
func NewGemini() *Gemini { return &Gemini{} }

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) SupportsStreaming() bool { return false }

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	TopK            *int     `json:"topK,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

// isVertexHost reports Vertex mode: host under googleapis.com with a
// label equal to or ending in "aiplatform" or "vertexai".
func isVertexHost(baseURL string) bool {
	u, err := url.Parse(baseURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host != "googleapis.com" && !strings.HasSuffix(host, ".googleapis.com") {
		return false
	}
	for _, label := range strings.Split(host, ".") {
		if strings.HasSuffix(label, "aiplatform") || strings.HasSuffix(label, "vertexai") {
			return true
		}
	}
	return false
}

func (g *Gemini) TransformRequest(req *models.CanonicalRequest, p *models.Provider) (*upstream.Request, error) {
	out := geminiRequest{}

	if !req.System.IsEmpty() {
		out.SystemInstruction = &geminiContent{
			Parts: []geminiPart{{Text: req.System.String()}},
		}
	}

	// Consecutive same-role messages merge into one content; the role
	// "assistant" renames to "model".
	for i := range req.Messages {
		msg := &req.Messages[i]
		role := msg.Role
		if role == "assistant" {
			role = "model"
		}
		parts, err := geminiParts(&msg.Content)
		if err != nil {
			return nil, transformErr(g.Name(), "message %d: %v", i, err)
		}
		if n := len(out.Contents); n > 0 && out.Contents[n-1].Role == role {
			last := &out.Contents[n-1]
			last.Parts = mergeGeminiParts(last.Parts, parts)
			continue
		}
		out.Contents = append(out.Contents, geminiContent{Role: role, Parts: parts})
	}

	if req.Temperature != nil || req.TopP != nil || req.TopK != nil ||
		req.MaxTokens > 0 || len(req.StopSequences) > 0 {
		out.GenerationConfig = &geminiGenerationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			TopK:            req.TopK,
			MaxOutputTokens: req.MaxTokens,
			StopSequences:   req.StopSequences,
		}
	}

	body, err := json.Marshal(&out)
	if err != nil {
		return nil, transformErr(g.Name(), "marshal request: %v", err)
	}

	headers := map[string]string{"Content-Type": "application/json"}
	var endpoint string
	if isVertexHost(p.BaseURL) {
		project := p.Meta("projectId", "default")
		location := p.Meta("location", "us-central1")
		endpoint = joinURL(p.BaseURL, fmt.Sprintf(
			"/v1/projects/%s/locations/%s/publishers/google/models/%s:generateContent",
			project, location, req.Model))
		if p.APIKey != "" {
			headers["Authorization"] = "Bearer " + p.APIKey
		}
	} else {
		endpoint = joinURL(p.BaseURL, fmt.Sprintf("/v1beta/models/%s:generateContent", req.Model))
		if p.APIKey != "" {
			headers["x-goog-api-key"] = p.APIKey
		}
	}
	for k, v := range p.Headers {
		headers[k] = v
	}

	return &upstream.Request{
		ProviderID: p.ID,
		Method:     "POST",
		URL:        endpoint,
		Headers:    headers,
		Body:       body,
		Timeout:    p.Timeout,
	}, nil
}

func (g *Gemini) TransformResponse(raw []byte, req *models.CanonicalRequest) (*models.CanonicalResponse, error) {
	var resp geminiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, transformErr(g.Name(), "decode response: %v", err)
	}
	if len(resp.Candidates) == 0 {
		return nil, transformErr(g.Name(), "response has no candidates")
	}
	cand := resp.Candidates[0]

	var text strings.Builder
	for _, part := range cand.Content.Parts {
		text.WriteString(part.Text)
	}

	return &models.CanonicalResponse{
		ID:         messageID(uuid.New().String()),
		Type:       "message",
		Role:       "assistant",
		Content:    []models.ContentPart{{Type: "text", Text: text.String()}},
		Model:      req.Model,
		StopReason: mapGeminiFinish(cand.FinishReason),
		Usage: models.Usage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
		},
	}, nil
}

// mapGeminiFinish maps Gemini finish reasons onto the canonical stop
// reasons. Safety and recitation finishes, and anything unrecognized,
// normalize to stop_sequence so the canonical enum stays closed.
func mapGeminiFinish(reason string) string {
	switch reason {
	case "STOP", "":
		return models.StopReasonEndTurn
	case "MAX_TOKENS":
		return models.StopReasonMaxTokens
	default:
		return models.StopReasonStopSequence
	}
}

func geminiParts(content *models.MessageContent) ([]geminiPart, error) {
	if !content.IsArray {
		return []geminiPart{{Text: content.Text}}, nil
	}
	var parts []geminiPart
	for _, part := range content.Parts {
		switch part.Type {
		case "text":
			parts = append(parts, geminiPart{Text: part.Text})
		case "image":
			if part.Source == nil {
				return nil, fmt.Errorf("image part has no source")
			}
			parts = append(parts, geminiPart{InlineData: &geminiInlineData{
				MimeType: part.Source.MediaType,
				Data:     part.Source.Data,
			}})
		default:
			return nil, fmt.Errorf("unsupported content part %q", part.Type)
		}
	}
	return parts, nil
}

// mergeGeminiParts appends parts, joining adjacent text with a newline.
func mergeGeminiParts(dst, src []geminiPart) []geminiPart {
	for _, part := range src {
		if part.InlineData == nil && len(dst) > 0 && dst[len(dst)-1].InlineData == nil {
			dst[len(dst)-1].Text += "\n" + part.Text
			continue
		}
		dst = append(dst, part)
	}
	return dst
}
