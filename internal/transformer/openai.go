package transformer

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/user/ucr/internal/models"
	"github.com/user/ucr/internal/upstream"
)

// openAIVariant describes one member of the chat-completions family.
// The wire format is shared; variants differ in headers and knobs.
type openAIVariant struct {
	id           string
	path         string
	supportsTopK bool
	// headers contributes variant-specific headers; provider metadata
	// can override the defaults.
	headers func(p *models.Provider) map[string]string
}

// openAIVariants enumerates the OpenAI-compatible providers.
func openAIVariants() []openAIVariant {
	chat := "/chat/completions"
	return []openAIVariant{
		{id: "openai", path: chat},
		{id: "deepseek", path: chat, supportsTopK: false},
		{id: "groq", path: chat},
		{id: "mistral", path: chat},
		{id: "perplexity", path: chat},
		{id: "together", path: chat, supportsTopK: true},
		{
			id:   "openrouter",
			path: "/api/v1/chat/completions",
			headers: func(p *models.Provider) map[string]string {
				return map[string]string{
					"HTTP-Referer": p.Meta("referer", "https://github.com/user/ucr"),
					"X-Title":      p.Meta("title", "ucr"),
				}
			},
		},
		{
			id:   "copilot",
			path: chat,
			headers: func(p *models.Provider) map[string]string {
				return map[string]string{
					"Editor-Version":        p.Meta("editorVersion", "vscode/1.85.0"),
					"Editor-Plugin-Version": p.Meta("editorPluginVersion", "copilot-chat/0.11.1"),
					"User-Agent":            p.Meta("userAgent", "GitHubCopilotChat/0.11.1"),
				}
			},
		},
	}
}

// OpenAICompatible translates canonical requests to the OpenAI
// chat-completions schema and back.
type OpenAICompatible struct {
	variant openAIVariant
}

// NewOpenAICompatible builds an adapter for one family variant.
func NewOpenAICompatible(v openAIVariant) *OpenAICompatible {
	return &OpenAICompatible{variant: v}
}

func (o *OpenAICompatible) Name() string { return o.variant.id }

func (o *OpenAICompatible) SupportsStreaming() bool { return true }

// Wire types for the chat-completions schema.
type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	TopK        *int            `json:"top_k,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type openAIResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (o *OpenAICompatible) TransformRequest(req *models.CanonicalRequest, p *models.Provider) (*upstream.Request, error) {
	out := openAIRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSequences,
		Stream:      req.Stream,
	}
	if o.variant.supportsTopK {
		out.TopK = req.TopK
	}

	// System prompt becomes the first message.
	if !req.System.IsEmpty() {
		out.Messages = append(out.Messages, openAIMessage{Role: "system", Content: req.System.String()})
	}
	for i := range req.Messages {
		msg := &req.Messages[i]
		text := flattenText(&msg.Content)
		if text == "" && msg.Content.HasImage() {
			return nil, transformErr(o.Name(), "message %d has image-only content and adapter does not support vision", i)
		}
		out.Messages = append(out.Messages, openAIMessage{Role: msg.Role, Content: text})
	}

	body, err := json.Marshal(&out)
	if err != nil {
		return nil, transformErr(o.Name(), "marshal request: %v", err)
	}

	headers := map[string]string{"Content-Type": "application/json"}
	if p.APIKey != "" {
		headers["Authorization"] = "Bearer " + p.APIKey
	}
	if o.variant.headers != nil {
		for k, v := range o.variant.headers(p) {
			headers[k] = v
		}
	}
	for k, v := range p.Headers {
		headers[k] = v
	}

	return &upstream.Request{
		ProviderID: p.ID,
		Method:     "POST",
		URL:        joinURL(p.BaseURL, o.variant.path),
		Headers:    headers,
		Body:       body,
		Timeout:    p.Timeout,
	}, nil
}

func (o *OpenAICompatible) TransformResponse(raw []byte, req *models.CanonicalRequest) (*models.CanonicalResponse, error) {
	var resp openAIResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, transformErr(o.Name(), "decode response: %v", err)
	}
	if len(resp.Choices) == 0 {
		return nil, transformErr(o.Name(), "response has no choices")
	}
	choice := resp.Choices[0]

	id := resp.ID
	if id == "" {
		id = messageID(uuid.New().String())
	}
	model := resp.Model
	if model == "" {
		model = req.Model
	}

	return &models.CanonicalResponse{
		ID:         id,
		Type:       "message",
		Role:       "assistant",
		Content:    []models.ContentPart{{Type: "text", Text: choice.Message.Content}},
		Model:      model,
		StopReason: mapOpenAIFinish(choice.FinishReason),
		Usage: models.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

// TransformChunk re-emits the first choice's content delta as a
// canonical content_block_delta event. [DONE] terminates the stream.
func (o *OpenAICompatible) TransformChunk(line []byte) (StreamResult, error) {
	payload, ok := ssePayload(line)
	if !ok || payload == "" {
		return StreamResult{}, nil
	}
	if payload == "[DONE]" {
		return StreamResult{Done: true}, nil
	}

	var chunk openAIStreamChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		// Malformed keep-alives are skipped, not fatal.
		return StreamResult{}, nil
	}
	if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
		return StreamResult{}, nil
	}
	return StreamResult{Event: sseEvent(models.TextDeltaEvent(chunk.Choices[0].Delta.Content))}, nil
}

// mapOpenAIFinish maps chat-completions finish reasons onto the
// canonical stop reasons.
func mapOpenAIFinish(reason string) string {
	switch reason {
	case "stop", "eos", "":
		return models.StopReasonEndTurn
	case "length":
		return models.StopReasonMaxTokens
	case "content_filter":
		return models.StopReasonStopSequence
	default:
		return models.StopReasonEndTurn
	}
}

// flattenText concatenates the text parts of a message; image parts are
// dropped (none of the family adapters advertise vision).
func flattenText(content *models.MessageContent) string {
	if !content.IsArray {
		return content.Text
	}
	var out strings.Builder
	for _, part := range content.Parts {
		if part.Type != "text" || part.Text == "" {
			continue
		}
		if out.Len() > 0 {
			out.WriteString("\n")
		}
		out.WriteString(part.Text)
	}
	return out.String()
}
