package transformer

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/user/ucr/internal/models"
	"github.com/user/ucr/internal/upstream"
)

// Replicate adapts the predictions API. The conversation flattens into a
// single "User:"/"Assistant:" prompt ending with "Assistant:", and the
// provider reports no token usage.
type Replicate struct{}

// NewReplicate returns the Replicate adapter.
func NewReplicate() *Replicate { return &Replicate{} }

func (r *Replicate) Name() string { return "replicate" }

func (r *Replicate) SupportsStreaming() bool { return false }

type replicateInput struct {
	Prompt        string   `json:"prompt"`
	SystemPrompt  string   `json:"system_prompt,omitempty"`
	MaxNewTokens  int      `json:"max_new_tokens,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	TopP          *float64 `json:"top_p,omitempty"`
	TopK          *int     `json:"top_k,omitempty"`
	StopSequences string   `json:"stop_sequences,omitempty"`
}

type replicateRequest struct {
	Version string         `json:"version,omitempty"`
	Model   string         `json:"model,omitempty"`
	Input   replicateInput `json:"input"`
}

type replicateResponse struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error"`
}

func (r *Replicate) TransformRequest(req *models.CanonicalRequest, p *models.Provider) (*upstream.Request, error) {
	var prompt strings.Builder
	for i := range req.Messages {
		msg := &req.Messages[i]
		label := "User"
		if msg.Role == "assistant" {
			label = "Assistant"
		}
		prompt.WriteString(label)
		prompt.WriteString(": ")
		prompt.WriteString(flattenText(&msg.Content))
		prompt.WriteString("\n\n")
	}
	prompt.WriteString("Assistant:")

	out := replicateRequest{
		Version: p.Meta("version", ""),
		Input: replicateInput{
			Prompt:        prompt.String(),
			SystemPrompt:  req.System.String(),
			MaxNewTokens:  req.MaxTokens,
			Temperature:   req.Temperature,
			TopP:          req.TopP,
			TopK:          req.TopK,
			StopSequences: strings.Join(req.StopSequences, ","),
		},
	}
	if out.Version == "" {
		out.Model = req.Model
	}

	body, err := json.Marshal(&out)
	if err != nil {
		return nil, transformErr(r.Name(), "marshal request: %v", err)
	}

	headers := map[string]string{"Content-Type": "application/json"}
	if p.APIKey != "" {
		headers["Authorization"] = "Token " + p.APIKey
	}
	for k, v := range p.Headers {
		headers[k] = v
	}

	return &upstream.Request{
		ProviderID: p.ID,
		Method:     "POST",
		URL:        joinURL(p.BaseURL, "/v1/predictions"),
		Headers:    headers,
		Body:       body,
		Timeout:    p.Timeout,
	}, nil
}

func (r *Replicate) TransformResponse(raw []byte, req *models.CanonicalRequest) (*models.CanonicalResponse, error) {
	var resp replicateResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, transformErr(r.Name(), "decode response: %v", err)
	}
	if resp.Error != "" {
		return nil, transformErr(r.Name(), "prediction failed: %s", resp.Error)
	}

	text, err := replicateOutputText(resp.Output)
	if err != nil {
		return nil, transformErr(r.Name(), "decode output: %v", err)
	}

	id := resp.ID
	if id == "" {
		id = uuid.New().String()
	}

	// Replicate reports no token counts; usage stays zero.
	return &models.CanonicalResponse{
		ID:         messageID(id),
		Type:       "message",
		Role:       "assistant",
		Content:    []models.ContentPart{{Type: "text", Text: text}},
		Model:      req.Model,
		StopReason: models.StopReasonEndTurn,
	}, nil
}

// replicateOutputText accepts both output shapes: a plain string or a
// list of string fragments to concatenate.
func replicateOutputText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var parts []string
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", err
	}
	return strings.Join(parts, ""), nil
}
