package transformer

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/user/ucr/internal/models"
	"github.com/user/ucr/internal/upstream"
)

// Cohere adapts the Cohere chat API: the latest user message travels as
// `message`, prior turns as `chat_history` with USER/CHATBOT roles, and
// the system prompt as `preamble`.
type Cohere struct{}

// NewCohere returns the Cohere adapter.
func NewCohere() *Cohere { return &Cohere{} }

func (c *Cohere) Name() string { return "cohere" }

func (c *Cohere) SupportsStreaming() bool { return true }

type cohereHistoryEntry struct {
	Role    string `json:"role"`
	Message string `json:"message"`
}

type cohereRequest struct {
	Model         string               `json:"model"`
	Message       string               `json:"message"`
	ChatHistory   []cohereHistoryEntry `json:"chat_history,omitempty"`
	Preamble      string               `json:"preamble,omitempty"`
	MaxTokens     int                  `json:"max_tokens,omitempty"`
	Temperature   *float64             `json:"temperature,omitempty"`
	P             *float64             `json:"p,omitempty"`
	K             *int                 `json:"k,omitempty"`
	StopSequences []string             `json:"stop_sequences,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
}

type cohereResponse struct {
	Text         string `json:"text"`
	GenerationID string `json:"generation_id"`
	FinishReason string `json:"finish_reason"`
	Meta         struct {
		BilledUnits struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"billed_units"`
	} `json:"meta"`
}

type cohereStreamEvent struct {
	EventType string `json:"event_type"`
	Text      string `json:"text"`
}

func (c *Cohere) TransformRequest(req *models.CanonicalRequest, p *models.Provider) (*upstream.Request, error) {
	out := cohereRequest{
		Model:         req.Model,
		Preamble:      req.System.String(),
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		P:             req.TopP,
		K:             req.TopK,
		StopSequences: req.StopSequences,
		Stream:        req.Stream,
	}

	last := len(req.Messages) - 1
	out.Message = flattenText(&req.Messages[last].Content)
	for i := 0; i < last; i++ {
		msg := &req.Messages[i]
		role := "USER"
		if msg.Role == "assistant" {
			role = "CHATBOT"
		}
		out.ChatHistory = append(out.ChatHistory, cohereHistoryEntry{
			Role:    role,
			Message: flattenText(&msg.Content),
		})
	}

	body, err := json.Marshal(&out)
	if err != nil {
		return nil, transformErr(c.Name(), "marshal request: %v", err)
	}

	headers := map[string]string{"Content-Type": "application/json"}
	if p.APIKey != "" {
		headers["Authorization"] = "Bearer " + p.APIKey
	}
	for k, v := range p.Headers {
		headers[k] = v
	}

	return &upstream.Request{
		ProviderID: p.ID,
		Method:     "POST",
		URL:        joinURL(p.BaseURL, "/v1/chat"),
		Headers:    headers,
		Body:       body,
		Timeout:    p.Timeout,
	}, nil
}

func (c *Cohere) TransformResponse(raw []byte, req *models.CanonicalRequest) (*models.CanonicalResponse, error) {
	var resp cohereResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, transformErr(c.Name(), "decode response: %v", err)
	}
	if resp.Text == "" {
		return nil, transformErr(c.Name(), "response has no text")
	}

	id := resp.GenerationID
	if id == "" {
		id = uuid.New().String()
	}

	return &models.CanonicalResponse{
		ID:         messageID(id),
		Type:       "message",
		Role:       "assistant",
		Content:    []models.ContentPart{{Type: "text", Text: resp.Text}},
		Model:      req.Model,
		StopReason: mapCohereFinish(resp.FinishReason),
		Usage: models.Usage{
			InputTokens:  resp.Meta.BilledUnits.InputTokens,
			OutputTokens: resp.Meta.BilledUnits.OutputTokens,
		},
	}, nil
}

// TransformChunk translates Cohere stream events; only text-generation
// events carry a delta.
func (c *Cohere) TransformChunk(line []byte) (StreamResult, error) {
	payload := string(line)
	if s, ok := ssePayload(line); ok {
		payload = s
	}
	var ev cohereStreamEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return StreamResult{}, nil
	}
	switch ev.EventType {
	case "text-generation":
		if ev.Text == "" {
			return StreamResult{}, nil
		}
		return StreamResult{Event: sseEvent(models.TextDeltaEvent(ev.Text))}, nil
	case "stream-end":
		return StreamResult{Done: true}, nil
	default:
		return StreamResult{}, nil
	}
}

func mapCohereFinish(reason string) string {
	switch reason {
	case "COMPLETE", "":
		return models.StopReasonEndTurn
	case "MAX_TOKENS":
		return models.StopReasonMaxTokens
	case "STOP_SEQUENCE":
		return models.StopReasonStopSequence
	default:
		return models.StopReasonEndTurn
	}
}
