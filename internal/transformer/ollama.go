package transformer

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/user/ucr/internal/models"
	"github.com/user/ucr/internal/upstream"
)

// Ollama adapts the local Ollama chat API. No auth headers are sent;
// sampling knobs ride in the options bag and streams arrive as NDJSON
// rather than SSE.
type Ollama struct{}

// NewOllama returns the Ollama adapter.
func NewOllama() *Ollama { return &Ollama{} }

func (o *Ollama) Name() string { return "ollama" }

func (o *Ollama) SupportsStreaming() bool { return true }

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
	Options  *ollamaOptions  `json:"options,omitempty"`
	Stream   bool            `json:"stream"`
}

type ollamaResponse struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

func (o *Ollama) TransformRequest(req *models.CanonicalRequest, p *models.Provider) (*upstream.Request, error) {
	out := ollamaRequest{
		Model:  req.Model,
		Stream: req.Stream,
	}

	if !req.System.IsEmpty() {
		out.Messages = append(out.Messages, openAIMessage{Role: "system", Content: req.System.String()})
	}
	for i := range req.Messages {
		msg := &req.Messages[i]
		out.Messages = append(out.Messages, openAIMessage{Role: msg.Role, Content: flattenText(&msg.Content)})
	}

	if req.Temperature != nil || req.TopP != nil || req.TopK != nil ||
		req.MaxTokens > 0 || len(req.StopSequences) > 0 {
		out.Options = &ollamaOptions{
			Temperature: req.Temperature,
			TopP:        req.TopP,
			TopK:        req.TopK,
			NumPredict:  req.MaxTokens,
			Stop:        req.StopSequences,
		}
	}

	body, err := json.Marshal(&out)
	if err != nil {
		return nil, transformErr(o.Name(), "marshal request: %v", err)
	}

	headers := map[string]string{"Content-Type": "application/json"}
	for k, v := range p.Headers {
		headers[k] = v
	}

	return &upstream.Request{
		ProviderID: p.ID,
		Method:     "POST",
		URL:        joinURL(p.BaseURL, "/api/chat"),
		Headers:    headers,
		Body:       body,
		Timeout:    p.Timeout,
	}, nil
}

func (o *Ollama) TransformResponse(raw []byte, req *models.CanonicalRequest) (*models.CanonicalResponse, error) {
	var resp ollamaResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, transformErr(o.Name(), "decode response: %v", err)
	}
	if resp.Message.Content == "" && !resp.Done {
		return nil, transformErr(o.Name(), "response has no message content")
	}

	return &models.CanonicalResponse{
		ID:         messageID(uuid.New().String()),
		Type:       "message",
		Role:       "assistant",
		Content:    []models.ContentPart{{Type: "text", Text: resp.Message.Content}},
		Model:      req.Model,
		StopReason: mapOllamaDone(resp.DoneReason),
		Usage: models.Usage{
			InputTokens:  resp.PromptEvalCount,
			OutputTokens: resp.EvalCount,
		},
	}, nil
}

// TransformChunk translates one NDJSON line. The terminal object carries
// done=true and usually an empty content delta.
func (o *Ollama) TransformChunk(line []byte) (StreamResult, error) {
	var chunk ollamaResponse
	if err := json.Unmarshal(line, &chunk); err != nil {
		return StreamResult{}, nil
	}
	if chunk.Done {
		return StreamResult{Done: true}, nil
	}
	if chunk.Message.Content == "" {
		return StreamResult{}, nil
	}
	return StreamResult{Event: sseEvent(models.TextDeltaEvent(chunk.Message.Content))}, nil
}

func mapOllamaDone(reason string) string {
	switch reason {
	case "stop", "":
		return models.StopReasonEndTurn
	case "length":
		return models.StopReasonMaxTokens
	default:
		return models.StopReasonEndTurn
	}
}
