package transformer

import (
	"encoding/json"

	"github.com/user/ucr/internal/models"
	"github.com/user/ucr/internal/upstream"
)

// anthropicVersion is the API version header sent upstream.
const anthropicVersion = "2023-06-01"

// Anthropic is the native pass-through adapter: the canonical dialect is
// already the Anthropic wire format.
type Anthropic struct{}

// NewAnthropic returns the Anthropic adapter.
func NewAnthropic() *Anthropic { return &Anthropic{} }

func (a *Anthropic) Name() string { return "anthropic" }

func (a *Anthropic) SupportsStreaming() bool { return true }

func (a *Anthropic) TransformRequest(req *models.CanonicalRequest, p *models.Provider) (*upstream.Request, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, transformErr(a.Name(), "marshal request: %v", err)
	}

	headers := map[string]string{
		"Content-Type":      "application/json",
		"anthropic-version": anthropicVersion,
	}
	if p.APIKey != "" {
		headers["x-api-key"] = p.APIKey
	}
	for k, v := range p.Headers {
		headers[k] = v
	}

	return &upstream.Request{
		ProviderID: p.ID,
		Method:     "POST",
		URL:        joinURL(p.BaseURL, "/v1/messages"),
		Headers:    headers,
		Body:       body,
		Timeout:    p.Timeout,
	}, nil
}

func (a *Anthropic) TransformResponse(raw []byte, _ *models.CanonicalRequest) (*models.CanonicalResponse, error) {
	var resp models.CanonicalResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, transformErr(a.Name(), "decode response: %v", err)
	}
	if resp.ID == "" || len(resp.Content) == 0 {
		return nil, transformErr(a.Name(), "response missing id or content")
	}
	return &resp, nil
}

// TransformChunk passes Anthropic SSE lines through untouched; they are
// already canonical. Blank framing lines are forwarded too.
func (a *Anthropic) TransformChunk(line []byte) (StreamResult, error) {
	return StreamResult{Event: line}, nil
}
