// Package transformer converts canonical chat requests to provider wire
// formats and provider responses (buffered or streamed) back into the
// canonical dialect. Adapters are stateless and shared across requests.
package transformer

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/user/ucr/internal/errs"
	"github.com/user/ucr/internal/models"
	"github.com/user/ucr/internal/upstream"
)

// StreamResult is the outcome of translating one upstream stream line.
// Event is the canonical SSE payload to forward (nil = skip the line);
// Done marks an explicit upstream terminator.
type StreamResult struct {
	Event []byte
	Done  bool
}

// Transformer is one per-provider adapter.
type Transformer interface {
	// Name identifies the adapter in errors and logs.
	Name() string
	// TransformRequest translates a canonical request into the
	// provider's wire call.
	TransformRequest(req *models.CanonicalRequest, p *models.Provider) (*upstream.Request, error)
	// TransformResponse translates a buffered provider response body
	// back into canonical form.
	TransformResponse(raw []byte, req *models.CanonicalRequest) (*models.CanonicalResponse, error)
	// SupportsStreaming reports whether TransformChunk is usable.
	SupportsStreaming() bool
}

// StreamTransformer is implemented by adapters that can translate
// streaming responses line by line.
type StreamTransformer interface {
	Transformer
	TransformChunk(line []byte) (StreamResult, error)
}

// Registry maps provider ids to adapter instances.
type Registry struct {
	adapters map[string]Transformer
}

// NewRegistry builds the registry with all built-in adapters and their
// id aliases registered.
func NewRegistry() *Registry {
	r := &Registry{adapters: make(map[string]Transformer)}

	r.Register("anthropic", NewAnthropic())
	for _, v := range openAIVariants() {
		r.Register(v.id, NewOpenAICompatible(v))
	}
	gemini := NewGemini()
	r.Register("gemini", gemini)
	r.Register("google", gemini)
	r.Register("cohere", NewCohere())
	r.Register("ollama", NewOllama())
	r.Register("replicate", NewReplicate())

	// Common config spellings.
	r.Register("github-copilot", r.adapters["copilot"])
	r.Register("vertex", gemini)
	return r
}

// Register adds or replaces an adapter binding.
func (r *Registry) Register(id string, t Transformer) {
	r.adapters[strings.ToLower(id)] = t
}

// Resolve returns the adapter for a provider. A provider may name its
// adapter explicitly via metadata key "transformer"; otherwise its id
// is the lookup key.
func (r *Registry) Resolve(p *models.Provider) (Transformer, error) {
	key := p.Meta("transformer", p.ID)
	if t, ok := r.adapters[strings.ToLower(key)]; ok {
		return t, nil
	}
	return nil, &errs.TransformerError{
		Adapter: key,
		Reason:  "no adapter registered for provider " + p.ID,
	}
}

// IDs returns the registered adapter keys (aliases included).
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	return ids
}

// sseEvent renders a canonical stream event as one SSE line.
func sseEvent(ev models.StreamEvent) []byte {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil
	}
	return []byte("data: " + string(data) + "\n\n")
}

// ssePayload extracts the JSON payload of a `data: ` line. The second
// return is false for comments, blank keep-alives and non-data fields.
func ssePayload(line []byte) (string, bool) {
	s := strings.TrimSpace(string(line))
	if !strings.HasPrefix(s, "data:") {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(s, "data:")), true
}

// joinURL joins a base URL and a path without doubling slashes.
func joinURL(base, path string) string {
	return strings.TrimSuffix(base, "/") + path
}

// messageID returns a canonical message id for synthesized responses.
func messageID(suffix string) string {
	return "msg_" + suffix
}

// transformErr builds a TransformerError for an adapter.
func transformErr(adapter, format string, args ...any) error {
	return &errs.TransformerError{Adapter: adapter, Reason: fmt.Sprintf(format, args...)}
}
