//go:build !integration && !e2e
// +build !integration,!e2e

package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/user/ucr/internal/config"
	"github.com/user/ucr/internal/metrics"
	"github.com/user/ucr/internal/models"
	"github.com/user/ucr/internal/transformer"
	"github.com/user/ucr/internal/upstream"
	"go.uber.org/zap"
)

func newTestProxy(t *testing.T, providerID, baseURL string) *Proxy {
	t.Helper()
	doc := fmt.Sprintf(`{
		"providers": [
			{"id": %q, "baseUrl": %q, "authType": "api_key", "apiKey": "k", "enabled": true}
		],
		"router": {"default": %q}
	}`, providerID, baseURL, providerID)
	cfg, err := config.Parse([]byte(doc), nil)
	require.NoError(t, err)

	logger := zap.NewNop()
	router := NewRouter(logger)
	router.Apply(cfg)

	return NewProxy(
		func() *config.Config { return cfg },
		router,
		transformer.NewRegistry(),
		upstream.NewClient(upstream.Options{}, logger),
		NewResponseCache(0, 0, 0, logger),
		metrics.New(),
		nil,
		logger,
	)
}

func anthropicStub(t *testing.T, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "k", r.Header.Get("x-api-key"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "msg_01", "type": "message", "role": "assistant",
			"content": [{"type": "text", "text": "Hello"}],
			"model": "claude-3-5-sonnet-20241022", "stop_reason": "end_turn",
			"usage": {"input_tokens": 7, "output_tokens": 3}
		}`)
	}))
}

func TestProxy_BufferedExchange(t *testing.T) {
	var calls atomic.Int64
	stub := anthropicStub(t, &calls)
	defer stub.Close()

	proxy := newTestProxy(t, "anthropic", stub.URL)
	req := &models.CanonicalRequest{
		Model:     "claude-3-5-sonnet-20241022",
		MaxTokens: 10,
		Messages:  []models.Message{{Role: "user", Content: models.MessageContent{Text: "Hi"}}},
	}

	result, err := proxy.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.FromCache)
	assert.Equal(t, "assistant", result.Response.Role)
	assert.Equal(t, "Hello", result.Response.Content[0].Text)
	assert.Equal(t, 7, result.Response.Usage.InputTokens)
	assert.Equal(t, 3, result.Response.Usage.OutputTokens)
	assert.Equal(t, int64(1), calls.Load())
}

func TestProxy_CacheHitSkipsUpstream(t *testing.T) {
	var calls atomic.Int64
	stub := anthropicStub(t, &calls)
	defer stub.Close()

	proxy := newTestProxy(t, "anthropic", stub.URL)
	req := &models.CanonicalRequest{
		Model:     "claude-3-5-sonnet-20241022",
		MaxTokens: 10,
		Messages:  []models.Message{{Role: "user", Content: models.MessageContent{Text: "Hi"}}},
	}

	first, err := proxy.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := proxy.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, int64(1), calls.Load(), "second call served from cache")

	// A fingerprint-relevant mutation goes upstream again.
	temp := 0.5
	mutated := *req
	mutated.Temperature = &temp
	third, err := proxy.Execute(context.Background(), &mutated)
	require.NoError(t, err)
	assert.False(t, third.FromCache)
	assert.Equal(t, int64(2), calls.Load())
}

func TestProxy_StreamRelay(t *testing.T) {
	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, true, body["stream"])

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		flusher.Flush()
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		flusher.Flush()
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer stub.Close()

	proxy := newTestProxy(t, "openai", stub.URL)
	req := &models.CanonicalRequest{
		Model:     "gpt-4o",
		MaxTokens: 10,
		Stream:    true,
		Messages:  []models.Message{{Role: "user", Content: models.MessageContent{Text: "Hi"}}},
	}

	chunks, route, err := proxy.ExecuteStream(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "openai", route.Provider.ID)

	var texts []string
	for chunk := range chunks {
		if chunk.Done {
			break
		}
		require.NoError(t, chunk.Err)
		var ev models.StreamEvent
		payload := string(chunk.Data)
		payload = payload[len("data: ") : len(payload)-2]
		require.NoError(t, json.Unmarshal([]byte(payload), &ev))
		assert.Equal(t, "content_block_delta", ev.Type)
		texts = append(texts, ev.Delta.Text)
	}
	assert.Equal(t, []string{"Hel", "lo"}, texts)

	// Streaming never writes to the response cache.
	assert.Equal(t, 0, proxy.CacheStats().Entries)
}

func TestProxy_StreamCancellation(t *testing.T) {
	release := make(chan struct{})
	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n")
		flusher.Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer stub.Close()
	defer close(release)

	proxy := newTestProxy(t, "openai", stub.URL)
	req := &models.CanonicalRequest{
		Model:     "gpt-4o",
		MaxTokens: 10,
		Stream:    true,
		Messages:  []models.Message{{Role: "user", Content: models.MessageContent{Text: "Hi"}}},
	}

	ctx, cancel := context.WithCancel(context.Background())
	chunks, _, err := proxy.ExecuteStream(ctx, req)
	require.NoError(t, err)

	// Take the first chunk, then cancel like a disconnecting client.
	first := <-chunks
	require.NotNil(t, first.Data)
	cancel()

	select {
	case <-drained(chunks):
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not terminate after cancellation")
	}
}

func TestProxy_StreamAbandonedConsumer(t *testing.T) {
	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := 0; i < 40; i++ {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"c%d\"}}]}\n\n", i)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer stub.Close()

	proxy := newTestProxy(t, "openai", stub.URL)
	req := &models.CanonicalRequest{
		Model:     "gpt-4o",
		MaxTokens: 10,
		Stream:    true,
		Messages:  []models.Message{{Role: "user", Content: models.MessageContent{Text: "Hi"}}},
	}

	ctx, cancel := context.WithCancel(context.Background())
	chunks, _, err := proxy.ExecuteStream(ctx, req)
	require.NoError(t, err)

	// Read nothing: with more events than the channel buffer the relay
	// blocks on a send. Cancelling must still let it terminate.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-drained(chunks):
	case <-time.After(5 * time.Second):
		t.Fatal("relay goroutine did not exit after the consumer went away")
	}
}

func TestProxy_StreamUnsupportedAdapter(t *testing.T) {
	proxy := newTestProxy(t, "gemini", "https://generativelanguage.googleapis.com")
	req := &models.CanonicalRequest{
		Model:     "gemini-pro",
		MaxTokens: 10,
		Stream:    true,
		Messages:  []models.Message{{Role: "user", Content: models.MessageContent{Text: "Hi"}}},
	}

	_, route, err := proxy.ExecuteStream(context.Background(), req)
	require.Error(t, err)
	require.NotNil(t, route, "route survives for the buffered fallback")
}

func TestProxy_UpstreamErrorSurfaces(t *testing.T) {
	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `{"error": "upstream exploded"}`)
	}))
	defer stub.Close()

	proxy := newTestProxy(t, "anthropic", stub.URL)
	req := &models.CanonicalRequest{
		Model:     "claude-3-5-sonnet-20241022",
		MaxTokens: 10,
		Messages:  []models.Message{{Role: "user", Content: models.MessageContent{Text: "Hi"}}},
	}

	_, err := proxy.Execute(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, 0, proxy.CacheStats().Entries, "errors are not cached")
}

// drained returns a channel closed once the source channel closes.
func drained(ch <-chan StreamChunk) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		for range ch {
		}
		close(done)
	}()
	return done
}
