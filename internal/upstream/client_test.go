//go:build !integration && !e2e
// +build !integration,!e2e

package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/user/ucr/internal/errs"
	"go.uber.org/zap"
)

func TestClient_DoBuffered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "v", r.Header.Get("X-Custom"))
		fmt.Fprint(w, `{"ok": true}`)
	}))
	defer srv.Close()

	c := NewClient(Options{}, zap.NewNop())
	body, err := c.DoBuffered(context.Background(), &Request{
		ProviderID: "p",
		URL:        srv.URL,
		Headers:    map[string]string{"X-Custom": "v"},
		Body:       []byte(`{}`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok": true}`, string(body))
}

func TestClient_DoBufferedNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error": "slow down"}`)
	}))
	defer srv.Close()

	c := NewClient(Options{}, zap.NewNop())
	_, err := c.DoBuffered(context.Background(), &Request{ProviderID: "p", URL: srv.URL})
	require.Error(t, err)

	var ue *errs.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusTooManyRequests, ue.StatusCode)
}

func TestClient_DoBufferedTruncatesErrorBody(t *testing.T) {
	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'x'
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write(long)
	}))
	defer srv.Close()

	c := NewClient(Options{}, zap.NewNop())
	_, err := c.DoBuffered(context.Background(), &Request{ProviderID: "p", URL: srv.URL})
	require.Error(t, err)

	var ue *errs.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.LessOrEqual(t, len(ue.Body), 200)
}

func TestClient_DoBufferedInvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html>not json</html>`)
	}))
	defer srv.Close()

	c := NewClient(Options{}, zap.NewNop())
	_, err := c.DoBuffered(context.Background(), &Request{ProviderID: "p", URL: srv.URL})

	var ie *errs.UpstreamInvalidBodyError
	assert.ErrorAs(t, err, &ie)
}

func TestClient_DoBufferedTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	c := NewClient(Options{}, zap.NewNop())
	_, err := c.DoBuffered(context.Background(), &Request{
		ProviderID: "slow",
		URL:        srv.URL,
		Timeout:    50 * time.Millisecond,
	})

	var te *errs.UpstreamTimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "slow", te.Provider)
}

func TestClient_DoBufferedRetry(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"error": "busy"}`)
			return
		}
		fmt.Fprint(w, `{"ok": true}`)
	}))
	defer srv.Close()

	c := NewClient(Options{}, zap.NewNop())
	body, err := c.DoBufferedRetry(context.Background(), &Request{ProviderID: "p", URL: srv.URL}, 2)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok": true}`, string(body))
	assert.Equal(t, int64(2), calls.Load())
}

func TestClient_NoRetryOnClientError(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error": "bad request"}`)
	}))
	defer srv.Close()

	c := NewClient(Options{}, zap.NewNop())
	_, err := c.DoBufferedRetry(context.Background(), &Request{ProviderID: "p", URL: srv.URL}, 3)
	require.Error(t, err)
	assert.Equal(t, int64(1), calls.Load(), "4xx (except 408/429) is not retried")
}

func TestClient_DoStreamNon2xxWrapsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `plain text failure`)
	}))
	defer srv.Close()

	c := NewClient(Options{}, zap.NewNop())
	_, err := c.DoStream(context.Background(), &Request{ProviderID: "p", URL: srv.URL})
	require.Error(t, err)

	var ue *errs.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Contains(t, string(ue.Body), "plain text failure")
}

func TestBreaker_OpensAboveErrorRate(t *testing.T) {
	b := NewBreaker()
	base := time.Now()
	b.now = func() time.Time { return base }

	for i := 0; i < 5; i++ {
		require.True(t, b.Allow())
		b.Record(false)
	}
	assert.False(t, b.Allow(), "breaker opens above 50% failures with enough samples")
}

func TestBreaker_StaysClosedBelowMinSample(t *testing.T) {
	b := NewBreaker()
	base := time.Now()
	b.now = func() time.Time { return base }

	for i := 0; i < 3; i++ {
		b.Record(false)
	}
	assert.True(t, b.Allow(), "too few samples to trip")
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b := NewBreaker()
	base := time.Now()
	now := base
	b.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		b.Record(false)
	}
	require.False(t, b.Allow())

	// After the cool-off exactly one probe is admitted.
	now = base.Add(breakerOpenFor + time.Second)
	assert.True(t, b.Allow())
	assert.False(t, b.Allow(), "only a single half-open probe")

	// A successful probe closes the breaker.
	b.Record(true)
	assert.True(t, b.Allow())
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b := NewBreaker()
	base := time.Now()
	now := base
	b.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		b.Record(false)
	}
	now = base.Add(breakerOpenFor + time.Second)
	require.True(t, b.Allow())
	b.Record(false)

	assert.False(t, b.Allow(), "failed probe reopens the breaker")
}

func TestClient_BreakerIntegration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error": "down"}`)
	}))
	defer srv.Close()

	c := NewClient(Options{EnableBreakers: true}, zap.NewNop())
	req := &Request{ProviderID: "down", URL: srv.URL}

	for i := 0; i < 5; i++ {
		_, err := c.DoBuffered(context.Background(), req)
		require.Error(t, err)
	}

	_, err := c.DoBuffered(context.Background(), req)
	var ce *errs.CircuitOpenError
	assert.ErrorAs(t, err, &ce)
}
