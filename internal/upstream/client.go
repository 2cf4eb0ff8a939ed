// Package upstream provides the shared outbound HTTP client: pooled
// connections, per-request timeouts, buffered and streaming calls,
// retry with exponential backoff, and per-provider circuit breakers.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/user/ucr/internal/errs"
	"go.uber.org/zap"
)

// Client pool and timeout defaults.
const (
	DefaultTimeout   = 30 * time.Second
	headerTimeout    = 10 * time.Second
	idleConnTimeout  = 60 * time.Second
	maxIdleConns     = 100
	maxConnsPerHost  = 10
	retryBaseBackoff = time.Second
)

// Request is one outbound call produced by a transformer.
type Request struct {
	ProviderID string
	Method     string
	URL        string
	Headers    map[string]string
	Body       []byte
	Timeout    time.Duration // buffered requests only; 0 = DefaultTimeout
}

// Client is the single pooled upstream client shared by all requests.
type Client struct {
	buffered  *http.Client
	streaming *http.Client
	logger    *zap.Logger

	breakersOn bool
	mu         sync.Mutex
	breakers   map[string]*Breaker
}

// Options configures the client.
type Options struct {
	EnableBreakers bool
}

// NewClient builds the shared client. The streaming client has no
// overall timeout; the response header timeout bounds connection setup.
func NewClient(opts Options, logger *zap.Logger) *Client {
	transport := &http.Transport{
		MaxIdleConns:          maxIdleConns,
		MaxIdleConnsPerHost:   maxConnsPerHost,
		MaxConnsPerHost:       0,
		IdleConnTimeout:       idleConnTimeout,
		ResponseHeaderTimeout: headerTimeout,
	}
	return &Client{
		buffered: &http.Client{
			Transport: transport,
			// Per-request deadlines come from the context; no client-wide
			// timeout so long provider timeouts are honored.
		},
		streaming: &http.Client{
			Transport: transport,
		},
		logger:     logger,
		breakersOn: opts.EnableBreakers,
		breakers:   make(map[string]*Breaker),
	}
}

// DoBuffered performs a request, reads the whole body, and verifies it
// parses as JSON. Non-2xx responses become UpstreamError with the body
// truncated; timeouts become UpstreamTimeoutError.
func (c *Client) DoBuffered(ctx context.Context, req *Request) ([]byte, error) {
	br, release, err := c.admit(req.ProviderID)
	if err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.send(ctx, c.buffered, req)
	if err != nil {
		release(br, false)
		return nil, c.mapTransportErr(req, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		release(br, false)
		return nil, c.mapTransportErr(req, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		release(br, false)
		return nil, errs.NewUpstreamError(resp.StatusCode, body)
	}

	if !json.Valid(body) {
		release(br, false)
		return nil, &errs.UpstreamInvalidBodyError{Cause: errors.New("response is not valid JSON")}
	}

	release(br, true)
	return body, nil
}

// DoBufferedRetry wraps DoBuffered with exponential backoff for
// retryable failures (network errors, 408, 429, 5xx). maxRetries bounds
// the extra attempts.
func (c *Client) DoBufferedRetry(ctx context.Context, req *Request, maxRetries int) ([]byte, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		body, err := c.DoBuffered(ctx, req)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if attempt >= maxRetries || !errs.IsRetryable(err) {
			return nil, lastErr
		}

		backoff := retryBaseBackoff << attempt
		c.logger.Warn("retrying upstream request",
			zap.String("provider", req.ProviderID),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, lastErr
		case <-time.After(backoff):
		}
	}
}

// DoStream opens a streaming request and returns the response body as a
// byte stream. Non-2xx responses are drained and wrapped; once the
// stream is handed out the caller owns closing it, and cancelling ctx
// aborts the in-flight read.
func (c *Client) DoStream(ctx context.Context, req *Request) (io.ReadCloser, error) {
	br, release, err := c.admit(req.ProviderID)
	if err != nil {
		return nil, err
	}

	resp, err := c.send(ctx, c.streaming, req)
	if err != nil {
		release(br, false)
		return nil, c.mapTransportErr(req, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		release(br, false)
		if !json.Valid(body) {
			wrapped, _ := json.Marshal(map[string]string{"message": string(body)})
			body = wrapped
		}
		return nil, errs.NewUpstreamError(resp.StatusCode, body)
	}

	release(br, true)
	return resp.Body, nil
}

func (c *Client) send(ctx context.Context, hc *http.Client, req *Request) (*http.Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("create upstream request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if httpReq.Header.Get("Content-Type") == "" && len(req.Body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	return hc.Do(httpReq)
}

// mapTransportErr converts low-level transport failures into the error
// taxonomy. Context cancellation passes through untouched so callers
// can distinguish client disconnects from upstream faults.
func (c *Client) mapTransportErr(req *Request, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &errs.UpstreamTimeoutError{Provider: req.ProviderID}
	}
	return fmt.Errorf("upstream request failed: %w", err)
}

// admit checks the provider's circuit breaker. The returned release
// func records the outcome; it is a no-op when breakers are disabled.
func (c *Client) admit(providerID string) (*Breaker, func(*Breaker, bool), error) {
	if !c.breakersOn || providerID == "" {
		return nil, func(*Breaker, bool) {}, nil
	}
	c.mu.Lock()
	br, ok := c.breakers[providerID]
	if !ok {
		br = NewBreaker()
		c.breakers[providerID] = br
	}
	c.mu.Unlock()

	if !br.Allow() {
		return nil, nil, &errs.CircuitOpenError{Provider: providerID}
	}
	return br, func(b *Breaker, success bool) {
		if b != nil {
			b.Record(success)
		}
	}, nil
}
