package service

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/user/ucr/internal/config"
	"github.com/user/ucr/internal/errs"
	"github.com/user/ucr/internal/metrics"
	"github.com/user/ucr/internal/models"
	"github.com/user/ucr/internal/repository"
	"github.com/user/ucr/internal/transformer"
	"github.com/user/ucr/internal/upstream"
	"go.uber.org/zap"
)

// StreamChunk is one unit of a relayed stream: a canonical SSE payload,
// a terminal error, or the end-of-stream marker.
type StreamChunk struct {
	Data []byte
	Err  error
	Done bool
}

// streamBuffer bounds the gap between upstream reads and client writes
// to a handful of chunks; backpressure beyond it stalls the reader.
const streamBuffer = 16

// Proxy executes the request pipeline: cache probe, routing, request
// translation, the upstream exchange and response translation.
type Proxy struct {
	snapshot func() *config.Config
	router   *Router
	registry *transformer.Registry
	client   *upstream.Client
	cache    *ResponseCache
	metrics  *metrics.Metrics
	logRepo  repository.RequestLogRepository
	logger   *zap.Logger
}

// NewProxy wires the pipeline. logRepo may be nil when request logging
// is disabled.
func NewProxy(
	snapshot func() *config.Config,
	router *Router,
	registry *transformer.Registry,
	client *upstream.Client,
	cache *ResponseCache,
	m *metrics.Metrics,
	logRepo repository.RequestLogRepository,
	logger *zap.Logger,
) *Proxy {
	return &Proxy{
		snapshot: snapshot,
		router:   router,
		registry: registry,
		client:   client,
		cache:    cache,
		metrics:  m,
		logRepo:  logRepo,
		logger:   logger,
	}
}

// BufferedResult is the outcome of a non-streaming exchange.
type BufferedResult struct {
	Response  *models.CanonicalResponse
	Route     *models.RouteResult
	FromCache bool
}

// Execute handles a non-streaming request. The response cache is probed
// before routing; a hit short-circuits the upstream entirely.
func (p *Proxy) Execute(ctx context.Context, req *models.CanonicalRequest) (*BufferedResult, error) {
	start := time.Now()

	fp := Fingerprint(req)
	if body := p.cache.Get(fp); body != nil {
		var resp models.CanonicalResponse
		if err := json.Unmarshal(body, &resp); err == nil {
			p.metrics.RecordCacheHit()
			p.metrics.RecordRequest(false, time.Since(start), false)
			return &BufferedResult{Response: &resp, FromCache: true}, nil
		}
		// Corrupt entries get overwritten below.
	}
	p.metrics.RecordCacheMiss()

	route, adapter, upReq, err := p.prepare(req, p.snapshot())
	if err != nil {
		p.metrics.RecordRequest(false, time.Since(start), true)
		return nil, err
	}

	raw, err := p.client.DoBufferedRetry(ctx, upReq, route.Provider.MaxRetries)
	if err != nil {
		p.finishRequest(ctx, route, start, false, nil, err)
		return nil, err
	}

	resp, err := adapter.TransformResponse(raw, req)
	if err != nil {
		p.finishRequest(ctx, route, start, false, nil, err)
		return nil, err
	}

	if body, err := json.Marshal(resp); err == nil {
		p.cache.Set(fp, body)
	}

	p.finishRequest(ctx, route, start, false, &resp.Usage, nil)
	return &BufferedResult{Response: resp, Route: route}, nil
}

// ExecuteStream handles a streaming request. It opens the upstream
// stream before returning; the returned channel relays translated
// chunks until upstream EOF, a terminal error or context cancellation.
// Streaming responses are never cached and never retried.
func (p *Proxy) ExecuteStream(ctx context.Context, req *models.CanonicalRequest) (<-chan StreamChunk, *models.RouteResult, error) {
	start := time.Now()

	route, adapter, upReq, err := p.prepare(req, p.snapshot())
	if err != nil {
		p.metrics.RecordRequest(true, time.Since(start), true)
		return nil, nil, err
	}

	st, ok := adapter.(transformer.StreamTransformer)
	if !ok || !adapter.SupportsStreaming() {
		// Caller falls back to the buffered path.
		return nil, route, &errs.TransformerError{
			Adapter: adapter.Name(),
			Reason:  "streaming not supported",
		}
	}

	body, err := p.client.DoStream(ctx, upReq)
	if err != nil {
		p.finishRequest(ctx, route, start, true, nil, err)
		return nil, nil, err
	}

	out := make(chan StreamChunk, streamBuffer)
	go func() {
		defer close(out)
		defer body.Close()

		reader := bufio.NewReader(body)
		var streamErr error
	relay:
		for {
			line, err := reader.ReadBytes('\n')
			if len(line) > 0 {
				res, terr := st.TransformChunk(line)
				if terr != nil {
					p.logger.Warn("stream chunk translation failed",
						zap.String("provider", route.Provider.ID),
						zap.Error(terr))
				} else if res.Event != nil {
					select {
					case out <- StreamChunk{Data: res.Event}:
					case <-ctx.Done():
						streamErr = ctx.Err()
						break relay
					}
				}
				if terr == nil && res.Done {
					break
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
					streamErr = err
					select {
					case out <- StreamChunk{Err: err}:
					case <-ctx.Done():
					}
				}
				break
			}
		}
		// The terminal send must not outlive an abandoned consumer.
		select {
		case out <- StreamChunk{Done: true}:
		case <-ctx.Done():
		}
		p.finishRequest(ctx, route, start, true, nil, streamErr)
	}()

	return out, route, nil
}

// prepare runs the shared front half of both paths: route the request
// and translate it into the provider's wire call.
func (p *Proxy) prepare(req *models.CanonicalRequest, cfg *config.Config) (*models.RouteResult, transformer.Transformer, *upstream.Request, error) {
	route, err := p.router.Route(req, cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	adapter, err := p.registry.Resolve(route.Provider)
	if err != nil {
		return nil, nil, nil, err
	}

	routed := *req
	routed.Model = route.Model
	upReq, err := adapter.TransformRequest(&routed, route.Provider)
	if err != nil {
		return nil, nil, nil, err
	}
	return route, adapter, upReq, nil
}

// finishRequest records metrics and, when enabled, the request log row.
func (p *Proxy) finishRequest(ctx context.Context, route *models.RouteResult, start time.Time, streaming bool, usage *models.Usage, reqErr error) {
	latency := time.Since(start)
	failed := reqErr != nil && !errors.Is(reqErr, context.Canceled)
	p.metrics.RecordRequest(streaming, latency, failed)

	if p.logRepo == nil || route == nil {
		return
	}
	entry := &models.RequestLogEntry{
		RequestID:   uuid.New().String(),
		Model:       route.Model,
		Provider:    route.Provider.ID,
		TaskType:    string(route.TaskType),
		InputTokens: route.TokenCount,
		LatencyMs:   float64(latency.Microseconds()) / 1000.0,
		StatusCode:  200,
		Success:     !failed,
		Stream:      streaming,
		CreatedAt:   time.Now(),
	}
	if usage != nil {
		entry.InputTokens = usage.InputTokens
		entry.OutputTokens = usage.OutputTokens
	}
	if failed {
		entry.StatusCode = errs.HTTPStatus(reqErr)
	}

	// Logging must not block or fail the request path.
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	go func() {
		defer cancel()
		if err := p.logRepo.Insert(logCtx, entry); err != nil {
			p.logger.Warn("request log insert failed", zap.Error(err))
		}
	}()
}

// CacheStats exposes the response-cache snapshot.
func (p *Proxy) CacheStats() CacheStats { return p.cache.Stats() }

// FlushCache empties the response cache.
func (p *Proxy) FlushCache() { p.cache.Flush() }
