package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/user/ucr/internal/errs"
	"github.com/user/ucr/internal/models"
	"github.com/user/ucr/internal/service"
	"go.uber.org/zap"
)

// MessagesHandler serves POST /v1/messages.
type MessagesHandler struct {
	proxy  *service.Proxy
	logger *zap.Logger
}

// NewMessagesHandler creates the handler.
func NewMessagesHandler(proxy *service.Proxy, logger *zap.Logger) *MessagesHandler {
	return &MessagesHandler{proxy: proxy, logger: logger}
}

// Handle validates the canonical request and dispatches to the buffered
// or streaming pipeline.
func (h *MessagesHandler) Handle(c *gin.Context) {
	var req models.CanonicalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, &errs.RequestInvalidError{Reason: "malformed JSON body: " + err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		writeError(c, err)
		return
	}

	// Inbound auth is accepted unconditionally and never forwarded;
	// upstream auth is the proxy's job. A dummy value keeps any
	// header-sensitive downstream code satisfied.
	if c.GetHeader("Authorization") == "" && c.GetHeader("x-api-key") == "" {
		c.Request.Header.Set("Authorization", "Bearer ucr-internal")
	}

	if req.Stream {
		h.handleStream(c, &req)
		return
	}

	result, err := h.proxy.Execute(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	if result.FromCache {
		c.Header("X-Cache", "HIT")
	}
	c.JSON(http.StatusOK, result.Response)
}

func (h *MessagesHandler) handleStream(c *gin.Context, req *models.CanonicalRequest) {
	ctx := c.Request.Context()

	chunks, _, err := h.proxy.ExecuteStream(ctx, req)
	if err != nil {
		var te *errs.TransformerError
		if errors.As(err, &te) && te.Reason == "streaming not supported" {
			// Degrade to a buffered exchange for adapters without a
			// streaming protocol.
			buffered := *req
			buffered.Stream = false
			result, berr := h.proxy.Execute(ctx, &buffered)
			if berr != nil {
				writeError(c, berr)
				return
			}
			c.JSON(http.StatusOK, result.Response)
			return
		}
		writeError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	// Drain on early return so the relay goroutine never blocks on a
	// buffered send to an abandoned channel.
	defer func() {
		for range chunks {
		}
	}()

	for chunk := range chunks {
		if chunk.Done {
			return
		}
		if chunk.Err != nil {
			h.logger.Warn("stream aborted", zap.Error(chunk.Err))
			return
		}
		if _, err := c.Writer.Write(chunk.Data); err != nil {
			// Client went away; context cancellation stops the reader.
			return
		}
		c.Writer.Flush()
	}
}
