package service

import (
	"fmt"
	"strings"

	"github.com/user/ucr/internal/config"
	"github.com/user/ucr/internal/errs"
	"github.com/user/ucr/internal/models"
	"go.uber.org/zap"
)

const (
	longContextChars = 50_000
	imageTokenCost   = 1000
	charsPerToken    = 4
	perMessageTokens = 4
	requestOverhead  = 10
)

// Keyword sets tested against the most recent user message, in
// precedence order. First match wins.
var (
	webSearchKeywords = []string{
		"search for", "look up", "find information about",
		"what is the latest", "current events", "recent news",
		"browse", "web search",
	}
	backgroundKeywords = []string{
		"in the background", "asynchronously", "run this later",
		"schedule", "batch process",
	}
	thinkKeywords = []string{
		"think about", "analyze", "reason through", "step by step",
		"explain why", "reasoning", "let's think", "chain of thought",
	}
)

// Router maps a canonical request onto a provider using the current
// config snapshot. Routing is deterministic for a given request and
// snapshot.
type Router struct {
	custom *customRouter
	logger *zap.Logger
}

// NewRouter creates a router. A custom routing script, when configured,
// is loaded by Apply.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{logger: logger}
}

// Apply installs the routing hook for a new config snapshot. A broken
// script is logged and skipped; the built-in path still routes.
func (r *Router) Apply(cfg *config.Config) {
	r.custom = nil
	if cfg.Router.CustomRouter == "" {
		return
	}
	hook, err := loadCustomRouter(cfg.Router.CustomRouter)
	if err != nil {
		r.logger.Error("custom router script rejected, using built-in routing",
			zap.String("path", cfg.Router.CustomRouter),
			zap.Error(err))
		return
	}
	r.custom = hook
	r.logger.Info("custom router script loaded", zap.String("path", cfg.Router.CustomRouter))
}

// Route decides the provider and model for one validated request.
func (r *Router) Route(req *models.CanonicalRequest, cfg *config.Config) (*models.RouteResult, error) {
	enabled := cfg.EnabledProviders()
	if len(enabled) == 0 {
		return nil, &errs.NoProviderAvailableError{}
	}

	task := classifyTask(req)
	tokens := approximateTokens(req)

	if r.custom != nil {
		if id, err := r.custom.route(req, enabled, task, tokens); err != nil {
			r.logger.Warn("custom router failed, falling back to built-in routing", zap.Error(err))
		} else if id != "" {
			if p, ok := cfg.EnabledProvider(id); ok {
				return routeResult(p, req, task, tokens, "custom router"), nil
			}
			r.logger.Warn("custom router returned unknown provider, ignoring",
				zap.String("provider", id))
		}
	}

	// Optimal: task-based selection against the configured routes.
	id, reason := selectProviderID(&cfg.Router, task, tokens)
	if p, ok := cfg.EnabledProvider(id); ok && id != "" {
		return routeResult(p, req, task, tokens, reason), nil
	}

	// Simple: default route, then the top-priority provider.
	if p, ok := cfg.EnabledProvider(cfg.Router.Default); ok {
		return routeResult(p, req, task, tokens, "default route"), nil
	}

	// Emergency: any enabled provider. The list is priority-sorted with
	// stable ties, so the first entry is the best remaining choice.
	return routeResult(enabled[0], req, task, tokens, "highest priority fallback"), nil
}

func routeResult(p *models.Provider, req *models.CanonicalRequest, task models.TaskType, tokens int, reason string) *models.RouteResult {
	model := p.DefaultModel
	if model == "" {
		model = req.Model
	}
	return &models.RouteResult{
		Provider:   p,
		Model:      model,
		TaskType:   task,
		TokenCount: tokens,
		Reason:     fmt.Sprintf("%s (task=%s, tokens=%d)", reason, task, tokens),
	}
}

// selectProviderID resolves the configured route for a task. Long
// context wins when either the classifier or the token estimate says
// the request is large.
func selectProviderID(rc *config.RouterConfig, task models.TaskType, tokens int) (string, string) {
	if (task == models.TaskLongContext || tokens > rc.TokenThreshold) && rc.LongContext != "" {
		return rc.LongContext, "longContext route"
	}
	if id := rc.RouteFor(task); id != "" {
		return id, "task route " + string(task)
	}
	return rc.Default, "default route"
}

// classifyTask inspects only the most recent user message for images
// and keywords; the long-context check spans the whole conversation.
func classifyTask(req *models.CanonicalRequest) models.TaskType {
	last := lastUserMessage(req)
	if last != nil {
		if last.Content.HasImage() {
			return models.TaskImage
		}
		text := strings.ToLower(textOf(&last.Content))
		if matchesAny(text, webSearchKeywords) {
			return models.TaskWebSearch
		}
		if matchesAny(text, backgroundKeywords) {
			return models.TaskBackground
		}
		if matchesAny(text, thinkKeywords) {
			return models.TaskThink
		}
	}
	if totalTextChars(req) > longContextChars {
		return models.TaskLongContext
	}
	return models.TaskDefault
}

// approximateTokens estimates request size: one token per four text
// characters, a per-message overhead, the system prompt, a fixed
// request overhead, and a flat cost per image.
func approximateTokens(req *models.CanonicalRequest) int {
	tokens := ceilDiv(totalTextChars(req), charsPerToken)
	tokens += perMessageTokens * len(req.Messages)
	if sys := req.System.String(); sys != "" {
		tokens += ceilDiv(len(sys), charsPerToken) + perMessageTokens
	}
	tokens += requestOverhead
	for i := range req.Messages {
		for _, part := range req.Messages[i].Content.GetParts() {
			if part.Type == "image" {
				tokens += imageTokenCost
			}
		}
	}
	return tokens
}

func lastUserMessage(req *models.CanonicalRequest) *models.Message {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return &req.Messages[i]
		}
	}
	return nil
}

func textOf(content *models.MessageContent) string {
	if !content.IsArray {
		return content.Text
	}
	var b strings.Builder
	for _, part := range content.Parts {
		if part.Type == "text" {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

func totalTextChars(req *models.CanonicalRequest) int {
	total := 0
	for i := range req.Messages {
		total += len(textOf(&req.Messages[i].Content))
	}
	return total
}

func matchesAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func ceilDiv(n, d int) int {
	return (n + d - 1) / d
}
