package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/auth"
	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/metrics"
	"github.com/felipepmaragno/llm-gateway/internal/ratelimit"
	"github.com/felipepmaragno/llm-gateway/internal/repository"
	"github.com/felipepmaragno/llm-gateway/internal/router"
	"github.com/felipepmaragno/llm-gateway/internal/telemetry"
	"github.com/google/uuid"
)

const (
	maxRequestBody = 4 << 20

	// statusClientClosed is recorded when the caller goes away before the
	// response completes.
	statusClientClosed = 499
)

// Authenticator resolves a bearer credential to a principal.
type Authenticator interface {
	Resolve(ctx context.Context, credential string) (*domain.Principal, error)
}

// ModelResolver maps a model name to its descriptor and adapter.
type ModelResolver interface {
	Resolve(ctx context.Context, name string) (domain.ModelDescriptor, router.Adapter, error)
}

// OrchestratorConfig wires an Orchestrator. Zero durations fall back to
// defaults; Logger and Now default to slog.Default and time.Now.
type OrchestratorConfig struct {
	Auth     Authenticator
	Limiter  ratelimit.RateLimiter
	Router   ModelResolver
	UsageLog repository.UsageLog

	// RateLimit is the number of requests admitted per scope key and window.
	RateLimit         int
	UpstreamTimeout   time.Duration
	StreamIdleTimeout time.Duration
	UsageTimeout      time.Duration
	// UsageSink labels usage write failures in metrics.
	UsageSink string

	Logger *slog.Logger
	Now    func() time.Time
}

// Orchestrator runs one chat completion request from authentication to
// accounting.
type Orchestrator struct {
	auth     Authenticator
	limiter  ratelimit.RateLimiter
	router   ModelResolver
	usage    repository.UsageLog
	limit    int
	timeout  time.Duration
	idle     time.Duration
	usageTTL time.Duration
	sink     string
	logger   *slog.Logger
	now      func() time.Time
}

// NewOrchestrator applies defaults to cfg. Auth, Limiter, Router and UsageLog
// are required.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	o := &Orchestrator{
		auth:     cfg.Auth,
		limiter:  cfg.Limiter,
		router:   cfg.Router,
		usage:    cfg.UsageLog,
		limit:    cfg.RateLimit,
		timeout:  cfg.UpstreamTimeout,
		idle:     cfg.StreamIdleTimeout,
		usageTTL: cfg.UsageTimeout,
		sink:     cfg.UsageSink,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	if o.timeout <= 0 {
		o.timeout = 60 * time.Second
	}
	if o.idle <= 0 {
		o.idle = 30 * time.Second
	}
	if o.usageTTL <= 0 {
		o.usageTTL = 5 * time.Second
	}
	if o.sink == "" {
		o.sink = "memory"
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// exchange is the per-request state that ends up in the usage record.
type exchange struct {
	start       time.Time
	requestID   string
	requestType string
	principal   *domain.Principal
	modelName   string
	model       *domain.ModelDescriptor
	status      int
	usage       domain.Usage
	err         error
	ip          string
	userAgent   string
}

func (o *Orchestrator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ex := &exchange{
		start:       o.now(),
		requestID:   r.Header.Get("X-Request-ID"),
		requestType: domain.RequestTypeChat,
		ip:          clientIP(r),
		userAgent:   r.UserAgent(),
	}
	if ex.requestID == "" {
		ex.requestID = uuid.New().String()
	}
	w.Header().Set("X-Request-ID", ex.requestID)

	ctx, span := telemetry.StartSpan(r.Context(), "chat.completions")
	defer span.End()
	defer o.account(ctx, ex)

	principal, err := o.auth.Resolve(ctx, auth.ExtractBearerToken(r))
	if err != nil {
		metrics.RecordAuthFailure(domain.ErrorCode(err))
		o.fail(w, ex, err)
		return
	}
	ex.principal = principal
	telemetry.AddPrincipalAttributes(span, principal.ScopeKey, principal.UserID)

	scope := ratelimit.ScopeKey(principal, ex.ip)
	allowed, remaining, resetAt, err := o.limiter.Allow(ctx, scope, o.limit)
	if err != nil {
		o.fail(w, ex, fmt.Errorf("%w: rate limiter: %v", domain.ErrInternal, err))
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(o.limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
	if !allowed {
		kind, _, _ := strings.Cut(scope, ":")
		metrics.RecordRateLimitHit(kind)
		o.fail(w, ex, fmt.Errorf("%w: limit of %d requests reached", domain.ErrRateLimitExceeded, o.limit))
		return
	}

	req, err := decodeRequest(w, r)
	if err != nil {
		o.fail(w, ex, err)
		return
	}
	if req.Stream {
		ex.requestType = domain.RequestTypeChatStream
	}
	telemetry.AddRequestAttributes(span, ex.requestID, ex.requestType)
	ex.modelName = req.Model

	if err := validate(req); err != nil {
		o.fail(w, ex, err)
		return
	}

	desc, adapter, err := o.router.Resolve(ctx, req.Model)
	if desc.ID != 0 {
		ex.model = &desc
	}
	if err != nil {
		o.fail(w, ex, err)
		return
	}
	telemetry.AddModelAttributes(span, desc.Provider, desc.Name)

	if req.Stream {
		o.relay(ctx, w, ex, req, desc, adapter)
	} else {
		o.complete(ctx, w, ex, req, desc, adapter)
	}

	if ex.err != nil {
		telemetry.AddErrorAttribute(span, ex.err)
	}
	telemetry.AddTokenAttributes(span, ex.usage.PromptTokens, ex.usage.CompletionTokens)
}

func (o *Orchestrator) complete(ctx context.Context, w http.ResponseWriter, ex *exchange, req domain.ChatRequest, desc domain.ModelDescriptor, adapter router.Adapter) {
	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	resp, err := adapter.Complete(callCtx, req, desc)
	if err != nil {
		if ctx.Err() != nil {
			o.clientGone(ex)
			return
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: no response within %s", domain.ErrUpstreamTimeout, o.timeout)
		}
		metrics.RecordProviderError(desc.Provider, domain.ErrorCode(err))
		o.fail(w, ex, err)
		return
	}

	if resp.Usage.TotalTokens == 0 {
		resp.Usage = estimateUsage(adapter, req.Messages, responseText(resp))
	}
	ex.usage = resp.Usage
	ex.status = http.StatusOK

	writeJSON(w, http.StatusOK, resp)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// account writes the single usage record of a request. It runs after the
// response, on a context that outlives the client connection.
func (o *Orchestrator) account(ctx context.Context, ex *exchange) {
	latency := o.now().Sub(ex.start)
	if latency < 0 {
		latency = 0
	}
	if ex.status == 0 {
		ex.status = http.StatusInternalServerError
	}

	rec := domain.UsageRecord{
		ID:               uuid.New(),
		RequestID:        ex.requestID,
		Model:            ex.modelName,
		RequestType:      ex.requestType,
		StatusCode:       ex.status,
		LatencyMs:        latency.Milliseconds(),
		PromptTokens:     ex.usage.PromptTokens,
		CompletionTokens: ex.usage.CompletionTokens,
		TotalTokens:      ex.usage.TotalTokens,
		IPAddress:        ex.ip,
		UserAgent:        ex.userAgent,
		CreatedAt:        o.now(),
	}
	if ex.principal != nil {
		userID := ex.principal.UserID
		rec.UserID = &userID
		rec.APIKeyID = ex.principal.APIKeyID
	}
	if ex.model != nil {
		modelID := ex.model.ID
		rec.ModelID = &modelID
		rec.Provider = ex.model.Provider
	}
	if ex.err != nil {
		rec.ErrorMessage = ex.err.Error()
	}

	status := strconv.Itoa(ex.status)
	metrics.RecordRequest(rec.Provider, rec.Model, rec.RequestType, status, latency.Seconds())
	if rec.TotalTokens > 0 {
		metrics.RecordTokens(rec.Provider, rec.Model, rec.PromptTokens, rec.CompletionTokens)
	}

	attrs := []any{
		"request_id", rec.RequestID,
		"request_type", rec.RequestType,
		"model", rec.Model,
		"provider", rec.Provider,
		"status", rec.StatusCode,
		"latency_ms", rec.LatencyMs,
		"total_tokens", rec.TotalTokens,
	}
	if rec.UserID != nil {
		attrs = append(attrs, "user_id", *rec.UserID)
	}
	if rec.APIKeyID != nil {
		attrs = append(attrs, "api_key_id", *rec.APIKeyID)
	}
	if ex.err != nil {
		o.logger.Warn("request failed", append(attrs, "error", ex.err)...)
	} else {
		o.logger.Info("request completed", attrs...)
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.usageTTL)
	defer cancel()
	if err := o.usage.Append(writeCtx, rec); err != nil {
		metrics.RecordUsageWriteFailure(o.sink)
		o.logger.Error("failed to write usage record", "request_id", rec.RequestID, "error", err)
	}
}

func (o *Orchestrator) fail(w http.ResponseWriter, ex *exchange, err error) {
	ex.err = err
	ex.status = domain.HTTPStatus(err)
	writeError(w, err)
}

func (o *Orchestrator) clientGone(ex *exchange) {
	ex.status = statusClientClosed
	ex.err = errors.New("client closed request")
}

func decodeRequest(w http.ResponseWriter, r *http.Request) (domain.ChatRequest, error) {
	var req domain.ChatRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		return req, fmt.Errorf("%w: invalid request body", domain.ErrBadRequest)
	}
	return req, nil
}

func validate(req domain.ChatRequest) error {
	if strings.TrimSpace(req.Model) == "" {
		return fmt.Errorf("%w: model is required", domain.ErrBadRequest)
	}
	if len(req.Messages) == 0 {
		return fmt.Errorf("%w: messages must not be empty", domain.ErrBadRequest)
	}
	for i, m := range req.Messages {
		switch m.Role {
		case "system", "user", "assistant":
		default:
			return fmt.Errorf("%w: messages[%d] has unknown role %q", domain.ErrBadRequest, i, m.Role)
		}
	}
	return nil
}

func estimateUsage(adapter router.Adapter, messages []domain.Message, completion string) domain.Usage {
	prompt := 0
	for _, m := range messages {
		prompt += router.EstimateTokens(adapter, m.Content)
	}
	out := router.EstimateTokens(adapter, completion)
	return domain.Usage{PromptTokens: prompt, CompletionTokens: out, TotalTokens: prompt + out}
}

func responseText(resp *domain.ChatResponse) string {
	var b strings.Builder
	for _, c := range resp.Choices {
		if c.Message != nil {
			b.WriteString(c.Message.Content)
		}
	}
	return b.String()
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// connection address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
