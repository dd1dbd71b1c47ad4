package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Catalog is what the HTTP surface needs from the model router beyond
// request routing.
type Catalog interface {
	Models(ctx context.Context) ([]domain.ModelDescriptor, error)
	HealthCheck(ctx context.Context) map[string]error
}

type HandlerConfig struct {
	Orchestrator *Orchestrator
	Catalog      Catalog
	Checkers     []HealthChecker
	CheckTimeout time.Duration
	Version      string
	Logger       *slog.Logger
}

type Handler struct {
	orchestrator *Orchestrator
	catalog      Catalog
	version      string
	logger       *slog.Logger
	mux          *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	timeout := cfg.CheckTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		orchestrator: cfg.Orchestrator,
		catalog:      cfg.Catalog,
		version:      cfg.Version,
		logger:       logger,
		mux:          http.NewServeMux(),
	}

	h.mux.Handle("POST /chat/completions", h.orchestrator)
	h.mux.Handle("POST /v1/chat/completions", h.orchestrator)
	h.mux.HandleFunc("GET /v1/models", h.handleListModels)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", handleHealthReadyWithCheckers(cfg.Checkers, timeout, cfg.Version))
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.catalog.Models(r.Context())
	if err != nil {
		h.logger.Error("failed to list models", "error", err)
		writeError(w, err)
		return
	}

	data := make([]domain.ModelInfo, 0, len(models))
	for _, m := range models {
		data = append(data, domain.ModelInfo{
			ID:          m.Name,
			Object:      "model",
			OwnedBy:     m.Provider,
			DisplayName: m.DisplayName,
			MaxTokens:   m.MaxTokens,
		})
	}

	writeJSON(w, http.StatusOK, domain.ModelsResponse{Object: "list", Data: data})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	providers := make(map[string]string)
	status := "healthy"
	for name, err := range h.catalog.HealthCheck(ctx) {
		if err != nil {
			providers[name] = "unhealthy"
			status = "degraded"
			h.logger.Warn("provider health check failed", "provider", name, "error", err)
			continue
		}
		providers[name] = "ok"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"version":   h.version,
		"providers": providers,
	})
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorEnvelope struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func errorBody(err error) errorEnvelope {
	return errorEnvelope{Error: errorDetail{
		Message: err.Error(),
		Type:    domain.ErrorType(err),
		Code:    domain.ErrorCode(err),
	}}
}

// writeError answers with the error envelope. Upstream error bodies are
// relayed as received, under the upstream status and media type.
func writeError(w http.ResponseWriter, err error) {
	status := domain.HTTPStatus(err)

	var upstream *domain.UpstreamError
	if errors.As(err, &upstream) && upstream.StatusCode >= 400 && len(upstream.Body) > 0 {
		contentType := upstream.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(status)
		w.Write(upstream.Body)
		return
	}

	writeJSON(w, status, errorBody(err))
}
