// Package handler contains the Echo HTTP handlers for the fragment-service
// query API: submission, progress streaming, result fetch, cancellation.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/arc-self/apps/fragment-service/internal/domain"
)

// Orchestrator is the coordinator surface the handlers depend on.
type Orchestrator interface {
	Submit(ctx context.Context, query string, policy domain.Policy) (string, error)
	Cancel(requestID string) error
	Fetch(ctx context.Context, requestID string) (*domain.RequestRecord, error)
	Subscribe(requestID string) (<-chan domain.ProgressEvent, func(), error)
	Providers() []domain.ProviderInfo
}

// HealthChecker reports backing-store liveness for the health endpoint.
type HealthChecker func(ctx context.Context) error

// QueryHandler serves the query lifecycle endpoints.
type QueryHandler struct {
	orch   Orchestrator
	health HealthChecker
	logger *zap.Logger
}

// NewQueryHandler constructs a QueryHandler. health may be nil when no
// backing store is configured.
func NewQueryHandler(orch Orchestrator, health HealthChecker, logger *zap.Logger) *QueryHandler {
	return &QueryHandler{orch: orch, health: health, logger: logger}
}

// Register mounts the query routes on the provided Echo instance.
func (h *QueryHandler) Register(e *echo.Echo) {
	v1 := e.Group("/api/v1")
	v1.POST("/queries", h.SubmitQuery)
	v1.GET("/queries/:request_id/events", h.StreamEvents)
	v1.GET("/queries/:request_id/result", h.FetchResult)
	v1.DELETE("/queries/:request_id", h.CancelQuery)
	v1.GET("/providers", h.ListProviders)
	e.GET("/healthz", h.Healthz)
}

// ── POST /api/v1/queries ──────────────────────────────────────────────────

// submitPayload is the body accepted from clients.
type submitPayload struct {
	Query  string         `json:"query"`
	Policy *domain.Policy `json:"policy,omitempty"`
}

// SubmitQuery accepts a query and returns its request id immediately; the
// pipeline runs asynchronously.
//
// @Summary      Submit a query
// @Description  Accepts a query plus an optional policy override and returns the request id. Progress streams from the events endpoint.
// @ID           submit-query
// @Tags         Queries
// @Accept       json
// @Produce      json
// @Success      202  {object}  map[string]string  "request_id"
// @Failure      400  {object}  map[string]string  "Malformed body or empty query"
// @Router       /api/v1/queries [post]
func (h *QueryHandler) SubmitQuery(c echo.Context) error {
	ctx, span := otel.Tracer("fragment-service").Start(c.Request().Context(), "handler.SubmitQuery")
	defer span.End()

	var payload submitPayload
	if err := c.Bind(&payload); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed body"})
	}
	var policy domain.Policy
	if payload.Policy != nil {
		policy = *payload.Policy
	}

	requestID, err := h.orch.Submit(ctx, payload.Query, policy)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		h.logger.Error("submit failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
	return c.JSON(http.StatusAccepted, map[string]string{"request_id": requestID})
}

// ── GET /api/v1/queries/:request_id/events ────────────────────────────────

// StreamEvents streams the request's progress events as Server-Sent Events.
// Reconnecting clients receive the buffered replay first; the stream closes
// after the terminal event. Closing the stream does not cancel the request.
func (h *QueryHandler) StreamEvents(c echo.Context) error {
	requestID := c.Param("request_id")
	events, cancel, err := h.orch.Subscribe(requestID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown request"})
		}
		h.logger.Error("subscribe failed", zap.String("request_id", requestID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
	defer cancel()

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	clientGone := c.Request().Context().Done()
	for {
		select {
		case <-clientGone:
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("marshal progress event", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(res, "data: %s\n\n", data); err != nil {
				return nil
			}
			res.Flush()
		}
	}
}

// ── GET /api/v1/queries/:request_id/result ────────────────────────────────

// FetchResult returns the aggregated response once the request is terminal.
// Before that it returns 202 with the current stage. Failed requests return
// the structured error kind, never internal details.
func (h *QueryHandler) FetchResult(c echo.Context) error {
	ctx, span := otel.Tracer("fragment-service").Start(c.Request().Context(), "handler.FetchResult")
	defer span.End()

	requestID := c.Param("request_id")
	rec, err := h.orch.Fetch(ctx, requestID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown request"})
		case errors.Is(err, domain.ErrStateStoreUnavailable):
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "service unavailable"})
		default:
			h.logger.Error("fetch failed", zap.String("request_id", requestID), zap.Error(err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
		}
	}

	if !rec.Sealed() {
		return c.JSON(http.StatusAccepted, map[string]any{
			"request_id": rec.RequestID,
			"status":     "processing",
			"stage":      rec.Stage,
		})
	}
	if !rec.Terminal.OK {
		return c.JSON(http.StatusOK, map[string]any{
			"request_id": rec.RequestID,
			"status":     "failed",
			"error_kind": rec.Terminal.ErrorKind,
			"message":    rec.Terminal.Message,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"request_id": rec.RequestID,
		"status":     "complete",
		"response":   rec.Aggregated,
	})
}

// ── DELETE /api/v1/queries/:request_id ────────────────────────────────────

// CancelQuery aborts a running request. Cancelling a sealed request is a
// no-op and still returns 202.
func (h *QueryHandler) CancelQuery(c echo.Context) error {
	requestID := c.Param("request_id")
	if err := h.orch.Cancel(requestID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown request"})
		}
		h.logger.Error("cancel failed", zap.String("request_id", requestID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
	return c.JSON(http.StatusAccepted, map[string]string{"request_id": requestID, "status": "canceling"})
}

// ── GET /api/v1/providers ─────────────────────────────────────────────────

// ListProviders returns the current provider registry snapshot: health,
// capabilities, rolling stats. Keys and weights are never exposed.
func (h *QueryHandler) ListProviders(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"providers": h.orch.Providers()})
}

// ── GET /healthz ──────────────────────────────────────────────────────────

// Healthz reports process liveness and state-store reachability.
func (h *QueryHandler) Healthz(c echo.Context) error {
	if h.health != nil {
		if err := h.health(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"store":  err.Error(),
			})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
