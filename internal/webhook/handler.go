// Package webhook serves the Stripe webhook endpoint.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rcourtman/subsync/internal/billing"
	syncerrors "github.com/rcourtman/subsync/internal/errors"
	"github.com/rcourtman/subsync/internal/logging"
	"github.com/rcourtman/subsync/internal/metrics"
	"github.com/rcourtman/subsync/internal/reconcile"
	"github.com/rs/zerolog/log"
)

const bodyLimit = 1024 * 1024 // 1 MiB

// EventHandler applies a verified billing event.
type EventHandler interface {
	Handle(ctx context.Context, ev billing.Event) (reconcile.Report, error)
}

// Handler verifies the Stripe signature and hands the event to the engine.
type Handler struct {
	secret     string
	normalizer *billing.Normalizer
	events     EventHandler
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewHandler creates the webhook handler for the given signing secret.
func NewHandler(secret string, events EventHandler) *Handler {
	return &Handler{
		secret:     strings.TrimSpace(secret),
		normalizer: billing.NewNormalizer(secret),
		events:     events,
	}
}

// ServeHTTP answers 200 once the event is applied or deliberately ignored,
// 400 when it cannot be trusted and 503 when Stripe should redeliver.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	ctx, requestID := logging.WithRequestID(r.Context(), r.Header.Get("X-Request-ID"))
	lg := log.With().Str("request_id", requestID).Logger()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, status, errorResponse{Error: "method not allowed"})
		return
	}
	if h.secret == "" {
		status = http.StatusServiceUnavailable
		writeJSON(w, status, errorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, errorResponse{Error: "failed to read request body"})
		return
	}

	ev, err := h.normalizer.Normalize(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		var authErr *billing.AuthenticationError
		status = http.StatusBadRequest
		msg := "invalid webhook payload"
		if errors.As(err, &authErr) {
			msg = authErr.Reason
		}
		lg.Warn().Err(err).Msg("Rejected Stripe webhook")
		writeJSON(w, status, errorResponse{Error: msg})
		return
	}
	eventType = ev.Type

	report, err := h.events.Handle(ctx, ev)
	if err != nil {
		if syncerrors.IsRetryableError(err) {
			status = http.StatusServiceUnavailable
			lg.Warn().Err(err).Str("event_id", ev.ID).Str("event_type", ev.Type).Msg("Stripe webhook deferred for redelivery")
			writeJSON(w, status, errorResponse{Error: "temporarily unavailable"})
			return
		}
		status = http.StatusInternalServerError
		lg.Error().Err(err).Str("event_id", ev.ID).Str("event_type", ev.Type).Msg("Stripe webhook processing failed")
		writeJSON(w, status, errorResponse{Error: "processing failed"})
		return
	}

	lg.Debug().
		Str("event_id", ev.ID).
		Str("event_type", ev.Type).
		Bool("resolved", report.Resolved).
		Msg("Stripe webhook accepted")
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Debug().Err(err).Msg("Failed to write webhook response")
	}
}
