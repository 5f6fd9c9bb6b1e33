package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/sakif/training-sync/internal/apperror"
	"github.com/sakif/training-sync/internal/model"
	"github.com/sakif/training-sync/internal/service"
)

// maxWebhookBytes caps a push delivery. Real events are a few hundred bytes.
const maxWebhookBytes = 16 << 10

const webhookEventsDefault = 50

// WebhookService is implemented by *service.WebhookProcessor.
type WebhookService interface {
	VerifySubscription(mode, token, challenge string) (string, error)
	Handle(ctx context.Context, body []byte) (*service.WebhookResult, error)
	RecentEvents(ctx context.Context, userID string, limit int) ([]model.WebhookEventRecord, error)
}

// WebhookHandler receives the provider's push subscription traffic. The
// provider does not sign its deliveries, so these routes carry no session.
type WebhookHandler struct {
	webhooks WebhookService
	logger   *slog.Logger
}

func NewWebhookHandler(webhooks WebhookService, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{webhooks: webhooks, logger: logger}
}

// HandleVerify answers the subscription handshake.
//
// HTTP: GET /webhooks/provider?hub.mode=subscribe&hub.verify_token=...&hub.challenge=...
// Response: {"hub.challenge": "..."}
func (h *WebhookHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	challenge, err := h.webhooks.VerifySubscription(
		q.Get("hub.mode"),
		q.Get("hub.verify_token"),
		q.Get("hub.challenge"),
	)
	if err != nil {
		h.logger.Warn("webhook subscription verification rejected",
			slog.String("mode", q.Get("hub.mode")),
		)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"hub.challenge": challenge})
}

// HandleEvent processes one push delivery.
//
// HTTP: POST /webhooks/provider
//
// Any 2xx tells the provider the event was received; it retries
// everything else. Only a malformed body (400) or a local storage failure
// (500) is answered with an error. A sync that ran and failed is still 200.
func (h *WebhookHandler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, apperror.ValidationFailed("body", "webhook body too large"))
			return
		}
		writeError(w, apperror.ValidationFailed("body", "could not read webhook body"))
		return
	}

	result, err := h.webhooks.Handle(r.Context(), body)
	if err != nil {
		if errors.Is(err, apperror.ErrValidation) {
			h.logger.Warn("webhook event rejected", slog.String("error", err.Error()))
		} else {
			h.logger.Error("webhook processing failed", slog.String("error", err.Error()))
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// HandleRecent lists the session user's inbound events, newest first.
//
// HTTP: GET /api/webhooks/events?limit=50
func (h *WebhookHandler) HandleRecent(w http.ResponseWriter, r *http.Request) {
	userID, ok := sessionUser(w, r)
	if !ok {
		return
	}

	limit, err := queryLimit(r, webhookEventsDefault)
	if err != nil {
		writeError(w, err)
		return
	}
	events, err := h.webhooks.RecentEvents(r.Context(), userID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}
