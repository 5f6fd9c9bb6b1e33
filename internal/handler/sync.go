package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/sakif/training-sync/internal/apperror"
	"github.com/sakif/training-sync/internal/auth"
	"github.com/sakif/training-sync/internal/model"
	"github.com/sakif/training-sync/internal/service"
)

// SyncService is what the sync endpoints need from the orchestrator.
type SyncService interface {
	RunSync(ctx context.Context, userID string, req service.SyncRequest) (*service.SyncOutcome, error)
	Status(ctx context.Context, userID string) (*service.SyncStatus, error)
	SetSyncEnabled(ctx context.Context, userID string, enabled bool) (*model.SyncState, error)
	ListRuns(ctx context.Context, userID string, limit int) ([]model.SyncRun, error)
}

// SyncHandler serves the dashboard's sync endpoints. Every route sits
// behind auth.RequireAuth, so the user id always comes from the session.
type SyncHandler struct {
	sync   SyncService
	logger *slog.Logger
}

func NewSyncHandler(sync SyncService, logger *slog.Logger) *SyncHandler {
	return &SyncHandler{sync: sync, logger: logger}
}

// syncRequestBody is the JSON body of POST /api/sync. Every field is
// optional; an empty body means a quick sync.
type syncRequestBody struct {
	Strategy      string     `json:"strategy"`
	After         *time.Time `json:"after"`
	Before        *time.Time `json:"before"`
	PerPage       int        `json:"perPage"`
	MaxActivities int        `json:"maxActivities"`
}

// HandleSync starts a sync for the session user.
//
// HTTP: POST /api/sync
//
// STATUS CODES:
//   - 200: the attempt ran; the body says whether it succeeded
//   - 403: the user switched sync off
//   - 429: daily limit or cooldown; Retry-After is set from nextSyncAt
//   - 400: malformed body or options
func (h *SyncHandler) HandleSync(w http.ResponseWriter, r *http.Request) {
	userID, ok := sessionUser(w, r)
	if !ok {
		return
	}

	var body syncRequestBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, err)
		return
	}

	req := service.SyncRequest{
		Strategy: service.Strategy(body.Strategy),
		Trigger:  service.TriggerManual,
		Custom: service.CustomOptions{
			After:         body.After,
			Before:        body.Before,
			PerPage:       body.PerPage,
			MaxActivities: body.MaxActivities,
		},
	}

	outcome, err := h.sync.RunSync(r.Context(), userID, req)
	if err != nil {
		h.logger.Warn("sync request rejected",
			slog.String("userID", userID),
			slog.String("error", err.Error()),
		)
		writeError(w, err)
		return
	}

	if outcome.Denied() {
		status := http.StatusTooManyRequests
		if outcome.SyncDisabledReason == service.ReasonDisabled {
			status = http.StatusForbidden
		}
		if outcome.NextSyncAt != nil {
			w.Header().Set("Retry-After", retryAfter(*outcome.NextSyncAt, time.Now()))
		}
		writeJSON(w, status, outcome)
		return
	}

	writeJSON(w, http.StatusOK, outcome)
}

// HandleStatus returns the session user's sync status.
//
// HTTP: GET /api/sync/status
func (h *SyncHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := sessionUser(w, r)
	if !ok {
		return
	}

	status, err := h.sync.Status(r.Context(), userID)
	if err != nil {
		h.logger.Error("loading sync status failed",
			slog.String("userID", userID),
			slog.String("error", err.Error()),
		)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type syncSettingsBody struct {
	SyncEnabled *bool `json:"syncEnabled"`
}

// HandleSettings toggles sync for the session user.
//
// HTTP: PUT /api/sync/settings  {"syncEnabled": false}
func (h *SyncHandler) HandleSettings(w http.ResponseWriter, r *http.Request) {
	userID, ok := sessionUser(w, r)
	if !ok {
		return
	}

	var body syncSettingsBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.SyncEnabled == nil {
		writeError(w, apperror.ValidationFailed("syncEnabled", "syncEnabled is required"))
		return
	}

	state, err := h.sync.SetSyncEnabled(r.Context(), userID, *body.SyncEnabled)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// HandleRuns lists the session user's recent sync runs.
//
// HTTP: GET /api/sync/runs?limit=20
func (h *SyncHandler) HandleRuns(w http.ResponseWriter, r *http.Request) {
	userID, ok := sessionUser(w, r)
	if !ok {
		return
	}

	limit, err := queryLimit(r, 0)
	if err != nil {
		writeError(w, err)
		return
	}

	runs, err := h.sync.ListRuns(r.Context(), userID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// sessionUser reads the user id RequireAuth stored. It writes a 401 and
// returns false when there is none.
func sessionUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthorized("valid authentication required"))
		return "", false
	}
	return userID, true
}

// retryAfter formats the Retry-After header in whole seconds, rounded up
// and never below one.
func retryAfter(at, now time.Time) string {
	secs := int64((at.Sub(now) + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

