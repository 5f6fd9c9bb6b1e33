package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/rs/xid"

	"github.com/sakif/training-sync/internal/model"
)

// oauthStateCookie holds the CSRF state between connect and callback.
const oauthStateCookie = "provider_oauth_state"

// ConnectionService is the credential side of the connect flow.
// *service.CredentialStore implements it.
type ConnectionService interface {
	ExchangeCode(ctx context.Context, userID, code string) (*model.Credential, error)
	Revoke(ctx context.Context, userID string) (bool, error)
}

// AuthURLer builds the provider consent URL. *provider.OAuthClient
// implements it.
type AuthURLer interface {
	AuthURL(state string) string
}

// ProviderHandler connects and disconnects a dashboard user's provider
// account.
//
//   - HandleConnect    → redirect to the provider consent page
//   - HandleCallback   → verify state, exchange the code, store the credential
//   - HandleDisconnect → drop the stored credential
type ProviderHandler struct {
	oauth       AuthURLer
	connections ConnectionService
	// redirectTo is where the browser lands after the callback.
	redirectTo string
	logger     *slog.Logger
}

func NewProviderHandler(oauth AuthURLer, connections ConnectionService, redirectTo string, logger *slog.Logger) *ProviderHandler {
	if redirectTo == "" {
		redirectTo = "/"
	}
	return &ProviderHandler{
		oauth:       oauth,
		connections: connections,
		redirectTo:  redirectTo,
		logger:      logger,
	}
}

// HandleConnect redirects to the provider's authorization page.
//
// HTTP: GET /auth/provider/connect
//
// CSRF PROTECTION VIA STATE:
// A random state goes into a short-lived HttpOnly cookie and into the
// consent URL. The callback only proceeds when both match.
func (h *ProviderHandler) HandleConnect(w http.ResponseWriter, r *http.Request) {
	if _, ok := sessionUser(w, r); !ok {
		return
	}

	state := xid.New().String()
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/auth/provider",
		MaxAge:   600,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, h.oauth.AuthURL(state), http.StatusTemporaryRedirect)
}

// HandleCallback completes the connect flow.
//
// HTTP: GET /auth/provider/callback?code=xxx&state=yyy&scope=...
//
// FLOW:
//  1. Validate the state parameter (CSRF check)
//  2. Bail out if the user declined on the provider side
//  3. Exchange the code and store the credential
//  4. Redirect back to the dashboard with ?provider=connected
func (h *ProviderHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	userID, ok := sessionUser(w, r)
	if !ok {
		return
	}

	// --- Step 1: CSRF state ---
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || stateCookie.Value == "" || r.URL.Query().Get("state") != stateCookie.Value {
		h.logger.Warn("provider callback: state mismatch", slog.String("userID", userID))
		http.Error(w, "invalid OAuth state", http.StatusBadRequest)
		return
	}

	// Single use.
	http.SetCookie(w, &http.Cookie{
		Name:   oauthStateCookie,
		Value:  "",
		Path:   "/auth/provider",
		MaxAge: -1,
	})

	// --- Step 2: declined ---
	if errParam := r.URL.Query().Get("error"); errParam != "" {
		h.logger.Info("provider callback: user denied authorization",
			slog.String("userID", userID),
			slog.String("error", errParam),
		)
		http.Redirect(w, r, h.landing("denied"), http.StatusSeeOther)
		return
	}

	// --- Step 3: exchange ---
	cred, err := h.connections.ExchangeCode(r.Context(), userID, r.URL.Query().Get("code"))
	if err != nil {
		h.logger.Error("provider callback: exchange failed",
			slog.String("userID", userID),
			slog.String("error", err.Error()),
		)
		writeError(w, err)
		return
	}

	h.logger.Info("provider account linked",
		slog.String("userID", userID),
		slog.Int64("athleteID", cred.AthleteID),
	)

	// --- Step 4 ---
	http.Redirect(w, r, h.landing("connected"), http.StatusSeeOther)
}

// HandleDisconnect removes the session user's provider credential.
// It answers 204 whether or not one existed.
//
// HTTP: DELETE /api/provider/connection
func (h *ProviderHandler) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	userID, ok := sessionUser(w, r)
	if !ok {
		return
	}

	if _, err := h.connections.Revoke(r.Context(), userID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ProviderHandler) landing(result string) string {
	u, err := url.Parse(h.redirectTo)
	if err != nil {
		return "/?provider=" + url.QueryEscape(result)
	}
	q := u.Query()
	q.Set("provider", result)
	u.RawQuery = q.Encode()
	return u.String()
}
