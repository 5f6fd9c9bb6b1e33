// Package service holds the sync core's business logic.
//
// THE PIECES, LEAF FIRST:
//
//	CredentialStore   -> provider OAuth grant per user (get, exchange, refresh, revoke)
//	SyncGate          -> pure "may this user sync now?" decision
//	ActivityMerger    -> idempotent upsert of remote activities
//	SyncOrchestrator  -> gate -> credential -> fetch -> merge -> state update
//	WebhookProcessor  -> provider push events into orchestrator calls or deletes
//	SweepScheduler    -> serialized background pass over connected users
//
// Every trigger (manual API call, webhook, sweep) goes through
// SyncOrchestrator.RunSync. Nothing here locks per user: the merge is
// idempotent and the state write is a single atomic upsert, so two
// overlapping syncs for the same user are harmless.
//
// Services depend on repository interfaces, never on sqlstore directly, and
// take their clock as a func so tests can pin "now".
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sakif/training-sync/internal/apperror"
	"github.com/sakif/training-sync/internal/model"
	"github.com/sakif/training-sync/internal/provider"
	"github.com/sakif/training-sync/internal/repository"
)

// DefaultRefreshMargin is how long a returned access token must stay valid.
const DefaultRefreshMargin = 5 * time.Minute

// TokenProvider is the provider's OAuth token endpoint.
// *provider.OAuthClient implements it.
type TokenProvider interface {
	Exchange(ctx context.Context, code string) (*provider.TokenGrant, error)
	Refresh(ctx context.Context, refreshToken string) (*provider.TokenGrant, error)
}

// CredentialStore is the only writer of model.Credential.
type CredentialStore struct {
	repo   repository.CredentialRepository
	tokens TokenProvider
	margin time.Duration
	now    func() time.Time
	logger *slog.Logger
}

func NewCredentialStore(
	repo repository.CredentialRepository,
	tokens TokenProvider,
	margin time.Duration,
	logger *slog.Logger,
) *CredentialStore {
	if margin <= 0 {
		margin = DefaultRefreshMargin
	}
	return &CredentialStore{
		repo:   repo,
		tokens: tokens,
		margin: margin,
		now:    time.Now,
		logger: logger,
	}
}

// Get returns the stored credential, or an ErrNotFound error.
func (s *CredentialStore) Get(ctx context.Context, userID string) (*model.Credential, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperror.ValidationFailed("userId", "user id is required")
	}
	return s.repo.GetCredential(ctx, userID)
}

// ExchangeCode completes the OAuth connect flow for userID.
func (s *CredentialStore) ExchangeCode(ctx context.Context, userID, code string) (*model.Credential, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperror.ValidationFailed("userId", "user id is required")
	}
	if strings.TrimSpace(code) == "" {
		return nil, apperror.ValidationFailed("code", "authorization code is required")
	}

	grant, err := s.tokens.Exchange(ctx, code)
	if err != nil {
		return nil, apperror.CredentialInvalid(userID, err)
	}
	if grant.Athlete == nil {
		return nil, apperror.CredentialInvalid(userID, errors.New("token response carried no athlete"))
	}

	cred := &model.Credential{
		UserID:       userID,
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		TokenType:    grant.TokenType,
		ExpiresAt:    grant.ExpiresAt,
		AthleteID:    grant.Athlete.ID,
		FirstName:    grant.Athlete.FirstName,
		LastName:     grant.Athlete.LastName,
		ProfileURL:   grant.Athlete.Profile,
	}
	if err := s.repo.UpsertCredential(ctx, cred); err != nil {
		return nil, apperror.PersistenceFailed("saving credential", err)
	}

	s.logger.Info("provider connected",
		slog.String("userID", userID),
		slog.Int64("athleteID", cred.AthleteID),
	)
	return cred, nil
}

// EnsureFresh returns a credential valid for at least the refresh margin,
// refreshing and persisting a new token pair when needed.
//
// A missing credential or a failed refresh is ErrCredentialInvalid: the
// caller must stop the current sync, not retry with the old token.
func (s *CredentialStore) EnsureFresh(ctx context.Context, userID string) (*model.Credential, error) {
	cred, err := s.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.CredentialInvalid(userID, errors.New("not connected to provider"))
		}
		if errors.Is(err, apperror.ErrValidation) {
			return nil, err
		}
		return nil, apperror.PersistenceFailed("loading credential", err)
	}

	now := s.now()
	if !cred.ExpiresWithin(now, s.margin) {
		return cred, nil
	}

	s.logger.Debug("refreshing provider token",
		slog.String("userID", userID),
		slog.Time("expiresAt", cred.ExpiresAt),
	)

	grant, err := s.tokens.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		s.logger.Warn("provider token refresh failed",
			slog.String("userID", userID),
			slog.String("error", err.Error()),
		)
		return nil, apperror.CredentialInvalid(userID, err)
	}

	cred.AccessToken = grant.AccessToken
	cred.RefreshToken = grant.RefreshToken
	if grant.TokenType != "" {
		cred.TokenType = grant.TokenType
	}
	cred.ExpiresAt = grant.ExpiresAt

	if err := s.repo.UpsertCredential(ctx, cred); err != nil {
		return nil, apperror.PersistenceFailed("saving refreshed credential", err)
	}
	return cred, nil
}

// Revoke deletes the user's credential. It reports whether one existed.
func (s *CredentialStore) Revoke(ctx context.Context, userID string) (bool, error) {
	removed, err := s.repo.DeleteCredential(ctx, userID)
	if err != nil {
		return false, apperror.PersistenceFailed("deleting credential", err)
	}
	if removed {
		s.logger.Info("provider credential revoked", slog.String("userID", userID))
	}
	return removed, nil
}

// ResolveUser maps a provider athlete id to the local user id.
// It returns an ErrNotFound error for an athlete nobody has connected.
func (s *CredentialStore) ResolveUser(ctx context.Context, athleteID int64) (string, error) {
	userID, err := s.repo.FindUserIDByAthlete(ctx, athleteID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return "", err
		}
		return "", apperror.PersistenceFailed(fmt.Sprintf("resolving athlete %d", athleteID), err)
	}
	return userID, nil
}
