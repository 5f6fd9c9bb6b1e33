package sqlstore

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sakif/training-sync/internal/apperror"
	"github.com/sakif/training-sync/internal/model"
)

// reverseSealer is a reversible stand-in for auth.TokenCipher.
type reverseSealer struct{}

func (reverseSealer) Seal(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	return "sealed:" + reverse(s), nil
}

func (reverseSealer) Open(s string) (string, error) {
	if !strings.HasPrefix(s, "sealed:") {
		return s, nil
	}
	return reverse(strings.TrimPrefix(s, "sealed:")), nil
}

func reverse(s string) string {
	r := []rune(s)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r)
}

func newTestCredential(userID string, athleteID int64) *model.Credential {
	return &model.Credential{
		UserID:       userID,
		AccessToken:  "access-" + userID,
		RefreshToken: "refresh-" + userID,
		TokenType:    "Bearer",
		ExpiresAt:    time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC),
		AthleteID:    athleteID,
		FirstName:    "Ada",
		LastName:     "Lovelace",
		ProfileURL:   "https://example.com/ada.png",
	}
}

// =========================================================================
// UPSERT / GET TESTS
// =========================================================================

func TestUpsertCredential_RoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	cred := newTestCredential("user-1", 999)
	if err := db.UpsertCredential(ctx, cred); err != nil {
		t.Fatalf("UpsertCredential() error = %v", err)
	}

	got, err := db.GetCredential(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetCredential() error = %v", err)
	}

	if got.AccessToken != "access-user-1" || got.RefreshToken != "refresh-user-1" {
		t.Errorf("tokens = %q/%q, want originals", got.AccessToken, got.RefreshToken)
	}
	if !got.ExpiresAt.Equal(cred.ExpiresAt) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, cred.ExpiresAt)
	}
	if got.AthleteID != 999 {
		t.Errorf("AthleteID = %d, want 999", got.AthleteID)
	}
	if got.FirstName != "Ada" {
		t.Errorf("FirstName = %q, want Ada", got.FirstName)
	}
}

func TestUpsertCredential_ReplacesTokensKeepsCreatedAt(t *testing.T) {
	first := time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)
	db := newTestDB(t, fixedClock(first))
	ctx := context.Background()

	if err := db.UpsertCredential(ctx, newTestCredential("user-1", 999)); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	db.now = func() time.Time { return first.Add(24 * time.Hour) }
	refreshed := newTestCredential("user-1", 999)
	refreshed.AccessToken = "access-2"
	refreshed.RefreshToken = "refresh-2"
	if err := db.UpsertCredential(ctx, refreshed); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := db.GetCredential(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetCredential() error = %v", err)
	}
	if got.AccessToken != "access-2" || got.RefreshToken != "refresh-2" {
		t.Errorf("tokens not replaced: %q/%q", got.AccessToken, got.RefreshToken)
	}
	if !got.CreatedAt.Equal(first) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, first)
	}
	if !got.UpdatedAt.Equal(first.Add(24 * time.Hour)) {
		t.Errorf("UpdatedAt = %v, want one day later", got.UpdatedAt)
	}
}

func TestGetCredential_NotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := db.GetCredential(context.Background(), "nobody")
	if !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("GetCredential() error = %v, want ErrNotFound", err)
	}
}

func TestUpsertCredential_SealsTokensAtRest(t *testing.T) {
	db := newTestDB(t, WithTokenSealer(reverseSealer{}))
	ctx := context.Background()

	if err := db.UpsertCredential(ctx, newTestCredential("user-1", 999)); err != nil {
		t.Fatalf("UpsertCredential() error = %v", err)
	}

	var stored string
	if err := db.conn.QueryRow(`SELECT access_token FROM credentials WHERE user_id = 'user-1'`).Scan(&stored); err != nil {
		t.Fatalf("raw select: %v", err)
	}
	if !strings.HasPrefix(stored, "sealed:") {
		t.Errorf("stored access token = %q, want sealed value", stored)
	}

	got, err := db.GetCredential(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetCredential() error = %v", err)
	}
	if got.AccessToken != "access-user-1" {
		t.Errorf("AccessToken = %q, want decrypted original", got.AccessToken)
	}
}

// =========================================================================
// DELETE / LOOKUP TESTS
// =========================================================================

func TestDeleteCredential(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.UpsertCredential(ctx, newTestCredential("user-1", 999)); err != nil {
		t.Fatalf("UpsertCredential() error = %v", err)
	}

	removed, err := db.DeleteCredential(ctx, "user-1")
	if err != nil || !removed {
		t.Fatalf("DeleteCredential() = %v, %v; want true, nil", removed, err)
	}

	// Second delete is a no-op, not an error.
	removed, err = db.DeleteCredential(ctx, "user-1")
	if err != nil || removed {
		t.Fatalf("second DeleteCredential() = %v, %v; want false, nil", removed, err)
	}
}

func TestFindUserIDByAthlete(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.UpsertCredential(ctx, newTestCredential("user-1", 999)); err != nil {
		t.Fatalf("UpsertCredential() error = %v", err)
	}

	userID, err := db.FindUserIDByAthlete(ctx, 999)
	if err != nil {
		t.Fatalf("FindUserIDByAthlete() error = %v", err)
	}
	if userID != "user-1" {
		t.Errorf("userID = %q, want user-1", userID)
	}

	_, err = db.FindUserIDByAthlete(ctx, 12345)
	if !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("unknown athlete error = %v, want ErrNotFound", err)
	}
}
