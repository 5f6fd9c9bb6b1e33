package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/sakif/training-sync/internal/apperror"
	"github.com/sakif/training-sync/internal/model"
	"github.com/sakif/training-sync/internal/repository"
)

var _ repository.CredentialRepository = (*DB)(nil)

const credentialColumns = `user_id, access_token, refresh_token, token_type, expires_at,
	athlete_id, athlete_firstname, athlete_lastname, athlete_profile, created_at, updated_at`

func (db *DB) GetCredential(ctx context.Context, userID string) (*model.Credential, error) {
	cred, err := db.scanCredential(db.queryRow(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE user_id = ?`, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("credential", userID)
		}
		return nil, fmt.Errorf("sqlstore: getting credential for %s: %w", userID, err)
	}
	return cred, nil
}

// UpsertCredential writes the whole grant. created_at survives a replace,
// everything else is overwritten.
func (db *DB) UpsertCredential(ctx context.Context, cred *model.Credential) error {
	access, err := db.seal(cred.AccessToken)
	if err != nil {
		return fmt.Errorf("sqlstore: sealing access token: %w", err)
	}
	refresh, err := db.seal(cred.RefreshToken)
	if err != nil {
		return fmt.Errorf("sqlstore: sealing refresh token: %w", err)
	}

	now := db.stamp()
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = now
	}
	cred.UpdatedAt = now

	_, err = db.exec(ctx,
		`INSERT INTO credentials (`+credentialColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET
			access_token      = excluded.access_token,
			refresh_token     = excluded.refresh_token,
			token_type        = excluded.token_type,
			expires_at        = excluded.expires_at,
			athlete_id        = excluded.athlete_id,
			athlete_firstname = excluded.athlete_firstname,
			athlete_lastname  = excluded.athlete_lastname,
			athlete_profile   = excluded.athlete_profile,
			updated_at        = excluded.updated_at`,
		cred.UserID,
		access,
		refresh,
		cred.TokenType,
		cred.ExpiresAt.UTC(),
		cred.AthleteID,
		cred.FirstName,
		cred.LastName,
		cred.ProfileURL,
		cred.CreatedAt.UTC(),
		cred.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlstore: upserting credential for %s: %w", cred.UserID, err)
	}
	return nil
}

func (db *DB) DeleteCredential(ctx context.Context, userID string) (bool, error) {
	res, err := db.exec(ctx, `DELETE FROM credentials WHERE user_id = ?`, userID)
	if err != nil {
		return false, fmt.Errorf("sqlstore: deleting credential for %s: %w", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlstore: deleting credential for %s: %w", userID, err)
	}
	return n > 0, nil
}

// FindUserIDByAthlete maps a provider athlete id to the local user. If the
// athlete was connected from more than one account, the most recently
// refreshed grant wins.
func (db *DB) FindUserIDByAthlete(ctx context.Context, athleteID int64) (string, error) {
	var userID string
	err := db.queryRow(ctx,
		`SELECT user_id FROM credentials
		 WHERE athlete_id = ?
		 ORDER BY updated_at DESC
		 LIMIT 1`,
		athleteID,
	).Scan(&userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", apperror.NotFound("athlete", strconv.FormatInt(athleteID, 10))
		}
		return "", fmt.Errorf("sqlstore: resolving athlete %d: %w", athleteID, err)
	}
	return userID, nil
}

func (db *DB) scanCredential(row rowScanner) (*model.Credential, error) {
	var c model.Credential
	if err := row.Scan(
		&c.UserID,
		&c.AccessToken,
		&c.RefreshToken,
		&c.TokenType,
		&c.ExpiresAt,
		&c.AthleteID,
		&c.FirstName,
		&c.LastName,
		&c.ProfileURL,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	if c.AccessToken, err = db.open(c.AccessToken); err != nil {
		return nil, fmt.Errorf("opening access token: %w", err)
	}
	if c.RefreshToken, err = db.open(c.RefreshToken); err != nil {
		return nil, fmt.Errorf("opening refresh token: %w", err)
	}

	c.ExpiresAt = c.ExpiresAt.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

func (db *DB) seal(token string) (string, error) {
	if db.sealer == nil {
		return token, nil
	}
	return db.sealer.Seal(token)
}

func (db *DB) open(stored string) (string, error) {
	if db.sealer == nil {
		return stored, nil
	}
	return db.sealer.Open(stored)
}
