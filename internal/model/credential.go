// Package model defines the data structures used throughout the sync core.
package model

import "time"

// Credential is the provider OAuth grant held for one dashboard user.
//
// The token fields never leave the server: they are tagged json:"-" so a
// Credential can be returned from an API handler without leaking them.
// AthleteID is the provider's numeric account id; webhook events only carry
// that id, so it is how an inbound event is mapped back to a local user.
type Credential struct {
	UserID       string    `json:"userId"       db:"user_id"`
	AccessToken  string    `json:"-"            db:"access_token"`
	RefreshToken string    `json:"-"            db:"refresh_token"`
	TokenType    string    `json:"tokenType"    db:"token_type"`
	ExpiresAt    time.Time `json:"expiresAt"    db:"expires_at"`
	AthleteID    int64     `json:"athleteId"    db:"athlete_id"`
	FirstName    string    `json:"firstName"    db:"athlete_firstname"`
	LastName     string    `json:"lastName"     db:"athlete_lastname"`
	ProfileURL   string    `json:"profileUrl"   db:"athlete_profile"`
	CreatedAt    time.Time `json:"createdAt"    db:"created_at"`
	UpdatedAt    time.Time `json:"updatedAt"    db:"updated_at"`
}

// ExpiresWithin reports whether the access token is expired, or will be
// within margin of now.
func (c *Credential) ExpiresWithin(now time.Time, margin time.Duration) bool {
	return !c.ExpiresAt.After(now.Add(margin))
}
