package credential

import "time"

// AuthorizationCode is a single-use grant minted after interactive login.
// User fields are denormalized so redemption needs no further identity lookup.
type AuthorizationCode struct {
	Code          string    `json:"code"`
	CodeChallenge string    `json:"code_challenge"`
	RedirectURI   string    `json:"redirect_uri"`
	State         string    `json:"state"`
	UserID        string    `json:"user_id"`
	Email         string    `json:"email"`
	Name          string    `json:"name"`
	AvatarURL     string    `json:"avatar_url"`
	Scope         string    `json:"scope"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// AccessToken is an opaque bearer credential.
type AccessToken struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	AvatarURL string    `json:"avatar_url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RefreshToken is rotated on every use; only one value per session chain is live.
type RefreshToken struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	AvatarURL string    `json:"avatar_url"`
	Scope     string    `json:"scope"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the code is past its lifetime at the given instant.
func (c AuthorizationCode) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Expired reports whether the token is past its lifetime at the given instant.
func (t AccessToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// Expired reports whether the token is past its lifetime at the given instant.
func (t RefreshToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}
