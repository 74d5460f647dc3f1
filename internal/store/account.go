package store

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// Security holds the short-lived signed/CSRF token pair required by the chat
// endpoint in addition to the access token.
type Security struct {
	SignedToken       string `json:"signedToken"`
	CSRFToken         string `json:"csrfToken"`
	SignedExpiresAtMs int64  `json:"signedExpiresAtMs"`
	CSRFExpiresAtMs   int64  `json:"csrfExpiresAtMs"`
	FetchedAtMs       int64  `json:"fetchedAtMs"`
}

// Clone returns a copy of the security record, or nil.
func (s *Security) Clone() *Security {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// Account is the persisted record for one upstream account. RefreshToken is
// single-use and rotating: every session refresh returns a new value that
// must overwrite the old one. AccessToken and Security may be empty, meaning
// "never fetched".
type Account struct {
	ID               string    `json:"id"`
	Email            string    `json:"email"`
	IsPro            bool      `json:"isPro"`
	Disabled         bool      `json:"disabled"`
	UserID           string    `json:"userId"`
	RefreshToken     string    `json:"refreshToken"`
	AccessToken      string    `json:"accessToken"`
	AccessExpiresAtMs int64    `json:"accessExpiresAtMs"`
	Security         *Security `json:"security"`
	MaxInflight      int       `json:"maxInflight"`
}

// Clone returns a deep copy safe to read outside the store lock.
func (a *Account) Clone() *Account {
	c := *a
	c.Security = a.Security.Clone()
	return &c
}

// EffectiveMaxInflight resolves the per-account override against the global
// default.
func (a *Account) EffectiveMaxInflight(def int) int {
	if a.MaxInflight > 0 {
		return a.MaxInflight
	}
	return def
}

// AppSession is the externally captured credential bundle accepted on import.
type AppSession struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
	User         struct {
		ID           string `json:"id"`
		Email        string `json:"email"`
		UserMetadata struct {
			Email string `json:"email"`
			Mail  string `json:"mail"`
		} `json:"user_metadata"`
	} `json:"user"`
}

type jwtClaims struct {
	Email        string `json:"email"`
	UserMetadata struct {
		Email string `json:"email"`
	} `json:"user_metadata"`
}

// emailFromJWT recovers an account email from the access token's payload.
// The token is not verified; this is display metadata only.
func emailFromJWT(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}
	parts := strings.Split(token, ".")
	if len(parts) < 2 {
		return ""
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return ""
	}
	var claims jwtClaims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return ""
	}
	if claims.Email != "" {
		return claims.Email
	}
	return claims.UserMetadata.Email
}
