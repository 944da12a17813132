package auth

import (
	"time"
)

// defaultTokenLifetime is assumed when the provider reports no expiry.
const defaultTokenLifetime = time.Hour

// renewalBuffer is the proactive margin before expiry at which renewal is
// triggered, bounding the risk of a token expiring mid-flight to the backend.
const renewalBuffer = 5 * time.Minute

// Credential is the single mutable authentication record owned by the
// Provider. It is only ever read or written under the Provider's lock.
type Credential struct {
	// AccessToken authenticates against the identity provider's own APIs.
	// It is not sent downstream; downstream calls use identity tokens
	// minted per audience from the refresh token.
	AccessToken string

	// RefreshToken is the long-lived secret. When absent, re-consent is
	// mandatory.
	RefreshToken string

	// TokenURI, ClientID, ClientSecret and Scopes are the parameters
	// required to exchange the refresh token at the token endpoint.
	TokenURI     string
	ClientID     string
	ClientSecret string
	Scopes       []string

	// Expiry of the access token. Normalized at acquisition and load:
	// a provider response without expiry information is treated as
	// expiring one hour out.
	Expiry time.Time
}

// cacheRecord is the on-disk serialization of a Credential. The field names
// match the cache files written by the Google auth libraries so existing
// caches load unchanged.
type cacheRecord struct {
	Token        string     `json:"token"`
	RefreshToken string     `json:"refresh_token"`
	TokenURI     string     `json:"token_uri"`
	ClientID     string     `json:"client_id"`
	ClientSecret string     `json:"client_secret"`
	Scopes       []string   `json:"scopes"`
	Expiry       *time.Time `json:"expiry"`
}

func (c *Credential) toRecord() cacheRecord {
	rec := cacheRecord{
		Token:        c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenURI:     c.TokenURI,
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Scopes:       c.Scopes,
	}
	if !c.Expiry.IsZero() {
		expiry := c.Expiry
		rec.Expiry = &expiry
	}
	return rec
}

func (r cacheRecord) toCredential() *Credential {
	cred := &Credential{
		AccessToken:  r.Token,
		RefreshToken: r.RefreshToken,
		TokenURI:     r.TokenURI,
		ClientID:     r.ClientID,
		ClientSecret: r.ClientSecret,
		Scopes:       r.Scopes,
	}
	if r.Expiry != nil {
		cred.Expiry = *r.Expiry
	}
	cred.normalizeExpiry(time.Now())
	return cred
}

// normalizeExpiry applies the one-hour default when no expiry is known.
func (c *Credential) normalizeExpiry(now time.Time) {
	if c.Expiry.IsZero() {
		c.Expiry = now.Add(defaultTokenLifetime)
	}
}

// needsRenewal reports whether the access token is expired or inside the
// proactive renewal buffer. A true result is an unconditional precondition
// to renew before any exchange is attempted.
func (c *Credential) needsRenewal(now time.Time) bool {
	return !now.Before(c.Expiry.Add(-renewalBuffer))
}
