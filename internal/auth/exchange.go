package auth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
)

// ExchangerOption configures an Exchanger.
type ExchangerOption func(*Exchanger)

// WithHTTPClient sets a custom HTTP client for token-endpoint requests.
func WithHTTPClient(client *http.Client) ExchangerOption {
	return func(e *Exchanger) {
		e.client = client
	}
}

// WithAudienceFallback controls whether an audience-scoped exchange rejected
// by the provider is retried once without the audience parameter. Disabling
// it treats such rejections as fatal for the call.
func WithAudienceFallback(enabled bool) ExchangerOption {
	return func(e *Exchanger) {
		e.audienceFallback = enabled
	}
}

// Exchanger performs the token-endpoint network calls: renewing an access
// token from a refresh token, and exchanging a refresh token for an identity
// token scoped to a target audience.
type Exchanger struct {
	client           *http.Client
	audienceFallback bool
}

// NewExchanger creates an Exchanger. The audience fallback is enabled by
// default because identity providers from the historical default client
// configuration do not support per-request audience scoping.
func NewExchanger(opts ...ExchangerOption) *Exchanger {
	e := &Exchanger{
		client: &http.Client{
			Timeout: 30 * time.Second, // bounds every token-endpoint call
		},
		audienceFallback: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// tokenResponse holds the fields of a successful token-endpoint response.
// Raw keeps the raw document so diagnostics can name the fields the provider
// actually returned.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	ExpiresIn    int64  `json:"expires_in"`

	raw map[string]json.RawMessage
}

// oauthErrorCode extracts the OAuth "error" code from an error response body.
// Returns "" when the body is not a JSON error document.
func oauthErrorCode(body []byte) string {
	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return ""
	}
	return resp.Error
}

// Renew obtains a fresh access token from the credential's refresh token.
// On success the returned credential carries the new access token and expiry;
// the refresh token is preserved unless the provider rotated it.
func (e *Exchanger) Renew(ctx context.Context, cred *Credential) (*Credential, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", cred.ClientID)
	form.Set("client_secret", cred.ClientSecret)
	form.Set("refresh_token", cred.RefreshToken)

	resp, err := e.post(ctx, "renew access token", cred.TokenURI, form)
	if err != nil {
		return nil, err
	}

	renewed := *cred
	renewed.AccessToken = resp.AccessToken
	renewed.Expiry = time.Time{}
	if resp.ExpiresIn > 0 {
		renewed.Expiry = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	renewed.normalizeExpiry(time.Now())
	if resp.RefreshToken != "" {
		renewed.RefreshToken = resp.RefreshToken
	}

	return &renewed, nil
}

// IdentityToken exchanges the credential's refresh token for an identity
// token whose audience claim names the protected resource. When the provider
// rejects the audience parameter itself, the exchange is retried once without
// it and whatever token is granted is returned; the audience claim of that
// token may differ, so the degradation is logged distinctly.
func (e *Exchanger) IdentityToken(ctx context.Context, cred *Credential, audience string) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", cred.ClientID)
	form.Set("client_secret", cred.ClientSecret)
	form.Set("refresh_token", cred.RefreshToken)
	form.Set("audience", audience)

	resp, err := e.post(ctx, "exchange identity token", cred.TokenURI, form)
	if err != nil {
		if !e.audienceFallback || !audienceRejected(err) {
			return "", err
		}

		slog.WarnContext(ctx, "provider rejected audience parameter, retrying without it; the resulting token's audience claim may not match the protected resource",
			"audience", audience, "error", err)

		form.Del("audience")
		resp, err = e.post(ctx, "exchange identity token without audience", cred.TokenURI, form)
		if err != nil {
			return "", err
		}
	}

	if resp.IDToken == "" {
		return "", &MissingIDTokenError{Fields: responseFields(resp.raw)}
	}
	return resp.IDToken, nil
}

// audienceRejected reports whether an exchange failure looks like the
// provider refusing the audience parameter rather than the grant. Only
// invalid_request answers (or error bodies naming the parameter) on 400/401
// qualify; invalid_grant never does.
func audienceRejected(err error) bool {
	var terr *TransportError
	if !errors.As(err, &terr) {
		return false
	}
	if terr.Status != http.StatusBadRequest && terr.Status != http.StatusUnauthorized {
		return false
	}
	if oauthErrorCode([]byte(terr.Body)) == "invalid_request" {
		return true
	}
	return strings.Contains(terr.Body, "audience")
}

// post sends a form-encoded token-endpoint request and decodes the response,
// mapping failures onto the error taxonomy.
func (e *Exchanger) post(ctx context.Context, op, tokenURI string, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		if oauthErrorCode(body) == "invalid_grant" {
			return nil, &InvalidGrantError{Status: resp.StatusCode, Body: string(body)}
		}
		return nil, &TransportError{Op: op, Status: resp.StatusCode, Body: string(body)}
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	tr.raw = raw

	return &tr, nil
}

func responseFields(raw map[string]json.RawMessage) []string {
	fields := make([]string, 0, len(raw))
	for k := range raw {
		fields = append(fields, k)
	}
	slices.Sort(fields)
	return fields
}
