package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"testing"
	"time"
)

// tokenEndpoint records every form posted to it and serves canned responses
// in order, repeating the last one.
type tokenEndpoint struct {
	t         *testing.T
	requests  []url.Values
	responses []endpointResponse
}

type endpointResponse struct {
	status int
	body   string
}

func (e *tokenEndpoint) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			e.t.Errorf("token endpoint got method %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			e.t.Errorf("token endpoint got Content-Type %q, want form encoding", ct)
		}
		if err := r.ParseForm(); err != nil {
			e.t.Errorf("parsing form: %v", err)
		}
		e.requests = append(e.requests, r.PostForm)

		resp := e.responses[min(len(e.requests), len(e.responses))-1]
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.status)
		_, _ = w.Write([]byte(resp.body))
	}
}

func newTokenEndpoint(t *testing.T, responses ...endpointResponse) (*tokenEndpoint, *httptest.Server) {
	t.Helper()
	e := &tokenEndpoint{t: t, responses: responses}
	server := httptest.NewServer(e.handler())
	t.Cleanup(server.Close)
	return e, server
}

func exchangeCredential(tokenURI string) *Credential {
	cred := testCredential()
	cred.TokenURI = tokenURI
	return cred
}

func TestRenewSuccess(t *testing.T) {
	endpoint, server := newTokenEndpoint(t, endpointResponse{
		status: http.StatusOK,
		body:   `{"access_token":"ya29.new","expires_in":3600,"token_type":"Bearer"}`,
	})

	cred := exchangeCredential(server.URL)
	renewed, err := NewExchanger().Renew(context.Background(), cred)
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}

	form := endpoint.requests[0]
	if got := form.Get("grant_type"); got != "refresh_token" {
		t.Errorf("grant_type = %q, want refresh_token", got)
	}
	if got := form.Get("refresh_token"); got != cred.RefreshToken {
		t.Errorf("refresh_token = %q, want %q", got, cred.RefreshToken)
	}

	if renewed.AccessToken != "ya29.new" {
		t.Errorf("AccessToken = %q, want ya29.new", renewed.AccessToken)
	}
	if renewed.RefreshToken != cred.RefreshToken {
		t.Errorf("RefreshToken = %q, want preserved %q", renewed.RefreshToken, cred.RefreshToken)
	}
	want := time.Now().Add(time.Hour)
	if diff := renewed.Expiry.Sub(want); diff < -time.Minute || diff > time.Minute {
		t.Errorf("Expiry = %v, want about %v", renewed.Expiry, want)
	}
	// Input credential is not mutated
	if cred.AccessToken != "ya29.access" {
		t.Errorf("input credential mutated: AccessToken = %q", cred.AccessToken)
	}
}

func TestRenewRotatedRefreshToken(t *testing.T) {
	_, server := newTokenEndpoint(t, endpointResponse{
		status: http.StatusOK,
		body:   `{"access_token":"ya29.new","refresh_token":"1//rotated","expires_in":3600}`,
	})

	renewed, err := NewExchanger().Renew(context.Background(), exchangeCredential(server.URL))
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if renewed.RefreshToken != "1//rotated" {
		t.Errorf("RefreshToken = %q, want rotated value", renewed.RefreshToken)
	}
}

func TestRenewDefaultExpiry(t *testing.T) {
	_, server := newTokenEndpoint(t, endpointResponse{
		status: http.StatusOK,
		body:   `{"access_token":"ya29.new"}`,
	})

	renewed, err := NewExchanger().Renew(context.Background(), exchangeCredential(server.URL))
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}
	want := time.Now().Add(defaultTokenLifetime)
	if diff := renewed.Expiry.Sub(want); diff < -time.Minute || diff > time.Minute {
		t.Errorf("Expiry without expires_in = %v, want about %v", renewed.Expiry, want)
	}
}

func TestRenewInvalidGrant(t *testing.T) {
	_, server := newTokenEndpoint(t, endpointResponse{
		status: http.StatusBadRequest,
		body:   `{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`,
	})

	_, err := NewExchanger().Renew(context.Background(), exchangeCredential(server.URL))
	var invalid *InvalidGrantError
	if !errors.As(err, &invalid) {
		t.Fatalf("Renew = %v, want InvalidGrantError", err)
	}
	if invalid.Status != http.StatusBadRequest {
		t.Errorf("Status = %d, want 400", invalid.Status)
	}
}

func TestRenewTransportError(t *testing.T) {
	_, server := newTokenEndpoint(t, endpointResponse{
		status: http.StatusInternalServerError,
		body:   `upstream exploded`,
	})

	_, err := NewExchanger().Renew(context.Background(), exchangeCredential(server.URL))
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("Renew = %v, want TransportError", err)
	}
	if terr.Status != http.StatusInternalServerError {
		t.Errorf("Status = %d, want 500", terr.Status)
	}
	if terr.Body != "upstream exploded" {
		t.Errorf("Body = %q, want response body for diagnostics", terr.Body)
	}
}

func TestIdentityTokenSuccess(t *testing.T) {
	endpoint, server := newTokenEndpoint(t, endpointResponse{
		status: http.StatusOK,
		body:   `{"access_token":"ya29.new","id_token":"eyJ.id.token","expires_in":3600}`,
	})

	token, err := NewExchanger().IdentityToken(context.Background(), exchangeCredential(server.URL), "iap-client-id")
	if err != nil {
		t.Fatalf("IdentityToken: %v", err)
	}
	if token != "eyJ.id.token" {
		t.Errorf("token = %q, want id_token from response", token)
	}

	if got := endpoint.requests[0].Get("audience"); got != "iap-client-id" {
		t.Errorf("audience = %q, want iap-client-id", got)
	}
}

func TestIdentityTokenAudienceFallback(t *testing.T) {
	endpoint, server := newTokenEndpoint(t,
		endpointResponse{status: http.StatusBadRequest, body: `{"error":"invalid_request","error_description":"Invalid parameter: audience"}`},
		endpointResponse{status: http.StatusOK, body: `{"id_token":"eyJ.fallback.token"}`},
	)

	token, err := NewExchanger().IdentityToken(context.Background(), exchangeCredential(server.URL), "iap-client-id")
	if err != nil {
		t.Fatalf("IdentityToken: %v", err)
	}
	if token != "eyJ.fallback.token" {
		t.Errorf("token = %q, want fallback id_token", token)
	}

	if len(endpoint.requests) != 2 {
		t.Fatalf("token endpoint saw %d requests, want 2 (audience then fallback)", len(endpoint.requests))
	}
	if endpoint.requests[0].Get("audience") == "" {
		t.Errorf("first request missing audience parameter")
	}
	if endpoint.requests[1].Has("audience") {
		t.Errorf("fallback request still carries audience parameter")
	}
}

func TestIdentityTokenFallbackDisabled(t *testing.T) {
	endpoint, server := newTokenEndpoint(t, endpointResponse{
		status: http.StatusBadRequest,
		body:   `{"error":"invalid_request","error_description":"Invalid parameter: audience"}`,
	})

	exchanger := NewExchanger(WithAudienceFallback(false))
	_, err := exchanger.IdentityToken(context.Background(), exchangeCredential(server.URL), "iap-client-id")
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("IdentityToken = %v, want TransportError", err)
	}
	if len(endpoint.requests) != 1 {
		t.Errorf("token endpoint saw %d requests, want 1 (no fallback)", len(endpoint.requests))
	}
}

func TestIdentityTokenInvalidGrantNoFallback(t *testing.T) {
	endpoint, server := newTokenEndpoint(t, endpointResponse{
		status: http.StatusBadRequest,
		body:   `{"error":"invalid_grant"}`,
	})

	_, err := NewExchanger().IdentityToken(context.Background(), exchangeCredential(server.URL), "iap-client-id")
	var invalid *InvalidGrantError
	if !errors.As(err, &invalid) {
		t.Fatalf("IdentityToken = %v, want InvalidGrantError", err)
	}
	if len(endpoint.requests) != 1 {
		t.Errorf("invalid_grant must not trigger the audience fallback, saw %d requests", len(endpoint.requests))
	}
}

func TestIdentityTokenMissingIDToken(t *testing.T) {
	_, server := newTokenEndpoint(t, endpointResponse{
		status: http.StatusOK,
		body:   `{"access_token":"ya29.new","expires_in":3600,"scope":"openid"}`,
	})

	_, err := NewExchanger().IdentityToken(context.Background(), exchangeCredential(server.URL), "iap-client-id")
	var missing *MissingIDTokenError
	if !errors.As(err, &missing) {
		t.Fatalf("IdentityToken = %v, want MissingIDTokenError", err)
	}
	want := []string{"access_token", "expires_in", "scope"}
	if !reflect.DeepEqual(missing.Fields, want) {
		t.Errorf("Fields = %v, want %v", missing.Fields, want)
	}
}

func TestExchangerNetworkFailure(t *testing.T) {
	cred := exchangeCredential("http://127.0.0.1:1/token")

	_, err := NewExchanger().Renew(context.Background(), cred)
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("Renew against closed port = %v, want TransportError", err)
	}
	if terr.Status != 0 {
		t.Errorf("Status = %d, want 0 for a request that produced no response", terr.Status)
	}
}
