package auth

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCredentialNotFound indicates the credential store holds no record.
var ErrCredentialNotFound = errors.New("credential not found")

// ErrConsentAborted indicates the user closed or denied the consent flow
// without completing it.
var ErrConsentAborted = errors.New("consent flow aborted")

// CorruptCacheError indicates the cache record exists but cannot be parsed.
// Callers treat it like a missing credential and re-run consent, logging the
// corruption.
type CorruptCacheError struct {
	Path string
	Err  error
}

func (e *CorruptCacheError) Error() string {
	return fmt.Sprintf("corrupt credential cache at %s: %v", e.Path, e.Err)
}

func (e *CorruptCacheError) Unwrap() error { return e.Err }

// InvalidGrantError indicates the identity provider rejected the refresh
// token itself. The credential is unusable and must be discarded entirely;
// retrying with the same refresh token is pointless.
type InvalidGrantError struct {
	Status int
	Body   string
}

func (e *InvalidGrantError) Error() string {
	return fmt.Sprintf("refresh token rejected by provider (HTTP %d): %s", e.Status, e.Body)
}

// TransportError indicates a token-endpoint call failed for a reason other
// than an invalid grant: network failure or a non-success HTTP response.
// Status is zero when the request never produced a response.
type TransportError struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: unexpected HTTP %d: %s", e.Op, e.Status, e.Body)
}

func (e *TransportError) Unwrap() error { return e.Err }

// MissingIDTokenError indicates the token endpoint answered successfully but
// returned no id_token under either exchange attempt. Fields lists what the
// provider did return, for diagnosing a misconfigured OAuth client.
type MissingIDTokenError struct {
	Fields []string
}

func (e *MissingIDTokenError) Error() string {
	return fmt.Sprintf("token endpoint returned no id_token (response fields: %s)",
		strings.Join(e.Fields, ", "))
}
