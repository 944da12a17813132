// Package auth acquires and maintains the OAuth2 credentials used to pass
// Google Identity-Aware Proxy.
//
// The entry point is Provider, which owns a single cached credential and
// exposes two operations: IdentityToken, returning an identity token scoped
// to the IAP audience, and ClearCache, forcing re-consent on next use. The
// credential is obtained interactively once (browser-based consent flow),
// persisted on disk, and thereafter renewed from its refresh token - both
// on demand and proactively by a background renewer.
//
// All credential state is guarded by one mutex held across the token-endpoint
// network calls. Token acquisition is low-frequency, so a blocked foreground
// caller is the accepted cost of never running two consent flows or two
// renewals concurrently.
package auth
