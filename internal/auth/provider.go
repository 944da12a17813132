package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Consent runs an interactive flow producing an initial credential.
type Consent interface {
	Run(ctx context.Context) (*Credential, error)
}

// TokenExchanger performs the token-endpoint calls on behalf of the Provider.
type TokenExchanger interface {
	Renew(ctx context.Context, cred *Credential) (*Credential, error)
	IdentityToken(ctx context.Context, cred *Credential, audience string) (string, error)
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithRenewInterval overrides the background renewal interval.
func WithRenewInterval(interval time.Duration) ProviderOption {
	return func(p *Provider) {
		p.renewInterval = interval
	}
}

// WithoutBackgroundRenewal disables the background renewer. Used by
// one-shot commands that fetch a single token and exit.
func WithoutBackgroundRenewal() ProviderOption {
	return func(p *Provider) {
		p.renewInterval = 0
	}
}

// Provider owns the credential and coordinates consent, renewal, persistence
// and the audience exchange under a single lock. The lock is held across
// the network calls that mutate the credential, guaranteeing at most one
// in-flight renewal or consent flow regardless of concurrent demand.
type Provider struct {
	mu   sync.Mutex
	cred *Credential

	store     CredentialStore
	consent   Consent
	exchanger TokenExchanger

	renewInterval time.Duration
	renewer       *Renewer
}

// NewProvider loads the cached credential or runs the consent flow, persists
// the result, and starts the background renewer. A corrupt cache record is
// logged and treated like a missing one. Construction blocks on the consent
// flow when no usable cache exists.
func NewProvider(ctx context.Context, store CredentialStore, consent Consent, exchanger TokenExchanger, opts ...ProviderOption) (*Provider, error) {
	if store == nil {
		return nil, fmt.Errorf("missing credential store")
	}
	if consent == nil {
		return nil, fmt.Errorf("missing consent flow")
	}
	if exchanger == nil {
		return nil, fmt.Errorf("missing token exchanger")
	}

	p := &Provider{
		store:         store,
		consent:       consent,
		exchanger:     exchanger,
		renewInterval: DefaultRenewInterval,
	}
	for _, opt := range opts {
		opt(p)
	}

	if err := p.initialize(ctx); err != nil {
		return nil, err
	}

	if p.renewInterval > 0 {
		p.renewer = StartRenewer(p.renewInterval, p.RenewIfNeeded)
	}

	return p, nil
}

func (p *Provider) initialize(ctx context.Context) error {
	cred, err := p.store.Load(ctx)
	switch {
	case err == nil:
		slog.InfoContext(ctx, "loaded cached credential", "expiry", cred.Expiry)
		p.cred = cred
		return nil
	case errors.Is(err, ErrCredentialNotFound):
		slog.InfoContext(ctx, "no cached credential, starting consent flow")
	default:
		var corrupt *CorruptCacheError
		if !errors.As(err, &corrupt) {
			return fmt.Errorf("loading cached credential: %w", err)
		}
		slog.WarnContext(ctx, "credential cache is corrupt, starting consent flow", "error", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.consentLocked(ctx)
}

// consentLocked runs the consent flow and persists the result. Caller must
// hold the lock.
func (p *Provider) consentLocked(ctx context.Context) error {
	cred, err := p.consent.Run(ctx)
	if err != nil {
		return fmt.Errorf("consent flow: %w", err)
	}
	p.cred = cred
	p.saveLocked(ctx)
	return nil
}

// saveLocked persists the current credential. A write failure loses the
// refresh token across restarts but the in-memory credential still works,
// so it is logged rather than failing the operation.
func (p *Provider) saveLocked(ctx context.Context) {
	if err := p.store.Save(ctx, p.cred); err != nil {
		slog.ErrorContext(ctx, "failed to persist credential", "error", err)
	}
}

// renewLocked renews the access token and persists it. On InvalidGrant the
// credential is discarded from memory and disk before the error is returned;
// the next IdentityToken call re-runs consent. Caller must hold the lock.
func (p *Provider) renewLocked(ctx context.Context) error {
	renewed, err := p.exchanger.Renew(ctx, p.cred)
	if err != nil {
		var invalid *InvalidGrantError
		if errors.As(err, &invalid) {
			slog.WarnContext(ctx, "refresh token rejected, discarding credential", "error", err)
			p.invalidateLocked(ctx)
		}
		return err
	}

	p.cred = renewed
	p.saveLocked(ctx)
	slog.InfoContext(ctx, "access token renewed", "expiry", renewed.Expiry)
	return nil
}

// invalidateLocked drops the credential from memory and disk.
func (p *Provider) invalidateLocked(ctx context.Context) {
	p.cred = nil
	if err := p.store.Delete(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to delete cached credential", "error", err)
	}
}

// IdentityToken returns an identity token scoped to the given audience,
// running consent or renewal first as required. Renewal is an unconditional
// precondition whenever the access token is expired or within the proactive
// buffer - the exchange is never attempted against a token inside its expiry
// margin.
func (p *Provider) IdentityToken(ctx context.Context, audience string) (string, error) {
	if audience == "" {
		return "", fmt.Errorf("audience cannot be empty")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// A credential without a refresh token cannot be renewed or exchanged;
	// re-consent is mandatory, so discard it rather than hammering the token
	// endpoint with requests that can never succeed.
	if p.cred != nil && p.cred.RefreshToken == "" {
		slog.WarnContext(ctx, "cached credential has no refresh token, discarding and re-running consent")
		p.invalidateLocked(ctx)
	}

	if p.cred == nil {
		if err := p.consentLocked(ctx); err != nil {
			return "", err
		}
	}

	if p.cred.needsRenewal(time.Now()) {
		if err := p.renewLocked(ctx); err != nil {
			return "", err
		}
	}

	token, err := p.exchanger.IdentityToken(ctx, p.cred, audience)
	if err != nil {
		var invalid *InvalidGrantError
		if errors.As(err, &invalid) {
			slog.WarnContext(ctx, "refresh token rejected during exchange, discarding credential", "error", err)
			p.invalidateLocked(ctx)
		}
		return "", err
	}

	return token, nil
}

// RenewIfNeeded keeps the access token fresh without performing an audience
// exchange. Used by the background renewer; it never starts a consent flow,
// since no caller is waiting and a browser prompt from a timer is unwanted.
func (p *Provider) RenewIfNeeded(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cred == nil || p.cred.RefreshToken == "" {
		slog.DebugContext(ctx, "no renewable credential, skipping background renewal")
		return nil
	}

	if !p.cred.needsRenewal(time.Now()) {
		return nil
	}

	return p.renewLocked(ctx)
}

// ClearCache drops the in-memory credential and deletes the disk record.
// Idempotent; the next IdentityToken call re-runs the consent flow.
func (p *Provider) ClearCache(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cred = nil
	if err := p.store.Delete(ctx); err != nil {
		return fmt.Errorf("deleting cached credential: %w", err)
	}
	return nil
}

// Stop stops the background renewer. Idempotent and safe to call even when
// construction failed before the renewer was started.
func (p *Provider) Stop() {
	if p.renewer != nil {
		p.renewer.Stop()
	}
}
