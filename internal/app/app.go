package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/flightdeck-labs/iapflow/internal/airflow"
	"github.com/flightdeck-labs/iapflow/internal/auth"
	"github.com/flightdeck-labs/iapflow/internal/proxy"
)

// App orchestrates the lifecycle of the gateway server and the token provider.
type App struct {
	cfg      *Config
	provider *auth.Provider
	proxy    *proxy.Proxy
}

// New creates a new App instance. Construction ensures a usable credential,
// which may open the interactive consent flow when the cache is empty.
func New(ctx context.Context, cfg *Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	provider, err := NewProvider(ctx, cfg, auth.WithRenewInterval(cfg.Auth.RenewInterval))
	if err != nil {
		return nil, fmt.Errorf("failed to create token provider: %w", err)
	}

	client, err := newAirflowClient(cfg, provider)
	if err != nil {
		provider.Stop()
		return nil, fmt.Errorf("failed to create airflow client: %w", err)
	}

	gateway, err := proxy.New(client, provider, cfg.Auth.Audience, cfg.Airflow.BaseURL)
	if err != nil {
		provider.Stop()
		return nil, fmt.Errorf("failed to create gateway: %w", err)
	}

	return &App{
		cfg:      cfg,
		provider: provider,
		proxy:    gateway,
	}, nil
}

// NewProvider builds the identity token provider from configuration. Used by
// App construction and standalone by the login/logout/token commands.
func NewProvider(ctx context.Context, cfg *Config, opts ...auth.ProviderOption) (*auth.Provider, error) {
	store, err := cfg.Auth.NewCredentialStore()
	if err != nil {
		return nil, fmt.Errorf("failed to create credential store: %w", err)
	}

	consent, err := auth.NewConsentFlow(cfg.Auth.ClientID, cfg.Auth.ClientSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to create consent flow: %w", err)
	}

	exchanger := auth.NewExchanger(auth.WithAudienceFallback(!cfg.Auth.DisableAudienceFallback))

	return auth.NewProvider(ctx, store, consent, exchanger, opts...)
}

func newAirflowClient(cfg *Config, provider *auth.Provider) (*airflow.Client, error) {
	var opts []airflow.Option
	if cfg.Airflow.Username != "" {
		opts = append(opts, airflow.WithCredentials(cfg.Airflow.Username, cfg.Airflow.Password))
	}
	return airflow.New(cfg.Airflow.BaseURL, cfg.Auth.Audience, provider, opts...)
}

// Start starts all services and blocks until shutdown is triggered.
// Uses errgroup for runtime error monitoring and shutdown function collection
// for coordinated cleanup.
func (a *App) Start(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	address := a.cfg.Server.Host + ":" + strconv.FormatUint(uint64(a.cfg.Server.Port), 10)
	var shutdownFuncs []func(context.Context) error

	// The provider outlives the HTTP server so in-flight requests can still
	// mint tokens during drain.
	shutdownFuncs = append(shutdownFuncs, func(context.Context) error {
		a.provider.Stop()
		return nil
	})

	slog.InfoContext(gCtx, "starting gateway server", "address", address)
	proxyErrCh, err := a.proxy.Start(gCtx, address)
	if err != nil {
		a.provider.Stop()
		return fmt.Errorf("gateway startup failed: %w", err)
	}
	shutdownFuncs = append(shutdownFuncs, a.proxy.Shutdown)

	// Monitor runtime errors - errgroup cancels context on first error
	g.Go(func() error {
		select {
		case err := <-proxyErrCh:
			if err != nil {
				slog.ErrorContext(gCtx, "gateway runtime error", "error", err)
				return fmt.Errorf("gateway: %w", err)
			}
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	slog.InfoContext(gCtx, "application ready", "address", address)

	runtimeErr := g.Wait()

	slog.InfoContext(gCtx, "shutting down services")

	// Shutdown phase: Stop all services in reverse start order
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Shutdown.Timeout)
	defer cancel()

	var errs []error
	if runtimeErr != nil {
		errs = append(errs, fmt.Errorf("runtime: %w", runtimeErr))
	}

	for i := len(shutdownFuncs) - 1; i >= 0; i-- {
		if err := shutdownFuncs[i](shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "service shutdown failed", "error", err)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	slog.Info("application stopped")
	return nil
}
