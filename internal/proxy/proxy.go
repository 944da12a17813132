// Package proxy exposes the local gateway server: a reverse proxy to the
// Airflow deployment behind IAP plus a command endpoint mapping named
// operations to REST calls. The reverse proxy injects the IAP identity
// token as a Proxy-Authorization bearer on every outbound request.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/flightdeck-labs/iapflow/internal/airflow"
	"github.com/flightdeck-labs/iapflow/internal/observability/middleware"
)

// Proxy is the local gateway HTTP server.
type Proxy struct {
	mux    *http.ServeMux
	server *http.Server
}

var _ http.Handler = (*Proxy)(nil)

// New builds the gateway for the given Airflow deployment. Requests under
// /airflow/ are reverse-proxied to airflowBaseURL with the prefix stripped,
// /v1/commands/{name} dispatches named operations through client, and
// /healthz reports liveness.
func New(client *airflow.Client, tokens airflow.TokenSource, audience, airflowBaseURL string) (*Proxy, error) {
	upstream, err := url.Parse(airflowBaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid airflow base URL: %w", err)
	}

	reverseProxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Scheme = upstream.Scheme
			pr.Out.URL.Host = upstream.Host
			pr.Out.Host = upstream.Host
			pr.Out.URL.Path = strings.TrimPrefix(pr.In.URL.Path, "/airflow")
			if pr.Out.URL.Path == "" {
				pr.Out.URL.Path = "/"
			}
		},
		Transport: &iapTransport{tokens: tokens, audience: audience},
	}

	logger := slog.Default()

	mux := http.NewServeMux()

	mux.Handle("/airflow/", applyMiddlewares(reverseProxy,
		middleware.Logging(logger),
		Recovery,
	))

	mux.Handle("POST /v1/commands/{name}", applyMiddlewares(
		&CommandsHandler{Client: client},
		middleware.Logging(logger),
		Recovery,
	))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(r.Context(), w, map[string]string{"status": "ok"}, http.StatusOK)
	})

	return &Proxy{mux: mux}, nil
}

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mux.ServeHTTP(w, r)
}

// Start starts the HTTP server in the background and returns immediately.
// Returns a channel for runtime errors and a startup error if any.
//
// Startup errors (port in use, permission denied) are returned immediately.
// Runtime errors (network failures during operation) are sent to the error
// channel. The caller is responsible for calling Shutdown to stop the server.
func (p *Proxy) Start(ctx context.Context, address string) (<-chan error, error) {
	// Create the listener synchronously so port-in-use errors surface now.
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	p.server = &http.Server{
		Handler:      p,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // task log downloads can be large
		IdleTimeout:  90 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)

	go func() {
		err := p.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	return errCh, nil
}

// Shutdown performs graceful shutdown of the HTTP server.
func (p *Proxy) Shutdown(ctx context.Context) error {
	if p.server == nil {
		return nil
	}

	if err := p.server.Shutdown(ctx); err != nil {
		// Graceful shutdown failed, force close.
		_ = p.server.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	return nil
}

// iapTransport authenticates outbound requests with the IAP identity token.
// The token is fetched per request so background renewal is picked up
// without restarting the proxy.
type iapTransport struct {
	tokens   airflow.TokenSource
	audience string
}

func (t *iapTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.tokens.IdentityToken(req.Context(), t.audience)
	if err != nil {
		return nil, fmt.Errorf("obtaining identity token: %w", err)
	}

	// Per http.RoundTripper contract the request must not be mutated.
	out := req.Clone(req.Context())
	out.Header.Set("Proxy-Authorization", "Bearer "+token)
	return http.DefaultTransport.RoundTrip(out)
}
