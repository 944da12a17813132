package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/term"
)

const callbackPath = "/oauth2/callback"

// GoogleEndpoint is the authorization and token endpoint pair used for the
// consent flow against Google's identity provider.
var GoogleEndpoint = oauth2.Endpoint{
	AuthURL:  "https://accounts.google.com/o/oauth2/auth",
	TokenURL: "https://oauth2.googleapis.com/token",
}

// consentScopes are the scopes requested during consent. IAP verifies the
// email claim, so the email scope is mandatory alongside openid.
var consentScopes = []string{"openid", "https://www.googleapis.com/auth/userinfo.email"}

// ConsentOption configures a ConsentFlow.
type ConsentOption func(*ConsentFlow)

// WithEndpoint overrides the identity provider endpoints.
func WithEndpoint(endpoint oauth2.Endpoint) ConsentOption {
	return func(f *ConsentFlow) {
		f.endpoint = endpoint
	}
}

// WithBrowserOpener overrides how the authorization URL is presented to the
// user. The default opens the system browser when stdout is a terminal.
func WithBrowserOpener(open func(url string) error) ConsentOption {
	return func(f *ConsentFlow) {
		f.openBrowser = open
	}
}

// WithInstructionWriter sets where the printed sign-in instructions go.
func WithInstructionWriter(w io.Writer) ConsentOption {
	return func(f *ConsentFlow) {
		f.out = w
	}
}

// ConsentFlow drives an interactive OAuth2 authorization-code exchange: a
// local callback listener on an ephemeral port, the user's browser, and a
// final code-for-token exchange yielding a credential with a long-lived
// refresh token.
type ConsentFlow struct {
	clientID     string
	clientSecret string
	endpoint     oauth2.Endpoint
	openBrowser  func(url string) error
	out          io.Writer
}

// NewConsentFlow creates a ConsentFlow for the given OAuth client.
func NewConsentFlow(clientID, clientSecret string, opts ...ConsentOption) (*ConsentFlow, error) {
	if clientID == "" {
		return nil, fmt.Errorf("client ID cannot be empty")
	}
	if clientSecret == "" {
		return nil, fmt.Errorf("client secret cannot be empty")
	}

	f := &ConsentFlow{
		clientID:     clientID,
		clientSecret: clientSecret,
		endpoint:     GoogleEndpoint,
		openBrowser:  openInBrowser,
		out:          os.Stderr,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

type callbackResult struct {
	code string
	err  error
}

// Run blocks until the user completes or abandons the flow. Abandonment
// (context cancellation or an explicit denial in the callback) yields
// ErrConsentAborted; transport failures talking to the provider yield a
// TransportError. There is no retry - re-consent must be re-invoked.
func (f *ConsentFlow) Run(ctx context.Context) (*Credential, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("starting consent callback listener: %w", err)
	}
	defer func() { _ = listener.Close() }()

	cfg := &oauth2.Config{
		ClientID:     f.clientID,
		ClientSecret: f.clientSecret,
		Endpoint:     f.endpoint,
		RedirectURL:  fmt.Sprintf("http://%s%s", listener.Addr().String(), callbackPath),
		Scopes:       consentScopes,
	}

	state := uuid.NewString()
	results := make(chan callbackResult, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+callbackPath, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			http.Error(w, "state mismatch", http.StatusUnauthorized)
			return
		}
		if errCode := q.Get("error"); errCode != "" {
			writeConsentPage(w, consentFailedHTML)
			results <- callbackResult{err: fmt.Errorf("%w: provider returned %q", ErrConsentAborted, errCode)}
			return
		}
		code := q.Get("code")
		if code == "" {
			writeConsentPage(w, consentFailedHTML)
			results <- callbackResult{err: fmt.Errorf("%w: callback delivered no authorization code", ErrConsentAborted)}
			return
		}
		writeConsentPage(w, consentSuccessHTML)
		results <- callbackResult{code: code}
	})

	server := &http.Server{
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
	}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			results <- callbackResult{err: fmt.Errorf("consent callback server: %w", err)}
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	authURL := cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline, // a refresh token is mandatory
		oauth2.SetAuthURLParam("prompt", "consent"),
	)

	fmt.Fprintf(f.out, "\nAuthentication required.\nSign in with the account that has access to the protected resource:\n\n  %s\n\n", authURL)
	if err := f.openBrowser(authURL); err != nil {
		fmt.Fprintf(f.out, "Could not open a browser automatically, please visit the URL manually.\n")
	}

	var result callbackResult
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrConsentAborted, ctx.Err())
	case result = <-results:
	}
	if result.err != nil {
		return nil, result.err
	}

	token, err := cfg.Exchange(ctx, result.code)
	if err != nil {
		return nil, &TransportError{Op: "exchange authorization code", Err: err}
	}
	if token.RefreshToken == "" {
		return nil, fmt.Errorf("provider granted no refresh token; offline access is required")
	}

	cred := &Credential{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenURI:     f.endpoint.TokenURL,
		ClientID:     f.clientID,
		ClientSecret: f.clientSecret,
		Scopes:       consentScopes,
		Expiry:       token.Expiry,
	}
	cred.normalizeExpiry(time.Now())

	return cred, nil
}

func writeConsentPage(w http.ResponseWriter, page string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintln(w, page)
}

// openInBrowser opens the URL with the platform launcher. Non-interactive
// sessions only get the printed URL.
func openInBrowser(url string) error {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return fmt.Errorf("not an interactive terminal")
	}

	switch runtime.GOOS {
	case "linux":
		return exec.Command("xdg-open", url).Start()
	case "darwin":
		return exec.Command("open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	default:
		return fmt.Errorf("unsupported platform %s", runtime.GOOS)
	}
}

const consentSuccessHTML = `<!DOCTYPE html>
<html>
  <head><meta charset="utf-8"><title>Authentication successful</title></head>
  <body style="font-family: sans-serif; text-align: center; margin-top: 4em;">
    <h1>Authentication successful</h1>
    <p>You can close this window and return to the terminal.</p>
  </body>
</html>`

const consentFailedHTML = `<!DOCTYPE html>
<html>
  <head><meta charset="utf-8"><title>Authentication failed</title></head>
  <body style="font-family: sans-serif; text-align: center; margin-top: 4em;">
    <h1>Authentication failed</h1>
    <p>The sign-in was not completed. Close this window and retry from the terminal.</p>
  </body>
</html>`
