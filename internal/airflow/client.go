// Package airflow is a pass-through client for the Airflow REST API behind
// Google IAP. Every call carries dual authentication: the IAP identity token
// in Proxy-Authorization for the proxy, and an Airflow-issued JWT in
// Authorization for the API itself. Responses are returned as opaque JSON -
// this layer routes and marshals, it does not interpret, cache or retry.
package airflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// TokenSource provides IAP identity tokens scoped to an audience.
type TokenSource interface {
	IdentityToken(ctx context.Context, audience string) (string, error)
}

// APIError is a non-success answer from the Airflow API, carried verbatim
// for the caller to diagnose.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("airflow API returned HTTP %d: %s", e.Status, e.Body)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithCredentials sets the Airflow username/password used to obtain the
// API JWT. Defaults to anonymous (empty) credentials.
func WithCredentials(username, password string) Option {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

// Client talks to one Airflow deployment.
type Client struct {
	baseURL  string
	audience string
	tokens   TokenSource
	username string
	password string
	client   *http.Client

	jwtMu sync.Mutex
	jwt   string
}

// New creates a Client for the Airflow deployment at baseURL, minting IAP
// identity tokens for the given audience.
func New(baseURL, audience string, tokens TokenSource, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("airflow base URL cannot be empty")
	}
	if audience == "" {
		return nil, fmt.Errorf("IAP audience cannot be empty")
	}
	if tokens == nil {
		return nil, fmt.Errorf("missing token source")
	}

	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		audience: audience,
		tokens:   tokens,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// jwtToken returns the cached Airflow JWT, obtaining one from /auth/token
// when none is held. The IAP token gates that call too.
func (c *Client) jwtToken(ctx context.Context, iapToken string) (string, error) {
	c.jwtMu.Lock()
	defer c.jwtMu.Unlock()

	if c.jwt != "" {
		return c.jwt, nil
	}

	payload, err := json.Marshal(map[string]string{
		"username": c.username,
		"password": c.password,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/token", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+iapToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("obtaining airflow JWT: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("obtaining airflow JWT: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", &APIError{Status: resp.StatusCode, Body: string(body)}
	}

	var token struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &token); err != nil {
		return "", fmt.Errorf("parsing airflow JWT response: %w", err)
	}
	if token.AccessToken == "" {
		return "", fmt.Errorf("airflow JWT response contained no access_token")
	}

	c.jwt = token.AccessToken
	return c.jwt, nil
}

// invalidateJWT drops the cached JWT so the next call re-authenticates.
func (c *Client) invalidateJWT() {
	c.jwtMu.Lock()
	c.jwt = ""
	c.jwtMu.Unlock()
}

// request performs one Airflow API call. One HTTP call in, one JSON document
// out; a 401 invalidates the cached JWT but the call is not retried.
func (c *Client) request(ctx context.Context, method, path string, payload any) (json.RawMessage, error) {
	iapToken, err := c.tokens.IdentityToken(ctx, c.audience)
	if err != nil {
		return nil, fmt.Errorf("obtaining IAP token: %w", err)
	}

	jwt, err := c.jwtToken(ctx, iapToken)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+jwt)
	req.Header.Set("Proxy-Authorization", "Bearer "+iapToken)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		c.invalidateJWT()
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &APIError{Status: resp.StatusCode, Body: string(data)}
	}

	if len(data) == 0 {
		return nil, nil
	}
	return json.RawMessage(data), nil
}

// Health returns the Airflow health document.
func (c *Client) Health(ctx context.Context) (json.RawMessage, error) {
	return c.request(ctx, http.MethodGet, "/api/v2/monitor/health", nil)
}

// Version returns the Airflow version document.
func (c *Client) Version(ctx context.Context) (json.RawMessage, error) {
	return c.request(ctx, http.MethodGet, "/api/v2/version", nil)
}

func (c *Client) ListDAGs(ctx context.Context, limit, offset int) (json.RawMessage, error) {
	return c.request(ctx, http.MethodGet, fmt.Sprintf("/api/v2/dags?limit=%d&offset=%d", limit, offset), nil)
}

func (c *Client) GetDAG(ctx context.Context, dagID string) (json.RawMessage, error) {
	return c.request(ctx, http.MethodGet, "/api/v2/dags/"+url.PathEscape(dagID), nil)
}

// SetDAGPaused pauses or unpauses a DAG.
func (c *Client) SetDAGPaused(ctx context.Context, dagID string, paused bool) (json.RawMessage, error) {
	return c.request(ctx, http.MethodPatch, "/api/v2/dags/"+url.PathEscape(dagID),
		map[string]bool{"is_paused": paused})
}

func (c *Client) ListDAGRuns(ctx context.Context, dagID string, limit, offset int) (json.RawMessage, error) {
	return c.request(ctx, http.MethodGet,
		fmt.Sprintf("/api/v2/dags/%s/dagRuns?limit=%d&offset=%d", url.PathEscape(dagID), limit, offset), nil)
}

func (c *Client) GetDAGRun(ctx context.Context, dagID, runID string) (json.RawMessage, error) {
	return c.request(ctx, http.MethodGet,
		fmt.Sprintf("/api/v2/dags/%s/dagRuns/%s", url.PathEscape(dagID), url.PathEscape(runID)), nil)
}

// TriggerDAGRun starts a new run. conf and logicalDate are optional.
func (c *Client) TriggerDAGRun(ctx context.Context, dagID string, conf map[string]any, logicalDate string) (json.RawMessage, error) {
	payload := map[string]any{}
	if conf != nil {
		payload["conf"] = conf
	}
	if logicalDate != "" {
		payload["logical_date"] = logicalDate
	}
	return c.request(ctx, http.MethodPost,
		fmt.Sprintf("/api/v2/dags/%s/dagRuns", url.PathEscape(dagID)), payload)
}

func (c *Client) GetTaskInstance(ctx context.Context, dagID, runID, taskID string) (json.RawMessage, error) {
	return c.request(ctx, http.MethodGet,
		fmt.Sprintf("/api/v2/dags/%s/dagRuns/%s/taskInstances/%s",
			url.PathEscape(dagID), url.PathEscape(runID), url.PathEscape(taskID)), nil)
}

func (c *Client) GetTaskLogs(ctx context.Context, dagID, runID, taskID string, tryNumber int) (json.RawMessage, error) {
	return c.request(ctx, http.MethodGet,
		fmt.Sprintf("/api/v2/dags/%s/dagRuns/%s/taskInstances/%s/logs/%d",
			url.PathEscape(dagID), url.PathEscape(runID), url.PathEscape(taskID), tryNumber), nil)
}

func (c *Client) ListVariables(ctx context.Context, limit, offset int) (json.RawMessage, error) {
	return c.request(ctx, http.MethodGet, fmt.Sprintf("/api/v2/variables?limit=%d&offset=%d", limit, offset), nil)
}

func (c *Client) GetVariable(ctx context.Context, key string) (json.RawMessage, error) {
	return c.request(ctx, http.MethodGet, "/api/v2/variables/"+url.PathEscape(key), nil)
}

func (c *Client) SetVariable(ctx context.Context, key, value string) (json.RawMessage, error) {
	return c.request(ctx, http.MethodPost, "/api/v2/variables",
		map[string]string{"key": key, "value": value})
}

func (c *Client) DeleteVariable(ctx context.Context, key string) error {
	_, err := c.request(ctx, http.MethodDelete, "/api/v2/variables/"+url.PathEscape(key), nil)
	return err
}

func (c *Client) ListConnections(ctx context.Context, limit, offset int) (json.RawMessage, error) {
	return c.request(ctx, http.MethodGet, fmt.Sprintf("/api/v2/connections?limit=%d&offset=%d", limit, offset), nil)
}

func (c *Client) GetConnection(ctx context.Context, connectionID string) (json.RawMessage, error) {
	return c.request(ctx, http.MethodGet, "/api/v2/connections/"+url.PathEscape(connectionID), nil)
}

func (c *Client) ListPools(ctx context.Context, limit, offset int) (json.RawMessage, error) {
	return c.request(ctx, http.MethodGet, fmt.Sprintf("/api/v2/pools?limit=%d&offset=%d", limit, offset), nil)
}

func (c *Client) GetPool(ctx context.Context, name string) (json.RawMessage, error) {
	return c.request(ctx, http.MethodGet, "/api/v2/pools/"+url.PathEscape(name), nil)
}

func (c *Client) ListImportErrors(ctx context.Context, limit, offset int) (json.RawMessage, error) {
	return c.request(ctx, http.MethodGet, fmt.Sprintf("/api/v2/importErrors?limit=%d&offset=%d", limit, offset), nil)
}

func (c *Client) GetImportError(ctx context.Context, importErrorID int) (json.RawMessage, error) {
	return c.request(ctx, http.MethodGet, fmt.Sprintf("/api/v2/importErrors/%d", importErrorID), nil)
}
