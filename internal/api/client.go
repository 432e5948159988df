package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

// DefaultBaseURL is the production backend.
const DefaultBaseURL = "https://api.stridekit.app"

const defaultUserAgent = "fitsync/0.1"

// maxErrorBody caps how much of an error response is kept for diagnostics.
const maxErrorBody = 4096

// Paths that never carry a bearer token and never trigger a refresh on 401.
// A 401 from the refresh endpoint must not recurse into another refresh.
const (
	refreshPath  = "/auth/refresh"
	loginPath    = "/auth/login"
	registerPath = "/auth/register"
)

var anonymousPaths = map[string]bool{
	refreshPath:  true,
	loginPath:    true,
	registerPath: true,
}

// TokenSource provides bearer tokens to the client. Defined at the consumer
// per Go convention "accept interfaces, return structs"; the auth package's
// Coordinator is the real implementation.
type TokenSource interface {
	// AccessToken returns the current access token, or "" when none is
	// stored (anonymous calls are allowed).
	AccessToken(ctx context.Context) (string, error)

	// Refresh is called after a 401. rejected is the token the server
	// refused; implementations may return a newer token without a network
	// call if one is already available.
	Refresh(ctx context.Context, rejected string) (string, error)
}

// Client is an HTTP client for the fitsync backend. It attaches the current
// access token, refreshes once on 401, and classifies errors. It never
// retries on network or server errors: retry policy belongs to callers.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	logger     *slog.Logger
	userAgent  string
}

// NewClient creates a backend client. tokens may be nil for a client that
// only talks to anonymous endpoints (login, register, refresh).
func NewClient(baseURL string, httpClient *http.Client, tokens TokenSource, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		tokens:     tokens,
		logger:     logger,
		userAgent:  defaultUserAgent,
	}
}

// BaseURL returns the backend base URL the client was built with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Do executes an HTTP request against the backend. The path is appended to
// the client's base URL. For non-nil bodies, Content-Type is set to
// application/json. The caller is responsible for closing the response body
// on success. On 401 from an authenticated endpoint, Do asks the TokenSource
// for a fresh token and retries exactly once; if the refresh fails, the
// original 401 is returned joined with the refresh error.
func (c *Client) Do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	// Buffer the body so the request can be rebuilt for the post-refresh retry.
	var payload []byte

	if body != nil {
		b, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("api: reading request body: %w", err)
		}

		payload = b
	}

	authenticated := c.tokens != nil && !anonymousPaths[path]

	var tok string

	if authenticated {
		t, err := c.tokens.AccessToken(ctx)
		if err != nil {
			return nil, fmt.Errorf("api: obtaining token: %w", err)
		}

		tok = t
	}

	resp, err := c.doOnce(ctx, method, path, payload, tok)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized || !authenticated {
		return c.checkResponse(method, path, resp)
	}

	unauthorized := c.errorFromResponse(resp)

	c.logger.Info("access token rejected, refreshing",
		slog.String("method", method),
		slog.String("path", path),
	)

	fresh, refreshErr := c.tokens.Refresh(ctx, tok)
	if refreshErr != nil {
		c.logger.Warn("token refresh failed, propagating 401",
			slog.String("path", path),
			slog.String("error", refreshErr.Error()),
		)

		return nil, errors.Join(unauthorized, refreshErr)
	}

	resp, err = c.doOnce(ctx, method, path, payload, fresh)
	if err != nil {
		return nil, err
	}

	return c.checkResponse(method, path, resp)
}

// doOnce executes a single HTTP request. Transport failures are wrapped with
// ErrNetwork; context cancellation is reported as such.
func (c *Client) doOnce(ctx context.Context, method, path string, payload []byte, tok string) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("api: creating request: %w", err)
	}

	if tok != "" {
		(&oauth2.Token{AccessToken: tok, TokenType: "Bearer"}).SetAuthHeader(req)
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("api: request canceled: %w", ctx.Err())
		}

		return nil, fmt.Errorf("api: %s %s: %w: %w", method, path, ErrNetwork, err)
	}

	return resp, nil
}

// checkResponse passes 2xx responses through and converts everything else
// into an *APIError.
func (c *Client) checkResponse(method, path string, resp *http.Response) (*http.Response, error) {
	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		c.logger.Debug("request succeeded",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
		)

		return resp, nil
	}

	apiErr := c.errorFromResponse(resp)

	c.logger.Debug("request failed",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
	)

	return nil, apiErr
}

// errorFromResponse reads and closes the body of a non-2xx response.
func (c *Client) errorFromResponse(resp *http.Response) *APIError {
	defer resp.Body.Close()

	errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if readErr != nil {
		errBody = []byte("(failed to read response body)")
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		RequestID:  resp.Header.Get("X-Request-Id"),
		Message:    strings.TrimSpace(string(errBody)),
		Err:        classifyStatus(resp.StatusCode),
	}
}

// doJSON marshals in (when non-nil), executes the request, and decodes the
// response into out (when non-nil).
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader

	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("api: encoding %s %s request: %w", method, path, err)
		}

		body = bytes.NewReader(b)
	}

	resp, err := c.Do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decoding %s %s response: %w", method, path, err)
	}

	return nil
}
