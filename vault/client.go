package vault

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/vyrodovalexey/vaultcred/observability"
)

const apiBase = "v1"

// unauthdEndpoints lists endpoints that never require authentication.
// Requests against them do not consume a token use.
var unauthdEndpoints = map[string]struct{}{
	"sys/wrapping/lookup":        {},
	"sys/internal/ui/mounts":     {},
	"sys/internal/ui/namespaces": {},
	"sys/seal-status":            {},
	"sys/health":                 {},
}

// isUnauthdEndpoint reports whether an endpoint is on the allow-list.
func isUnauthdEndpoint(endpoint string) bool {
	endpoint = strings.Trim(endpoint, "/")
	for prefix := range unauthdEndpoints {
		if endpoint == prefix || strings.HasPrefix(endpoint, prefix+"/") {
			return true
		}
	}
	return false
}

// Response is a processed API reply.
type Response struct {
	// StatusCode is the HTTP status code.
	StatusCode int

	// Body is the decoded JSON body, nil for empty replies.
	Body map[string]any

	// NoContent marks a 204 reply, the API's plain success signal.
	NoContent bool
}

// Errors returns the error messages from the response body.
func (r *Response) Errors() []string {
	if r == nil || r.Body == nil {
		return nil
	}
	raw, ok := r.Body["errors"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Client issues requests against the secret service's REST API without
// any credential attached.
type Client struct {
	url        string
	namespace  string
	httpClient *http.Client
	logger     observability.Logger
	events     EventSink
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithEventSink sets the sink for security and lifecycle events.
func WithEventSink(events EventSink) ClientOption {
	return func(c *Client) {
		if events != nil {
			c.events = events
		}
	}
}

// WithHTTPClient replaces the transport, mainly for tests.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// NewClient creates an unauthenticated API client. verify selects TLS
// trust: empty uses the system pool, "false" disables verification, an
// inline PEM certificate pins trust to that CA, anything else is read as
// a CA bundle file path.
func NewClient(serverURL, namespace, verify string, opts ...ClientOption) (*Client, error) {
	if serverURL == "" {
		return nil, fmt.Errorf("%w: server url is required", ErrInvalidConfig)
	}
	httpClient, err := newHTTPClient(verify)
	if err != nil {
		return nil, err
	}
	c := &Client{
		url:        strings.TrimRight(serverURL, "/"),
		namespace:  namespace,
		httpClient: httpClient,
		logger:     observability.NopLogger(),
		events:     NopSink{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// newHTTPClient builds the pooled transport with the requested TLS trust.
func newHTTPClient(verify string) (*http.Client, error) {
	client := cleanhttp.DefaultPooledClient()
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	switch {
	case verify == "":
		return client, nil
	case verify == "false":
		tlsCfg.InsecureSkipVerify = true //nolint:gosec // G402: explicit operator opt-out
	case strings.HasPrefix(strings.TrimSpace(verify), "-----BEGIN"):
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(verify)) {
			return nil, fmt.Errorf("%w: cannot parse inline CA certificate", ErrInvalidConfig)
		}
		tlsCfg.RootCAs = pool
	default:
		pem, err := os.ReadFile(verify)
		if err != nil {
			return nil, fmt.Errorf("%w: cannot read CA bundle: %v", ErrInvalidConfig, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%w: cannot parse CA bundle %s", ErrInvalidConfig, verify)
		}
		tlsCfg.RootCAs = pool
	}
	transport, ok := client.Transport.(*http.Transport)
	if !ok {
		transport = cleanhttp.DefaultPooledTransport()
		client.Transport = transport
	}
	transport.TLSClientConfig = tlsCfg
	return client, nil
}

// URL returns the server base URL.
func (c *Client) URL() string {
	return c.url
}

// Namespace returns the namespace header value, if any.
func (c *Client) Namespace() string {
	return c.namespace
}

// RequestRaw performs a request and returns the unprocessed HTTP
// response. Callers needing status-specific logic use this directly.
func (c *Client) RequestRaw(ctx context.Context, method, endpoint string, payload any, headers map[string]string) (*http.Response, error) {
	return c.do(ctx, method, endpoint, payload, headers)
}

// Request performs a request and maps non-2xx statuses onto the error
// taxonomy. A 204 reply yields a Response with NoContent set.
func (c *Client) Request(ctx context.Context, method, endpoint string, payload any) (*Response, error) {
	return c.request(ctx, method, endpoint, payload, "", true)
}

// RequestUnchecked performs a request but returns the decoded error body
// instead of an error for non-2xx statuses.
func (c *Client) RequestUnchecked(ctx context.Context, method, endpoint string, payload any) (*Response, error) {
	return c.request(ctx, method, endpoint, payload, "", false)
}

// RequestWrapped performs a request asking the server to wrap the
// response, returning the wrapping token's description.
func (c *Client) RequestWrapped(ctx context.Context, method, endpoint string, payload any, wrapTTL string) (*WrappedResponse, error) {
	res, err := c.request(ctx, method, endpoint, payload, wrapTTL, true)
	if err != nil {
		return nil, err
	}
	return wrappedFromResponse(res, method, endpoint)
}

func (c *Client) request(ctx context.Context, method, endpoint string, payload any, wrapTTL string, raise bool) (*Response, error) {
	headers := map[string]string{}
	if wrapTTL != "" {
		headers["X-Vault-Wrap-TTL"] = wrapTTL
	}
	raw, err := c.do(ctx, method, endpoint, payload, headers)
	if err != nil {
		return nil, err
	}
	return processResponse(raw, method, endpoint, raise)
}

// do issues the HTTP request with base headers applied.
func (c *Client) do(ctx context.Context, method, endpoint string, payload any, headers map[string]string) (*http.Response, error) {
	endpoint = strings.Trim(endpoint, "/")
	url := fmt.Sprintf("%s/%s/%s", c.url, apiBase, endpoint)

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: cannot encode payload: %v", ErrInvocation, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Vault-Request", "true")
	if c.namespace != "" {
		req.Header.Set("X-Vault-Namespace", c.namespace)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	requestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		requestsTotal.WithLabelValues(method, statusError).Inc()
		c.logger.Debug("request failed",
			observability.String("method", method),
			observability.String("endpoint", endpoint),
			observability.Err(err))
		return nil, err
	}
	status := statusSuccess
	if resp.StatusCode >= 400 {
		status = statusError
	}
	requestsTotal.WithLabelValues(method, status).Inc()
	return resp, nil
}

// processResponse decodes the body and maps error statuses.
func processResponse(raw *http.Response, method, endpoint string, raise bool) (*Response, error) {
	defer raw.Body.Close() //nolint:errcheck

	res := &Response{StatusCode: raw.StatusCode}
	if raw.StatusCode == http.StatusNoContent {
		res.NoContent = true
		return res, nil
	}

	data, err := io.ReadAll(raw.Body)
	if err != nil {
		return nil, err
	}
	if len(data) > 0 {
		var body map[string]any
		if err := json.Unmarshal(data, &body); err == nil {
			res.Body = body
		}
	}

	if raw.StatusCode >= 400 && raise {
		return nil, newAPIError(strings.ToLower(method), endpoint, raw.StatusCode, res.Errors())
	}
	return res, nil
}

// wrappedFromResponse extracts the wrap_info section.
func wrappedFromResponse(res *Response, method, endpoint string) (*WrappedResponse, error) {
	wrapInfo, ok := res.Body["wrap_info"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: response to %s %s carries no wrap_info", ErrUnwrap, method, endpoint)
	}
	return NewWrappedResponse(wrapInfo)
}

// WrapInfo looks up a wrapping token's metadata without consuming it.
func (c *Client) WrapInfo(ctx context.Context, wrappingToken string) (map[string]any, error) {
	res, err := c.request(ctx, http.MethodPost, "sys/wrapping/lookup", map[string]any{"token": wrappingToken}, "", true)
	if err != nil {
		return nil, err
	}
	data, ok := res.Body["data"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: wrapping lookup returned no data", ErrUnwrap)
	}
	return data, nil
}

// Unwrap exchanges a one-time wrapping token for its payload. When
// expectedCreationPaths is non-empty, the token's recorded creation path
// must fully match one of the patterns first; a mismatch raises an
// UnwrapError and emits a security event, since a substituted wrapping
// token may indicate an active attack.
func (c *Client) Unwrap(ctx context.Context, wrappingToken string, expectedCreationPaths []string) (map[string]any, error) {
	if err := c.verifyCreationPath(ctx, wrappingToken, expectedCreationPaths); err != nil {
		return nil, err
	}
	headers := map[string]string{"X-Vault-Token": wrappingToken}
	raw, err := c.do(ctx, http.MethodPost, "sys/wrapping/unwrap", nil, headers)
	if err != nil {
		return nil, err
	}
	res, err := processResponse(raw, http.MethodPost, "sys/wrapping/unwrap", true)
	if err != nil {
		return nil, err
	}
	return res.Body, nil
}

// verifyCreationPath checks a wrapping token's origin against the
// expected issuance endpoints.
func (c *Client) verifyCreationPath(ctx context.Context, wrappingToken string, expected []string) error {
	if len(expected) == 0 {
		return nil
	}
	info, err := c.WrapInfo(ctx, wrappingToken)
	if err != nil {
		return err
	}
	actual, _ := info["creation_path"].(string)
	for _, pattern := range expected {
		re, err := regexp.Compile("^(?:" + pattern + ")$")
		if err != nil {
			return fmt.Errorf("%w: invalid creation path pattern %q: %v", ErrInvalidConfig, pattern, err)
		}
		if re.MatchString(actual) {
			return nil
		}
	}
	unwrapFailures.Inc()
	unwrapErr := &UnwrapError{
		Expected:  expected,
		Actual:    actual,
		Server:    c.url,
		Namespace: c.namespace,
	}
	c.events.Emit("vault/security/unwrapping/error", map[string]any{
		"expected":  expected,
		"actual":    actual,
		"url":       c.url,
		"namespace": c.namespace,
	})
	c.logger.Error("wrapped response validation failed",
		observability.String("actual", actual),
		observability.Strings("expected", expected))
	return unwrapErr
}

// TokenLookup retrieves a token's metadata using the token itself as the
// authentication. Used to verify freshly issued plain tokens.
func (c *Client) TokenLookup(ctx context.Context, token string) (map[string]any, error) {
	headers := map[string]string{"X-Vault-Token": token}
	raw, err := c.do(ctx, http.MethodGet, "auth/token/lookup-self", nil, headers)
	if err != nil {
		return nil, err
	}
	res, err := processResponse(raw, http.MethodGet, "auth/token/lookup-self", true)
	if err != nil {
		return nil, err
	}
	data, ok := res.Body["data"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: token lookup returned no data", ErrNotFound)
	}
	return data, nil
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, endpoint string) (*Response, error) {
	return c.Request(ctx, http.MethodGet, endpoint, nil)
}

// Post issues a POST request.
func (c *Client) Post(ctx context.Context, endpoint string, payload any) (*Response, error) {
	return c.Request(ctx, http.MethodPost, endpoint, payload)
}

// List issues the service's non-standard LIST verb.
func (c *Client) List(ctx context.Context, endpoint string) (*Response, error) {
	return c.Request(ctx, "LIST", endpoint, nil)
}

// Delete issues a DELETE request.
func (c *Client) Delete(ctx context.Context, endpoint string) (*Response, error) {
	return c.Request(ctx, http.MethodDelete, endpoint, nil)
}
