package vault

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/vyrodovalexey/vaultcred/observability"
)

// AuthMethod supplies and maintains the credential an AuthenticatedClient
// attaches to its requests. Implemented by TokenAuth and AppRoleAuth.
type AuthMethod interface {
	// GetToken returns a valid token, performing a login exchange if the
	// method supports one. Returns ErrAuthExpired when nothing usable is
	// left.
	GetToken(ctx context.Context) (*Token, error)

	// CurrentToken returns the current token without triggering logins.
	// The result may be an invalid sentinel.
	CurrentToken(ctx context.Context) *Token

	// Used accounts one consumed use against the current token.
	Used(ctx context.Context) error

	// UpdateToken derives a new token from a renewal response's auth
	// section and persists it.
	UpdateToken(ctx context.Context, auth map[string]any) error
}

// AuthenticatedClient wraps a Client, injecting the active credential
// into every request and accounting token uses.
type AuthenticatedClient struct {
	*Client
	auth AuthMethod
}

// NewAuthenticatedClient pairs a base client with an auth method.
func NewAuthenticatedClient(base *Client, auth AuthMethod) *AuthenticatedClient {
	return &AuthenticatedClient{Client: base, auth: auth}
}

// Auth returns the auth method backing the client.
func (c *AuthenticatedClient) Auth() AuthMethod {
	return c.auth
}

// RequestRaw performs an authenticated request and returns the raw HTTP
// response. A use is accounted whenever the server produced a response,
// regardless of status code, since the server deducts uses independently
// of the client's view of success. Allow-listed unauthenticated
// endpoints are exempt.
func (c *AuthenticatedClient) RequestRaw(ctx context.Context, method, endpoint string, payload any, headers map[string]string) (*http.Response, error) {
	if headers == nil {
		headers = map[string]string{}
	}
	if _, ok := headers["X-Vault-Token"]; !ok {
		token, err := c.auth.GetToken(ctx)
		if err != nil {
			return nil, err
		}
		headers["X-Vault-Token"] = token.ID
	}
	resp, err := c.Client.do(ctx, method, endpoint, payload, headers)
	if err == nil && !isUnauthdEndpoint(endpoint) {
		if usedErr := c.auth.Used(ctx); usedErr != nil {
			c.logger.Warn("failed to persist token use", observability.Err(usedErr))
		}
	}
	return resp, err
}

// Request performs an authenticated request with error mapping.
func (c *AuthenticatedClient) Request(ctx context.Context, method, endpoint string, payload any) (*Response, error) {
	raw, err := c.RequestRaw(ctx, method, endpoint, payload, nil)
	if err != nil {
		return nil, err
	}
	return processResponse(raw, method, endpoint, true)
}

// RequestUnchecked performs an authenticated request, returning the
// decoded error body instead of an error for non-2xx statuses.
func (c *AuthenticatedClient) RequestUnchecked(ctx context.Context, method, endpoint string, payload any) (*Response, error) {
	raw, err := c.RequestRaw(ctx, method, endpoint, payload, nil)
	if err != nil {
		return nil, err
	}
	return processResponse(raw, method, endpoint, false)
}

// RequestWrapped performs an authenticated request asking the server to
// wrap the response.
func (c *AuthenticatedClient) RequestWrapped(ctx context.Context, method, endpoint string, payload any, wrapTTL string) (*WrappedResponse, error) {
	headers := map[string]string{"X-Vault-Wrap-TTL": wrapTTL}
	raw, err := c.RequestRaw(ctx, method, endpoint, payload, headers)
	if err != nil {
		return nil, err
	}
	res, err := processResponse(raw, method, endpoint, true)
	if err != nil {
		return nil, err
	}
	return wrappedFromResponse(res, method, endpoint)
}

// Get issues an authenticated GET request.
func (c *AuthenticatedClient) Get(ctx context.Context, endpoint string) (*Response, error) {
	return c.Request(ctx, http.MethodGet, endpoint, nil)
}

// Post issues an authenticated POST request.
func (c *AuthenticatedClient) Post(ctx context.Context, endpoint string, payload any) (*Response, error) {
	return c.Request(ctx, http.MethodPost, endpoint, payload)
}

// List issues an authenticated LIST request.
func (c *AuthenticatedClient) List(ctx context.Context, endpoint string) (*Response, error) {
	return c.Request(ctx, "LIST", endpoint, nil)
}

// Delete issues an authenticated DELETE request.
func (c *AuthenticatedClient) Delete(ctx context.Context, endpoint string) (*Response, error) {
	return c.Request(ctx, http.MethodDelete, endpoint, nil)
}

// Patch issues an authenticated PATCH request with merge-patch content
// type.
func (c *AuthenticatedClient) Patch(ctx context.Context, endpoint string, payload any) (*Response, error) {
	headers := map[string]string{"Content-Type": "application/merge-patch+json"}
	raw, err := c.RequestRaw(ctx, http.MethodPatch, endpoint, payload, headers)
	if err != nil {
		return nil, err
	}
	return processResponse(raw, http.MethodPatch, endpoint, true)
}

// Unwrap exchanges a wrapping token for its payload, passing the token in
// the request body since the client's own credential occupies the auth
// header.
func (c *AuthenticatedClient) Unwrap(ctx context.Context, wrappingToken string, expectedCreationPaths []string) (map[string]any, error) {
	if err := c.verifyCreationPath(ctx, wrappingToken, expectedCreationPaths); err != nil {
		return nil, err
	}
	res, err := c.Request(ctx, http.MethodPost, "sys/wrapping/unwrap", map[string]any{"token": wrappingToken})
	if err != nil {
		return nil, err
	}
	return res.Body, nil
}

// TokenValid reports whether the client's credential is valid for
// validFor more seconds. With remote set, the local check is confirmed
// by a server-side lookup.
func (c *AuthenticatedClient) TokenValid(ctx context.Context, validFor int64, remote bool) bool {
	token := c.auth.CurrentToken(ctx)
	if !token.IsValid(validFor, 1) {
		return false
	}
	if !remote {
		return true
	}
	raw, err := c.RequestRaw(ctx, http.MethodGet, "auth/token/lookup-self", nil, nil)
	if err != nil {
		return false
	}
	defer raw.Body.Close() //nolint:errcheck
	return raw.StatusCode == http.StatusOK
}

// TokenLookup retrieves metadata for the client's own token, an explicit
// token, or an accessor.
func (c *AuthenticatedClient) TokenLookup(ctx context.Context, token, accessor string) (map[string]any, error) {
	method := http.MethodGet
	endpoint := "auth/token/lookup-self"
	var payload map[string]any
	if token != "" {
		method = http.MethodPost
		endpoint = "auth/token/lookup"
		payload = map[string]any{"token": token}
	}
	if accessor != "" {
		method = http.MethodPost
		endpoint = "auth/token/lookup-accessor"
		payload = map[string]any{"accessor": accessor}
	}
	res, err := c.Request(ctx, method, endpoint, payload)
	if err != nil {
		return nil, err
	}
	data, ok := res.Body["data"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: token lookup returned no data", ErrNotFound)
	}
	return data, nil
}

// TokenRenew renews the client's own token (updating the auth method),
// an explicit token, or an accessor. increment of zero lets the server
// choose. Returns the renewal's auth section.
func (c *AuthenticatedClient) TokenRenew(ctx context.Context, increment int64, token, accessor string) (map[string]any, error) {
	endpoint := "auth/token/renew-self"
	payload := map[string]any{}
	renewSelf := token == "" && accessor == ""
	if renewSelf && !c.auth.CurrentToken(ctx).IsRenewable() {
		return nil, ErrNotRenewable
	}
	if increment > 0 {
		payload["increment"] = increment
	}
	if token != "" {
		endpoint = "auth/token/renew"
		payload["token"] = token
	}
	if accessor != "" {
		endpoint = "auth/token/renew-accessor"
		payload["accessor"] = accessor
	}
	res, err := c.Post(ctx, endpoint, payload)
	if err != nil {
		renewalsTotal.WithLabelValues("token", statusError).Inc()
		return nil, err
	}
	auth, ok := res.Body["auth"].(map[string]any)
	if !ok {
		renewalsTotal.WithLabelValues("token", statusError).Inc()
		return nil, fmt.Errorf("%w: renewal response carries no auth data", ErrInvocation)
	}
	renewalsTotal.WithLabelValues("token", statusSuccess).Inc()
	if renewSelf {
		if err := c.auth.UpdateToken(ctx, auth); err != nil {
			return nil, err
		}
		if t := c.auth.CurrentToken(ctx); t != nil {
			tokenExpiryTime.Set(float64(t.ExpireTime))
		}
	}
	return auth, nil
}

// TokenRevoke revokes the client's own token, an explicit token, or an
// accessor by shortening its TTL to delay seconds. A missing target is a
// soft success: absence is the desired end state.
func (c *AuthenticatedClient) TokenRevoke(ctx context.Context, delay int64, token, accessor string) (bool, error) {
	if delay <= 0 {
		delay = 1
	}
	endpoint := "auth/token/renew-self"
	payload := map[string]any{"increment": strconv.FormatInt(delay, 10) + "s"}
	if token != "" {
		endpoint = "auth/token/renew"
		payload["token"] = token
	}
	if accessor != "" {
		endpoint = "auth/token/renew-accessor"
		payload["accessor"] = accessor
	}
	_, err := c.Post(ctx, endpoint, payload)
	if err != nil {
		if IsNotFound(err) {
			revocationsTotal.WithLabelValues("token", statusSuccess).Inc()
			return true, nil
		}
		revocationsTotal.WithLabelValues("token", statusError).Inc()
		return false, err
	}
	revocationsTotal.WithLabelValues("token", statusSuccess).Inc()
	return true, nil
}
