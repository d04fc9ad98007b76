package oidc

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ProviderOIDC is the name of the OIDC provider variant.
const ProviderOIDC = "oidc"

// DefaultHTTPTimeout is the default timeout for HTTP requests to the
// identity provider.
const DefaultHTTPTimeout = 30 * time.Second

// stateBytes is the number of random bytes in a generated state value.
const stateBytes = 32

// Provider is the closed capability set an identity provider variant must
// implement. The session manager drives the flow exclusively through this
// interface.
type Provider interface {
	// Discover fetches and caches the provider's endpoint configuration.
	Discover(ctx context.Context) (*DiscoveryDocument, error)

	// AuthorizationURL builds the URL the host opens in an external
	// browser. state binds the callback to this request.
	AuthorizationURL(ctx context.Context, state string) (string, error)

	// ExchangeCode exchanges an authorization code for a TokenSet.
	ExchangeCode(ctx context.Context, code string) (*TokenSet, error)

	// ExchangeRefreshToken obtains a fresh TokenSet using prev's refresh
	// token, carrying forward fields the provider omits.
	ExchangeRefreshToken(ctx context.Context, prev *TokenSet) (*TokenSet, error)

	// UserInfo fetches the raw userinfo claims for the access token.
	UserInfo(ctx context.Context, accessToken string) (Claims, error)

	// EndSession notifies the provider of a sign-out, best effort.
	// Errors are logged, never returned.
	EndSession(ctx context.Context, idTokenHint string)
}

// Config describes the provider registration used for all protocol calls.
type Config struct {
	// Issuer is the provider's issuer URL.
	Issuer string

	// ClientID is the OAuth client identifier.
	ClientID string

	// ClientSecret is sent on token-endpoint requests when set
	// (confidential clients).
	ClientSecret string

	// RedirectURI is included in authorization and code-exchange requests.
	RedirectURI string

	// Scopes are the scopes requested during authorization.
	Scopes []string

	// AdditionalParams are extra authorization-request query parameters
	// some providers need (e.g. access_type=offline).
	AdditionalParams map[string]string
}

// NewProvider returns the provider implementation registered under name.
// An empty name selects the OIDC variant. Unknown names fail with
// ProviderNotConfiguredError.
func NewProvider(name string, cfg Config, opts ...ClientOption) (Provider, error) {
	switch name {
	case "", ProviderOIDC:
		return NewClient(cfg, opts...), nil
	default:
		return nil, &ProviderNotConfiguredError{Name: name}
	}
}

// Client is the OIDC protocol client. It is safe for concurrent use.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger

	// Discovery document cached for the client's lifetime, with mutex for
	// thread safety.
	discoveryMu    sync.RWMutex
	discovery      *DiscoveryDocument
	discoveryGroup singleflight.Group
}

// ClientOption configures the OIDC client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a new OIDC client for the given provider registration.
func NewClient(cfg Config, opts ...ClientOption) *Client {
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Discover fetches the provider's well-known configuration.
// The result is cached for the client's lifetime; concurrent first fetches
// are deduplicated. A failure leaves a previously cached document intact.
func (c *Client) Discover(ctx context.Context) (*DiscoveryDocument, error) {
	c.discoveryMu.RLock()
	if c.discovery != nil {
		doc := c.discovery
		c.discoveryMu.RUnlock()
		return doc, nil
	}
	c.discoveryMu.RUnlock()

	result, err, _ := c.discoveryGroup.Do(c.cfg.Issuer, func() (interface{}, error) {
		// Double-check after acquiring the singleflight slot.
		c.discoveryMu.RLock()
		if c.discovery != nil {
			doc := c.discovery
			c.discoveryMu.RUnlock()
			return doc, nil
		}
		c.discoveryMu.RUnlock()

		return c.doDiscover(ctx)
	})
	if err != nil {
		return nil, err
	}

	return result.(*DiscoveryDocument), nil
}

// doDiscover performs the actual HTTP fetch for the discovery document.
func (c *Client) doDiscover(ctx context.Context) (*DiscoveryDocument, error) {
	if c.cfg.Issuer == "" {
		return nil, &DiscoveryError{Err: errors.New("no issuer configured")}
	}

	wellKnownURL := strings.TrimSuffix(c.cfg.Issuer, "/") + "/.well-known/openid-configuration"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnownURL, nil)
	if err != nil {
		return nil, &DiscoveryError{Issuer: c.cfg.Issuer, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &DiscoveryError{Issuer: c.cfg.Issuer, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &DiscoveryError{
			Issuer: c.cfg.Issuer,
			Err:    fmt.Errorf("discovery request failed with status %d", resp.StatusCode),
		}
	}

	var doc DiscoveryDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, &DiscoveryError{Issuer: c.cfg.Issuer, Err: fmt.Errorf("failed to parse discovery document: %w", err)}
	}

	if err := validateDiscovery(&doc); err != nil {
		return nil, &DiscoveryError{Issuer: c.cfg.Issuer, Err: err}
	}

	c.discoveryMu.Lock()
	c.discovery = &doc
	c.discoveryMu.Unlock()

	c.logger.Debug("Discovered OIDC endpoints",
		"issuer", c.cfg.Issuer,
		"authorization_endpoint", doc.AuthorizationEndpoint,
		"token_endpoint", doc.TokenEndpoint,
		"has_end_session_endpoint", doc.EndSessionEndpoint != "",
	)

	return &doc, nil
}

// validateDiscovery checks that the document carries the fields the session
// flow depends on.
func validateDiscovery(doc *DiscoveryDocument) error {
	switch {
	case doc.AuthorizationEndpoint == "":
		return errors.New("discovery document missing authorization_endpoint")
	case doc.TokenEndpoint == "":
		return errors.New("discovery document missing token_endpoint")
	case doc.UserinfoEndpoint == "":
		return errors.New("discovery document missing userinfo_endpoint")
	default:
		return nil
	}
}

// AuthorizationURL builds the authorization URL for the configured client.
// No network call happens beyond discovery of the endpoints.
func (c *Client) AuthorizationURL(ctx context.Context, state string) (string, error) {
	doc, err := c.Discover(ctx)
	if err != nil {
		return "", err
	}

	authURL, err := url.Parse(doc.AuthorizationEndpoint)
	if err != nil {
		return "", &DiscoveryError{Issuer: c.cfg.Issuer, Err: fmt.Errorf("invalid authorization endpoint: %w", err)}
	}

	query := authURL.Query()
	query.Set("response_type", "code")
	query.Set("client_id", c.cfg.ClientID)
	query.Set("redirect_uri", c.cfg.RedirectURI)
	query.Set("scope", strings.Join(c.cfg.Scopes, " "))
	query.Set("state", state)

	for k, v := range c.cfg.AdditionalParams {
		query.Set(k, v)
	}

	authURL.RawQuery = query.Encode()
	return authURL.String(), nil
}

// ExchangeCode exchanges an authorization code for a TokenSet.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*TokenSet, error) {
	doc, err := c.Discover(ctx)
	if err != nil {
		return nil, err
	}

	data := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {c.cfg.RedirectURI},
		"client_id":    {c.cfg.ClientID},
	}
	if c.cfg.ClientSecret != "" {
		data.Set("client_secret", c.cfg.ClientSecret)
	}

	token, status, oauthErr, err := c.doTokenRequest(ctx, doc.TokenEndpoint, data)
	if err != nil {
		return nil, &TokenExchangeError{
			StatusCode:  status,
			Code:        oauthErr.Code,
			Description: oauthErr.Description,
			Err:         err,
		}
	}

	c.logger.Debug("Exchanged authorization code for tokens",
		"issuer", c.cfg.Issuer,
		"expires_in", token.ExpiresIn,
		"has_refresh_token", token.RefreshToken != "",
	)

	return token, nil
}

// ExchangeRefreshToken obtains a new TokenSet using prev's refresh token.
// Fields the provider omits in the response (refresh token, ID token, scope,
// token type) are carried forward from prev.
func (c *Client) ExchangeRefreshToken(ctx context.Context, prev *TokenSet) (*TokenSet, error) {
	if prev == nil || prev.RefreshToken == "" {
		return nil, &TokenRefreshError{Err: errors.New("no refresh token available")}
	}

	doc, err := c.Discover(ctx)
	if err != nil {
		return nil, err
	}

	data := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {prev.RefreshToken},
		"client_id":     {c.cfg.ClientID},
	}
	if c.cfg.ClientSecret != "" {
		data.Set("client_secret", c.cfg.ClientSecret)
	}

	token, status, oauthErr, err := c.doTokenRequest(ctx, doc.TokenEndpoint, data)
	if err != nil {
		return nil, &TokenRefreshError{
			StatusCode:  status,
			Code:        oauthErr.Code,
			Description: oauthErr.Description,
			Err:         err,
		}
	}

	// Providers may omit fields that haven't changed.
	if token.RefreshToken == "" {
		token.RefreshToken = prev.RefreshToken
	}
	if token.IDToken == "" {
		token.IDToken = prev.IDToken
	}
	if token.Scope == "" {
		token.Scope = prev.Scope
	}
	if token.TokenType == "" {
		token.TokenType = prev.TokenType
	}

	c.logger.Debug("Refreshed tokens",
		"issuer", c.cfg.Issuer,
		"expires_in", token.ExpiresIn,
	)

	return token, nil
}

// oauthErrorBody is the standard OAuth error response returned by token
// endpoints.
type oauthErrorBody struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

// doTokenRequest performs a token-endpoint request. On failure it returns
// the HTTP status and any parsed OAuth error body alongside the error so
// callers can wrap it in the grant-specific error type.
func (c *Client) doTokenRequest(ctx context.Context, tokenEndpoint string, data url.Values) (*TokenSet, int, oauthErrorBody, error) {
	var oauthErr oauthErrorBody

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, 0, oauthErr, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, oauthErr, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, oauthErr, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		// Response bodies can carry hints about the failure; log at debug
		// only so secrets in descriptions stay out of normal output.
		c.logger.Debug("Token request failed",
			"status", resp.StatusCode,
			"body_len", len(body),
		)
		_ = json.Unmarshal(body, &oauthErr)
		return nil, resp.StatusCode, oauthErr, fmt.Errorf("token request failed with status %d", resp.StatusCode)
	}

	var token TokenSet
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, resp.StatusCode, oauthErr, fmt.Errorf("failed to parse token response: %w", err)
	}

	token.SetExpiresAtFromExpiresIn()

	return &token, resp.StatusCode, oauthErr, nil
}

// UserInfo fetches the raw claims from the userinfo endpoint.
func (c *Client) UserInfo(ctx context.Context, accessToken string) (Claims, error) {
	doc, err := c.Discover(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, doc.UserinfoEndpoint, nil)
	if err != nil {
		return nil, &UserInfoError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &UserInfoError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &UserInfoError{StatusCode: resp.StatusCode}
	}

	var claims Claims
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return nil, &UserInfoError{Err: fmt.Errorf("failed to parse userinfo response: %w", err)}
	}

	return claims, nil
}

// EndSession notifies the provider's end-session endpoint of a sign-out.
// Best effort: when the endpoint is not advertised this is a no-op, and
// failures are logged rather than propagated so sign-out always completes
// locally.
func (c *Client) EndSession(ctx context.Context, idTokenHint string) {
	doc, err := c.Discover(ctx)
	if err != nil {
		c.logger.Debug("Skipping end-session notification, discovery unavailable",
			"issuer", c.cfg.Issuer,
			"error", err.Error(),
		)
		return
	}

	if doc.EndSessionEndpoint == "" {
		return
	}

	endURL, err := url.Parse(doc.EndSessionEndpoint)
	if err != nil {
		c.logger.Warn("Invalid end_session_endpoint in discovery document",
			"issuer", c.cfg.Issuer,
			"error", err.Error(),
		)
		return
	}

	query := endURL.Query()
	query.Set("client_id", c.cfg.ClientID)
	if idTokenHint != "" {
		query.Set("id_token_hint", idTokenHint)
	}
	endURL.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endURL.String(), nil)
	if err != nil {
		c.logger.Warn("Failed to create end-session request", "error", err.Error())
		return
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("End-session notification failed",
			"issuer", c.cfg.Issuer,
			"error", err.Error(),
		)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	c.logger.Debug("Notified provider end-session endpoint",
		"issuer", c.cfg.Issuer,
		"status", resp.StatusCode,
	)
}

// GenerateState generates a random state value binding an authorization
// request to its callback. Also used as the login nonce.
func GenerateState() (string, error) {
	buf := make([]byte, stateBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(buf), nil
}
