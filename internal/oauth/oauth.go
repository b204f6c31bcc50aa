// Package oauth obtains OAuth2 access tokens with the client-credentials
// grant and presents them to SMTP servers through the XOAUTH2 mechanism.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// DefaultScope is the Exchange Online scope for SMTP AUTH.
const DefaultScope = "https://outlook.office365.com/.default"

// Mechanism is the SASL mechanism name.
const Mechanism = "XOAUTH2"

// tokenExpiryBuffer is the time before actual expiry when we consider a token expired.
const tokenExpiryBuffer = 5 * time.Minute

// Config holds the client-credentials settings.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string

	// TokenURL overrides the Microsoft identity platform endpoint derived
	// from TenantID.
	TokenURL string

	// Scope defaults to DefaultScope.
	Scope string
}

// TokenURL returns the Microsoft identity platform v2.0 token endpoint for tenant.
func TokenURL(tenant string) string {
	return fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", tenant)
}

func (c Config) tokenURL() string {
	if c.TokenURL != "" {
		return c.TokenURL
	}
	return TokenURL(c.TenantID)
}

func (c Config) scope() string {
	if c.Scope != "" {
		return c.Scope
	}
	return DefaultScope
}

// Validate reports missing settings.
func (c Config) Validate() error {
	var missing []string
	if c.ClientID == "" {
		missing = append(missing, "client_id")
	}
	if c.ClientSecret == "" {
		missing = append(missing, "client_secret")
	}
	if c.TokenURL == "" && c.TenantID == "" {
		missing = append(missing, "tenant_id or token_url")
	}
	if len(missing) > 0 {
		return fmt.Errorf("oauth: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// NewTokenSource returns a caching token source for cfg. If httpClient is
// non-nil it is used for token requests.
func NewTokenSource(ctx context.Context, cfg Config, httpClient *http.Client) (oauth2.TokenSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.tokenURL(),
		Scopes:       []string{cfg.scope()},
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	return oauth2.ReuseTokenSourceWithExpiry(nil, cc.TokenSource(ctx), tokenExpiryBuffer), nil
}

// AccessToken fetches a token from ts and returns its access token value.
func AccessToken(ts oauth2.TokenSource) (string, error) {
	tok, err := ts.Token()
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	if tok.AccessToken == "" {
		return "", errors.New("token response missing access_token")
	}
	return tok.AccessToken, nil
}

type xoauth2Client struct {
	username string
	token    string
}

// NewXOAuth2Client implements the XOAUTH2 SASL mechanism used by Google and
// Microsoft.
func NewXOAuth2Client(username, token string) sasl.Client {
	return &xoauth2Client{username: username, token: token}
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	ir := "user=" + c.username + "\x01auth=Bearer " + c.token + "\x01\x01"
	return Mechanism, []byte(ir), nil
}

// Next answers the server's JSON error challenge with an empty response,
// after which the server sends the final failure reply.
func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	return []byte{}, nil
}
