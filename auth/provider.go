package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/mnehpets/flagdeck/pkce"
	"golang.org/x/oauth2"
)

// Provider is the identity provider the operator authenticates against.
//
// Only the authorization endpoint is used here; the flags backend redeems
// the code.
type Provider struct {
	config *oauth2.Config
}

// NewProvider returns a Provider with a fixed authorization endpoint.
func NewProvider(clientID, authURL, redirectURL string, scopes []string) (*Provider, error) {
	if clientID == "" {
		return nil, errors.New("auth: client id is required")
	}
	if _, err := url.ParseRequestURI(authURL); err != nil {
		return nil, fmt.Errorf("auth: authorization url: %w", err)
	}
	if _, err := url.ParseRequestURI(redirectURL); err != nil {
		return nil, fmt.Errorf("auth: redirect url: %w", err)
	}
	return &Provider{config: &oauth2.Config{
		ClientID:    clientID,
		Endpoint:    oauth2.Endpoint{AuthURL: authURL},
		RedirectURL: redirectURL,
		Scopes:      scopes,
	}}, nil
}

// DiscoverProvider resolves the authorization endpoint from the issuer's
// OpenID configuration.
func DiscoverProvider(ctx context.Context, issuer, clientID, redirectURL string, scopes []string) (*Provider, error) {
	p, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("auth: failed to query provider %q: %w", issuer, err)
	}
	return NewProvider(clientID, p.Endpoint().AuthURL, redirectURL, scopes)
}

// RedirectURL is where the provider sends the browser back to. The same value
// is presented to the backend during the exchange.
func (p *Provider) RedirectURL() string {
	return p.config.RedirectURL
}

// AuthCodeURL returns the authorization URL for challenge.
//
// No state parameter is sent; the verifier slot is what ties a callback to
// the browser that started it.
func (p *Provider) AuthCodeURL(challenge pkce.Challenge) string {
	return p.config.AuthCodeURL("",
		oauth2.SetAuthURLParam("code_challenge", challenge.String()),
		oauth2.SetAuthURLParam("code_challenge_method", pkce.Method),
	)
}
