// Package auth authenticates against Salesforce with the OAuth 2.0 JWT bearer flow
// and hands out the bearer headers and instance URL used by every other request.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/sf-bulk-client/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/jwt"
)

var refreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sfbulk_auth_refresh_total",
	Help: "Total token grants by result",
}, []string{"result"})

// ErrNoInstanceURL is returned when the token response carries no instance_url.
var ErrNoInstanceURL = errors.New("token response has no instance_url")

// AssertionLifetime is the validity of the signed JWT assertion.
const AssertionLifetime = 5 * time.Minute

// TokenPath is appended to the audience to build the token endpoint.
const TokenPath = "/services/oauth2/token"

// Settings holds the connected app credentials.
type Settings struct {
	// PrivateKey is the PEM encoded RSA key of the connected app certificate.
	PrivateKey []byte

	// ConsumerKey is the connected app client id (iss claim).
	ConsumerKey string

	// Audience is the login URL, e.g. https://login.salesforce.com (aud claim).
	Audience string

	// Username is the user the token is issued for (sub claim).
	Username string

	// APIVersion is the REST API version path segment, e.g. v52.0.
	APIVersion string
}

// Validate reports the missing settings.
func (s Settings) Validate() error {
	var missing []string
	if len(s.PrivateKey) == 0 {
		missing = append(missing, "private_key")
	}
	if s.ConsumerKey == "" {
		missing = append(missing, "consumer_key")
	}
	if s.Audience == "" {
		missing = append(missing, "audience")
	}
	if s.Username == "" {
		missing = append(missing, "username")
	}
	if s.APIVersion == "" {
		missing = append(missing, "api_version")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing auth settings: %s", strings.Join(missing, ", "))
	}
	return nil
}

// TokenURL returns the token endpoint for the audience.
func (s Settings) TokenURL() string {
	return strings.TrimRight(s.Audience, "/") + TokenPath
}

// Provider holds the current access token. Reads are safe for concurrent use;
// the token only changes through Refresh.
type Provider struct {
	settings   Settings
	httpClient *http.Client
	logger     zerolog.Logger

	mu          sync.RWMutex
	token       *oauth2.Token
	instanceURL string
}

// Option configures a Provider.
type Option func(*Provider)

// WithHTTPClient sets the HTTP client used for the token grant.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// WithLogger sets the provider logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Provider) {
		p.logger = logger
	}
}

// NewProvider validates the settings and performs the initial token grant.
func NewProvider(ctx context.Context, settings Settings, opts ...Option) (*Provider, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	p := &Provider{
		settings:   settings,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logging.NewLogger(logging.ComponentAuth),
	}
	for _, opt := range opts {
		opt(p)
	}

	if err := p.Refresh(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Refresh performs a new JWT bearer grant and replaces the current token.
func (p *Provider) Refresh(ctx context.Context) error {
	conf := &jwt.Config{
		Email:      p.settings.ConsumerKey,
		Subject:    p.settings.Username,
		PrivateKey: p.settings.PrivateKey,
		Audience:   p.settings.Audience,
		TokenURL:   p.settings.TokenURL(),
		Expires:    AssertionLifetime,
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	token, err := conf.TokenSource(ctx).Token()
	if err != nil {
		refreshTotal.WithLabelValues("error").Inc()
		p.logger.Error().Err(err).Str("username", p.settings.Username).Msg("JWT bearer grant failed")
		return fmt.Errorf("jwt bearer grant: %w", err)
	}

	instanceURL, _ := token.Extra("instance_url").(string)
	if instanceURL == "" {
		refreshTotal.WithLabelValues("error").Inc()
		return ErrNoInstanceURL
	}

	p.mu.Lock()
	p.token = token
	p.instanceURL = strings.TrimRight(instanceURL, "/")
	p.mu.Unlock()

	refreshTotal.WithLabelValues("success").Inc()
	p.logger.Info().
		Str("username", p.settings.Username).
		Str("instance_url", instanceURL).
		Msg("Access token granted")

	return nil
}

// Headers returns the headers for an authenticated JSON request.
func (p *Provider) Headers() http.Header {
	p.mu.RLock()
	defer p.mu.RUnlock()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+p.token.AccessToken)
	h.Set("Content-Type", "application/json")
	return h
}

// BaseURL returns the org instance URL from the last grant.
func (p *Provider) BaseURL() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.instanceURL
}

// APIVersion returns the configured API version.
func (p *Provider) APIVersion() string {
	return p.settings.APIVersion
}
