// Package grant implements the authorization server's grant lifecycle: the
// authorization and consent steps of the code flow, and the token endpoint
// grants that turn codes, client credentials, refresh tokens and subject
// tokens into access tokens.
package grant

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"lds.li/authserver/account"
	"lds.li/authserver/codec"
	"lds.li/authserver/internal/config"
	"lds.li/authserver/internal/metrics"
	"lds.li/authserver/store"
)

const (
	// authRequestValidity is how long a user has to consent.
	authRequestValidity = 10 * time.Minute
	// authCodeValidity is how long an issued code can be redeemed for.
	authCodeValidity = 10 * time.Minute
)

// Config configures an Engine.
type Config struct {
	Config  config.Config
	Store   store.Store
	Codec   *codec.Codec
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Engine runs the grant flows. It holds no mutable state of its own, all
// state lives in the store.
type Engine struct {
	cfg      config.Config
	store    store.Store
	codec    *codec.Codec
	accounts *account.Service
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func New(c Config) (*Engine, error) {
	if c.Store == nil {
		return nil, errors.New("store is required")
	}
	if c.Codec == nil {
		return nil, errors.New("codec is required")
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return &Engine{
		cfg:      c.Config,
		store:    c.Store,
		codec:    c.Codec,
		accounts: account.NewService(c.Store, c.Logger),
		logger:   c.Logger,
		metrics:  c.Metrics,
		now:      c.Now,
	}, nil
}

// Accounts returns the account service backed by the engine's store.
func (e *Engine) Accounts() *account.Service {
	return e.accounts
}

// PageError is shown to the user agent directly. It is used when the
// redirect target is not verified, so the error must not be sent to it.
type PageError struct {
	Status  int
	Title   string
	Message string
	Cause   error
}

func (p *PageError) Error() string {
	if p.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", p.Title, p.Message, p.Cause)
	}
	return p.Title + ": " + p.Message
}

func (p *PageError) Unwrap() error {
	return p.Cause
}

func authorizationError(msg string) *PageError {
	return &PageError{Status: http.StatusBadRequest, Title: "Authorization Errors", Message: msg}
}

// RedirectError is returned to the client on its verified redirect URI, in
// the error query parameter.
type RedirectError struct {
	RedirectURI string
	Message     string
	// State is echoed back if set.
	State string
}

func (r *RedirectError) Error() string {
	return "redirecting with error: " + r.Message
}

// Location returns the URL the user agent is sent to.
func (r *RedirectError) Location() string {
	params := url.Values{"error": {r.Message}}
	if r.State != "" {
		params.Set("state", r.State)
	}
	loc, err := addQuery(r.RedirectURI, params)
	if err != nil {
		// the URI was verified before any RedirectError is created
		return r.RedirectURI
	}
	return loc
}

// addQuery merges params into the query of rawURL.
func addQuery(rawURL string, params url.Values) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing redirect uri: %w", err)
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
