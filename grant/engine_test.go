package grant

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/tink-crypto/tink-go/v2/jwt"
	"github.com/tink-crypto/tink-go/v2/keyset"
	"lds.li/authserver/account"
	"lds.li/authserver/codec"
	"lds.li/authserver/internal/config"
	"lds.li/authserver/internal/metrics"
	"lds.li/authserver/internal/oauth2"
	"lds.li/authserver/scope"
	"lds.li/authserver/store"
)

const (
	webRedirect = "https://app.example.com/cb"
	cliRedirect = "http://localhost:8085/cb"
	webSecret   = "web-secret"
	svcSecret   = "svc-secret"
	alicePass   = "alice-password"
)

type harness struct {
	e       *Engine
	store   *store.MemStore
	codec   *codec.Codec
	metrics *metrics.Metrics
	cfg     config.Config
	alice   *store.User
}

// newHarness returns an engine over a memory store with these clients:
//
//	web:   confidential, scope "openid profile read"
//	other: confidential, same redirect as web
//	cli:   public, scope "openid read"
//	svc:   confidential, scope "read write"
//
// and an enabled user alice@example.com with the claim "admin".
func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	ctx := context.Background()

	cfg := config.Default()
	cfg.Issuer = "https://auth.example.com"
	cfg.Audience = "https://api.example.com"
	if mutate != nil {
		mutate(&cfg)
	}

	h, err := keyset.NewHandle(jwt.ES256Template())
	if err != nil {
		t.Fatal(err)
	}
	c, err := codec.New(h, codec.Options{
		Issuer:                  cfg.Issuer,
		Audience:                cfg.Audience,
		Subject:                 cfg.Subject,
		ExpiryTime:              cfg.ExpiryTime,
		TokenExchangeExpiryTime: cfg.TokenExchangeExpiryTime,
		CreatedTimeAgo:          cfg.CreatedTimeAgo,
		AddNonce:                cfg.AddNonceToAccessToken,
		VerifyIssuer:            cfg.VerifyIssuer,
		VerifyAudience:          cfg.VerifyAudience,
	})
	if err != nil {
		t.Fatal(err)
	}

	s := store.NewMemStore()
	m := metrics.New()
	e, err := New(Config{Config: cfg, Store: s, Codec: c, Metrics: m})
	if err != nil {
		t.Fatal(err)
	}

	for _, reg := range []account.ClientRegistration{
		{ClientID: "web", ClientSecret: webSecret, RedirectURIs: []string{webRedirect}, Scope: scope.New("openid", "profile", "read")},
		{ClientID: "other", ClientSecret: webSecret, RedirectURIs: []string{webRedirect}, Scope: scope.New("openid", "profile", "read")},
		{ClientID: "cli", Public: true, RedirectURIs: []string{cliRedirect}, Scope: scope.New("openid", "read")},
		{ClientID: "svc", ClientSecret: svcSecret, RedirectURIs: []string{webRedirect}, Scope: scope.New("read", "write")},
	} {
		if _, err := e.Accounts().RegisterClient(ctx, reg); err != nil {
			t.Fatalf("registering %s: %v", reg.ClientID, err)
		}
	}
	alice, err := e.Accounts().CreateUser(ctx, account.NewUser{
		Name:     "Alice",
		Email:    "Alice@Example.com",
		Password: alicePass,
		Claims:   []string{"admin"},
		Enabled:  true,
	})
	if err != nil {
		t.Fatal(err)
	}

	return &harness{e: e, store: s, codec: c, metrics: m, cfg: cfg, alice: alice}
}

// code runs authorize and allow for the request, consenting to all of the
// requested scope, and returns the code from the redirect.
func (h *harness) code(t *testing.T, req *AuthorizeRequest, user string) string {
	t.Helper()
	ctx := context.Background()
	res, err := h.e.Authorize(ctx, req)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	loc, err := h.e.Allow(ctx, &AllowRequest{
		RequestID:     res.RequestID,
		Allow:         true,
		Scope:         req.Scope,
		Username:      user,
		Authenticated: user != "",
	})
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	u, err := url.Parse(loc)
	if err != nil {
		t.Fatal(err)
	}
	code := u.Query().Get("code")
	if code == "" {
		t.Fatalf("no code in redirect %s", loc)
	}
	return code
}

// token parses form as a token endpoint request and runs it.
func (h *harness) token(t *testing.T, form url.Values, basicUser, basicPass string) (*oauth2.TokenResponse, error) {
	t.Helper()
	r := newTokenRequest(form, basicUser, basicPass)
	req, err := h.e.ParseTokenRequest(r)
	if err != nil {
		return nil, err
	}
	return h.e.Token(r.Context(), req)
}

func newTokenRequest(form url.Values, basicUser, basicPass string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if basicUser != "" {
		r.SetBasicAuth(basicUser, basicPass)
	}
	return r
}

func webRequest(sc ...string) *AuthorizeRequest {
	return &AuthorizeRequest{
		ClientID:     "web",
		RedirectURI:  webRedirect,
		Scope:        scope.New(sc...),
		ResponseType: "code",
		State:        "st4te",
		Nonce:        "n0nce",
	}
}

func wantTokenError(t *testing.T, err error, code oauth2.TokenErrorCode, desc string, status int) {
	t.Helper()
	var terr *oauth2.TokenError
	if !errors.As(err, &terr) {
		t.Fatalf("want token error %s, got: %v", code, err)
	}
	if terr.ErrorCode != code {
		t.Errorf("want error code %s, got %s (%v)", code, terr.ErrorCode, err)
	}
	if desc != "" && terr.Description != desc {
		t.Errorf("want description %q, got %q", desc, terr.Description)
	}
	if status != 0 && terr.StatusCode() != status {
		t.Errorf("want status %d, got %d", status, terr.StatusCode())
	}
}

func wantPageError(t *testing.T, err error, msg string, status int) {
	t.Helper()
	var perr *PageError
	if !errors.As(err, &perr) {
		t.Fatalf("want page error %q, got: %v", msg, err)
	}
	if perr.Message != msg {
		t.Errorf("want message %q, got %q", msg, perr.Message)
	}
	if perr.Status != status {
		t.Errorf("want status %d, got %d", status, perr.Status)
	}
}

func wantRedirectError(t *testing.T, err error, msg string) *RedirectError {
	t.Helper()
	var rerr *RedirectError
	if !errors.As(err, &rerr) {
		t.Fatalf("want redirect error %q, got: %v", msg, err)
	}
	if rerr.Message != msg {
		t.Errorf("want message %q, got %q", msg, rerr.Message)
	}
	return rerr
}

func TestNew(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("want error without a store")
	}
	if _, err := New(Config{Store: store.NewMemStore()}); err == nil {
		t.Error("want error without a codec")
	}
}

func TestRedirectErrorLocation(t *testing.T) {
	rerr := &RedirectError{RedirectURI: "https://app/cb?keep=1", Message: "Access Denied.", State: "abc"}
	u, err := url.Parse(rerr.Location())
	if err != nil {
		t.Fatal(err)
	}
	q := u.Query()
	if q.Get("keep") != "1" || q.Get("error") != "Access Denied." || q.Get("state") != "abc" {
		t.Errorf("unexpected query %v", q)
	}
	if u.Host != "app" || u.Path != "/cb" {
		t.Errorf("redirect target changed: %s", u)
	}
}
