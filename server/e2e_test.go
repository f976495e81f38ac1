package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"testing"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"lds.li/authserver/scope"
)

var (
	requestIDRE = regexp.MustCompile(`name="request_id" value="([^"]+)"`)
	scopeBoxRE  = regexp.MustCompile(`name="scope" value="([^"]+)" checked`)
)

func requestID(t *testing.T, body string) string {
	t.Helper()
	m := requestIDRE.FindStringSubmatch(body)
	if m == nil {
		t.Fatalf("no request id in page: %s", body)
	}
	return m[1]
}

// consent follows authURL to the consent page, submits it, and returns the
// code from the redirect. Like a browser, the pre-checked scope boxes are
// submitted unless form already sets scope.
func (ts *testServer) consent(t *testing.T, authURL string, form url.Values) (code, state string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, authURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	r := ts.do(t, req)
	wantStatus(t, r, http.StatusOK)

	form.Set("request_id", requestID(t, r.body))
	form.Set("allow", "true")
	if _, ok := form["scope"]; !ok {
		for _, m := range scopeBoxRE.FindAllStringSubmatch(r.body, -1) {
			form.Add("scope", m[1])
		}
	}
	r = ts.postForm(t, ts.cfg.AllowEndpoint, form, nil)
	wantStatus(t, r, http.StatusFound)

	loc, err := url.Parse(r.header.Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	if e := loc.Query().Get("error"); e != "" {
		t.Fatalf("authorization failed: %s", e)
	}
	return loc.Query().Get("code"), loc.Query().Get("state")
}

func TestE2E(t *testing.T) {
	ts := newTestServer(t, testOpts{})
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, ts.Client())

	t.Run("Public client with PKCE", func(t *testing.T) {
		conf := &oauth2.Config{
			ClientID:    "cli",
			RedirectURL: cliRedirect,
			Scopes:      []string{"read"},
			Endpoint: oauth2.Endpoint{
				AuthURL:   ts.URL + "/authorize",
				TokenURL:  ts.URL + "/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		}

		verifier := oauth2.GenerateVerifier()
		code, state := ts.consent(t, conf.AuthCodeURL("st4te", oauth2.S256ChallengeOption(verifier)), url.Values{})
		if state != "st4te" {
			t.Errorf("want state echoed, got %q", state)
		}

		tok, err := conf.Exchange(ctx, code, oauth2.VerifierOption(verifier))
		if err != nil {
			t.Fatalf("exchanging code: %v", err)
		}
		if tok.AccessToken == "" || tok.RefreshToken == "" {
			t.Fatalf("want access and refresh tokens, got %#v", tok)
		}

		if _, err := conf.Exchange(ctx, code, oauth2.VerifierOption(verifier)); err == nil {
			t.Error("code redeemed twice")
		}

		// force a refresh
		tok.Expiry = time.Now().Add(-time.Minute)
		refreshed, err := conf.TokenSource(ctx, tok).Token()
		if err != nil {
			t.Fatalf("refreshing: %v", err)
		}
		if refreshed.RefreshToken != tok.RefreshToken {
			t.Error("want the refresh token unchanged")
		}
		cl, err := ts.codec.Verify(refreshed.AccessToken)
		if err != nil {
			t.Fatal(err)
		}
		if !cl.Scope.Contains("read") || len(cl.Scope) != 1 {
			t.Errorf("refreshed scope changed: %v", cl.Scope)
		}
	})

	t.Run("Wrong verifier", func(t *testing.T) {
		conf := &oauth2.Config{
			ClientID:    "cli",
			RedirectURL: cliRedirect,
			Scopes:      []string{"read"},
			Endpoint: oauth2.Endpoint{
				AuthURL:   ts.URL + "/authorize",
				TokenURL:  ts.URL + "/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		}
		code, _ := ts.consent(t, conf.AuthCodeURL("s", oauth2.S256ChallengeOption(oauth2.GenerateVerifier())), url.Values{})
		_, err := conf.Exchange(ctx, code, oauth2.VerifierOption(oauth2.GenerateVerifier()))
		var rerr *oauth2.RetrieveError
		if !errors.As(err, &rerr) {
			t.Fatalf("want retrieve error, got %v", err)
		}
		if rerr.ErrorCode != "invalid_grant" || rerr.ErrorDescription != "Invalid Code Challenge." {
			t.Errorf("unexpected error %s: %s", rerr.ErrorCode, rerr.ErrorDescription)
		}
	})

	t.Run("Nothing selected on consent", func(t *testing.T) {
		conf := &oauth2.Config{
			ClientID:    "cli",
			RedirectURL: cliRedirect,
			Scopes:      []string{"read"},
			Endpoint: oauth2.Endpoint{
				AuthURL:   ts.URL + "/authorize",
				TokenURL:  ts.URL + "/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		}
		verifier := oauth2.GenerateVerifier()
		// every box unticked, so no scope field is submitted
		code, _ := ts.consent(t, conf.AuthCodeURL("s", oauth2.S256ChallengeOption(verifier)), url.Values{"scope": nil})
		tok, err := conf.Exchange(ctx, code, oauth2.VerifierOption(verifier))
		if err != nil {
			t.Fatalf("exchanging code: %v", err)
		}
		if sc, _ := tok.Extra("scope").(string); sc != "" {
			t.Errorf("want no scope granted, got %q", sc)
		}
		cl, err := ts.codec.Verify(tok.AccessToken)
		if err != nil {
			t.Fatal(err)
		}
		if len(cl.Scope) != 0 {
			t.Errorf("want an access token without scope, got %v", cl.Scope)
		}
	})

	t.Run("OpenID flow", func(t *testing.T) {
		conf := &oauth2.Config{
			ClientID:     "web",
			ClientSecret: webSecret,
			RedirectURL:  webRedirect,
			Scopes:       []string{"openid", "read"},
			Endpoint: oauth2.Endpoint{
				AuthURL:   ts.URL + "/authorize",
				TokenURL:  ts.URL + "/token",
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		}

		code, _ := ts.consent(t, conf.AuthCodeURL("st4te", oauth2.SetAuthURLParam("nonce", "n0nce")), url.Values{
			"username": {"alice@example.com"},
			"password": {alicePass},
		})
		tok, err := conf.Exchange(ctx, code)
		if err != nil {
			t.Fatalf("exchanging code: %v", err)
		}

		rawIDToken, ok := tok.Extra("id_token").(string)
		if !ok || rawIDToken == "" {
			t.Fatal("want an id token")
		}
		idt, err := ts.codec.VerifyIDToken(rawIDToken)
		if err != nil {
			t.Fatal(err)
		}
		if idt.Nonce != "n0nce" || idt.AZP != "web" || idt.Email != "alice@example.com" {
			t.Errorf("unexpected id token %#v", idt)
		}

		res, err := conf.Client(ctx, tok).Get(ts.URL + "/userinfo")
		if err != nil {
			t.Fatal(err)
		}
		defer func() { _ = res.Body.Close() }()
		if res.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(res.Body)
			t.Fatalf("userinfo status %d: %s", res.StatusCode, b)
		}
		var info map[string]string
		if err := json.NewDecoder(res.Body).Decode(&info); err != nil {
			t.Fatal(err)
		}
		if info["sub"] != idt.Subject || info["email"] != "alice@example.com" || info["name"] != "Alice" {
			t.Errorf("unexpected userinfo %v", info)
		}
	})

	t.Run("Client credentials", func(t *testing.T) {
		conf := &clientcredentials.Config{
			ClientID:     "svc",
			ClientSecret: svcSecret,
			TokenURL:     ts.URL + "/token",
			AuthStyle:    oauth2.AuthStyleInHeader,
		}
		tok, err := conf.Token(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if tok.TokenType != "Bearer" {
			t.Errorf("want Bearer, got %q", tok.TokenType)
		}
		if got := scope.Parse(tok.Extra("scope").(string)); len(got) != 2 || !got.Contains("read") || !got.Contains("write") {
			t.Errorf("want full client scope, got %v", got)
		}

		conf.Scopes = []string{"read"}
		tok, err = conf.Token(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if tok.Extra("scope") != "read" {
			t.Errorf("want narrowed scope, got %v", tok.Extra("scope"))
		}

		conf.ClientSecret = "wrong"
		if _, err := conf.Token(ctx); err == nil {
			t.Error("want error for a wrong secret")
		}
	})
}
