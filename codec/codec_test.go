package codec

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/tink-crypto/tink-go/v2/jwt"
	"github.com/tink-crypto/tink-go/v2/keyset"
	"lds.li/authserver/scope"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testHandle(t *testing.T) *keyset.Handle {
	t.Helper()
	h, err := keyset.NewHandle(jwt.ES256Template())
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func testOptions() Options {
	return Options{
		Issuer:                  "https://issuer",
		Audience:                "https://api",
		Subject:                 "authserver",
		ExpiryTime:              time.Hour,
		TokenExchangeExpiryTime: 5 * time.Minute,
		CreatedTimeAgo:          30 * time.Second,
		VerifyIssuer:            true,
		VerifyAudience:          true,
		Now:                     func() time.Time { return testNow },
	}
}

func newTestCodec(t *testing.T, h *keyset.Handle, opts Options) *Codec {
	t.Helper()
	c, err := New(h, opts)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func signVerify(t *testing.T, c *Codec, rjwt *jwt.RawJWT) *Claims {
	t.Helper()
	compact, err := c.Sign(rjwt)
	if err != nil {
		t.Fatal(err)
	}
	cl, err := c.Verify(compact)
	if err != nil {
		t.Fatalf("verifying freshly signed token: %v", err)
	}
	return cl
}

func TestBuild(t *testing.T) {
	c := newTestCodec(t, testHandle(t), testOptions())
	user := &Principal{
		ID:       "user-1",
		Email:    "jane@example.com",
		Claims:   []string{"admin"},
		AuthTime: testNow.Add(-time.Minute),
		Nonce:    "n-0S6",
	}

	t.Run("User access token", func(t *testing.T) {
		rjwt, exp, err := c.BuildUserAccessToken(scope.New("read", "write"), "client-a", user)
		if err != nil {
			t.Fatal(err)
		}
		if !exp.Equal(testNow.Add(time.Hour)) {
			t.Errorf("want expiry %s, got %s", testNow.Add(time.Hour), exp)
		}
		got := signVerify(t, c, rjwt)
		want := &Claims{
			Issuer:    "https://issuer",
			Subject:   "user-1",
			Audience:  Audience{"https://api", "client-a"},
			ExpiresAt: testNow.Add(time.Hour).Unix(),
			IssuedAt:  testNow.Add(-30 * time.Second).Unix(),
			Scope:     scope.New("read", "write"),
			Email:     "jane@example.com",
			Claims:    []string{"admin"},
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("claims mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("User access token without user", func(t *testing.T) {
		rjwt, _, err := c.BuildUserAccessToken(scope.New("read"), "client-a", nil)
		if err != nil {
			t.Fatal(err)
		}
		got := signVerify(t, c, rjwt)
		if got.Subject != "authserver" {
			t.Errorf("want configured subject, got %q", got.Subject)
		}
		if got.Email != "" || got.Claims != nil {
			t.Errorf("user fields should be empty: %+v", got)
		}
	})

	t.Run("Nonce adds jti", func(t *testing.T) {
		opts := testOptions()
		opts.AddNonce = true
		nc := newTestCodec(t, testHandle(t), opts)
		rjwt, _, err := nc.BuildUserAccessToken(scope.New("read"), "client-a", user)
		if err != nil {
			t.Fatal(err)
		}
		if got := signVerify(t, nc, rjwt); got.JWTID == "" {
			t.Error("want jti to be set")
		}
	})

	t.Run("Client access token", func(t *testing.T) {
		rjwt, _, err := c.BuildClientAccessToken("client-a", scope.New("read"))
		if err != nil {
			t.Fatal(err)
		}
		got := signVerify(t, c, rjwt)
		if got.Subject != "client-a" {
			t.Errorf("want sub client-a, got %s", got.Subject)
		}
		if got.Email != "" {
			t.Error("client token should not carry an email")
		}
	})

	t.Run("ID token", func(t *testing.T) {
		rjwt, _, err := c.BuildIDToken("client-a", *user)
		if err != nil {
			t.Fatal(err)
		}
		compact, err := c.Sign(rjwt)
		if err != nil {
			t.Fatal(err)
		}
		got, err := c.VerifyIDToken(compact)
		if err != nil {
			t.Fatal(err)
		}
		if got.Subject != "user-1" || got.AZP != "client-a" || got.Nonce != "n-0S6" {
			t.Errorf("unexpected id token claims: %+v", got)
		}
		if got.AuthTime != user.AuthTime.Unix() {
			t.Errorf("want auth_time %d, got %d", user.AuthTime.Unix(), got.AuthTime)
		}
		if !got.Audience.Contains("client-a") || !got.Audience.Contains("https://api") {
			t.Errorf("audience should have api and client, got %v", got.Audience)
		}
	})

	t.Run("Exchange token", func(t *testing.T) {
		rjwt, exp, err := c.BuildExchangeToken("user-1", "client-b", scope.New("read", "admin"))
		if err != nil {
			t.Fatal(err)
		}
		if !exp.Equal(testNow.Add(5 * time.Minute)) {
			t.Errorf("exchange tokens should use the exchange expiry, got %s", exp)
		}
		got := signVerify(t, c, rjwt)
		if diff := cmp.Diff(&Actor{Subject: "client-b"}, got.Act); diff != "" {
			t.Errorf("act mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff(Audience{"https://api", "client-b"}, got.Audience); diff != "" {
			t.Errorf("aud mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestVerify(t *testing.T) {
	h := testHandle(t)
	c := newTestCodec(t, h, testOptions())

	sign := func(t *testing.T, c *Codec) string {
		t.Helper()
		rjwt, _, err := c.BuildClientAccessToken("client-a", scope.New("read"))
		if err != nil {
			t.Fatal(err)
		}
		compact, err := c.Sign(rjwt)
		if err != nil {
			t.Fatal(err)
		}
		return compact
	}

	for _, tc := range []struct {
		Name    string
		Token   func(t *testing.T) string
		Opts    func(*Options)
		WantErr bool
	}{
		{
			Name:  "Valid token",
			Token: func(t *testing.T) string { return sign(t, c) },
		},
		{
			Name: "Signed by another key",
			Token: func(t *testing.T) string {
				return sign(t, newTestCodec(t, testHandle(t), testOptions()))
			},
			WantErr: true,
		},
		{
			Name: "Expired",
			Token: func(t *testing.T) string {
				opts := testOptions()
				opts.Now = func() time.Time { return testNow.Add(-2 * time.Hour) }
				return sign(t, newTestCodec(t, h, opts))
			},
			WantErr: true,
		},
		{
			Name: "Wrong issuer",
			Token: func(t *testing.T) string {
				opts := testOptions()
				opts.Issuer = "https://other"
				return sign(t, newTestCodec(t, h, opts))
			},
			WantErr: true,
		},
		{
			Name: "Wrong issuer ignored",
			Token: func(t *testing.T) string {
				opts := testOptions()
				opts.Issuer = "https://other"
				return sign(t, newTestCodec(t, h, opts))
			},
			Opts: func(o *Options) { o.VerifyIssuer = false },
		},
		{
			Name: "Wrong audience",
			Token: func(t *testing.T) string {
				opts := testOptions()
				opts.Audience = "https://other-api"
				return sign(t, newTestCodec(t, h, opts))
			},
			WantErr: true,
		},
		{
			Name: "Wrong audience ignored",
			Token: func(t *testing.T) string {
				opts := testOptions()
				opts.Audience = "https://other-api"
				return sign(t, newTestCodec(t, h, opts))
			},
			Opts: func(o *Options) { o.VerifyAudience = false },
		},
		{
			Name: "Tampered payload",
			Token: func(t *testing.T) string {
				parts := strings.Split(sign(t, c), ".")
				parts[1] = parts[1][:len(parts[1])-2] + "AA"
				return strings.Join(parts, ".")
			},
			WantErr: true,
		},
		{
			Name:    "Garbage",
			Token:   func(t *testing.T) string { return "not-a-token" },
			WantErr: true,
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			opts := testOptions()
			if tc.Opts != nil {
				tc.Opts(&opts)
			}
			vc := newTestCodec(t, h, opts)
			_, err := vc.Verify(tc.Token(t))
			if tc.WantErr {
				if !errors.Is(err, ErrVerificationFailed) {
					t.Errorf("want ErrVerificationFailed, got %v", err)
				}
				if err != nil && err.Error() != ErrVerificationFailed.Error() {
					t.Errorf("error should not reveal the cause, got %q", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestTokenTypes(t *testing.T) {
	c := newTestCodec(t, testHandle(t), testOptions())
	sign := func(t *testing.T, rjwt *jwt.RawJWT) string {
		t.Helper()
		compact, err := c.Sign(rjwt)
		if err != nil {
			t.Fatal(err)
		}
		return compact
	}

	idt, _, err := c.BuildIDToken("client-a", Principal{ID: "user-1"})
	if err != nil {
		t.Fatal(err)
	}
	idToken := sign(t, idt)
	at, _, err := c.BuildUserAccessToken(scope.New("read"), "client-a", &Principal{ID: "user-1"})
	if err != nil {
		t.Fatal(err)
	}
	accessToken := sign(t, at)
	exp := testNow.Add(time.Hour)
	untyped, err := jwt.NewRawJWT(&jwt.RawJWTOptions{
		Issuer:    ptr("https://issuer"),
		Audiences: []string{"https://api"},
		Subject:   ptr("user-1"),
		ExpiresAt: &exp,
	})
	if err != nil {
		t.Fatal(err)
	}
	untypedToken := sign(t, untyped)

	if _, err := c.Verify(idToken); !errors.Is(err, ErrVerificationFailed) {
		t.Errorf("ID token accepted as an access token: %v", err)
	}
	if _, err := c.VerifyIDToken(accessToken); !errors.Is(err, ErrVerificationFailed) {
		t.Errorf("access token accepted as an ID token: %v", err)
	}
	if _, err := c.Verify(untypedToken); !errors.Is(err, ErrVerificationFailed) {
		t.Errorf("token without typ accepted: %v", err)
	}
	if _, err := c.Verify(accessToken); err != nil {
		t.Errorf("access token rejected: %v", err)
	}
	if _, err := c.VerifyIDToken(idToken); err != nil {
		t.Errorf("ID token rejected: %v", err)
	}
}

func TestMayActDecoded(t *testing.T) {
	c := newTestCodec(t, testHandle(t), testOptions())
	exp := testNow.Add(time.Hour)
	rjwt, err := jwt.NewRawJWT(&jwt.RawJWTOptions{
		TypeHeader: ptr(TypeAccessToken),
		Issuer:     ptr("https://issuer"),
		Audiences:  []string{"https://api"},
		Subject:    ptr("user-1"),
		ExpiresAt:  &exp,
		CustomClaims: map[string]any{
			"scope":   []any{"read", "write"},
			"may_act": map[string]any{"sub": "client-b"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	got := signVerify(t, c, rjwt)
	if got.MayAct == nil || got.MayAct.Subject != "client-b" {
		t.Errorf("want may_act.sub client-b, got %+v", got.MayAct)
	}
	if diff := cmp.Diff([]string{"read", "write"}, got.Scope.Slice()); diff != "" {
		t.Errorf("array scope not decoded (-want +got):\n%s", diff)
	}
}

func TestJWKS(t *testing.T) {
	c := newTestCodec(t, testHandle(t), testOptions())
	b, err := c.JWKS()
	if err != nil {
		t.Fatal(err)
	}
	var set struct {
		Keys []map[string]any `json:"keys"`
	}
	if err := json.Unmarshal(b, &set); err != nil {
		t.Fatal(err)
	}
	if len(set.Keys) != 1 {
		t.Fatalf("want 1 key, got %d", len(set.Keys))
	}
	if set.Keys[0]["alg"] != "ES256" {
		t.Errorf("want alg ES256, got %v", set.Keys[0]["alg"])
	}
	if _, ok := set.Keys[0]["d"]; ok {
		t.Error("private key material in jwks")
	}
}
