package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"lds.li/authserver/internal/config"
	"lds.li/authserver/scope"
)

// TestStore runs the conformance suite against a Store implementation.
// Implementations call this from their own tests.
//
// The factory is invoked at the start of each subtest, and must return an
// empty store.
func TestStore(t *testing.T, factory func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("CreateClient_roundtrip", func(t *testing.T) {
		s := factory(t)
		want := &Client{
			ClientID:     "client-1",
			SecretHash:   "$2a$10$hash",
			RedirectURIs: []string{"https://a/cb", "https://b/cb"},
			Scope:        scope.New("openid", "read"),
			Enabled:      true,
		}
		if err := s.CreateClient(ctx, want); err != nil {
			t.Fatalf("CreateClient: %v", err)
		}
		got, err := s.GetClient(ctx, "client-1")
		if err != nil {
			t.Fatalf("GetClient: %v", err)
		}
		if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("client roundtrip mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("CreateClient_duplicate", func(t *testing.T) {
		s := factory(t)
		if err := s.CreateClient(ctx, &Client{ClientID: "c"}); err != nil {
			t.Fatal(err)
		}
		if err := s.CreateClient(ctx, &Client{ClientID: "c"}); !errors.Is(err, ErrAlreadyExists) {
			t.Errorf("CreateClient: want ErrAlreadyExists, got %v", err)
		}
	})

	t.Run("GetClient_notFound", func(t *testing.T) {
		s := factory(t)
		if _, err := s.GetClient(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetClient: want ErrNotFound, got %v", err)
		}
	})

	t.Run("CreateUser_roundtrip", func(t *testing.T) {
		s := factory(t)
		want := &User{
			UserID:         "user-1",
			Email:          "Jane@Example.com",
			PasswordHash:   "$2a$10$hash",
			Name:           "Jane",
			Claims:         []string{"admin"},
			ActivationCode: "abc",
		}
		if err := s.CreateUser(ctx, want); err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
		want.Email = "jane@example.com"

		got, err := s.GetUserByEmail(ctx, "JANE@example.COM")
		if err != nil {
			t.Fatalf("GetUserByEmail: %v", err)
		}
		if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("user roundtrip mismatch (-want +got):\n%s", diff)
		}

		got, err = s.GetUser(ctx, "user-1")
		if err != nil {
			t.Fatalf("GetUser: %v", err)
		}
		if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("user by id mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("CreateUser_duplicateEmail", func(t *testing.T) {
		s := factory(t)
		if err := s.CreateUser(ctx, &User{UserID: "u1", Email: "a@example.com"}); err != nil {
			t.Fatal(err)
		}
		err := s.CreateUser(ctx, &User{UserID: "u2", Email: "A@EXAMPLE.COM"})
		if !errors.Is(err, ErrAlreadyExists) {
			t.Errorf("CreateUser: want ErrAlreadyExists, got %v", err)
		}
	})

	t.Run("GetUser_notFound", func(t *testing.T) {
		s := factory(t)
		if _, err := s.GetUserByEmail(ctx, "nobody@example.com"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetUserByEmail: want ErrNotFound, got %v", err)
		}
		if _, err := s.GetUser(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetUser: want ErrNotFound, got %v", err)
		}
	})

	t.Run("UpdateUser_roundtrip", func(t *testing.T) {
		s := factory(t)
		if err := s.CreateUser(ctx, &User{UserID: "u1", Email: "a@example.com", ActivationCode: "code"}); err != nil {
			t.Fatal(err)
		}
		at := time.Now().Truncate(time.Second)
		updated, err := s.UpdateUser(ctx, "A@example.com", func(u *User) error {
			u.Enabled = true
			u.ActivationCode = ""
			u.LastAuthenticated = at
			u.Nonce = "n1"
			return nil
		})
		if err != nil {
			t.Fatalf("UpdateUser: %v", err)
		}
		got, err := s.GetUserByEmail(ctx, "a@example.com")
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(updated, got, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("returned and stored user differ (-returned +stored):\n%s", diff)
		}
		if !got.Enabled || got.ActivationCode != "" || !got.LastAuthenticated.Equal(at) || got.Nonce != "n1" {
			t.Errorf("update not persisted: %+v", got)
		}
	})

	t.Run("UpdateUser_errorAborts", func(t *testing.T) {
		s := factory(t)
		if err := s.CreateUser(ctx, &User{UserID: "u1", Email: "a@example.com"}); err != nil {
			t.Fatal(err)
		}
		wantErr := errors.New("nope")
		_, err := s.UpdateUser(ctx, "a@example.com", func(u *User) error {
			u.Enabled = true
			return wantErr
		})
		if !errors.Is(err, wantErr) {
			t.Errorf("UpdateUser: want fn error, got %v", err)
		}
		got, err := s.GetUserByEmail(ctx, "a@example.com")
		if err != nil {
			t.Fatal(err)
		}
		if got.Enabled {
			t.Error("failed update was persisted")
		}
	})

	t.Run("UpdateUser_notFound", func(t *testing.T) {
		s := factory(t)
		_, err := s.UpdateUser(ctx, "nobody@example.com", func(*User) error { return nil })
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("UpdateUser: want ErrNotFound, got %v", err)
		}
	})

	t.Run("UpdateUser_concurrent", func(t *testing.T) {
		s := factory(t)
		if err := s.CreateUser(ctx, &User{UserID: "u1", Email: "a@example.com"}); err != nil {
			t.Fatal(err)
		}
		const n = 20
		var wg sync.WaitGroup
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.UpdateUser(ctx, "a@example.com", func(u *User) error {
					u.Claims = append(u.Claims, fmt.Sprintf("c%d", i))
					return nil
				})
				if err != nil {
					t.Errorf("UpdateUser: %v", err)
				}
			}()
		}
		wg.Wait()
		got, err := s.GetUserByEmail(ctx, "a@example.com")
		if err != nil {
			t.Fatal(err)
		}
		if len(got.Claims) != n {
			t.Errorf("want %d claims after concurrent updates, got %d", n, len(got.Claims))
		}
	})

	t.Run("AuthRequest_takeOnce", func(t *testing.T) {
		s := factory(t)
		want := &AuthRequest{
			ID:            "req-1",
			ClientID:      "client-1",
			RedirectURI:   "https://a/cb",
			Scope:         scope.New("openid"),
			ResponseType:  "code",
			State:         "st",
			CodeChallenge: "chal",
			Expires:       time.Now().Add(time.Minute).Truncate(time.Second),
		}
		if err := s.SaveAuthRequest(ctx, want); err != nil {
			t.Fatalf("SaveAuthRequest: %v", err)
		}
		got, err := s.GetAuthRequest(ctx, "req-1")
		if err != nil {
			t.Fatalf("GetAuthRequest: %v", err)
		}
		if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("request roundtrip mismatch (-want +got):\n%s", diff)
		}
		if _, err := s.TakeAuthRequest(ctx, "req-1"); err != nil {
			t.Fatalf("TakeAuthRequest: %v", err)
		}
		if _, err := s.TakeAuthRequest(ctx, "req-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("second TakeAuthRequest: want ErrNotFound, got %v", err)
		}
		if _, err := s.GetAuthRequest(ctx, "req-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetAuthRequest after take: want ErrNotFound, got %v", err)
		}
	})

	t.Run("AuthRequest_expired", func(t *testing.T) {
		s := factory(t)
		if err := s.SaveAuthRequest(ctx, &AuthRequest{ID: "req-1", Expires: time.Now().Add(-time.Second)}); err != nil {
			t.Fatal(err)
		}
		if _, err := s.GetAuthRequest(ctx, "req-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetAuthRequest: want ErrNotFound for expired request, got %v", err)
		}
	})

	t.Run("AuthCode_consumeOnce", func(t *testing.T) {
		s := factory(t)
		want := &AuthCode{
			Code:      "code-1",
			Request:   AuthRequest{ID: "req-1", ClientID: "client-1", RedirectURI: "https://a/cb"},
			Scope:     scope.New("read"),
			UserEmail: "a@example.com",
			Expires:   time.Now().Add(time.Minute).Truncate(time.Second),
		}
		if err := s.SaveAuthCode(ctx, want); err != nil {
			t.Fatalf("SaveAuthCode: %v", err)
		}
		got, err := s.GetAuthCode(ctx, "code-1")
		if err != nil {
			t.Fatalf("GetAuthCode: %v", err)
		}
		if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("code roundtrip mismatch (-want +got):\n%s", diff)
		}
		if _, err := s.ConsumeAuthCode(ctx, "code-1"); err != nil {
			t.Fatalf("ConsumeAuthCode: %v", err)
		}
		if _, err := s.ConsumeAuthCode(ctx, "code-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("second ConsumeAuthCode: want ErrNotFound, got %v", err)
		}
		if _, err := s.GetAuthCode(ctx, "code-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetAuthCode after consume: want ErrNotFound, got %v", err)
		}
	})

	t.Run("AuthCode_concurrentConsume", func(t *testing.T) {
		s := factory(t)
		if err := s.SaveAuthCode(ctx, &AuthCode{Code: "code-1", Expires: time.Now().Add(time.Minute)}); err != nil {
			t.Fatal(err)
		}
		const n = 20
		var (
			wg        sync.WaitGroup
			successes atomic.Int32
		)
		for range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.ConsumeAuthCode(ctx, "code-1")
				switch {
				case err == nil:
					successes.Add(1)
				case !errors.Is(err, ErrNotFound):
					t.Errorf("ConsumeAuthCode: unexpected error %v", err)
				}
			}()
		}
		wg.Wait()
		if got := successes.Load(); got != 1 {
			t.Errorf("want exactly 1 successful consume, got %d", got)
		}
	})

	t.Run("AuthCode_expired", func(t *testing.T) {
		s := factory(t)
		if err := s.SaveAuthCode(ctx, &AuthCode{Code: "code-1", Expires: time.Now().Add(-time.Second)}); err != nil {
			t.Fatal(err)
		}
		if _, err := s.ConsumeAuthCode(ctx, "code-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("ConsumeAuthCode: want ErrNotFound for expired code, got %v", err)
		}
	})

	t.Run("SaveToken_prunesExpired", func(t *testing.T) {
		s := factory(t)
		owner := UserOwner("u1")
		now := time.Now().Truncate(time.Second)
		expired := IssuedToken{Token: "old", Created: now.Add(-2 * time.Hour), Expires: now.Add(-time.Hour)}
		valid := IssuedToken{Token: "new", Created: now, Expires: now.Add(time.Hour)}
		if err := s.SaveToken(ctx, TokenKindAccess, owner, expired); err != nil {
			t.Fatal(err)
		}
		if err := s.SaveToken(ctx, TokenKindAccess, owner, valid); err != nil {
			t.Fatal(err)
		}
		got, err := s.ListTokens(ctx, TokenKindAccess, owner)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]IssuedToken{valid}, got); diff != "" {
			t.Errorf("tokens mismatch (-want +got):\n%s", diff)
		}
		if _, err := s.LookupAccessToken(ctx, "old"); !errors.Is(err, ErrNotFound) {
			t.Errorf("LookupAccessToken: want ErrNotFound for expired token, got %v", err)
		}
		gotOwner, err := s.LookupAccessToken(ctx, "new")
		if err != nil {
			t.Fatalf("LookupAccessToken: %v", err)
		}
		if gotOwner != owner {
			t.Errorf("want owner %s, got %s", owner, gotOwner)
		}
	})

	t.Run("SaveToken_kindsAndOwnersSeparate", func(t *testing.T) {
		s := factory(t)
		exp := time.Now().Add(time.Hour)
		if err := s.SaveToken(ctx, TokenKindID, UserOwner("u1"), IssuedToken{Token: "id", Expires: exp}); err != nil {
			t.Fatal(err)
		}
		if err := s.SaveToken(ctx, TokenKindAccess, ClientOwner("u1"), IssuedToken{Token: "at", Expires: exp}); err != nil {
			t.Fatal(err)
		}
		got, err := s.ListTokens(ctx, TokenKindAccess, UserOwner("u1"))
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 0 {
			t.Errorf("want no user access tokens, got %v", got)
		}
		if _, err := s.LookupAccessToken(ctx, "id"); !errors.Is(err, ErrNotFound) {
			t.Errorf("ID tokens should not be indexed as access tokens, got %v", err)
		}
	})

	t.Run("SaveToken_concurrentAppend", func(t *testing.T) {
		s := factory(t)
		owner := ClientOwner("client-1")
		const n = 50
		var wg sync.WaitGroup
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				tok := IssuedToken{Token: fmt.Sprintf("t%d", i), Created: time.Now(), Expires: time.Now().Add(time.Hour)}
				if err := s.SaveToken(ctx, TokenKindAccess, owner, tok); err != nil {
					t.Errorf("SaveToken: %v", err)
				}
			}()
		}
		wg.Wait()
		got, err := s.ListTokens(ctx, TokenKindAccess, owner)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != n {
			t.Errorf("want %d tokens after concurrent appends, got %d", n, len(got))
		}
	})

	t.Run("RefreshToken_roundtrip", func(t *testing.T) {
		s := factory(t)
		now := time.Now().Truncate(time.Second)
		want := &RefreshToken{
			Token:      "rt-1",
			ClientID:   "client-1",
			Scope:      scope.New("openid", "read"),
			GrantType:  "authorization_code",
			OwnerEmail: "a@example.com",
			Created:    now,
			Expires:    now.Add(time.Hour),
		}
		if err := s.SaveRefreshToken(ctx, want); err != nil {
			t.Fatalf("SaveRefreshToken: %v", err)
		}
		for range 2 {
			got, err := s.GetRefreshToken(ctx, "rt-1")
			if err != nil {
				t.Fatalf("GetRefreshToken: %v", err)
			}
			if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("refresh token mismatch (-want +got):\n%s", diff)
			}
		}
	})

	t.Run("RefreshToken_expired", func(t *testing.T) {
		s := factory(t)
		if err := s.SaveRefreshToken(ctx, &RefreshToken{Token: "rt-1", Expires: time.Now().Add(-time.Second)}); err != nil {
			t.Fatal(err)
		}
		if _, err := s.GetRefreshToken(ctx, "rt-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetRefreshToken: want ErrNotFound for expired token, got %v", err)
		}
	})

	t.Run("RuntimeOverrides_roundtrip", func(t *testing.T) {
		s := factory(t)
		if _, err := s.GetRuntimeOverrides(ctx, "default"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetRuntimeOverrides: want ErrNotFound, got %v", err)
		}
		iss := "https://override"
		off := false
		want := &config.RuntimeOverrides{Issuer: &iss, VerifyState: &off}
		if err := s.PutRuntimeOverrides(ctx, "default", want); err != nil {
			t.Fatalf("PutRuntimeOverrides: %v", err)
		}
		got, err := s.GetRuntimeOverrides(ctx, "default")
		if err != nil {
			t.Fatalf("GetRuntimeOverrides: %v", err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("overrides mismatch (-want +got):\n%s", diff)
		}
	})
}
