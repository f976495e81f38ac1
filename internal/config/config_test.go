package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestLoad(t *testing.T) {
	t.Run("Defaults are valid", func(t *testing.T) {
		v, err := NewViper("")
		if err != nil {
			t.Fatal(err)
		}
		cfg, err := Load(v)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if diff := cmp.Diff(Default(), cfg, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("default config mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("File and environment", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.yaml")
		yaml := strings.Join([]string{
			"issuer: https://auth.example.com",
			"audience: https://api.example.com",
			"expiryTime: 15m",
			"opaqueAccessToken: true",
			"corsWhitelist:",
			"  - https://app.example.com",
			"storage:",
			"  backend: redis",
			"  redis:",
			"    addr: redis:6379",
		}, "\n")
		if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
			t.Fatal(err)
		}
		t.Setenv("AUTHSERVER_AUDIENCE", "https://env.example.com")
		t.Setenv("AUTHSERVER_STORAGE_REDIS_KEYPREFIX", "test:")

		v, err := NewViper(path)
		if err != nil {
			t.Fatal(err)
		}
		cfg, err := Load(v)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if cfg.Issuer != "https://auth.example.com" {
			t.Errorf("issuer from file not applied, got %s", cfg.Issuer)
		}
		if cfg.Audience != "https://env.example.com" {
			t.Errorf("environment should override file, got audience %s", cfg.Audience)
		}
		if cfg.ExpiryTime != 15*time.Minute {
			t.Errorf("want expiry 15m, got %s", cfg.ExpiryTime)
		}
		if !cfg.OpaqueAccessToken {
			t.Error("opaqueAccessToken not applied")
		}
		if diff := cmp.Diff([]string{"https://app.example.com"}, cfg.CORSAllowList); diff != "" {
			t.Errorf("cors mismatch (-want +got):\n%s", diff)
		}
		if cfg.Storage.Backend != StorageRedis || cfg.Storage.Redis.Addr != "redis:6379" || cfg.Storage.Redis.KeyPrefix != "test:" {
			t.Errorf("unexpected storage config: %+v", cfg.Storage)
		}
		// untouched values keep their defaults
		if !cfg.VerifyClientID {
			t.Error("verifyClientId should default to true")
		}
	})

	t.Run("Invalid algorithm rejected", func(t *testing.T) {
		t.Setenv("AUTHSERVER_ALGORITHM", "HS256")
		v, err := NewViper("")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := Load(v); err == nil {
			t.Error("want error for unsupported algorithm")
		}
	})
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"Empty authorization code grant", func(c *Config) { c.AuthorizationCodeGrant = "" }, "authorizationCodeGrant must not be empty"},
		{"Empty client credentials grant", func(c *Config) { c.ClientCredentialsGrant = "" }, "clientCredentialsGrant must not be empty"},
		{"Empty refresh token grant", func(c *Config) { c.RefreshTokenGrant = "" }, "refreshTokenGrant must not be empty"},
		{"Empty token exchange grant", func(c *Config) { c.TokenExchangeGrant = "" }, "tokenExchangeGrant must not be empty"},
		{"Empty subject token type", func(c *Config) { c.TokenExchangeSubjectType = "" }, "tokenExchangeSubjectType must not be empty"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			tc.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("want error containing %q, got %v", tc.want, err)
			}
		})
	}

	t.Run("Empty grant name rejected on load", func(t *testing.T) {
		v, err := NewViper("")
		if err != nil {
			t.Fatal(err)
		}
		v.Set("tokenExchangeGrant", "")
		if _, err := Load(v); err == nil {
			t.Error("want error for empty tokenExchangeGrant")
		}
	})
}

func TestRuntimeOverrides(t *testing.T) {
	base := Default()
	iss := "https://override"
	exp := int64(120)
	off := false

	o := &RuntimeOverrides{Issuer: &iss, ExpirySeconds: &exp, VerifyState: &off}
	got := o.Apply(base)

	if got.Issuer != iss || got.ExpiryTime != 2*time.Minute || got.VerifyState {
		t.Errorf("overrides not applied: %+v", got)
	}
	if base.Issuer == iss || !base.VerifyState {
		t.Error("base config was modified")
	}

	var nilOverrides *RuntimeOverrides
	if diff := cmp.Diff(base, nilOverrides.Apply(base)); diff != "" {
		t.Errorf("nil overrides changed config (-want +got):\n%s", diff)
	}
}
