package store

import (
	"context"
	"testing"

	"lds.li/authserver/internal/config"
)

func TestMemStore(t *testing.T) {
	TestStore(t, func(t *testing.T) Store {
		return NewMemStore()
	})
}

func TestLoadConfig(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	cfg := config.Default()

	t.Run("No override id", func(t *testing.T) {
		got, err := LoadConfig(ctx, s, cfg)
		if err != nil {
			t.Fatal(err)
		}
		if got.Issuer != cfg.Issuer {
			t.Errorf("issuer changed to %s", got.Issuer)
		}
	})

	t.Run("Missing overrides are ignored", func(t *testing.T) {
		c := cfg
		c.OverrideID = "missing"
		if _, err := LoadConfig(ctx, s, c); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("Overrides applied", func(t *testing.T) {
		iss := "https://override"
		if err := s.PutRuntimeOverrides(ctx, "prod", &config.RuntimeOverrides{Issuer: &iss}); err != nil {
			t.Fatal(err)
		}
		c := cfg
		c.OverrideID = "prod"
		got, err := LoadConfig(ctx, s, c)
		if err != nil {
			t.Fatal(err)
		}
		if got.Issuer != iss {
			t.Errorf("want issuer %s, got %s", iss, got.Issuer)
		}
		if c.Issuer == iss {
			t.Error("input config was modified")
		}
	})
}
