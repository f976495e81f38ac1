package keys

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/tink-crypto/tink-go/v2/jwt"
)

func TestLoadOrGenerate(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("Generated keyset is persisted and reloaded", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "keyset.json")

		h, err := LoadOrGenerate(logger, path, "RS256")
		if err != nil {
			t.Fatal(err)
		}
		reloaded, err := LoadOrGenerate(logger, path, "RS256")
		if err != nil {
			t.Fatal(err)
		}
		if h.KeysetInfo().GetPrimaryKeyId() != reloaded.KeysetInfo().GetPrimaryKeyId() {
			t.Error("reloaded keyset has a different primary key")
		}

		signer, err := jwt.NewSigner(h)
		if err != nil {
			t.Fatal(err)
		}
		raw, err := jwt.NewRawJWT(&jwt.RawJWTOptions{WithoutExpiration: true, Subject: ptr("sub")})
		if err != nil {
			t.Fatal(err)
		}
		compact, err := signer.SignAndEncode(raw)
		if err != nil {
			t.Fatal(err)
		}

		pub, err := reloaded.Public()
		if err != nil {
			t.Fatal(err)
		}
		verifier, err := jwt.NewVerifier(pub)
		if err != nil {
			t.Fatal(err)
		}
		validator, err := jwt.NewValidator(&jwt.ValidatorOpts{AllowMissingExpiration: true})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := verifier.VerifyAndDecode(compact, validator); err != nil {
			t.Errorf("token signed before reload did not verify: %v", err)
		}
	})

	t.Run("Empty path generates ephemeral keyset", func(t *testing.T) {
		if _, err := LoadOrGenerate(logger, "", "ES256"); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("Unsupported algorithm", func(t *testing.T) {
		if _, err := Generate("HS256"); err == nil {
			t.Error("want error for HS256")
		}
	})
}

func ptr[T any](v T) *T { return &v }
