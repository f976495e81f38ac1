// Package keys manages the server's signing keyset. Keysets are stored as
// cleartext tink JSON, so the file must be protected by filesystem
// permissions.
package keys

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/tink-crypto/tink-go/v2/insecurecleartextkeyset"
	"github.com/tink-crypto/tink-go/v2/jwt"
	"github.com/tink-crypto/tink-go/v2/keyset"
	"github.com/tink-crypto/tink-go/v2/proto/tink_go_proto"
)

// Generate creates a new keyset with a single primary key for alg, which must
// be RS256 or ES256.
func Generate(alg string) (*keyset.Handle, error) {
	var tmpl *tink_go_proto.KeyTemplate
	switch alg {
	case "RS256":
		tmpl = jwt.RS256_2048_F4_Key_Template()
	case "ES256":
		tmpl = jwt.ES256Template()
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", alg)
	}
	h, err := keyset.NewHandle(tmpl)
	if err != nil {
		return nil, fmt.Errorf("creating %s keyset: %w", alg, err)
	}
	return h, nil
}

// Load reads a cleartext JSON keyset from path.
func Load(path string) (*keyset.Handle, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading keyset %s: %w", path, err)
	}
	h, err := insecurecleartextkeyset.Read(keyset.NewJSONReader(bytes.NewReader(b)))
	if err != nil {
		return nil, fmt.Errorf("parsing keyset %s: %w", path, err)
	}
	return h, nil
}

// Save writes h to path as cleartext JSON, with owner-only permissions.
func Save(h *keyset.Handle, path string) error {
	var buf bytes.Buffer
	if err := insecurecleartextkeyset.Write(h, keyset.NewJSONWriter(&buf)); err != nil {
		return fmt.Errorf("encoding keyset: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("writing keyset %s: %w", path, err)
	}
	return nil
}

// LoadOrGenerate loads the keyset at path. If path is empty an ephemeral
// keyset is generated, tokens signed with it will not survive a restart. If
// the file does not exist it is generated and saved.
func LoadOrGenerate(logger *slog.Logger, path, alg string) (*keyset.Handle, error) {
	if path == "" {
		logger.Warn("no keyset file configured, using an ephemeral signing key")
		return Generate(alg)
	}

	h, err := Load(path)
	if err == nil {
		return h, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	logger.Info("keyset file not found, generating", "path", path, "alg", alg)
	h, err = Generate(alg)
	if err != nil {
		return nil, err
	}
	if err := Save(h, path); err != nil {
		return nil, err
	}
	return h, nil
}
