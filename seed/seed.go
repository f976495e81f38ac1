// Package seed loads clients and users from a file into the store at
// startup.
package seed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"lds.li/authserver/account"
	"lds.li/authserver/scope"
	"lds.li/authserver/store"
	"sigs.k8s.io/yaml"
)

// Seed is the file format. It can be YAML or JSON.
type Seed struct {
	Clients []Client `json:"clients"`
	Users   []User   `json:"users"`
}

type Client struct {
	ClientID     string    `json:"clientId"`
	ClientSecret string    `json:"clientSecret"`
	RedirectURIs []string  `json:"redirectUris"`
	Scope        scope.Set `json:"scope"`
	Public       bool      `json:"public"`
}

// User is created enabled, without needing activation.
type User struct {
	Name     string   `json:"name"`
	Email    string   `json:"email"`
	Password string   `json:"password"`
	Claims   []string `json:"claims"`
}

// LoadFile reads and parses the seed file at path.
func LoadFile(path string) (*Seed, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed file: %w", err)
	}
	s, err := ExpandUnmarshal(b)
	if err != nil {
		return nil, fmt.Errorf("parsing seed file %s: %w", path, err)
	}
	return s, nil
}

// ExpandUnmarshal expands variables in b from the environment using
// os.Expand, then decodes it. Defaults are supported, e.g
//
//	clientSecret: ${WEB_SECRET:-changeme}
//
// is the value of WEB_SECRET if set, otherwise changeme. Unknown fields are an
// error.
func ExpandUnmarshal(b []byte) (*Seed, error) {
	expanded := os.Expand(string(b), getenvWithDefault)

	jb, err := yaml.YAMLToJSON([]byte(expanded))
	if err != nil {
		return nil, fmt.Errorf("converting yaml: %w", err)
	}

	jd := json.NewDecoder(bytes.NewReader(jb))
	jd.DisallowUnknownFields()

	var s Seed
	if err := jd.Decode(&s); err != nil {
		return nil, fmt.Errorf("unmarshaling: %w", err)
	}
	return &s, nil
}

// Apply registers the seeded clients and users. Ones that already exist are
// left as they are, so seeding a persistent store on every start is safe.
func (s *Seed) Apply(ctx context.Context, accounts *account.Service, logger *slog.Logger) error {
	for _, c := range s.Clients {
		_, err := accounts.RegisterClient(ctx, account.ClientRegistration{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			RedirectURIs: c.RedirectURIs,
			Scope:        c.Scope,
			Public:       c.Public,
		})
		if errors.Is(err, store.ErrAlreadyExists) {
			logger.InfoContext(ctx, "seed client already exists", "client-id", c.ClientID)
			continue
		}
		if err != nil {
			return fmt.Errorf("seeding client %s: %w", c.ClientID, err)
		}
	}

	for _, u := range s.Users {
		_, err := accounts.CreateUser(ctx, account.NewUser{
			Name:     u.Name,
			Email:    u.Email,
			Password: u.Password,
			Claims:   u.Claims,
			Enabled:  true,
		})
		if errors.Is(err, store.ErrAlreadyExists) {
			logger.InfoContext(ctx, "seed user already exists", "email", store.NormalizeEmail(u.Email))
			continue
		}
		if err != nil {
			return fmt.Errorf("seeding user %s: %w", u.Email, err)
		}
	}

	logger.InfoContext(ctx, "applied seed", "clients", len(s.Clients), "users", len(s.Users))
	return nil
}

// getenvWithDefault maps FOO:-default to $FOO or default if $FOO is unset or
// empty.
func getenvWithDefault(key string) string {
	name, def, hasDefault := strings.Cut(key, ":-")
	val := os.Getenv(name)
	if val == "" && hasDefault {
		val = def
	}
	return val
}
