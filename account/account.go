// Package account manages the registration of clients and users, and the
// verification of their credentials.
package account

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"lds.li/authserver/internal/randstr"
	"lds.li/authserver/scope"
	"lds.li/authserver/store"
)

var (
	// ErrInvalidCredentials is returned for an unknown user, a wrong
	// password, or a disabled user. The cases are not distinguished.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidActivationCode is returned when activation fails.
	ErrInvalidActivationCode = errors.New("invalid activation code")
	// ErrInvalidClient is returned when a client can not be authenticated.
	ErrInvalidClient = errors.New("invalid client")
	// ErrInvalidClientSecret is returned when the client exists, but the
	// secret does not match.
	ErrInvalidClientSecret = errors.New("invalid client secret")
)

const activationCodeLength = 16

// dummyHash is compared against when the subject does not exist, so a
// missing subject takes as long to reject as a wrong secret.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("not-a-real-secret"), bcrypt.DefaultCost)

// Service registers and authenticates clients and users.
type Service struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

func NewService(s store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{store: s, logger: logger, now: time.Now}
}

// ClientRegistration is the input for registering a client.
type ClientRegistration struct {
	ClientID     string
	ClientSecret string
	RedirectURIs []string
	Scope        scope.Set
	Public       bool
}

// ValidationError describes invalid input. It is safe to show to the caller.
type ValidationError struct {
	Message string
}

func (v *ValidationError) Error() string {
	return v.Message
}

// RegisterClient validates and stores a new client. The secret is stored
// bcrypt hashed. Returns store.ErrAlreadyExists for a duplicate ID.
func (s *Service) RegisterClient(ctx context.Context, reg ClientRegistration) (*store.Client, error) {
	if reg.ClientID == "" {
		return nil, &ValidationError{Message: "clientId is required"}
	}
	if !reg.Public && reg.ClientSecret == "" {
		return nil, &ValidationError{Message: "clientSecret is required for confidential clients"}
	}
	if len(reg.RedirectURIs) == 0 {
		return nil, &ValidationError{Message: "at least one redirect URI is required"}
	}
	for _, u := range reg.RedirectURIs {
		pu, err := url.Parse(u)
		if err != nil || !pu.IsAbs() || pu.Fragment != "" {
			return nil, &ValidationError{Message: fmt.Sprintf("invalid redirect URI %q", u)}
		}
	}

	c := &store.Client{
		ClientID:     reg.ClientID,
		RedirectURIs: reg.RedirectURIs,
		Scope:        reg.Scope,
		Public:       reg.Public,
		Enabled:      true,
	}
	if reg.ClientSecret != "" {
		h, err := HashSecret(reg.ClientSecret)
		if err != nil {
			return nil, err
		}
		c.SecretHash = h
	}
	if err := s.store.CreateClient(ctx, c); err != nil {
		return nil, fmt.Errorf("creating client %s: %w", reg.ClientID, err)
	}
	s.logger.InfoContext(ctx, "registered client", "client-id", c.ClientID, "public", c.Public)
	return c, nil
}

// AuthenticateClient checks the client exists, is enabled, and that the
// secret matches. Public clients are not checked for a secret when
// allowPublic is set, otherwise they always fail.
func (s *Service) AuthenticateClient(ctx context.Context, clientID, secret string, allowPublic bool) (*store.Client, error) {
	c, err := s.store.GetClient(ctx, clientID)
	if errors.Is(err, store.ErrNotFound) {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(secret))
		return nil, ErrInvalidClient
	}
	if err != nil {
		return nil, fmt.Errorf("getting client %s: %w", clientID, err)
	}
	if !c.Enabled {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(secret))
		return nil, ErrInvalidClient
	}
	if c.Public {
		if allowPublic {
			return c, nil
		}
		return nil, ErrInvalidClient
	}
	if !CompareSecret(c.SecretHash, secret) {
		return nil, ErrInvalidClientSecret
	}
	return c, nil
}

// NewUser is the input for creating a user.
type NewUser struct {
	Name     string
	Email    string
	Password string
	Claims   []string
	// Enabled creates the user already active, with no activation code.
	Enabled bool
}

// CreateUser stores a new user with a hashed password. Unless the user is
// created enabled, it must be activated with the returned user's
// ActivationCode before it can authenticate.
func (s *Service) CreateUser(ctx context.Context, nu NewUser) (*store.User, error) {
	email := store.NormalizeEmail(nu.Email)
	if email == "" {
		return nil, &ValidationError{Message: "email is required"}
	}
	if nu.Password == "" {
		return nil, &ValidationError{Message: "password is required"}
	}
	h, err := HashSecret(nu.Password)
	if err != nil {
		return nil, err
	}
	u := &store.User{
		UserID:       uuid.New().String(),
		Email:        email,
		PasswordHash: h,
		Name:         nu.Name,
		Claims:       nu.Claims,
		Enabled:      nu.Enabled,
	}
	if !nu.Enabled {
		u.ActivationCode = randstr.New(activationCodeLength)
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, fmt.Errorf("creating user: %w", err)
	}
	s.logger.InfoContext(ctx, "created user", "user-id", u.UserID, "enabled", u.Enabled)
	return u, nil
}

// Authenticate checks the password of an enabled user.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*store.User, error) {
	u, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("getting user: %w", err)
	}
	if !CompareSecret(u.PasswordHash, password) || !u.Enabled {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

// Activate enables the user if code matches their activation code, and
// clears the code.
func (s *Service) Activate(ctx context.Context, email, code string) (*store.User, error) {
	u, err := s.store.UpdateUser(ctx, email, func(u *store.User) error {
		if u.ActivationCode == "" || code == "" ||
			subtle.ConstantTimeCompare([]byte(u.ActivationCode), []byte(code)) != 1 {
			return ErrInvalidActivationCode
		}
		u.Enabled = true
		u.ActivationCode = ""
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidActivationCode
	}
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "activated user", "user-id", u.UserID)
	return u, nil
}

// HashSecret returns the bcrypt hash of a secret or password.
func HashSecret(secret string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing secret: %w", err)
	}
	return string(h), nil
}

// CompareSecret reports if secret matches the bcrypt hash. An empty hash
// never matches.
func CompareSecret(hash, secret string) bool {
	if hash == "" {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(secret))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
