// Package store defines the credential store used by the grant engine, and
// an in-memory implementation of it.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"lds.li/authserver/internal/config"
	"lds.li/authserver/scope"
)

var (
	// ErrNotFound is returned when an item does not exist, or has expired.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when creating an item whose key is taken.
	ErrAlreadyExists = errors.New("already exists")
)

// Client is a registered OAuth2 client.
type Client struct {
	ClientID string `json:"clientId"`
	// SecretHash is the bcrypt hash of the client secret. Empty for public
	// clients.
	SecretHash   string    `json:"clientSecretHash,omitzero"`
	RedirectURIs []string  `json:"redirectUris,omitzero"`
	Scope        scope.Set `json:"scope,omitzero"`
	Public       bool      `json:"public,omitzero"`
	Enabled      bool      `json:"enabled,omitzero"`
}

// User is an end user that can authenticate during the OpenID Connect flow.
type User struct {
	UserID string `json:"userId"`
	// Email is unique, and always stored lowercased.
	Email        string   `json:"email"`
	PasswordHash string   `json:"passwordHash,omitzero"`
	Name         string   `json:"name,omitzero"`
	Claims       []string `json:"claims,omitzero"`
	// Enabled must be true for the user to authenticate.
	Enabled        bool   `json:"enabled,omitzero"`
	ActivationCode string `json:"activationCode,omitzero"`
	// LastAuthenticated, Code and Nonce are stamped at consent time, and used
	// when building the ID token.
	LastAuthenticated time.Time `json:"lastAuthenticated,omitzero"`
	Code              string    `json:"code,omitzero"`
	Nonce             string    `json:"nonce,omitzero"`
}

// AuthRequest is a pending authorization request, awaiting consent.
type AuthRequest struct {
	ID                  string    `json:"id"`
	ClientID            string    `json:"clientId"`
	RedirectURI         string    `json:"redirectUri"`
	Scope               scope.Set `json:"scope,omitzero"`
	ResponseType        string    `json:"responseType,omitzero"`
	State               string    `json:"state,omitzero"`
	Nonce               string    `json:"nonce,omitzero"`
	CodeChallenge       string    `json:"codeChallenge,omitzero"`
	CodeChallengeMethod string    `json:"codeChallengeMethod,omitzero"`
	Expires             time.Time `json:"expires"`
}

// AuthCode is an issued authorization code. Codes are single use.
type AuthCode struct {
	Code    string      `json:"code"`
	Request AuthRequest `json:"request"`
	// Scope is the scope granted at consent.
	Scope scope.Set `json:"scope,omitzero"`
	// UserEmail is the authenticated user, empty for the plain consent flow.
	UserEmail string    `json:"userEmail,omitzero"`
	Expires   time.Time `json:"expires"`
}

// IssuedToken is an access or ID token recorded against its owner.
type IssuedToken struct {
	Token   string    `json:"token"`
	Created time.Time `json:"created"`
	Expires time.Time `json:"expires"`
}

// RefreshToken is an opaque refresh token and the grant it was issued for.
type RefreshToken struct {
	Token     string    `json:"token"`
	ClientID  string    `json:"clientId"`
	Scope     scope.Set `json:"scope,omitzero"`
	GrantType string    `json:"grantType"`
	// OwnerEmail is the user the token belongs to. Empty when the client is
	// the owner.
	OwnerEmail string    `json:"ownerEmail,omitzero"`
	Created    time.Time `json:"created"`
	Expires    time.Time `json:"expires"`
}

type TokenKind string

const (
	TokenKindAccess TokenKind = "access"
	TokenKindID     TokenKind = "id"
)

type OwnerKind string

const (
	OwnerUser   OwnerKind = "user"
	OwnerClient OwnerKind = "client"
)

// Owner identifies who an issued token list belongs to.
type Owner struct {
	Kind OwnerKind `json:"kind"`
	// ID is the user ID or client ID.
	ID string `json:"id"`
}

func UserOwner(userID string) Owner     { return Owner{Kind: OwnerUser, ID: userID} }
func ClientOwner(clientID string) Owner { return Owner{Kind: OwnerClient, ID: clientID} }

func (o Owner) String() string {
	return string(o.Kind) + ":" + o.ID
}

// Store is the credential store. Implementations must be safe for concurrent
// use.
type Store interface {
	// CreateClient stores a new client. Returns ErrAlreadyExists if the ID is
	// taken.
	CreateClient(ctx context.Context, c *Client) error
	// GetClient returns ErrNotFound if the client does not exist.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// CreateUser stores a new user. Returns ErrAlreadyExists if the email is
	// taken, compared case-insensitively.
	CreateUser(ctx context.Context, u *User) error
	// GetUserByEmail returns ErrNotFound if no user has the email.
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	// GetUser returns the user by ID, or ErrNotFound.
	GetUser(ctx context.Context, userID string) (*User, error)
	// UpdateUser atomically applies fn to the user with email, and returns the
	// updated user. If fn returns an error nothing is written, and the error is
	// returned. fn may be called more than once.
	UpdateUser(ctx context.Context, email string, fn func(*User) error) (*User, error)

	// SaveAuthRequest stores a pending authorization request until its expiry.
	SaveAuthRequest(ctx context.Context, r *AuthRequest) error
	// GetAuthRequest returns ErrNotFound if the request does not exist or
	// expired.
	GetAuthRequest(ctx context.Context, id string) (*AuthRequest, error)
	// TakeAuthRequest atomically returns and deletes the request. Only one
	// caller can take a given request.
	TakeAuthRequest(ctx context.Context, id string) (*AuthRequest, error)

	// SaveAuthCode stores an issued code until its expiry.
	SaveAuthCode(ctx context.Context, c *AuthCode) error
	// GetAuthCode returns the code without consuming it, or ErrNotFound.
	GetAuthCode(ctx context.Context, code string) (*AuthCode, error)
	// ConsumeAuthCode atomically returns and deletes the code. Concurrent
	// callers for the same code see at most one success, the rest get
	// ErrNotFound.
	ConsumeAuthCode(ctx context.Context, code string) (*AuthCode, error)

	// SaveToken appends tok to the owner's list of kind, pruning expired
	// entries. Concurrent appends must not be lost.
	SaveToken(ctx context.Context, kind TokenKind, owner Owner, tok IssuedToken) error
	// ListTokens returns the unexpired tokens of kind for the owner.
	ListTokens(ctx context.Context, kind TokenKind, owner Owner) ([]IssuedToken, error)
	// LookupAccessToken returns the owner of an unexpired access token, or
	// ErrNotFound.
	LookupAccessToken(ctx context.Context, token string) (Owner, error)

	// SaveRefreshToken stores a refresh token until its expiry.
	SaveRefreshToken(ctx context.Context, rt *RefreshToken) error
	// GetRefreshToken returns ErrNotFound if the token does not exist or
	// expired. Refresh tokens can be read any number of times.
	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// GetRuntimeOverrides returns ErrNotFound if no overrides are stored
	// under id.
	GetRuntimeOverrides(ctx context.Context, id string) (*config.RuntimeOverrides, error)
	PutRuntimeOverrides(ctx context.Context, id string, o *config.RuntimeOverrides) error
}

// NormalizeEmail returns the canonical form of an email used as a key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// LoadConfig returns cfg with the runtime overrides stored under
// cfg.OverrideID applied. Missing overrides are not an error.
func LoadConfig(ctx context.Context, s Store, cfg config.Config) (config.Config, error) {
	if cfg.OverrideID == "" {
		return cfg, nil
	}
	o, err := s.GetRuntimeOverrides(ctx, cfg.OverrideID)
	if errors.Is(err, ErrNotFound) {
		return cfg, nil
	}
	if err != nil {
		return config.Config{}, fmt.Errorf("getting runtime overrides %s: %w", cfg.OverrideID, err)
	}
	return o.Apply(cfg), nil
}
