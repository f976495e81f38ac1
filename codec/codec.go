// Package codec builds the claim sets for issued tokens, signs them with the
// server keyset and verifies tokens presented back to the server.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tink-crypto/tink-go/v2/jwt"
	"github.com/tink-crypto/tink-go/v2/keyset"
	"lds.li/authserver/scope"
)

// ErrVerificationFailed is returned for any token that fails verification.
// The cause is deliberately not exposed.
var ErrVerificationFailed = errors.New("token verification failed")

// typ header values. Access tokens use the RFC 9068 type.
const (
	TypeAccessToken = "at+jwt"
	TypeIDToken     = "JWT"
)

// Options configure the claims the codec produces and checks.
type Options struct {
	Issuer   string
	Audience string
	// Subject is used as sub for user access tokens minted without a user.
	Subject string
	// ExpiryTime is the validity of access and ID tokens.
	ExpiryTime time.Duration
	// TokenExchangeExpiryTime is the validity of exchanged tokens.
	TokenExchangeExpiryTime time.Duration
	// CreatedTimeAgo is subtracted from iat.
	CreatedTimeAgo time.Duration
	// AddNonce adds a random jti to user access tokens.
	AddNonce bool

	VerifyIssuer   bool
	VerifyAudience bool

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Principal is the user a token is issued for.
type Principal struct {
	ID     string
	Email  string
	Claims []string
	// AuthTime is when the user last authenticated.
	AuthTime time.Time
	Nonce    string
}

// Codec signs and verifies tokens with a single keyset.
type Codec struct {
	opts     Options
	handle   *keyset.Handle
	signer   jwt.Signer
	verifier jwt.Verifier
}

// New creates a codec for the private keyset h.
func New(h *keyset.Handle, opts Options) (*Codec, error) {
	if opts.Issuer == "" || opts.Audience == "" {
		return nil, errors.New("issuer and audience are required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	signer, err := jwt.NewSigner(h)
	if err != nil {
		return nil, fmt.Errorf("creating signer: %w", err)
	}
	pub, err := h.Public()
	if err != nil {
		return nil, fmt.Errorf("getting public keyset: %w", err)
	}
	verifier, err := jwt.NewVerifier(pub)
	if err != nil {
		return nil, fmt.Errorf("creating verifier: %w", err)
	}

	return &Codec{
		opts:     opts,
		handle:   h,
		signer:   signer,
		verifier: verifier,
	}, nil
}

// BuildUserAccessToken returns the claims for an access token issued to
// clientID on behalf of p. If p is nil the configured subject is used.
func (c *Codec) BuildUserAccessToken(sc scope.Set, clientID string, p *Principal) (*jwt.RawJWT, time.Time, error) {
	exp := c.opts.Now().Add(c.opts.ExpiryTime)
	opts := c.baseOpts(TypeAccessToken, clientID, exp)
	opts.Subject = &c.opts.Subject
	opts.CustomClaims["scope"] = sc.String()

	if p != nil {
		opts.Subject = &p.ID
		if p.Email != "" {
			opts.CustomClaims["email"] = p.Email
		}
		if len(p.Claims) > 0 {
			opts.CustomClaims["claims"] = anySlice(p.Claims)
		}
	}
	if c.opts.AddNonce {
		opts.JWTID = ptr(uuid.New().String())
	}

	rjwt, err := jwt.NewRawJWT(opts)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("creating raw jwt: %w", err)
	}
	return rjwt, exp, nil
}

// BuildClientAccessToken returns the claims for an access token where the
// client is acting on its own behalf.
func (c *Codec) BuildClientAccessToken(clientID string, sc scope.Set) (*jwt.RawJWT, time.Time, error) {
	exp := c.opts.Now().Add(c.opts.ExpiryTime)
	opts := c.baseOpts(TypeAccessToken, clientID, exp)
	opts.Subject = &clientID
	opts.CustomClaims["scope"] = sc.String()

	rjwt, err := jwt.NewRawJWT(opts)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("creating raw jwt: %w", err)
	}
	return rjwt, exp, nil
}

// BuildIDToken returns the OpenID Connect ID token claims for p.
func (c *Codec) BuildIDToken(clientID string, p Principal) (*jwt.RawJWT, time.Time, error) {
	exp := c.opts.Now().Add(c.opts.ExpiryTime)
	opts := c.baseOpts(TypeIDToken, clientID, exp)
	opts.Subject = &p.ID
	opts.CustomClaims["azp"] = clientID
	if !p.AuthTime.IsZero() {
		opts.CustomClaims["auth_time"] = p.AuthTime.Unix()
	}
	if p.Email != "" {
		opts.CustomClaims["email"] = p.Email
	}
	if p.Nonce != "" {
		opts.CustomClaims["nonce"] = p.Nonce
	}
	if len(p.Claims) > 0 {
		opts.CustomClaims["claims"] = anySlice(p.Claims)
	}

	rjwt, err := jwt.NewRawJWT(opts)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("creating raw jwt: %w", err)
	}
	return rjwt, exp, nil
}

// BuildExchangeToken returns the claims for a token issued to actorClientID,
// acting on behalf of subject.
func (c *Codec) BuildExchangeToken(subject, actorClientID string, sc scope.Set) (*jwt.RawJWT, time.Time, error) {
	exp := c.opts.Now().Add(c.opts.TokenExchangeExpiryTime)
	opts := c.baseOpts(TypeAccessToken, actorClientID, exp)
	opts.Subject = &subject
	opts.CustomClaims["scope"] = sc.String()
	opts.CustomClaims["act"] = map[string]any{"sub": actorClientID}

	rjwt, err := jwt.NewRawJWT(opts)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("creating raw jwt: %w", err)
	}
	return rjwt, exp, nil
}

func (c *Codec) baseOpts(typ, clientID string, exp time.Time) *jwt.RawJWTOptions {
	return &jwt.RawJWTOptions{
		TypeHeader:   &typ,
		Issuer:       &c.opts.Issuer,
		Audiences:    []string{c.opts.Audience, clientID},
		ExpiresAt:    ptr(exp),
		IssuedAt:     ptr(c.opts.Now().Add(-c.opts.CreatedTimeAgo)),
		CustomClaims: make(map[string]any),
	}
}

// Sign signs the claims with the primary key of the keyset, returning the
// compact serialization.
func (c *Codec) Sign(rjwt *jwt.RawJWT) (string, error) {
	s, err := c.signer.SignAndEncode(rjwt)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return s, nil
}

// Verify checks the signature and expiry of an access token issued by this
// server, and the issuer and audience when configured to. ID tokens and
// tokens without the access token typ are rejected. Any failure is reported
// as ErrVerificationFailed.
func (c *Codec) Verify(compact string) (*Claims, error) {
	return c.verify(compact, TypeAccessToken)
}

// VerifyIDToken is Verify for ID tokens.
func (c *Codec) VerifyIDToken(compact string) (*Claims, error) {
	return c.verify(compact, TypeIDToken)
}

func (c *Codec) verify(compact, typ string) (*Claims, error) {
	vopts := &jwt.ValidatorOpts{
		ExpectedTypeHeader: &typ,
		IgnoreIssuer:       !c.opts.VerifyIssuer,
		IgnoreAudiences:    !c.opts.VerifyAudience,
		FixedNow:           c.opts.Now(),
	}
	if c.opts.VerifyIssuer {
		vopts.ExpectedIssuer = &c.opts.Issuer
	}
	if c.opts.VerifyAudience {
		vopts.ExpectedAudience = &c.opts.Audience
	}
	validator, err := jwt.NewValidator(vopts)
	if err != nil {
		return nil, fmt.Errorf("creating validator: %w", err)
	}

	vjwt, err := c.verifier.VerifyAndDecode(compact, validator)
	if err != nil {
		return nil, ErrVerificationFailed
	}
	payload, err := vjwt.JSONPayload()
	if err != nil {
		return nil, ErrVerificationFailed
	}
	var cl Claims
	if err := json.Unmarshal(payload, &cl); err != nil {
		return nil, ErrVerificationFailed
	}
	return &cl, nil
}

// JWKS returns the public keys of the keyset as a JSON Web Key Set.
func (c *Codec) JWKS() ([]byte, error) {
	pub, err := c.handle.Public()
	if err != nil {
		return nil, fmt.Errorf("getting public keyset: %w", err)
	}
	b, err := jwt.JWKSetFromPublicKeysetHandle(pub)
	if err != nil {
		return nil, fmt.Errorf("creating jwks: %w", err)
	}
	return b, nil
}

// Issuer returns the configured issuer.
func (c *Codec) Issuer() string {
	return c.opts.Issuer
}

func anySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func ptr[T any](v T) *T {
	return &v
}
