// Package discovery serves the authorization server metadata documents, and
// the public keys tokens are signed with.
package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"lds.li/authserver/internal/config"
	"lds.li/authserver/pkce"
)

const DefaultCacheFor = 1 * time.Minute

const (
	OpenIDConfigurationPath = "/.well-known/openid-configuration"
	AuthServerMetadataPath  = "/.well-known/oauth-authorization-server"
)

var _ http.Handler = (*Handler)(nil)

// ProviderMetadata is served as both the OpenID provider metadata and the
// OAuth 2.0 authorization server metadata (RFC 8414).
type ProviderMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint,omitempty"`
	JWKSURI                           string   `json:"jwks_uri"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	ClaimsSupported                   []string `json:"claims_supported,omitempty"`
}

// MetadataFromConfig derives the metadata for a server running with cfg.
func MetadataFromConfig(cfg config.Config, registrationPath string) *ProviderMetadata {
	base := strings.TrimSuffix(cfg.Issuer, "/")
	md := &ProviderMetadata{
		Issuer:                           cfg.Issuer,
		AuthorizationEndpoint:            base + cfg.AuthorizationEndpoint,
		TokenEndpoint:                    base + cfg.AccessTokenEndpoint,
		UserinfoEndpoint:                 base + cfg.UserinfoEndpoint,
		JWKSURI:                          base + cfg.JWKSEndpoint,
		ScopesSupported:                  []string{"openid"},
		ResponseTypesSupported:           []string{"code"},
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: []string{cfg.SigningAlgorithm},
		GrantTypesSupported: []string{
			cfg.AuthorizationCodeGrant,
			cfg.ClientCredentialsGrant,
			cfg.RefreshTokenGrant,
			cfg.TokenExchangeGrant,
		},
		CodeChallengeMethodsSupported:     []string{pkce.MethodS256},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post", "none"},
		ClaimsSupported:                   []string{"iss", "sub", "aud", "exp", "iat", "auth_time", "nonce", "azp", "email", "claims"},
	}
	if registrationPath != "" {
		md.RegistrationEndpoint = base + registrationPath
	}
	return md
}

// JWKSSource returns the current public keys as a JWK set.
type JWKSSource interface {
	JWKS() ([]byte, error)
}

// Handler serves the metadata at both well-known paths, and the keys at the
// path of the metadata's JWKS URI.
type Handler struct {
	md      *ProviderMetadata
	src     JWKSSource
	keyUse  string
	logger  *slog.Logger
	mux     *http.ServeMux
	keyPath string

	cacheFor time.Duration

	currJWKS       []byte
	currJWKSMu     sync.Mutex
	lastKeysUpdate time.Time
}

// NewHandler validates the metadata and loads the initial keys. keyUse is set
// as the use of keys that have none.
func NewHandler(md *ProviderMetadata, src JWKSSource, keyUse string, logger *slog.Logger) (*Handler, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := validateMetadata(md); err != nil {
		return nil, err
	}
	u, err := url.Parse(md.JWKSURI)
	if err != nil {
		return nil, fmt.Errorf("parsing JWKSURI %s: %w", md.JWKSURI, err)
	}

	h := &Handler{
		md:       md,
		src:      src,
		keyUse:   keyUse,
		logger:   logger,
		mux:      http.NewServeMux(),
		keyPath:  u.Path,
		cacheFor: DefaultCacheFor,
	}
	if _, err := h.getJWKS(); err != nil {
		return nil, fmt.Errorf("initial jwks get: %w", err)
	}

	h.mux.HandleFunc("GET "+OpenIDConfigurationPath, h.serveConfig)
	h.mux.HandleFunc("GET "+AuthServerMetadataPath, h.serveConfig)
	h.mux.HandleFunc("GET "+h.keyPath, h.serveKeys)
	return h, nil
}

// Paths returns the paths the handler serves.
func (h *Handler) Paths() []string {
	return []string{OpenIDConfigurationPath, AuthServerMetadataPath, h.keyPath}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) serveConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.md); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to write metadata", "err", err)
	}
}

func (h *Handler) serveKeys(w http.ResponseWriter, r *http.Request) {
	jwks, err := h.getJWKS()
	if err != nil {
		h.logger.ErrorContext(r.Context(), "getting jwks", "err", err)
		http.Error(w, "Internal Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/jwk-set+json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(h.cacheFor.Seconds())))
	if _, err := w.Write(jwks); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to write jwks", "err", err)
	}
}

// getJWKS returns the cached keys, reloading them from the source once they
// are older than cacheFor.
func (h *Handler) getJWKS() ([]byte, error) {
	h.currJWKSMu.Lock()
	defer h.currJWKSMu.Unlock()

	if h.currJWKS == nil || time.Now().After(h.lastKeysUpdate.Add(h.cacheFor)) {
		raw, err := h.src.JWKS()
		if err != nil {
			return nil, fmt.Errorf("getting jwks: %w", err)
		}
		jwks, err := decorate(raw, h.keyUse, h.md.IDTokenSigningAlgValuesSupported)
		if err != nil {
			return nil, err
		}
		h.currJWKS = jwks
		h.lastKeysUpdate = time.Now()
	}
	return h.currJWKS, nil
}

// decorate re-encodes the key set, checking each key and filling use and,
// if there is a single one, alg.
func decorate(raw []byte, use string, algs []string) ([]byte, error) {
	var jwks jose.JSONWebKeySet
	if err := json.Unmarshal(raw, &jwks); err != nil {
		return nil, fmt.Errorf("parsing jwks: %w", err)
	}
	if len(jwks.Keys) == 0 {
		return nil, errors.New("jwks has no keys")
	}
	for i, k := range jwks.Keys {
		if !k.Valid() {
			return nil, fmt.Errorf("invalid key %s in keyset", k.KeyID)
		}
		if !k.IsPublic() {
			return nil, fmt.Errorf("key %s is not a public key", k.KeyID)
		}
		if k.Use == "" {
			jwks.Keys[i].Use = use
		}
		if k.Algorithm == "" && len(algs) == 1 {
			jwks.Keys[i].Algorithm = algs[0]
		}
	}
	b, err := json.Marshal(jwks)
	if err != nil {
		return nil, fmt.Errorf("encoding jwks: %w", err)
	}
	return b, nil
}

func validateMetadata(p *ProviderMetadata) error {
	var errs []error

	aestr := func(val, e string) {
		if val == "" {
			errs = append(errs, errors.New(e))
		}
	}
	aessl := func(val []string, e string) {
		if len(val) == 0 {
			errs = append(errs, errors.New(e))
		}
	}

	aestr(p.Issuer, "Issuer is required")
	aestr(p.AuthorizationEndpoint, "AuthorizationEndpoint is required")
	aestr(p.TokenEndpoint, "TokenEndpoint is required")
	aestr(p.JWKSURI, "JWKSURI is required")
	aessl(p.ResponseTypesSupported, "ResponseTypes supported is required")
	aessl(p.SubjectTypesSupported, "Subject Identifier Types are required")
	aessl(p.IDTokenSigningAlgValuesSupported, "IDTokenSigningAlgValuesSupported are required")

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid provider metadata: %w", err)
	}
	return nil
}
