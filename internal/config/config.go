// Package config holds the server configuration. A Config is loaded once at
// startup and treated as a value afterwards; runtime overrides are applied to
// a copy.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// EnvPrefix is prepended to environment variable names, e.g
	// AUTHSERVER_ISSUER or AUTHSERVER_STORAGE_REDIS_ADDR.
	EnvPrefix = "AUTHSERVER"

	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeTokenExchange     = "urn:ietf:params:oauth:grant-type:token-exchange"

	TokenTypeAccessToken = "urn:ietf:params:oauth:token-type:access_token"

	StorageMemory = "memory"
	StorageRedis  = "redis"
)

// Config is the complete server configuration.
type Config struct {
	// Issuer is the iss claim of every token, and the base of discovery URLs.
	Issuer string `mapstructure:"issuer"`
	// Audience is always the first aud entry of issued tokens.
	Audience string `mapstructure:"audience"`
	// Subject is used as sub for user access tokens when no user is bound to
	// the grant.
	Subject string `mapstructure:"subject"`
	// SigningAlgorithm is RS256 or ES256.
	SigningAlgorithm string `mapstructure:"algorithm"`
	JWKUse           string `mapstructure:"jwkUse"`

	BearerTokenType          string `mapstructure:"bearerTokenType"`
	AuthorizationCodeGrant   string `mapstructure:"authorizationCodeGrant"`
	ClientCredentialsGrant   string `mapstructure:"clientCredentialsGrant"`
	RefreshTokenGrant        string `mapstructure:"refreshTokenGrant"`
	TokenExchangeGrant       string `mapstructure:"tokenExchangeGrant"`
	TokenExchangeSubjectType string `mapstructure:"tokenExchangeSubjectType"`

	VerifyClientID               bool `mapstructure:"verifyClientId"`
	VerifyRedirectURL            bool `mapstructure:"verifyRedirectUrl"`
	ValidateScope                bool `mapstructure:"validateScope"`
	VerifyCode                   bool `mapstructure:"verifyCode"`
	ClearAuthorizationCode       bool `mapstructure:"clearAuthorizationCode"`
	ClearRequestID               bool `mapstructure:"clearRequestId"`
	VerifyState                  bool `mapstructure:"verifyState"`
	UsePKCE                      bool `mapstructure:"usePkce"`
	SaveAccessToken              bool `mapstructure:"saveAccessToken"`
	OpaqueAccessToken            bool `mapstructure:"opaqueAccessToken"`
	VerifyClientIDOnRefreshToken bool `mapstructure:"verifyClientIdOnRefreshToken"`
	AddNonceToAccessToken        bool `mapstructure:"addNonceToAccessToken"`
	VerifyIssuer                 bool `mapstructure:"verifyIssuer"`
	VerifyAudience               bool `mapstructure:"verifyAudience"`

	AuthorizationCodeLength int `mapstructure:"authorizationCodeLength"`
	RefreshTokenLength      int `mapstructure:"refreshTokenLength"`

	// ExpiryTime is the validity of access and ID tokens.
	ExpiryTime              time.Duration `mapstructure:"expiryTime"`
	TokenExchangeExpiryTime time.Duration `mapstructure:"tokenExchangeExpiryTime"`
	// CreatedTimeAgo is subtracted from iat, to allow for clock skew between
	// us and token consumers.
	CreatedTimeAgo     time.Duration `mapstructure:"createdTimeAgo"`
	RefreshTokenExpiry time.Duration `mapstructure:"refreshTokenExpiry"`
	// StoreTimeout bounds every call to the credential store.
	StoreTimeout time.Duration `mapstructure:"storeTimeout"`

	AuthorizationEndpoint string `mapstructure:"authorizationEndpoint"`
	AllowEndpoint         string `mapstructure:"allowEndpoint"`
	AccessTokenEndpoint   string `mapstructure:"accessTokenEndpoint"`
	UserinfoEndpoint      string `mapstructure:"userinfoEndpoint"`
	JWKSEndpoint          string `mapstructure:"jwksEndpoint"`
	AliveEndpoint         string `mapstructure:"aliveEndpoint"`

	CORSAllowList []string `mapstructure:"corsWhitelist"`

	// OverrideID selects the RuntimeOverrides record to apply at startup. If
	// empty, no overrides are loaded.
	OverrideID string `mapstructure:"overrideId"`

	Listen     string        `mapstructure:"listen"`
	KeysetFile string        `mapstructure:"keysetFile"`
	SeedFile   string        `mapstructure:"seedFile"`
	LogLevel   string        `mapstructure:"logLevel"`
	Storage    StorageConfig `mapstructure:"storage"`
}

type StorageConfig struct {
	// Backend is memory or redis.
	Backend string      `mapstructure:"backend"`
	Redis   RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"keyPrefix"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Issuer:           "http://localhost:8080",
		Audience:         "http://localhost:8080",
		Subject:          "authserver",
		SigningAlgorithm: "RS256",
		JWKUse:           "sig",

		BearerTokenType:          "Bearer",
		AuthorizationCodeGrant:   GrantTypeAuthorizationCode,
		ClientCredentialsGrant:   GrantTypeClientCredentials,
		RefreshTokenGrant:        GrantTypeRefreshToken,
		TokenExchangeGrant:       GrantTypeTokenExchange,
		TokenExchangeSubjectType: TokenTypeAccessToken,

		VerifyClientID:               true,
		VerifyRedirectURL:            true,
		ValidateScope:                true,
		VerifyCode:                   true,
		ClearAuthorizationCode:       true,
		ClearRequestID:               true,
		VerifyState:                  true,
		UsePKCE:                      true,
		SaveAccessToken:              true,
		VerifyClientIDOnRefreshToken: true,
		VerifyIssuer:                 true,
		VerifyAudience:               true,

		AuthorizationCodeLength: 32,
		RefreshTokenLength:      64,

		ExpiryTime:              time.Hour,
		TokenExchangeExpiryTime: 5 * time.Minute,
		CreatedTimeAgo:          30 * time.Second,
		RefreshTokenExpiry:      30 * 24 * time.Hour,
		StoreTimeout:            5 * time.Second,

		AuthorizationEndpoint: "/authorize",
		AllowEndpoint:         "/allowRequest",
		AccessTokenEndpoint:   "/token",
		UserinfoEndpoint:      "/userinfo",
		JWKSEndpoint:          "/oauth2/certs",
		AliveEndpoint:         "/alive",

		Listen:   "localhost:8080",
		LogLevel: "info",
		Storage: StorageConfig{
			Backend: StorageMemory,
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "authserver:",
			},
		},
	}
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	var errs []error

	if c.Issuer == "" {
		errs = append(errs, errors.New("issuer is required"))
	} else if _, err := url.Parse(c.Issuer); err != nil {
		errs = append(errs, fmt.Errorf("parsing issuer: %w", err))
	}
	if c.Audience == "" {
		errs = append(errs, errors.New("audience is required"))
	}
	switch c.SigningAlgorithm {
	case "RS256", "ES256":
	default:
		errs = append(errs, fmt.Errorf("unsupported signing algorithm %q", c.SigningAlgorithm))
	}
	if c.AuthorizationCodeLength < 16 {
		errs = append(errs, fmt.Errorf("authorizationCodeLength must be at least 16, got %d", c.AuthorizationCodeLength))
	}
	if c.RefreshTokenLength < 16 {
		errs = append(errs, fmt.Errorf("refreshTokenLength must be at least 16, got %d", c.RefreshTokenLength))
	}
	if c.ExpiryTime <= 0 || c.TokenExchangeExpiryTime <= 0 || c.RefreshTokenExpiry <= 0 {
		errs = append(errs, errors.New("token expiry times must be positive"))
	}
	if c.CreatedTimeAgo < 0 {
		errs = append(errs, errors.New("createdTimeAgo must not be negative"))
	}
	for _, f := range []struct{ name, value string }{
		{"authorizationCodeGrant", c.AuthorizationCodeGrant},
		{"clientCredentialsGrant", c.ClientCredentialsGrant},
		{"refreshTokenGrant", c.RefreshTokenGrant},
		{"tokenExchangeGrant", c.TokenExchangeGrant},
		{"tokenExchangeSubjectType", c.TokenExchangeSubjectType},
	} {
		if f.value == "" {
			errs = append(errs, fmt.Errorf("%s must not be empty", f.name))
		}
	}
	switch c.Storage.Backend {
	case StorageMemory:
	case StorageRedis:
		if c.Storage.Redis.Addr == "" {
			errs = append(errs, errors.New("storage.redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}

	return errors.Join(errs...)
}

// Load reads the configuration from v, layered over Default. v should already
// have any config file, flags and environment bound.
func Load(v *viper.Viper) (Config, error) {
	setDefaults(v)

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// NewViper returns a viper instance reading environment variables with
// EnvPrefix, and the YAML file at path if it is not empty.
func NewViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}
	return v, nil
}

// setDefaults registers every key with viper, so environment variables are
// considered during Unmarshal.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("issuer", d.Issuer)
	v.SetDefault("audience", d.Audience)
	v.SetDefault("subject", d.Subject)
	v.SetDefault("algorithm", d.SigningAlgorithm)
	v.SetDefault("jwkUse", d.JWKUse)

	v.SetDefault("bearerTokenType", d.BearerTokenType)
	v.SetDefault("authorizationCodeGrant", d.AuthorizationCodeGrant)
	v.SetDefault("clientCredentialsGrant", d.ClientCredentialsGrant)
	v.SetDefault("refreshTokenGrant", d.RefreshTokenGrant)
	v.SetDefault("tokenExchangeGrant", d.TokenExchangeGrant)
	v.SetDefault("tokenExchangeSubjectType", d.TokenExchangeSubjectType)

	v.SetDefault("verifyClientId", d.VerifyClientID)
	v.SetDefault("verifyRedirectUrl", d.VerifyRedirectURL)
	v.SetDefault("validateScope", d.ValidateScope)
	v.SetDefault("verifyCode", d.VerifyCode)
	v.SetDefault("clearAuthorizationCode", d.ClearAuthorizationCode)
	v.SetDefault("clearRequestId", d.ClearRequestID)
	v.SetDefault("verifyState", d.VerifyState)
	v.SetDefault("usePkce", d.UsePKCE)
	v.SetDefault("saveAccessToken", d.SaveAccessToken)
	v.SetDefault("opaqueAccessToken", d.OpaqueAccessToken)
	v.SetDefault("verifyClientIdOnRefreshToken", d.VerifyClientIDOnRefreshToken)
	v.SetDefault("addNonceToAccessToken", d.AddNonceToAccessToken)
	v.SetDefault("verifyIssuer", d.VerifyIssuer)
	v.SetDefault("verifyAudience", d.VerifyAudience)

	v.SetDefault("authorizationCodeLength", d.AuthorizationCodeLength)
	v.SetDefault("refreshTokenLength", d.RefreshTokenLength)

	v.SetDefault("expiryTime", d.ExpiryTime)
	v.SetDefault("tokenExchangeExpiryTime", d.TokenExchangeExpiryTime)
	v.SetDefault("createdTimeAgo", d.CreatedTimeAgo)
	v.SetDefault("refreshTokenExpiry", d.RefreshTokenExpiry)
	v.SetDefault("storeTimeout", d.StoreTimeout)

	v.SetDefault("authorizationEndpoint", d.AuthorizationEndpoint)
	v.SetDefault("allowEndpoint", d.AllowEndpoint)
	v.SetDefault("accessTokenEndpoint", d.AccessTokenEndpoint)
	v.SetDefault("userinfoEndpoint", d.UserinfoEndpoint)
	v.SetDefault("jwksEndpoint", d.JWKSEndpoint)
	v.SetDefault("aliveEndpoint", d.AliveEndpoint)

	v.SetDefault("corsWhitelist", d.CORSAllowList)
	v.SetDefault("overrideId", d.OverrideID)

	v.SetDefault("listen", d.Listen)
	v.SetDefault("keysetFile", d.KeysetFile)
	v.SetDefault("seedFile", d.SeedFile)
	v.SetDefault("logLevel", d.LogLevel)

	v.SetDefault("storage.backend", d.Storage.Backend)
	v.SetDefault("storage.redis.addr", d.Storage.Redis.Addr)
	v.SetDefault("storage.redis.username", d.Storage.Redis.Username)
	v.SetDefault("storage.redis.password", d.Storage.Redis.Password)
	v.SetDefault("storage.redis.db", d.Storage.Redis.DB)
	v.SetDefault("storage.redis.keyPrefix", d.Storage.Redis.KeyPrefix)
}
