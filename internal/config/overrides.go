package config

import "time"

// RuntimeOverrides are settings persisted in the credential store, that take
// precedence over the loaded Config. Nil fields are not overridden.
type RuntimeOverrides struct {
	Issuer                 *string `json:"issuer,omitempty"`
	Audience               *string `json:"audience,omitempty"`
	ExpirySeconds          *int64  `json:"expiryTime,omitempty"`
	TokenExchangeExpirySec *int64  `json:"tokenExchangeExpiryTime,omitempty"`
	VerifyClientID         *bool   `json:"verifyClientId,omitempty"`
	VerifyRedirectURL      *bool   `json:"verifyRedirectUrl,omitempty"`
	ValidateScope          *bool   `json:"validateScope,omitempty"`
	VerifyCode             *bool   `json:"verifyCode,omitempty"`
	VerifyState            *bool   `json:"verifyState,omitempty"`
	UsePKCE                *bool   `json:"usePkce,omitempty"`
	OpaqueAccessToken      *bool   `json:"opaqueAccessToken,omitempty"`
	SaveAccessToken        *bool   `json:"saveAccessToken,omitempty"`
}

// Apply returns a copy of c with the overrides applied. c is not modified.
func (o *RuntimeOverrides) Apply(c Config) Config {
	if o == nil {
		return c
	}
	setIf(&c.Issuer, o.Issuer)
	setIf(&c.Audience, o.Audience)
	if o.ExpirySeconds != nil {
		c.ExpiryTime = time.Duration(*o.ExpirySeconds) * time.Second
	}
	if o.TokenExchangeExpirySec != nil {
		c.TokenExchangeExpiryTime = time.Duration(*o.TokenExchangeExpirySec) * time.Second
	}
	setIf(&c.VerifyClientID, o.VerifyClientID)
	setIf(&c.VerifyRedirectURL, o.VerifyRedirectURL)
	setIf(&c.ValidateScope, o.ValidateScope)
	setIf(&c.VerifyCode, o.VerifyCode)
	setIf(&c.VerifyState, o.VerifyState)
	setIf(&c.UsePKCE, o.UsePKCE)
	setIf(&c.OpaqueAccessToken, o.OpaqueAccessToken)
	setIf(&c.SaveAccessToken, o.SaveAccessToken)
	// CORSAllowList is the only reference type, and overrides never touch it.
	return c
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}
