package codec

import (
	"encoding/json"

	"lds.li/authserver/scope"
)

// Claims is the decoded payload of a verified token.
type Claims struct {
	Issuer    string    `json:"iss"`
	Subject   string    `json:"sub"`
	Audience  Audience  `json:"aud"`
	ExpiresAt int64     `json:"exp"`
	IssuedAt  int64     `json:"iat"`
	JWTID     string    `json:"jti,omitempty"`
	Scope     scope.Set `json:"scope,omitempty"`
	Email     string    `json:"email,omitempty"`
	Claims    []string  `json:"claims,omitempty"`
	AuthTime  int64     `json:"auth_time,omitempty"`
	Nonce     string    `json:"nonce,omitempty"`
	AZP       string    `json:"azp,omitempty"`
	// Act identifies the party acting on behalf of the subject (RFC 8693
	// section 4.1).
	Act *Actor `json:"act,omitempty"`
	// MayAct restricts who may exchange this token (RFC 8693 section 4.4).
	MayAct *Actor `json:"may_act,omitempty"`
}

type Actor struct {
	Subject string `json:"sub"`
}

// Audience is the aud claim, which may be a single string or an array.
type Audience []string

func (a *Audience) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*a = Audience{s}
		return nil
	}
	var ss []string
	if err := json.Unmarshal(b, &ss); err != nil {
		return err
	}
	*a = ss
	return nil
}

// Contains reports if v is one of the audiences.
func (a Audience) Contains(v string) bool {
	for _, s := range a {
		if s == v {
			return true
		}
	}
	return false
}
