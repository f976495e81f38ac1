package grant

import (
	"net/http"
	"net/url"

	"lds.li/authserver/internal/oauth2"
	"lds.li/authserver/scope"
)

// TokenRequest is a validated token endpoint request. It is one of
// *AuthorizationCodeRequest, *RefreshTokenRequest, *ClientCredentialsRequest
// or *TokenExchangeRequest.
type TokenRequest interface {
	grantType() string
	credentials() ClientAuth
}

// ClientAuth are the credentials the client presented.
type ClientAuth struct {
	ClientID     string
	ClientSecret string
}

func (c ClientAuth) credentials() ClientAuth { return c }

type AuthorizationCodeRequest struct {
	ClientAuth
	Code         string
	CodeVerifier string
	// RedirectURI is checked against the authorization request if sent.
	RedirectURI string
}

type RefreshTokenRequest struct {
	ClientAuth
	RefreshToken string
}

type ClientCredentialsRequest struct {
	ClientAuth
	Scope scope.Set
}

type TokenExchangeRequest struct {
	ClientAuth
	SubjectToken     string
	SubjectTokenType string
	Scope            scope.Set
}

func (*AuthorizationCodeRequest) grantType() string { return "authorization_code" }
func (*RefreshTokenRequest) grantType() string      { return "refresh_token" }
func (*ClientCredentialsRequest) grantType() string { return "client_credentials" }
func (*TokenExchangeRequest) grantType() string     { return "token_exchange" }

// ParseTokenRequest reads the form of a token endpoint request into the
// request type for its grant. Grant type names are matched against the
// configured names.
func (e *Engine) ParseTokenRequest(r *http.Request) (TokenRequest, error) {
	if err := r.ParseForm(); err != nil {
		return nil, &oauth2.TokenError{ErrorCode: oauth2.TokenErrorCodeInvalidRequest, Description: "Invalid request body.", Cause: err}
	}
	form := r.PostForm
	basicID, basicSecret, hasBasic := oauth2.ParseBasicAuth(r.Header.Get("Authorization"))

	// The code and refresh grants take credentials from the body, falling
	// back to basic auth.
	bodyOrBasic := func() ClientAuth {
		ca := ClientAuth{ClientID: form.Get("client_id"), ClientSecret: form.Get("client_secret")}
		switch {
		case !hasBasic:
		case ca.ClientID == "":
			ca = ClientAuth{ClientID: basicID, ClientSecret: basicSecret}
		case ca.ClientID == basicID && ca.ClientSecret == "":
			ca.ClientSecret = basicSecret
		}
		return ca
	}

	switch gt := form.Get("grant_type"); gt {
	case e.cfg.AuthorizationCodeGrant:
		code := form.Get("code")
		if code == "" {
			code = form.Get("authorization_code")
		}
		return &AuthorizationCodeRequest{
			ClientAuth:   bodyOrBasic(),
			Code:         code,
			CodeVerifier: form.Get("code_verifier"),
			RedirectURI:  form.Get("redirect_uri"),
		}, nil

	case e.cfg.RefreshTokenGrant:
		return &RefreshTokenRequest{
			ClientAuth:   bodyOrBasic(),
			RefreshToken: form.Get("refresh_token"),
		}, nil

	case e.cfg.ClientCredentialsGrant:
		if !hasBasic {
			return nil, &oauth2.TokenError{ErrorCode: oauth2.TokenErrorCodeInvalidClient, Description: invalidClientOrSecret}
		}
		return &ClientCredentialsRequest{
			ClientAuth: ClientAuth{ClientID: basicID, ClientSecret: basicSecret},
			Scope:      FormScope(form),
		}, nil

	case e.cfg.TokenExchangeGrant:
		if !hasBasic {
			return nil, &oauth2.TokenError{ErrorCode: oauth2.TokenErrorCodeInvalidClient, Description: invalidClient}
		}
		return &TokenExchangeRequest{
			ClientAuth:       ClientAuth{ClientID: basicID, ClientSecret: basicSecret},
			SubjectToken:     form.Get("subject_token"),
			SubjectTokenType: form.Get("subject_token_type"),
			Scope:            FormScope(form),
		}, nil

	default:
		e.logger.WarnContext(r.Context(), "token request for unsupported grant", "grant-type", gt)
		e.metrics.Failed(metricGrantName(gt), string(oauth2.TokenErrorCodeInvalidGrant))
		return nil, &oauth2.TokenError{ErrorCode: oauth2.TokenErrorCodeInvalidGrant, Description: "Invalid grant."}
	}
}

// FormScope reads the requested scope from form values. Older clients send
// it as scopes.
func FormScope(form url.Values) scope.Set {
	raw := form["scope"]
	if len(raw) == 0 {
		raw = form["scopes"]
	}
	return scope.Parse(raw...)
}

// metricGrantName bounds the label values for grant types clients send.
func metricGrantName(gt string) string {
	if gt == "" {
		return "none"
	}
	return "unknown"
}
