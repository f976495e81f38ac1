package oauth2

import (
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"
)

// TokenResponse is the successful response from the token endpoint.
//
// https://datatracker.ietf.org/doc/html/rfc6749#section-5.1
type TokenResponse struct {
	AccessToken     string `json:"access_token"`
	IssuedTokenType string `json:"issued_token_type,omitempty"`
	TokenType       string `json:"token_type,omitempty"`
	ExpiresIn       int64  `json:"expires_in,omitempty"`
	RefreshToken    string `json:"refresh_token,omitempty"`
	IDToken         string `json:"id_token,omitempty"`
	Scope           string `json:"scope,omitempty"`
}

// WriteTokenResponse sends resp with the headers required for token
// responses.
func WriteTokenResponse(w http.ResponseWriter, resp *TokenResponse) error {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	return WriteJSON(w, http.StatusOK, resp)
}

// ParseBasicAuth decodes the client credentials from an Authorization header.
// Both parts are form-decoded as required by RFC 6749 section 2.3.1.
func ParseBasicAuth(header string) (clientID, secret string, ok bool) {
	const prefix = "basic "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", "", false
	}
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header[len(prefix):]))
	if err != nil {
		return "", "", false
	}
	user, pass, found := strings.Cut(string(b), ":")
	if !found || user == "" {
		return "", "", false
	}
	if u, err := url.QueryUnescape(user); err == nil {
		user = u
	}
	if p, err := url.QueryUnescape(pass); err == nil {
		pass = p
	}
	return user, pass, true
}

// BearerToken returns the token from an Authorization header using the
// Bearer scheme.
func BearerToken(header string) (string, bool) {
	scheme, tok, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}
