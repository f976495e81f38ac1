// Package oauth2 contains the wire level types of the OAuth2 protocol, and
// helpers to read and write them.
package oauth2

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

type TokenErrorCode string

// https://datatracker.ietf.org/doc/html/rfc6749#section-5.2
const (
	TokenErrorCodeInvalidRequest       TokenErrorCode = "invalid_request"
	TokenErrorCodeInvalidClient        TokenErrorCode = "invalid_client"
	TokenErrorCodeInvalidGrant         TokenErrorCode = "invalid_grant"
	TokenErrorCodeUnauthorizedClient   TokenErrorCode = "unauthorized_client"
	TokenErrorCodeUnsupportedGrantType TokenErrorCode = "unsupported_grant_type"
	TokenErrorCodeInvalidScope         TokenErrorCode = "invalid_scope"
)

// TokenError is an error returned from the token endpoint. It is rendered as
// a JSON body.
type TokenError struct {
	ErrorCode   TokenErrorCode `json:"error"`
	Description string         `json:"error_description,omitempty"`
	// Status overrides the HTTP status code. If zero, invalid_client is sent
	// as 401 and everything else as 400.
	Status int `json:"-"`
	// Cause is logged, but never sent to the client.
	Cause error `json:"-"`
}

func (t *TokenError) Error() string {
	msg := fmt.Sprintf("%s error in token request: %s", t.ErrorCode, t.Description)
	if t.Cause != nil {
		msg += ": " + t.Cause.Error()
	}
	return msg
}

func (t *TokenError) Unwrap() error {
	return t.Cause
}

// StatusCode returns the HTTP status the error is sent with.
func (t *TokenError) StatusCode() int {
	if t.Status != 0 {
		return t.Status
	}
	if t.ErrorCode == TokenErrorCodeInvalidClient {
		return http.StatusUnauthorized
	}
	return http.StatusBadRequest
}

// HTTPError is a generic error, rendered as a plain text response.
type HTTPError struct {
	Code int
	// Message is sent to the user. If empty, the status text is used.
	Message string
	// CauseMsg and Cause are logged, but never sent to the user.
	CauseMsg string
	Cause    error
	// WWWAuthenticate is sent in the header of the same name, if set.
	WWWAuthenticate string
}

func (h *HTTPError) Error() string {
	m := fmt.Sprintf("http error %d", h.Code)
	if h.CauseMsg != "" {
		m += ": " + h.CauseMsg
	}
	if h.Cause != nil {
		m += ": " + h.Cause.Error()
	}
	return m
}

func (h *HTTPError) Unwrap() error {
	return h.Cause
}

type BearerErrorCode string

// https://datatracker.ietf.org/doc/html/rfc6750#section-3.1
const (
	BearerErrorCodeInvalidRequest    BearerErrorCode = "invalid_request"
	BearerErrorCodeInvalidToken      BearerErrorCode = "invalid_token"
	BearerErrorCodeInsufficientScope BearerErrorCode = "insufficient_scope"
)

// BearerError is the value of a WWW-Authenticate header for a bearer token
// challenge.
type BearerError struct {
	Realm       string
	Code        BearerErrorCode
	Description string
}

func (b *BearerError) String() string {
	var params []string
	if b.Realm != "" {
		params = append(params, fmt.Sprintf("realm=%q", b.Realm))
	}
	if b.Code != "" {
		params = append(params, fmt.Sprintf("error=%q", b.Code))
	}
	if b.Description != "" {
		params = append(params, fmt.Sprintf("error_description=%q", b.Description))
	}
	if len(params) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(params, ", ")
}

// WriteError writes err to w. TokenErrors are sent as JSON, HTTPErrors as
// text. Any other error is an internal error, sent without detail.
func WriteError(w http.ResponseWriter, r *http.Request, err error) error {
	var (
		terr *TokenError
		herr *HTTPError
	)
	switch {
	case errors.As(err, &terr):
		if terr.Cause != nil {
			slog.WarnContext(r.Context(), "token error", "code", terr.ErrorCode, "err", terr.Cause.Error())
		}
		if terr.ErrorCode == TokenErrorCodeInvalidClient {
			w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
		}
		w.Header().Set("Cache-Control", "no-store")
		return WriteJSON(w, terr.StatusCode(), terr)
	case errors.As(err, &herr):
		return WriteHTTPError(w, r, herr)
	default:
		return WriteHTTPError(w, r, &HTTPError{Code: http.StatusInternalServerError, Cause: err})
	}
}

// WriteHTTPError writes herr as a text response.
func WriteHTTPError(w http.ResponseWriter, r *http.Request, herr *HTTPError) error {
	if herr.Code >= 500 {
		slog.ErrorContext(r.Context(), "internal error", "err", herr.Error())
	} else if herr.Cause != nil || herr.CauseMsg != "" {
		slog.DebugContext(r.Context(), "request error", "status", herr.Code, "err", herr.Error())
	}
	if herr.WWWAuthenticate != "" {
		w.Header().Set("WWW-Authenticate", herr.WWWAuthenticate)
	}
	msg := herr.Message
	if msg == "" {
		msg = http.StatusText(herr.Code)
	}
	http.Error(w, msg, herr.Code)
	return nil
}

// WriteJSON writes v as the JSON body of the response.
func WriteJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	return nil
}
