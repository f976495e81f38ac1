package grant

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"

	"github.com/google/uuid"
	"lds.li/authserver/internal/randstr"
	"lds.li/authserver/pkce"
	"lds.li/authserver/scope"
	"lds.li/authserver/store"
)

// AuthorizeRequest is the parsed query of the authorization endpoint.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	Scope               scope.Set
	ResponseType        string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// AuthorizeResult is what the consent view needs to prompt the user.
type AuthorizeResult struct {
	RequestID string
	Client    *store.Client
	Scope     scope.Set
	// OpenID is set when the user must authenticate as part of consenting.
	OpenID bool
}

// Authorize validates an authorization request and stores it pending
// consent. Until the redirect URI has been verified against the client,
// failures are returned as *PageError; after that as *RedirectError.
func (e *Engine) Authorize(ctx context.Context, req *AuthorizeRequest) (*AuthorizeResult, error) {
	client, err := e.store.GetClient(ctx, req.ClientID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("getting client %s: %w", req.ClientID, err)
	}
	if client != nil && !client.Enabled {
		client = nil
	}
	if client == nil {
		if e.cfg.VerifyClientID {
			e.logger.WarnContext(ctx, "authorize for unknown client", "client-id", req.ClientID)
			return nil, authorizationError("Unknown Client Id.")
		}
		// Nothing is registered for the client, so nothing can be verified
		// against it.
		client = &store.Client{ClientID: req.ClientID}
	}

	if e.cfg.VerifyRedirectURL && !slices.Contains(client.RedirectURIs, req.RedirectURI) {
		e.logger.WarnContext(ctx, "authorize with unregistered redirect uri", "client-id", req.ClientID)
		return nil, authorizationError("Invalid Redirect URL.")
	}
	if _, err := url.Parse(req.RedirectURI); err != nil || req.RedirectURI == "" {
		return nil, authorizationError("Invalid Redirect URL.")
	}

	if e.cfg.ValidateScope && req.Scope.Exceeds(client.Scope) {
		e.logger.WarnContext(ctx, "authorize with invalid scope", "client-id", req.ClientID, "scope", req.Scope.Missing(client.Scope))
		return nil, &RedirectError{RedirectURI: req.RedirectURI, Message: "Invalid Scope.", State: e.echoState(req.State)}
	}
	if req.CodeChallenge != "" && req.CodeChallengeMethod != "" && req.CodeChallengeMethod != pkce.MethodS256 {
		return nil, &RedirectError{RedirectURI: req.RedirectURI, Message: "Invalid Code Challenge Method.", State: e.echoState(req.State)}
	}

	ar := &store.AuthRequest{
		ID:                  uuid.New().String(),
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		ResponseType:        req.ResponseType,
		State:               req.State,
		Nonce:               req.Nonce,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Expires:             e.now().Add(authRequestValidity),
	}
	if err := e.store.SaveAuthRequest(ctx, ar); err != nil {
		return nil, fmt.Errorf("saving authorization request: %w", err)
	}

	return &AuthorizeResult{
		RequestID: ar.ID,
		Client:    client,
		Scope:     req.Scope,
		OpenID:    req.Scope.IsOpenID(),
	}, nil
}

// AllowRequest is the submitted consent form.
type AllowRequest struct {
	RequestID string
	Allow     bool
	// Scope is the scope the user selected. It is granted as is, so an empty
	// selection grants no scope.
	Scope scope.Set
	// Username is the email of the user, and Authenticated is set if their
	// password was verified before calling Allow.
	Username      string
	Authenticated bool
}

// Allow completes consent for a pending request, and returns the location to
// redirect the user agent to, carrying the issued code.
func (e *Engine) Allow(ctx context.Context, req *AllowRequest) (string, error) {
	var (
		ar  *store.AuthRequest
		err error
	)
	if e.cfg.ClearRequestID {
		ar, err = e.store.TakeAuthRequest(ctx, req.RequestID)
	} else {
		ar, err = e.store.GetAuthRequest(ctx, req.RequestID)
	}
	if errors.Is(err, store.ErrNotFound) {
		return "", authorizationError("Could not find authorization request.")
	}
	if err != nil {
		return "", fmt.Errorf("getting authorization request: %w", err)
	}
	state := e.echoState(ar.State)

	if !req.Allow {
		return "", &RedirectError{RedirectURI: ar.RedirectURI, Message: "Access Denied.", State: state}
	}

	selected := req.Scope
	openID := ar.Scope.IsOpenID() || selected.IsOpenID()
	if openID && !req.Authenticated {
		return "", &PageError{Status: http.StatusUnauthorized, Title: "Authentication Error", Message: "Wrong credentials supplied."}
	}

	if e.cfg.ValidateScope {
		client, err := e.store.GetClient(ctx, ar.ClientID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("getting client %s: %w", ar.ClientID, err)
		}
		var clientScope scope.Set
		if client != nil {
			clientScope = client.Scope
		}
		if selected.Exceeds(clientScope) {
			return "", &RedirectError{RedirectURI: ar.RedirectURI, Message: "Invalid Scope", State: state}
		}
	}

	if ar.ResponseType != "code" {
		return "", &RedirectError{RedirectURI: ar.RedirectURI, Message: "Invalid response type", State: state}
	}

	code := &store.AuthCode{
		Code:    randstr.New(e.cfg.AuthorizationCodeLength),
		Request: *ar,
		Scope:   selected,
		Expires: e.now().Add(authCodeValidity),
	}
	if req.Authenticated {
		code.UserEmail = store.NormalizeEmail(req.Username)
	}
	if err := e.store.SaveAuthCode(ctx, code); err != nil {
		return "", fmt.Errorf("saving authorization code: %w", err)
	}

	if openID && code.UserEmail != "" {
		now := e.now()
		if _, err := e.store.UpdateUser(ctx, code.UserEmail, func(u *store.User) error {
			u.LastAuthenticated = now
			u.Code = code.Code
			u.Nonce = ar.Nonce
			return nil
		}); err != nil {
			return "", fmt.Errorf("stamping user authentication: %w", err)
		}
	}

	params := url.Values{"code": {code.Code}}
	if state != "" {
		params.Set("state", state)
	}
	loc, err := addQuery(ar.RedirectURI, params)
	if err != nil {
		return "", err
	}
	return loc, nil
}

func (e *Engine) echoState(state string) string {
	if !e.cfg.VerifyState {
		return ""
	}
	return state
}
