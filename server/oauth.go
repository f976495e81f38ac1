package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"lds.li/authserver/account"
	"lds.li/authserver/grant"
	"lds.li/authserver/internal/oauth2"
	"lds.li/authserver/store"
)

type consentData struct {
	Title     string
	AllowPath string
	RequestID string
	Client    *store.Client
	Scope     []string
	OpenID    bool
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := s.engine.Authorize(r.Context(), &grant.AuthorizeRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               grant.FormScope(q),
		ResponseType:        q.Get("response_type"),
		State:               q.Get("state"),
		Nonce:               q.Get("nonce"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	})
	if err != nil {
		s.writeAuthorizationError(w, r, err)
		return
	}

	title := "Authorize"
	if res.OpenID {
		title = "Sign in"
	}
	s.render(w, r, http.StatusOK, consentTmpl, &consentData{
		Title:     title,
		AllowPath: s.cfg.AllowEndpoint,
		RequestID: res.RequestID,
		Client:    res.Client,
		Scope:     res.Scope.Slice(),
		OpenID:    res.OpenID,
	})
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.renderError(w, r, http.StatusBadRequest, "Authorization Errors", "Invalid request.")
		return
	}
	allowed, _ := strconv.ParseBool(r.PostForm.Get("allow"))
	req := &grant.AllowRequest{
		RequestID: r.PostForm.Get("request_id"),
		Allow:     allowed,
		Scope:     grant.FormScope(r.PostForm),
		Username:  r.PostForm.Get("username"),
	}

	if req.Username != "" {
		_, err := s.accounts.Authenticate(r.Context(), req.Username, r.PostForm.Get("password"))
		switch {
		case err == nil:
			req.Authenticated = true
		case errors.Is(err, account.ErrInvalidCredentials):
			s.logger.InfoContext(r.Context(), "user authentication failed during consent")
		default:
			s.writeAuthorizationError(w, r, err)
			return
		}
	}

	loc, err := s.engine.Allow(r.Context(), req)
	if err != nil {
		s.writeAuthorizationError(w, r, err)
		return
	}
	http.Redirect(w, r, loc, http.StatusFound)
}

// writeAuthorizationError renders page errors, redirects redirect errors,
// and treats everything else as internal.
func (s *Server) writeAuthorizationError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		perr *grant.PageError
		rerr *grant.RedirectError
	)
	switch {
	case errors.As(err, &perr):
		s.renderError(w, r, perr.Status, perr.Title, perr.Message)
	case errors.As(err, &rerr):
		http.Redirect(w, r, rerr.Location(), http.StatusFound)
	default:
		_ = oauth2.WriteError(w, r, storeError(err))
	}
}

func (s *Server) token(w http.ResponseWriter, r *http.Request) {
	req, err := s.engine.ParseTokenRequest(r)
	if err != nil {
		_ = oauth2.WriteError(w, r, err)
		return
	}
	resp, err := s.engine.Token(r.Context(), req)
	if err != nil {
		_ = oauth2.WriteError(w, r, storeError(err))
		return
	}
	if err := oauth2.WriteTokenResponse(w, resp); err != nil {
		s.logger.ErrorContext(r.Context(), "failed to write token response", "err", err)
	}
}

func (s *Server) userinfo(w http.ResponseWriter, r *http.Request) {
	tok, ok := oauth2.BearerToken(r.Header.Get("Authorization"))
	if !ok {
		be := &oauth2.BearerError{}
		_ = oauth2.WriteError(w, r, &oauth2.HTTPError{Code: http.StatusUnauthorized, WWWAuthenticate: be.String(), CauseMsg: "malformed Authorization header"})
		return
	}

	info, err := s.engine.Userinfo(r.Context(), tok)
	if errors.Is(err, grant.ErrInvalidToken) {
		be := &oauth2.BearerError{Code: oauth2.BearerErrorCodeInvalidToken, Description: "invalid access token"}
		_ = oauth2.WriteError(w, r, &oauth2.HTTPError{Code: http.StatusUnauthorized, WWWAuthenticate: be.String(), Cause: err})
		return
	}
	if err != nil {
		_ = oauth2.WriteError(w, r, storeError(err))
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	if err := oauth2.WriteJSON(w, http.StatusOK, info); err != nil {
		s.logger.ErrorContext(r.Context(), "failed to write userinfo", "err", err)
	}
}

// storeError maps a store call that ran out of time to a retryable status.
func storeError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &oauth2.HTTPError{Code: http.StatusServiceUnavailable, CauseMsg: "store timed out", Cause: err}
	}
	return err
}
