package server

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strconv"
	"time"

	"lds.li/authserver/account"
	"lds.li/authserver/grant"
	"lds.li/authserver/internal/oauth2"
	"lds.li/authserver/scope"
	"lds.li/authserver/store"
)

const maxBodyBytes = 1 << 20

type clientCreateRequest struct {
	ClientID     string    `json:"clientId"`
	ClientSecret string    `json:"clientSecret"`
	RedirectURIs []string  `json:"redirectUris"`
	Scope        scope.Set `json:"scope"`
	Public       bool      `json:"public"`
}

// clientResponse is a client as returned by the API, never with its secret.
type clientResponse struct {
	ClientID     string    `json:"clientId"`
	RedirectURIs []string  `json:"redirectUris"`
	Scope        scope.Set `json:"scope"`
	Public       bool      `json:"public"`
	Enabled      bool      `json:"enabled"`
}

type userCreateRequest struct {
	Name     string   `json:"name"`
	Email    string   `json:"email"`
	Password string   `json:"password"`
	Claims   []string `json:"claims"`
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type activateRequest struct {
	Email          string `json:"email"`
	ActivationCode string `json:"activationCode"`
}

// userResponse is a user as returned by the API, never with the password
// hash.
type userResponse struct {
	UserID            string    `json:"userId"`
	Email             string    `json:"email"`
	Name              string    `json:"name,omitempty"`
	Claims            []string  `json:"claims,omitempty"`
	Enabled           bool      `json:"enabled"`
	ActivationCode    string    `json:"activationCode,omitempty"`
	LastAuthenticated time.Time `json:"lastAuthenticated,omitzero"`
}

func newUserResponse(u *store.User, withActivationCode bool) *userResponse {
	ur := &userResponse{
		UserID:            u.UserID,
		Email:             u.Email,
		Name:              u.Name,
		Claims:            u.Claims,
		Enabled:           u.Enabled,
		LastAuthenticated: u.LastAuthenticated,
	}
	if withActivationCode {
		ur.ActivationCode = u.ActivationCode
	}
	return ur
}

func (s *Server) createClient(w http.ResponseWriter, r *http.Request) {
	var req clientCreateRequest
	if err := decodeBody(w, r, &req, func(f formValues) {
		req.ClientID = f.get("clientId", "client_id")
		req.ClientSecret = f.get("clientSecret", "client_secret")
		req.RedirectURIs = f.all("redirectUris", "redirect_uris")
		req.Scope = grant.FormScope(f.Values)
		req.Public, _ = strconv.ParseBool(f.get("public"))
	}); err != nil {
		_ = oauth2.WriteError(w, r, err)
		return
	}

	c, err := s.accounts.RegisterClient(r.Context(), account.ClientRegistration{
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		RedirectURIs: req.RedirectURIs,
		Scope:        req.Scope,
		Public:       req.Public,
	})
	if err != nil {
		_ = oauth2.WriteError(w, r, registrationError(err))
		return
	}
	_ = oauth2.WriteJSON(w, http.StatusCreated, &clientResponse{
		ClientID:     c.ClientID,
		RedirectURIs: c.RedirectURIs,
		Scope:        c.Scope,
		Public:       c.Public,
		Enabled:      c.Enabled,
	})
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	var req userCreateRequest
	if err := decodeBody(w, r, &req, func(f formValues) {
		req.Name = f.get("name")
		req.Email = f.get("email")
		req.Password = f.get("password")
		req.Claims = f.all("claims")
	}); err != nil {
		_ = oauth2.WriteError(w, r, err)
		return
	}

	u, err := s.accounts.CreateUser(r.Context(), account.NewUser{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
		Claims:   req.Claims,
	})
	if err != nil {
		_ = oauth2.WriteError(w, r, registrationError(err))
		return
	}
	_ = oauth2.WriteJSON(w, http.StatusCreated, newUserResponse(u, true))
}

func (s *Server) authenticateUser(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeBody(w, r, &req, func(f formValues) {
		req.Email = f.get("email", "username")
		req.Password = f.get("password")
	}); err != nil {
		_ = oauth2.WriteError(w, r, err)
		return
	}

	u, err := s.accounts.Authenticate(r.Context(), req.Email, req.Password)
	if errors.Is(err, account.ErrInvalidCredentials) {
		_ = oauth2.WriteError(w, r, &oauth2.HTTPError{Code: http.StatusUnauthorized, Message: "Wrong credentials supplied."})
		return
	}
	if err != nil {
		_ = oauth2.WriteError(w, r, storeError(err))
		return
	}
	_ = oauth2.WriteJSON(w, http.StatusOK, newUserResponse(u, false))
}

func (s *Server) activateUser(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if err := decodeBody(w, r, &req, func(f formValues) {
		req.Email = f.get("email")
		req.ActivationCode = f.get("activationCode", "activation_code")
	}); err != nil {
		_ = oauth2.WriteError(w, r, err)
		return
	}

	u, err := s.accounts.Activate(r.Context(), req.Email, req.ActivationCode)
	if errors.Is(err, account.ErrInvalidActivationCode) {
		_ = oauth2.WriteError(w, r, &oauth2.HTTPError{Code: http.StatusBadRequest, Message: "Invalid activation code."})
		return
	}
	if err != nil {
		_ = oauth2.WriteError(w, r, storeError(err))
		return
	}
	_ = oauth2.WriteJSON(w, http.StatusOK, newUserResponse(u, false))
}

func registrationError(err error) error {
	var verr *account.ValidationError
	switch {
	case errors.As(err, &verr):
		return &oauth2.HTTPError{Code: http.StatusBadRequest, Message: verr.Message, Cause: err}
	case errors.Is(err, store.ErrAlreadyExists):
		return &oauth2.HTTPError{Code: http.StatusBadRequest, Message: "Duplicate record", Cause: err}
	default:
		return storeError(err)
	}
}

// formValues reads the first set key of a form, so both the JSON field names
// and their snake case forms are accepted.
type formValues struct{ Values map[string][]string }

func (f formValues) get(keys ...string) string {
	for _, k := range keys {
		if vs := f.Values[k]; len(vs) > 0 && vs[0] != "" {
			return vs[0]
		}
	}
	return ""
}

func (f formValues) all(keys ...string) []string {
	for _, k := range keys {
		if vs := f.Values[k]; len(vs) > 0 {
			return vs
		}
	}
	return nil
}

// decodeBody reads a JSON body into v, or for form bodies calls fromForm.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, fromForm func(formValues)) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(v); err != nil {
			return &oauth2.HTTPError{Code: http.StatusBadRequest, Message: "Invalid request body.", Cause: err}
		}
		return nil
	}
	if err := r.ParseForm(); err != nil {
		return &oauth2.HTTPError{Code: http.StatusBadRequest, Message: "Invalid request body.", Cause: err}
	}
	fromForm(formValues{Values: r.PostForm})
	return nil
}
