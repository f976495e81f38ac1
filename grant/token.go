package grant

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"lds.li/authserver/account"
	"lds.li/authserver/codec"
	"lds.li/authserver/internal/config"
	"lds.li/authserver/internal/oauth2"
	"lds.li/authserver/internal/randstr"
	"lds.li/authserver/pkce"
	"lds.li/authserver/scope"
	"lds.li/authserver/store"
)

const (
	invalidClient         = "Invalid client."
	invalidClientSecret   = "Invalid client secret."
	invalidClientOrSecret = "Unknown Client or invalid Secret"
	invalidGrant          = "Invalid grant."
)

// Token runs the grant for req, returning the token response. Rejections are
// returned as *oauth2.TokenError, any other error is internal.
func (e *Engine) Token(ctx context.Context, req TokenRequest) (*oauth2.TokenResponse, error) {
	if req == nil {
		return nil, &oauth2.TokenError{ErrorCode: oauth2.TokenErrorCodeInvalidGrant, Description: invalidGrant}
	}
	var (
		resp *oauth2.TokenResponse
		err  error
	)
	switch r := req.(type) {
	case *AuthorizationCodeRequest:
		resp, err = e.authorizationCode(ctx, r)
	case *RefreshTokenRequest:
		resp, err = e.refreshToken(ctx, r)
	case *ClientCredentialsRequest:
		resp, err = e.clientCredentials(ctx, r)
	case *TokenExchangeRequest:
		resp, err = e.tokenExchange(ctx, r)
	}
	if err != nil {
		code := "server_error"
		var terr *oauth2.TokenError
		if errors.As(err, &terr) {
			code = string(terr.ErrorCode)
		}
		e.metrics.Failed(req.grantType(), code)
		e.logger.WarnContext(ctx, "token request rejected", "grant-type", req.grantType(), "client-id", req.credentials().ClientID, "err", err)
		return nil, err
	}
	return resp, nil
}

func (e *Engine) authorizationCode(ctx context.Context, r *AuthorizationCodeRequest) (*oauth2.TokenResponse, error) {
	client, err := e.authenticateClient(ctx, r.ClientAuth, true)
	if err != nil {
		return nil, err
	}

	var code *store.AuthCode
	if e.cfg.VerifyCode {
		code, err = e.store.GetAuthCode(ctx, r.Code)
		if errors.Is(err, store.ErrNotFound) {
			return nil, &oauth2.TokenError{ErrorCode: oauth2.TokenErrorCodeInvalidGrant, Description: "Invalid code.", Status: http.StatusUnauthorized}
		}
		if err != nil {
			return nil, fmt.Errorf("getting code: %w", err)
		}
	}
	if e.cfg.ClearAuthorizationCode {
		// only one concurrent redemption can consume the code
		code, err = e.store.ConsumeAuthCode(ctx, r.Code)
	} else if code == nil {
		code, err = e.store.GetAuthCode(ctx, r.Code)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, &oauth2.TokenError{ErrorCode: oauth2.TokenErrorCodeInvalidGrant, Description: invalidGrant}
	}
	if err != nil {
		return nil, fmt.Errorf("redeeming code: %w", err)
	}

	if code.Request.ClientID != client.ClientID {
		return nil, &oauth2.TokenError{ErrorCode: oauth2.TokenErrorCodeInvalidGrant, Description: invalidGrant, Cause: errors.New("code issued to another client")}
	}
	if r.RedirectURI != "" && r.RedirectURI != code.Request.RedirectURI {
		return nil, &oauth2.TokenError{ErrorCode: oauth2.TokenErrorCodeInvalidGrant, Description: invalidGrant, Cause: errors.New("redirect uri does not match")}
	}
	if e.cfg.UsePKCE && code.Request.CodeChallenge != "" && !pkce.Verify(code.Request.CodeChallenge, r.CodeVerifier) {
		return nil, &oauth2.TokenError{ErrorCode: oauth2.TokenErrorCodeInvalidGrant, Description: "Invalid Code Challenge."}
	}

	user, err := e.lookupUser(ctx, code.UserEmail)
	if err != nil {
		return nil, err
	}
	openID := code.Scope.IsOpenID()

	resp, err := e.issue(ctx, r, client.ClientID, code.Scope, user, openID)
	if err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "issued token for authorization code", "client-id", client.ClientID, "openid", openID)
	return resp, nil
}

func (e *Engine) refreshToken(ctx context.Context, r *RefreshTokenRequest) (*oauth2.TokenResponse, error) {
	client, err := e.authenticateClient(ctx, r.ClientAuth, true)
	if err != nil {
		return nil, err
	}

	rt, err := e.store.GetRefreshToken(ctx, r.RefreshToken)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &oauth2.TokenError{ErrorCode: oauth2.TokenErrorCodeInvalidGrant, Description: "Called with invalid refresh token."}
	}
	if err != nil {
		return nil, fmt.Errorf("getting refresh token: %w", err)
	}
	if e.cfg.VerifyClientIDOnRefreshToken && rt.ClientID != client.ClientID {
		return nil, &oauth2.TokenError{ErrorCode: oauth2.TokenErrorCodeInvalidGrant, Description: "Invalid client on refresh token."}
	}

	resp := &oauth2.TokenResponse{
		TokenType:    e.cfg.BearerTokenType,
		ExpiresIn:    seconds(e.cfg.ExpiryTime),
		RefreshToken: rt.Token,
		Scope:        rt.Scope.String(),
	}

	if rt.GrantType == e.cfg.ClientCredentialsGrant {
		resp.AccessToken, err = e.mintClientAccessToken(ctx, rt.ClientID, rt.Scope)
		if err != nil {
			return nil, err
		}
		e.metrics.Issued(r.grantType(), "access")
		return resp, nil
	}

	user, err := e.lookupUser(ctx, rt.OwnerEmail)
	if err != nil {
		return nil, err
	}
	openID := rt.Scope.IsOpenID()
	resp.AccessToken, err = e.mintUserAccessToken(ctx, rt.ClientID, rt.Scope, user, openID)
	if err != nil {
		return nil, err
	}
	e.metrics.Issued(r.grantType(), "access")
	if openID && user != nil {
		resp.IDToken, err = e.mintIDToken(ctx, rt.ClientID, user)
		if err != nil {
			return nil, err
		}
		e.metrics.Issued(r.grantType(), "id")
	}
	return resp, nil
}

func (e *Engine) clientCredentials(ctx context.Context, r *ClientCredentialsRequest) (*oauth2.TokenResponse, error) {
	client, err := e.accounts.AuthenticateClient(ctx, r.ClientID, r.ClientSecret, false)
	if errors.Is(err, account.ErrInvalidClient) || errors.Is(err, account.ErrInvalidClientSecret) {
		return nil, &oauth2.TokenError{ErrorCode: oauth2.TokenErrorCodeInvalidClient, Description: invalidClientOrSecret, Cause: err}
	}
	if err != nil {
		return nil, err
	}

	sc := r.Scope
	if len(sc) == 0 {
		sc = client.Scope
	} else if e.cfg.ValidateScope && sc.Exceeds(client.Scope) {
		return nil, &oauth2.TokenError{ErrorCode: oauth2.TokenErrorCodeInvalidScope, Description: "Invalid Scope."}
	}

	resp, err := e.issue(ctx, r, client.ClientID, sc, nil, false)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (e *Engine) tokenExchange(ctx context.Context, r *TokenExchangeRequest) (*oauth2.TokenResponse, error) {
	client, err := e.accounts.AuthenticateClient(ctx, r.ClientID, r.ClientSecret, false)
	if errors.Is(err, account.ErrInvalidClient) || errors.Is(err, account.ErrInvalidClientSecret) {
		return nil, &oauth2.TokenError{ErrorCode: oauth2.TokenErrorCodeInvalidClient, Description: invalidClient, Cause: err}
	}
	if err != nil {
		return nil, err
	}

	if r.SubjectToken == "" {
		return nil, &oauth2.TokenError{ErrorCode: oauth2.TokenErrorCodeInvalidRequest, Description: "Missing subject token."}
	}
	if r.SubjectTokenType != e.cfg.TokenExchangeSubjectType {
		return nil, &oauth2.TokenError{ErrorCode: oauth2.TokenErrorCodeInvalidRequest, Description: "Unsupported subject token type."}
	}
	subject, err := e.codec.Verify(r.SubjectToken)
	if err != nil {
		return nil, &oauth2.TokenError{ErrorCode: oauth2.TokenErrorCodeInvalidGrant, Description: "Invalid subject token.", Cause: err}
	}
	if subject.MayAct != nil && subject.MayAct.Subject != client.ClientID {
		return nil, &oauth2.TokenError{
			ErrorCode:   oauth2.TokenErrorCodeUnauthorizedClient,
			Description: "Client may not act for the subject.",
			Status:      http.StatusUnauthorized,
		}
	}
	if e.cfg.ValidateScope && r.Scope.Exceeds(client.Scope) {
		return nil, &oauth2.TokenError{ErrorCode: oauth2.TokenErrorCodeInvalidScope, Description: "Invalid Scope."}
	}

	sc := subject.Scope.Union(r.Scope)
	u, err := e.store.GetUser(ctx, subject.Subject)
	switch {
	case err == nil:
		sc = sc.Union(scope.New(u.Claims...))
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("getting subject user: %w", err)
	}

	rjwt, exp, err := e.codec.BuildExchangeToken(subject.Subject, client.ClientID, sc)
	if err != nil {
		return nil, err
	}
	tok, err := e.codec.Sign(rjwt)
	if err != nil {
		return nil, err
	}
	if err := e.saveAccessToken(ctx, store.ClientOwner(client.ClientID), tok, exp); err != nil {
		return nil, err
	}
	e.metrics.Issued(r.grantType(), "access")
	e.logger.InfoContext(ctx, "exchanged token", "client-id", client.ClientID, "subject", subject.Subject)

	return &oauth2.TokenResponse{
		AccessToken:     tok,
		IssuedTokenType: config.TokenTypeAccessToken,
		TokenType:       e.cfg.BearerTokenType,
		ExpiresIn:       seconds(e.cfg.TokenExchangeExpiryTime),
		Scope:           sc.String(),
	}, nil
}

// issue mints the access token, a fresh refresh token, and for OpenID
// requests with a user the ID token.
func (e *Engine) issue(ctx context.Context, req TokenRequest, clientID string, sc scope.Set, user *store.User, openID bool) (*oauth2.TokenResponse, error) {
	var (
		at        string
		grantType string
		err       error
	)
	if _, ok := req.(*ClientCredentialsRequest); ok {
		grantType = e.cfg.ClientCredentialsGrant
		at, err = e.mintClientAccessToken(ctx, clientID, sc)
	} else {
		grantType = e.cfg.AuthorizationCodeGrant
		at, err = e.mintUserAccessToken(ctx, clientID, sc, user, openID)
	}
	if err != nil {
		return nil, err
	}
	e.metrics.Issued(req.grantType(), "access")

	now := e.now()
	rt := &store.RefreshToken{
		Token:     randstr.New(e.cfg.RefreshTokenLength),
		ClientID:  clientID,
		Scope:     sc,
		GrantType: grantType,
		Created:   now,
		Expires:   now.Add(e.cfg.RefreshTokenExpiry),
	}
	if user != nil {
		rt.OwnerEmail = user.Email
	}
	if err := e.store.SaveRefreshToken(ctx, rt); err != nil {
		return nil, fmt.Errorf("saving refresh token: %w", err)
	}
	e.metrics.Issued(req.grantType(), "refresh")

	resp := &oauth2.TokenResponse{
		AccessToken:  at,
		TokenType:    e.cfg.BearerTokenType,
		ExpiresIn:    seconds(e.cfg.ExpiryTime),
		RefreshToken: rt.Token,
		Scope:        sc.String(),
	}
	if openID && user != nil {
		resp.IDToken, err = e.mintIDToken(ctx, clientID, user)
		if err != nil {
			return nil, err
		}
		e.metrics.Issued(req.grantType(), "id")
	}
	return resp, nil
}

// mintUserAccessToken returns an access token for clientID acting for user.
// OpenID tokens are recorded against the user, others against the client.
func (e *Engine) mintUserAccessToken(ctx context.Context, clientID string, sc scope.Set, user *store.User, openID bool) (string, error) {
	owner := store.ClientOwner(clientID)
	if openID && user != nil {
		owner = store.UserOwner(user.UserID)
	}

	if e.cfg.OpaqueAccessToken {
		return e.mintOpaque(ctx, owner)
	}

	var p *codec.Principal
	if user != nil {
		p = &codec.Principal{ID: user.UserID, Email: user.Email, Claims: user.Claims}
	}
	rjwt, exp, err := e.codec.BuildUserAccessToken(sc, clientID, p)
	if err != nil {
		return "", err
	}
	tok, err := e.codec.Sign(rjwt)
	if err != nil {
		return "", err
	}
	if err := e.saveAccessToken(ctx, owner, tok, exp); err != nil {
		return "", err
	}
	return tok, nil
}

func (e *Engine) mintClientAccessToken(ctx context.Context, clientID string, sc scope.Set) (string, error) {
	owner := store.ClientOwner(clientID)
	if e.cfg.OpaqueAccessToken {
		return e.mintOpaque(ctx, owner)
	}
	rjwt, exp, err := e.codec.BuildClientAccessToken(clientID, sc)
	if err != nil {
		return "", err
	}
	tok, err := e.codec.Sign(rjwt)
	if err != nil {
		return "", err
	}
	if err := e.saveAccessToken(ctx, owner, tok, exp); err != nil {
		return "", err
	}
	return tok, nil
}

// mintOpaque returns a random access token. Opaque tokens can only be
// resolved through the store, so they are always saved.
func (e *Engine) mintOpaque(ctx context.Context, owner store.Owner) (string, error) {
	tok := uuid.New().String()
	exp := e.now().Add(e.cfg.ExpiryTime)
	if err := e.store.SaveToken(ctx, store.TokenKindAccess, owner, store.IssuedToken{Token: tok, Created: e.now(), Expires: exp}); err != nil {
		return "", fmt.Errorf("saving access token: %w", err)
	}
	return tok, nil
}

func (e *Engine) mintIDToken(ctx context.Context, clientID string, user *store.User) (string, error) {
	p := codec.Principal{
		ID:       user.UserID,
		Email:    user.Email,
		AuthTime: user.LastAuthenticated,
		Nonce:    user.Nonce,
	}
	if !e.cfg.OpaqueAccessToken {
		p.Claims = user.Claims
	}
	rjwt, exp, err := e.codec.BuildIDToken(clientID, p)
	if err != nil {
		return "", err
	}
	tok, err := e.codec.Sign(rjwt)
	if err != nil {
		return "", err
	}
	if err := e.store.SaveToken(ctx, store.TokenKindID, store.UserOwner(user.UserID), store.IssuedToken{Token: tok, Created: e.now(), Expires: exp}); err != nil {
		return "", fmt.Errorf("saving id token: %w", err)
	}
	return tok, nil
}

func (e *Engine) saveAccessToken(ctx context.Context, owner store.Owner, tok string, exp time.Time) error {
	if !e.cfg.SaveAccessToken {
		return nil
	}
	if err := e.store.SaveToken(ctx, store.TokenKindAccess, owner, store.IssuedToken{Token: tok, Created: e.now(), Expires: exp}); err != nil {
		return fmt.Errorf("saving access token: %w", err)
	}
	return nil
}

// authenticateClient verifies the client for the code and refresh grants.
func (e *Engine) authenticateClient(ctx context.Context, ca ClientAuth, allowPublic bool) (*store.Client, error) {
	client, err := e.accounts.AuthenticateClient(ctx, ca.ClientID, ca.ClientSecret, allowPublic)
	switch {
	case errors.Is(err, account.ErrInvalidClient):
		return nil, &oauth2.TokenError{ErrorCode: oauth2.TokenErrorCodeInvalidClient, Description: invalidClient, Cause: err}
	case errors.Is(err, account.ErrInvalidClientSecret):
		return nil, &oauth2.TokenError{ErrorCode: oauth2.TokenErrorCodeInvalidClient, Description: invalidClientSecret, Cause: err}
	case err != nil:
		return nil, err
	}
	return client, nil
}

// lookupUser resolves the user a grant was issued for. An empty email means
// the grant has no user. Users deleted or disabled since fail the grant.
func (e *Engine) lookupUser(ctx context.Context, email string) (*store.User, error) {
	if email == "" {
		return nil, nil
	}
	u, err := e.store.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &oauth2.TokenError{ErrorCode: oauth2.TokenErrorCodeInvalidGrant, Description: invalidGrant, Cause: err}
	}
	if err != nil {
		return nil, fmt.Errorf("getting user: %w", err)
	}
	if !u.Enabled {
		return nil, &oauth2.TokenError{ErrorCode: oauth2.TokenErrorCodeInvalidGrant, Description: invalidGrant, Cause: errors.New("user is disabled")}
	}
	return u, nil
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}
