package grant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"lds.li/authserver/store"
)

// ErrInvalidToken is returned by Userinfo for tokens that fail verification
// or are unknown.
var ErrInvalidToken = errors.New("invalid access token")

// UserInfo is the OpenID Connect userinfo response.
type UserInfo struct {
	Subject string `json:"sub"`
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
}

// Userinfo resolves an access token to the identity it was issued for.
// Structured tokens must be access tokens verified with the signing keys,
// opaque tokens are looked up in the store.
func (e *Engine) Userinfo(ctx context.Context, token string) (*UserInfo, error) {
	if strings.Count(token, ".") == 2 {
		cl, err := e.codec.Verify(token)
		if err != nil {
			return nil, ErrInvalidToken
		}
		info, err := e.userInfo(ctx, cl.Subject)
		if err != nil {
			return nil, err
		}
		if info.Email == "" {
			info.Email = cl.Email
		}
		return info, nil
	}

	owner, err := e.store.LookupAccessToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("looking up access token: %w", err)
	}
	if owner.Kind == store.OwnerClient {
		return &UserInfo{Subject: owner.ID}, nil
	}
	return e.userInfo(ctx, owner.ID)
}

// userInfo returns the details of the user with id. Subjects that are not
// users, like clients, are returned bare.
func (e *Engine) userInfo(ctx context.Context, id string) (*UserInfo, error) {
	u, err := e.store.GetUser(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return &UserInfo{Subject: id}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting user: %w", err)
	}
	if !u.Enabled {
		return nil, ErrInvalidToken
	}
	return &UserInfo{Subject: u.UserID, Name: u.Name, Email: u.Email}, nil
}
