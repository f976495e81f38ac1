package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lds.li/authserver/internal/config"
)

// WithTimeout wraps s so every call is bounded by d. A call that runs over
// fails with context.DeadlineExceeded.
func WithTimeout(s Store, d time.Duration) Store {
	if d <= 0 {
		return s
	}
	return &timeoutStore{s: s, d: d}
}

type timeoutStore struct {
	s Store
	d time.Duration
}

func (t *timeoutStore) CreateClient(ctx context.Context, c *Client) error {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return deadline(ctx, t.s.CreateClient(ctx, c))
}

func (t *timeoutStore) GetClient(ctx context.Context, clientID string) (*Client, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	v, err := t.s.GetClient(ctx, clientID)
	return v, deadline(ctx, err)
}

func (t *timeoutStore) CreateUser(ctx context.Context, u *User) error {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return deadline(ctx, t.s.CreateUser(ctx, u))
}

func (t *timeoutStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	v, err := t.s.GetUserByEmail(ctx, email)
	return v, deadline(ctx, err)
}

func (t *timeoutStore) GetUser(ctx context.Context, userID string) (*User, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	v, err := t.s.GetUser(ctx, userID)
	return v, deadline(ctx, err)
}

func (t *timeoutStore) UpdateUser(ctx context.Context, email string, fn func(*User) error) (*User, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	v, err := t.s.UpdateUser(ctx, email, fn)
	return v, deadline(ctx, err)
}

func (t *timeoutStore) SaveAuthRequest(ctx context.Context, r *AuthRequest) error {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return deadline(ctx, t.s.SaveAuthRequest(ctx, r))
}

func (t *timeoutStore) GetAuthRequest(ctx context.Context, id string) (*AuthRequest, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	v, err := t.s.GetAuthRequest(ctx, id)
	return v, deadline(ctx, err)
}

func (t *timeoutStore) TakeAuthRequest(ctx context.Context, id string) (*AuthRequest, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	v, err := t.s.TakeAuthRequest(ctx, id)
	return v, deadline(ctx, err)
}

func (t *timeoutStore) SaveAuthCode(ctx context.Context, c *AuthCode) error {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return deadline(ctx, t.s.SaveAuthCode(ctx, c))
}

func (t *timeoutStore) GetAuthCode(ctx context.Context, code string) (*AuthCode, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	v, err := t.s.GetAuthCode(ctx, code)
	return v, deadline(ctx, err)
}

func (t *timeoutStore) ConsumeAuthCode(ctx context.Context, code string) (*AuthCode, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	v, err := t.s.ConsumeAuthCode(ctx, code)
	return v, deadline(ctx, err)
}

func (t *timeoutStore) SaveToken(ctx context.Context, kind TokenKind, owner Owner, tok IssuedToken) error {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return deadline(ctx, t.s.SaveToken(ctx, kind, owner, tok))
}

func (t *timeoutStore) ListTokens(ctx context.Context, kind TokenKind, owner Owner) ([]IssuedToken, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	v, err := t.s.ListTokens(ctx, kind, owner)
	return v, deadline(ctx, err)
}

func (t *timeoutStore) LookupAccessToken(ctx context.Context, token string) (Owner, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	v, err := t.s.LookupAccessToken(ctx, token)
	return v, deadline(ctx, err)
}

func (t *timeoutStore) SaveRefreshToken(ctx context.Context, rt *RefreshToken) error {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return deadline(ctx, t.s.SaveRefreshToken(ctx, rt))
}

func (t *timeoutStore) GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	v, err := t.s.GetRefreshToken(ctx, token)
	return v, deadline(ctx, err)
}

func (t *timeoutStore) GetRuntimeOverrides(ctx context.Context, id string) (*config.RuntimeOverrides, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	v, err := t.s.GetRuntimeOverrides(ctx, id)
	return v, deadline(ctx, err)
}

func (t *timeoutStore) PutRuntimeOverrides(ctx context.Context, id string, o *config.RuntimeOverrides) error {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return deadline(ctx, t.s.PutRuntimeOverrides(ctx, id, o))
}

// deadline reports a call that failed after its time ran out as
// context.DeadlineExceeded, whatever error the backend returned for it.
func deadline(ctx context.Context, err error) error {
	if err == nil || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if dl, ok := ctx.Deadline(); !ok || time.Now().Before(dl) {
		return err
	}
	return fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
}
