// Package redisstore implements store.Store on Redis.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"lds.li/authserver/internal/config"
	"lds.li/authserver/store"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// maxTxRetries bounds optimistic transaction retries when a watched key
// changes underneath us.
const maxTxRetries = 20

const (
	keyTypeClient    = "client"
	keyTypeUser      = "user"
	keyTypeUserID    = "userid"
	keyTypeAuthReq   = "authreq"
	keyTypeAuthCode  = "code"
	keyTypeTokens    = "tokens"
	keyTypeAccess    = "access"
	keyTypeRefresh   = "refresh"
	keyTypeOverrides = "overrides"
)

var _ store.Store = (*Store)(nil)

// Store is a store.Store backed by Redis. Items with an expiry are written
// with a matching TTL, so Redis removes them without a sweep.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
}

// New connects to the Redis server described by cfg.
func New(ctx context.Context, cfg config.RedisConfig) (*Store, error) {
	client := newClient(cfg)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	return NewWithClient(client, cfg.KeyPrefix), nil
}

// newClient returns a client for cfg. Context deadlines apply to socket I/O,
// so the store timeout bounds calls to a stalled server.
func newClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:                  cfg.Addr,
		Username:              cfg.Username,
		Password:              cfg.Password,
		DB:                    cfg.DB,
		DialTimeout:           DefaultDialTimeout,
		ReadTimeout:           DefaultReadTimeout,
		WriteTimeout:          DefaultWriteTimeout,
		ContextTimeoutEnabled: true,
	})
}

// NewWithClient creates a Store using an existing client, e.g one connected
// to miniredis in tests.
func NewWithClient(client redis.UniversalClient, keyPrefix string) *Store {
	return &Store{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks Redis connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) key(typ string, parts ...string) string {
	k := s.keyPrefix + typ
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (s *Store) CreateClient(ctx context.Context, c *store.Client) error {
	return s.setNX(ctx, s.key(keyTypeClient, c.ClientID), c)
}

func (s *Store) GetClient(ctx context.Context, clientID string) (*store.Client, error) {
	var c store.Client
	if err := s.get(ctx, s.key(keyTypeClient, clientID), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) CreateUser(ctx context.Context, u *store.User) error {
	cu := *u
	cu.Email = store.NormalizeEmail(u.Email)

	ok, err := s.client.SetNX(ctx, s.key(keyTypeUserID, cu.UserID), cu.Email, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to reserve user id: %w", err)
	}
	if !ok {
		return store.ErrAlreadyExists
	}
	if err := s.setNX(ctx, s.key(keyTypeUser, cu.Email), &cu); err != nil {
		// release the id so it can be used again
		_ = s.client.Del(ctx, s.key(keyTypeUserID, cu.UserID)).Err()
		return err
	}
	return nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*store.User, error) {
	var u store.User
	if err := s.get(ctx, s.key(keyTypeUser, store.NormalizeEmail(email)), &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (*store.User, error) {
	email, err := s.client.Get(ctx, s.key(keyTypeUserID, userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user id: %w", err)
	}
	return s.GetUserByEmail(ctx, email)
}

func (s *Store) UpdateUser(ctx context.Context, email string, fn func(*store.User) error) (*store.User, error) {
	key := s.key(keyTypeUser, store.NormalizeEmail(email))

	var updated *store.User
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return store.ErrNotFound
			}
			return fmt.Errorf("failed to get user: %w", err)
		}
		var u store.User
		if err := json.Unmarshal(data, &u); err != nil {
			return fmt.Errorf("failed to unmarshal user: %w", err)
		}
		origEmail, origID := u.Email, u.UserID
		if err := fn(&u); err != nil {
			return err
		}
		u.Email, u.UserID = origEmail, origID

		data, err = json.Marshal(&u)
		if err != nil {
			return fmt.Errorf("failed to marshal user: %w", err)
		}
		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		}); err != nil {
			return err
		}
		updated = &u
		return nil
	}

	for range maxTxRetries {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("updating user: %w", redis.TxFailedErr)
}

func (s *Store) SaveAuthRequest(ctx context.Context, r *store.AuthRequest) error {
	return s.set(ctx, s.key(keyTypeAuthReq, r.ID), r, r.Expires)
}

func (s *Store) GetAuthRequest(ctx context.Context, id string) (*store.AuthRequest, error) {
	var r store.AuthRequest
	if err := s.get(ctx, s.key(keyTypeAuthReq, id), &r); err != nil {
		return nil, err
	}
	if time.Now().After(r.Expires) {
		return nil, store.ErrNotFound
	}
	return &r, nil
}

func (s *Store) TakeAuthRequest(ctx context.Context, id string) (*store.AuthRequest, error) {
	var r store.AuthRequest
	if err := s.getDel(ctx, s.key(keyTypeAuthReq, id), &r); err != nil {
		return nil, err
	}
	if time.Now().After(r.Expires) {
		return nil, store.ErrNotFound
	}
	return &r, nil
}

func (s *Store) SaveAuthCode(ctx context.Context, c *store.AuthCode) error {
	return s.set(ctx, s.key(keyTypeAuthCode, c.Code), c, c.Expires)
}

func (s *Store) GetAuthCode(ctx context.Context, code string) (*store.AuthCode, error) {
	var c store.AuthCode
	if err := s.get(ctx, s.key(keyTypeAuthCode, code), &c); err != nil {
		return nil, err
	}
	if time.Now().After(c.Expires) {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

// ConsumeAuthCode uses GETDEL, so only one caller observes the code.
func (s *Store) ConsumeAuthCode(ctx context.Context, code string) (*store.AuthCode, error) {
	var c store.AuthCode
	if err := s.getDel(ctx, s.key(keyTypeAuthCode, code), &c); err != nil {
		return nil, err
	}
	if time.Now().After(c.Expires) {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

// SaveToken keeps each list in a sorted set scored by expiry. Expired members
// are removed in the same transaction as the append.
func (s *Store) SaveToken(ctx context.Context, kind store.TokenKind, owner store.Owner, tok store.IssuedToken) error {
	member, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	listKey := s.key(keyTypeTokens, string(kind), owner.String())
	now := strconv.FormatInt(time.Now().Unix(), 10)

	var ownerData []byte
	if kind == store.TokenKindAccess {
		if ownerData, err = json.Marshal(owner); err != nil {
			return fmt.Errorf("failed to marshal owner: %w", err)
		}
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, listKey, "-inf", "("+now)
		pipe.ZAdd(ctx, listKey, redis.Z{Score: float64(tok.Expires.Unix()), Member: member})
		if ownerData != nil {
			pipe.Set(ctx, s.key(keyTypeAccess, tok.Token), ownerData, ttlUntil(tok.Expires))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

func (s *Store) ListTokens(ctx context.Context, kind store.TokenKind, owner store.Owner) ([]store.IssuedToken, error) {
	members, err := s.client.ZRangeByScore(ctx, s.key(keyTypeTokens, string(kind), owner.String()), &redis.ZRangeBy{
		Min: strconv.FormatInt(time.Now().Unix(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}

	now := time.Now()
	var out []store.IssuedToken
	for _, m := range members {
		var t store.IssuedToken
		if err := json.Unmarshal([]byte(m), &t); err != nil {
			return nil, fmt.Errorf("failed to unmarshal token: %w", err)
		}
		if now.After(t.Expires) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) LookupAccessToken(ctx context.Context, token string) (store.Owner, error) {
	var o store.Owner
	if err := s.get(ctx, s.key(keyTypeAccess, token), &o); err != nil {
		return store.Owner{}, err
	}
	return o, nil
}

func (s *Store) SaveRefreshToken(ctx context.Context, rt *store.RefreshToken) error {
	return s.set(ctx, s.key(keyTypeRefresh, rt.Token), rt, rt.Expires)
}

func (s *Store) GetRefreshToken(ctx context.Context, token string) (*store.RefreshToken, error) {
	var rt store.RefreshToken
	if err := s.get(ctx, s.key(keyTypeRefresh, token), &rt); err != nil {
		return nil, err
	}
	if time.Now().After(rt.Expires) {
		return nil, store.ErrNotFound
	}
	return &rt, nil
}

func (s *Store) GetRuntimeOverrides(ctx context.Context, id string) (*config.RuntimeOverrides, error) {
	var o config.RuntimeOverrides
	if err := s.get(ctx, s.key(keyTypeOverrides, id), &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Store) PutRuntimeOverrides(ctx context.Context, id string, o *config.RuntimeOverrides) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal overrides: %w", err)
	}
	return s.client.Set(ctx, s.key(keyTypeOverrides, id), data, 0).Err()
}

func (s *Store) get(ctx context.Context, key string, v any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return store.ErrNotFound
		}
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

func (s *Store) getDel(ctx context.Context, key string, v any) error {
	data, err := s.client.GetDel(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return store.ErrNotFound
		}
		return fmt.Errorf("failed to getdel %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

func (s *Store) set(ctx context.Context, key string, v any, expires time.Time) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, ttlUntil(expires)).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (s *Store) setNX(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	ok, err := s.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	if !ok {
		return store.ErrAlreadyExists
	}
	return nil
}

// ttlUntil returns the TTL for an item expiring at t. Items already expired
// get a short TTL, reads check the expiry themselves.
func ttlUntil(t time.Time) time.Duration {
	ttl := time.Until(t)
	if ttl < time.Second {
		return time.Second
	}
	return ttl
}
