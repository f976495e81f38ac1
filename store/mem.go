package store

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"lds.li/authserver/internal/config"
)

var _ Store = (*MemStore)(nil)

// MemStore implements Store in memory. Items are copied in and out, so
// callers can not modify stored state.
type MemStore struct {
	mu sync.Mutex

	clients       map[string]*Client
	users         map[string]*User // by normalized email
	userIDs       map[string]string
	authRequests  map[string]*AuthRequest
	authCodes     map[string]*AuthCode
	tokens        map[TokenKind]map[Owner][]IssuedToken
	accessIndex   map[string]accessIndexEntry
	refreshTokens map[string]*RefreshToken
	overrides     map[string]*config.RuntimeOverrides

	// now is overridden in tests.
	now func() time.Time
}

type accessIndexEntry struct {
	owner   Owner
	expires time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		clients:       make(map[string]*Client),
		users:         make(map[string]*User),
		userIDs:       make(map[string]string),
		authRequests:  make(map[string]*AuthRequest),
		authCodes:     make(map[string]*AuthCode),
		tokens:        make(map[TokenKind]map[Owner][]IssuedToken),
		accessIndex:   make(map[string]accessIndexEntry),
		refreshTokens: make(map[string]*RefreshToken),
		overrides:     make(map[string]*config.RuntimeOverrides),
		now:           time.Now,
	}
}

func (m *MemStore) CreateClient(_ context.Context, c *Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.clients[c.ClientID]; ok {
		return ErrAlreadyExists
	}
	m.clients[c.ClientID] = cloneClient(c)
	return nil
}

func (m *MemStore) GetClient(_ context.Context, clientID string) (*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clients[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneClient(c), nil
}

func (m *MemStore) CreateUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := NormalizeEmail(u.Email)
	if _, ok := m.users[key]; ok {
		return ErrAlreadyExists
	}
	if _, ok := m.userIDs[u.UserID]; ok {
		return ErrAlreadyExists
	}
	cu := cloneUser(u)
	cu.Email = key
	m.users[key] = cu
	m.userIDs[u.UserID] = key
	return nil
}

func (m *MemStore) GetUserByEmail(_ context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[NormalizeEmail(email)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneUser(u), nil
}

func (m *MemStore) GetUser(_ context.Context, userID string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	email, ok := m.userIDs[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneUser(m.users[email]), nil
}

func (m *MemStore) UpdateUser(_ context.Context, email string, fn func(*User) error) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := NormalizeEmail(email)
	u, ok := m.users[key]
	if !ok {
		return nil, ErrNotFound
	}
	updated := cloneUser(u)
	if err := fn(updated); err != nil {
		return nil, err
	}
	// the keys are immutable
	updated.Email = u.Email
	updated.UserID = u.UserID
	m.users[key] = updated
	return cloneUser(updated), nil
}

func (m *MemStore) SaveAuthRequest(_ context.Context, r *AuthRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cr := *r
	cr.Scope = maps.Clone(r.Scope)
	m.authRequests[r.ID] = &cr
	return nil
}

func (m *MemStore) GetAuthRequest(_ context.Context, id string) (*AuthRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.getAuthRequest(id)
}

func (m *MemStore) TakeAuthRequest(_ context.Context, id string) (*AuthRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.getAuthRequest(id)
	delete(m.authRequests, id)
	return r, err
}

func (m *MemStore) getAuthRequest(id string) (*AuthRequest, error) {
	r, ok := m.authRequests[id]
	if !ok || m.now().After(r.Expires) {
		return nil, ErrNotFound
	}
	cr := *r
	cr.Scope = maps.Clone(r.Scope)
	return &cr, nil
}

func (m *MemStore) SaveAuthCode(_ context.Context, c *AuthCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.authCodes[c.Code] = cloneAuthCode(c)
	return nil
}

func (m *MemStore) GetAuthCode(_ context.Context, code string) (*AuthCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.getAuthCode(code)
}

func (m *MemStore) ConsumeAuthCode(_ context.Context, code string) (*AuthCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.getAuthCode(code)
	delete(m.authCodes, code)
	return c, err
}

func (m *MemStore) getAuthCode(code string) (*AuthCode, error) {
	c, ok := m.authCodes[code]
	if !ok || m.now().After(c.Expires) {
		return nil, ErrNotFound
	}
	return cloneAuthCode(c), nil
}

func (m *MemStore) SaveToken(_ context.Context, kind TokenKind, owner Owner, tok IssuedToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	byOwner, ok := m.tokens[kind]
	if !ok {
		byOwner = make(map[Owner][]IssuedToken)
		m.tokens[kind] = byOwner
	}
	byOwner[owner] = append(slices.DeleteFunc(byOwner[owner], func(t IssuedToken) bool {
		if now.After(t.Expires) {
			if kind == TokenKindAccess {
				delete(m.accessIndex, t.Token)
			}
			return true
		}
		return false
	}), tok)

	if kind == TokenKindAccess {
		m.accessIndex[tok.Token] = accessIndexEntry{owner: owner, expires: tok.Expires}
	}
	return nil
}

func (m *MemStore) ListTokens(_ context.Context, kind TokenKind, owner Owner) ([]IssuedToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var out []IssuedToken
	for _, t := range m.tokens[kind][owner] {
		if !now.After(t.Expires) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *MemStore) LookupAccessToken(_ context.Context, token string) (Owner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.accessIndex[token]
	if !ok || m.now().After(e.expires) {
		return Owner{}, ErrNotFound
	}
	return e.owner, nil
}

func (m *MemStore) SaveRefreshToken(_ context.Context, rt *RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	maps.DeleteFunc(m.refreshTokens, func(_ string, t *RefreshToken) bool {
		return now.After(t.Expires)
	})
	crt := *rt
	crt.Scope = maps.Clone(rt.Scope)
	m.refreshTokens[rt.Token] = &crt
	return nil
}

func (m *MemStore) GetRefreshToken(_ context.Context, token string) (*RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rt, ok := m.refreshTokens[token]
	if !ok || m.now().After(rt.Expires) {
		return nil, ErrNotFound
	}
	crt := *rt
	crt.Scope = maps.Clone(rt.Scope)
	return &crt, nil
}

func (m *MemStore) GetRuntimeOverrides(_ context.Context, id string) (*config.RuntimeOverrides, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.overrides[id]
	if !ok {
		return nil, ErrNotFound
	}
	co := *o
	return &co, nil
}

func (m *MemStore) PutRuntimeOverrides(_ context.Context, id string, o *config.RuntimeOverrides) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	co := *o
	m.overrides[id] = &co
	return nil
}

func cloneClient(c *Client) *Client {
	cc := *c
	cc.RedirectURIs = slices.Clone(c.RedirectURIs)
	cc.Scope = maps.Clone(c.Scope)
	return &cc
}

func cloneUser(u *User) *User {
	cu := *u
	cu.Claims = slices.Clone(u.Claims)
	return &cu
}

func cloneAuthCode(c *AuthCode) *AuthCode {
	cc := *c
	cc.Scope = maps.Clone(c.Scope)
	cc.Request.Scope = maps.Clone(c.Request.Scope)
	return &cc
}
