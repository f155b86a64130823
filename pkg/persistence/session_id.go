package persistence

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultSessionCookieName = "chat_session_id"
	DefaultSessionCookiePath = "/"
	DefaultSessionMaxAge     = 7 * 24 * time.Hour
)

// Cookie describes where and for how long a value is remembered.
type Cookie struct {
	Name   string
	Path   string
	MaxAge time.Duration
}

type CookieOption func(*Cookie)

func WithCookieName(name string) CookieOption {
	return func(c *Cookie) { c.Name = name }
}

func WithCookiePath(path string) CookieOption {
	return func(c *Cookie) { c.Path = path }
}

func WithMaxAge(d time.Duration) CookieOption {
	return func(c *Cookie) { c.MaxAge = d }
}

// SessionIDStore remembers the active session identifier in a Store.
type SessionIDStore struct {
	store  Store
	cookie Cookie
}

func NewSessionIDStore(store Store, opts ...CookieOption) *SessionIDStore {
	c := Cookie{
		Name:   DefaultSessionCookieName,
		Path:   DefaultSessionCookiePath,
		MaxAge: DefaultSessionMaxAge,
	}
	for _, opt := range opts {
		opt(&c)
	}
	if strings.TrimSpace(c.Path) == "" {
		c.Path = DefaultSessionCookiePath
	}
	return &SessionIDStore{store: store, cookie: c}
}

func (s *SessionIDStore) Cookie() Cookie {
	return s.cookie
}

// Key is the path-scoped storage key.
func (s *SessionIDStore) Key() string {
	return "cookie:" + s.cookie.Path + ":" + s.cookie.Name
}

// Load returns the remembered session id, or "" when none is stored.
func (s *SessionIDStore) Load(ctx context.Context) (string, error) {
	if s == nil || s.store == nil {
		return "", nil
	}
	v, ok, err := s.store.Get(ctx, s.Key())
	if err != nil {
		return "", errors.Wrap(err, "load session id")
	}
	if !ok {
		return "", nil
	}
	return strings.TrimSpace(v), nil
}

func (s *SessionIDStore) Save(ctx context.Context, sessionID string) error {
	if s == nil || s.store == nil {
		return nil
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return s.Clear(ctx)
	}
	return errors.Wrap(s.store.Set(ctx, s.Key(), sessionID, s.cookie.MaxAge), "save session id")
}

func (s *SessionIDStore) Clear(ctx context.Context) error {
	if s == nil || s.store == nil {
		return nil
	}
	return errors.Wrap(s.store.Remove(ctx, s.Key()), "clear session id")
}
