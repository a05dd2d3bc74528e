package repository

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/samber/oops"

	"trade-machine/backend/internal/cache"
	"trade-machine/backend/internal/security"
	"trade-machine/backend/internal/session/domain"
)

// CacheRepository stores sessions in the shared cache as JSON under prefix+ID.
type CacheRepository struct {
	cache  cache.Cache
	prefix string
	cookie domain.CookieOptions
	nowF   func() time.Time
}

// NewCacheRepository returns a session repository. prefix is environment-specific (e.g. "sess:").
func NewCacheRepository(c cache.Cache, prefix string, cookie domain.CookieOptions) *CacheRepository {
	return &CacheRepository{cache: c, prefix: prefix, cookie: cookie, nowF: time.Now}
}

// Key returns the cache key for a session ID.
func (r *CacheRepository) Key(id string) string {
	return r.prefix + id
}

// Prefix returns the session keyspace prefix.
func (r *CacheRepository) Prefix() string {
	return r.prefix
}

func (r *CacheRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	if id == "" {
		return nil, nil
	}
	raw, err := r.cache.Get(ctx, r.Key(id))
	if errors.Is(err, cache.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.With("operation", "get session").Wrap(err)
	}
	data, ok := Decode(raw)
	if !ok {
		return nil, nil
	}
	return &domain.Session{ID: id, Data: data}, nil
}

func (r *CacheRepository) Create(ctx context.Context, userID string) (*domain.Session, error) {
	id, err := security.NewSessionID()
	if err != nil {
		return nil, oops.With("operation", "generate session id").Wrap(err)
	}
	s := &domain.Session{ID: id, Data: domain.Data{User: userID}}
	if err := r.Save(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *CacheRepository) Save(ctx context.Context, s *domain.Session) error {
	s.Data.Cookie = r.cookie.Meta(r.nowF())
	b, err := json.Marshal(s.Data)
	if err != nil {
		return oops.With("operation", "encode session").Wrap(err)
	}
	if err := r.cache.Set(ctx, r.Key(s.ID), string(b), r.cookie.MaxAge); err != nil {
		return oops.With("operation", "save session").Wrap(err)
	}
	return nil
}

func (r *CacheRepository) Revoke(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	if _, err := r.cache.Del(ctx, r.Key(id)); err != nil {
		return oops.With("operation", "revoke session").Wrap(err)
	}
	return nil
}

func (r *CacheRepository) RevokeAllSessionsByUser(ctx context.Context, userID string) (int, error) {
	keys, err := r.cache.Keys(ctx, r.prefix)
	if err != nil {
		return 0, oops.With("operation", "scan sessions").Wrap(err)
	}
	var owned []string
	for _, key := range keys {
		raw, err := r.cache.Get(ctx, key)
		if errors.Is(err, cache.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, oops.With("operation", "read session").With("key", key).Wrap(err)
		}
		if data, ok := Decode(raw); ok && data.User == userID {
			owned = append(owned, key)
		}
	}
	n, err := r.cache.Del(ctx, owned...)
	if err != nil {
		return 0, oops.With("operation", "revoke user sessions").With("user_id", userID).Wrap(err)
	}
	return int(n), nil
}

// Decode parses a cached session value. Malformed values report false.
func Decode(raw string) (domain.Data, bool) {
	var d domain.Data
	if strings.TrimSpace(raw) == "" {
		return d, false
	}
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return d, false
	}
	return d, true
}
