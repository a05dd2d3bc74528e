// Package sso hands an authenticated session from one allow-listed origin to another with a
// single-use transfer token kept in the shared cache.
package sso

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"trade-machine/backend/internal/cache"
	"trade-machine/backend/internal/platform/apperr"
	"trade-machine/backend/internal/security"
	sessiondomain "trade-machine/backend/internal/session/domain"
	sessionrepo "trade-machine/backend/internal/session/repository"
)

const (
	// KeyPrefix namespaces transfer tokens in the cache.
	KeyPrefix = "sso:transfer:"
	// DefaultTTL is the lifetime of an unredeemed transfer token.
	DefaultTTL = 60 * time.Second
)

// Client-visible failure messages.
const (
	msgInvalidToken  = "invalid or expired token"
	msgInvalidOrigin = "invalid origin"
)

// TransferPayload is the value stored under a transfer token.
type TransferPayload struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

// Redemption is the result of a successful Redeem.
type Redemption struct {
	Payload TransferPayload
	// Session is the original session's data as stored by the issuing origin.
	Session sessiondomain.Data
}

// Broker issues and redeems transfer tokens.
type Broker struct {
	cache         cache.Cache
	sessionPrefix string
	ttl           time.Duration
	origins       map[string]struct{}
	logger        *slog.Logger
}

// NewBroker returns a Broker. sessionPrefix is the environment's session key prefix; allowedOrigins
// are the fully-qualified origins permitted to redeem tokens. ttl <= 0 selects DefaultTTL.
func NewBroker(c cache.Cache, sessionPrefix string, allowedOrigins []string, ttl time.Duration, logger *slog.Logger) *Broker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[NormalizeOrigin(o)] = struct{}{}
	}
	return &Broker{cache: c, sessionPrefix: sessionPrefix, ttl: ttl, origins: origins, logger: logger}
}

// Issue stores {sessionID, userID} under a fresh token and returns the token. The TTL is attached
// only when this call created the key, so a colliding key keeps its original expiry.
func (b *Broker) Issue(ctx context.Context, sessionID, userID string) (string, error) {
	token, err := security.NewTransferToken()
	if err != nil {
		return "", apperr.Internal("generate transfer token", err)
	}
	value, err := json.Marshal(TransferPayload{SessionID: sessionID, UserID: userID})
	if err != nil {
		return "", apperr.Internal("encode transfer payload", err)
	}
	key := KeyPrefix + token
	created, err := b.cache.SetIfAbsent(ctx, key, string(value))
	if err != nil {
		return "", apperr.Internal("store transfer token", err)
	}
	if created {
		if _, err := b.cache.Expire(ctx, key, b.ttl); err != nil {
			return "", apperr.Internal("expire transfer token", err)
		}
	} else {
		b.logger.WarnContext(ctx, "transfer token collision", "user_id", userID)
	}
	return token, nil
}

// Consume reads and deletes the token. It returns (nil, nil) when the token is unknown, already
// consumed (including by a concurrent caller) or holds malformed data. The key is deleted once read.
func (b *Broker) Consume(ctx context.Context, token string) (*TransferPayload, error) {
	key := KeyPrefix + token
	raw, err := b.cache.Get(ctx, key)
	if errors.Is(err, cache.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Internal("read transfer token", err)
	}
	deleted, err := b.cache.Del(ctx, key)
	if err != nil {
		return nil, apperr.Internal("delete transfer token", err)
	}
	if deleted == 0 {
		return nil, nil
	}
	var p TransferPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		b.logger.WarnContext(ctx, "malformed transfer token payload", "error", err)
		return nil, nil
	}
	return &p, nil
}

// LoadOriginalSession reads the issuing session straight from the cache. Returns nil when it is gone.
func (b *Broker) LoadOriginalSession(ctx context.Context, sessionID string) (*sessiondomain.Data, error) {
	if sessionID == "" {
		return nil, nil
	}
	raw, err := b.cache.Get(ctx, b.sessionPrefix+sessionID)
	if errors.Is(err, cache.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Internal("read original session", err)
	}
	data, ok := sessionrepo.Decode(raw)
	if !ok {
		return nil, nil
	}
	return &data, nil
}

// OriginAllowed reports whether origin may take part in session transfer.
func (b *Broker) OriginAllowed(origin string) bool {
	_, ok := b.origins[NormalizeOrigin(origin)]
	return ok
}

// Redeem validates the token and origin, consumes the token and loads the original session.
// Every failure is Forbidden. The token is burned as soon as it has been read, even when the
// original session turns out to be missing.
func (b *Broker) Redeem(ctx context.Context, origin, token string) (*Redemption, error) {
	if !security.IsTransferToken(token) {
		return nil, apperr.Forbidden(msgInvalidToken)
	}
	if !b.OriginAllowed(origin) {
		return nil, apperr.Forbidden(msgInvalidOrigin)
	}
	payload, err := b.Consume(ctx, token)
	if err != nil {
		return nil, err
	}
	if payload == nil || payload.SessionID == "" {
		return nil, apperr.Forbidden(msgInvalidToken)
	}
	data, err := b.LoadOriginalSession(ctx, payload.SessionID)
	if err != nil {
		return nil, err
	}
	if data == nil || data.User == "" || data.User != payload.UserID {
		return nil, apperr.Forbidden(msgInvalidToken)
	}
	return &Redemption{Payload: *payload, Session: *data}, nil
}

// NormalizeOrigin lower-cases scheme and host and drops a trailing slash.
func NormalizeOrigin(origin string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(origin), "/"))
}
