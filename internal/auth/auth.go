// Package auth authenticates API keys and stamps user identity onto the
// request context. Keys are stored hashed; lookups hit a short-TTL redis
// cache before falling back to postgres.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var ErrKeyNotFound = errors.New("api key not found")

const cacheTTL = 5 * time.Minute

type APIKey struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	KeyHash   string    `json:"key_hash"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// MarshalBinary / UnmarshalBinary let redis round-trip the struct.
func (a *APIKey) MarshalBinary() ([]byte, error) {
	return json.Marshal(a)
}

func (a *APIKey) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, a)
}

type Store interface {
	GetByKey(ctx context.Context, key string) (*APIKey, error)
	Create(ctx context.Context, apiKey *APIKey) error
	Revoke(ctx context.Context, keyID string) error
}

type contextKey string

const (
	userIDKey    contextKey = "user_id"
	requestIDKey contextKey = "request_id"
)

// HashKey is the canonical key-hashing used by the store, the seeder and
// the cache.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Middleware returns a chi-compatible handler wrapper enforcing bearer
// API-key auth.
func Middleware(store Store, cache *redis.Client, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			requestID := uuid.New().String()
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			w.Header().Set("X-Request-ID", requestID)

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				http.Error(w, "Unauthorized: missing or invalid Authorization header", http.StatusUnauthorized)
				return
			}
			key := strings.TrimPrefix(authHeader, "Bearer ")
			cacheKey := "auth:" + HashKey(key)

			var cached APIKey
			switch err := cache.Get(ctx, cacheKey).Scan(&cached); {
			case err == nil:
				next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, userIDKey, cached.UserID)))
				return
			case err != redis.Nil:
				log.Warn("auth cache read failed", zap.Error(err))
			}

			apiKey, err := store.GetByKey(ctx, key)
			if err != nil {
				if errors.Is(err, ErrKeyNotFound) {
					http.Error(w, "Unauthorized: invalid API key", http.StatusUnauthorized)
					return
				}
				log.Error("auth store lookup failed", zap.Error(err))
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			if err := cache.Set(ctx, cacheKey, apiKey, cacheTTL).Err(); err != nil {
				log.Warn("auth cache write failed", zap.Error(err))
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, userIDKey, apiKey.UserID)))
		})
	}
}

func UserID(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok {
		return id
	}
	return ""
}

func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// WithUserID and WithRequestID exist for tests and internal callers.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
