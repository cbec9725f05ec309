package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/PerryB-GIT/sessionforge-sub001/internal/store"
)

// API key validation failures. The three cases are distinct so the agent can
// surface an actionable message ("revoked" vs "malformed").
var (
	ErrKeyFormat   = errors.New("api key is malformed")
	ErrKeyNotFound = errors.New("api key not found")
	ErrKeyExpired  = errors.New("api key expired")
)

const (
	keyPrefix        = "sfk_"
	keySecretLen     = 43 // base64url of 32 random bytes, unpadded
	displayPrefixLen = 12
)

// ScopeAgent is the scope granted to agent API keys.
const ScopeAgent = "agent"

// KeyService validates and manages agent API keys. Keys are stored only as
// an HMAC-SHA256 digest under a server-side pepper, plus a short non-secret
// display prefix. The raw secret is returned exactly once at creation.
type KeyService struct {
	store  store.Store
	pepper []byte
	logger *slog.Logger
}

// NewKeyService creates a KeyService.
func NewKeyService(s store.Store, pepper string, logger *slog.Logger) *KeyService {
	return &KeyService{
		store:  s,
		pepper: []byte(pepper),
		logger: logger.With("component", "apikey"),
	}
}

// ValidateKey checks a presented credential and returns the owning identity.
// A structurally invalid key fails with ErrKeyFormat before any store lookup.
func (k *KeyService) ValidateKey(ctx context.Context, presented string) (*Identity, error) {
	if !validKeyFormat(presented) {
		return nil, ErrKeyFormat
	}

	rec, err := k.store.GetAPIKeyByDigest(ctx, k.digest(presented))
	if err != nil {
		return nil, fmt.Errorf("lookup api key: %w", err)
	}
	if rec == nil {
		return nil, ErrKeyNotFound
	}

	if rec.ExpiresAt != nil && rec.ExpiresAt.Before(time.Now()) {
		return nil, ErrKeyExpired
	}

	// Best-effort last-used bookkeeping; a failure here must never fail the
	// authentication itself.
	keyID := rec.ID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := k.store.TouchAPIKey(ctx, keyID, time.Now()); err != nil {
			k.logger.Warn("failed to record api key use", "key_id", keyID, "error", err)
		}
	}()

	user, err := k.store.GetUserByID(ctx, rec.UserID)
	if err != nil {
		return nil, fmt.Errorf("lookup key owner: %w", err)
	}
	if user == nil {
		return nil, ErrKeyNotFound
	}

	return &Identity{
		UserID:   user.ID,
		Username: user.Username,
		Role:     user.Role,
		Scopes:   []string{ScopeAgent},
	}, nil
}

// CreateKey mints a new API key for a user. The returned secret is the only
// copy; the store keeps digest and display prefix. A zero ttl means no expiry.
func (k *KeyService) CreateKey(ctx context.Context, userID, name string, ttl time.Duration) (*store.APIKey, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("generate key: %w", err)
	}
	secret := keyPrefix + base64.RawURLEncoding.EncodeToString(raw)

	key := &store.APIKey{
		ID:        uuid.New().String(),
		UserID:    userID,
		Name:      name,
		Prefix:    secret[:displayPrefixLen],
		Digest:    k.digest(secret),
		CreatedAt: time.Now(),
	}
	if ttl > 0 {
		exp := time.Now().Add(ttl)
		key.ExpiresAt = &exp
	}

	if err := k.store.CreateAPIKey(ctx, key); err != nil {
		return nil, "", fmt.Errorf("create api key: %w", err)
	}

	return key, secret, nil
}

// RevokeKey deletes a user's key. It reports whether a key was removed.
func (k *KeyService) RevokeKey(ctx context.Context, userID, keyID string) (bool, error) {
	return k.store.DeleteAPIKey(ctx, userID, keyID)
}

func (k *KeyService) digest(secret string) string {
	mac := hmac.New(sha256.New, k.pepper)
	mac.Write([]byte(secret))
	return hex.EncodeToString(mac.Sum(nil))
}

func validKeyFormat(s string) bool {
	if len(s) != len(keyPrefix)+keySecretLen {
		return false
	}
	if s[:len(keyPrefix)] != keyPrefix {
		return false
	}
	for _, c := range s[len(keyPrefix):] {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}
