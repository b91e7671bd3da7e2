// Package identity owns user accounts: registration, password checks,
// session tokens and API keys. It never touches containers or files.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/mail"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/akshayaggarwal99/sandboxd/internal/errdefs"
	"github.com/akshayaggarwal99/sandboxd/internal/store"
)

const (
	minPasswordLength = 8

	// apiKeyBytes is the entropy of a generated API key (hex-encoded).
	apiKeyBytes = 32
)

// Service resolves credentials to user identities.
type Service struct {
	store      *store.Store
	signingKey []byte
	tokenTTL   time.Duration
}

// New creates an identity service. When signingKey is empty a process-scoped
// random key is generated, which invalidates outstanding session tokens on
// restart but never API keys.
func New(st *store.Store, signingKey string, tokenTTL time.Duration) (*Service, error) {
	key := []byte(signingKey)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		log.Warn().Msg("No session signing key configured, generated one for this process")
	}
	if tokenTTL <= 0 {
		tokenTTL = 5 * time.Hour
	}
	return &Service{store: st, signingKey: key, tokenTTL: tokenTTL}, nil
}

// Register creates a new active user with a freshly minted API key.
func (s *Service) Register(username, email, password string) (*store.User, error) {
	if username == "" {
		return nil, fmt.Errorf("username is required: %w", errdefs.ErrInvalidArgument)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, fmt.Errorf("invalid email address: %w", errdefs.ErrInvalidArgument)
	}
	if len(password) < minPasswordLength {
		return nil, fmt.Errorf("password must be at least %d characters: %w", minPasswordLength, errdefs.ErrInvalidArgument)
	}

	hash, err := hashPassword(password)
	if err != nil {
		return nil, err
	}
	key, err := newAPIKey()
	if err != nil {
		return nil, err
	}

	user := &store.User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		APIKey:       key,
		CreatedAt:    time.Now().UTC(),
		IsActive:     true,
	}
	if err := s.store.CreateUser(user); err != nil {
		return nil, err
	}
	log.Info().Str("user_id", user.ID).Str("username", username).Msg("Registered user")
	return user, nil
}

// VerifyPassword authenticates a username/password pair.
func (s *Service) VerifyPassword(username, password string) (*store.User, error) {
	user, err := s.store.GetUserByUsername(username)
	if err != nil {
		// Same failure as a wrong password so usernames cannot be probed.
		return nil, errdefs.ErrInvalidCredentials
	}
	ok, err := verifyPassword(password, user.PasswordHash)
	if err != nil || !ok || !user.IsActive {
		return nil, errdefs.ErrInvalidCredentials
	}
	return user, nil
}

// Token issues a signed session token for user.
func (s *Service) Token(user *store.User) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": user.ID,
		"iat": now.Unix(),
		"exp": now.Add(s.tokenTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ResolveToken validates a bearer token and returns its user.
func (s *Service) ResolveToken(bearer string) (*store.User, error) {
	token, err := jwt.Parse(bearer, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil || !token.Valid {
		return nil, errdefs.ErrInvalidCredentials
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return nil, errdefs.ErrInvalidCredentials
	}
	user, err := s.store.GetUser(sub)
	if err != nil || !user.IsActive {
		return nil, errdefs.ErrInvalidCredentials
	}
	return user, nil
}

// ResolveAPIKey returns the active user owning key.
func (s *Service) ResolveAPIKey(key string) (*store.User, error) {
	if key == "" {
		return nil, errdefs.ErrInvalidCredentials
	}
	user, err := s.store.GetUserByAPIKey(key)
	if err != nil || !user.IsActive {
		return nil, errdefs.ErrInvalidCredentials
	}
	return user, nil
}

// RegenerateAPIKey atomically replaces the user's API key and returns the
// new one. The old key stops resolving immediately.
func (s *Service) RegenerateAPIKey(user *store.User) (string, error) {
	key, err := newAPIKey()
	if err != nil {
		return "", err
	}
	user.APIKey = key
	if err := s.store.UpdateUser(user); err != nil {
		return "", err
	}
	log.Info().Str("user_id", user.ID).Msg("Regenerated API key")
	return key, nil
}

func newAPIKey() (string, error) {
	raw := make([]byte, apiKeyBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
