package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"gbrestreamer/gateway/backend/store"
)

var (
	ErrInvalidKey = errors.New("invalid api key")
	ErrLockedOut  = errors.New("too many failed attempts, please try again later")
)

// KeyStore persists named API key hashes.
type KeyStore interface {
	CreateAPIKey(ctx context.Context, name string, keyHash string, description string) (*store.APIKey, error)
	ListAPIKeys(ctx context.Context) ([]store.APIKey, error)
	TouchAPIKey(ctx context.Context, id int64) error
}

// Service checks API keys against the configured bcrypt hash and the stored keys.
type Service struct {
	keys       KeyStore
	configHash func() string

	rateMu   sync.Mutex
	failures map[string]keyFailure
}

type keyFailure struct {
	count    int
	lockedAt time.Time
}

const (
	maxKeyFailures  = 5
	lockoutDuration = 5 * time.Minute
	bcryptCost      = 10
)

func New(keys KeyStore, configHash func() string) *Service {
	if configHash == nil {
		configHash = func() string { return "" }
	}
	return &Service{keys: keys, configHash: configHash, failures: make(map[string]keyFailure)}
}

// Enabled reports whether any key is configured. Without keys the API is open.
func (s *Service) Enabled(ctx context.Context) bool {
	if strings.TrimSpace(s.configHash()) != "" {
		return true
	}
	if s.keys == nil {
		return false
	}
	keys, err := s.keys.ListAPIKeys(ctx)
	// fail closed when the key table cannot be read
	return err != nil || len(keys) > 0
}

// Validate returns the name of the key matching token. client identifies the
// caller for lockout accounting.
func (s *Service) Validate(ctx context.Context, token string, client string) (string, error) {
	token = strings.TrimSpace(token)
	if s.isLockedOut(client) {
		return "", ErrLockedOut
	}
	if token == "" {
		s.recordFailure(client)
		return "", ErrInvalidKey
	}
	if hash := strings.TrimSpace(s.configHash()); hash != "" {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil {
			s.clearFailure(client)
			return "config", nil
		}
	}
	if s.keys != nil {
		keys, err := s.keys.ListAPIKeys(ctx)
		if err != nil {
			return "", err
		}
		for _, key := range keys {
			if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(token)) == nil {
				s.clearFailure(client)
				_ = s.keys.TouchAPIKey(ctx, key.ID)
				return key.Name, nil
			}
		}
	}
	s.recordFailure(client)
	return "", ErrInvalidKey
}

// CreateKey generates a random key, stores its hash under name and returns the plain key once.
func (s *Service) CreateKey(ctx context.Context, name string, description string) (string, *store.APIKey, error) {
	if s.keys == nil {
		return "", nil, errors.New("api key store is not configured")
	}
	plain, err := GenerateKey()
	if err != nil {
		return "", nil, err
	}
	hash, err := HashKey(plain)
	if err != nil {
		return "", nil, err
	}
	key, err := s.keys.CreateAPIKey(ctx, name, hash, description)
	if err != nil {
		return "", nil, err
	}
	return plain, key, nil
}

func HashKey(plain string) (string, error) {
	plain = strings.TrimSpace(plain)
	if len(plain) < 8 {
		return "", errors.New("api key must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcryptCost)
	if err != nil {
		return "", errors.New("failed to hash api key")
	}
	return string(hash), nil
}

func GenerateKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "gbgw_" + hex.EncodeToString(b), nil
}

func (s *Service) isLockedOut(client string) bool {
	s.rateMu.Lock()
	defer s.rateMu.Unlock()
	f, ok := s.failures[client]
	if !ok {
		return false
	}
	if f.count >= maxKeyFailures && time.Since(f.lockedAt) < lockoutDuration {
		return true
	}
	if time.Since(f.lockedAt) >= lockoutDuration {
		delete(s.failures, client)
	}
	return false
}

func (s *Service) recordFailure(client string) {
	s.rateMu.Lock()
	defer s.rateMu.Unlock()
	f := s.failures[client]
	f.count++
	f.lockedAt = time.Now()
	s.failures[client] = f
}

func (s *Service) clearFailure(client string) {
	s.rateMu.Lock()
	defer s.rateMu.Unlock()
	delete(s.failures, client)
}
