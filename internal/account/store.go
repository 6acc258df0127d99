// Package account stores the account token and looks up account data
// from the account service.
package account

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"
)

const keyringUser = "account-token"

// TokenStore keeps the account token in the OS keyring.
type TokenStore struct {
	service string

	mu     sync.Mutex
	cached *string
}

// NewTokenStore returns a store using the keyring service name service.
func NewTokenStore(service string) *TokenStore {
	return &TokenStore{service: service}
}

// Token returns the stored token, or "" when none is set.
func (s *TokenStore) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil {
		return *s.cached, nil
	}
	token, err := keyring.Get(s.service, keyringUser)
	if errors.Is(err, keyring.ErrNotFound) {
		token, err = "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read account token: %w", err)
	}
	s.cached = &token
	return token, nil
}

// SetToken stores token. An empty token removes the stored one.
func (s *TokenStore) SetToken(token string) error {
	token = strings.TrimSpace(token)

	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if token == "" {
		err = keyring.Delete(s.service, keyringUser)
		if errors.Is(err, keyring.ErrNotFound) {
			err = nil
		}
	} else {
		err = keyring.Set(s.service, keyringUser, token)
	}
	if err != nil {
		s.cached = nil
		return fmt.Errorf("store account token: %w", err)
	}
	s.cached = &token
	return nil
}
