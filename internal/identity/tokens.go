package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const tokensFileName = "device-tokens.json"

// Token is one cached credential for a device and role.
type Token struct {
	Token     string   `json:"token"`
	Role      string   `json:"role"`
	Scopes    []string `json:"scopes,omitempty"`
	UpdatedAt int64    `json:"updatedAtMs"`
}

// TokenStore persists device tokens as a single JSON file keyed by
// "<deviceId>:<role>". Writes go through a temp file rename so a crash
// never leaves a truncated token file.
type TokenStore struct {
	path string
	mu   sync.Mutex
}

// NewTokenStore returns a store rooted at stateDir.
func NewTokenStore(stateDir string) *TokenStore {
	return &TokenStore{path: filepath.Join(stateDir, tokensFileName)}
}

// Get returns the cached token for a device and role, or nil when absent.
func (s *TokenStore) Get(deviceID, role string) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens, err := s.load()
	if err != nil {
		return nil, err
	}
	token, ok := tokens[tokenKey(deviceID, role)]
	if !ok {
		return nil, nil
	}
	return &token, nil
}

// Put stores a token, stamping UpdatedAt if unset.
func (s *TokenStore) Put(deviceID, role string, token Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens, err := s.load()
	if err != nil {
		return err
	}
	if token.Role == "" {
		token.Role = role
	}
	if token.UpdatedAt == 0 {
		token.UpdatedAt = time.Now().UnixMilli()
	}
	tokens[tokenKey(deviceID, role)] = token
	return s.save(tokens)
}

// Delete removes a cached token. Missing keys are not an error.
func (s *TokenStore) Delete(deviceID, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens, err := s.load()
	if err != nil {
		return err
	}
	delete(tokens, tokenKey(deviceID, role))
	return s.save(tokens)
}

func tokenKey(deviceID, role string) string {
	return deviceID + ":" + role
}

func (s *TokenStore) load() (map[string]Token, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]Token{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}
	tokens := map[string]Token{}
	if err := json.Unmarshal(raw, &tokens); err != nil {
		return nil, fmt.Errorf("failed to parse token file: %w", err)
	}
	return tokens, nil
}

func (s *TokenStore) save(tokens map[string]Token) error {
	data, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal tokens: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	return os.Rename(tmp, s.path)
}
