// Package session tracks the external agent's continuation token per chat
// user, so a later prompt resumes the same conversation instead of starting
// fresh. Entries expire after seven days of inactivity.
package session

import (
	"time"

	"relaybot/internal/kvstore"
	"relaybot/pkg/logx"
)

// TTL after which a session is treated as absent and purged on next access.
const TTL = 7 * 24 * time.Hour

// Store is keyed by (platform, user id).
type Store struct {
	kv *kvstore.Store[string]
}

func New(path string, log logx.Logger) *Store {
	return &Store{kv: kvstore.New[string](path, TTL, log)}
}

func key(platform, userID string) string { return platform + ":" + userID }

// Get returns the continuation token for a user, or "" if none is live.
func (s *Store) Get(platform, userID string) (string, error) {
	v, ok, err := s.kv.Get(key(platform, userID))
	if err != nil || !ok {
		return "", err
	}
	return v, nil
}

// Set stores or refreshes a user's continuation token.
func (s *Store) Set(platform, userID, token string) error {
	return s.kv.Set(key(platform, userID), token)
}

// Clear removes a user's session so their next message starts fresh.
func (s *Store) Clear(platform, userID string) error {
	return s.kv.Remove(key(platform, userID))
}

// ClearAll removes every session.
func (s *Store) ClearAll() error {
	return s.kv.RemoveAll()
}

// CleanupExpired purges all expired sessions and returns the count removed.
func (s *Store) CleanupExpired() (int, error) {
	return s.kv.SweepExpired()
}
