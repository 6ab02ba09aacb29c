// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ory/fosite"

	"github.com/stacklok/toolhive-oidc/pkg/auth"
	"github.com/stacklok/toolhive-oidc/pkg/logger"
)

// timedEntry wraps a value with its creation time for TTL tracking.
// A zero expiresAt never expires.
type timedEntry[T any] struct {
	value     T
	createdAt time.Time
	expiresAt time.Time
}

func (e *timedEntry[T]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStorage implements Storage with in-memory maps.
// This implementation is thread-safe and suitable for development and testing.
// Use RedisStorage when several server replicas share sessions.
type MemoryStorage struct {
	mu sync.RWMutex

	// clients maps client_id -> Client for client lookup (fosite.ClientManager).
	clients map[string]fosite.Client

	// sessions maps handle -> principal. Principals are copied on the way in
	// and on the way out.
	sessions map[string]*timedEntry[*auth.Principal]

	// clientAssertionJWTs tracks JTIs to prevent JWT replay attacks per RFC 7523.
	clientAssertionJWTs map[string]time.Time

	// now is the clock used for expiration checks.
	now func() time.Time

	// cleanupInterval is how often the background cleanup runs
	cleanupInterval time.Duration

	// stopCleanup is used to signal the cleanup goroutine to stop
	stopCleanup chan struct{}

	// cleanupDone is closed when the cleanup goroutine has fully stopped
	cleanupDone chan struct{}

	closeOnce sync.Once
}

// MemoryStorageOption configures a MemoryStorage instance.
type MemoryStorageOption func(*MemoryStorage)

// WithCleanupInterval sets a custom cleanup interval.
func WithCleanupInterval(interval time.Duration) MemoryStorageOption {
	return func(s *MemoryStorage) {
		if interval > 0 {
			s.cleanupInterval = interval
		}
	}
}

// WithClock sets the clock used for expiration checks.
func WithClock(now func() time.Time) MemoryStorageOption {
	return func(s *MemoryStorage) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStorage creates a new MemoryStorage instance with initialized maps
// and starts the background cleanup goroutine.
func NewMemoryStorage(opts ...MemoryStorageOption) *MemoryStorage {
	s := &MemoryStorage{
		clients:             make(map[string]fosite.Client),
		sessions:            make(map[string]*timedEntry[*auth.Principal]),
		clientAssertionJWTs: make(map[string]time.Time),
		now:                 time.Now,
		cleanupInterval:     DefaultCleanupInterval,
		stopCleanup:         make(chan struct{}),
		cleanupDone:         make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Start background cleanup goroutine
	go s.cleanupLoop()

	return s
}

// Close stops the background cleanup goroutine and waits for it to finish.
// This should be called when the storage is no longer needed.
func (s *MemoryStorage) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
	})
	<-s.cleanupDone
	return nil
}

// cleanupLoop runs periodic cleanup of expired entries.
func (s *MemoryStorage) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

// cleanupExpired removes all expired entries from storage.
// Uses collect-then-delete pattern: collects expired keys under read lock,
// then deletes under write lock. This minimizes write lock hold time.
func (s *MemoryStorage) cleanupExpired() {
	now := s.now()

	// Phase 1: Collect expired keys under read lock
	s.mu.RLock()
	var expiredSessions []string
	for k, v := range s.sessions {
		if v.expired(now) {
			expiredSessions = append(expiredSessions, k)
		}
	}
	var expiredJWTs []string
	for k, exp := range s.clientAssertionJWTs {
		if now.After(exp) {
			expiredJWTs = append(expiredJWTs, k)
		}
	}
	s.mu.RUnlock()

	if len(expiredSessions) == 0 && len(expiredJWTs) == 0 {
		return
	}

	// Phase 2: Delete under write lock, re-checking since entries may have been replaced
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, k := range expiredSessions {
		if v, ok := s.sessions[k]; ok && v.expired(now) {
			delete(s.sessions, k)
			removed++
		}
	}
	for _, k := range expiredJWTs {
		if exp, ok := s.clientAssertionJWTs[k]; ok && now.After(exp) {
			delete(s.clientAssertionJWTs, k)
		}
	}

	logger.Debugw("cleaned up expired sessions", "count", removed)
}

// RegisterClient adds or replaces a client in the storage.
func (s *MemoryStorage) RegisterClient(_ context.Context, client fosite.Client) error {
	if client == nil || client.GetID() == "" {
		return fosite.ErrInvalidRequest.WithHint("client id cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[client.GetID()] = client
	return nil
}

// GetClient loads the client by its ID.
func (s *MemoryStorage) GetClient(_ context.Context, id string) (fosite.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[id]
	if !ok {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Client not found"))
	}
	return client, nil
}

// ClientAssertionJWTValid returns an error if the JTI is known and not expired.
func (s *MemoryStorage) ClientAssertionJWTValid(_ context.Context, jti string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if exp, ok := s.clientAssertionJWTs[jti]; ok && s.now().Before(exp) {
		return fosite.ErrJTIKnown
	}
	return nil
}

// SetClientAssertionJWT marks a JTI as known for the given expiry time.
func (s *MemoryStorage) SetClientAssertionJWT(_ context.Context, jti string, exp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.clientAssertionJWTs[jti]; ok && s.now().Before(existing) {
		return fosite.ErrJTIKnown
	}
	s.clientAssertionJWTs[jti] = exp
	return nil
}

// StoreSession stores a copy of the principal under the handle.
func (s *MemoryStorage) StoreSession(_ context.Context, handle string, principal *auth.Principal, ttl time.Duration) error {
	if handle == "" {
		return fosite.ErrInvalidRequest.WithHint("session handle cannot be empty")
	}
	if principal == nil {
		return fosite.ErrInvalidRequest.WithHint("principal cannot be nil")
	}

	now := s.now()
	entry := &timedEntry[*auth.Principal]{
		value:     principal.Clone(),
		createdAt: now,
	}
	if ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[handle] = entry
	return nil
}

// GetSession returns a copy of the principal stored under the handle.
func (s *MemoryStorage) GetSession(_ context.Context, handle string) (*auth.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.sessions[handle]
	if !ok {
		return nil, fmt.Errorf("%w: session not found", ErrNotFound)
	}
	if entry.expired(s.now()) {
		return nil, ErrExpired
	}
	return entry.value.Clone(), nil
}

// DeleteSession removes the handle.
func (s *MemoryStorage) DeleteSession(_ context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[handle]; !ok {
		return fmt.Errorf("%w: session not found", ErrNotFound)
	}
	delete(s.sessions, handle)
	return nil
}

// Stats returns the number of clients and sessions currently held.
func (s *MemoryStorage) Stats() (clients, sessions int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients), len(s.sessions)
}
