// Package tokenstore binds validated queries to short-lived opaque tokens.
// A token's bound query never changes after issue; entries expire after a
// fixed TTL and are purged lazily on lookup and by a periodic sweep.
package tokenstore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/textql/textql/internal/observability"
	"github.com/textql/textql/internal/sqlguard"
	"github.com/textql/textql/internal/textql"
)

const tokenBytes = 32

// ErrDuplicateToken reports a token collision on insert. Issue retries with
// a fresh token; the existing binding is never replaced.
var ErrDuplicateToken = errors.New("token already issued")

// Entry is a QueryToken: the opaque handle plus the query it binds.
type Entry struct {
	Token     string
	Query     sqlguard.ValidatedQuery
	Question  string
	Session   string
	ExpiresAt time.Time
}

type Config struct {
	TTL           time.Duration
	SweepInterval time.Duration
	// SingleUse lets a token execute once. The spent entry stays readable
	// through Peek until its TTL so the result can still be rated.
	SingleUse bool
}

type slot struct {
	entry    Entry
	consumed bool
}

type Store struct {
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
	entropy io.Reader

	mu      sync.Mutex
	entries map[string]slot
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithEntropy replaces the random source used for tokens.
func WithEntropy(r io.Reader) Option {
	return func(s *Store) { s.entropy = r }
}

func New(cfg Config, opts ...Option) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	s := &Store{
		cfg:     cfg,
		now:     time.Now,
		entropy: rand.Reader,
		entries: make(map[string]slot),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue stores q under a fresh token bound to session.
func (s *Store) Issue(session, question string, q sqlguard.ValidatedQuery) (Entry, error) {
	if q.IsZero() {
		return Entry{}, fmt.Errorf("issue token: query is not validated")
	}
	for attempt := 0; attempt < 3; attempt++ {
		token, err := s.newToken()
		if err != nil {
			return Entry{}, err
		}
		entry := Entry{
			Token:     token,
			Query:     q,
			Question:  question,
			Session:   session,
			ExpiresAt: s.now().Add(s.cfg.TTL),
		}
		err = s.insert(entry)
		if errors.Is(err, ErrDuplicateToken) {
			continue
		}
		if err != nil {
			return Entry{}, err
		}
		observability.IncrementTokensIssued()
		return entry, nil
	}
	return Entry{}, fmt.Errorf("issue token: %w", ErrDuplicateToken)
}

// insert adds entry only if its token is absent.
func (s *Store) insert(entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[entry.Token]; exists {
		return ErrDuplicateToken
	}
	s.entries[entry.Token] = slot{entry: entry}
	observability.SetActiveTokens(len(s.entries))
	return nil
}

// Resolve returns the entry bound to token for session. A token issued to a
// different session resolves as not found. In single-use mode the lookup
// and the consumption happen under one lock, so exactly one concurrent
// caller wins and later callers see not found.
func (s *Store) Resolve(session, token string) (Entry, error) {
	entry, err := s.resolve(session, token, s.cfg.SingleUse)
	s.recordOutcome(err)
	return entry, err
}

// Peek resolves without consuming a single-use token, and keeps serving a
// consumed one until it expires. Feedback uses it so a query can be rated
// before or after it runs.
func (s *Store) Peek(session, token string) (Entry, error) {
	entry, err := s.resolve(session, token, false)
	s.recordOutcome(err)
	return entry, err
}

func (s *Store) resolve(session, token string, consume bool) (Entry, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.entries[token]
	if !ok || current.entry.Session != session {
		return Entry{}, textql.ErrTokenNotFound
	}
	if !now.Before(current.entry.ExpiresAt) {
		delete(s.entries, token)
		observability.SetActiveTokens(len(s.entries))
		observability.AddTokensPurged(1)
		return Entry{}, textql.ErrTokenExpired
	}
	if consume {
		if current.consumed {
			return Entry{}, textql.ErrTokenNotFound
		}
		current.consumed = true
		s.entries[token] = current
	}
	return current.entry, nil
}

func (s *Store) recordOutcome(err error) {
	switch {
	case err == nil:
		observability.IncrementTokenResolution("ok")
	case errors.Is(err, textql.ErrTokenExpired):
		observability.IncrementTokenResolution("expired")
	default:
		observability.IncrementTokenResolution("not_found")
	}
}

// Purge drops every expired entry and reports how many were removed.
func (s *Store) Purge() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for token, current := range s.entries {
		if !now.Before(current.entry.ExpiresAt) {
			delete(s.entries, token)
			removed++
		}
	}
	observability.SetActiveTokens(len(s.entries))
	observability.AddTokensPurged(removed)
	return removed
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Run sweeps expired tokens every SweepInterval until ctx is done.
func (s *Store) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			removed := s.Purge()
			if s.logger != nil && removed > 0 {
				s.logger.DebugContext(ctx, "token sweep completed", slog.Int("purged", removed))
			}
		}
	}
}

func (s *Store) newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(s.entropy, buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
