package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/not-nullexception/image-reducer/internal/artifact"
	"github.com/not-nullexception/image-reducer/internal/logger"
	"github.com/not-nullexception/image-reducer/internal/metrics"
	"github.com/rs/zerolog"
)

// Manager owns the open sessions and ends the ones left idle
type Manager struct {
	store      artifact.Store
	compressor Compressor
	opts       Options
	ttl        time.Duration
	now        func() time.Time
	logger     zerolog.Logger

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
}

func NewManager(store artifact.Store, compressor Compressor, opts Options, ttl time.Duration) *Manager {
	return &Manager{
		store:      store,
		compressor: compressor,
		opts:       opts,
		ttl:        ttl,
		now:        time.Now,
		logger:     logger.GetLogger("session-manager"),
		sessions:   make(map[uuid.UUID]*Session),
	}
}

// Create opens a new idle session
func (m *Manager) Create(ctx context.Context) *Session {
	s := newSession(uuid.New(), m.store, m.compressor, m.opts, m.now)

	m.mu.Lock()
	m.sessions[s.id] = s
	count := len(m.sessions)
	m.mu.Unlock()

	metrics.ActiveSessions.Set(float64(count))
	logger.FromContext(ctx).Info().Str("session_id", s.id.String()).Msg("Session created")
	return s
}

// Get returns the session with the given id
func (m *Manager) Get(id string) (*Session, error) {
	sid, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("error parsing session id %q: %w", id, ErrSessionNotFound)
	}

	m.mu.RLock()
	s, ok := m.sessions[sid]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	return s, nil
}

// Delete ends the session and releases its references
func (m *Manager) Delete(ctx context.Context, id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}

	m.remove(s.id)
	s.Close(ctx)

	logger.FromContext(ctx).Info().Str("session_id", id).Msg("Session deleted")
	return nil
}

// Len returns the number of open sessions
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep ends sessions idle for longer than the TTL and returns how many were
// ended. Sessions with a running compression are kept.
func (m *Manager) Sweep(ctx context.Context) int {
	if m.ttl <= 0 {
		return 0
	}

	cutoff := m.now().Add(-m.ttl)

	m.mu.RLock()
	candidates := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		candidates = append(candidates, s)
	}
	m.mu.RUnlock()

	expired := 0
	for _, s := range candidates {
		if s.closeIfIdle(ctx, cutoff) {
			m.remove(s.id)
			expired++
		}
	}

	if expired > 0 {
		m.logger.Info().Int("expired", expired).Int("remaining", m.Len()).Msg("Expired idle sessions")
	}
	return expired
}

// Run sweeps on every interval until ctx ends
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", interval).Dur("ttl", m.ttl).Msg("Starting session sweeper")

	for {
		select {
		case <-ticker.C:
			m.Sweep(ctx)
		case <-ctx.Done():
			m.logger.Info().Msg("Stopping session sweeper")
			return
		}
	}
}

// Close ends every session
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[uuid.UUID]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close(ctx)
	}
	metrics.ActiveSessions.Set(0)

	m.logger.Info().Int("closed", len(sessions)).Msg("All sessions closed")
}

func (m *Manager) remove(id uuid.UUID) {
	m.mu.Lock()
	delete(m.sessions, id)
	count := len(m.sessions)
	m.mu.Unlock()

	metrics.ActiveSessions.Set(float64(count))
}
