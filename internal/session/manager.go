package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vocalglass/voice-gateway/internal/observability"
)

// ErrShuttingDown is returned by Connect once Shutdown has started
var ErrShuttingDown = errors.New("session manager is shutting down")

// DefaultPingInterval is the keepalive period used when none is configured
const DefaultPingInterval = 10 * time.Second

// Option configures a Manager
type Option func(*Manager)

// WithPingInterval sets the liveness probe period
func WithPingInterval(interval time.Duration) Option {
	return func(m *Manager) {
		if interval > 0 {
			m.interval = interval
		}
	}
}

// WithMaxAudio caps the per-session recording buffer. Zero means unbounded.
func WithMaxAudio(limit int) Option {
	return func(m *Manager) {
		m.maxAudio = limit
	}
}

// WithOnClose registers a hook that runs after a session is torn down
func WithOnClose(fn func(sessionID string)) Option {
	return func(m *Manager) {
		m.onClose = fn
	}
}

// Manager owns the registry of open sessions and their liveness probes
type Manager struct {
	interval time.Duration
	maxAudio int
	onClose  func(sessionID string)
	newID    func() string
	logger   zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	closing  bool

	probes       sync.WaitGroup
	activeProbes atomic.Int64
}

// NewManager creates an empty session registry
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		interval: DefaultPingInterval,
		newID:    uuid.NewString,
		logger:   observability.ComponentLogger("session"),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect registers a new session for conn and starts its liveness probe
func (m *Manager) Connect(conn Conn) (*Session, error) {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}

	id := m.newID()
	for m.sessions[id] != nil {
		id = m.newID()
	}

	s := newSession(context.Background(), id, conn, m.maxAudio)
	m.sessions[id] = s
	m.probes.Add(1)
	observability.SetActiveProbes(int(m.activeProbes.Add(1)))
	m.mu.Unlock()

	go m.probe(s)

	s.Metrics.RecordSessionStart()
	s.Logger.Info().Msg("Session connected")
	return s, nil
}

// Disconnect tears down the session with the given id. It is safe to call
// repeatedly and from any goroutine; only the first call has an effect.
func (m *Manager) Disconnect(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}

	s.release()
	if err := s.conn.Close(); err != nil {
		s.Logger.Debug().Err(err).Msg("Connection close returned error")
	}

	s.Metrics.RecordSessionEnd()
	if m.onClose != nil {
		m.onClose(id)
	}

	s.Logger.Info().Msg("Session disconnected")
	return true
}

// probe pings the client every interval until the session is torn down.
// A failed ping disconnects the session.
func (m *Manager) probe(s *Session) {
	defer func() {
		observability.SetActiveProbes(int(m.activeProbes.Add(-1)))
		close(s.probeOut)
		m.probes.Done()
	}()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.conn.Ping(); err != nil {
				s.Logger.Warn().Err(err).Msg("Liveness probe failed, disconnecting")
				m.Disconnect(s.ID)
				return
			}
		}
	}
}

// Len returns the number of open sessions
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// ActiveProbes returns the number of liveness probe goroutines still running
func (m *Manager) ActiveProbes() int {
	return int(m.activeProbes.Load())
}

// Shutdown disconnects every session and waits for all probes to exit
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Disconnect(id)
	}

	done := make(chan struct{})
	go func() {
		m.probes.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info().Int("sessions", len(ids)).Msg("All sessions closed")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
