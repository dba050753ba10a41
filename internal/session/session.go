package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vocalglass/voice-gateway/internal/observability"
)

var (
	// ErrClosed is returned when a torn-down session receives audio
	ErrClosed = errors.New("session closed")

	// ErrBufferFull is returned when a recording exceeds the configured limit
	ErrBufferFull = errors.New("audio buffer full")
)

// Conn is the part of a client connection the manager needs
type Conn interface {
	// Ping sends a keepalive signal to the client
	Ping() error

	// Close releases the underlying transport
	Close() error
}

// Session is the state of one open connection. The audio buffer is owned by
// the connection's read loop; the liveness probe never touches it.
type Session struct {
	ID            string
	CorrelationID string
	Logger        zerolog.Logger
	Metrics       *observability.Metrics

	conn     Conn
	ctx      context.Context
	cancel   context.CancelFunc
	probeOut chan struct{}

	mu       sync.Mutex
	audio    bytes.Buffer
	maxAudio int
	closed   bool
}

func newSession(parent context.Context, id string, conn Conn, maxAudio int) *Session {
	ctx, cancel := context.WithCancel(parent)
	correlationID := observability.NewCorrelationID()

	return &Session{
		ID:            id,
		CorrelationID: correlationID,
		Logger:        observability.SessionLogger(id, correlationID),
		Metrics:       observability.NewSessionMetrics(id),
		conn:          conn,
		ctx:           ctx,
		cancel:        cancel,
		probeOut:      make(chan struct{}),
		maxAudio:      maxAudio,
	}
}

// Context is cancelled when the session is torn down
func (s *Session) Context() context.Context {
	return s.ctx
}

// ProbeDone is closed once the session's liveness probe has exited
func (s *Session) ProbeDone() <-chan struct{} {
	return s.probeOut
}

// AppendAudio adds an inbound audio frame to the recording buffer
func (s *Session) AppendAudio(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.maxAudio > 0 && s.audio.Len()+len(p) > s.maxAudio {
		return fmt.Errorf("%w: %d bytes buffered, limit %d", ErrBufferFull, s.audio.Len(), s.maxAudio)
	}

	s.audio.Write(p)
	return nil
}

// DrainAudio returns the buffered recording and rewinds the buffer
func (s *Session) DrainAudio() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.audio.Len() == 0 {
		return nil
	}
	data := make([]byte, s.audio.Len())
	copy(data, s.audio.Bytes())
	s.audio.Reset()
	return data
}

// release cancels the probe and drops the buffer. It runs once per session.
func (s *Session) release() {
	s.cancel()

	s.mu.Lock()
	s.closed = true
	s.audio = bytes.Buffer{}
	s.mu.Unlock()
}
