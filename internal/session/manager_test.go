package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeConn struct {
	pingErr atomic.Value
	pings   atomic.Int32
	closes  atomic.Int32
}

func (c *fakeConn) Ping() error {
	c.pings.Add(1)
	if err, ok := c.pingErr.Load().(error); ok {
		return err
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.closes.Add(1)
	return nil
}

func (c *fakeConn) failPings(err error) {
	c.pingErr.Store(err)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

func TestManager_Connect(t *testing.T) {
	m := NewManager(WithPingInterval(time.Hour))
	conn := &fakeConn{}

	s, err := m.Connect(conn)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer m.Disconnect(s.ID)

	if s.ID == "" {
		t.Fatal("Expected a session id")
	}
	if got := registered(m, s.ID); got != s {
		t.Error("Expected session to be registered")
	}
	if m.Len() != 1 {
		t.Errorf("Expected 1 session, got %d", m.Len())
	}
	if m.ActiveProbes() != 1 {
		t.Errorf("Expected 1 active probe, got %d", m.ActiveProbes())
	}
}

func TestManager_UniqueIDs(t *testing.T) {
	m := NewManager(WithPingInterval(time.Hour))
	ids := []string{"dup", "dup", "dup", "fresh"}
	var mu sync.Mutex
	m.newID = func() string {
		mu.Lock()
		defer mu.Unlock()
		id := ids[0]
		if len(ids) > 1 {
			ids = ids[1:]
		}
		return id
	}

	first, err := m.Connect(&fakeConn{})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	second, err := m.Connect(&fakeConn{})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if first.ID != "dup" || second.ID != "fresh" {
		t.Errorf("Expected ids dup and fresh, got %s and %s", first.ID, second.ID)
	}

	m.Disconnect(first.ID)
	m.Disconnect(second.ID)
}

func TestManager_DisconnectIdempotent(t *testing.T) {
	var closed []string
	m := NewManager(WithPingInterval(time.Hour), WithOnClose(func(id string) {
		closed = append(closed, id)
	}))
	conn := &fakeConn{}

	s, err := m.Connect(conn)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if !m.Disconnect(s.ID) {
		t.Error("Expected first Disconnect to report removal")
	}
	if m.Disconnect(s.ID) {
		t.Error("Expected second Disconnect to be a no-op")
	}
	if m.Disconnect("unknown") {
		t.Error("Expected Disconnect on unknown id to be a no-op")
	}

	if m.Len() != 0 {
		t.Errorf("Expected 0 sessions, got %d", m.Len())
	}
	if got := conn.closes.Load(); got != 1 {
		t.Errorf("Expected connection to be closed once, got %d", got)
	}
	if len(closed) != 1 || closed[0] != s.ID {
		t.Errorf("Expected one close hook call for %s, got %v", s.ID, closed)
	}

	select {
	case <-s.ProbeDone():
	case <-time.After(time.Second):
		t.Fatal("Probe did not exit after Disconnect")
	}
	if m.ActiveProbes() != 0 {
		t.Errorf("Expected 0 active probes, got %d", m.ActiveProbes())
	}
}

func TestManager_ProbePings(t *testing.T) {
	m := NewManager(WithPingInterval(5 * time.Millisecond))
	conn := &fakeConn{}

	s, err := m.Connect(conn)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer m.Disconnect(s.ID)

	if !waitFor(t, time.Second, func() bool { return conn.pings.Load() >= 2 }) {
		t.Errorf("Expected at least 2 pings, got %d", conn.pings.Load())
	}
	if m.Len() != 1 {
		t.Error("Expected healthy session to stay registered")
	}
}

func TestManager_ProbeFailureDisconnects(t *testing.T) {
	interval := 50 * time.Millisecond
	m := NewManager(WithPingInterval(interval))
	conn := &fakeConn{}
	conn.failPings(errors.New("broken pipe"))

	s, err := m.Connect(conn)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	select {
	case <-s.ProbeDone():
	case <-time.After(2 * interval):
		t.Fatal("Probe did not exit within one ping interval of the failure")
	}

	if m.Len() != 0 {
		t.Errorf("Expected no sessions after probe failure, got %d", m.Len())
	}
	if registered(m, s.ID) != nil {
		t.Error("Expected session to be removed after probe failure")
	}
	if m.ActiveProbes() != 0 {
		t.Errorf("Expected no orphaned probes, got %d", m.ActiveProbes())
	}
	if got := conn.closes.Load(); got != 1 {
		t.Errorf("Expected connection to be closed once, got %d", got)
	}
	if s.Context().Err() == nil {
		t.Error("Expected session context to be cancelled")
	}

	// the read loop's deferred cleanup still runs afterwards
	if m.Disconnect(s.ID) {
		t.Error("Expected Disconnect after probe teardown to be a no-op")
	}
}

func TestManager_Shutdown(t *testing.T) {
	m := NewManager(WithPingInterval(time.Hour))
	conns := []*fakeConn{{}, {}, {}}
	for _, c := range conns {
		if _, err := m.Connect(c); err != nil {
			t.Fatalf("Connect failed: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if m.Len() != 0 || m.ActiveProbes() != 0 {
		t.Errorf("Expected empty manager, got %d sessions and %d probes", m.Len(), m.ActiveProbes())
	}
	for i, c := range conns {
		if c.closes.Load() != 1 {
			t.Errorf("Connection %d closed %d times", i, c.closes.Load())
		}
	}

	if _, err := m.Connect(&fakeConn{}); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Expected ErrShuttingDown, got %v", err)
	}
}
