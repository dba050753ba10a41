package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/vocalglass/voice-gateway/internal/session"
	"github.com/vocalglass/voice-gateway/internal/stream"
)

type sliceStream struct {
	fragments []string
}

func (s *sliceStream) Next(ctx context.Context) (string, error) {
	if len(s.fragments) == 0 {
		return "", io.EOF
	}
	f := s.fragments[0]
	s.fragments = s.fragments[1:]
	return f, nil
}

func (s *sliceStream) Close() error { return nil }

// scriptedGenerator answers every prompt with the same fragments
type scriptedGenerator struct {
	fragments []string
	err       error

	mu       sync.Mutex
	prompts  []string
	sessions []string
	images   [][]string
}

func (g *scriptedGenerator) Generate(ctx context.Context, sessionID, prompt string) (stream.FragmentStream, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	g.mu.Unlock()
	return &sliceStream{fragments: append([]string(nil), g.fragments...)}, nil
}

func (g *scriptedGenerator) GenerateWithImages(ctx context.Context, sessionID, prompt string, images []string) (stream.FragmentStream, error) {
	g.mu.Lock()
	g.sessions = append(g.sessions, sessionID)
	g.images = append(g.images, images)
	g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	return g.Generate(ctx, sessionID, prompt)
}

func (g *scriptedGenerator) Prompts() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.prompts...)
}

type echoSynthesizer struct {
	err error
}

func (s *echoSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []byte("pcm:" + text), nil
}

type fakeTranscriber struct {
	text string

	mu       sync.Mutex
	received [][]byte
}

func (t *fakeTranscriber) Transcribe(ctx context.Context, audio []byte) string {
	t.mu.Lock()
	t.received = append(t.received, audio)
	t.mu.Unlock()
	return t.text
}

func (t *fakeTranscriber) Received() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.received...)
}

type fakeUploader struct {
	name        string
	data        []byte
	contentType string
	err         error
}

func (u *fakeUploader) Upload(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	if u.err != nil {
		return "", u.err
	}
	u.name, u.data, u.contentType = name, data, contentType
	return "https://cdn.example.com/audio_assets/" + name, nil
}

type harness struct {
	server      *httptest.Server
	manager     *session.Manager
	generator   *scriptedGenerator
	synthesizer *echoSynthesizer
	transcriber *fakeTranscriber
}

func newHarness(t *testing.T, fragments []string, opts ...session.Option) *harness {
	t.Helper()

	h := &harness{
		manager:     session.NewManager(opts...),
		generator:   &scriptedGenerator{fragments: fragments},
		synthesizer: &echoSynthesizer{},
		transcriber: &fakeTranscriber{text: "what time is it"},
	}

	srv := New(Config{
		Manager:     h.manager,
		Turns:       stream.NewOrchestrator(h.generator, h.synthesizer, stream.Options{Delimiter: "\n", ChunkSize: 4}),
		Transcriber: h.transcriber,
		Synthesizer: h.synthesizer,
	})
	mux := http.NewServeMux()
	srv.Register(mux)

	h.server = httptest.NewServer(mux)
	t.Cleanup(func() {
		h.server.Close()
		h.manager.Shutdown(context.Background())
	})
	return h
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws/chat"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

type frame struct {
	binary bool
	data   string
}

// readUntilEnd collects frames up to and including the audio_end marker,
// skipping keepalive pings
func readUntilEnd(t *testing.T, conn *websocket.Conn) []frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var frames []frame
	for {
		messageType, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if messageType == websocket.TextMessage && string(data) == pingMessage {
			continue
		}
		frames = append(frames, frame{binary: messageType == websocket.BinaryMessage, data: string(data)})
		if string(data) == `{"type":"audio_end"}` {
			return frames
		}
	}
}

var errProvider = errors.New("provider unavailable")
