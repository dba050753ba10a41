package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vocalglass/voice-gateway/internal/observability"
	"github.com/vocalglass/voice-gateway/internal/session"
	"github.com/vocalglass/voice-gateway/internal/storage"
	"github.com/vocalglass/voice-gateway/internal/stream"
)

const (
	defaultWriteTimeout   = 10 * time.Second
	defaultMaxMessageSize = 8 << 20
	defaultSampleRate     = 24000
)

// TurnRunner streams one reply to a client
type TurnRunner interface {
	Run(ctx context.Context, sessionID, prompt string, sink stream.Sink) error
}

// VisionGenerator streams a reply to a prompt with images attached
type VisionGenerator interface {
	GenerateWithImages(ctx context.Context, sessionID, prompt string, images []string) (stream.FragmentStream, error)
}

// Config wires the server to its collaborators
type Config struct {
	Manager     *session.Manager
	Turns       TurnRunner
	Transcriber stream.Transcriber
	Synthesizer stream.Synthesizer

	// Vision serves /vision_chat. The route is not mounted when nil.
	Vision VisionGenerator

	// Uploader stores /text_to_wav results. When nil the WAV is returned in
	// the response body.
	Uploader storage.Uploader

	// SampleRate of the PCM produced by Synthesizer
	SampleRate int

	// AccessTokens accepted on the REST endpoints. Empty disables auth.
	AccessTokens []string

	WriteTimeout   time.Duration
	MaxMessageSize int64
}

// Server serves the chat WebSocket and the REST speech endpoints
type Server struct {
	manager     *session.Manager
	turns       TurnRunner
	transcriber stream.Transcriber
	synthesizer stream.Synthesizer
	vision      VisionGenerator
	uploader    storage.Uploader

	sampleRate     int
	tokens         [][]byte
	writeTimeout   time.Duration
	maxMessageSize int64

	logger zerolog.Logger
}

// New creates a server
func New(cfg Config) *Server {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = defaultSampleRate
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}

	var tokens [][]byte
	for _, t := range cfg.AccessTokens {
		if t = strings.TrimSpace(t); t != "" {
			tokens = append(tokens, []byte(t))
		}
	}

	return &Server{
		manager:        cfg.Manager,
		turns:          cfg.Turns,
		transcriber:    cfg.Transcriber,
		synthesizer:    cfg.Synthesizer,
		vision:         cfg.Vision,
		uploader:       cfg.Uploader,
		sampleRate:     cfg.SampleRate,
		tokens:         tokens,
		writeTimeout:   cfg.WriteTimeout,
		maxMessageSize: cfg.MaxMessageSize,
		logger:         observability.ComponentLogger("server"),
	}
}

// Register mounts the chat and speech routes on mux
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/ws/chat", s.HandleChat)
	mux.HandleFunc("POST /text_to_wav", s.requireToken(s.handleTextToWAV))
	mux.HandleFunc("POST /audio_to_text", s.requireToken(s.handleAudioToText))
	if s.vision != nil {
		mux.HandleFunc("POST /vision_chat", s.requireToken(s.handleVisionChat))
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}
