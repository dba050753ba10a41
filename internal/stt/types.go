package stt

import (
	"context"
	"io"
	"time"
)

// FallbackTranscript is returned in place of a transcript when recognition fails
const FallbackTranscript = "there is something wrong with the transcription."

// Config holds speech-to-text settings
type Config struct {
	APIKey   string
	Model    string // nova-2, enhanced, base
	Language string // en, es, fr, ...
	Timeout  time.Duration

	CircuitBreakerMaxFailures  int
	CircuitBreakerResetTimeout time.Duration
}

// recognizer sends one recording to the provider and returns its transcript
type recognizer func(ctx context.Context, audio io.Reader) (string, error)
