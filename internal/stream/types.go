package stream

import (
	"context"
	"encoding/json"
)

// Outbound message types
const (
	TypeTranscription = "transcription"
	TypeResponseText  = "response_text"
	TypeAudioEnd      = "audio_end"
)

// CloseInternalError is the WebSocket close code sent when a turn fails
const CloseInternalError = 1011

// Message is a typed JSON text frame sent to the client
type Message struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// MarshalJSON omits content from the terminal marker only, so an empty
// transcription still carries its content field.
func (m Message) MarshalJSON() ([]byte, error) {
	if m.Type == TypeAudioEnd {
		return json.Marshal(struct {
			Type string `json:"type"`
		}{m.Type})
	}
	type plain Message
	return json.Marshal(plain(m))
}

// FragmentStream is a single-pass sequence of response fragments.
// Next returns io.EOF once the sequence is exhausted.
type FragmentStream interface {
	Next(ctx context.Context) (string, error)
	Close() error
}

// Generator produces a reply to prompt, conditioned on the conversation
// history kept for sessionID
type Generator interface {
	Generate(ctx context.Context, sessionID, prompt string) (FragmentStream, error)
}

// Synthesizer converts text to audio. Empty audio with a nil error is valid.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Transcriber converts recorded audio to text. It never fails; on error it
// returns a diagnostic sentence instead.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) string
}

// Sink is the outbound half of a client connection
type Sink interface {
	WriteMessage(msg Message) error
	WriteAudio(frame []byte) error
	CloseWithError(code int, reason string) error
}
