package tts

import (
	"errors"
	"time"
)

// ErrEmptyText is returned when a request carries nothing to speak
var ErrEmptyText = errors.New("empty text")

// Config holds text-to-speech settings
type Config struct {
	APIKey  string
	APIURL  string
	VoiceID string
	ModelID string
	// Language is an optional ISO 639-1 hint
	Language string

	// ProviderSampleRate is the PCM rate requested from the provider
	ProviderSampleRate int
	// OutputSampleRate is the PCM rate handed to callers
	OutputSampleRate int

	Timeout time.Duration

	CircuitBreakerMaxFailures  int
	CircuitBreakerResetTimeout time.Duration
}

// cartesiaRequest is the request payload for the Cartesia bytes endpoint
type cartesiaRequest struct {
	ModelID      string               `json:"model_id"`
	Transcript   string               `json:"transcript"`
	Voice        cartesiaVoice        `json:"voice"`
	OutputFormat cartesiaOutputFormat `json:"output_format"`
	Language     string               `json:"language,omitempty"`
}

type cartesiaVoice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}
