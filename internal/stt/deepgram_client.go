package stt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/vocalglass/voice-gateway/internal/observability"
	"github.com/vocalglass/voice-gateway/internal/resilience"
)

var sdkInit sync.Once

// DeepgramTranscriber transcribes complete recordings with Deepgram's
// pre-recorded API. It never returns an error to callers.
type DeepgramTranscriber struct {
	recognize      recognizer
	timeout        time.Duration
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewDeepgramTranscriber creates a transcriber backed by the Deepgram REST API
func NewDeepgramTranscriber(cfg Config) *DeepgramTranscriber {
	sdkInit.Do(listenClient.InitWithDefault)

	options := &interfaces.PreRecordedTranscriptionOptions{
		Model:     cfg.Model,
		Language:  cfg.Language,
		Punctuate: true,
	}
	dg := api.New(listenClient.NewREST(cfg.APIKey, &interfaces.ClientOptions{}))

	recognize := func(ctx context.Context, audio io.Reader) (string, error) {
		res, err := dg.FromStream(ctx, audio, options)
		if err != nil {
			return "", err
		}

		var parts []string
		for _, channel := range res.Results.Channels {
			if len(channel.Alternatives) == 0 {
				continue
			}
			if text := strings.TrimSpace(channel.Alternatives[0].Transcript); text != "" {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, " "), nil
	}

	return newTranscriber(cfg, recognize)
}

func newTranscriber(cfg Config, recognize recognizer) *DeepgramTranscriber {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	resetTimeout := cfg.CircuitBreakerResetTimeout
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}

	return &DeepgramTranscriber{
		recognize: recognize,
		timeout:   timeout,
		circuitBreaker: resilience.NewCircuitBreaker(
			"deepgram",
			cfg.CircuitBreakerMaxFailures,
			resetTimeout,
		).OnResult(observability.BreakerListener),
		logger: observability.ComponentLogger("stt").With().
			Str("model", cfg.Model).
			Str("language", cfg.Language).
			Logger(),
	}
}

// Transcribe converts a recording to text. Failures are logged and replaced
// with FallbackTranscript so the turn can proceed.
func (d *DeepgramTranscriber) Transcribe(ctx context.Context, audio []byte) string {
	if len(audio) == 0 {
		return ""
	}

	start := time.Now()
	text, err := d.call(ctx, audio)
	if err != nil {
		d.logger.Error().Err(err).Int("bytes", len(audio)).Msg("Transcription failed")
		observability.RecordError("transcription_failed", "stt")
		return FallbackTranscript
	}

	d.logger.Debug().
		Int("bytes", len(audio)).
		Dur("latency", time.Since(start)).
		Str("transcript", text).
		Msg("Transcription complete")
	return text
}

func (d *DeepgramTranscriber) call(ctx context.Context, audio []byte) (text string, err error) {
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	// only the caller's ctx is passed to the breaker: running past d.timeout
	// still counts against Deepgram
	start := time.Now()
	err = d.circuitBreaker.Call(ctx, func() (callErr error) {
		// the SDK response is walked without nil checks
		defer func() {
			if r := recover(); r != nil {
				callErr = fmt.Errorf("malformed deepgram response: %v", r)
			}
		}()
		text, callErr = d.recognize(callCtx, bytes.NewReader(audio))
		return callErr
	})
	if !errors.Is(err, resilience.ErrCircuitOpen) && (err == nil || ctx.Err() == nil) {
		observability.ObserveProvider(observability.ProviderSTT, start, err == nil)
	}
	return text, err
}
