package stream

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/vocalglass/voice-gateway/internal/audio"
	"github.com/vocalglass/voice-gateway/internal/observability"
)

// Options tunes how a reply is segmented and framed
type Options struct {
	// Delimiter marks a flush boundary when a fragment ends with it
	Delimiter string

	// ChunkSize bounds the size of each outbound audio frame
	ChunkSize int
}

// DefaultOptions flushes on every newline and sends 1 KiB frames
func DefaultOptions() Options {
	return Options{Delimiter: "\n", ChunkSize: audio.DefaultChunkSize}
}

// Orchestrator turns one prompt into interleaved text and audio frames
type Orchestrator struct {
	generator   Generator
	synthesizer Synthesizer
	opts        Options
	logger      zerolog.Logger
}

// NewOrchestrator creates an orchestrator. Zero option fields take defaults.
func NewOrchestrator(generator Generator, synthesizer Synthesizer, opts Options) *Orchestrator {
	defaults := DefaultOptions()
	if opts.Delimiter == "" {
		opts.Delimiter = defaults.Delimiter
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaults.ChunkSize
	}

	return &Orchestrator{
		generator:   generator,
		synthesizer: synthesizer,
		opts:        opts,
		logger:      observability.ComponentLogger("orchestrator"),
	}
}

// Run streams the reply to prompt into sink. Every fragment is forwarded as
// soon as it arrives; each completed segment is synthesized and its audio sent
// before the next fragment is pulled. The turn ends with an audio_end marker.
//
// A provider failure closes sink with CloseInternalError. A write failure is
// returned as *SendError and nothing more is written.
func (o *Orchestrator) Run(ctx context.Context, sessionID, prompt string, sink Sink) (err error) {
	if strings.TrimSpace(prompt) == "" {
		return ErrEmptyPrompt
	}

	logger := o.logger.With().Str("session_id", sessionID).Logger()
	defer func() {
		if err != nil {
			o.abort(ctx, sink, err, logger)
		}
	}()

	fragments, err := o.generator.Generate(ctx, sessionID, prompt)
	if err != nil {
		return &ProviderError{Stage: StageGenerate, Err: err}
	}
	defer fragments.Close()

	seg := newSegmenter(o.opts.Delimiter)
	segments := 0

	for {
		fragment, err := fragments.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return &ProviderError{Stage: StageGenerate, Err: err}
		}
		if fragment == "" {
			continue
		}

		if err := send(sink, Message{Type: TypeResponseText, Content: fragment}); err != nil {
			return err
		}

		if text, ok := seg.push(fragment); ok {
			if err := o.speak(ctx, sink, text); err != nil {
				return err
			}
			segments++
		}
	}

	if text, ok := seg.tail(); ok {
		if err := o.speak(ctx, sink, text); err != nil {
			return err
		}
		segments++
	}

	logger.Debug().
		Int("segments", segments).
		Str("complete_text", seg.completeText()).
		Msg("Turn complete")

	return send(sink, Message{Type: TypeAudioEnd})
}

// speak synthesizes one segment and writes all of its frames
func (o *Orchestrator) speak(ctx context.Context, sink Sink, text string) error {
	pcm, err := o.synthesizer.Synthesize(ctx, text)
	if err != nil {
		return &ProviderError{Stage: StageSynthesize, Err: err}
	}

	for _, frame := range audio.Chunk(pcm, o.opts.ChunkSize) {
		if err := sink.WriteAudio(frame); err != nil {
			return &SendError{Err: err}
		}
	}
	return nil
}

// abort closes the connection after a provider failure. Nothing is sent when
// the client is already gone or the session was torn down.
func (o *Orchestrator) abort(ctx context.Context, sink Sink, err error, logger zerolog.Logger) {
	if IsDisconnect(err) {
		logger.Warn().Err(err).Msg("Client went away during turn")
		return
	}
	if ctx.Err() != nil {
		logger.Warn().Err(err).Msg("Turn interrupted by session teardown")
		return
	}

	var providerErr *ProviderError
	if !errors.As(err, &providerErr) {
		return
	}

	logger.Error().Err(err).Str("stage", providerErr.Stage).Msg("Turn failed, closing connection")
	observability.RecordError(providerErr.Stage, "orchestrator")
	if closeErr := sink.CloseWithError(CloseInternalError, providerErr.Reason()); closeErr != nil {
		logger.Debug().Err(closeErr).Msg("Failed to send close frame")
	}
}

func send(sink Sink, msg Message) error {
	if err := sink.WriteMessage(msg); err != nil {
		return &SendError{Err: err}
	}
	return nil
}
