package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/vocalglass/voice-gateway/internal/audio"
	"github.com/vocalglass/voice-gateway/internal/observability"
	"github.com/vocalglass/voice-gateway/internal/resilience"
)

const (
	defaultAPIURL     = "https://api.cartesia.ai/tts/bytes"
	defaultModelID    = "sonic"
	defaultVoiceID    = "a0e99841-438c-4a64-b679-ae501e7d6091"
	defaultSampleRate = 24000
	apiVersion        = "2024-06-10"

	// roughly -0.2 dBFS
	maxAmplitude = 32000
)

// CartesiaClient synthesizes speech with Cartesia's TTS API. Output is
// 16-bit mono PCM at the configured output rate. Safe for concurrent use.
type CartesiaClient struct {
	cfg            Config
	httpClient     *http.Client
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewCartesiaClient creates a new Cartesia TTS client
func NewCartesiaClient(cfg Config) *CartesiaClient {
	if cfg.APIURL == "" {
		cfg.APIURL = defaultAPIURL
	}
	if cfg.ModelID == "" {
		cfg.ModelID = defaultModelID
	}
	if cfg.VoiceID == "" {
		cfg.VoiceID = defaultVoiceID
	}
	if cfg.ProviderSampleRate <= 0 {
		cfg.ProviderSampleRate = defaultSampleRate
	}
	if cfg.OutputSampleRate <= 0 {
		cfg.OutputSampleRate = cfg.ProviderSampleRate
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.CircuitBreakerResetTimeout <= 0 {
		cfg.CircuitBreakerResetTimeout = 30 * time.Second
	}

	return &CartesiaClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		circuitBreaker: resilience.NewCircuitBreaker(
			"cartesia",
			cfg.CircuitBreakerMaxFailures,
			cfg.CircuitBreakerResetTimeout,
		).OnResult(observability.BreakerListener),
		logger: observability.ComponentLogger("tts"),
	}
}

// SampleRate returns the rate of the PCM returned by Synthesize
func (c *CartesiaClient) SampleRate() int {
	return c.cfg.OutputSampleRate
}

// Synthesize normalizes text and converts it to PCM. Text with nothing
// speakable left yields no audio and no error.
func (c *CartesiaClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	speech := Normalize(text)
	if speech == "" {
		c.logger.Debug().Str("text", text).Msg("Nothing speakable, skipping synthesis")
		return nil, nil
	}

	start := time.Now()
	var pcm []byte
	err := c.circuitBreaker.Call(ctx, func() error {
		var err error
		pcm, err = c.request(ctx, speech)
		return err
	})
	if !errors.Is(err, resilience.ErrCircuitOpen) && (err == nil || ctx.Err() == nil) {
		observability.ObserveProvider(observability.ProviderTTS, start, err == nil)
	}
	if err != nil {
		return nil, fmt.Errorf("cartesia: %w", err)
	}

	c.logger.Debug().
		Int("chars", len(speech)).
		Int("bytes", len(pcm)).
		Dur("latency", time.Since(start)).
		Msg("Synthesis complete")
	return pcm, nil
}

func (c *CartesiaClient) request(ctx context.Context, text string) ([]byte, error) {
	if text == "" {
		return nil, ErrEmptyText
	}

	body, err := json.Marshal(cartesiaRequest{
		ModelID:    c.cfg.ModelID,
		Transcript: text,
		Voice:      cartesiaVoice{Mode: "id", ID: c.cfg.VoiceID},
		OutputFormat: cartesiaOutputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: c.cfg.ProviderSampleRate,
		},
		Language: c.cfg.Language,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.cfg.APIKey)
	req.Header.Set("Cartesia-Version", apiVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio: %w", err)
	}

	return c.toOutputPCM(data)
}

// toOutputPCM unwraps a WAV body if the provider sent one, resamples to the
// output rate and scales clipping-level peaks down to maxAmplitude
func (c *CartesiaClient) toOutputPCM(data []byte) ([]byte, error) {
	rate := c.cfg.ProviderSampleRate
	if audio.IsWAV(data) {
		pcm, format, err := audio.DecodeWAV(data)
		if err != nil {
			return nil, err
		}
		if format.BitsPerSample != 16 || format.Channels != 1 {
			return nil, fmt.Errorf("unsupported WAV format: %d-bit, %d channels", format.BitsPerSample, format.Channels)
		}
		data, rate = pcm, format.SampleRate
	}

	if len(data)%2 != 0 {
		// drop a trailing half sample
		data = data[:len(data)-1]
	}
	pcm, err := audio.ResamplePCM(data, rate, c.cfg.OutputSampleRate)
	if err != nil {
		return nil, err
	}
	samples, err := audio.BytesToSamples(pcm)
	if err != nil {
		return nil, err
	}
	return audio.SamplesToBytes(audio.NormalizeAudio(samples, maxAmplitude)), nil
}
