package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vocalglass/voice-gateway/internal/history"
	"github.com/vocalglass/voice-gateway/internal/observability"
	"github.com/vocalglass/voice-gateway/internal/resilience"
	"github.com/vocalglass/voice-gateway/internal/stream"
)

const (
	defaultEndpoint = "https://api.openai.com/v1"
	defaultModel    = "gpt-4o-mini"
	defaultTimeout  = 60 * time.Second

	maxSSELine = 1 << 20
)

// Config holds chat completions settings
type Config struct {
	APIKey       string
	Endpoint     string // base URL; /chat/completions is appended
	Model        string
	Temperature  float64
	SystemPrompt string
	Timeout      time.Duration // bounds a whole streamed reply

	CircuitBreakerMaxFailures  int
	CircuitBreakerResetTimeout time.Duration
}

// Client streams replies from an OpenAI-compatible chat completions API.
// It is safe for concurrent use by many sessions.
type Client struct {
	cfg            Config
	httpClient     *http.Client
	history        history.Store
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewClient creates a chat client. store may be nil to disable memory.
func NewClient(cfg Config, store history.Store) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.CircuitBreakerResetTimeout <= 0 {
		cfg.CircuitBreakerResetTimeout = 30 * time.Second
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		history:    store,
		circuitBreaker: resilience.NewCircuitBreaker(
			"llm",
			cfg.CircuitBreakerMaxFailures,
			cfg.CircuitBreakerResetTimeout,
		).OnResult(observability.BreakerListener),
		logger: observability.ComponentLogger("llm"),
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

// chatMessage carries either plain Content or, for prompts with images,
// multimodal Parts. On the wire both use the "content" field.
type chatMessage struct {
	Role    string
	Content string
	Parts   []contentPart
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type wireMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

func (m chatMessage) MarshalJSON() ([]byte, error) {
	var content interface{} = m.Content
	if len(m.Parts) > 0 {
		content = m.Parts
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireMessage{Role: m.Role, Content: raw})
}

func (m *chatMessage) UnmarshalJSON(data []byte) error {
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	m.Role = wire.Role
	if len(wire.Content) > 0 && wire.Content[0] == '[' {
		return json.Unmarshal(wire.Content, &m.Parts)
	}
	return json.Unmarshal(wire.Content, &m.Content)
}

func textMessage(msg history.Message) chatMessage {
	return chatMessage{Role: msg.Role, Content: msg.Content}
}

// userMessage attaches base64 JPEG images to prompt as data URLs
func userMessage(prompt string, images []string) chatMessage {
	if len(images) == 0 {
		return chatMessage{Role: history.RoleUser, Content: prompt}
	}
	parts := []contentPart{{Type: "text", Text: prompt}}
	for _, img := range images {
		parts = append(parts, contentPart{
			Type:     "image_url",
			ImageURL: &imageURL{URL: "data:image/jpeg;base64," + img},
		})
	}
	return chatMessage{Role: history.RoleUser, Parts: parts}
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Generate starts a streamed reply to prompt, conditioned on the history kept
// for sessionID. The exchange is added to that history only when the stream
// completes.
func (c *Client) Generate(ctx context.Context, sessionID, prompt string) (stream.FragmentStream, error) {
	return c.generate(ctx, sessionID, prompt, nil)
}

// GenerateWithImages is Generate with base64 encoded JPEG images attached to
// the prompt. Only the prompt text is kept in history.
func (c *Client) GenerateWithImages(ctx context.Context, sessionID, prompt string, images []string) (stream.FragmentStream, error) {
	return c.generate(ctx, sessionID, prompt, images)
}

func (c *Client) generate(ctx context.Context, sessionID, prompt string, images []string) (stream.FragmentStream, error) {
	if err := c.circuitBreaker.Allow(); err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	start := time.Now()

	messages := []chatMessage{{Role: history.RoleSystem, Content: c.cfg.SystemPrompt}}
	for _, msg := range c.loadHistory(ctx, sessionID) {
		messages = append(messages, textMessage(msg))
	}
	messages = append(messages, userMessage(prompt, images))

	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: c.cfg.Temperature,
		Stream:      true,
	})
	if err != nil {
		c.circuitBreaker.RecordResult(false)
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.Endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		cancel()
		c.circuitBreaker.RecordResult(false)
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			c.circuitBreaker.Release()
		} else {
			c.finish(start, false)
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		cancel()
		c.finish(start, false)
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)

	return &fragmentStream{
		client:    c,
		body:      resp.Body,
		scanner:   scanner,
		cancel:    cancel,
		sessionID: sessionID,
		prompt:    prompt,
		start:     start,
	}, nil
}

// Ping checks that the API endpoint answers
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Endpoint+"/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("llm endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) loadHistory(ctx context.Context, sessionID string) []history.Message {
	if c.history == nil {
		return nil
	}
	msgs, err := c.history.Load(ctx, sessionID)
	if err != nil {
		c.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to load history, continuing without it")
		return nil
	}
	return msgs
}

func (c *Client) saveExchange(ctx context.Context, sessionID, prompt, reply string) {
	if c.history == nil {
		return
	}
	err := c.history.Append(ctx, sessionID,
		history.Message{Role: history.RoleUser, Content: prompt},
		history.Message{Role: history.RoleAssistant, Content: reply},
	)
	if err != nil {
		c.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to save history")
	}
}

func (c *Client) finish(start time.Time, success bool) {
	c.circuitBreaker.RecordResult(success)
	observability.ObserveProvider(observability.ProviderLLM, start, success)
}
