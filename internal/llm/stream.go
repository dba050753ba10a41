package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// fragmentStream reads one server-sent event stream. Each Next call blocks
// until the next content delta arrives.
type fragmentStream struct {
	client  *Client
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  func()

	sessionID string
	prompt    string
	start     time.Time

	reply  strings.Builder
	done   bool
	err    error
	closed bool
}

func (s *fragmentStream) Next(ctx context.Context) (string, error) {
	if s.done {
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}
	if err := ctx.Err(); err != nil {
		return "", s.fail(ctx, err)
	}

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return "", s.complete(ctx)
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return "", s.fail(ctx, fmt.Errorf("failed to decode chunk: %w", err))
		}
		if chunk.Error != nil {
			return "", s.fail(ctx, fmt.Errorf("API error: %s", chunk.Error.Message))
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		content := chunk.Choices[0].Delta.Content
		if content == "" {
			continue
		}
		s.reply.WriteString(content)
		return content, nil
	}

	if err := s.scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = errors.Join(ctxErr, err)
		}
		return "", s.fail(ctx, fmt.Errorf("read error: %w", err))
	}

	// some servers end the body without a [DONE] event
	return "", s.complete(ctx)
}

func (s *fragmentStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()
	if !s.done {
		// abandoned mid-reply; it never reaches history
		s.done = true
		s.err = errors.New("stream closed")
		s.client.finish(s.start, true)
	}
	return s.body.Close()
}

func (s *fragmentStream) complete(ctx context.Context) error {
	s.done = true
	s.client.finish(s.start, true)
	// a cancelled session's history is being deleted
	if ctx.Err() == nil {
		s.client.saveExchange(ctx, s.sessionID, s.prompt, s.reply.String())
	}
	return io.EOF
}

// fail ends the stream. Errors caused by the caller going away are not held
// against the provider.
func (s *fragmentStream) fail(ctx context.Context, err error) error {
	s.done = true
	s.err = err
	if ctx.Err() != nil {
		s.client.circuitBreaker.Release()
		return err
	}
	s.client.finish(s.start, false)
	return err
}
