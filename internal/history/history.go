// Package history keeps the per-session conversation used to condition replies.
package history

import (
	"context"
	"errors"
)

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultMaxMessages bounds a conversation when no limit is configured
const DefaultMaxMessages = 20

// ErrInvalidKey is returned for an empty session key
var ErrInvalidKey = errors.New("invalid history key")

// Message is one entry of a conversation
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Store persists conversations keyed by session id. Implementations keep
// only the most recent messages.
type Store interface {
	// Load returns the conversation in order. An unknown key yields no messages.
	Load(ctx context.Context, key string) ([]Message, error)

	// Append adds messages to the end of the conversation
	Append(ctx context.Context, key string, msgs ...Message) error

	// Delete drops the conversation
	Delete(ctx context.Context, key string) error
}
