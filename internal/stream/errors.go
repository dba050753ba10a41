package stream

import (
	"errors"
	"fmt"
)

// ErrEmptyPrompt is returned when a turn is started without any text
var ErrEmptyPrompt = errors.New("empty prompt")

// Turn stages that can fail
const (
	StageGenerate   = "generate"
	StageSynthesize = "synthesize"
)

// ProviderError is a generation or synthesis failure. It ends the turn and
// closes the connection abnormally.
type ProviderError struct {
	Stage string
	Err   error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Reason is the short close reason shown to the client
func (e *ProviderError) Reason() string {
	if e.Stage == StageSynthesize {
		return "Audio generation failed"
	}
	return "Response generation failed"
}

// SendError means the client can no longer be written to. It is handled
// as a disconnect, not as a new failure.
type SendError struct {
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed: %v", e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// IsDisconnect reports whether err means the client went away
func IsDisconnect(err error) bool {
	var sendErr *SendError
	return errors.As(err, &sendErr)
}
