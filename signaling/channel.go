package signaling

import (
	"context"
	"errors"
)

// ErrClosed is returned by a Channel after Close or after the remote side hung up.
var ErrClosed = errors.New("signaling: channel closed")

// Channel is a bidirectional, ordered stream of signaling frames.
type Channel interface {
	Send(ctx context.Context, payload []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}
