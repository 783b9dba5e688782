package signaling

import (
	"context"
	"sync"
)

const pipeBuffer = 64

// Pipe is an in-memory Channel end. Frames sent on one end are received on
// the other in order.
type Pipe struct {
	in   <-chan []byte
	out  chan<- []byte
	done chan struct{}
	peer *Pipe

	closeOnce sync.Once
}

// NewPipe returns two connected in-memory channel ends.
func NewPipe() (*Pipe, *Pipe) {
	aToB := make(chan []byte, pipeBuffer)
	bToA := make(chan []byte, pipeBuffer)

	a := &Pipe{in: bToA, out: aToB, done: make(chan struct{})}
	b := &Pipe{in: aToB, out: bToA, done: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

// Send delivers a copy of payload to the other end.
func (p *Pipe) Send(ctx context.Context, payload []byte) error {
	frame := append([]byte(nil), payload...)

	select {
	case <-p.done:
		return ErrClosed
	case <-p.peer.done:
		return ErrClosed
	default:
	}

	select {
	case p.out <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrClosed
	case <-p.peer.done:
		return ErrClosed
	}
}

// Receive returns the next frame, draining buffered frames before reporting close.
func (p *Pipe) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-p.in:
		return frame, nil
	default:
	}

	select {
	case frame := <-p.in:
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, ErrClosed
	case <-p.peer.done:
		select {
		case frame := <-p.in:
			return frame, nil
		default:
			return nil, ErrClosed
		}
	}
}

// Close closes this end. The other end observes ErrClosed once drained.
func (p *Pipe) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	return nil
}
