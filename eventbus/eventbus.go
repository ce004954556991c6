// Package eventbus publishes connection lifecycle events to interested parties,
// either in process or over NATS.
package eventbus

import (
	"context"
	"errors"
)

var (
	// ErrBusFull is returned by an in-memory bus when a subscriber's buffer is full.
	// The message is dropped for that subscriber only.
	ErrBusFull = errors.New("eventbus: subscriber buffer full")

	// ErrBusClosed is returned after Close.
	ErrBusClosed = errors.New("eventbus: closed")
)

// Message is anything that can be put on the wire.
type Message interface {
	Serialize() []byte
}

type Bus interface {
	Publish(topic string, msg Message) error
	Subscribe(topic string, handler MessageReceiver) error
	Close() error
}

type MessageReceiver interface {
	Receive(ctx context.Context, msg Message)
}

// ReceiverFunc adapts a function to MessageReceiver.
type ReceiverFunc func(ctx context.Context, msg Message)

// Receive calls f.
func (f ReceiverFunc) Receive(ctx context.Context, msg Message) {
	f(ctx, msg)
}
