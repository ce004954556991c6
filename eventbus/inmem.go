package eventbus

import (
	"context"
	"errors"
	"sync"
)

var _ Bus = (*InMem)(nil)

const defaultBuffer = 100

// InMem delivers messages to subscribers of the same topic through buffered
// channels, one goroutine per subscriber. Publish never blocks.
type InMem struct {
	mu     sync.RWMutex
	subs   map[string][]chan Message
	buffer int
	closed bool
	wg     sync.WaitGroup
}

func NewInMemBus() *InMem {
	return NewInMemBusWithBuffer(defaultBuffer)
}

// NewInMemBusWithBuffer sets the per-subscriber buffer size.
func NewInMemBusWithBuffer(buffer int) *InMem {
	if buffer < 1 {
		buffer = 1
	}
	return &InMem{
		subs:   make(map[string][]chan Message),
		buffer: buffer,
	}
}

// Publish fans msg out to every subscriber of topic. Subscribers whose buffer
// is full miss the message and ErrBusFull is returned.
func (b *InMem) Publish(topic string, msg Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}

	var err error
	for _, ch := range b.subs[topic] {
		select {
		case ch <- msg:
		default:
			err = errors.Join(err, ErrBusFull)
		}
	}
	return err
}

func (b *InMem) Subscribe(topic string, handler MessageReceiver) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}

	ch := make(chan Message, b.buffer)
	b.subs[topic] = append(b.subs[topic], ch)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for m := range ch {
			handler.Receive(context.Background(), m)
		}
	}()
	return nil
}

// Close stops accepting messages, lets subscribers drain their buffers and
// waits for them.
func (b *InMem) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, chans := range b.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	b.subs = nil
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}
