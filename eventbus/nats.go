package eventbus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var _ Bus = (*NatsConn[Message])(nil)

// NatsConn publishes serialized messages on NATS subjects named after the
// topic. Received payloads are decoded as JSON into T; payloads that do not
// decode are logged and skipped.
type NatsConn[T Message] struct {
	nc  *nats.Conn
	log *zap.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewNatsBus connects to url. The connection is named "netclient" unless an
// option says otherwise.
func NewNatsBus[T Message](url string, opts ...nats.Option) (*NatsConn[T], error) {
	nc, err := nats.Connect(url, append([]nats.Option{nats.Name("netclient")}, opts...)...)
	if err != nil {
		return nil, err
	}
	return &NatsConn[T]{nc: nc, log: zap.NewNop()}, nil
}

// WithLogger sets the logger used for undecodable payloads.
func (eb *NatsConn[T]) WithLogger(l *zap.Logger) *NatsConn[T] {
	if l != nil {
		eb.log = l.Named("nats")
	}
	return eb
}

func (eb *NatsConn[T]) Publish(topic string, msg Message) error {
	return eb.nc.Publish(topic, msg.Serialize())
}

func (eb *NatsConn[T]) Subscribe(topic string, handler MessageReceiver) error {
	sub, err := eb.nc.Subscribe(topic, func(m *nats.Msg) {
		var msg T
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			eb.log.Warn("dropping undecodable message", zap.String("subject", m.Subject), zap.Error(err))
			return
		}
		handler.Receive(context.Background(), msg)
	})
	if err != nil {
		return err
	}
	eb.mu.Lock()
	eb.subs = append(eb.subs, sub)
	eb.mu.Unlock()
	return nil
}

// Close unsubscribes, flushes pending publishes and closes the connection.
func (eb *NatsConn[T]) Close() error {
	eb.mu.Lock()
	subs := eb.subs
	eb.subs = nil
	eb.mu.Unlock()

	var err error
	for _, s := range subs {
		err = multierr.Append(err, s.Unsubscribe())
	}
	if eb.nc.IsClosed() {
		return err
	}
	return multierr.Append(err, eb.nc.Drain())
}
