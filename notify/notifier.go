// Package notify delivers outbox messages to downstream consumers. Delivery
// is fire-and-forget with respect to the core engine: every transition's
// message is committed into the outbox by the writing transaction, and the
// dispatcher drains it afterwards. A delivery failure bumps the attempt
// counter and never touches task or ledger state.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// Notifier sends one message to the outside world.
type Notifier interface {
	Notify(ctx context.Context, topic string, payload []byte) error
}

// NATSNotifier publishes outbox messages to NATS subjects. The outbox topic
// is used as the subject verbatim.
type NATSNotifier struct {
	conn *nats.Conn
}

func NewNATSNotifier(url string) (*NATSNotifier, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("notify: connect to NATS: %w", err)
	}
	return &NATSNotifier{conn: conn}, nil
}

func (n *NATSNotifier) Notify(_ context.Context, topic string, payload []byte) error {
	if err := n.conn.Publish(topic, payload); err != nil {
		return fmt.Errorf("notify: publish %s: %w", topic, err)
	}
	return nil
}

func (n *NATSNotifier) Close() {
	n.conn.Close()
}

// LogNotifier writes deliveries to the log. It backs local runs without a
// broker.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, topic string, payload []byte) error {
	n.logger.Info("notification", "topic", topic, "payload", string(payload))
	return nil
}
