package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/undoable/undoable/internal/common/config"
	"github.com/undoable/undoable/internal/common/logger"
)

// NATSBus is the multi-process Transport: every Event is JSON-encoded onto
// a real NATS connection, so any number of undoabled processes can share
// one Run Manager's event stream.
type NATSBus struct {
	conn *nats.Conn
	log  *logger.Logger
	cfg  config.NATSConfig
}

// NewNATSBus dials cfg.URL and wires reconnection logging. A nil logger
// falls back to the process-wide default.
func NewNATSBus(cfg config.NATSConfig, log *logger.Logger) (*NATSBus, error) {
	if log == nil {
		log = logger.Default()
	}
	b := &NATSBus{log: log, cfg: cfg}

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(5 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			} else {
				log.Info("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("nats connection closed", zap.Error(err))
			} else {
				log.Info("nats connection closed")
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("nats error", zap.Error(err), zap.String("subject", sub.Subject))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("bus: connect to nats at %s: %w", cfg.URL, err)
	}
	b.conn = conn
	log.Info("connected to nats", zap.String("url", cfg.URL))
	return b, nil
}

// Publish JSON-encodes event and publishes it to subject.
func (b *NATSBus) Publish(ctx context.Context, subject string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("bus: marshal event: %w", err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		b.log.Error("nats publish failed", zap.String("subject", subject), zap.Error(err))
		return fmt.Errorf("bus: publish to %s: %w", subject, err)
	}
	b.log.Debug("published", zap.String("subject", subject), zap.String("eventId", event.ID))
	return nil
}

// Subscribe registers handler against subject via the underlying NATS
// connection.
func (b *NATSBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject, b.wrap(handler))
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe to %s: %w", subject, err)
	}
	return &natsSubscription{sub: sub}, nil
}

// QueueSubscribe registers handler as a NATS queue-group member for subject.
func (b *NATSBus) QueueSubscribe(subject, queue string, handler Handler) (Subscription, error) {
	sub, err := b.conn.QueueSubscribe(subject, queue, b.wrap(handler))
	if err != nil {
		return nil, fmt.Errorf("bus: queue subscribe to %s/%s: %w", subject, queue, err)
	}
	return &natsSubscription{sub: sub}, nil
}

// wrap adapts a Handler to the nats.MsgHandler callback shape, decoding
// each message back into an Event before dispatch.
func (b *NATSBus) wrap(handler Handler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.log.Error("nats message decode failed", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		if err := handler(context.Background(), &event); err != nil {
			b.log.Error("event handler error",
				zap.String("subject", msg.Subject),
				zap.String("eventId", event.ID),
				zap.Error(err))
		}
	}
}

// Request publishes event and blocks for NATS's native reply mechanism.
func (b *NATSBus) Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("bus: marshal request: %w", err)
	}
	msg, err := b.conn.Request(subject, data, timeout)
	if err != nil {
		return nil, fmt.Errorf("bus: request to %s: %w", subject, err)
	}
	var reply Event
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("bus: decode reply: %w", err)
	}
	return &reply, nil
}

// Close drains pending messages, then closes the connection.
func (b *NATSBus) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.log.Warn("nats drain failed, closing directly", zap.Error(err))
		b.conn.Close()
		return
	}
	b.log.Info("nats connection closed")
}

// IsConnected reports the underlying connection's live status.
func (b *NATSBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}
