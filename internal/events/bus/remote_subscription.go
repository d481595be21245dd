package bus

import "github.com/nats-io/nats.go"

// natsSubscription adapts a live *nats.Subscription to the Subscription
// interface so NATSBus callers never import the nats package directly.
type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) IsValid() bool {
	return s.sub != nil && s.sub.IsValid()
}
