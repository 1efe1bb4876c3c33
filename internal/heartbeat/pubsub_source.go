package heartbeat

import (
	"context"

	"cloud.google.com/go/pubsub"
)

// pubsubMessage adapts *pubsub.Message to the Message interface.
type pubsubMessage struct{ m *pubsub.Message }

func (p pubsubMessage) Data() []byte { return p.m.Data }
func (p pubsubMessage) Ack()         { p.m.Ack() }
func (p pubsubMessage) Nack()        { p.m.Nack() }

// PubSubSource adapts a *pubsub.Subscription to Source. Auto-commit is
// disabled implicitly: pubsub.Subscription.Receive only advances the
// subscription's acknowledgement deadline on Ack, which this package's
// Processor calls only after a durable write succeeds, matching the
// "commit offsets only after durable write" rule in spec §4.4.
type PubSubSource struct {
	Sub *pubsub.Subscription
}

func (s PubSubSource) Receive(ctx context.Context, handle func(Message)) error {
	return s.Sub.Receive(ctx, func(_ context.Context, m *pubsub.Message) {
		handle(pubsubMessage{m})
	})
}

var _ Source = PubSubSource{}
