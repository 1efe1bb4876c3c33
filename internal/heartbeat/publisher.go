package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/ocx/gpufabric/internal/device"
	"github.com/ocx/gpufabric/internal/protocol"
)

// Publisher republishes an inbound Heartbeat frame onto the durable log
// broker, in the `worker_id (16 bytes) || Heartbeat.Marshal()` framing
// ParseRecord expects. The broker's per-connection handler calls
// PublishHeartbeat off the frame-read loop so a slow or unreachable topic
// never backs up inbound reads from the worker socket.
type Publisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *slog.Logger
}

// NewPublisher dials projectID and ensures topicID exists, creating it if
// this is the first broker instance to start against a fresh project.
func NewPublisher(ctx context.Context, projectID, topicID string) (*Publisher, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("heartbeat: pubsub client: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("heartbeat: topic exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("heartbeat: create topic: %w", err)
		}
	}

	topic.EnableMessageOrdering = true

	return &Publisher{
		client: client,
		topic:  topic,
		logger: slog.Default().With("component", "heartbeat_publisher"),
	}, nil
}

// PublishHeartbeat publishes one worker's telemetry sample. Delivery is
// fire-and-forget from the caller's point of view; a publish failure is
// logged, not returned, since a dropped heartbeat just means the worker
// looks one sample staler until its next one lands.
func (p *Publisher) PublishHeartbeat(workerID device.WorkerId, sample device.TelemetrySample) {
	data := make([]byte, 0, 16+16)
	data = append(data, workerID[:]...)
	data = append(data, protocol.Heartbeat{Sample: sample}.Marshal()...)

	result := p.topic.Publish(context.Background(), &pubsub.Message{
		Data:        data,
		OrderingKey: workerID.String(),
	})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := result.Get(ctx); err != nil {
			p.logger.Error("heartbeat publish failed", "worker_id", workerID.String(), "error", err)
		}
	}()
}

// Close stops the topic and closes the client. Call on shutdown.
func (p *Publisher) Close() error {
	p.topic.Stop()
	return p.client.Close()
}
