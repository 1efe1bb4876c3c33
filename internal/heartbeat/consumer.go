package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ocx/gpufabric/internal/device"
	"github.com/ocx/gpufabric/internal/protocol"
)

// Source delivers heartbeat messages until ctx is cancelled, calling handle
// once per message. It mirrors cloud.google.com/go/pubsub's
// Subscription.Receive signature so the production Source is a thin
// adapter over *pubsub.Subscription.
type Source interface {
	Receive(ctx context.Context, handle func(Message)) error
}

// ParseRecord decodes a raw message payload as `worker_id (16 bytes) ||
// Heartbeat.Marshal()`, the same framing the broker's worker-session
// handler uses when it republishes an inbound Heartbeat frame onto the log
// broker for durable ingestion.
func ParseRecord(msg Message) (Record, error) {
	data := msg.Data()
	if len(data) < 16 {
		return Record{}, fmt.Errorf("heartbeat: record payload too short")
	}
	var workerID device.WorkerId
	copy(workerID[:], data[0:16])

	hb, err := protocol.UnmarshalHeartbeat(data[16:])
	if err != nil {
		return Record{}, fmt.Errorf("heartbeat: unmarshal sample: %w", err)
	}
	return Record{WorkerID: workerID, Sample: hb.Sample, SeenAt: time.Now(), msg: msg}, nil
}

// ConsumerConfig carries the batching tunables named in spec §4.4.
type ConsumerConfig struct {
	BatchSize       int
	FlushInterval   time.Duration
	ChannelCapacity int
}

// Consumer buffers parsed records locally and emits a batch to its output
// channel whenever the buffer reaches BatchSize or FlushInterval elapses
// since the last emission, whichever comes first.
type Consumer struct {
	source Source
	cfg    ConsumerConfig
	logger *slog.Logger

	batches chan []Record
}

// NewConsumer creates a Consumer reading from source. Call Run to start it;
// Batches returns the channel the processor should drain.
func NewConsumer(source Source, cfg ConsumerConfig) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.ChannelCapacity <= 0 {
		cfg.ChannelCapacity = 32
	}
	return &Consumer{
		source:  source,
		cfg:     cfg,
		logger:  slog.Default().With("component", "heartbeat_consumer"),
		batches: make(chan []Record, cfg.ChannelCapacity),
	}
}

// Batches is the channel of emitted batches; closed once Run returns.
func (c *Consumer) Batches() <-chan []Record { return c.batches }

// Run drives the consumer until ctx is cancelled or the source returns. The
// final partial buffer, if any, is flushed before Batches is closed.
func (c *Consumer) Run(ctx context.Context) error {
	defer close(c.batches)

	buffer := make([]Record, 0, c.cfg.BatchSize)
	flush := func() {
		if len(buffer) == 0 {
			return
		}
		batch := buffer
		buffer = make([]Record, 0, c.cfg.BatchSize)
		select {
		case c.batches <- batch:
		case <-ctx.Done():
		}
	}

	incoming := make(chan Message, c.cfg.ChannelCapacity)
	recvErr := make(chan error, 1)
	go func() {
		recvErr <- c.source.Receive(ctx, func(m Message) {
			select {
			case incoming <- m:
			case <-ctx.Done():
			}
		})
	}()

	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case m := <-incoming:
			rec, err := ParseRecord(m)
			if err != nil {
				c.logger.Warn("dropping malformed heartbeat record", "error", err)
				m.Nack()
				continue
			}
			buffer = append(buffer, rec)
			if len(buffer) >= c.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case err := <-recvErr:
			flush()
			return err
		case <-ctx.Done():
			flush()
			return ctx.Err()
		}
	}
}
