package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"github.com/ocx/gpufabric/internal/circuitbreaker"
)

// Store durably persists a batch of heartbeat records in a single
// transaction; satisfied by a Postgres (lib/pq) or Spanner-backed
// implementation selected via HeartbeatStoreConfig.Backend.
type Store interface {
	WriteBatch(ctx context.Context, records []Record) error
}

// DeadLetterSink receives a batch that exhausted every retry, so at-least-
// once delivery is preserved without an unbounded redelivery loop.
type DeadLetterSink interface {
	Write(ctx context.Context, records []Record, cause error) error
}

// backoffSchedule is the fixed 100ms/400ms/1.6s retry schedule from §4.4.
var backoffSchedule = []time.Duration{
	100 * time.Millisecond,
	400 * time.Millisecond,
	1600 * time.Millisecond,
}

// ProcessorConfig carries the retry tunable; MaxRetries is the number of
// WriteBatch retries after the first attempt, capped at len(backoffSchedule).
type ProcessorConfig struct {
	MaxRetries int
}

// Processor drains a Consumer's batch channel, writes each batch durably,
// and acknowledges its messages only after a successful write or a
// successful dead-letter write.
type Processor struct {
	store    Store
	deadLetter DeadLetterSink
	cfg      ProcessorConfig
	logger   *slog.Logger
	onWritten func(Record)
	breaker  *circuitbreaker.CircuitBreaker
}

// NewProcessor creates a Processor. onWritten, if non-nil, is called once
// per successfully-stored record (liveness bookkeeping hooks here).
func NewProcessor(store Store, dlq DeadLetterSink, cfg ProcessorConfig, onWritten func(Record)) *Processor {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Processor{
		store:      store,
		deadLetter: dlq,
		cfg:        cfg,
		logger:     slog.Default().With("component", "heartbeat_processor"),
		onWritten:  onWritten,
	}
}

// WithBreaker attaches a circuit breaker guarding store.WriteBatch; once
// tripped, writeBatch fails fast with the breaker's error instead of
// burning the retry schedule against a store that's known to be down.
func (p *Processor) WithBreaker(cb *circuitbreaker.CircuitBreaker) *Processor {
	p.breaker = cb
	return p
}

func (p *Processor) writeBatch(ctx context.Context, batch []Record) error {
	if p.breaker == nil {
		return p.store.WriteBatch(ctx, batch)
	}
	_, err := p.breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, p.store.WriteBatch(ctx, batch)
	})
	return err
}

// Run drains batches until the channel is closed or ctx is cancelled.
func (p *Processor) Run(ctx context.Context, batches <-chan []Record) {
	for {
		select {
		case batch, ok := <-batches:
			if !ok {
				return
			}
			p.process(ctx, batch)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Processor) process(ctx context.Context, batch []Record) {
	var lastErr error
	attempts := p.cfg.MaxRetries + 1
	if attempts > len(backoffSchedule)+1 {
		attempts = len(backoffSchedule) + 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoffSchedule[attempt-1]):
			case <-ctx.Done():
				return
			}
		}
		if lastErr = p.writeBatch(ctx, batch); lastErr == nil {
			p.ack(batch)
			return
		}
		p.logger.Warn("heartbeat batch write failed", "attempt", attempt+1, "error", lastErr)
	}

	p.logger.Error("heartbeat batch exhausted retries, routing to dead letter", "size", len(batch), "error", lastErr)
	if err := p.deadLetter.Write(ctx, batch, lastErr); err != nil {
		p.logger.Error("dead letter write failed, offsets withheld for redelivery", "error", err)
		p.nack(batch)
		return
	}
	p.ack(batch)
}

func (p *Processor) ack(batch []Record) {
	for _, r := range batch {
		r.ack()
		if p.onWritten != nil {
			p.onWritten(r)
		}
	}
}

func (p *Processor) nack(batch []Record) {
	for _, r := range batch {
		r.nack()
	}
}
