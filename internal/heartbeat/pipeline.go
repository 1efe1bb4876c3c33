package heartbeat

import (
	"context"
	"time"

	"github.com/ocx/gpufabric/internal/device"
)

// Pipeline wires a Consumer, Processor, and LivenessMonitor together: the
// processor's onWritten hook feeds the monitor, and the monitor's stale
// events are exposed for the caller (normally cmd/broker) to forward into
// the Active Worker Registry's Remove.
type Pipeline struct {
	Consumer *Consumer
	Processor *Processor
	Liveness *LivenessMonitor

	scanInterval time.Duration
}

// NewPipeline assembles the three stages. scanInterval is the liveness
// scan period (default 5s, the nominal heartbeat interval H).
func NewPipeline(source Source, store Store, dlq DeadLetterSink, consumerCfg ConsumerConfig, processorCfg ProcessorConfig, staleWindow, scanInterval time.Duration) *Pipeline {
	liveness := NewLivenessMonitor(staleWindow)
	consumer := NewConsumer(source, consumerCfg)
	processor := NewProcessor(store, dlq, processorCfg, func(r Record) {
		liveness.Touch(r.WorkerID, r.SeenAt)
	})
	if scanInterval <= 0 {
		scanInterval = 5 * time.Second
	}
	return &Pipeline{Consumer: consumer, Processor: processor, Liveness: liveness, scanInterval: scanInterval}
}

// StaleEvents exposes the liveness monitor's WorkerStale stream.
func (p *Pipeline) StaleEvents() <-chan device.WorkerId { return p.Liveness.Subscribe() }

// Run starts all three stages and blocks until ctx is cancelled or the
// consumer's source returns an error.
func (p *Pipeline) Run(ctx context.Context) error {
	go p.Liveness.Run(ctx, p.scanInterval)
	go p.Processor.Run(ctx, p.Consumer.Batches())
	return p.Consumer.Run(ctx)
}
