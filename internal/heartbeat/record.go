// Package heartbeat implements the Heartbeat Ingestion Pipeline (spec
// §4.4): a consumer that batches telemetry records pulled from a
// partitioned log by size or time, a processor that writes each batch to a
// durable store with bounded retry and a dead-letter fallback, and a
// liveness monitor that declares a worker stale after 3H of silence.
package heartbeat

import (
	"time"

	"github.com/ocx/gpufabric/internal/device"
)

// Message is one log-broker record, independent of the underlying client
// (cloud.google.com/go/pubsub in production, a fake in tests). Ack/Nack
// control offset commit: the processor only calls Ack once a batch has
// been durably written (or dead-lettered), never on receipt.
type Message interface {
	Data() []byte
	Ack()
	Nack()
}

// Record is a parsed heartbeat ready for durable storage.
type Record struct {
	WorkerID device.WorkerId
	Sample   device.TelemetrySample
	SeenAt   time.Time
	msg      Message
}

func (r Record) ack()  { r.msg.Ack() }
func (r Record) nack() { r.msg.Nack() }
