package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ocx/gpufabric/internal/device"
)

// RedisClient is the minimal surface any Redis driver (go-redis, redigo)
// must satisfy to back a RedisMirror. The registry package never imports a
// concrete driver; the caller injects one.
type RedisClient interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
}

// RedisMirror publishes a read-only view of this pod's worker registrations
// to Redis so sibling broker instances can see which models the fleet as a
// whole is serving. A live *worker.Session cannot cross a process boundary,
// so the mirror carries capability metadata only — placement and dispatch
// always stay local to the pod holding the TCP/WS connection. The fleet-wide
// view is exposed through WorkersByModel; no gateway endpoint reads it, and
// Scheduler.tryPlace never does.
type RedisMirror struct {
	client    RedisClient
	keyPrefix string
	ttl       time.Duration
	logger    *slog.Logger
}

// NewRedisMirror wraps client with keyPrefix namespacing and ttl expiry on
// worker records, so a pod that crashes without deregistering eventually
// ages out of sibling pods' views instead of leaking forever.
func NewRedisMirror(client RedisClient, keyPrefix string, ttl time.Duration) *RedisMirror {
	if keyPrefix == "" {
		keyPrefix = "gpufabric:registry:"
	}
	if ttl == 0 {
		ttl = 10 * time.Minute
	}
	return &RedisMirror{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		logger:    slog.Default().With("component", "registry_redis_mirror"),
	}
}

type workerRecord struct {
	ID          string   `json:"id"`
	Models      []string `json:"models"`
	OSClass     string   `json:"os_class"`
	EngineClass string   `json:"engine_class"`
}

// SaveWorker upserts id's metadata record. Called on Insert and again every
// time its served-model set changes, so the record always mirrors the
// session's current advertised models.
func (m *RedisMirror) SaveWorker(ctx context.Context, id device.WorkerId, models []string, osClass, engineClass string) {
	data, err := json.Marshal(workerRecord{
		ID:          id.String(),
		Models:      models,
		OSClass:     osClass,
		EngineClass: engineClass,
	})
	if err != nil {
		m.logger.Warn("marshal worker record failed", "worker_id", id.String(), "error", err)
		return
	}
	if err := m.client.Set(ctx, m.keyPrefix+"worker:"+id.String(), data, m.ttl); err != nil {
		m.logger.Warn("redis mirror SET failed", "worker_id", id.String(), "error", err)
		return
	}
	for _, model := range models {
		if err := m.client.SAdd(ctx, m.keyPrefix+"model:"+model, id.String()); err != nil {
			m.logger.Warn("redis mirror SADD failed", "model", model, "worker_id", id.String(), "error", err)
		}
	}
}

// DeleteWorker removes id's record and its entries in every model index
// listed in models (the set last passed to SaveWorker).
func (m *RedisMirror) DeleteWorker(ctx context.Context, id device.WorkerId, models []string) {
	for _, model := range models {
		if err := m.client.SRem(ctx, m.keyPrefix+"model:"+model, id.String()); err != nil {
			m.logger.Warn("redis mirror SREM failed", "model", model, "worker_id", id.String(), "error", err)
		}
	}
	if err := m.client.Del(ctx, m.keyPrefix+"worker:"+id.String()); err != nil {
		m.logger.Warn("redis mirror DEL failed", "worker_id", id.String(), "error", err)
	}
}

// WorkersByModel returns every worker ID any pod in the fleet last
// advertised as serving modelName. Used by fleet-wide listing, never by
// placement.
func (m *RedisMirror) WorkersByModel(ctx context.Context, modelName string) ([]string, error) {
	return m.client.SMembers(ctx, m.keyPrefix+"model:"+modelName)
}
