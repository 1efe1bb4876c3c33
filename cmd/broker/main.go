// Command broker runs the GPU inference fabric broker: the worker-facing
// TCP/WebSocket listener (spec §4.1-§4.4), the placement scheduler, the
// read-only model catalog, and the HTTP gateway (spec §4.5), wired
// together the way cmd/socket-gateway wires its eBPF/governance pipeline
// in this repo.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/gorilla/websocket"
	_ "github.com/lib/pq"

	"github.com/ocx/gpufabric/internal/circuitbreaker"
	"github.com/ocx/gpufabric/internal/config"
	"github.com/ocx/gpufabric/internal/gateway"
	"github.com/ocx/gpufabric/internal/heartbeat"
	"github.com/ocx/gpufabric/internal/infra"
	"github.com/ocx/gpufabric/internal/modelcatalog"
	"github.com/ocx/gpufabric/internal/protocol"
	"github.com/ocx/gpufabric/internal/registry"
	"github.com/ocx/gpufabric/internal/scheduler"
	"github.com/ocx/gpufabric/internal/worker"
)

// Exit codes per spec §6.
const (
	exitOK             = 0
	exitConfigError    = 64
	exitFatal          = 70
	exitGracefulDrain  = 75
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Get()
	logger := slog.Default().With("component", "broker")

	if cfg.Handshake.AuthMode == "hmac" && cfg.Handshake.SharedSecret == "" {
		logger.Error("SHARED_SECRET must be set when WORKER_AUTH_MODE=hmac")
		return exitConfigError
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cbs := circuitbreaker.NewGPUFabricCircuitBreakers()

	catalog, err := modelcatalog.New(cfg.Database.Supabase.URL, cfg.Database.Supabase.ServiceKey)
	if err != nil {
		logger.Error("failed to create model catalog", "error", err)
		return exitConfigError
	}
	catalog.WithBreaker(cbs.ModelCatalog)
	go catalog.Run(ctx, time.Duration(cfg.Catalog.RefreshIntervalSec)*time.Second)

	pipeline, publisher, err := buildHeartbeatPipeline(ctx, cfg, cbs)
	if err != nil {
		logger.Error("failed to build heartbeat pipeline", "error", err)
		return exitConfigError
	}
	if publisher != nil {
		defer publisher.Close()
	}

	reg := registry.New(cfg.Registry.OutgoingQueueSize)
	if cfg.Registry.UseRedis {
		adapter, err := infra.NewGoRedisAdapter(cfg.Database.Redis.URL, "", 0)
		if err != nil {
			logger.Warn("redis unreachable, cross-pod registry mirror disabled, falling back to single-pod", "error", err)
		} else {
			defer adapter.Close()
			reg.WithMirror(registry.NewRedisMirror(adapter, cfg.Registry.KeyPrefix, 10*time.Minute))
		}
	}

	sched := scheduler.New(reg, catalog, scheduler.Config{
		WeightFree:            cfg.Scheduler.WeightFree,
		WeightPerf:            cfg.Scheduler.WeightPerf,
		WeightVRAM:            cfg.Scheduler.WeightVRAM,
		WeightTherm:           cfg.Scheduler.WeightTherm,
		WeightRTT:             cfg.Scheduler.WeightRTT,
		ReferenceMaxTFlops:    cfg.Scheduler.ReferenceMaxTFlops,
		ReferenceMaxRTTMillis: cfg.Scheduler.ReferenceMaxRTTMillis,
		MaxQueuePerModel:      cfg.Scheduler.MaxQueuePerModel,
		MaxAttempts:           uint8(cfg.Scheduler.MaxAttempts),
		MaxRequestTime:        time.Duration(cfg.Scheduler.MaxRequestTimeSec) * time.Second,
		TokenIdleTimeout:      time.Duration(cfg.Scheduler.TokenIdleTimeoutSec) * time.Second,
	})
	defer sched.Close()

	if pipeline != nil {
		go func() {
			if err := pipeline.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("heartbeat pipeline exited", "error", err)
			}
		}()
		go forwardStaleWorkers(ctx, pipeline, reg)
	}

	gw := gateway.New(sched, catalog, reg, time.Duration(cfg.Scheduler.MaxRequestTimeSec)*time.Second)

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	topMux := http.NewServeMux()
	topMux.HandleFunc("/v1/workers/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", "error", err)
			return
		}
		go handleWorkerConn(worker.NewWSTransport(conn), cfg, reg, sched, publisher, logger)
	})
	topMux.Handle("/", gw.Router())

	httpSrv := &http.Server{
		Addr:         cfg.Server.Interface + ":" + cfg.Server.Port,
		Handler:      topMux,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}
	go func() {
		logger.Info("http gateway listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http gateway failed", "error", err)
		}
	}()

	workerAddr := os.Getenv("WORKER_LISTEN_ADDR")
	if workerAddr == "" {
		workerAddr = ":9100"
	}
	listener, err := net.Listen("tcp", workerAddr)
	if err != nil {
		logger.Error("failed to listen for worker connections", "addr", workerAddr, "error", err)
		return exitFatal
	}
	go acceptWorkers(listener, cfg, reg, sched, publisher, logger)
	logger.Info("worker listener active", "addr", workerAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logger.Info("shutdown signal received, draining")

	listener.Close()
	drainDeadline := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
	drainCtx, drainCancel := context.WithTimeout(context.Background(), drainDeadline)
	defer drainCancel()

	for _, s := range reg.All() {
		_ = s.Drain()
	}
	for {
		allDrained := true
		for _, s := range reg.All() {
			if !s.CanDrainNow() {
				allDrained = false
				break
			}
		}
		if allDrained || drainCtx.Err() != nil {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}
	for _, s := range reg.All() {
		s.Close(worker.CloseShutdown)
	}

	_ = httpSrv.Shutdown(drainCtx)
	cancel()

	logger.Info("drain complete, exiting")
	return exitGracefulDrain
}

// buildHeartbeatPipeline wires the Store (Postgres or Spanner, per
// cfg.Database.Backend), a Postgres-backed dead letter sink, and a
// Pub/Sub-backed Source/Publisher pair. Returns a nil pipeline/publisher
// when Pub/Sub is disabled, so a local dev run without GCP credentials
// still starts (workers can connect, but telemetry is not durably stored).
func buildHeartbeatPipeline(ctx context.Context, cfg *config.Config, cbs *circuitbreaker.GPUFabricCircuitBreakers) (*heartbeat.Pipeline, *heartbeat.Publisher, error) {
	if !cfg.PubSub.Enabled {
		slog.Warn("PUBSUB_ENABLED is false, heartbeat ingestion is disabled for this run")
		return nil, nil, nil
	}

	var store heartbeat.Store
	switch cfg.Database.Backend {
	case "spanner":
		s, err := heartbeat.NewSpannerStore(ctx, cfg.Database.Spanner.ProjectID, cfg.Database.Spanner.InstanceID, cfg.Database.Spanner.DatabaseID)
		if err != nil {
			return nil, nil, fmt.Errorf("broker: spanner store: %w", err)
		}
		store = s
	default:
		s, err := heartbeat.NewPostgresStore(cfg.Database.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("broker: postgres store: %w", err)
		}
		store = s
	}

	dlqDB, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("broker: dead letter db: %w", err)
	}
	dlq := heartbeat.NewPostgresDeadLetterSink(dlqDB)

	client, err := pubsubClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, nil, err
	}
	sub, err := ensureSubscription(ctx, client, cfg.Heartbeat.Topic, cfg.Heartbeat.Subscription)
	if err != nil {
		return nil, nil, err
	}
	source := heartbeat.PubSubSource{Sub: sub}

	publisher, err := heartbeat.NewPublisher(ctx, cfg.PubSub.ProjectID, cfg.Heartbeat.Topic)
	if err != nil {
		return nil, nil, fmt.Errorf("broker: heartbeat publisher: %w", err)
	}

	pipeline := heartbeat.NewPipeline(
		source, store, dlq,
		heartbeat.ConsumerConfig{
			BatchSize:       cfg.Heartbeat.BatchSize,
			FlushInterval:   time.Duration(cfg.Heartbeat.FlushIntervalMs) * time.Millisecond,
			ChannelCapacity: cfg.Heartbeat.ChannelCapacity,
		},
		heartbeat.ProcessorConfig{MaxRetries: cfg.Heartbeat.MaxRetries},
		time.Duration(cfg.Heartbeat.LivenessWindowSec)*time.Second,
		5*time.Second,
	)
	pipeline.Processor.WithBreaker(cbs.HeartbeatStore)
	return pipeline, publisher, nil
}

// forwardStaleWorkers evicts a worker from the registry once the liveness
// monitor declares it stale (no heartbeat for 3H, spec §4.4), closing the
// session with HeartbeatTimeout before removing it.
func forwardStaleWorkers(ctx context.Context, pipeline *heartbeat.Pipeline, reg *registry.Registry) {
	for {
		select {
		case id, ok := <-pipeline.StaleEvents():
			if !ok {
				return
			}
			if sess, ok := reg.Get(id); ok {
				sess.Close(worker.CloseHeartbeatTimeout)
			}
			reg.Remove(id, worker.CloseHeartbeatTimeout)
		case <-ctx.Done():
			return
		}
	}
}

func acceptWorkers(listener net.Listener, cfg *config.Config, reg *registry.Registry, sched *scheduler.Scheduler, publisher *heartbeat.Publisher, logger *slog.Logger) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if isClosedErr(err) {
				return
			}
			logger.Warn("accept failed", "error", err)
			continue
		}
		go handleWorkerConn(worker.NewTCPTransport(conn), cfg, reg, sched, publisher, logger)
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// pubsubClient dials projectID once; both the heartbeat source and the
// publisher share the project but use independent pubsub.Client handles
// since each owns a different lifecycle (subscription receive loop vs.
// fire-and-forget publish).
func pubsubClient(ctx context.Context, projectID string) (*pubsub.Client, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("broker: pubsub client: %w", err)
	}
	return client, nil
}

// ensureSubscription returns subID on topicID, creating both if this is
// the first broker instance to start against a fresh project.
func ensureSubscription(ctx context.Context, client *pubsub.Client, topicID, subID string) (*pubsub.Subscription, error) {
	topic := client.Topic(topicID)
	topicExists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("broker: topic exists: %w", err)
	}
	if !topicExists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			return nil, fmt.Errorf("broker: create topic: %w", err)
		}
	}

	sub := client.Subscription(subID)
	subExists, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("broker: subscription exists: %w", err)
	}
	if !subExists {
		sub, err = client.CreateSubscription(ctx, subID, pubsub.SubscriptionConfig{Topic: topic})
		if err != nil {
			return nil, fmt.Errorf("broker: create subscription: %w", err)
		}
	}
	return sub, nil
}

// handleWorkerConn drives one worker connection end to end: handshake,
// the first Snapshot that transitions Authed -> Serving and publishes the
// session to the registry, and the frame-dispatch loop for the rest of
// the connection's life.
func handleWorkerConn(t worker.Transport, cfg *config.Config, reg *registry.Registry, sched *scheduler.Scheduler, publisher *heartbeat.Publisher, logger *slog.Logger) {
	handshakeCfg := worker.HandshakeConfig{
		SharedSecret: cfg.Handshake.SharedSecret,
		ProtoVersion: uint8(cfg.Handshake.ProtoVersion),
		AuthTimeout:  time.Duration(cfg.Handshake.AuthTimeoutSec) * time.Second,
	}
	sessionCfg := worker.Config{OutgoingQueueSize: cfg.Registry.OutgoingQueueSize}

	sess, err := worker.ServerHandshake(t, handshakeCfg, sessionCfg, func() (protocol.Hello, error) {
		f, err := t.ReadFrame()
		if err != nil {
			return protocol.Hello{}, err
		}
		if f.Kind != protocol.KindHello {
			return protocol.Hello{}, fmt.Errorf("broker: expected Hello, got %s", f.Kind)
		}
		return protocol.UnmarshalHello(f.Payload)
	})
	if err != nil {
		logger.Warn("handshake failed", "error", err)
		t.Close()
		return
	}

	f, err := sess.ReadFrame()
	if err != nil || f.Kind != protocol.KindSnapshot {
		logger.Warn("expected initial Snapshot after handshake", "worker_id", sess.ID().String(), "error", err)
		sess.Close(worker.CloseProtocolError)
		return
	}
	snap, err := protocol.UnmarshalSnapshot(f.Payload)
	if err != nil {
		logger.Warn("malformed Snapshot", "worker_id", sess.ID().String(), "error", err)
		sess.Close(worker.CloseProtocolError)
		return
	}
	if err := sess.MarkServing(snap.Device, snap.Models); err != nil {
		logger.Warn("could not transition to serving", "worker_id", sess.ID().String(), "error", err)
		sess.Close(worker.CloseProtocolError)
		return
	}
	if err := reg.Insert(sess); err != nil {
		logger.Warn("registry rejected session", "worker_id", sess.ID().String(), "error", err)
		sess.Close(worker.ClosePreempted)
		return
	}
	for _, md := range snap.Models {
		if md.Active {
			reg.IndexModel(sess, md.Name)
		}
	}
	logger.Info("worker serving", "worker_id", sess.ID().String(), "models", len(snap.Models))

	defer func() {
		sess.Close(worker.CloseIoError)
		reg.Remove(sess.ID(), sess.CloseCause())
	}()

	for {
		f, err := sess.ReadFrame()
		if err != nil {
			return
		}
		switch f.Kind {
		case protocol.KindHeartbeat:
			hb, err := protocol.UnmarshalHeartbeat(f.Payload)
			if err != nil {
				logger.Warn("malformed Heartbeat", "worker_id", sess.ID().String(), "error", err)
				continue
			}
			flagged := sess.RecordHeartbeat(hb.Sample)
			if flagged {
				logger.Warn("heartbeat sample out of range, clamped", "worker_id", sess.ID().String())
			}
			if publisher != nil {
				publisher.PublishHeartbeat(sess.ID(), hb.Sample)
			}
		case protocol.KindModelList:
			ml, err := protocol.UnmarshalModelList(f.Payload)
			if err != nil {
				logger.Warn("malformed ModelList", "worker_id", sess.ID().String(), "error", err)
				continue
			}
			sess.SetModels(ml.Models)
			reg.RefreshModels(sess)
			for _, md := range ml.Models {
				if md.Active {
					reg.IndexModel(sess, md.Name)
				}
			}
		case protocol.KindInferChunk:
			chunk, err := protocol.UnmarshalInferChunk(f.Payload)
			if err != nil {
				continue
			}
			sched.HandleChunk(sess.ID(), chunk)
		case protocol.KindInferEnd:
			end, err := protocol.UnmarshalInferEnd(f.Payload)
			if err != nil {
				continue
			}
			sched.HandleEnd(sess.ID(), end)
		case protocol.KindInferError:
			errFrame, err := protocol.UnmarshalInferError(f.Payload)
			if err != nil {
				continue
			}
			sched.HandleError(sess.ID(), errFrame)
		case protocol.KindGoodbye:
			gb, _ := protocol.UnmarshalGoodbye(f.Payload)
			logger.Info("worker said goodbye", "worker_id", sess.ID().String(), "reason", gb.Reason)
			sess.Close(worker.CloseGoodbye)
			return
		default:
			logger.Warn("unexpected frame kind from worker", "worker_id", sess.ID().String(), "kind", f.Kind)
			return
		}
	}
}
