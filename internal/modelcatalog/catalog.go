// Package modelcatalog implements the read-only model catalog (spec §3,
// §6): an in-memory, copy-on-write cache of the models a worker may
// advertise, refreshed periodically from an external owner. The scheduler
// only ever reads it; CRUD on catalog entries is out of scope (spec §1).
package modelcatalog

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	supabase "github.com/supabase-community/supabase-go"

	"github.com/ocx/gpufabric/internal/circuitbreaker"
	"github.com/ocx/gpufabric/internal/device"
)

// row mirrors one record of the `models` table; JSON tags match the
// Supabase REST response field names.
type row struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	VersionCode uint32 `json:"version_code"`
	EngineClass uint8  `json:"engine_class"`
	Active      bool   `json:"active"`
	MinRAMMB    uint32 `json:"min_ram_mb"`
	MinVRAMGB   uint32 `json:"min_vram_gb"`
}

func (r row) toDescriptor() device.ModelDescriptor {
	return device.ModelDescriptor{
		Name:        r.Name,
		Version:     r.Version,
		VersionCode: r.VersionCode,
		MinRAMMB:    r.MinRAMMB,
		MinVRAMGB:   r.MinVRAMGB,
		EngineClass: device.EngineClass(r.EngineClass),
		Active:      r.Active,
	}
}

// Catalog is a read-only, concurrently-readable snapshot of the models
// table. Refresh swaps the whole snapshot atomically so Lookup callers
// never observe a partially-updated map.
type Catalog struct {
	client  *supabase.Client
	table   string
	logger  *slog.Logger
	breaker *circuitbreaker.CircuitBreaker

	snapshot atomic.Pointer[map[string]device.ModelDescriptor]
}

// WithBreaker attaches a circuit breaker guarding Refresh's Supabase
// query; once tripped, Refresh fails fast and keeps serving the last-good
// snapshot instead of hammering a degraded backend every tick.
func (c *Catalog) WithBreaker(cb *circuitbreaker.CircuitBreaker) *Catalog {
	c.breaker = cb
	return c
}

// New creates a Catalog backed by a Supabase project. url/serviceKey are
// the same pair the teacher's SupabaseClient expects
// (SUPABASE_URL/SUPABASE_SERVICE_KEY).
func New(url, serviceKey string) (*Catalog, error) {
	client, err := supabase.NewClient(url, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("modelcatalog: create supabase client: %w", err)
	}
	c := &Catalog{client: client, table: "models", logger: slog.Default().With("component", "modelcatalog")}
	empty := make(map[string]device.ModelDescriptor)
	c.snapshot.Store(&empty)
	return c, nil
}

// Lookup returns the descriptor for modelName, satisfying
// scheduler.Catalog.
func (c *Catalog) Lookup(modelName string) (device.ModelDescriptor, bool) {
	snap := *c.snapshot.Load()
	d, ok := snap[modelName]
	return d, ok
}

// All returns every active model descriptor currently cached, for the
// gateway's GET /v1/models listing.
func (c *Catalog) All() []device.ModelDescriptor {
	snap := *c.snapshot.Load()
	out := make([]device.ModelDescriptor, 0, len(snap))
	for _, d := range snap {
		if d.Active {
			out = append(out, d)
		}
	}
	return out
}

// Refresh pulls every row from the models table and atomically replaces
// the in-memory snapshot. A failed refresh leaves the previous snapshot in
// place rather than serving stale-but-empty results.
func (c *Catalog) Refresh(ctx context.Context) error {
	rows, err := c.queryRows(ctx)
	if err != nil {
		return fmt.Errorf("modelcatalog: refresh: %w", err)
	}

	next := make(map[string]device.ModelDescriptor, len(rows))
	for _, r := range rows {
		next[r.Name] = r.toDescriptor()
	}
	c.snapshot.Store(&next)
	c.logger.Info("model catalog refreshed", "count", len(next))
	return nil
}

// queryRows runs the Supabase select, through the circuit breaker if one
// is attached.
func (c *Catalog) queryRows(ctx context.Context) ([]row, error) {
	if c.breaker == nil {
		var rows []row
		_, err := c.client.From(c.table).Select("*", "", false).ExecuteTo(&rows)
		return rows, err
	}
	result, err := c.breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		var rows []row
		_, err := c.client.From(c.table).Select("*", "", false).ExecuteTo(&rows)
		return rows, err
	})
	if err != nil {
		return nil, err
	}
	return result.([]row), nil
}

// Run refreshes the catalog immediately, then every interval until ctx is
// cancelled. A failed refresh is logged and retried on the next tick.
func (c *Catalog) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if err := c.Refresh(ctx); err != nil {
		c.logger.Error("initial model catalog refresh failed", "error", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.logger.Error("model catalog refresh failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
