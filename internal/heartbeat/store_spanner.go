package heartbeat

import (
	"context"
	"fmt"

	"cloud.google.com/go/spanner"
)

// SpannerStore writes heartbeat batches to Cloud Spanner as a single
// mutation group, the alternate HeartbeatStoreConfig.Backend to Postgres.
type SpannerStore struct {
	client *spanner.Client
}

// NewSpannerStore dials a Spanner database at
// projects/<projectID>/instances/<instanceID>/databases/<databaseID>.
func NewSpannerStore(ctx context.Context, projectID, instanceID, databaseID string) (*SpannerStore, error) {
	db := fmt.Sprintf("projects/%s/instances/%s/databases/%s", projectID, instanceID, databaseID)
	client, err := spanner.NewClient(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("heartbeat: spanner.NewClient: %w", err)
	}
	return &SpannerStore{client: client}, nil
}

func (s *SpannerStore) WriteBatch(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	mutations := make([]*spanner.Mutation, 0, len(records))
	for _, r := range records {
		mutations = append(mutations, spanner.InsertOrUpdate("heartbeats",
			[]string{"WorkerId", "UsagePct", "MemPct", "PowerW", "TempC", "NetRxBps", "NetTxBps", "MonotonicTs", "SeenAt"},
			[]interface{}{
				r.WorkerID.String(), int64(r.Sample.UsagePct), int64(r.Sample.MemPct), int64(r.Sample.PowerW),
				int64(r.Sample.TempC), int64(r.Sample.NetRxBps), int64(r.Sample.NetTxBps), int64(r.Sample.MonotonicTS), r.SeenAt,
			}))
	}
	_, err := s.client.Apply(ctx, mutations)
	if err != nil {
		return fmt.Errorf("heartbeat: spanner apply: %w", err)
	}
	return nil
}

func (s *SpannerStore) Close() { s.client.Close() }

var _ Store = (*SpannerStore)(nil)
