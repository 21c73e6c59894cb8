package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"
	"github.com/peerwatch/bgp-orchestrator/internal/metrics"
	"go.uber.org/zap"
)

var zstdEncoder, _ = zstd.NewWriter(nil)

// Row is one parsed update bound for bgp_updates, tagged with its broker
// coordinates.
type Row struct {
	Update    *Update
	Raw       []byte
	Topic     string
	Partition int32
	Offset    int64
}

type Writer struct {
	pool        *pgxpool.Pool
	storeRaw    bool
	compressRaw bool
	logger      *zap.Logger
}

func NewWriter(pool *pgxpool.Pool, storeRaw, compressRaw bool, logger *zap.Logger) *Writer {
	return &Writer{
		pool:        pool,
		storeRaw:    storeRaw,
		compressRaw: compressRaw,
		logger:      logger,
	}
}

// FlushBatch inserts a batch of updates into bgp_updates. ingest_time is
// truncated to the day so a redelivered update lands in the same partition
// as the original row and hits the unique constraint. Returns the number of
// rows actually inserted after dedup.
func (w *Writer) FlushBatch(ctx context.Context, rows []*Row) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	start := time.Now()

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var inserted int64
	for _, row := range rows {
		u := row.Update

		var rawBytes []byte
		compressed := false
		if w.storeRaw && row.Raw != nil {
			if w.compressRaw {
				rawBytes = zstdEncoder.EncodeAll(row.Raw, nil)
				compressed = true
			} else {
				rawBytes = row.Raw
			}
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO bgp_updates (event_id, ingest_time, event_time, topic,
				partition_id, msg_offset, peer_ip, peer_asn, msg_type, prefix,
				as_path, origin_asn, next_hop, communities, raw, raw_compressed)
			VALUES ($1, date_trunc('day', now()), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (event_id, ingest_time) DO NOTHING`,
			u.EventID(), u.Timestamp, row.Topic, row.Partition, row.Offset,
			u.PeerIP, int64(u.PeerASN), u.MsgType(), nilIfEmpty(u.Prefix),
			bigintArray(u.ASPath), nilIfZero(u.OriginASN), nilIfEmpty(u.NextHop),
			u.Communities, rawBytes, compressed,
		)
		if err != nil {
			return 0, fmt.Errorf("insert bgp_update: %w", err)
		}

		affected := tag.RowsAffected()
		inserted += affected
		if affected == 0 {
			metrics.UpdateDedupSkipsTotal.WithLabelValues(row.Topic).Inc()
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	metrics.DBWriteDuration.WithLabelValues("bgp_updates", "insert").Observe(time.Since(start).Seconds())
	observeBatchSizes(rows)

	return inserted, nil
}

func observeBatchSizes(rows []*Row) {
	perTopic := make(map[string]int)
	for _, row := range rows {
		perTopic[row.Topic]++
	}
	for topic, n := range perTopic {
		metrics.StreamBatchSize.WithLabelValues(topic).Observe(float64(n))
	}
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nilIfZero(v uint32) any {
	if v == 0 {
		return nil
	}
	return int64(v)
}

func bigintArray(path []uint32) []int64 {
	if len(path) == 0 {
		return nil
	}
	out := make([]int64, len(path))
	for i, v := range path {
		out[i] = int64(v)
	}
	return out
}
