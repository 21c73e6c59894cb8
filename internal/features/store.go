package features

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/peerwatch/bgp-orchestrator/internal/metrics"
)

// onlineTTL bounds how long a peer's latest vector survives in the online
// store without a refresh.
const onlineTTL = 24 * time.Hour

// OfflineStore appends every vector to the bgp_features history table.
type OfflineStore struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

func NewOfflineStore(pool *pgxpool.Pool, log *zap.Logger) *OfflineStore {
	return &OfflineStore{pool: pool, log: log}
}

// WriteBatch appends the vectors in one transaction.
func (s *OfflineStore) WriteBatch(ctx context.Context, vectors []Vector) error {
	if len(vectors) == 0 {
		return nil
	}

	start := time.Now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, v := range vectors {
		payload, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode feature vector: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO bgp_features (entity_key, event_ts, features)
			VALUES ($1, $2, $3)`,
			v.EntityKey(), v.Timestamp, payload,
		)
		if err != nil {
			return fmt.Errorf("insert feature vector: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	metrics.DBWriteDuration.WithLabelValues("bgp_features", "insert").Observe(time.Since(start).Seconds())
	return nil
}

// LatestSince returns the newest vector per entity among rows recorded at or
// after the cutoff.
func (s *OfflineStore) LatestSince(ctx context.Context, since time.Time) ([]Vector, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (entity_key) features
		FROM bgp_features
		WHERE event_ts >= $1
		ORDER BY entity_key, event_ts DESC`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent features: %w", err)
	}
	defer rows.Close()

	var out []Vector
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan feature row: %w", err)
		}
		var v Vector
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, fmt.Errorf("decode feature row: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// PurgeOlderThan removes offline rows recorded before the cutoff.
func (s *OfflineStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	start := time.Now()
	tag, err := s.pool.Exec(ctx, `DELETE FROM bgp_features WHERE event_ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging features: %w", err)
	}
	metrics.DBWriteDuration.WithLabelValues("bgp_features", "delete").Observe(time.Since(start).Seconds())
	return tag.RowsAffected(), nil
}

// OnlineStore holds the latest vector per entity key in Redis.
type OnlineStore struct {
	rdb    *redis.Client
	prefix string
}

func NewOnlineStore(rdb *redis.Client, keyPrefix string) *OnlineStore {
	return &OnlineStore{rdb: rdb, prefix: keyPrefix}
}

func (s *OnlineStore) key(entityKey string) string {
	return s.prefix + ":" + entityKey
}

// SetLatest writes the newest vector per entity in one pipeline. Older
// vectors in the slice lose to newer ones for the same entity.
func (s *OnlineStore) SetLatest(ctx context.Context, vectors []Vector) error {
	latest := latestByEntity(vectors)
	if len(latest) == 0 {
		return nil
	}

	pipe := s.rdb.Pipeline()
	for key, v := range latest {
		payload, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode feature vector: %w", err)
		}
		pipe.Set(ctx, s.key(key), payload, onlineTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write online features: %w", err)
	}
	return nil
}

// GetLatest returns the stored vector for an entity, or nil when the entity
// has no online state.
func (s *OnlineStore) GetLatest(ctx context.Context, entityKey string) (*Vector, error) {
	payload, err := s.rdb.Get(ctx, s.key(entityKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read online features: %w", err)
	}
	var v Vector
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("decode online features: %w", err)
	}
	return &v, nil
}
