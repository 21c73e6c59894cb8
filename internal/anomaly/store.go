package anomaly

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/peerwatch/bgp-orchestrator/internal/catalog"
	"github.com/peerwatch/bgp-orchestrator/internal/metrics"
)

const anomalyColumns = `id, metric_name, anomaly_type, timestamp, value,
	expected_value, deviation, severity, device, metadata, created_at`

const insertAnomalySQL = `
INSERT INTO anomalies
	(metric_name, anomaly_type, timestamp, value, expected_value, deviation, severity, device, metadata)
VALUES
	($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING id, created_at`

// NotFoundError is returned when an anomaly ID does not exist.
type NotFoundError struct {
	ID int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("Anomaly with ID %d not found", e.ID)
}

// Query narrows a listing of stored anomalies. Zero-valued fields are not
// applied; a zero Window defaults to the last 24 hours.
type Query struct {
	Metric   string
	Device   string
	Severity catalog.Severity
	Window   time.Duration
}

// Store persists detector findings.
type Store struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

func NewStore(pool *pgxpool.Pool, log *zap.Logger) *Store {
	return &Store{pool: pool, log: log}
}

// Insert writes the findings in a single transaction and returns them with
// their assigned IDs and creation times.
func (s *Store) Insert(ctx context.Context, anomalies []Anomaly) ([]Anomaly, error) {
	if len(anomalies) == 0 {
		return anomalies, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	start := time.Now()
	saved := make([]Anomaly, len(anomalies))
	for i, a := range anomalies {
		var device *string
		if a.Device != "" {
			device = &a.Device
		}
		meta, err := json.Marshal(a.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encoding anomaly metadata: %w", err)
		}

		row := tx.QueryRow(ctx, insertAnomalySQL,
			a.MetricName, string(a.Type), a.Timestamp, a.Value, a.Expected,
			a.Deviation, string(a.Severity), device, meta)
		if err := row.Scan(&a.ID, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("inserting anomaly: %w", err)
		}
		saved[i] = a
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing anomalies: %w", err)
	}
	metrics.DBWriteDuration.WithLabelValues("anomalies", "insert").Observe(time.Since(start).Seconds())

	s.log.Info("stored anomalies", zap.Int("count", len(saved)))
	return saved, nil
}

// List returns anomalies inside the query window, newest first.
func (s *Store) List(ctx context.Context, q Query) ([]Anomaly, error) {
	window := q.Window
	if window <= 0 {
		window = 24 * time.Hour
	}

	args := []any{time.Now().UTC().Add(-window)}
	where := []string{"timestamp >= $1"}

	if q.Metric != "" {
		args = append(args, q.Metric)
		where = append(where, fmt.Sprintf("metric_name = $%d", len(args)))
	}
	if q.Device != "" {
		args = append(args, q.Device)
		where = append(where, fmt.Sprintf("device = $%d", len(args)))
	}
	if q.Severity != "" {
		args = append(args, string(q.Severity))
		where = append(where, fmt.Sprintf("severity = $%d", len(args)))
	}

	query := `SELECT ` + anomalyColumns + ` FROM anomalies WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY timestamp DESC, id DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing anomalies: %w", err)
	}
	defer rows.Close()

	out := []Anomaly{}
	for rows.Next() {
		a, err := scanAnomaly(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// Get returns one anomaly by ID.
func (s *Store) Get(ctx context.Context, id int64) (*Anomaly, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+anomalyColumns+` FROM anomalies WHERE id = $1`, id)
	a, err := scanAnomaly(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("fetching anomaly %d: %w", id, err)
	}
	return a, nil
}

// PurgeOlderThan removes anomalies recorded before the cutoff and returns
// how many rows were deleted.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	start := time.Now()
	tag, err := s.pool.Exec(ctx, `DELETE FROM anomalies WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging anomalies: %w", err)
	}
	metrics.DBWriteDuration.WithLabelValues("anomalies", "delete").Observe(time.Since(start).Seconds())
	return tag.RowsAffected(), nil
}

func scanAnomaly(row pgx.Row) (*Anomaly, error) {
	var (
		a           Anomaly
		anomalyType string
		severity    string
		device      *string
		meta        []byte
	)
	if err := row.Scan(&a.ID, &a.MetricName, &anomalyType, &a.Timestamp, &a.Value,
		&a.Expected, &a.Deviation, &severity, &device, &meta, &a.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning anomaly: %w", err)
	}
	a.Type = Type(anomalyType)
	a.Severity = catalog.Severity(severity)
	if device != nil {
		a.Device = *device
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &a.Metadata); err != nil {
			return nil, fmt.Errorf("decoding anomaly metadata: %w", err)
		}
	}
	return &a, nil
}
