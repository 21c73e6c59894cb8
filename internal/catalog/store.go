package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/peerwatch/bgp-orchestrator/internal/audit"
	"github.com/peerwatch/bgp-orchestrator/internal/metrics"
)

// maxBulkSize caps bulk operations so a single request cannot hold a
// transaction open across thousands of row locks.
const maxBulkSize = 100

const peeringColumns = `id, name, device, interface, local_asn, peer_asn, peer_ip,
	hold_time, keepalive, status, address_families, routing_policy,
	created_at, updated_at, created_by, updated_by, is_deleted, deleted_at, deleted_by`

const insertPeeringSQL = `
	INSERT INTO bgp_peerings
		(name, device, interface, local_asn, peer_asn, peer_ip, hold_time, keepalive,
		 status, address_families, routing_policy, created_by, updated_by)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
	RETURNING ` + peeringColumns

const updatePeeringSQL = `
	UPDATE bgp_peerings
	SET name = $2, device = $3, interface = $4, local_asn = $5, peer_asn = $6,
	    peer_ip = $7, hold_time = $8, keepalive = $9, status = $10,
	    address_families = $11, routing_policy = $12, updated_at = now(), updated_by = $13
	WHERE id = $1
	RETURNING ` + peeringColumns

const softDeleteSQL = `
	UPDATE bgp_peerings
	SET is_deleted = TRUE, deleted_at = now(), deleted_by = $2,
	    updated_at = now(), updated_by = $2
	WHERE id = $1
	RETURNING ` + peeringColumns

// Store owns all reads and writes of the peering catalog. Every mutation runs
// in a single transaction that inserts or updates the row, snapshots the
// catalog as seen by that transaction, evaluates conflict rules against the
// snapshot, and either commits together with its audit record or rolls the
// whole thing back.
type Store struct {
	pool     *pgxpool.Pool
	detector Detector
	auditor  *audit.Recorder
	log      *zap.Logger
}

func NewStore(pool *pgxpool.Pool, detector Detector, auditor *audit.Recorder, log *zap.Logger) *Store {
	return &Store{pool: pool, detector: detector, auditor: auditor, log: log}
}

// Create validates the draft, inserts it, and evaluates conflict rules with
// the new row visible. Any detected conflict rolls the insert back.
func (s *Store) Create(ctx context.Context, draft Draft, actor Actor) (*Peering, error) {
	if err := ValidateDraft(&draft); err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.insertDraft(ctx, tx, draft, actor)
	if err != nil {
		return nil, err
	}
	if err := s.guardConflicts(ctx, tx, created); err != nil {
		return nil, err
	}
	if err := s.recordAudit(ctx, tx, "create", created.ID, nil, created, actor); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing create: %w", err)
	}

	s.log.Info("peering created",
		zap.Int64("id", created.ID),
		zap.String("name", created.Name),
		zap.String("user", actor.UserID))
	return created, nil
}

// Update applies the patch to the locked current row, revalidates the merged
// record, and re-runs conflict detection with the row excluded from matching
// against itself. A patch that changes nothing returns the stored record
// untouched.
func (s *Store) Update(ctx context.Context, id int64, patch Patch, actor Actor) (*Peering, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	existing, err := s.lockRow(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	merged := patch.Apply(*existing)
	if reflect.DeepEqual(merged, *existing) {
		return existing, nil
	}

	draft := draftFrom(merged)
	if err := ValidateDraft(&draft); err != nil {
		return nil, err
	}

	updated, err := s.updateRow(ctx, tx, id, merged, actor)
	if err != nil {
		return nil, err
	}
	if err := s.guardConflicts(ctx, tx, updated); err != nil {
		return nil, err
	}
	if err := s.recordAudit(ctx, tx, "update", id, existing, updated, actor); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing update: %w", err)
	}

	s.log.Info("peering updated",
		zap.Int64("id", id),
		zap.String("user", actor.UserID))
	return updated, nil
}

// Delete tombstones the row. The record stays queryable for audit purposes
// and its name stays reserved until the tombstone is purged.
func (s *Store) Delete(ctx context.Context, id int64, actor Actor) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	existing, err := s.lockRow(ctx, tx, id)
	if err != nil {
		return err
	}

	start := time.Now()
	row := tx.QueryRow(ctx, softDeleteSQL, id, actor.UserID)
	deleted, err := scanPeering(row)
	metrics.DBWriteDuration.WithLabelValues("bgp_peerings", "delete").Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("tombstoning peering %d: %w", id, err)
	}

	if err := s.recordAudit(ctx, tx, "delete", id, existing, deleted, actor); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing delete: %w", err)
	}

	s.log.Info("peering deleted",
		zap.Int64("id", id),
		zap.String("name", existing.Name),
		zap.String("user", actor.UserID))
	return nil
}

// Get returns a live (non-tombstoned) peering by id.
func (s *Store) Get(ctx context.Context, id int64) (*Peering, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+peeringColumns+` FROM bgp_peerings WHERE id = $1 AND NOT is_deleted`, id)
	p, err := scanPeering(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("fetching peering %d: %w", id, err)
	}
	return p, nil
}

// List returns live peerings matching the filters, newest first. Limit
// defaults to 100 and is capped at 1000.
func (s *Store) List(ctx context.Context, f Filters, page Page) ([]Peering, error) {
	where := []string{"NOT is_deleted"}
	args := []any{}

	if f.Device != "" {
		args = append(args, f.Device)
		where = append(where, fmt.Sprintf("device = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.PeerASN != 0 {
		args = append(args, int64(f.PeerASN))
		where = append(where, fmt.Sprintf("peer_asn = $%d", len(args)))
	}

	limit := page.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	skip := page.Skip
	if skip < 0 {
		skip = 0
	}
	args = append(args, limit, skip)

	query := `SELECT ` + peeringColumns + ` FROM bgp_peerings WHERE ` +
		strings.Join(where, " AND ") +
		fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing peerings: %w", err)
	}
	defer rows.Close()
	return collectPeerings(rows)
}

// BulkCreate inserts every draft in one transaction. The conflict snapshot
// for each draft includes the drafts inserted before it, so intra-batch
// collisions are caught. Any validation error or conflict aborts the whole
// batch.
func (s *Store) BulkCreate(ctx context.Context, drafts []Draft, actor Actor) ([]Peering, error) {
	if err := checkBulkSize(len(drafts)); err != nil {
		return nil, err
	}
	for i := range drafts {
		if err := ValidateDraft(&drafts[i]); err != nil {
			return nil, prefixValidation(err, i)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	created := make([]Peering, 0, len(drafts))
	for i := range drafts {
		p, err := s.insertDraft(ctx, tx, drafts[i], actor)
		if err != nil {
			return nil, prefixValidation(err, i)
		}
		if err := s.guardConflicts(ctx, tx, p); err != nil {
			return nil, err
		}
		if err := s.recordAudit(ctx, tx, "bulk_create", p.ID, nil, p, actor); err != nil {
			return nil, err
		}
		created = append(created, *p)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing bulk create: %w", err)
	}
	s.log.Info("bulk create committed",
		zap.Int("count", len(created)),
		zap.String("user", actor.UserID))
	return created, nil
}

// BulkDelete tombstones every id in one transaction. A missing id aborts the
// whole batch.
func (s *Store) BulkDelete(ctx context.Context, ids []int64, actor Actor) error {
	if err := checkBulkSize(len(ids)); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, id := range ids {
		existing, err := s.lockRow(ctx, tx, id)
		if err != nil {
			return err
		}
		row := tx.QueryRow(ctx, softDeleteSQL, id, actor.UserID)
		deleted, err := scanPeering(row)
		if err != nil {
			return fmt.Errorf("tombstoning peering %d: %w", id, err)
		}
		if err := s.recordAudit(ctx, tx, "bulk_delete", id, existing, deleted, actor); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing bulk delete: %w", err)
	}
	s.log.Info("bulk delete committed",
		zap.Int("count", len(ids)),
		zap.String("user", actor.UserID))
	return nil
}

// BulkUpdate applies the same patch to every id in one transaction, with the
// same validate-then-detect flow as single updates.
func (s *Store) BulkUpdate(ctx context.Context, ids []int64, patch Patch, actor Actor) ([]Peering, error) {
	if err := checkBulkSize(len(ids)); err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	updated := make([]Peering, 0, len(ids))
	for _, id := range ids {
		existing, err := s.lockRow(ctx, tx, id)
		if err != nil {
			return nil, err
		}

		merged := patch.Apply(*existing)
		if reflect.DeepEqual(merged, *existing) {
			updated = append(updated, *existing)
			continue
		}

		draft := draftFrom(merged)
		if err := ValidateDraft(&draft); err != nil {
			return nil, err
		}

		p, err := s.updateRow(ctx, tx, id, merged, actor)
		if err != nil {
			return nil, err
		}
		if err := s.guardConflicts(ctx, tx, p); err != nil {
			return nil, err
		}
		if err := s.recordAudit(ctx, tx, "bulk_update", id, existing, p, actor); err != nil {
			return nil, err
		}
		updated = append(updated, *p)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing bulk update: %w", err)
	}
	s.log.Info("bulk update committed",
		zap.Int("count", len(updated)),
		zap.String("user", actor.UserID))
	return updated, nil
}

// Snapshot returns every live peering, for callers that evaluate rules
// outside a catalog transaction (stream ingest, the detect subcommand).
func (s *Store) Snapshot(ctx context.Context) ([]Peering, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+peeringColumns+` FROM bgp_peerings WHERE NOT is_deleted ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("snapshotting peerings: %w", err)
	}
	defer rows.Close()
	return collectPeerings(rows)
}

// ByPeerIP returns live peerings configured for the given neighbor address.
func (s *Store) ByPeerIP(ctx context.Context, peerIP string) ([]Peering, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+peeringColumns+` FROM bgp_peerings WHERE peer_ip = $1 AND NOT is_deleted ORDER BY id`,
		peerIP)
	if err != nil {
		return nil, fmt.Errorf("fetching peerings for %s: %w", peerIP, err)
	}
	defer rows.Close()
	return collectPeerings(rows)
}

// PeeringConflicts pairs a stored peering with the conflicts found when the
// current catalog is re-evaluated against itself.
type PeeringConflicts struct {
	PeeringID int64      `json:"peering_id"`
	Name      string     `json:"name"`
	Conflicts []Conflict `json:"conflicts"`
}

// ScanConflicts re-runs conflict detection for every live peering against the
// current catalog. Used by the one-shot detect subcommand.
func (s *Store) ScanConflicts(ctx context.Context) ([]PeeringConflicts, error) {
	snapshot, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	var findings []PeeringConflicts
	for i := range snapshot {
		p := snapshot[i]
		conflicts := s.detector.Detect(ctx, &p, snapshot)
		if len(conflicts) > 0 {
			findings = append(findings, PeeringConflicts{
				PeeringID: p.ID,
				Name:      p.Name,
				Conflicts: conflicts,
			})
		}
	}
	return findings, nil
}

// PurgeTombstones hard-deletes rows tombstoned before the cutoff, freeing
// their names for reuse. Returns the number of rows removed.
func (s *Store) PurgeTombstones(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM bgp_peerings WHERE is_deleted AND deleted_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging tombstones: %w", err)
	}
	if tag.RowsAffected() > 0 {
		s.log.Info("purged tombstoned peerings",
			zap.Int64("rows", tag.RowsAffected()),
			zap.Time("cutoff", cutoff))
	}
	return tag.RowsAffected(), nil
}

// guardConflicts snapshots the catalog as the transaction sees it (including
// rows inserted earlier in the same transaction) and runs the rule set. Any
// finding is returned as a ConflictError, which the deferred rollback then
// turns into a no-op write.
func (s *Store) guardConflicts(ctx context.Context, tx pgx.Tx, candidate *Peering) error {
	rows, err := tx.Query(ctx,
		`SELECT `+peeringColumns+` FROM bgp_peerings WHERE NOT is_deleted ORDER BY id`)
	if err != nil {
		return fmt.Errorf("snapshotting peerings: %w", err)
	}
	snapshot, err := collectPeerings(rows)
	rows.Close()
	if err != nil {
		return err
	}

	if conflicts := s.detector.Detect(ctx, candidate, snapshot); len(conflicts) > 0 {
		s.log.Warn("conflicts detected, rolling back",
			zap.Int64("id", candidate.ID),
			zap.String("name", candidate.Name),
			zap.Int("conflicts", len(conflicts)))
		return &ConflictError{Conflicts: conflicts}
	}
	return nil
}

func (s *Store) insertDraft(ctx context.Context, tx pgx.Tx, d Draft, actor Actor) (*Peering, error) {
	policy, err := json.Marshal(d.RoutingPolicy)
	if err != nil {
		return nil, fmt.Errorf("marshaling routing policy: %w", err)
	}

	start := time.Now()
	row := tx.QueryRow(ctx, insertPeeringSQL,
		d.Name, d.Device, nullableString(d.Interface),
		int64(d.LocalASN), int64(d.PeerASN), d.PeerIP,
		*d.HoldTime, *d.Keepalive, string(d.Status),
		d.AddressFamilies, policy, actor.UserID)
	p, err := scanPeering(row)
	metrics.DBWriteDuration.WithLabelValues("bgp_peerings", "insert").Observe(time.Since(start).Seconds())
	if err != nil {
		if isUniqueNameViolation(err) {
			return nil, newValidationError("name", fmt.Sprintf("peering name %q is already in use", d.Name))
		}
		return nil, fmt.Errorf("inserting peering %q: %w", d.Name, err)
	}
	return p, nil
}

func (s *Store) updateRow(ctx context.Context, tx pgx.Tx, id int64, merged Peering, actor Actor) (*Peering, error) {
	policy, err := json.Marshal(merged.RoutingPolicy)
	if err != nil {
		return nil, fmt.Errorf("marshaling routing policy: %w", err)
	}

	start := time.Now()
	row := tx.QueryRow(ctx, updatePeeringSQL, id,
		merged.Name, merged.Device, nullableString(merged.Interface),
		int64(merged.LocalASN), int64(merged.PeerASN), merged.PeerIP,
		merged.HoldTime, merged.Keepalive, string(merged.Status),
		merged.AddressFamilies, policy, actor.UserID)
	p, err := scanPeering(row)
	metrics.DBWriteDuration.WithLabelValues("bgp_peerings", "update").Observe(time.Since(start).Seconds())
	if err != nil {
		if isUniqueNameViolation(err) {
			return nil, newValidationError("name", fmt.Sprintf("peering name %q is already in use", merged.Name))
		}
		return nil, fmt.Errorf("updating peering %d: %w", id, err)
	}
	return p, nil
}

// lockRow fetches a live row FOR UPDATE so concurrent mutations of the same
// peering serialize instead of racing the conflict snapshot.
func (s *Store) lockRow(ctx context.Context, tx pgx.Tx, id int64) (*Peering, error) {
	row := tx.QueryRow(ctx,
		`SELECT `+peeringColumns+` FROM bgp_peerings WHERE id = $1 AND NOT is_deleted FOR UPDATE`, id)
	p, err := scanPeering(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("locking peering %d: %w", id, err)
	}
	return p, nil
}

func (s *Store) recordAudit(ctx context.Context, tx pgx.Tx, action string, id int64, oldValues, newValues any, actor Actor) error {
	err := s.auditor.Record(ctx, tx, audit.Entry{
		UserID:        actor.UserID,
		Action:        action,
		TableName:     "bgp_peerings",
		RecordID:      strconv.FormatInt(id, 10),
		OldValues:     oldValues,
		NewValues:     newValues,
		ClientAddr:    actor.ClientAddr,
		CorrelationID: actor.CorrelationID,
	})
	if err != nil {
		return fmt.Errorf("recording audit for peering %d: %w", id, err)
	}
	return nil
}

func checkBulkSize(n int) error {
	if n == 0 {
		return newValidationError("items", "bulk request must contain at least one item")
	}
	if n > maxBulkSize {
		return newValidationError("items", fmt.Sprintf("bulk request exceeds maximum of %d items", maxBulkSize))
	}
	return nil
}

// prefixValidation rewrites field names as "[i].field" so bulk callers can
// tell which item failed.
func prefixValidation(err error, i int) error {
	var ve *ValidationError
	if !errors.As(err, &ve) {
		return err
	}
	out := &ValidationError{Fields: make([]FieldError, len(ve.Fields))}
	for j, fe := range ve.Fields {
		out.Fields[j] = FieldError{
			Field:   fmt.Sprintf("[%d].%s", i, fe.Field),
			Message: fe.Message,
		}
	}
	return out
}

func isUniqueNameViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "bgp_peerings_name_key"
}

func scanPeering(row pgx.Row) (*Peering, error) {
	var (
		p         Peering
		iface     *string
		localASN  int64
		peerASN   int64
		status    string
		policy    []byte
		createdBy *string
		updatedBy *string
		deletedBy *string
	)
	err := row.Scan(&p.ID, &p.Name, &p.Device, &iface, &localASN, &peerASN, &p.PeerIP,
		&p.HoldTime, &p.Keepalive, &status, &p.AddressFamilies, &policy,
		&p.CreatedAt, &p.UpdatedAt, &createdBy, &updatedBy,
		&p.IsDeleted, &p.DeletedAt, &deletedBy)
	if err != nil {
		return nil, err
	}

	p.LocalASN = uint32(localASN)
	p.PeerASN = uint32(peerASN)
	p.Status = Status(status)
	if iface != nil {
		p.Interface = *iface
	}
	if createdBy != nil {
		p.CreatedBy = *createdBy
	}
	if updatedBy != nil {
		p.UpdatedBy = *updatedBy
	}
	if deletedBy != nil {
		p.DeletedBy = *deletedBy
	}
	if len(policy) > 0 {
		if err := json.Unmarshal(policy, &p.RoutingPolicy); err != nil {
			return nil, fmt.Errorf("decoding routing policy: %w", err)
		}
	}
	return &p, nil
}

func collectPeerings(rows pgx.Rows) ([]Peering, error) {
	out := []Peering{}
	for rows.Next() {
		p, err := scanPeering(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning peering row: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating peering rows: %w", err)
	}
	return out, nil
}

// nullableString maps "" to NULL for optional text columns.
func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
