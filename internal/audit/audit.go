// Package audit appends tamper-evident mutation records. Every row carries an
// HMAC-SHA256 over a canonical JSON form of its contents so later inspection
// can prove a row was written by the service and not edited in place.
package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

type Entry struct {
	UserID        string
	Action        string
	TableName     string
	RecordID      string
	OldValues     any
	NewValues     any
	ClientAddr    string
	CorrelationID string
}

type Recorder struct {
	secret []byte
}

func NewRecorder(secret string) *Recorder {
	return &Recorder{secret: []byte(secret)}
}

// Sign computes the HMAC over the canonical JSON of the tamper-relevant
// fields (id, timestamp, and transport metadata are excluded).
func (r *Recorder) Sign(e Entry) ([]byte, error) {
	canon, err := canonicalJSON(e)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing audit entry: %w", err)
	}
	mac := hmac.New(sha256.New, r.secret)
	mac.Write(canon)
	return mac.Sum(nil), nil
}

// Verify reports whether signature matches the entry's canonical form.
func (r *Recorder) Verify(e Entry, signature []byte) bool {
	expected, err := r.Sign(e)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, signature)
}

// Record signs the entry and appends it inside the caller's transaction, so
// the audit row commits or rolls back with the mutation it describes.
func (r *Recorder) Record(ctx context.Context, tx pgx.Tx, e Entry) error {
	sig, err := r.Sign(e)
	if err != nil {
		return err
	}

	oldJSON, err := marshalValues(e.OldValues)
	if err != nil {
		return fmt.Errorf("marshaling old values: %w", err)
	}
	newJSON, err := marshalValues(e.NewValues)
	if err != nil {
		return fmt.Errorf("marshaling new values: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO audit_logs (user_id, action, table_name, record_id, old_values, new_values, client_addr, correlation_id, signature)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.UserID, e.Action, e.TableName, e.RecordID, oldJSON, newJSON,
		nilIfEmpty(e.ClientAddr), nilIfEmpty(e.CorrelationID), sig,
	)
	if err != nil {
		return fmt.Errorf("inserting audit row: %w", err)
	}
	return nil
}

// canonicalJSON renders the signed fields as compact JSON with sorted keys at
// every nesting level. Structs are round-tripped through generic maps so
// field declaration order cannot leak into the signature.
func canonicalJSON(e Entry) ([]byte, error) {
	oldVal, err := normalize(e.OldValues)
	if err != nil {
		return nil, err
	}
	newVal, err := normalize(e.NewValues)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"user_id":    e.UserID,
		"action":     e.Action,
		"table_name": e.TableName,
		"record_id":  e.RecordID,
		"old_values": oldVal,
		"new_values": newVal,
	})
}

func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func marshalValues(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
