package catalog

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

var csvHeader = []string{
	"id", "name", "device", "interface", "local_asn", "peer_asn", "peer_ip",
	"hold_time", "keepalive", "status", "address_families", "routing_policy",
	"created_at", "updated_at",
}

// ExportCSV writes every live peering as CSV. Address families are
// comma-joined inside one column and the routing policy is embedded as
// compact JSON.
func (s *Store) ExportCSV(ctx context.Context, w io.Writer) error {
	peerings, err := s.Snapshot(ctx)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("writing csv header: %w", err)
	}
	for i := range peerings {
		record, err := csvRecord(&peerings[i])
		if err != nil {
			return err
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("writing csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportJSON writes every live peering as a JSON array.
func (s *Store) ExportJSON(ctx context.Context, w io.Writer) error {
	peerings, err := s.Snapshot(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	if err := enc.Encode(peerings); err != nil {
		return fmt.Errorf("encoding peerings: %w", err)
	}
	return nil
}

func csvRecord(p *Peering) ([]string, error) {
	policy, err := json.Marshal(p.RoutingPolicy)
	if err != nil {
		return nil, fmt.Errorf("marshaling routing policy for %d: %w", p.ID, err)
	}
	return []string{
		strconv.FormatInt(p.ID, 10),
		p.Name,
		p.Device,
		p.Interface,
		strconv.FormatUint(uint64(p.LocalASN), 10),
		strconv.FormatUint(uint64(p.PeerASN), 10),
		p.PeerIP,
		strconv.Itoa(p.HoldTime),
		strconv.Itoa(p.Keepalive),
		string(p.Status),
		strings.Join(p.AddressFamilies, ","),
		string(policy),
		p.CreatedAt.UTC().Format(time.RFC3339),
		p.UpdatedAt.UTC().Format(time.RFC3339),
	}, nil
}
