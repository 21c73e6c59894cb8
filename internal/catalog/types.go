// Package catalog owns the authoritative BGP peering records: validation,
// soft-delete lifecycle, conflict-gated mutations, and read projections.
package catalog

import (
	"context"
	"time"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusPending  Status = "pending"
	StatusDisabled Status = "disabled"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type ConflictType string

const (
	ConflictSessionOverlap ConflictType = "session_overlap"
	ConflictRoutingLoop    ConflictType = "routing_loop"
	ConflictASNCollision   ConflictType = "asn_collision"
	ConflictConfigMismatch ConflictType = "configuration_mismatch"
	ConflictRPKIInvalid    ConflictType = "rpki_invalid"
)

// Conflict is the immutable finding a detection rule produces. Conflicts are
// surfaced with the rejection that carried them; they are not stored.
type Conflict struct {
	Type              ConflictType   `json:"type"`
	Severity          Severity       `json:"severity"`
	Description       string         `json:"description"`
	AffectedPeers     []int64        `json:"affected_peers"`
	RecommendedAction string         `json:"recommended_action"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// Detector evaluates a candidate peering against a snapshot of the fleet.
// It never fails; rule errors and timeouts degrade to "no conflict".
type Detector interface {
	Detect(ctx context.Context, candidate *Peering, snapshot []Peering) []Conflict
}

type PolicyRules struct {
	ASPath []uint32 `json:"as_path,omitempty"`
}

type RoutingPolicy struct {
	Import PolicyRules `json:"import"`
	Export PolicyRules `json:"export"`
}

type Peering struct {
	ID              int64         `json:"id"`
	Name            string        `json:"name"`
	Device          string        `json:"device"`
	Interface       string        `json:"interface,omitempty"`
	LocalASN        uint32        `json:"local_asn"`
	PeerASN         uint32        `json:"peer_asn"`
	PeerIP          string        `json:"peer_ip"`
	HoldTime        int           `json:"hold_time"`
	Keepalive       int           `json:"keepalive"`
	Status          Status        `json:"status"`
	AddressFamilies []string      `json:"address_families"`
	RoutingPolicy   RoutingPolicy `json:"routing_policy"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	CreatedBy       string        `json:"created_by,omitempty"`
	UpdatedBy       string        `json:"updated_by,omitempty"`
	IsDeleted       bool          `json:"is_deleted,omitempty"`
	DeletedAt       *time.Time    `json:"deleted_at,omitempty"`
	DeletedBy       string        `json:"deleted_by,omitempty"`
}

// Draft is a proposed peering. HoldTime and Keepalive are pointers so an
// absent field is distinguishable from an explicit zero (hold_time 0 disables
// the hold timer).
type Draft struct {
	Name            string        `json:"name" validate:"required,max=255"`
	Device          string        `json:"device" validate:"required,max=255"`
	Interface       string        `json:"interface,omitempty" validate:"omitempty,max=255"`
	LocalASN        uint32        `json:"local_asn" validate:"min=1"`
	PeerASN         uint32        `json:"peer_asn" validate:"min=1"`
	PeerIP          string        `json:"peer_ip" validate:"required"`
	HoldTime        *int          `json:"hold_time,omitempty" validate:"omitempty,min=3,max=65535"`
	Keepalive       *int          `json:"keepalive,omitempty" validate:"min=1,max=65535"`
	Status          Status        `json:"status,omitempty" validate:"oneof=active pending disabled"`
	AddressFamilies []string      `json:"address_families,omitempty" validate:"min=1,dive,oneof=ipv4-unicast ipv6-unicast vpnv4-unicast vpnv6-unicast l2vpn-evpn"`
	RoutingPolicy   RoutingPolicy `json:"routing_policy,omitempty"`
}

// Normalize fills in the documented defaults for absent fields.
func (d *Draft) Normalize() {
	if d.Status == "" {
		d.Status = StatusPending
	}
	if len(d.AddressFamilies) == 0 {
		d.AddressFamilies = []string{"ipv4-unicast"}
	}
	if d.HoldTime == nil {
		v := 180
		d.HoldTime = &v
	}
	if d.Keepalive == nil {
		v := 60
		d.Keepalive = &v
	}
}

// Patch is a partial update; nil fields are left unchanged.
type Patch struct {
	Name            *string        `json:"name,omitempty"`
	Device          *string        `json:"device,omitempty"`
	Interface       *string        `json:"interface,omitempty"`
	LocalASN        *uint32        `json:"local_asn,omitempty"`
	PeerASN         *uint32        `json:"peer_asn,omitempty"`
	PeerIP          *string        `json:"peer_ip,omitempty"`
	HoldTime        *int           `json:"hold_time,omitempty"`
	Keepalive       *int           `json:"keepalive,omitempty"`
	Status          *Status        `json:"status,omitempty"`
	AddressFamilies []string       `json:"address_families,omitempty"`
	RoutingPolicy   *RoutingPolicy `json:"routing_policy,omitempty"`
}

// IsZero reports whether the patch changes nothing.
func (p *Patch) IsZero() bool {
	return p.Name == nil && p.Device == nil && p.Interface == nil &&
		p.LocalASN == nil && p.PeerASN == nil && p.PeerIP == nil &&
		p.HoldTime == nil && p.Keepalive == nil && p.Status == nil &&
		p.AddressFamilies == nil && p.RoutingPolicy == nil
}

// Apply merges the patch onto a copy of the peering and returns it.
func (p *Patch) Apply(base Peering) Peering {
	out := base
	if p.Name != nil {
		out.Name = *p.Name
	}
	if p.Device != nil {
		out.Device = *p.Device
	}
	if p.Interface != nil {
		out.Interface = *p.Interface
	}
	if p.LocalASN != nil {
		out.LocalASN = *p.LocalASN
	}
	if p.PeerASN != nil {
		out.PeerASN = *p.PeerASN
	}
	if p.PeerIP != nil {
		out.PeerIP = *p.PeerIP
	}
	if p.HoldTime != nil {
		out.HoldTime = *p.HoldTime
	}
	if p.Keepalive != nil {
		out.Keepalive = *p.Keepalive
	}
	if p.Status != nil {
		out.Status = *p.Status
	}
	if p.AddressFamilies != nil {
		out.AddressFamilies = p.AddressFamilies
	}
	if p.RoutingPolicy != nil {
		out.RoutingPolicy = *p.RoutingPolicy
	}
	return out
}

// Filters narrows List results. Zero values mean "no filter".
type Filters struct {
	Device  string
	Status  Status
	PeerASN uint32
}

type Page struct {
	Skip  int
	Limit int
}

// Actor identifies who performed a mutation, for the audit trail.
type Actor struct {
	UserID        string
	ClientAddr    string
	CorrelationID string
}

// PrivateASN reports whether asn falls in the 16-bit (64512-65534) or 32-bit
// (4200000000-4294967294) private ranges.
func PrivateASN(asn uint32) bool {
	return (asn >= 64512 && asn <= 65534) || (asn >= 4200000000 && asn <= 4294967294)
}
