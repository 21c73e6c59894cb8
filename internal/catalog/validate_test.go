package catalog

import (
	"errors"
	"strings"
	"testing"
)

func intp(v int) *int { return &v }

func validDraft() Draft {
	return Draft{
		Name:     "edge1-transit-a",
		Device:   "edge1.fra",
		LocalASN: 65000,
		PeerASN:  65001,
		PeerIP:   "192.0.2.1",
	}
}

// hasFieldError fails the test unless err is a ValidationError carrying the
// given field/message pair.
func hasFieldError(t *testing.T, err error, field, message string) {
	t.Helper()
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	for _, fe := range ve.Fields {
		if fe.Field == field && fe.Message == message {
			return
		}
	}
	t.Fatalf("no field error %q / %q in %v", field, message, ve.Fields)
}

func TestValidateDraft_AppliesDefaults(t *testing.T) {
	d := validDraft()
	if err := ValidateDraft(&d); err != nil {
		t.Fatalf("expected valid draft, got %v", err)
	}

	if d.Status != StatusPending {
		t.Errorf("status = %q, want pending", d.Status)
	}
	if len(d.AddressFamilies) != 1 || d.AddressFamilies[0] != "ipv4-unicast" {
		t.Errorf("address families = %v, want [ipv4-unicast]", d.AddressFamilies)
	}
	if d.HoldTime == nil || *d.HoldTime != 180 {
		t.Errorf("hold time = %v, want 180", d.HoldTime)
	}
	if d.Keepalive == nil || *d.Keepalive != 60 {
		t.Errorf("keepalive = %v, want 60", d.Keepalive)
	}
}

func TestValidateDraft_FieldErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Draft)
		field   string
		message string
	}{
		{
			name:    "missing name",
			mutate:  func(d *Draft) { d.Name = "" },
			field:   "name",
			message: "name is required",
		},
		{
			name:    "name too long",
			mutate:  func(d *Draft) { d.Name = strings.Repeat("x", 256) },
			field:   "name",
			message: "name must be at most 255 characters",
		},
		{
			name:    "missing device",
			mutate:  func(d *Draft) { d.Device = "" },
			field:   "device",
			message: "device is required",
		},
		{
			name:    "zero local asn",
			mutate:  func(d *Draft) { d.LocalASN = 0 },
			field:   "local_asn",
			message: "local_asn must be between 1 and 4294967295",
		},
		{
			name:    "zero peer asn",
			mutate:  func(d *Draft) { d.PeerASN = 0 },
			field:   "peer_asn",
			message: "peer_asn must be between 1 and 4294967295",
		},
		{
			name:    "missing peer ip",
			mutate:  func(d *Draft) { d.PeerIP = "" },
			field:   "peer_ip",
			message: "peer_ip is required",
		},
		{
			name:    "hold time below minimum",
			mutate:  func(d *Draft) { d.HoldTime = intp(2) },
			field:   "hold_time",
			message: "hold_time must be 0 or between 3 and 65535",
		},
		{
			name:    "hold time too large",
			mutate:  func(d *Draft) { d.HoldTime = intp(70000) },
			field:   "hold_time",
			message: "hold_time must be 0 or between 3 and 65535",
		},
		{
			name:    "zero keepalive",
			mutate:  func(d *Draft) { d.Keepalive = intp(0) },
			field:   "keepalive",
			message: "keepalive must be between 1 and 65535",
		},
		{
			name:    "keepalive exceeds third of hold time",
			mutate:  func(d *Draft) { d.HoldTime = intp(9); d.Keepalive = intp(4) },
			field:   "keepalive",
			message: "keepalive (4) must be less than or equal to one-third of hold_time (9)",
		},
		{
			name:    "unknown status",
			mutate:  func(d *Draft) { d.Status = "flapping" },
			field:   "status",
			message: "status must be one of active, pending, disabled",
		},
		{
			name:    "unsupported address family",
			mutate:  func(d *Draft) { d.AddressFamilies = []string{"ipv4-unicast", "ipx"} },
			field:   "address_families",
			message: `unsupported address family "ipx"`,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := validDraft()
			tc.mutate(&d)
			err := ValidateDraft(&d)
			if err == nil {
				t.Fatal("expected validation error")
			}
			hasFieldError(t, err, tc.field, tc.message)
		})
	}
}

func TestValidateDraft_TimerEdgeCases(t *testing.T) {
	// Zero hold time disables the hold timer, so the ratio does not apply.
	d := validDraft()
	d.HoldTime = intp(0)
	d.Keepalive = intp(60)
	if err := ValidateDraft(&d); err != nil {
		t.Fatalf("expected zero hold time to be valid, got %v", err)
	}

	// Exactly one third is allowed.
	d = validDraft()
	d.HoldTime = intp(9)
	d.Keepalive = intp(3)
	if err := ValidateDraft(&d); err != nil {
		t.Fatalf("expected keepalive of exactly hold_time/3 to be valid, got %v", err)
	}
}

func TestDraftFrom_RoundTrips(t *testing.T) {
	p := Peering{
		ID:              7,
		Name:            "edge1-transit-a",
		Device:          "edge1.fra",
		Interface:       "xe-0/0/1",
		LocalASN:        65000,
		PeerASN:         65001,
		PeerIP:          "192.0.2.1",
		HoldTime:        90,
		Keepalive:       30,
		Status:          StatusActive,
		AddressFamilies: []string{"ipv4-unicast", "ipv6-unicast"},
	}

	d := draftFrom(p)
	if err := ValidateDraft(&d); err != nil {
		t.Fatalf("stored peering failed revalidation: %v", err)
	}

	// The draft must not alias the stored record's timers.
	*d.HoldTime = 3
	if p.HoldTime != 90 {
		t.Error("mutating the draft changed the source peering")
	}
}
