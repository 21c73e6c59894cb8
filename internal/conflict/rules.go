package conflict

import (
	"context"
	"fmt"
	"net/netip"
	"slices"

	"github.com/peerwatch/bgp-orchestrator/internal/catalog"
)

// OriginValidator is the pluggable prefix-origin backend consulted by the
// RPKI rule. CheckASN returns the announced prefixes that failed origin
// validation; determined is false when no verdict could be reached (backend
// down, circuit open), which the rule treats as no conflict.
type OriginValidator interface {
	CheckASN(ctx context.Context, asn uint32) (invalid []string, determined bool)
}

// DefaultRules returns the built-in rule set in its evaluation order. The
// validator may be nil, in which case the RPKI rule never reports.
func DefaultRules(validator OriginValidator) []Rule {
	return []Rule{
		asnCollisionRule{},
		rpkiRule{validator: validator},
		sessionOverlapRule{},
		routingLoopRule{},
		ipSanityRule{},
	}
}

// asnCollisionRule flags a peer ASN that is already active on a different
// neighbor address, which usually means a session was re-provisioned without
// cleaning up the old record.
type asnCollisionRule struct{}

func (asnCollisionRule) Name() string { return "asn_collision" }

func (asnCollisionRule) Check(_ context.Context, candidate *catalog.Peering, snapshot []catalog.Peering) (*catalog.Conflict, error) {
	var collisions []int64
	for i := range snapshot {
		p := &snapshot[i]
		if p.ID != candidate.ID &&
			p.PeerASN == candidate.PeerASN &&
			p.PeerIP != candidate.PeerIP &&
			p.Status == catalog.StatusActive {
			collisions = append(collisions, p.ID)
		}
	}
	if len(collisions) == 0 {
		return nil, nil
	}
	return &catalog.Conflict{
		Type:              catalog.ConflictASNCollision,
		Severity:          catalog.SeverityHigh,
		Description:       fmt.Sprintf("Multiple active peerings found for ASN %d with different IPs", candidate.PeerASN),
		AffectedPeers:     append([]int64{candidate.ID}, collisions...),
		RecommendedAction: "Review peerings to ensure they're not duplicate sessions",
		Metadata: map[string]any{
			"collision_count": len(collisions),
			"peer_asn":        candidate.PeerASN,
		},
	}, nil
}

// sessionOverlapRule flags an exact duplicate session: same device, same
// neighbor address, same peer ASN.
type sessionOverlapRule struct{}

func (sessionOverlapRule) Name() string { return "session_overlap" }

func (sessionOverlapRule) Check(_ context.Context, candidate *catalog.Peering, snapshot []catalog.Peering) (*catalog.Conflict, error) {
	var overlaps []int64
	for i := range snapshot {
		p := &snapshot[i]
		if p.ID != candidate.ID &&
			p.Device == candidate.Device &&
			p.PeerIP == candidate.PeerIP &&
			p.PeerASN == candidate.PeerASN {
			overlaps = append(overlaps, p.ID)
		}
	}
	if len(overlaps) == 0 {
		return nil, nil
	}
	return &catalog.Conflict{
		Type:              catalog.ConflictSessionOverlap,
		Severity:          catalog.SeverityCritical,
		Description:       fmt.Sprintf("Duplicate peering session found on device %s for %s", candidate.Device, candidate.PeerIP),
		AffectedPeers:     append([]int64{candidate.ID}, overlaps...),
		RecommendedAction: "Remove duplicate peering session",
		Metadata: map[string]any{
			"device":   candidate.Device,
			"peer_ip":  candidate.PeerIP,
			"peer_asn": candidate.PeerASN,
		},
	}, nil
}

// routingLoopRule flags configurations that would route our own ASN back at
// us: a peer ASN equal to the local ASN, or an import policy whose AS path
// already contains the local ASN.
type routingLoopRule struct{}

func (routingLoopRule) Name() string { return "routing_loop" }

func (routingLoopRule) Check(_ context.Context, candidate *catalog.Peering, _ []catalog.Peering) (*catalog.Conflict, error) {
	if candidate.LocalASN == candidate.PeerASN {
		return &catalog.Conflict{
			Type:              catalog.ConflictRoutingLoop,
			Severity:          catalog.SeverityCritical,
			Description:       fmt.Sprintf("Potential routing loop detected: local ASN %d equals peer ASN", candidate.LocalASN),
			AffectedPeers:     []int64{candidate.ID},
			RecommendedAction: "Review ASN assignment to prevent a routing loop",
			Metadata: map[string]any{
				"local_asn": candidate.LocalASN,
				"peer_asn":  candidate.PeerASN,
			},
		}, nil
	}

	asPath := candidate.RoutingPolicy.Import.ASPath
	if slices.Contains(asPath, candidate.LocalASN) {
		return &catalog.Conflict{
			Type:              catalog.ConflictRoutingLoop,
			Severity:          catalog.SeverityCritical,
			Description:       fmt.Sprintf("Potential routing loop detected: local ASN %d in import policy", candidate.LocalASN),
			AffectedPeers:     []int64{candidate.ID},
			RecommendedAction: "Review import policy to prevent ASN loop",
			Metadata: map[string]any{
				"local_asn": candidate.LocalASN,
				"as_path":   asPath,
			},
		}, nil
	}
	return nil, nil
}

// ipSanityRule covers neighbor-address mistakes: an address that does not
// parse, the same address reused on one device under a different ASN, or a
// private address on a session marked active.
type ipSanityRule struct{}

func (ipSanityRule) Name() string { return "ip_sanity" }

func (ipSanityRule) Check(_ context.Context, candidate *catalog.Peering, snapshot []catalog.Peering) (*catalog.Conflict, error) {
	addr, err := netip.ParseAddr(candidate.PeerIP)
	if err != nil {
		return &catalog.Conflict{
			Type:              catalog.ConflictConfigMismatch,
			Severity:          catalog.SeverityHigh,
			Description:       fmt.Sprintf("Peer IP %q is not a valid IPv4 or IPv6 address", candidate.PeerIP),
			AffectedPeers:     []int64{candidate.ID},
			RecommendedAction: "Correct peer_ip to a valid IPv4 or IPv6 address",
			Metadata:          map[string]any{"peer_ip": candidate.PeerIP},
		}, nil
	}

	var duplicates []int64
	for i := range snapshot {
		p := &snapshot[i]
		if p.ID != candidate.ID && p.Device == candidate.Device && p.PeerIP == candidate.PeerIP {
			duplicates = append(duplicates, p.ID)
		}
	}
	if len(duplicates) > 0 {
		return &catalog.Conflict{
			Type:              catalog.ConflictConfigMismatch,
			Severity:          catalog.SeverityHigh,
			Description:       fmt.Sprintf("Peer IP %s is already configured on device %s", candidate.PeerIP, candidate.Device),
			AffectedPeers:     append([]int64{candidate.ID}, duplicates...),
			RecommendedAction: "Use a distinct neighbor address per device",
			Metadata: map[string]any{
				"device":  candidate.Device,
				"peer_ip": candidate.PeerIP,
			},
		}, nil
	}

	if (addr.IsPrivate() || addr.IsLoopback()) && candidate.Status == catalog.StatusActive {
		return &catalog.Conflict{
			Type:              catalog.ConflictConfigMismatch,
			Severity:          catalog.SeverityMedium,
			Description:       fmt.Sprintf("Peer IP %s is in a private address range while the session is active", candidate.PeerIP),
			AffectedPeers:     []int64{candidate.ID},
			RecommendedAction: "Confirm the peering is intended to use private addressing",
			Metadata:          map[string]any{"peer_ip": candidate.PeerIP},
		}, nil
	}
	return nil, nil
}

// rpkiRule consults the prefix-origin validator for public peer ASNs.
// Private ASNs have no route origin authorizations and are skipped outright.
// An unreachable validator is "not determined" and never escalates into a
// conflict.
type rpkiRule struct {
	validator OriginValidator
}

func (rpkiRule) Name() string { return "rpki_origin" }

func (r rpkiRule) Check(ctx context.Context, candidate *catalog.Peering, _ []catalog.Peering) (*catalog.Conflict, error) {
	if catalog.PrivateASN(candidate.PeerASN) || r.validator == nil {
		return nil, nil
	}

	invalid, determined := r.validator.CheckASN(ctx, candidate.PeerASN)
	if !determined || len(invalid) == 0 {
		return nil, nil
	}
	return &catalog.Conflict{
		Type:              catalog.ConflictRPKIInvalid,
		Severity:          catalog.SeverityCritical,
		Description:       fmt.Sprintf("Origin validation failed for %d prefix(es) announced by ASN %d", len(invalid), candidate.PeerASN),
		AffectedPeers:     []int64{candidate.ID},
		RecommendedAction: "Verify ROA coverage for the peer's announced prefixes",
		Metadata: map[string]any{
			"peer_asn":         candidate.PeerASN,
			"invalid_prefixes": invalid,
		},
	}, nil
}
