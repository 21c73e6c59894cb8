package stream

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/peerwatch/bgp-orchestrator/internal/features"
)

const defaultMessageType = "unknown"

type wirePeer struct {
	IP  string      `json:"ip"`
	ASN json.Number `json:"asn"`
}

type wireAnnounce struct {
	Prefix  string        `json:"prefix"`
	ASPath  []json.Number `json:"as_path"`
	NextHop string        `json:"next_hop"`
}

type wireWithdraw struct {
	Prefix string `json:"prefix"`
}

type wireUpdate struct {
	Type        string        `json:"type"`
	Timestamp   json.Number   `json:"timestamp"`
	Peer        *wirePeer     `json:"peer"`
	Announce    *wireAnnounce `json:"announce"`
	Withdraw    *wireWithdraw `json:"withdraw"`
	Communities []any         `json:"communities"`
}

// Update is one normalized BGP update message from the broker.
type Update struct {
	Type        string
	Timestamp   time.Time
	PeerIP      string
	PeerASN     uint32
	Prefix      string
	ASPath      []uint32
	OriginASN   uint32
	NextHop     string
	Communities []string
	HasAnnounce bool
	HasWithdraw bool
}

// ParseUpdate decodes one broker message. The announced prefix wins over the
// withdrawn one when both are present; the AS path only ever comes from the
// announcement. Messages without a peer address, peer ASN, or timestamp are
// rejected.
func ParseUpdate(payload []byte) (*Update, error) {
	var w wireUpdate
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("decoding update: %w", err)
	}
	if w.Peer == nil || w.Peer.IP == "" {
		return nil, errors.New("update has no peer address")
	}
	asn, err := parseASN(w.Peer.ASN)
	if err != nil {
		return nil, fmt.Errorf("peer %s: %w", w.Peer.IP, err)
	}
	ts, err := epochTime(w.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("peer %s: %w", w.Peer.IP, err)
	}

	u := &Update{
		Type:        w.Type,
		Timestamp:   ts,
		PeerIP:      w.Peer.IP,
		PeerASN:     asn,
		Communities: normalizeCommunities(w.Communities),
	}
	if u.Type == "" {
		u.Type = defaultMessageType
	}

	if w.Announce != nil {
		u.HasAnnounce = true
		u.Prefix = w.Announce.Prefix
		u.NextHop = w.Announce.NextHop
		u.ASPath, err = parseASPath(w.Announce.ASPath)
		if err != nil {
			return nil, fmt.Errorf("peer %s: %w", w.Peer.IP, err)
		}
		if n := len(u.ASPath); n > 0 {
			u.OriginASN = u.ASPath[n-1]
		}
	}
	if w.Withdraw != nil && w.Withdraw.Prefix != "" {
		u.HasWithdraw = true
		if u.Prefix == "" {
			u.Prefix = w.Withdraw.Prefix
		}
	}

	return u, nil
}

// MsgType classifies the update for durable storage: "rib" for table dumps,
// otherwise "announce" or "withdraw" by content, falling back to the wire
// type for keepalives and the like.
func (u *Update) MsgType() string {
	switch {
	case strings.Contains(u.Type, "rib"):
		return "rib"
	case u.HasAnnounce:
		return "announce"
	case u.HasWithdraw:
		return "withdraw"
	default:
		return u.Type
	}
}

// EventID derives the dedup key for durable storage. A redelivered message
// hashes to the same id and is skipped by the table's unique constraint.
func (u *Update) EventID() []byte {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%d|%s|%s", u.PeerIP, u.PeerASN, u.Timestamp.UnixNano(), u.Prefix, u.MsgType())
	return h.Sum(nil)
}

// FeatureVector projects the update onto the schema consumed by the feature
// stores.
func (u *Update) FeatureVector() features.Vector {
	return features.Vector{
		PeerIP:       u.PeerIP,
		PeerASN:      u.PeerASN,
		Prefix:       u.Prefix,
		ASPathLength: len(u.ASPath),
		Timestamp:    u.Timestamp,
		MessageType:  u.Type,
		HasAnnounce:  u.HasAnnounce,
		HasWithdraw:  u.HasWithdraw,
	}
}

func parseASN(n json.Number) (uint32, error) {
	if n == "" {
		return 0, errors.New("update has no peer ASN")
	}
	v, err := strconv.ParseUint(n.String(), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("bad peer ASN %q", n)
	}
	return uint32(v), nil
}

func parseASPath(raw []json.Number) ([]uint32, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	path := make([]uint32, len(raw))
	for i, n := range raw {
		v, err := strconv.ParseUint(n.String(), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("bad AS path hop %q", n)
		}
		path[i] = uint32(v)
	}
	return path, nil
}

func epochTime(n json.Number) (time.Time, error) {
	if n == "" {
		return time.Time{}, errors.New("update has no timestamp")
	}
	f, err := n.Float64()
	if err != nil || f <= 0 {
		return time.Time{}, fmt.Errorf("bad timestamp %q", n)
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC(), nil
}

// normalizeCommunities flattens the community attribute to "asn:value"
// strings. Pairs arrive as two-element arrays from RIS-style feeds and as
// preformatted strings from the synthetic producer.
func normalizeCommunities(raw []any) []string {
	var out []string
	for _, c := range raw {
		switch v := c.(type) {
		case string:
			if v != "" {
				out = append(out, v)
			}
		case []any:
			if len(v) != 2 {
				continue
			}
			hi, okHi := asUint32(v[0])
			lo, okLo := asUint32(v[1])
			if okHi && okLo {
				out = append(out, fmt.Sprintf("%d:%d", hi, lo))
			}
		}
	}
	return out
}

func asUint32(v any) (uint32, bool) {
	f, ok := v.(float64)
	if !ok || f < 0 || f > math.MaxUint32 || f != math.Trunc(f) {
		return 0, false
	}
	return uint32(f), true
}
