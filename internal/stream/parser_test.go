package stream

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestParseUpdate_Announce(t *testing.T) {
	payload := []byte(`{
		"type": "update",
		"timestamp": 1700000000.25,
		"peer": {"ip": "192.0.2.1", "asn": 65001},
		"announce": {"prefix": "10.0.0.0/8", "as_path": [65001, 174, 3356], "next_hop": "192.0.2.1"},
		"communities": [[65001, 100], "65001:200"]
	}`)

	u, err := ParseUpdate(payload)
	if err != nil {
		t.Fatalf("ParseUpdate: %v", err)
	}

	if u.Type != "update" {
		t.Errorf("Type = %q, want update", u.Type)
	}
	if u.PeerIP != "192.0.2.1" || u.PeerASN != 65001 {
		t.Errorf("peer = %s/%d, want 192.0.2.1/65001", u.PeerIP, u.PeerASN)
	}
	if u.Prefix != "10.0.0.0/8" {
		t.Errorf("Prefix = %q, want 10.0.0.0/8", u.Prefix)
	}
	if len(u.ASPath) != 3 || u.ASPath[0] != 65001 || u.ASPath[2] != 3356 {
		t.Errorf("ASPath = %v, want [65001 174 3356]", u.ASPath)
	}
	if u.OriginASN != 3356 {
		t.Errorf("OriginASN = %d, want 3356", u.OriginASN)
	}
	if u.NextHop != "192.0.2.1" {
		t.Errorf("NextHop = %q", u.NextHop)
	}
	if !u.HasAnnounce || u.HasWithdraw {
		t.Errorf("HasAnnounce/HasWithdraw = %v/%v, want true/false", u.HasAnnounce, u.HasWithdraw)
	}
	if u.MsgType() != "announce" {
		t.Errorf("MsgType = %q, want announce", u.MsgType())
	}

	want := time.Unix(1700000000, 250000000).UTC()
	if !u.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", u.Timestamp, want)
	}
	if len(u.Communities) != 2 || u.Communities[0] != "65001:100" || u.Communities[1] != "65001:200" {
		t.Errorf("Communities = %v", u.Communities)
	}
}

func TestParseUpdate_Withdraw(t *testing.T) {
	payload := []byte(`{
		"type": "update",
		"timestamp": 1700000000,
		"peer": {"ip": "192.0.2.9", "asn": 64512},
		"withdraw": {"prefix": "198.51.100.0/24"}
	}`)

	u, err := ParseUpdate(payload)
	if err != nil {
		t.Fatalf("ParseUpdate: %v", err)
	}

	if u.Prefix != "198.51.100.0/24" {
		t.Errorf("Prefix = %q, want the withdrawn prefix", u.Prefix)
	}
	if u.HasAnnounce || !u.HasWithdraw {
		t.Errorf("HasAnnounce/HasWithdraw = %v/%v, want false/true", u.HasAnnounce, u.HasWithdraw)
	}
	if len(u.ASPath) != 0 || u.OriginASN != 0 {
		t.Errorf("withdraw should carry no AS path, got %v origin %d", u.ASPath, u.OriginASN)
	}
	if u.MsgType() != "withdraw" {
		t.Errorf("MsgType = %q, want withdraw", u.MsgType())
	}
}

func TestParseUpdate_AnnouncedPrefixWins(t *testing.T) {
	payload := []byte(`{
		"timestamp": 1700000000,
		"peer": {"ip": "192.0.2.1", "asn": 65001},
		"announce": {"prefix": "10.0.0.0/8", "as_path": [65001]},
		"withdraw": {"prefix": "198.51.100.0/24"}
	}`)

	u, err := ParseUpdate(payload)
	if err != nil {
		t.Fatalf("ParseUpdate: %v", err)
	}
	if u.Prefix != "10.0.0.0/8" {
		t.Errorf("Prefix = %q, want the announced prefix", u.Prefix)
	}
	if !u.HasAnnounce || !u.HasWithdraw {
		t.Errorf("both sections present, got HasAnnounce=%v HasWithdraw=%v", u.HasAnnounce, u.HasWithdraw)
	}
	if u.MsgType() != "announce" {
		t.Errorf("MsgType = %q, want announce", u.MsgType())
	}
}

func TestParseUpdate_DefaultsTypeUnknown(t *testing.T) {
	payload := []byte(`{
		"timestamp": 1700000000,
		"peer": {"ip": "192.0.2.1", "asn": 65001},
		"announce": {"prefix": "10.0.0.0/8"}
	}`)

	u, err := ParseUpdate(payload)
	if err != nil {
		t.Fatalf("ParseUpdate: %v", err)
	}
	if u.Type != "unknown" {
		t.Errorf("Type = %q, want unknown", u.Type)
	}
	if v := u.FeatureVector(); v.MessageType != "unknown" {
		t.Errorf("feature message_type = %q, want the raw wire type", v.MessageType)
	}
}

func TestParseUpdate_RIBDump(t *testing.T) {
	payload := []byte(`{
		"type": "rib",
		"timestamp": 1700000000,
		"peer": {"ip": "192.0.2.1", "asn": 65001},
		"announce": {"prefix": "10.0.0.0/8", "as_path": [65001, 174]}
	}`)

	u, err := ParseUpdate(payload)
	if err != nil {
		t.Fatalf("ParseUpdate: %v", err)
	}
	if u.MsgType() != "rib" {
		t.Errorf("MsgType = %q, want rib", u.MsgType())
	}
}

func TestParseUpdate_Malformed(t *testing.T) {
	cases := []struct {
		name    string
		payload string
	}{
		{"not json", `{`},
		{"no peer", `{"timestamp": 1700000000, "announce": {"prefix": "10.0.0.0/8"}}`},
		{"empty peer ip", `{"timestamp": 1700000000, "peer": {"ip": "", "asn": 65001}}`},
		{"missing asn", `{"timestamp": 1700000000, "peer": {"ip": "192.0.2.1"}}`},
		{"negative asn", `{"timestamp": 1700000000, "peer": {"ip": "192.0.2.1", "asn": -5}}`},
		{"asn overflow", `{"timestamp": 1700000000, "peer": {"ip": "192.0.2.1", "asn": 4294967296}}`},
		{"missing timestamp", `{"peer": {"ip": "192.0.2.1", "asn": 65001}}`},
		{"zero timestamp", `{"timestamp": 0, "peer": {"ip": "192.0.2.1", "asn": 65001}}`},
		{"fractional as hop", `{"timestamp": 1700000000, "peer": {"ip": "192.0.2.1", "asn": 65001}, "announce": {"prefix": "10.0.0.0/8", "as_path": [65001.5]}}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseUpdate([]byte(tc.payload)); err == nil {
				t.Errorf("ParseUpdate(%s) succeeded, want error", tc.payload)
			}
		})
	}
}

func TestEventID_Stability(t *testing.T) {
	payload := `{
		"timestamp": 1700000000,
		"peer": {"ip": "192.0.2.1", "asn": 65001},
		"announce": {"prefix": "10.0.0.0/8", "as_path": [65001]}
	}`

	u1, err := ParseUpdate([]byte(payload))
	if err != nil {
		t.Fatalf("ParseUpdate: %v", err)
	}
	u2, err := ParseUpdate([]byte(payload))
	if err != nil {
		t.Fatalf("ParseUpdate: %v", err)
	}

	id1, id2 := u1.EventID(), u2.EventID()
	if len(id1) != 32 {
		t.Fatalf("EventID length = %d, want 32", len(id1))
	}
	if !bytes.Equal(id1, id2) {
		t.Error("reparsed identical payload produced a different event id")
	}

	other := strings.Replace(payload, "10.0.0.0/8", "10.1.0.0/16", 1)
	u3, err := ParseUpdate([]byte(other))
	if err != nil {
		t.Fatalf("ParseUpdate: %v", err)
	}
	if bytes.Equal(id1, u3.EventID()) {
		t.Error("same-second updates for different prefixes share an event id")
	}
}

func TestFeatureVector_Projection(t *testing.T) {
	payload := []byte(`{
		"type": "update",
		"timestamp": 1700000000,
		"peer": {"ip": "192.0.2.1", "asn": 65001},
		"announce": {"prefix": "10.0.0.0/8", "as_path": [65001, 174, 3356]},
		"withdraw": {"prefix": "198.51.100.0/24"}
	}`)

	u, err := ParseUpdate(payload)
	if err != nil {
		t.Fatalf("ParseUpdate: %v", err)
	}

	v := u.FeatureVector()
	if v.EntityKey() != "192.0.2.1_65001" {
		t.Errorf("EntityKey = %q", v.EntityKey())
	}
	if v.ASPathLength != 3 {
		t.Errorf("ASPathLength = %d, want 3", v.ASPathLength)
	}
	if !v.HasAnnounce || !v.HasWithdraw {
		t.Errorf("HasAnnounce/HasWithdraw = %v/%v, want true/true", v.HasAnnounce, v.HasWithdraw)
	}
	if !v.Timestamp.Equal(u.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", v.Timestamp, u.Timestamp)
	}
}

func TestNormalizeCommunities(t *testing.T) {
	raw := []any{
		[]any{float64(65001), float64(100)},
		"65001:200",
		[]any{float64(1)},
		[]any{float64(-1), float64(2)},
		42.0,
		"",
	}

	got := normalizeCommunities(raw)
	if len(got) != 2 || got[0] != "65001:100" || got[1] != "65001:200" {
		t.Errorf("normalizeCommunities = %v, want [65001:100 65001:200]", got)
	}
}
