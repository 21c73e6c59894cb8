// Package features extracts per-peer feature vectors from the update stream
// and keeps two stores in sync: an offline history table for training and an
// online low-latency view of the latest vector per peer. Writes from the hot
// path are fire-and-forget; a failed or dropped write is counted and logged
// but never blocks update processing.
package features

import (
	"fmt"
	"time"
)

// Vector is one feature observation for a peer.
type Vector struct {
	PeerIP       string    `json:"peer_ip"`
	PeerASN      uint32    `json:"peer_asn"`
	Prefix       string    `json:"prefix"`
	ASPathLength int       `json:"as_path_length"`
	Timestamp    time.Time `json:"timestamp"`
	MessageType  string    `json:"message_type"`
	HasAnnounce  bool      `json:"has_announce"`
	HasWithdraw  bool      `json:"has_withdraw"`
}

// EntityKey identifies the peer a vector belongs to. Online lookups and
// offline grouping both use this key.
func (v Vector) EntityKey() string {
	return fmt.Sprintf("%s_%d", v.PeerIP, v.PeerASN)
}

// latestByEntity keeps only the newest vector per entity key, preserving no
// particular order.
func latestByEntity(vectors []Vector) map[string]Vector {
	latest := make(map[string]Vector, len(vectors))
	for _, v := range vectors {
		key := v.EntityKey()
		if cur, ok := latest[key]; !ok || v.Timestamp.After(cur.Timestamp) {
			latest[key] = v
		}
	}
	return latest
}
