package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// StoredUpdate is one row read back from the bgp_updates archive, shaped for
// the API.
type StoredUpdate struct {
	Timestamp   time.Time `json:"timestamp"`
	PeerIP      string    `json:"peer_ip"`
	PeerASN     uint32    `json:"peer_asn"`
	Prefix      string    `json:"prefix,omitempty"`
	ASPath      []uint32  `json:"as_path,omitempty"`
	OriginASN   uint32    `json:"origin_as,omitempty"`
	NextHop     string    `json:"next_hop,omitempty"`
	EventType   string    `json:"event_type"`
	Communities []string  `json:"communities,omitempty"`
}

// Reader serves read queries against the update archive.
type Reader struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

func NewReader(pool *pgxpool.Pool, log *zap.Logger) *Reader {
	return &Reader{pool: pool, log: log}
}

const recentByPeerSQL = `
SELECT event_time, peer_ip, peer_asn, prefix, as_path, origin_asn, next_hop,
       msg_type, communities
FROM bgp_updates
WHERE peer_ip = $1 AND peer_asn = $2
ORDER BY event_time DESC
LIMIT $3`

// RecentByPeer returns the newest archived updates for one peer, newest
// first. Both the IP and ASN must match so sessions sharing an address on
// different ASNs stay distinct.
func (r *Reader) RecentByPeer(ctx context.Context, peerIP string, peerASN uint32, limit int) ([]StoredUpdate, error) {
	rows, err := r.pool.Query(ctx, recentByPeerSQL, peerIP, int64(peerASN), limit)
	if err != nil {
		return nil, fmt.Errorf("querying bgp_updates: %w", err)
	}
	defer rows.Close()

	var out []StoredUpdate
	for rows.Next() {
		var (
			u         StoredUpdate
			peerASN   int64
			prefix    *string
			asPath    []int64
			originASN *int64
			nextHop   *string
		)
		if err := rows.Scan(&u.Timestamp, &u.PeerIP, &peerASN, &prefix, &asPath,
			&originASN, &nextHop, &u.EventType, &u.Communities); err != nil {
			return nil, fmt.Errorf("scanning bgp_update: %w", err)
		}
		u.PeerASN = uint32(peerASN)
		if prefix != nil {
			u.Prefix = *prefix
		}
		if len(asPath) > 0 {
			u.ASPath = make([]uint32, len(asPath))
			for i, asn := range asPath {
				u.ASPath[i] = uint32(asn)
			}
		}
		if originASN != nil {
			u.OriginASN = uint32(*originASN)
		}
		if nextHop != nil {
			u.NextHop = *nextHop
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading bgp_updates: %w", err)
	}
	return out, nil
}
