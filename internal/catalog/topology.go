package catalog

import (
	"context"
	"fmt"
	"sort"
	"time"
)

type TopologyNode struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Label string `json:"label"`
	ASN   uint32 `json:"asn,omitempty"`
}

type TopologyEdge struct {
	Source    string `json:"source"`
	Target    string `json:"target"`
	PeeringID int64  `json:"peering_id"`
	Status    Status `json:"status"`
	LocalASN  uint32 `json:"local_asn"`
	PeerASN   uint32 `json:"peer_asn"`
}

type Topology struct {
	Nodes       []TopologyNode `json:"nodes"`
	Edges       []TopologyEdge `json:"edges"`
	GeneratedAt time.Time      `json:"generated_at"`
}

// BuildTopology projects the catalog onto a graph: one node per device, one
// node per distinct neighbor endpoint (peer_ip plus peer_asn), and one edge
// per live peering. Output order is deterministic regardless of input order.
func BuildTopology(peerings []Peering) *Topology {
	nodes := map[string]TopologyNode{}
	edges := make([]TopologyEdge, 0, len(peerings))

	for i := range peerings {
		p := &peerings[i]

		deviceID := "device:" + p.Device
		if _, ok := nodes[deviceID]; !ok {
			nodes[deviceID] = TopologyNode{
				ID:    deviceID,
				Type:  "device",
				Label: p.Device,
			}
		}

		peerID := fmt.Sprintf("peer:%s/AS%d", p.PeerIP, p.PeerASN)
		if _, ok := nodes[peerID]; !ok {
			nodes[peerID] = TopologyNode{
				ID:    peerID,
				Type:  "peer",
				Label: fmt.Sprintf("AS%d (%s)", p.PeerASN, p.PeerIP),
				ASN:   p.PeerASN,
			}
		}

		edges = append(edges, TopologyEdge{
			Source:    deviceID,
			Target:    peerID,
			PeeringID: p.ID,
			Status:    p.Status,
			LocalASN:  p.LocalASN,
			PeerASN:   p.PeerASN,
		})
	}

	nodeList := make([]TopologyNode, 0, len(nodes))
	for _, n := range nodes {
		nodeList = append(nodeList, n)
	}
	sort.Slice(nodeList, func(i, j int) bool { return nodeList[i].ID < nodeList[j].ID })
	sort.Slice(edges, func(i, j int) bool { return edges[i].PeeringID < edges[j].PeeringID })

	return &Topology{
		Nodes:       nodeList,
		Edges:       edges,
		GeneratedAt: time.Now().UTC(),
	}
}

// Topology builds the graph from the current live catalog.
func (s *Store) Topology(ctx context.Context) (*Topology, error) {
	peerings, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return BuildTopology(peerings), nil
}
