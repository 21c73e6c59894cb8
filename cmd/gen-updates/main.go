// gen-updates produces synthetic BGP update messages for exercising the
// ingest pipeline against a local broker. It emits the JSON layout the
// orchestrator consumes, with optional session flapping and a hijack-style
// origin swap to trip the detectors downstream.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

type peerSpec struct {
	ip  string
	asn uint32
}

var peers = []peerSpec{
	{"192.0.2.1", 174},
	{"192.0.2.2", 3356},
	{"198.51.100.1", 6939},
	{"198.51.100.2", 1299},
	{"203.0.113.1", 2914},
}

var prefixes = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"100.64.0.0/10",
	"198.18.0.0/15",
}

func main() {
	brokers := flag.String("brokers", "localhost:29092", "comma-separated broker addresses")
	topic := flag.String("topic", "bgp-updates", "destination topic")
	rate := flag.Int("rate", 50, "messages per second")
	count := flag.Int("count", 0, "total messages to send (0 = until interrupted)")
	flapEvery := flag.Int("flap-every", 0, "withdraw/re-announce a prefix every N messages (0 = off)")
	hijackEvery := flag.Int("hijack-every", 0, "announce with a bogus origin ASN every N messages (0 = off)")
	seed := flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flag.Parse()

	cl, err := kgo.NewClient(
		kgo.SeedBrokers(strings.Split(*brokers, ",")...),
		kgo.DefaultProduceTopic(*topic),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kafka client: %v\n", err)
		os.Exit(1)
	}
	defer cl.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rng := rand.New(rand.NewSource(*seed))
	interval := time.Second / time.Duration(*rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sent := 0
	errs := 0
	for {
		select {
		case <-ctx.Done():
			cl.Flush(context.Background())
			fmt.Printf("sent %d messages (%d produce errors)\n", sent, errs)
			return
		case <-ticker.C:
		}

		msg := nextUpdate(rng, sent, *flapEvery, *hijackEvery)
		payload, err := json.Marshal(msg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			os.Exit(1)
		}

		cl.Produce(ctx, &kgo.Record{Key: []byte(msg.Peer.IP), Value: payload}, func(_ *kgo.Record, err error) {
			if err != nil {
				errs++
				fmt.Fprintf(os.Stderr, "produce: %v\n", err)
			}
		})

		sent++
		if *count > 0 && sent >= *count {
			cl.Flush(context.Background())
			fmt.Printf("sent %d messages (%d produce errors)\n", sent, errs)
			return
		}
	}
}

type wirePeer struct {
	IP  string `json:"ip"`
	ASN uint32 `json:"asn"`
}

type wireAnnounce struct {
	Prefix  string   `json:"prefix"`
	ASPath  []uint32 `json:"as_path"`
	NextHop string   `json:"next_hop"`
}

type wireWithdraw struct {
	Prefix string `json:"prefix"`
}

type wireUpdate struct {
	Type        string        `json:"type"`
	Timestamp   float64       `json:"timestamp"`
	Peer        wirePeer      `json:"peer"`
	Announce    *wireAnnounce `json:"announce,omitempty"`
	Withdraw    *wireWithdraw `json:"withdraw,omitempty"`
	Communities []string      `json:"communities,omitempty"`
}

func nextUpdate(rng *rand.Rand, n, flapEvery, hijackEvery int) wireUpdate {
	peer := peers[rng.Intn(len(peers))]
	prefix := prefixes[rng.Intn(len(prefixes))]

	u := wireUpdate{
		Type:      "UPDATE",
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
		Peer:      wirePeer{IP: peer.ip, ASN: peer.asn},
	}

	if flapEvery > 0 && n%flapEvery == flapEvery-1 {
		// Withdraws cluster on one peer so the flap tracker crosses its
		// threshold instead of spreading the churn thin.
		u.Peer = wirePeer{IP: peers[0].ip, ASN: peers[0].asn}
		u.Withdraw = &wireWithdraw{Prefix: prefix}
		return u
	}

	path := []uint32{peer.asn, 64500 + uint32(rng.Intn(10)), 65000 + uint32(rng.Intn(100))}
	if hijackEvery > 0 && n%hijackEvery == hijackEvery-1 {
		// AS 0 is never a legitimate origin.
		path[len(path)-1] = 0
	}

	u.Announce = &wireAnnounce{
		Prefix:  prefix,
		ASPath:  path,
		NextHop: peer.ip,
	}
	u.Communities = []string{fmt.Sprintf("%d:100", peer.asn)}
	return u
}
