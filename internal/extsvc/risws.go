package extsvc

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/peerwatch/bgp-orchestrator/internal/metrics"
)

const risReconnectCap = 60 * time.Second

// RISFeed subscribes to the route collector's live update stream over
// WebSocket and records every announcement into the prefix-origin store.
// The connection is re-established with exponential backoff for as long as
// the context lives.
type RISFeed struct {
	endpoint string
	store    *PrefixOrigin
	log      *zap.Logger
}

func NewRISFeed(endpoint string, store *PrefixOrigin, log *zap.Logger) *RISFeed {
	return &RISFeed{endpoint: endpoint, store: store, log: log}
}

type risEnvelope struct {
	Type string        `json:"type"`
	Data risUpdateWire `json:"data"`
}

type risUpdateWire struct {
	Timestamp     float64           `json:"timestamp"`
	Peer          string            `json:"peer"`
	PeerASN       string            `json:"peer_asn"`
	Type          string            `json:"type"`
	Path          []json.RawMessage `json:"path"`
	Announcements []struct {
		NextHop  string   `json:"next_hop"`
		Prefixes []string `json:"prefixes"`
	} `json:"announcements"`
	Withdrawals []string `json:"withdrawals"`
}

// Run blocks until ctx is done, reconnecting on any read or dial failure.
func (f *RISFeed) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Second),
		backoff.WithMaxInterval(risReconnectCap),
		backoff.WithMaxElapsedTime(0),
	)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := f.consumeOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.ExternalCallsTotal.WithLabelValues("ris_live", "error").Inc()

		wait := bo.NextBackOff()
		f.log.Warn("route collector stream dropped, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// consumeOnce dials, subscribes, and reads updates until the connection
// breaks or the context is cancelled.
func (f *RISFeed) consumeOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL(f.endpoint), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	subscribe := map[string]any{
		"type": "ris_subscribe",
		"data": map[string]string{"type": "UPDATE"},
	}
	if err := conn.WriteJSON(subscribe); err != nil {
		return err
	}
	metrics.ExternalCallsTotal.WithLabelValues("ris_live", "ok").Inc()
	f.log.Info("route collector stream connected", zap.String("endpoint", f.endpoint))

	// Unblock ReadMessage when the context ends.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f.handleMessage(ctx, raw)
	}
}

func (f *RISFeed) handleMessage(ctx context.Context, raw []byte) {
	var env risEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type != "ris_message" {
		metrics.StreamMessagesTotal.WithLabelValues("ris_live", "malformed").Inc()
		return
	}

	origin, ok := originASN(env.Data.Path)
	if !ok {
		metrics.StreamMessagesTotal.WithLabelValues("ris_live", "no_origin").Inc()
		return
	}

	for _, ann := range env.Data.Announcements {
		for _, prefix := range ann.Prefixes {
			if err := f.store.ObserveAnnouncement(ctx, prefix, origin); err != nil {
				f.log.Warn("recording observation failed",
					zap.String("prefix", prefix),
					zap.Error(err))
				return
			}
		}
	}
	metrics.StreamMessagesTotal.WithLabelValues("ris_live", "ok").Inc()
}

// originASN extracts the last plain ASN from the AS path. Path elements can
// be numbers or AS-set arrays; sets are skipped.
func originASN(path []json.RawMessage) (uint32, bool) {
	for i := len(path) - 1; i >= 0; i-- {
		var asn uint32
		if err := json.Unmarshal(path[i], &asn); err == nil {
			return asn, true
		}
	}
	return 0, false
}

// wsURL converts the configured HTTP endpoint to its WebSocket form and
// appends the stream path.
func wsURL(endpoint string) string {
	u := endpoint
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return strings.TrimSuffix(u, "/") + "/ws/?client=" + clientName
}

const clientName = "bgp-orchestrator"
