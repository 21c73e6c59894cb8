package extsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

type SessionState string

const (
	StateEstablished SessionState = "Established"
	StateIdle        SessionState = "Idle"
	StateActive      SessionState = "Active"
	StateConnect     SessionState = "Connect"
	StateOpenSent    SessionState = "OpenSent"
	StateOpenConfirm SessionState = "OpenConfirm"
)

var knownStates = map[string]SessionState{
	string(StateEstablished): StateEstablished,
	string(StateIdle):        StateIdle,
	string(StateActive):      StateActive,
	string(StateConnect):     StateConnect,
	string(StateOpenSent):    StateOpenSent,
	string(StateOpenConfirm): StateOpenConfirm,
}

// LiveSession is one BGP session as reported by the device poller.
type LiveSession struct {
	Device      string       `json:"device"`
	PeerIP      string       `json:"peer_ip"`
	PeerASN     uint32       `json:"peer_asn"`
	State       SessionState `json:"state"`
	Uptime      string       `json:"uptime,omitempty"`
	PrefixCount int          `json:"prefix_count,omitempty"`
	HoldTime    int          `json:"hold_time,omitempty"`
	Keepalive   int          `json:"keepalive,omitempty"`
	LastUpdate  *time.Time   `json:"last_update,omitempty"`
}

// Device is one entry from the poller's inventory.
type Device struct {
	Name       string     `json:"name"`
	Hostname   string     `json:"hostname"`
	Vendor     string     `json:"vendor"`
	Model      string     `json:"model,omitempty"`
	OSVersion  string     `json:"os_version,omitempty"`
	Status     string     `json:"status"`
	LastPolled *time.Time `json:"last_polled,omitempty"`
}

// LiveState polls the network observability service for live BGP session
// state and device inventory.
type LiveState struct {
	endpoint string
	http     *http.Client
	guard    *Guard
	log      *zap.Logger
}

func NewLiveState(endpoint string, guard *Guard, log *zap.Logger) *LiveState {
	return &LiveState{
		endpoint: endpoint,
		http:     &http.Client{},
		guard:    guard,
		log:      log,
	}
}

type liveSessionWire struct {
	Peer          string `json:"peer"`
	PeerASN       int64  `json:"peerAsn"`
	State         string `json:"state"`
	Uptime        any    `json:"uptime"`
	PrefixCount   int    `json:"prefixCount"`
	HoldTime      int    `json:"holdTime"`
	KeepaliveTime int    `json:"keepaliveTime"`
	LastUpdate    string `json:"lastUpdate"`
}

type deviceWire struct {
	Hostname   string `json:"hostname"`
	Vendor     string `json:"vendor"`
	Model      string `json:"model"`
	Version    string `json:"version"`
	Status     string `json:"status"`
	LastUpdate string `json:"lastUpdate"`
}

// PollSessions returns the live BGP sessions of one device. Unknown session
// states degrade to Idle rather than failing the poll.
func (l *LiveState) PollSessions(ctx context.Context, device string) ([]LiveSession, error) {
	var payload struct {
		Data []liveSessionWire `json:"data"`
	}
	u := l.endpoint + "/api/v2/bgp/session?hostname=" + url.QueryEscape(device)
	if err := l.getJSON(ctx, "poll_sessions", u, &payload); err != nil {
		return nil, err
	}

	sessions := make([]LiveSession, 0, len(payload.Data))
	for _, w := range payload.Data {
		state, ok := knownStates[w.State]
		if !ok {
			state = StateIdle
		}
		s := LiveSession{
			Device:      device,
			PeerIP:      w.Peer,
			PeerASN:     uint32(w.PeerASN),
			State:       state,
			PrefixCount: w.PrefixCount,
			HoldTime:    w.HoldTime,
			Keepalive:   w.KeepaliveTime,
		}
		if w.Uptime != nil {
			s.Uptime = fmt.Sprint(w.Uptime)
		}
		if t, err := time.Parse(time.RFC3339, w.LastUpdate); err == nil {
			s.LastUpdate = &t
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// Inventory returns every device the poller knows about.
func (l *LiveState) Inventory(ctx context.Context) ([]Device, error) {
	var payload struct {
		Data []deviceWire `json:"data"`
	}
	if err := l.getJSON(ctx, "inventory", l.endpoint+"/api/v2/inventory/device", &payload); err != nil {
		return nil, err
	}

	devices := make([]Device, 0, len(payload.Data))
	for _, w := range payload.Data {
		d := Device{
			Name:      w.Hostname,
			Hostname:  w.Hostname,
			Vendor:    w.Vendor,
			Model:     w.Model,
			OSVersion: w.Version,
			Status:    w.Status,
		}
		if d.Vendor == "" {
			d.Vendor = "unknown"
		}
		if d.Status == "" {
			d.Status = "up"
		}
		if t, err := time.Parse(time.RFC3339, w.LastUpdate); err == nil {
			d.LastPolled = &t
		}
		devices = append(devices, d)
	}
	return devices, nil
}

func (l *LiveState) getJSON(ctx context.Context, op, rawURL string, out any) error {
	return l.guard.Do(ctx, op, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return err
		}
		resp, err := l.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return &StatusError{Code: resp.StatusCode, Body: string(snippet)}
		}
		return json.NewDecoder(resp.Body).Decode(out)
	})
}
