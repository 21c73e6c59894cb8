package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/peerwatch/bgp-orchestrator/internal/catalog"
	"github.com/peerwatch/bgp-orchestrator/internal/extsvc"
)

// actor builds the audit identity for a mutation. There is no authentication
// layer; callers identify themselves via the X-User-ID header.
func (a *API) actor(r *http.Request) catalog.Actor {
	user := r.Header.Get("X-User-ID")
	if user == "" {
		user = "anonymous"
	}
	return catalog.Actor{
		UserID:        user,
		ClientAddr:    r.RemoteAddr,
		CorrelationID: CorrelationID(r.Context()),
	}
}

func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(w, "invalid ID in path")
		return 0, false
	}
	return id, true
}

func (a *API) createPeering(w http.ResponseWriter, r *http.Request) {
	var draft catalog.Draft
	if !a.decode(w, r, &draft) {
		return
	}
	p, err := a.deps.Catalog.Create(r.Context(), draft, a.actor(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (a *API) listPeerings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var filters catalog.Filters
	filters.Device = q.Get("device")
	filters.Status = catalog.Status(q.Get("status"))
	if raw := q.Get("peer_asn"); raw != "" {
		asn, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			badRequest(w, "invalid peer_asn")
			return
		}
		filters.PeerASN = uint32(asn)
	}

	var page catalog.Page
	if raw := q.Get("skip"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(w, "invalid skip")
			return
		}
		page.Skip = n
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			badRequest(w, "invalid limit")
			return
		}
		page.Limit = n
	}

	peerings, err := a.deps.Catalog.List(r.Context(), filters, page)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, peerings)
}

func (a *API) getPeering(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, err := a.deps.Catalog.Get(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) updatePeering(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var patch catalog.Patch
	if !a.decode(w, r, &patch) {
		return
	}
	p, err := a.deps.Catalog.Update(r.Context(), id, patch, a.actor(r))
	if err != nil {
		var ce *catalog.ConflictError
		if errors.As(err, &ce) {
			writeConflicts(w, "Conflicts detected in updated peering configuration", ce.Conflicts)
			return
		}
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) deletePeering(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := a.deps.Catalog.Delete(r.Context(), id, a.actor(r)); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) bulkCreatePeerings(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Peerings []catalog.Draft `json:"peerings"`
	}
	if !a.decode(w, r, &body) {
		return
	}
	created, err := a.deps.Catalog.BulkCreate(r.Context(), body.Peerings, a.actor(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"created":  len(created),
		"peerings": created,
	})
}

func (a *API) bulkDeletePeerings(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs []int64 `json:"ids"`
	}
	if !a.decode(w, r, &body) {
		return
	}
	if err := a.deps.Catalog.BulkDelete(r.Context(), body.IDs, a.actor(r)); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": len(body.IDs)})
}

func (a *API) bulkUpdatePeerings(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs   []int64       `json:"ids"`
		Patch catalog.Patch `json:"patch"`
	}
	if !a.decode(w, r, &body) {
		return
	}
	updated, err := a.deps.Catalog.BulkUpdate(r.Context(), body.IDs, body.Patch, a.actor(r))
	if err != nil {
		var ce *catalog.ConflictError
		if errors.As(err, &ce) {
			writeConflicts(w, "Conflicts detected in updated peering configuration", ce.Conflicts)
			return
		}
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"updated":  len(updated),
		"peerings": updated,
	})
}

func (a *API) exportCSV(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="bgp_peerings.csv"`)
	if err := a.deps.Catalog.ExportCSV(r.Context(), w); err != nil {
		// Headers are gone; all we can do is log and cut the stream short.
		a.logger.Error("CSV export failed",
			zap.String("correlation_id", CorrelationID(r.Context())),
			zap.Error(err))
	}
}

func (a *API) exportJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="bgp_peerings.json"`)
	if err := a.deps.Catalog.ExportJSON(r.Context(), w); err != nil {
		a.logger.Error("JSON export failed",
			zap.String("correlation_id", CorrelationID(r.Context())),
			zap.Error(err))
	}
}

func (a *API) topology(w http.ResponseWriter, r *http.Request) {
	topo, err := a.deps.Catalog.Topology(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, topo)
}

func (a *API) validatePeering(w http.ResponseWriter, r *http.Request) {
	if a.deps.Analyzer == nil {
		serviceUnavailable(w, "Config analyzer service is not configured or unavailable")
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, err := a.deps.Catalog.Get(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	result, err := a.deps.Analyzer.ValidateConfig(r.Context(), extsvc.NeighborConfig(p))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"peering_id":   p.ID,
		"peering_name": p.Name,
		"valid":        result.Valid,
		"errors":       result.Errors,
		"warnings":     result.Warnings,
		"issues":       result.Issues,
		"loops":        result.Loops,
		"summary":      result.Summary,
	})
}

func (a *API) peeringLiveState(w http.ResponseWriter, r *http.Request) {
	if a.deps.LiveState == nil {
		serviceUnavailable(w, "Live state service is not configured or unavailable")
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, err := a.deps.Catalog.Get(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	sessions, err := a.deps.LiveState.PollSessions(r.Context(), p.Device)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	var match *extsvc.LiveSession
	for i := range sessions {
		if sessions[i].PeerIP == p.PeerIP && sessions[i].PeerASN == p.PeerASN {
			match = &sessions[i]
			break
		}
	}
	if match == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"peering_id":   p.ID,
			"peering_name": p.Name,
			"found":        false,
			"message":      "No matching live session found",
		})
		return
	}

	// The states agree when an active peering is established on the wire,
	// or an inactive one is not.
	stateMatch := (match.State == extsvc.StateEstablished) == (p.Status == catalog.StatusActive)

	writeJSON(w, http.StatusOK, map[string]any{
		"peering_id":   p.ID,
		"peering_name": p.Name,
		"found":        true,
		"live_state": map[string]any{
			"state":        match.State,
			"uptime":       match.Uptime,
			"prefix_count": match.PrefixCount,
			"hold_time":    match.HoldTime,
			"keepalive":    match.Keepalive,
			"last_update":  match.LastUpdate,
		},
		"configured_state": map[string]any{
			"status":    p.Status,
			"hold_time": p.HoldTime,
			"keepalive": p.Keepalive,
		},
		"state_match": stateMatch,
	})
}

func (a *API) peeringUpdates(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			badRequest(w, "limit must be between 1 and 100")
			return
		}
		limit = n
	}

	p, err := a.deps.Catalog.Get(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	events, err := a.deps.Updates.RecentByPeer(r.Context(), p.PeerIP, p.PeerASN, limit)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"peering_id":   p.ID,
		"peering_name": p.Name,
		"peer_asn":     p.PeerASN,
		"events_found": len(events),
		"events":       events,
	})
}
