package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/peerwatch/bgp-orchestrator/internal/anomaly"
	"github.com/peerwatch/bgp-orchestrator/internal/catalog"
	"github.com/peerwatch/bgp-orchestrator/internal/extsvc"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeConflicts renders a rejected mutation. The message names the operation
// so callers can tell a create rejection from an update rejection.
func writeConflicts(w http.ResponseWriter, message string, conflicts []catalog.Conflict) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"message":   message,
		"conflicts": conflicts,
	})
}

// writeError maps the closed set of error kinds onto HTTP statuses. Anything
// unrecognized is a 500 carrying only the correlation id.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve  *catalog.ValidationError
		ce  *catalog.ConflictError
		nf  *catalog.NotFoundError
		anf *anomaly.NotFoundError
	)
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"detail": ve.Error(),
			"errors": ve.Fields,
		})
	case errors.As(err, &ce):
		writeConflicts(w, "Conflicts detected in peering configuration", ce.Conflicts)
	case errors.As(err, &nf):
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": nf.Error()})
	case errors.As(err, &anf):
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": anf.Error()})
	case errors.Is(err, extsvc.ErrUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"detail": err.Error()})
	default:
		cid := CorrelationID(r.Context())
		a.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("correlation_id", cid),
			zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"detail":         "internal server error",
			"correlation_id": cid,
		})
	}
}

func badRequest(w http.ResponseWriter, detail string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"detail": detail})
}

func serviceUnavailable(w http.ResponseWriter, detail string) {
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"detail": detail})
}
