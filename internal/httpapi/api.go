// Package httpapi exposes the management API: peering CRUD gated by conflict
// detection, catalog projections (export, topology), anomaly queries, and the
// operational endpoints (health, readiness, metrics).
package httpapi

import (
	"context"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/peerwatch/bgp-orchestrator/internal/anomaly"
	"github.com/peerwatch/bgp-orchestrator/internal/catalog"
	"github.com/peerwatch/bgp-orchestrator/internal/extsvc"
	"github.com/peerwatch/bgp-orchestrator/internal/stream"
)

// PeeringCatalog is the slice of the catalog store the API needs.
type PeeringCatalog interface {
	Create(ctx context.Context, draft catalog.Draft, actor catalog.Actor) (*catalog.Peering, error)
	Update(ctx context.Context, id int64, patch catalog.Patch, actor catalog.Actor) (*catalog.Peering, error)
	Delete(ctx context.Context, id int64, actor catalog.Actor) error
	Get(ctx context.Context, id int64) (*catalog.Peering, error)
	List(ctx context.Context, f catalog.Filters, page catalog.Page) ([]catalog.Peering, error)
	BulkCreate(ctx context.Context, drafts []catalog.Draft, actor catalog.Actor) ([]catalog.Peering, error)
	BulkDelete(ctx context.Context, ids []int64, actor catalog.Actor) error
	BulkUpdate(ctx context.Context, ids []int64, patch catalog.Patch, actor catalog.Actor) ([]catalog.Peering, error)
	ExportCSV(ctx context.Context, w io.Writer) error
	ExportJSON(ctx context.Context, w io.Writer) error
	Topology(ctx context.Context) (*catalog.Topology, error)
}

// ConfigValidator submits rendered router configuration for analysis.
type ConfigValidator interface {
	ValidateConfig(ctx context.Context, configText string) (*extsvc.ValidationResult, error)
}

// SessionPoller reads live BGP session state for a device.
type SessionPoller interface {
	PollSessions(ctx context.Context, device string) ([]extsvc.LiveSession, error)
}

// UpdateLog reads back archived BGP updates.
type UpdateLog interface {
	RecentByPeer(ctx context.Context, peerIP string, peerASN uint32, limit int) ([]stream.StoredUpdate, error)
}

// AnomalyFinder runs the detector over a raw series.
type AnomalyFinder interface {
	Detect(metricName, device string, samples []anomaly.Sample) ([]anomaly.Anomaly, error)
}

// AnomalyStore persists and queries detector findings.
type AnomalyStore interface {
	Insert(ctx context.Context, anomalies []anomaly.Anomaly) ([]anomaly.Anomaly, error)
	List(ctx context.Context, q anomaly.Query) ([]anomaly.Anomaly, error)
	Get(ctx context.Context, id int64) (*anomaly.Anomaly, error)
}

// DBChecker abstracts the database health check for testability.
type DBChecker interface {
	Ping(ctx context.Context) error
}

// ConsumerStatus reports whether the stream consumer has joined its group.
type ConsumerStatus interface {
	IsJoined() bool
}

// Deps carries everything the API serves. Analyzer, LiveState, Consumer and
// Cache are optional; nil disables the endpoints or checks that need them.
type Deps struct {
	Catalog   PeeringCatalog
	Analyzer  ConfigValidator
	LiveState SessionPoller
	Updates   UpdateLog
	Detector  AnomalyFinder
	Anomalies AnomalyStore
	DB        DBChecker
	Consumer  ConsumerStatus
	Cache     DBChecker
}

type API struct {
	deps   Deps
	logger *zap.Logger
}

func NewAPI(deps Deps, logger *zap.Logger) *API {
	return &API{deps: deps, logger: logger}
}

// Handler builds the full route tree.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(a.requestID)
	r.Use(a.accessLog)
	r.Use(a.recoverer)

	r.Get("/healthz", a.handleHealthz)
	r.Get("/readyz", a.handleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/bgp-peerings", func(r chi.Router) {
		r.Post("/", a.createPeering)
		r.Get("/", a.listPeerings)
		r.Post("/bulk", a.bulkCreatePeerings)
		r.Post("/bulk-delete", a.bulkDeletePeerings)
		r.Put("/bulk-update", a.bulkUpdatePeerings)
		r.Get("/export/csv", a.exportCSV)
		r.Get("/export/json", a.exportJSON)
		r.Get("/topology", a.topology)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", a.getPeering)
			r.Put("/", a.updatePeering)
			r.Delete("/", a.deletePeering)
			r.Post("/validate", a.validatePeering)
			r.Get("/live-state", a.peeringLiveState)
			r.Get("/bgp-updates", a.peeringUpdates)
		})
	})

	r.Route("/anomalies", func(r chi.Router) {
		r.Post("/detect", a.detectAnomalies)
		r.Get("/", a.listAnomalies)
		r.Get("/{id}", a.getAnomaly)
	})

	return r
}
