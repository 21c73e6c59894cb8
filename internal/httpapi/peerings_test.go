package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/peerwatch/bgp-orchestrator/internal/anomaly"
	"github.com/peerwatch/bgp-orchestrator/internal/catalog"
	"github.com/peerwatch/bgp-orchestrator/internal/extsvc"
	"github.com/peerwatch/bgp-orchestrator/internal/stream"
)

// fakeCatalog implements PeeringCatalog with overridable functions; methods
// without an override return zero values.
type fakeCatalog struct {
	createFn     func(ctx context.Context, d catalog.Draft, actor catalog.Actor) (*catalog.Peering, error)
	updateFn     func(ctx context.Context, id int64, p catalog.Patch, actor catalog.Actor) (*catalog.Peering, error)
	deleteFn     func(ctx context.Context, id int64, actor catalog.Actor) error
	getFn        func(ctx context.Context, id int64) (*catalog.Peering, error)
	listFn       func(ctx context.Context, f catalog.Filters, page catalog.Page) ([]catalog.Peering, error)
	bulkCreateFn func(ctx context.Context, drafts []catalog.Draft, actor catalog.Actor) ([]catalog.Peering, error)
	bulkDeleteFn func(ctx context.Context, ids []int64, actor catalog.Actor) error
	bulkUpdateFn func(ctx context.Context, ids []int64, p catalog.Patch, actor catalog.Actor) ([]catalog.Peering, error)
}

func (f *fakeCatalog) Create(ctx context.Context, d catalog.Draft, actor catalog.Actor) (*catalog.Peering, error) {
	if f.createFn != nil {
		return f.createFn(ctx, d, actor)
	}
	return nil, nil
}

func (f *fakeCatalog) Update(ctx context.Context, id int64, p catalog.Patch, actor catalog.Actor) (*catalog.Peering, error) {
	if f.updateFn != nil {
		return f.updateFn(ctx, id, p, actor)
	}
	return nil, nil
}

func (f *fakeCatalog) Delete(ctx context.Context, id int64, actor catalog.Actor) error {
	if f.deleteFn != nil {
		return f.deleteFn(ctx, id, actor)
	}
	return nil
}

func (f *fakeCatalog) Get(ctx context.Context, id int64) (*catalog.Peering, error) {
	if f.getFn != nil {
		return f.getFn(ctx, id)
	}
	return nil, &catalog.NotFoundError{ID: id}
}

func (f *fakeCatalog) List(ctx context.Context, fl catalog.Filters, page catalog.Page) ([]catalog.Peering, error) {
	if f.listFn != nil {
		return f.listFn(ctx, fl, page)
	}
	return nil, nil
}

func (f *fakeCatalog) BulkCreate(ctx context.Context, drafts []catalog.Draft, actor catalog.Actor) ([]catalog.Peering, error) {
	if f.bulkCreateFn != nil {
		return f.bulkCreateFn(ctx, drafts, actor)
	}
	return nil, nil
}

func (f *fakeCatalog) BulkDelete(ctx context.Context, ids []int64, actor catalog.Actor) error {
	if f.bulkDeleteFn != nil {
		return f.bulkDeleteFn(ctx, ids, actor)
	}
	return nil
}

func (f *fakeCatalog) BulkUpdate(ctx context.Context, ids []int64, p catalog.Patch, actor catalog.Actor) ([]catalog.Peering, error) {
	if f.bulkUpdateFn != nil {
		return f.bulkUpdateFn(ctx, ids, p, actor)
	}
	return nil, nil
}

func (f *fakeCatalog) ExportCSV(_ context.Context, w io.Writer) error {
	_, err := w.Write([]byte("id,name\n1,edge1-transit\n"))
	return err
}

func (f *fakeCatalog) ExportJSON(_ context.Context, w io.Writer) error {
	_, err := w.Write([]byte(`{"count":0,"peerings":[]}`))
	return err
}

func (f *fakeCatalog) Topology(context.Context) (*catalog.Topology, error) {
	return catalog.BuildTopology(nil), nil
}

type fakeAnalyzer struct {
	result *extsvc.ValidationResult
	err    error
	gotCfg string
}

func (f *fakeAnalyzer) ValidateConfig(_ context.Context, configText string) (*extsvc.ValidationResult, error) {
	f.gotCfg = configText
	return f.result, f.err
}

type fakePoller struct {
	sessions []extsvc.LiveSession
	err      error
}

func (f *fakePoller) PollSessions(context.Context, string) ([]extsvc.LiveSession, error) {
	return f.sessions, f.err
}

type fakeUpdateLog struct {
	gotLimit int
	events   []stream.StoredUpdate
}

func (f *fakeUpdateLog) RecentByPeer(_ context.Context, _ string, _ uint32, limit int) ([]stream.StoredUpdate, error) {
	f.gotLimit = limit
	return f.events, nil
}

type fakeDetector struct {
	found []anomaly.Anomaly
	err   error
}

func (f *fakeDetector) Detect(string, string, []anomaly.Sample) ([]anomaly.Anomaly, error) {
	return f.found, f.err
}

type fakeAnomalyStore struct {
	inserted []anomaly.Anomaly
	listQ    anomaly.Query
	listOut  []anomaly.Anomaly
	getFn    func(ctx context.Context, id int64) (*anomaly.Anomaly, error)
}

func (f *fakeAnomalyStore) Insert(_ context.Context, anomalies []anomaly.Anomaly) ([]anomaly.Anomaly, error) {
	f.inserted = anomalies
	out := make([]anomaly.Anomaly, len(anomalies))
	copy(out, anomalies)
	for i := range out {
		out[i].ID = int64(i + 1)
	}
	return out, nil
}

func (f *fakeAnomalyStore) List(_ context.Context, q anomaly.Query) ([]anomaly.Anomaly, error) {
	f.listQ = q
	return f.listOut, nil
}

func (f *fakeAnomalyStore) Get(ctx context.Context, id int64) (*anomaly.Anomaly, error) {
	if f.getFn != nil {
		return f.getFn(ctx, id)
	}
	return nil, &anomaly.NotFoundError{ID: id}
}

func testPeering() *catalog.Peering {
	return &catalog.Peering{
		ID:        7,
		Name:      "edge1-transit",
		Device:    "edge1",
		LocalASN:  65001,
		PeerASN:   174,
		PeerIP:    "192.0.2.1",
		HoldTime:  180,
		Keepalive: 60,
		Status:    catalog.StatusActive,
	}
}

func newTestAPI(deps Deps) *API {
	return NewAPI(deps, zap.NewNop())
}

func do(t *testing.T, api *API, method, path string, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	api.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return body
}

func TestCreatePeering_Created(t *testing.T) {
	var gotActor catalog.Actor
	cat := &fakeCatalog{
		createFn: func(_ context.Context, d catalog.Draft, actor catalog.Actor) (*catalog.Peering, error) {
			gotActor = actor
			p := testPeering()
			p.Name = d.Name
			return p, nil
		},
	}
	api := newTestAPI(Deps{Catalog: cat})

	w := do(t, api, http.MethodPost, "/bgp-peerings",
		`{"name":"edge1-transit","device":"edge1","local_asn":65001,"peer_asn":174,"peer_ip":"192.0.2.1"}`,
		map[string]string{"X-User-ID": "noc"})

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["name"] != "edge1-transit" {
		t.Errorf("expected name 'edge1-transit', got %v", body["name"])
	}
	if gotActor.UserID != "noc" {
		t.Errorf("expected actor 'noc', got %q", gotActor.UserID)
	}
	if gotActor.CorrelationID == "" {
		t.Error("expected a correlation id on the actor")
	}
}

func TestCreatePeering_ConflictPayload(t *testing.T) {
	cat := &fakeCatalog{
		createFn: func(context.Context, catalog.Draft, catalog.Actor) (*catalog.Peering, error) {
			return nil, &catalog.ConflictError{Conflicts: []catalog.Conflict{{
				Type:          catalog.ConflictSessionOverlap,
				Severity:      catalog.SeverityCritical,
				Description:   "duplicate session",
				AffectedPeers: []int64{3},
			}}}
		},
	}
	api := newTestAPI(Deps{Catalog: cat})

	w := do(t, api, http.MethodPost, "/bgp-peerings", `{"name":"x"}`, nil)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["message"] != "Conflicts detected in peering configuration" {
		t.Errorf("unexpected message: %v", body["message"])
	}
	conflicts := body["conflicts"].([]any)
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(conflicts))
	}
	first := conflicts[0].(map[string]any)
	if first["type"] != "session_overlap" {
		t.Errorf("expected type 'session_overlap', got %v", first["type"])
	}
}

func TestCreatePeering_ValidationError(t *testing.T) {
	cat := &fakeCatalog{
		createFn: func(context.Context, catalog.Draft, catalog.Actor) (*catalog.Peering, error) {
			return nil, &catalog.ValidationError{Fields: []catalog.FieldError{
				{Field: "keepalive", Message: "keepalive (90) must be less than or equal to one-third of hold_time (180)"},
			}}
		},
	}
	api := newTestAPI(Deps{Catalog: cat})

	w := do(t, api, http.MethodPost, "/bgp-peerings", `{"name":"x"}`, nil)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	body := decodeBody(t, w)
	errs := body["errors"].([]any)
	if len(errs) != 1 {
		t.Fatalf("expected 1 field error, got %d", len(errs))
	}
	first := errs[0].(map[string]any)
	if first["field"] != "keepalive" {
		t.Errorf("expected field 'keepalive', got %v", first["field"])
	}
}

func TestCreatePeering_MalformedBody(t *testing.T) {
	api := newTestAPI(Deps{Catalog: &fakeCatalog{}})

	w := do(t, api, http.MethodPost, "/bgp-peerings", `{"name":`, nil)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestUpdatePeering_ConflictMessage(t *testing.T) {
	cat := &fakeCatalog{
		updateFn: func(context.Context, int64, catalog.Patch, catalog.Actor) (*catalog.Peering, error) {
			return nil, &catalog.ConflictError{Conflicts: []catalog.Conflict{{
				Type:     catalog.ConflictRoutingLoop,
				Severity: catalog.SeverityCritical,
			}}}
		},
	}
	api := newTestAPI(Deps{Catalog: cat})

	w := do(t, api, http.MethodPut, "/bgp-peerings/7", `{"peer_asn":65001}`, nil)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["message"] != "Conflicts detected in updated peering configuration" {
		t.Errorf("unexpected message: %v", body["message"])
	}
}

func TestGetPeering_NotFound(t *testing.T) {
	api := newTestAPI(Deps{Catalog: &fakeCatalog{}})

	w := do(t, api, http.MethodGet, "/bgp-peerings/42", "", nil)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["detail"] != "Peering with ID 42 not found" {
		t.Errorf("unexpected detail: %v", body["detail"])
	}
}

func TestGetPeering_BadID(t *testing.T) {
	api := newTestAPI(Deps{Catalog: &fakeCatalog{}})

	w := do(t, api, http.MethodGet, "/bgp-peerings/abc", "", nil)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestDeletePeering_NoContent(t *testing.T) {
	var gotID int64
	cat := &fakeCatalog{
		deleteFn: func(_ context.Context, id int64, _ catalog.Actor) error {
			gotID = id
			return nil
		},
	}
	api := newTestAPI(Deps{Catalog: cat})

	w := do(t, api, http.MethodDelete, "/bgp-peerings/7", "", nil)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if gotID != 7 {
		t.Errorf("expected delete of ID 7, got %d", gotID)
	}
}

func TestListPeerings_FiltersParsed(t *testing.T) {
	var gotFilters catalog.Filters
	var gotPage catalog.Page
	cat := &fakeCatalog{
		listFn: func(_ context.Context, f catalog.Filters, page catalog.Page) ([]catalog.Peering, error) {
			gotFilters = f
			gotPage = page
			return []catalog.Peering{*testPeering()}, nil
		},
	}
	api := newTestAPI(Deps{Catalog: cat})

	w := do(t, api, http.MethodGet, "/bgp-peerings?device=edge1&status=active&peer_asn=174&skip=20&limit=10", "", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if gotFilters.Device != "edge1" || gotFilters.Status != catalog.StatusActive || gotFilters.PeerASN != 174 {
		t.Errorf("filters not passed through: %+v", gotFilters)
	}
	if gotPage.Skip != 20 || gotPage.Limit != 10 {
		t.Errorf("paging not passed through: %+v", gotPage)
	}
}

func TestListPeerings_BadASN(t *testing.T) {
	api := newTestAPI(Deps{Catalog: &fakeCatalog{}})

	w := do(t, api, http.MethodGet, "/bgp-peerings?peer_asn=not-a-number", "", nil)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestBulkDelete_ReportsCount(t *testing.T) {
	var gotIDs []int64
	cat := &fakeCatalog{
		bulkDeleteFn: func(_ context.Context, ids []int64, _ catalog.Actor) error {
			gotIDs = ids
			return nil
		},
	}
	api := newTestAPI(Deps{Catalog: cat})

	w := do(t, api, http.MethodPost, "/bgp-peerings/bulk-delete", `{"ids":[1,2,3]}`, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if len(gotIDs) != 3 {
		t.Fatalf("expected 3 ids, got %v", gotIDs)
	}
	body := decodeBody(t, w)
	if body["deleted"] != float64(3) {
		t.Errorf("expected deleted 3, got %v", body["deleted"])
	}
}

func TestBulkCreate_AllOrNothingRejection(t *testing.T) {
	cat := &fakeCatalog{
		bulkCreateFn: func(context.Context, []catalog.Draft, catalog.Actor) ([]catalog.Peering, error) {
			return nil, &catalog.ConflictError{Conflicts: []catalog.Conflict{{
				Type: catalog.ConflictASNCollision, Severity: catalog.SeverityHigh,
			}}}
		},
	}
	api := newTestAPI(Deps{Catalog: cat})

	w := do(t, api, http.MethodPost, "/bgp-peerings/bulk",
		`{"peerings":[{"name":"a"},{"name":"b"}]}`, nil)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["message"] != "Conflicts detected in peering configuration" {
		t.Errorf("unexpected message: %v", body["message"])
	}
}

func TestExportCSV_Headers(t *testing.T) {
	api := newTestAPI(Deps{Catalog: &fakeCatalog{}})

	w := do(t, api, http.MethodGet, "/bgp-peerings/export/csv", "", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("expected Content-Type 'text/csv', got %q", ct)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("edge1-transit")) {
		t.Errorf("expected CSV rows in body, got %q", w.Body.String())
	}
}

func TestValidatePeering_AnalyzerUnconfigured(t *testing.T) {
	api := newTestAPI(Deps{Catalog: &fakeCatalog{}})

	w := do(t, api, http.MethodPost, "/bgp-peerings/7/validate", "", nil)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestValidatePeering_RendersConfigAndReturnsFindings(t *testing.T) {
	cat := &fakeCatalog{
		getFn: func(context.Context, int64) (*catalog.Peering, error) {
			return testPeering(), nil
		},
	}
	analyzer := &fakeAnalyzer{
		result: &extsvc.ValidationResult{
			Valid:    false,
			Errors:   []string{"duplicate neighbor"},
			Warnings: []string{},
			Summary:  "1 error",
		},
	}
	api := newTestAPI(Deps{Catalog: cat, Analyzer: analyzer})

	w := do(t, api, http.MethodPost, "/bgp-peerings/7/validate", "", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(analyzer.gotCfg, "router bgp 65001") {
		t.Errorf("expected rendered config, got %q", analyzer.gotCfg)
	}
	body := decodeBody(t, w)
	if body["peering_id"] != float64(7) {
		t.Errorf("expected peering_id 7, got %v", body["peering_id"])
	}
	if body["valid"] != false {
		t.Errorf("expected valid false, got %v", body["valid"])
	}
}

func TestPeeringLiveState_StateMatch(t *testing.T) {
	cat := &fakeCatalog{
		getFn: func(context.Context, int64) (*catalog.Peering, error) {
			return testPeering(), nil
		},
	}
	poller := &fakePoller{sessions: []extsvc.LiveSession{{
		Device:      "edge1",
		PeerIP:      "192.0.2.1",
		PeerASN:     174,
		State:       extsvc.StateEstablished,
		PrefixCount: 900000,
	}}}
	api := newTestAPI(Deps{Catalog: cat, LiveState: poller})

	w := do(t, api, http.MethodGet, "/bgp-peerings/7/live-state", "", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["found"] != true {
		t.Fatalf("expected found true, got %v", body["found"])
	}
	if body["state_match"] != true {
		t.Errorf("expected state_match true, got %v", body["state_match"])
	}
	live := body["live_state"].(map[string]any)
	if live["state"] != "Established" {
		t.Errorf("expected live state 'Established', got %v", live["state"])
	}
}

func TestPeeringLiveState_NoMatchingSession(t *testing.T) {
	cat := &fakeCatalog{
		getFn: func(context.Context, int64) (*catalog.Peering, error) {
			return testPeering(), nil
		},
	}
	poller := &fakePoller{sessions: []extsvc.LiveSession{{
		PeerIP: "198.51.100.9", PeerASN: 3356, State: extsvc.StateIdle,
	}}}
	api := newTestAPI(Deps{Catalog: cat, LiveState: poller})

	w := do(t, api, http.MethodGet, "/bgp-peerings/7/live-state", "", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["found"] != false {
		t.Fatalf("expected found false, got %v", body["found"])
	}
	if body["message"] != "No matching live session found" {
		t.Errorf("unexpected message: %v", body["message"])
	}
}

func TestPeeringLiveState_PollerUnconfigured(t *testing.T) {
	api := newTestAPI(Deps{Catalog: &fakeCatalog{}})

	w := do(t, api, http.MethodGet, "/bgp-peerings/7/live-state", "", nil)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestPeeringUpdates_DefaultLimit(t *testing.T) {
	cat := &fakeCatalog{
		getFn: func(context.Context, int64) (*catalog.Peering, error) {
			return testPeering(), nil
		},
	}
	updates := &fakeUpdateLog{events: []stream.StoredUpdate{
		{PeerIP: "192.0.2.1", PeerASN: 174, Prefix: "203.0.113.0/24", EventType: "announce"},
	}}
	api := newTestAPI(Deps{Catalog: cat, Updates: updates})

	w := do(t, api, http.MethodGet, "/bgp-peerings/7/bgp-updates", "", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if updates.gotLimit != 10 {
		t.Errorf("expected default limit 10, got %d", updates.gotLimit)
	}
	body := decodeBody(t, w)
	if body["events_found"] != float64(1) {
		t.Errorf("expected events_found 1, got %v", body["events_found"])
	}
}

func TestPeeringUpdates_LimitOutOfRange(t *testing.T) {
	api := newTestAPI(Deps{Catalog: &fakeCatalog{}})

	w := do(t, api, http.MethodGet, "/bgp-peerings/7/bgp-updates?limit=500", "", nil)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestCorrelationID_EchoedWhenProvided(t *testing.T) {
	api := newTestAPI(Deps{Catalog: &fakeCatalog{}})

	w := do(t, api, http.MethodGet, "/bgp-peerings/42", "", map[string]string{
		correlationHeader: "req-abc-123",
	})

	if got := w.Header().Get(correlationHeader); got != "req-abc-123" {
		t.Errorf("expected correlation id echoed, got %q", got)
	}
}

func TestCorrelationID_GeneratedWhenAbsent(t *testing.T) {
	api := newTestAPI(Deps{Catalog: &fakeCatalog{}})

	w := do(t, api, http.MethodGet, "/bgp-peerings/42", "", nil)

	if w.Header().Get(correlationHeader) == "" {
		t.Error("expected a generated correlation id header")
	}
}

func TestRecoverer_PanicBecomes500(t *testing.T) {
	cat := &fakeCatalog{
		getFn: func(context.Context, int64) (*catalog.Peering, error) {
			panic("boom")
		},
	}
	api := newTestAPI(Deps{Catalog: cat})

	w := do(t, api, http.MethodGet, "/bgp-peerings/7", "", nil)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["detail"] != "internal server error" {
		t.Errorf("unexpected detail: %v", body["detail"])
	}
	if cid, _ := body["correlation_id"].(string); cid == "" {
		t.Error("expected correlation_id in panic response")
	}
}
