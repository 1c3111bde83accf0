package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"careroute/internal/config"
	"careroute/internal/model"
	"careroute/internal/track"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		FallbackSpeedKph: 40,
		CacheTTL:         time.Hour,
		Tunables: config.Tunables{
			OptimizeTimeBudget:    time.Second,
			OptimizeMaxIterations: 5000,
			ProximityRadiusM:      150,
			DelayThresholds:       track.DefaultThresholds(),
		},
	}
	s, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s
}

func day(h, m int) time.Time {
	return time.Date(2026, 3, 2, h, m, 0, 0, time.UTC)
}

func postJSON(t *testing.T, h http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	h(rr, req)
	return rr
}

// seedPlan loads one care type, one caregiver, one vehicle, and one case
// through the intake handlers.
func seedPlan(t *testing.T, s *Server) {
	t.Helper()
	rr := postJSON(t, s.CareTypesHandler, "/v1/care-types", model.CareType{
		ID: "ct-wound", Name: "Wound care", RequiredSkills: []string{"wound_care"}, DurationMin: 30,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("care type: %d %s", rr.Code, rr.Body.String())
	}
	rr = postJSON(t, s.PersonnelHandler, "/v1/personnel", model.Personnel{
		ID: "per-1", Name: "A. Nurse", Skills: []string{"wound_care"},
		WorkStart: day(8, 0), WorkEnd: day(17, 0), IsActive: true,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("personnel: %d %s", rr.Code, rr.Body.String())
	}
	rr = postJSON(t, s.VehiclesHandler, "/v1/vehicles", model.Vehicle{
		ID: "veh-1", CapacityPersonnel: 1,
		BaseLocation: model.Location{Lat: 52.52, Lng: 13.40},
		Status:       model.VehicleAvailable,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("vehicle: %d %s", rr.Code, rr.Body.String())
	}
	rr = postJSON(t, s.CasesHandler, "/v1/cases", map[string]any{"cases": []model.Case{{
		ID:              "case-1",
		PatientLocation: model.Location{Lat: 52.53, Lng: 13.41},
		CareTypeID:      "ct-wound",
		Priority:        3,
		Window:          model.TimeWindow{Type: model.WindowFixed, Start: day(9, 0), End: day(10, 0)},
	}}})
	if rr.Code != http.StatusCreated {
		t.Fatalf("cases: %d %s", rr.Code, rr.Body.String())
	}
}

func optimize(t *testing.T, s *Server) model.OptimizationResult {
	t.Helper()
	rr := postJSON(t, s.OptimizeHandler, "/v1/optimize", model.OptimizeRequest{Date: "2026-03-02"})
	if rr.Code != http.StatusOK {
		t.Fatalf("optimize: %d %s", rr.Code, rr.Body.String())
	}
	var res model.OptimizationResult
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode optimize: %v", err)
	}
	return res
}

func TestHealthReady(t *testing.T) {
	s := newTestServer(t)
	rr := httptest.NewRecorder()
	s.HealthHandler(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("health: %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	s.ReadyHandler(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("ready: %d", rr.Code)
	}
}

func TestOptimizeRejectsUnknownCareType(t *testing.T) {
	s := newTestServer(t)
	seedPlan(t, s)
	rr := postJSON(t, s.CasesHandler, "/v1/cases", map[string]any{"cases": []model.Case{{
		ID:              "case-ghost",
		PatientLocation: model.Location{Lat: 52.54, Lng: 13.42},
		CareTypeID:      "ct-ghost",
		Priority:        2,
	}}})
	if rr.Code != http.StatusCreated {
		t.Fatalf("cases: %d %s", rr.Code, rr.Body.String())
	}
	rr = postJSON(t, s.OptimizeHandler, "/v1/optimize", model.OptimizeRequest{Date: "2026-03-02"})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("optimize: %d %s, want 422", rr.Code, rr.Body.String())
	}
	var p Problem
	if err := json.Unmarshal(rr.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode problem: %v", err)
	}
	if p.Type != "urn:careroute:problem:optimization-failed" {
		t.Fatalf("problem type = %q", p.Type)
	}
}

func TestCaseIntakeValidation(t *testing.T) {
	s := newTestServer(t)
	rr := postJSON(t, s.CasesHandler, "/v1/cases", map[string]any{"cases": []model.Case{{
		ID:              "case-bad",
		PatientLocation: model.Location{Lat: 99, Lng: 13.41},
		CareTypeID:      "ct-wound",
		Priority:        3,
	}}})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad latitude accepted: %d %s", rr.Code, rr.Body.String())
	}
	rr = postJSON(t, s.CasesHandler, "/v1/cases", map[string]any{"cases": []model.Case{{
		ID:              "case-bad",
		PatientLocation: model.Location{Lat: 52.53, Lng: 13.41},
		CareTypeID:      "",
		Priority:        3,
	}}})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing care type accepted: %d", rr.Code)
	}
}

func TestOptimizePersistsRoutesAndMetrics(t *testing.T) {
	s := newTestServer(t)
	seedPlan(t, s)
	res := optimize(t, s)
	if len(res.Routes) != 1 || len(res.Routes[0].Visits) != 1 {
		t.Fatalf("routes = %+v", res.Routes)
	}
	if len(res.Unassigned) != 0 {
		t.Fatalf("unassigned = %+v", res.Unassigned)
	}

	rr := httptest.NewRecorder()
	s.RoutesIndexHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/routes?planDate=2026-03-02", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("routes index: %d", rr.Code)
	}
	var idx struct {
		Items []model.Route `json:"items"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &idx); err != nil || len(idx.Items) != 1 {
		t.Fatalf("routes list: err=%v items=%+v", err, idx.Items)
	}

	rr = httptest.NewRecorder()
	s.RouteByIDHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/routes/"+res.Routes[0].ID, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("route by id: %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	s.RunMetricsHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/admin/optimization-metrics?date=2026-03-02", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("run metrics: %d", rr.Code)
	}
	var met struct {
		Items []model.RunMetrics `json:"items"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &met); err != nil || len(met.Items) != 1 {
		t.Fatalf("metrics list: err=%v items=%+v", err, met.Items)
	}
	if met.Items[0].TotalAssigned != 1 {
		t.Fatalf("metrics = %+v", met.Items[0])
	}
}

func TestOptimizeRejectsBadRequest(t *testing.T) {
	s := newTestServer(t)
	rr := postJSON(t, s.OptimizeHandler, "/v1/optimize", model.OptimizeRequest{})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing date accepted: %d", rr.Code)
	}
	rr = postJSON(t, s.OptimizeHandler, "/v1/optimize", model.OptimizeRequest{Date: "2026-03-02", Strategy: "fastest"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad strategy accepted: %d", rr.Code)
	}
}

func TestLocationUpdateArrivalAndConfirm(t *testing.T) {
	s := newTestServer(t)
	seedPlan(t, s)
	res := optimize(t, s)
	route := res.Routes[0]
	visit := route.Visits[0]

	rr := postJSON(t, s.LocationUpdatesHandler, "/v1/location-updates", map[string]any{
		"updates": []model.LocationUpdate{{
			VehicleID: "veh-1",
			Location:  visit.Location,
			Timestamp: day(8, 55),
		}},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("location update: %d %s", rr.Code, rr.Body.String())
	}
	var out struct {
		Applied int `json:"applied"`
		Results []struct {
			Applied bool             `json:"applied"`
			RouteID string           `json:"routeId"`
			ETAs    []model.VisitETA `json:"etas"`
		} `json:"results"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Applied != 1 || !out.Results[0].Applied || out.Results[0].RouteID != route.ID {
		t.Fatalf("update result: %+v", out)
	}
	if len(out.Results[0].ETAs) == 0 {
		t.Fatalf("expected recomputed ETAs")
	}

	// confirm before arrival state transitions would conflict; the update above
	// landed on the visit location, so the visit is arrived and confirmable
	rr = postJSON(t, s.RouteByIDHandler, "/v1/routes/"+route.ID+"/visits/"+visit.ID+"/confirm", map[string]any{})
	if rr.Code != http.StatusOK {
		t.Fatalf("confirm: %d %s", rr.Code, rr.Body.String())
	}
	var conf struct {
		Visit          model.Visit `json:"visit"`
		RouteCompleted bool        `json:"routeCompleted"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &conf); err != nil {
		t.Fatalf("decode confirm: %v", err)
	}
	if conf.Visit.Status != model.VisitCompleted || !conf.RouteCompleted {
		t.Fatalf("confirm result: %+v", conf)
	}
}

func TestSkipPendingVisit(t *testing.T) {
	s := newTestServer(t)
	seedPlan(t, s)
	res := optimize(t, s)
	route := res.Routes[0]
	visit := route.Visits[0]

	rr := postJSON(t, s.RouteByIDHandler, "/v1/routes/"+route.ID+"/visits/"+visit.ID+"/skip", map[string]any{})
	if rr.Code != http.StatusOK {
		t.Fatalf("skip: %d %s", rr.Code, rr.Body.String())
	}
	// skipping a terminal visit conflicts
	rr = postJSON(t, s.RouteByIDHandler, "/v1/routes/"+route.ID+"/visits/"+visit.ID+"/skip", map[string]any{})
	if rr.Code != http.StatusConflict {
		t.Fatalf("double skip: %d", rr.Code)
	}
}

func TestSubscriptionEnqueuesRouteAssigned(t *testing.T) {
	s := newTestServer(t)
	seedPlan(t, s)

	rr := postJSON(t, s.SubscriptionsHandler, "/v1/subscriptions", model.Subscription{
		URL: "http://example.invalid/hook", Events: []string{model.EventRouteAssigned}, Secret: "shh",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create sub: %d %s", rr.Code, rr.Body.String())
	}
	var sub model.Subscription
	if err := json.Unmarshal(rr.Body.Bytes(), &sub); err != nil || sub.ID == "" {
		t.Fatalf("sub decode: err=%v sub=%+v", err, sub)
	}

	optimize(t, s)

	due, err := s.Store.FetchDueDeliveries(context.Background(), 10)
	if err != nil {
		t.Fatalf("FetchDueDeliveries: %v", err)
	}
	if len(due) != 1 || due[0].EventType != model.EventRouteAssigned {
		t.Fatalf("deliveries = %+v", due)
	}

	// delete and verify gone
	rr = httptest.NewRecorder()
	s.SubscriptionByIDHandler(rr, httptest.NewRequest(http.MethodDelete, "/v1/subscriptions/"+sub.ID, nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete sub: %d", rr.Code)
	}
}

func TestSubscriptionValidation(t *testing.T) {
	s := newTestServer(t)
	rr := postJSON(t, s.SubscriptionsHandler, "/v1/subscriptions", model.Subscription{
		URL: "http://example.invalid/hook", Events: []string{"everything"},
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown event accepted: %d", rr.Code)
	}
	rr = postJSON(t, s.SubscriptionsHandler, "/v1/subscriptions", model.Subscription{
		URL: "not a url", Events: []string{model.EventDelayAlert},
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad url accepted: %d", rr.Code)
	}
}

// sseRecorder is a minimal ResponseWriter implementing http.Flusher for SSE tests.
type sseRecorder struct {
	hdr  http.Header
	buf  bytes.Buffer
	code int
}

func (r *sseRecorder) Header() http.Header {
	if r.hdr == nil {
		r.hdr = http.Header{}
	}
	return r.hdr
}
func (r *sseRecorder) WriteHeader(c int) { r.code = c }

func (r *sseRecorder) Write(p []byte) (int, error) { return r.buf.Write(p) }

func (r *sseRecorder) Flush() {}

func TestRouteEventsSSE(t *testing.T) {
	s := newTestServer(t)
	seedPlan(t, s)
	res := optimize(t, s)
	rid := res.Routes[0].ID

	sseReq := httptest.NewRequest(http.MethodGet, "/v1/routes/"+rid+"/events/stream", nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sseReq = sseReq.WithContext(ctx)

	rec := &sseRecorder{}
	done := make(chan struct{})
	go func() {
		s.RouteByIDHandler(rec, sseReq)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	s.Broker.Publish(rid, SSEEvent{Type: model.EventDelayAlert, Data: map[string]any{"routeId": rid}})

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if bytes.Contains(rec.buf.Bytes(), []byte("event: "+model.EventDelayAlert)) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !bytes.Contains(rec.buf.Bytes(), []byte("event: "+model.EventDelayAlert)) {
		t.Fatalf("SSE missing event, body: %s", rec.buf.String())
	}
	cancel()
	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("handler did not exit after cancel")
	}
}
