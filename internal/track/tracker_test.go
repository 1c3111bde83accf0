package track

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"careroute/internal/geo"
	"careroute/internal/model"
	"careroute/internal/store"
)

type fakeStore struct {
	mu     sync.Mutex
	routes map[string]*model.Route
}

func newFakeStore(routes ...*model.Route) *fakeStore {
	s := &fakeStore{routes: map[string]*model.Route{}}
	for _, r := range routes {
		s.routes[r.ID] = r
	}
	return s
}

func (s *fakeStore) ActiveRouteForVehicle(_ context.Context, vehicleID string) (*model.Route, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.routes {
		if r.VehicleID == vehicleID && (r.Status == model.RoutePlanned || r.Status == model.RouteInProgress) {
			return r, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *fakeStore) GetRoute(_ context.Context, routeID string) (*model.Route, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.routes[routeID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return r, nil
}

func (s *fakeStore) GetVisit(_ context.Context, visitID string) (*model.Visit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.routes {
		for i := range r.Visits {
			if r.Visits[i].ID == visitID {
				return &r.Visits[i], nil
			}
		}
	}
	return nil, store.ErrNotFound
}

func (s *fakeStore) UpdateVisit(_ context.Context, v *model.Visit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.routes[v.RouteID]
	if !ok {
		return store.ErrNotFound
	}
	for i := range r.Visits {
		if r.Visits[i].ID == v.ID {
			r.Visits[i] = *v
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *fakeStore) SetVisitETA(_ context.Context, visitID string, eta time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.routes {
		for i := range r.Visits {
			if r.Visits[i].ID == visitID {
				t := eta
				r.Visits[i].ETA = &t
				return nil
			}
		}
	}
	return store.ErrNotFound
}

func (s *fakeStore) PatchRouteStatus(_ context.Context, routeID string, status model.RouteStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.routes[routeID]
	if !ok {
		return store.ErrNotFound
	}
	r.Status = status
	return nil
}

func at(h, m int) time.Time {
	return time.Date(2026, 3, 2, h, m, 0, 0, time.UTC)
}

func testRoute() *model.Route {
	return &model.Route{
		ID:        "route-1",
		PlanDate:  "2026-03-02",
		VehicleID: "veh-1",
		Status:    model.RoutePlanned,
		Visits: []model.Visit{
			{
				ID: "visit-1", RouteID: "route-1", CaseID: "case-1", Seq: 0,
				Location:       model.Location{Lat: 52.53, Lng: 13.41},
				PlannedArrival: at(9, 0), PlannedDeparture: at(9, 30),
				Status: model.VisitPending,
			},
			{
				ID: "visit-2", RouteID: "route-1", CaseID: "case-2", Seq: 1,
				Location:       model.Location{Lat: 52.56, Lng: 13.45},
				PlannedArrival: at(10, 0), PlannedDeparture: at(10, 30),
				Status: model.VisitPending,
			},
		},
	}
}

func newTestTracker(st RouteStore) *Tracker {
	return NewTracker(st, geo.NewHaversineProvider(60), 150)
}

func TestTrackerAppliesUpdateAndCascadesETAs(t *testing.T) {
	st := newFakeStore(testRoute())
	tr := newTestTracker(st)

	res, err := tr.OnLocationUpdate(context.Background(), model.LocationUpdate{
		VehicleID: "veh-1",
		Location:  model.Location{Lat: 52.52, Lng: 13.40},
		Timestamp: at(8, 45),
	})
	if err != nil {
		t.Fatalf("OnLocationUpdate: %v", err)
	}
	if !res.Applied || res.RouteID != "route-1" {
		t.Fatalf("result = %+v", res)
	}
	if len(res.ETAs) != 2 {
		t.Fatalf("ETAs = %v, want estimates for both visits", res.ETAs)
	}
	if !res.ETAs[0].ETA.After(at(8, 45)) {
		t.Fatalf("first ETA %v not after update timestamp", res.ETAs[0].ETA)
	}
	// second ETA must include 30min service at the first stop plus travel
	if gap := res.ETAs[1].ETA.Sub(res.ETAs[0].ETA); gap < 30*time.Minute {
		t.Fatalf("cascade gap = %v, want at least the 30m service time", gap)
	}

	route, _ := st.GetRoute(context.Background(), "route-1")
	if route.Status != model.RouteInProgress {
		t.Fatalf("route status = %s, want in_progress after first movement", route.Status)
	}
	if route.Visits[0].Status != model.VisitEnRoute {
		t.Fatalf("visit-1 status = %s, want en_route", route.Visits[0].Status)
	}
}

func TestTrackerDiscardsStaleAndReplayedUpdates(t *testing.T) {
	st := newFakeStore(testRoute())
	tr := newTestTracker(st)
	ctx := context.Background()

	u := model.LocationUpdate{VehicleID: "veh-1", Location: model.Location{Lat: 52.52, Lng: 13.40}, Timestamp: at(8, 45)}
	if res, err := tr.OnLocationUpdate(ctx, u); err != nil || !res.Applied {
		t.Fatalf("first apply: res=%+v err=%v", res, err)
	}
	before, _ := st.GetRoute(ctx, "route-1")
	snapshot := *before

	// exact replay
	res, err := tr.OnLocationUpdate(ctx, u)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res.Applied {
		t.Fatal("replayed update must not re-apply")
	}

	// older timestamp
	old := u
	old.Timestamp = at(8, 30)
	res, err = tr.OnLocationUpdate(ctx, old)
	if err != nil {
		t.Fatalf("out-of-order: %v", err)
	}
	if res.Applied {
		t.Fatal("out-of-order update must be discarded")
	}

	after, _ := st.GetRoute(ctx, "route-1")
	if after.Status != snapshot.Status || after.Visits[0].Status != snapshot.Visits[0].Status {
		t.Fatal("discarded updates must not change tracker state")
	}
}

func TestTrackerProximityArrivalWithoutCompletion(t *testing.T) {
	st := newFakeStore(testRoute())
	tr := newTestTracker(st)
	ctx := context.Background()

	res, err := tr.OnLocationUpdate(ctx, model.LocationUpdate{
		VehicleID: "veh-1",
		Location:  model.Location{Lat: 52.5300, Lng: 13.4101}, // a few meters from visit-1
		Timestamp: at(8, 58),
	})
	if err != nil {
		t.Fatalf("OnLocationUpdate: %v", err)
	}
	if res.Arrived == nil || res.Arrived.ID != "visit-1" {
		t.Fatalf("arrived = %+v, want visit-1", res.Arrived)
	}

	v, _ := st.GetVisit(ctx, "visit-1")
	if v.Status != model.VisitArrived {
		t.Fatalf("status = %s, want arrived (never completed on proximity)", v.Status)
	}
	if v.ActualArrival == nil || !v.ActualArrival.Equal(at(8, 58)) {
		t.Fatalf("actual arrival = %v", v.ActualArrival)
	}
}

func TestConfirmVisitLifecycle(t *testing.T) {
	st := newFakeStore(testRoute())
	tr := newTestTracker(st)
	ctx := context.Background()

	// completing a pending visit is a conflict
	if _, _, err := tr.ConfirmVisit(ctx, "visit-1"); err == nil {
		t.Fatal("want conflict confirming a pending visit")
	} else {
		var ce *model.ConflictError
		if !errors.As(err, &ce) {
			t.Fatalf("error type = %T, want *model.ConflictError", err)
		}
	}

	// drive to visit-1
	if _, err := tr.OnLocationUpdate(ctx, model.LocationUpdate{
		VehicleID: "veh-1", Location: model.Location{Lat: 52.5300, Lng: 13.4101}, Timestamp: at(8, 58),
	}); err != nil {
		t.Fatalf("OnLocationUpdate: %v", err)
	}

	v, routeDone, err := tr.ConfirmVisit(ctx, "visit-1")
	if err != nil {
		t.Fatalf("ConfirmVisit: %v", err)
	}
	if v.Status != model.VisitCompleted || routeDone {
		t.Fatalf("visit = %+v, routeDone = %v", v, routeDone)
	}

	// skip the remaining visit, which closes the route
	v2, routeDone, err := tr.SkipVisit(ctx, "visit-2")
	if err != nil {
		t.Fatalf("SkipVisit: %v", err)
	}
	if v2.Status != model.VisitSkipped || !routeDone {
		t.Fatalf("visit = %+v, routeDone = %v", v2, routeDone)
	}
	route, _ := st.GetRoute(ctx, "route-1")
	if route.Status != model.RouteCompleted {
		t.Fatalf("route status = %s, want completed", route.Status)
	}

	// terminal visits cannot be skipped again
	if _, _, err := tr.SkipVisit(ctx, "visit-2"); err == nil {
		t.Fatal("want conflict skipping a terminal visit")
	}
}

func TestTrackerNoActiveRoute(t *testing.T) {
	tr := newTestTracker(newFakeStore())
	res, err := tr.OnLocationUpdate(context.Background(), model.LocationUpdate{
		VehicleID: "veh-9",
		Location:  model.Location{Lat: 52.52, Lng: 13.40},
		Timestamp: at(9, 0),
	})
	if err != nil {
		t.Fatalf("OnLocationUpdate: %v", err)
	}
	if res.Applied {
		t.Fatal("no active route: nothing to apply")
	}
}

func TestTrackerRejectsBadInput(t *testing.T) {
	tr := newTestTracker(newFakeStore())
	_, err := tr.OnLocationUpdate(context.Background(), model.LocationUpdate{
		VehicleID: "veh-1",
		Location:  model.Location{Lat: 99, Lng: 0},
		Timestamp: at(9, 0),
	})
	var ve *model.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error = %v, want validation error", err)
	}
}
