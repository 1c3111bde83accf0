// Package track turns raw vehicle GPS samples into visit progress, ETA
// updates, and delay alerts against the planned schedule.
package track

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"careroute/internal/geo"
	"careroute/internal/metrics"
	"careroute/internal/model"
	"careroute/internal/store"
)

// RouteStore is the slice of the persistence layer the tracker needs.
type RouteStore interface {
	ActiveRouteForVehicle(ctx context.Context, vehicleID string) (*model.Route, error)
	GetRoute(ctx context.Context, routeID string) (*model.Route, error)
	GetVisit(ctx context.Context, visitID string) (*model.Visit, error)
	UpdateVisit(ctx context.Context, v *model.Visit) error
	SetVisitETA(ctx context.Context, visitID string, eta time.Time) error
	PatchRouteStatus(ctx context.Context, routeID string, status model.RouteStatus) error
}

// PairProvider supplies single-leg travel estimates for ETA recomputation.
type PairProvider interface {
	GetPair(ctx context.Context, from, to model.Location) (int, int, error)
}

// Result reports what one location update changed.
type Result struct {
	Applied bool             `json:"applied"`
	RouteID string           `json:"routeId,omitempty"`
	Arrived *model.Visit     `json:"arrived,omitempty"`
	ETAs    []model.VisitETA `json:"etas,omitempty"`
}

type vehicleState struct {
	mu     sync.Mutex
	lastTS time.Time
}

// Tracker serializes update processing per vehicle; updates for different
// vehicles proceed in parallel. Replayed or out-of-order samples are dropped
// without error.
type Tracker struct {
	store  RouteStore
	pairs  PairProvider
	radius float64

	mu       sync.Mutex
	vehicles map[string]*vehicleState
	now      func() time.Time
}

func NewTracker(st RouteStore, pairs PairProvider, proximityRadiusM float64) *Tracker {
	if proximityRadiusM <= 0 {
		proximityRadiusM = 150
	}
	return &Tracker{
		store:    st,
		pairs:    pairs,
		radius:   proximityRadiusM,
		vehicles: map[string]*vehicleState{},
		now:      time.Now,
	}
}

func (t *Tracker) state(vehicleID string) *vehicleState {
	t.mu.Lock()
	defer t.mu.Unlock()
	vs, ok := t.vehicles[vehicleID]
	if !ok {
		vs = &vehicleState{}
		t.vehicles[vehicleID] = vs
	}
	return vs
}

// OnLocationUpdate applies one GPS sample. Samples older than or equal to the
// last applied timestamp for the vehicle are discarded, which makes replays
// idempotent.
func (t *Tracker) OnLocationUpdate(ctx context.Context, u model.LocationUpdate) (*Result, error) {
	if err := u.Location.Validate(); err != nil {
		return nil, err
	}
	if u.VehicleID == "" {
		return nil, &model.ValidationError{Field: "vehicleId", Msg: "required"}
	}
	if u.Timestamp.IsZero() {
		return nil, &model.ValidationError{Field: "timestamp", Msg: "required"}
	}

	vs := t.state(u.VehicleID)
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if !u.Timestamp.After(vs.lastTS) {
		metrics.LocationUpdates.WithLabelValues("stale").Inc()
		return &Result{Applied: false}, nil
	}

	route, err := t.store.ActiveRouteForVehicle(ctx, u.VehicleID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			vs.lastTS = u.Timestamp
			metrics.LocationUpdates.WithLabelValues("no_route").Inc()
			return &Result{Applied: false}, nil
		}
		return nil, err
	}

	res := &Result{Applied: true, RouteID: route.ID}
	sortVisits(route.Visits)

	next := nextOpenVisit(route.Visits)
	if next == nil {
		vs.lastTS = u.Timestamp
		metrics.LocationUpdates.WithLabelValues("applied").Inc()
		return res, nil
	}

	if route.Status == model.RoutePlanned {
		if err := t.store.PatchRouteStatus(ctx, route.ID, model.RouteInProgress); err != nil {
			return nil, err
		}
	}

	if next.Status == model.VisitPending {
		next.Status = model.VisitEnRoute
		if err := t.store.UpdateVisit(ctx, next); err != nil {
			return nil, err
		}
	}

	// proximity only advances to arrived; completion stays an explicit action
	if geo.HaversineMeters(u.Location, next.Location) <= t.radius && next.Status == model.VisitEnRoute {
		next.Status = model.VisitArrived
		ts := u.Timestamp
		next.ActualArrival = &ts
		if err := t.store.UpdateVisit(ctx, next); err != nil {
			return nil, err
		}
		res.Arrived = next
	}

	etas, err := t.cascadeETAs(ctx, route, next, u)
	if err != nil {
		return nil, err
	}
	res.ETAs = etas

	vs.lastTS = u.Timestamp
	metrics.LocationUpdates.WithLabelValues("applied").Inc()
	return res, nil
}

// cascadeETAs recomputes the next open visit's ETA from the vehicle position,
// then propagates departure + service duration + travel down the rest of the
// route.
func (t *Tracker) cascadeETAs(ctx context.Context, route *model.Route, next *model.Visit, u model.LocationUpdate) ([]model.VisitETA, error) {
	var etas []model.VisitETA

	eta := u.Timestamp
	if next.Status != model.VisitArrived {
		_, durSec, err := t.pairs.GetPair(ctx, u.Location, next.Location)
		if err != nil {
			return nil, err
		}
		eta = u.Timestamp.Add(time.Duration(durSec) * time.Second)
	}
	if err := t.store.SetVisitETA(ctx, next.ID, eta); err != nil {
		return nil, err
	}
	etas = append(etas, model.VisitETA{VisitID: next.ID, RouteID: route.ID, ETA: eta})

	prev := next
	prevETA := eta
	for i := range route.Visits {
		v := &route.Visits[i]
		if v.Seq <= next.Seq || v.Status.Terminal() {
			continue
		}
		service := prev.PlannedDeparture.Sub(prev.PlannedArrival)
		_, durSec, err := t.pairs.GetPair(ctx, prev.Location, v.Location)
		if err != nil {
			return nil, err
		}
		prevETA = prevETA.Add(service).Add(time.Duration(durSec) * time.Second)
		if err := t.store.SetVisitETA(ctx, v.ID, prevETA); err != nil {
			return nil, err
		}
		etas = append(etas, model.VisitETA{VisitID: v.ID, RouteID: route.ID, ETA: prevETA})
		prev = v
	}
	return etas, nil
}

// ConfirmVisit marks an arrived visit completed. Completion never happens on
// proximity alone.
func (t *Tracker) ConfirmVisit(ctx context.Context, visitID string) (*model.Visit, bool, error) {
	v, err := t.store.GetVisit(ctx, visitID)
	if err != nil {
		return nil, false, err
	}
	if v.Status != model.VisitArrived {
		return nil, false, &model.ConflictError{Msg: fmt.Sprintf("visit %s is %s, only arrived visits can be completed", visitID, v.Status)}
	}
	v.Status = model.VisitCompleted
	if err := t.store.UpdateVisit(ctx, v); err != nil {
		return nil, false, err
	}
	done, err := t.closeRouteIfDone(ctx, v.RouteID)
	if err != nil {
		return nil, false, err
	}
	return v, done, nil
}

// SkipVisit is the explicit operator action that abandons a not-yet-reached
// visit.
func (t *Tracker) SkipVisit(ctx context.Context, visitID string) (*model.Visit, bool, error) {
	v, err := t.store.GetVisit(ctx, visitID)
	if err != nil {
		return nil, false, err
	}
	if v.Status != model.VisitPending && v.Status != model.VisitEnRoute {
		return nil, false, &model.ConflictError{Msg: fmt.Sprintf("visit %s is %s, only pending or en_route visits can be skipped", visitID, v.Status)}
	}
	v.Status = model.VisitSkipped
	if err := t.store.UpdateVisit(ctx, v); err != nil {
		return nil, false, err
	}
	done, err := t.closeRouteIfDone(ctx, v.RouteID)
	if err != nil {
		return nil, false, err
	}
	return v, done, nil
}

func (t *Tracker) closeRouteIfDone(ctx context.Context, routeID string) (bool, error) {
	route, err := t.store.GetRoute(ctx, routeID)
	if err != nil {
		return false, err
	}
	for _, v := range route.Visits {
		if !v.Status.Terminal() {
			return false, nil
		}
	}
	if err := t.store.PatchRouteStatus(ctx, routeID, model.RouteCompleted); err != nil {
		return false, err
	}
	return true, nil
}

func sortVisits(visits []model.Visit) {
	sort.Slice(visits, func(i, j int) bool { return visits[i].Seq < visits[j].Seq })
}

func nextOpenVisit(visits []model.Visit) *model.Visit {
	for i := range visits {
		if !visits[i].Status.Terminal() && visits[i].Status != model.VisitArrived {
			return &visits[i]
		}
	}
	return nil
}
