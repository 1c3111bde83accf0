// Package opt holds the constraint model and the route optimizer.
package opt

import (
	"sort"
	"time"

	"careroute/internal/model"
)

// Problem is an immutable snapshot of the inputs for one optimization run.
// Work-hour and time-window timestamps are resolved to the plan date before
// the snapshot is taken; the solver never re-reads live state.
type Problem struct {
	Date      string
	Cases     []model.Case
	CareTypes map[string]model.CareType
	Personnel []model.Personnel
	Vehicles  []model.Vehicle
}

// Normalize sorts the entity sets by ID so identical snapshots solve
// identically regardless of input order.
func (p *Problem) Normalize() {
	sort.Slice(p.Cases, func(i, j int) bool { return p.Cases[i].ID < p.Cases[j].ID })
	sort.Slice(p.Personnel, func(i, j int) bool { return p.Personnel[i].ID < p.Personnel[j].ID })
	sort.Slice(p.Vehicles, func(i, j int) bool { return p.Vehicles[i].ID < p.Vehicles[j].ID })
}

// Weights scales the solution cost terms. Lateness applies only to flexible
// time windows; fixed windows are hard constraints. UnassignedPerCase is the
// cost of leaving a case unplaced: an insertion dearer than the penalty is
// declined, so maximize_assignment places cases the other strategies reject.
type Weights struct {
	DistancePerKm     float64
	DrivePerMin       float64
	LatenessPerMin    float64
	UnassignedPerCase float64
}

// WeightsForStrategy maps a strategy name to its cost weighting. Unknown or
// empty strategies fall back to minimize_distance.
func WeightsForStrategy(strategy string) Weights {
	switch strategy {
	case model.StrategyMinTime:
		return Weights{DistancePerKm: 0.1, DrivePerMin: 1, LatenessPerMin: 5, UnassignedPerCase: 10000}
	case model.StrategyMaxAssignment:
		return Weights{DistancePerKm: 0.01, DrivePerMin: 0.01, LatenessPerMin: 1, UnassignedPerCase: 1e6}
	default:
		return Weights{DistancePerKm: 1, DrivePerMin: 0.1, LatenessPerMin: 5, UnassignedPerCase: 10000}
	}
}

// windowTightness orders cases for the constructive pass. Fixed windows sort
// by span, flexible after any fixed, unconstrained last.
func windowTightness(w model.TimeWindow) time.Duration {
	switch w.Type {
	case model.WindowFixed:
		return w.End.Sub(w.Start)
	case model.WindowFlexible:
		return w.End.Sub(w.Start) + 1000*time.Hour
	}
	return 1 << 62
}
