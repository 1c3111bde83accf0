package opt

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"careroute/internal/geo"
	"careroute/internal/metrics"
	"careroute/internal/model"
)

const improveEps = 1e-9

// Options bounds one optimization run.
type Options struct {
	TimeBudget       time.Duration
	MaxIterations    int
	FallbackSpeedKph float64
}

// Engine runs deterministic route optimization over a Problem snapshot. The
// constructive pass orders cases by priority, then time-window tightness,
// then ID, and inserts each at its cheapest feasible position; local search
// then applies relocate, inter-route swap, and intra-route 2-opt moves until
// no strictly improving move remains or the budget expires.
type Engine struct {
	provider geo.Provider
	fallback geo.Provider
	opts     Options
}

func NewEngine(provider geo.Provider, opts Options) *Engine {
	if opts.TimeBudget <= 0 {
		opts.TimeBudget = 2 * time.Second
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 10000
	}
	if opts.FallbackSpeedKph <= 0 {
		opts.FallbackSpeedKph = 40
	}
	return &Engine{
		provider: provider,
		fallback: geo.NewHaversineProvider(opts.FallbackSpeedKph),
		opts:     opts,
	}
}

// pairing is one personnel+vehicle combination eligible to host a route.
type pairing struct {
	personnel model.Personnel
	vehicle   model.Vehicle
	start     model.Location
	locIdx    int
}

type solver struct {
	p        Problem
	pairings []pairing
	matrix   *geo.Matrix
	weights  Weights
	routes   [][]int // per pairing, ordered case indices
	deadline time.Time
	maxIter  int
	iter     int
}

// Solve produces routes, the unassigned report, and the run metrics record.
// A provider failure degrades to straight-line estimates instead of aborting;
// the metrics record carries the degraded flag.
func (e *Engine) Solve(ctx context.Context, p Problem, strategy string) (*model.OptimizationResult, error) {
	started := time.Now()
	if strategy == "" {
		strategy = model.StrategyMinDistance
	}
	p.Normalize()
	for _, c := range p.Cases {
		if _, ok := p.CareTypes[c.CareTypeID]; !ok {
			metrics.OptimizationRuns.WithLabelValues(strategy, "error").Inc()
			return nil, &model.OptimizationError{Msg: "case " + c.ID + " references unknown care type " + c.CareTypeID}
		}
	}

	s := &solver{
		p:        p,
		weights:  WeightsForStrategy(strategy),
		deadline: started.Add(e.opts.TimeBudget),
		maxIter:  e.opts.MaxIterations,
	}
	s.buildPairings()

	degraded := false
	locs := s.locations()
	if len(locs) > 0 {
		m, err := e.provider.GetMatrix(ctx, locs)
		if err != nil {
			var ese *model.ExternalServiceError
			if !errors.As(err, &ese) {
				metrics.OptimizationRuns.WithLabelValues(strategy, "error").Inc()
				return nil, err
			}
			degraded = true
			if m, err = e.fallback.GetMatrix(ctx, locs); err != nil {
				metrics.OptimizationRuns.WithLabelValues(strategy, "error").Inc()
				return nil, err
			}
		}
		s.matrix = m
	}

	unassigned := s.construct()
	s.localSearch()
	// improvement may have freed room for cases rejected earlier
	if len(unassigned) > 0 {
		unassigned = s.reinsert(unassigned)
		s.localSearch()
	}

	routes := s.buildRoutes()
	elapsed := time.Since(started)
	result := &model.OptimizationResult{
		Routes:     routes,
		Unassigned: unassigned,
		Metrics:    BuildRunMetrics(p.Date, strategy, len(p.Cases), routes, unassigned, elapsed, degraded),
	}
	metrics.OptimizationRuns.WithLabelValues(strategy, "ok").Inc()
	metrics.OptimizationDuration.WithLabelValues(strategy).Observe(elapsed.Seconds())
	return result, nil
}

// buildPairings assigns each active caregiver to the first available vehicle
// with free capacity, both in ID order. A vehicle hosts at most
// CapacityPersonnel routes on the plan date.
func (s *solver) buildPairings() {
	used := make(map[string]int, len(s.p.Vehicles))
	for _, per := range s.p.Personnel {
		if !per.IsActive {
			continue
		}
		for _, v := range s.p.Vehicles {
			if v.Status != model.VehicleAvailable || used[v.ID] >= v.CapacityPersonnel {
				continue
			}
			start := v.BaseLocation
			if per.StartLocation != nil {
				start = *per.StartLocation
			}
			used[v.ID]++
			s.pairings = append(s.pairings, pairing{personnel: per, vehicle: v, start: start, locIdx: len(s.pairings)})
			break
		}
	}
	s.routes = make([][]int, len(s.pairings))
}

// locations lays out the matrix index space: pairing starts first, then case
// locations in case order.
func (s *solver) locations() []model.Location {
	locs := make([]model.Location, 0, len(s.pairings)+len(s.p.Cases))
	for _, pr := range s.pairings {
		locs = append(locs, pr.start)
	}
	for _, c := range s.p.Cases {
		locs = append(locs, c.PatientLocation)
	}
	return locs
}

func (s *solver) caseLoc(ci int) int { return len(s.pairings) + ci }

func (s *solver) travel(from, to int) (int, int) {
	return s.matrix.DistancesM[from][to], s.matrix.DurationsSec[from][to]
}

type schedule struct {
	arrivals   []time.Time
	departures []time.Time
	distM      int
	driveSec   int
	idleSec    int
	lateSec    int
	feasible   bool
	reason     string
}

// scheduleRoute propagates arrival times along an order. Early arrivals wait
// for the window to open; fixed-window misses and work-hour overruns make the
// order infeasible, flexible-window misses accrue lateness.
func (s *solver) scheduleRoute(pi int, order []int) schedule {
	pr := s.pairings[pi]
	sc := schedule{
		feasible:   true,
		arrivals:   make([]time.Time, len(order)),
		departures: make([]time.Time, len(order)),
	}
	cur := pr.personnel.WorkStart
	loc := pr.locIdx
	for k, ci := range order {
		dm, ds := s.travel(loc, s.caseLoc(ci))
		sc.distM += dm
		sc.driveSec += ds
		arr := cur.Add(time.Duration(ds) * time.Second)
		c := s.p.Cases[ci]
		if c.Window.Type != model.WindowNone && arr.Before(c.Window.Start) {
			sc.idleSec += int(c.Window.Start.Sub(arr).Seconds())
			arr = c.Window.Start
		}
		if arr.After(c.Window.End) {
			switch c.Window.Type {
			case model.WindowFixed:
				sc.feasible = false
				sc.reason = ReasonTimeWindow
				return sc
			case model.WindowFlexible:
				sc.lateSec += int(arr.Sub(c.Window.End).Seconds())
			}
		}
		ct := s.p.CareTypes[c.CareTypeID]
		dep := arr.Add(time.Duration(ct.DurationMin) * time.Minute)
		if dep.After(pr.personnel.WorkEnd) {
			sc.feasible = false
			sc.reason = ReasonWorkingHours
			return sc
		}
		sc.arrivals[k] = arr
		sc.departures[k] = dep
		cur = dep
		loc = s.caseLoc(ci)
	}
	return sc
}

func (s *solver) routeCost(sc schedule) float64 {
	return s.weights.DistancePerKm*float64(sc.distM)/1000 +
		s.weights.DrivePerMin*float64(sc.driveSec)/60 +
		s.weights.LatenessPerMin*float64(sc.lateSec)/60
}

// caseOrder ranks cases for construction: priority descending, window
// tightness ascending, ID ascending.
func (s *solver) caseOrder() []int {
	order := make([]int, len(s.p.Cases))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ca, cb := s.p.Cases[order[a]], s.p.Cases[order[b]]
		if ca.Priority != cb.Priority {
			return ca.Priority > cb.Priority
		}
		ta, tb := windowTightness(ca.Window), windowTightness(cb.Window)
		if ta != tb {
			return ta < tb
		}
		return ca.ID < cb.ID
	})
	return order
}

type insertion struct {
	route int
	pos   int
	cost  float64
	dist  int
	idle  int
	found bool
}

// bestInsertion scans every position on every route for the cheapest feasible
// placement. Ties break by distance, then idle time, then scan order.
func (s *solver) bestInsertion(ci int) insertion {
	best := insertion{}
	for ri := range s.routes {
		if !s.staticFeasible(ci, ri) {
			continue
		}
		base := s.routeCost(s.scheduleRoute(ri, s.routes[ri]))
		for pos := 0; pos <= len(s.routes[ri]); pos++ {
			cand := insertAt(s.routes[ri], ci, pos)
			sc := s.scheduleRoute(ri, cand)
			if !sc.feasible {
				continue
			}
			delta := s.routeCost(sc) - base
			if !best.found ||
				delta < best.cost-improveEps ||
				(delta < best.cost+improveEps && (sc.distM < best.dist ||
					(sc.distM == best.dist && sc.idleSec < best.idle))) {
				best = insertion{route: ri, pos: pos, cost: delta, dist: sc.distM, idle: sc.idleSec, found: true}
			}
		}
	}
	return best
}

// staticFeasible checks the schedule-independent constraints for a case on a
// route's pairing.
func (s *solver) staticFeasible(ci, ri int) bool {
	pr := s.pairings[ri]
	ct := s.p.CareTypes[s.p.Cases[ci].CareTypeID]
	return len(missingSkills(ct.RequiredSkills, pr.personnel.Skills)) == 0
}

func insertAt(order []int, ci, pos int) []int {
	out := make([]int, 0, len(order)+1)
	out = append(out, order[:pos]...)
	out = append(out, ci)
	out = append(out, order[pos:]...)
	return out
}

func removeAt(order []int, pos int) []int {
	out := make([]int, 0, len(order)-1)
	out = append(out, order[:pos]...)
	out = append(out, order[pos+1:]...)
	return out
}

// construct runs the greedy insertion pass and reports unassignable cases.
// A feasible placement dearer than the unassigned penalty is declined: the
// penalty is what leaving the case off the plan costs.
func (s *solver) construct() []model.UnassignedCase {
	var unassigned []model.UnassignedCase
	for _, ci := range s.caseOrder() {
		ins := s.bestInsertion(ci)
		if !ins.found || ins.cost >= s.weights.UnassignedPerCase {
			unassigned = append(unassigned, model.UnassignedCase{
				CaseID:  s.p.Cases[ci].ID,
				Reasons: s.unassignedReasons(ci),
			})
			continue
		}
		s.routes[ins.route] = insertAt(s.routes[ins.route], ci, ins.pos)
	}
	sort.Slice(unassigned, func(i, j int) bool { return unassigned[i].CaseID < unassigned[j].CaseID })
	return unassigned
}

// unassignedReasons evaluates the case against every personnel+vehicle
// combination and reports the union of reasons across the fewest-violation
// candidates.
func (s *solver) unassignedReasons(ci int) []string {
	if len(s.p.Personnel) == 0 || len(s.p.Vehicles) == 0 {
		var reasons []string
		if len(s.p.Personnel) == 0 {
			reasons = append(reasons, ReasonNoPersonnel)
		}
		if len(s.p.Vehicles) == 0 {
			reasons = append(reasons, ReasonNoVehicle)
		}
		return unionReasons(reasons)
	}
	c := s.p.Cases[ci]
	ct := s.p.CareTypes[c.CareTypeID]
	vehicleLoad := map[string]int{}
	for _, pr := range s.pairings {
		vehicleLoad[pr.vehicle.ID]++
	}

	bestCount := -1
	var bestLists [][]string
	for _, per := range s.p.Personnel {
		for _, v := range s.p.Vehicles {
			start := v.BaseLocation
			if per.StartLocation != nil {
				start = *per.StartLocation
			}
			_, ds := geoEstimate(start, c.PatientLocation)
			arr := per.WorkStart.Add(time.Duration(ds) * time.Second)
			if c.Window.Type != model.WindowNone && arr.Before(c.Window.Start) {
				arr = c.Window.Start
			}
			_, reasons := CheckAssignment(Assignment{
				Case:          c,
				CareType:      ct,
				Personnel:     per,
				Vehicle:       v,
				Arrival:       arr,
				VehicleRoutes: vehicleLoad[v.ID],
			})
			if bestCount < 0 || len(reasons) < bestCount {
				bestCount = len(reasons)
				bestLists = bestLists[:0]
			}
			if len(reasons) == bestCount {
				bestLists = append(bestLists, reasons)
			}
		}
	}
	if bestCount <= 0 {
		// every static check passed somewhere; report what scheduling hit
		var scheduling []string
		for ri := range s.routes {
			if !s.staticFeasible(ci, ri) {
				continue
			}
			sc := s.scheduleRoute(ri, insertAt(s.routes[ri], ci, len(s.routes[ri])))
			if !sc.feasible && sc.reason != "" {
				scheduling = append(scheduling, sc.reason)
			}
		}
		if len(scheduling) == 0 {
			scheduling = []string{ReasonTimeWindow}
		}
		return unionReasons(scheduling)
	}
	return unionReasons(bestLists...)
}

// geoEstimate avoids matrix index bookkeeping for the reason report; the
// straight-line figure is close enough to explain infeasibility.
func geoEstimate(from, to model.Location) (int, int) {
	m := geo.HaversineMeters(from, to)
	return int(m), int(m / (40 * 1000.0 / 3600))
}

func (s *solver) budgetLeft() bool {
	s.iter++
	return s.iter < s.maxIter && time.Now().Before(s.deadline)
}

// localSearch repeats relocate, inter-route swap, and intra-route 2-opt to a
// fixed point. Only strictly improving moves are accepted, so the search is
// deterministic and terminates.
func (s *solver) localSearch() {
	for s.budgetLeft() {
		if !s.relocateOnce() && !s.swapOnce() && !s.twoOptOnce() {
			return
		}
	}
}

func (s *solver) relocateOnce() bool {
	type move struct {
		from, fpos, to, tpos int
		delta                float64
	}
	best := move{delta: -improveEps}
	found := false
	for from := range s.routes {
		baseFrom := s.routeCost(s.scheduleRoute(from, s.routes[from]))
		for fpos, ci := range s.routes[from] {
			removed := removeAt(s.routes[from], fpos)
			removedCost := s.routeCost(s.scheduleRoute(from, removed))
			for to := range s.routes {
				if !s.staticFeasible(ci, to) {
					continue
				}
				baseTo := removedCost
				target := removed
				if to != from {
					baseTo = s.routeCost(s.scheduleRoute(to, s.routes[to]))
					target = s.routes[to]
				}
				for tpos := 0; tpos <= len(target); tpos++ {
					if to == from && tpos == fpos {
						continue
					}
					sc := s.scheduleRoute(to, insertAt(target, ci, tpos))
					if !sc.feasible {
						continue
					}
					var delta float64
					if to == from {
						delta = s.routeCost(sc) - baseFrom
					} else {
						delta = (removedCost - baseFrom) + (s.routeCost(sc) - baseTo)
					}
					if delta < best.delta {
						best = move{from: from, fpos: fpos, to: to, tpos: tpos, delta: delta}
						found = true
					}
				}
			}
		}
	}
	if !found {
		return false
	}
	ci := s.routes[best.from][best.fpos]
	s.routes[best.from] = removeAt(s.routes[best.from], best.fpos)
	s.routes[best.to] = insertAt(s.routes[best.to], ci, best.tpos)
	return true
}

func (s *solver) swapOnce() bool {
	type move struct {
		a, apos, b, bpos int
		delta            float64
	}
	best := move{delta: -improveEps}
	found := false
	for a := range s.routes {
		costA := s.routeCost(s.scheduleRoute(a, s.routes[a]))
		for b := a + 1; b < len(s.routes); b++ {
			costB := s.routeCost(s.scheduleRoute(b, s.routes[b]))
			for apos, ca := range s.routes[a] {
				for bpos, cb := range s.routes[b] {
					if !s.staticFeasible(ca, b) || !s.staticFeasible(cb, a) {
						continue
					}
					ordA := append([]int(nil), s.routes[a]...)
					ordB := append([]int(nil), s.routes[b]...)
					ordA[apos], ordB[bpos] = cb, ca
					scA := s.scheduleRoute(a, ordA)
					if !scA.feasible {
						continue
					}
					scB := s.scheduleRoute(b, ordB)
					if !scB.feasible {
						continue
					}
					delta := (s.routeCost(scA) - costA) + (s.routeCost(scB) - costB)
					if delta < best.delta {
						best = move{a: a, apos: apos, b: b, bpos: bpos, delta: delta}
						found = true
					}
				}
			}
		}
	}
	if !found {
		return false
	}
	s.routes[best.a][best.apos], s.routes[best.b][best.bpos] = s.routes[best.b][best.bpos], s.routes[best.a][best.apos]
	return true
}

func (s *solver) twoOptOnce() bool {
	type move struct {
		route, i, k int
		delta       float64
	}
	best := move{delta: -improveEps}
	found := false
	for ri, order := range s.routes {
		if len(order) < 3 {
			continue
		}
		base := s.routeCost(s.scheduleRoute(ri, order))
		for i := 0; i < len(order)-1; i++ {
			for k := i + 1; k < len(order); k++ {
				sc := s.scheduleRoute(ri, reverseSegment(order, i, k))
				if !sc.feasible {
					continue
				}
				delta := s.routeCost(sc) - base
				if delta < best.delta {
					best = move{route: ri, i: i, k: k, delta: delta}
					found = true
				}
			}
		}
	}
	if !found {
		return false
	}
	s.routes[best.route] = reverseSegment(s.routes[best.route], best.i, best.k)
	return true
}

func reverseSegment(order []int, i, k int) []int {
	out := make([]int, len(order))
	copy(out, order[:i])
	pos := i
	for j := k; j >= i; j-- {
		out[pos] = order[j]
		pos++
	}
	copy(out[pos:], order[k+1:])
	return out
}

// reinsert retries unassigned cases after local search freed capacity.
func (s *solver) reinsert(unassigned []model.UnassignedCase) []model.UnassignedCase {
	byID := map[string]int{}
	for i, c := range s.p.Cases {
		byID[c.ID] = i
	}
	var still []model.UnassignedCase
	for _, u := range unassigned {
		ci := byID[u.CaseID]
		ins := s.bestInsertion(ci)
		if !ins.found || ins.cost >= s.weights.UnassignedPerCase {
			still = append(still, u)
			continue
		}
		s.routes[ins.route] = insertAt(s.routes[ins.route], ci, ins.pos)
	}
	return still
}

// buildRoutes materializes the solver state into persisted plan records.
func (s *solver) buildRoutes() []model.Route {
	var out []model.Route
	for ri, order := range s.routes {
		if len(order) == 0 {
			continue
		}
		pr := s.pairings[ri]
		sc := s.scheduleRoute(ri, order)
		route := model.Route{
			ID:             uuid.NewString(),
			PlanDate:       s.p.Date,
			PersonnelID:    pr.personnel.ID,
			VehicleID:      pr.vehicle.ID,
			Status:         model.RoutePlanned,
			TotalDistanceM: sc.distM,
			TotalDriveSec:  sc.driveSec,
		}
		for k, ci := range order {
			c := s.p.Cases[ci]
			route.Visits = append(route.Visits, model.Visit{
				ID:               uuid.NewString(),
				RouteID:          route.ID,
				CaseID:           c.ID,
				Seq:              k,
				Location:         c.PatientLocation,
				PlannedArrival:   sc.arrivals[k],
				PlannedDeparture: sc.departures[k],
				Status:           model.VisitPending,
			})
		}
		out = append(out, route)
	}
	return out
}
