package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"careroute/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu         sync.Mutex
	cases      map[string]model.Case
	caseOrder  []string
	personnel  map[string]model.Personnel
	vehicles   map[string]model.Vehicle
	careTypes  map[string]model.CareType
	routes     map[string]*model.Route
	routeOrder []string
	matrices   map[string]*model.DistanceCacheEntry
	runMetrics []model.RunMetrics
	subs       []model.Subscription
	deliveries map[string]*memDelivery
	dueOrder   []string
}

func NewMemory() *Memory {
	return &Memory{
		cases:      map[string]model.Case{},
		personnel:  map[string]model.Personnel{},
		vehicles:   map[string]model.Vehicle{},
		careTypes:  map[string]model.CareType{},
		routes:     map[string]*model.Route{},
		matrices:   map[string]*model.DistanceCacheEntry{},
		deliveries: map[string]*memDelivery{},
	}
}

type memDelivery struct {
	Delivery
	NextAttemptAt time.Time
	LastError     string
	ResponseCode  int
	LatencyMs     int
	DeliveredAt   *time.Time
}

func (m *Memory) CreateCases(ctx context.Context, cases []model.Case) ([]model.Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Case, 0, len(cases))
	for _, c := range cases {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		if c.Status == "" {
			c.Status = model.CasePending
		}
		m.cases[c.ID] = c
		m.caseOrder = append(m.caseOrder, c.ID)
		out = append(out, c)
	}
	return out, nil
}

func (m *Memory) ListCases(ctx context.Context, status string) ([]model.Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Case{}
	for _, id := range m.caseOrder {
		c := m.cases[id]
		if status == "" || string(c.Status) == status {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Memory) UpdateCaseStatus(ctx context.Context, caseID string, status model.CaseStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cases[caseID]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	m.cases[caseID] = c
	return nil
}

func (m *Memory) UpsertPersonnel(ctx context.Context, p model.Personnel) (model.Personnel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	m.personnel[p.ID] = p
	return p, nil
}

func (m *Memory) ListPersonnel(ctx context.Context) ([]model.Personnel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Personnel, 0, len(m.personnel))
	for _, p := range m.personnel {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpsertVehicle(ctx context.Context, v model.Vehicle) (model.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.Status == "" {
		v.Status = model.VehicleAvailable
	}
	m.vehicles[v.ID] = v
	return v, nil
}

func (m *Memory) ListVehicles(ctx context.Context) ([]model.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Vehicle, 0, len(m.vehicles))
	for _, v := range m.vehicles {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpsertCareType(ctx context.Context, ct model.CareType) (model.CareType, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ct.ID == "" {
		ct.ID = uuid.NewString()
	}
	m.careTypes[ct.ID] = ct
	return ct, nil
}

func (m *Memory) ListCareTypes(ctx context.Context) ([]model.CareType, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.CareType, 0, len(m.careTypes))
	for _, ct := range m.careTypes {
		out = append(out, ct)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Snapshot copies the selected rows so a running optimization never observes
// later mutations. Empty ID slices select all pending cases and all rows.
func (m *Memory) Snapshot(ctx context.Context, caseIDs, personnelIDs, vehicleIDs []string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{CareTypes: map[string]model.CareType{}}

	if len(caseIDs) == 0 {
		for _, id := range m.caseOrder {
			if c := m.cases[id]; c.Status == model.CasePending || c.Status == model.CaseUnassigned {
				snap.Cases = append(snap.Cases, c)
			}
		}
	} else {
		for _, id := range caseIDs {
			c, ok := m.cases[id]
			if !ok {
				return Snapshot{}, ErrNotFound
			}
			snap.Cases = append(snap.Cases, c)
		}
	}

	if len(personnelIDs) == 0 {
		for _, p := range m.personnel {
			snap.Personnel = append(snap.Personnel, p)
		}
	} else {
		for _, id := range personnelIDs {
			p, ok := m.personnel[id]
			if !ok {
				return Snapshot{}, ErrNotFound
			}
			snap.Personnel = append(snap.Personnel, p)
		}
	}

	if len(vehicleIDs) == 0 {
		for _, v := range m.vehicles {
			snap.Vehicles = append(snap.Vehicles, v)
		}
	} else {
		for _, id := range vehicleIDs {
			v, ok := m.vehicles[id]
			if !ok {
				return Snapshot{}, ErrNotFound
			}
			snap.Vehicles = append(snap.Vehicles, v)
		}
	}

	for id, ct := range m.careTypes {
		snap.CareTypes[id] = ct
	}
	return snap, nil
}

func (m *Memory) SaveRoutes(ctx context.Context, routes []model.Route, unassigned []model.UnassignedCase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range routes {
		r := routes[i]
		m.routes[r.ID] = &r
		m.routeOrder = append(m.routeOrder, r.ID)
		for _, v := range r.Visits {
			if c, ok := m.cases[v.CaseID]; ok {
				c.Status = model.CaseAssigned
				m.cases[v.CaseID] = c
			}
		}
	}
	for _, u := range unassigned {
		if c, ok := m.cases[u.CaseID]; ok {
			c.Status = model.CaseUnassigned
			m.cases[u.CaseID] = c
		}
	}
	return nil
}

func (m *Memory) GetRoute(ctx context.Context, routeID string) (*model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[routeID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	cp.Visits = append([]model.Visit(nil), r.Visits...)
	return &cp, nil
}

func (m *Memory) ListRoutes(ctx context.Context, planDate string) ([]model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Route{}
	for _, id := range m.routeOrder {
		r := m.routes[id]
		if planDate == "" || r.PlanDate == planDate {
			cp := *r
			cp.Visits = append([]model.Visit(nil), r.Visits...)
			out = append(out, cp)
		}
	}
	return out, nil
}

func (m *Memory) ActiveRouteForVehicle(ctx context.Context, vehicleID string) (*model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.routeOrder {
		r := m.routes[id]
		if r.VehicleID == vehicleID && (r.Status == model.RoutePlanned || r.Status == model.RouteInProgress) {
			cp := *r
			cp.Visits = append([]model.Visit(nil), r.Visits...)
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) GetVisit(ctx context.Context, visitID string) (*model.Visit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, _, ok := m.findVisit(visitID)
	if !ok {
		return nil, ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (m *Memory) UpdateVisit(ctx context.Context, v *model.Visit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, _, ok := m.findVisit(v.ID)
	if !ok {
		return ErrNotFound
	}
	*cur = *v
	if c, ok := m.cases[v.CaseID]; ok && v.Status == model.VisitCompleted {
		c.Status = model.CaseCompleted
		m.cases[v.CaseID] = c
	}
	return nil
}

func (m *Memory) SetVisitETA(ctx context.Context, visitID string, eta time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, _, ok := m.findVisit(visitID)
	if !ok {
		return ErrNotFound
	}
	t := eta
	v.ETA = &t
	return nil
}

func (m *Memory) PatchRouteStatus(ctx context.Context, routeID string, status model.RouteStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[routeID]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	return nil
}

func (m *Memory) findVisit(visitID string) (*model.Visit, *model.Route, bool) {
	for _, r := range m.routes {
		for i := range r.Visits {
			if r.Visits[i].ID == visitID {
				return &r.Visits[i], r, true
			}
		}
	}
	return nil, nil, false
}

func (m *Memory) GetDistanceMatrix(ctx context.Context, key string) (*model.DistanceCacheEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.matrices[key]
	if !ok {
		return nil, false, nil
	}
	cp := *e
	return &cp, true, nil
}

func (m *Memory) PutDistanceMatrix(ctx context.Context, entry *model.DistanceCacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	if old, ok := m.matrices[entry.CacheKey]; ok {
		cp.CreatedAt = old.CreatedAt
	}
	m.matrices[entry.CacheKey] = &cp
	return nil
}

func (m *Memory) SaveRunMetrics(ctx context.Context, rm model.RunMetrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runMetrics = append(m.runMetrics, rm)
	return nil
}

func (m *Memory) ListRunMetrics(ctx context.Context, date string) ([]model.RunMetrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.RunMetrics{}
	for _, rm := range m.runMetrics {
		if date == "" || rm.OptimizationDate == date {
			out = append(out, rm)
		}
	}
	return out, nil
}

func (m *Memory) CreateSubscription(ctx context.Context, s model.Subscription) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	m.subs = append(m.subs, s)
	return s, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Subscription(nil), m.subs...), nil
}

func (m *Memory) SubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Subscription
	for _, s := range m.subs {
		for _, e := range s.Events {
			if e == eventType {
				out = append(out, s)
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Subscription, 0, len(m.subs))
	found := false
	for _, s := range m.subs {
		if s.ID == id {
			found = true
			continue
		}
		out = append(out, s)
	}
	if !found {
		return ErrNotFound
	}
	m.subs = out
	return nil
}

func (m *Memory) EnqueueDelivery(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.deliveries[id] = &memDelivery{Delivery: Delivery{
		ID: id, SubscriptionID: subscriptionID, EventType: eventType,
		URL: url, Secret: secret, Payload: payload, Status: "pending",
	}}
	m.dueOrder = append(m.dueOrder, id)
	return id, nil
}

func (m *Memory) FetchDueDeliveries(ctx context.Context, limit int) ([]Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	now := time.Now()
	out := []Delivery{}
	for _, id := range m.dueOrder {
		d := m.deliveries[id]
		if d == nil || d.Status != "pending" || d.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, d.Delivery)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) MarkDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	d.Attempts++
	d.LastError = lastError
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	if success {
		d.Status = "delivered"
		now := time.Now()
		d.DeliveredAt = &now
	} else if nextAttemptAt != nil {
		d.NextAttemptAt = *nextAttemptAt
	}
	return nil
}

func (m *Memory) FailDelivery(ctx context.Context, id string, lastError string, responseCode, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	d.Attempts++
	d.Status = "dead"
	d.LastError = lastError
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	return nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }
