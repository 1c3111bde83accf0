package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"careroute/internal/model"
)

// Postgres backs the Store interface with the pgx stdlib driver.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

// MigrateDir applies every .sql file in dir in lexical order. Statements are
// expected to be idempotent (CREATE TABLE IF NOT EXISTS and friends).
func (p *Postgres) MigrateDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	for _, name := range files {
		sqlBytes, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if _, err := p.db.Exec(string(sqlBytes)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) CreateCases(ctx context.Context, cases []model.Case) ([]model.Case, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	out := make([]model.Case, 0, len(cases))
	for _, c := range cases {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		if c.Status == "" {
			c.Status = model.CasePending
		}
		var wStart, wEnd any
		if c.Window.Type != model.WindowNone {
			wStart, wEnd = c.Window.Start, c.Window.End
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO cases (id, lat, lng, care_type_id, priority, window_type, window_start, window_end, status)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			c.ID, c.PatientLocation.Lat, c.PatientLocation.Lng, c.CareTypeID, c.Priority,
			string(c.Window.Type), wStart, wEnd, string(c.Status))
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Postgres) ListCases(ctx context.Context, status string) ([]model.Case, error) {
	q := `SELECT id::text, lat, lng, care_type_id::text, priority, window_type, window_start, window_end, status FROM cases`
	args := []any{}
	if status != "" {
		q += ` WHERE status=$1`
		args = append(args, status)
	}
	q += ` ORDER BY id`
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Case{}
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface{ Scan(dest ...any) error }

func scanCase(r rowScanner) (model.Case, error) {
	var c model.Case
	var wType, status string
	var wStart, wEnd sql.NullTime
	if err := r.Scan(&c.ID, &c.PatientLocation.Lat, &c.PatientLocation.Lng, &c.CareTypeID, &c.Priority, &wType, &wStart, &wEnd, &status); err != nil {
		return c, err
	}
	c.Window.Type = model.TimeWindowType(wType)
	if wStart.Valid {
		c.Window.Start = wStart.Time
	}
	if wEnd.Valid {
		c.Window.End = wEnd.Time
	}
	c.Status = model.CaseStatus(status)
	return c, nil
}

func (p *Postgres) UpdateCaseStatus(ctx context.Context, caseID string, status model.CaseStatus) error {
	res, err := p.db.ExecContext(ctx, `UPDATE cases SET status=$2 WHERE id=$1`, caseID, string(status))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) UpsertPersonnel(ctx context.Context, per model.Personnel) (model.Personnel, error) {
	if per.ID == "" {
		per.ID = uuid.NewString()
	}
	var sLat, sLng any
	if per.StartLocation != nil {
		sLat, sLng = per.StartLocation.Lat, per.StartLocation.Lng
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO personnel (id, name, skills, start_lat, start_lng, work_start, work_end, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, skills=EXCLUDED.skills, start_lat=EXCLUDED.start_lat,
			start_lng=EXCLUDED.start_lng, work_start=EXCLUDED.work_start, work_end=EXCLUDED.work_end, is_active=EXCLUDED.is_active`,
		per.ID, per.Name, jsonVal(per.Skills), sLat, sLng, per.WorkStart, per.WorkEnd, per.IsActive)
	return per, err
}

func (p *Postgres) ListPersonnel(ctx context.Context) ([]model.Personnel, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, name, skills, start_lat, start_lng, work_start, work_end, is_active FROM personnel ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Personnel{}
	for rows.Next() {
		var per model.Personnel
		var skills []byte
		var sLat, sLng sql.NullFloat64
		if err := rows.Scan(&per.ID, &per.Name, &skills, &sLat, &sLng, &per.WorkStart, &per.WorkEnd, &per.IsActive); err != nil {
			return nil, err
		}
		fromJSON(skills, &per.Skills)
		if sLat.Valid && sLng.Valid {
			per.StartLocation = &model.Location{Lat: sLat.Float64, Lng: sLng.Float64}
		}
		out = append(out, per)
	}
	return out, rows.Err()
}

func (p *Postgres) UpsertVehicle(ctx context.Context, v model.Vehicle) (model.Vehicle, error) {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.Status == "" {
		v.Status = model.VehicleAvailable
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO vehicles (id, name, capacity_personnel, base_lat, base_lng, status, resources)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, capacity_personnel=EXCLUDED.capacity_personnel,
			base_lat=EXCLUDED.base_lat, base_lng=EXCLUDED.base_lng, status=EXCLUDED.status, resources=EXCLUDED.resources`,
		v.ID, v.Name, v.CapacityPersonnel, v.BaseLocation.Lat, v.BaseLocation.Lng, string(v.Status), jsonVal(v.Resources))
	return v, err
}

func (p *Postgres) ListVehicles(ctx context.Context) ([]model.Vehicle, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, name, capacity_personnel, base_lat, base_lng, status, resources FROM vehicles ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Vehicle{}
	for rows.Next() {
		var v model.Vehicle
		var status string
		var resources []byte
		if err := rows.Scan(&v.ID, &v.Name, &v.CapacityPersonnel, &v.BaseLocation.Lat, &v.BaseLocation.Lng, &status, &resources); err != nil {
			return nil, err
		}
		v.Status = model.VehicleStatus(status)
		fromJSON(resources, &v.Resources)
		out = append(out, v)
	}
	return out, rows.Err()
}

func (p *Postgres) UpsertCareType(ctx context.Context, ct model.CareType) (model.CareType, error) {
	if ct.ID == "" {
		ct.ID = uuid.NewString()
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO care_types (id, name, required_skills, duration_min)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, required_skills=EXCLUDED.required_skills, duration_min=EXCLUDED.duration_min`,
		ct.ID, ct.Name, jsonVal(ct.RequiredSkills), ct.DurationMin)
	return ct, err
}

func (p *Postgres) ListCareTypes(ctx context.Context) ([]model.CareType, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, name, required_skills, duration_min FROM care_types ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.CareType{}
	for rows.Next() {
		var ct model.CareType
		var skills []byte
		if err := rows.Scan(&ct.ID, &ct.Name, &skills, &ct.DurationMin); err != nil {
			return nil, err
		}
		fromJSON(skills, &ct.RequiredSkills)
		out = append(out, ct)
	}
	return out, rows.Err()
}

func (p *Postgres) Snapshot(ctx context.Context, caseIDs, personnelIDs, vehicleIDs []string) (Snapshot, error) {
	snap := Snapshot{CareTypes: map[string]model.CareType{}}

	cases, err := p.ListCases(ctx, "")
	if err != nil {
		return snap, err
	}
	snap.Cases, err = filterByIDs(cases, caseIDs, func(c model.Case) string { return c.ID }, func(c model.Case) bool {
		return c.Status == model.CasePending || c.Status == model.CaseUnassigned
	})
	if err != nil {
		return snap, err
	}

	personnel, err := p.ListPersonnel(ctx)
	if err != nil {
		return snap, err
	}
	snap.Personnel, err = filterByIDs(personnel, personnelIDs, func(per model.Personnel) string { return per.ID }, nil)
	if err != nil {
		return snap, err
	}

	vehicles, err := p.ListVehicles(ctx)
	if err != nil {
		return snap, err
	}
	snap.Vehicles, err = filterByIDs(vehicles, vehicleIDs, func(v model.Vehicle) string { return v.ID }, nil)
	if err != nil {
		return snap, err
	}

	careTypes, err := p.ListCareTypes(ctx)
	if err != nil {
		return snap, err
	}
	for _, ct := range careTypes {
		snap.CareTypes[ct.ID] = ct
	}
	return snap, nil
}

// filterByIDs keeps rows matching ids, or applies def to the full set when
// ids is empty. A requested id with no row is ErrNotFound.
func filterByIDs[T any](rows []T, ids []string, key func(T) string, def func(T) bool) ([]T, error) {
	if len(ids) == 0 {
		if def == nil {
			return rows, nil
		}
		out := make([]T, 0, len(rows))
		for _, r := range rows {
			if def(r) {
				out = append(out, r)
			}
		}
		return out, nil
	}
	byID := make(map[string]T, len(rows))
	for _, r := range rows {
		byID[key(r)] = r
	}
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		r, ok := byID[id]
		if !ok {
			return nil, ErrNotFound
		}
		out = append(out, r)
	}
	return out, nil
}

func (p *Postgres) SaveRoutes(ctx context.Context, routes []model.Route, unassigned []model.UnassignedCase) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range routes {
		_, err = tx.ExecContext(ctx, `INSERT INTO routes (id, plan_date, personnel_id, vehicle_id, status, total_distance_m, total_drive_sec)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			r.ID, r.PlanDate, r.PersonnelID, r.VehicleID, string(r.Status), r.TotalDistanceM, r.TotalDriveSec)
		if err != nil {
			return err
		}
		for _, v := range r.Visits {
			_, err = tx.ExecContext(ctx, `INSERT INTO visits (id, route_id, case_id, seq, lat, lng, planned_arrival, planned_departure, status)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
				v.ID, v.RouteID, v.CaseID, v.Seq, v.Location.Lat, v.Location.Lng, v.PlannedArrival, v.PlannedDeparture, string(v.Status))
			if err != nil {
				return err
			}
			if _, err = tx.ExecContext(ctx, `UPDATE cases SET status=$2 WHERE id=$1`, v.CaseID, string(model.CaseAssigned)); err != nil {
				return err
			}
		}
	}
	for _, u := range unassigned {
		if _, err = tx.ExecContext(ctx, `UPDATE cases SET status=$2 WHERE id=$1`, u.CaseID, string(model.CaseUnassigned)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *Postgres) GetRoute(ctx context.Context, routeID string) (*model.Route, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id::text, plan_date, personnel_id::text, vehicle_id::text, status, total_distance_m, total_drive_sec FROM routes WHERE id=$1`, routeID)
	r, err := scanRoute(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := p.loadVisits(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (p *Postgres) ListRoutes(ctx context.Context, planDate string) ([]model.Route, error) {
	q := `SELECT id::text, plan_date, personnel_id::text, vehicle_id::text, status, total_distance_m, total_drive_sec FROM routes`
	args := []any{}
	if planDate != "" {
		q += ` WHERE plan_date=$1`
		args = append(args, planDate)
	}
	q += ` ORDER BY id`
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Route{}
	for rows.Next() {
		r, err := scanRoute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if err := p.loadVisits(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (p *Postgres) ActiveRouteForVehicle(ctx context.Context, vehicleID string) (*model.Route, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id::text, plan_date, personnel_id::text, vehicle_id::text, status, total_distance_m, total_drive_sec
		FROM routes WHERE vehicle_id=$1 AND status IN ('planned','in_progress') ORDER BY plan_date, id LIMIT 1`, vehicleID)
	r, err := scanRoute(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := p.loadVisits(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func scanRoute(r rowScanner) (*model.Route, error) {
	var route model.Route
	var status string
	if err := r.Scan(&route.ID, &route.PlanDate, &route.PersonnelID, &route.VehicleID, &status, &route.TotalDistanceM, &route.TotalDriveSec); err != nil {
		return nil, err
	}
	route.Status = model.RouteStatus(status)
	return &route, nil
}

func (p *Postgres) loadVisits(ctx context.Context, r *model.Route) error {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, case_id::text, seq, lat, lng, planned_arrival, planned_departure, eta, actual_arrival, status
		FROM visits WHERE route_id=$1 ORDER BY seq`, r.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var v model.Visit
		var status string
		var eta, actual sql.NullTime
		if err := rows.Scan(&v.ID, &v.CaseID, &v.Seq, &v.Location.Lat, &v.Location.Lng, &v.PlannedArrival, &v.PlannedDeparture, &eta, &actual, &status); err != nil {
			return err
		}
		v.RouteID = r.ID
		if eta.Valid {
			t := eta.Time
			v.ETA = &t
		}
		if actual.Valid {
			t := actual.Time
			v.ActualArrival = &t
		}
		v.Status = model.VisitStatus(status)
		r.Visits = append(r.Visits, v)
	}
	return rows.Err()
}

func (p *Postgres) GetVisit(ctx context.Context, visitID string) (*model.Visit, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id::text, route_id::text, case_id::text, seq, lat, lng, planned_arrival, planned_departure, eta, actual_arrival, status
		FROM visits WHERE id=$1`, visitID)
	var v model.Visit
	var status string
	var eta, actual sql.NullTime
	if err := row.Scan(&v.ID, &v.RouteID, &v.CaseID, &v.Seq, &v.Location.Lat, &v.Location.Lng, &v.PlannedArrival, &v.PlannedDeparture, &eta, &actual, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if eta.Valid {
		t := eta.Time
		v.ETA = &t
	}
	if actual.Valid {
		t := actual.Time
		v.ActualArrival = &t
	}
	v.Status = model.VisitStatus(status)
	return &v, nil
}

func (p *Postgres) UpdateVisit(ctx context.Context, v *model.Visit) error {
	var eta, actual any
	if v.ETA != nil {
		eta = *v.ETA
	}
	if v.ActualArrival != nil {
		actual = *v.ActualArrival
	}
	res, err := p.db.ExecContext(ctx, `UPDATE visits SET status=$2, eta=$3, actual_arrival=$4 WHERE id=$1`,
		v.ID, string(v.Status), eta, actual)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if v.Status == model.VisitCompleted {
		_, err = p.db.ExecContext(ctx, `UPDATE cases SET status=$2 WHERE id=$1`, v.CaseID, string(model.CaseCompleted))
	}
	return err
}

func (p *Postgres) SetVisitETA(ctx context.Context, visitID string, eta time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE visits SET eta=$2 WHERE id=$1`, visitID, eta)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) PatchRouteStatus(ctx context.Context, routeID string, status model.RouteStatus) error {
	res, err := p.db.ExecContext(ctx, `UPDATE routes SET status=$2 WHERE id=$1`, routeID, string(status))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) GetDistanceMatrix(ctx context.Context, key string) (*model.DistanceCacheEntry, bool, error) {
	row := p.db.QueryRowContext(ctx, `SELECT cache_key, distances_m, durations_sec, provider, expires_at, created_at, updated_at
		FROM distance_cache WHERE cache_key=$1`, key)
	var e model.DistanceCacheEntry
	var dist, dur []byte
	if err := row.Scan(&e.CacheKey, &dist, &dur, &e.Provider, &e.ExpiresAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	fromJSON(dist, &e.DistancesM)
	fromJSON(dur, &e.DurationsSec)
	return &e, true, nil
}

func (p *Postgres) PutDistanceMatrix(ctx context.Context, entry *model.DistanceCacheEntry) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO distance_cache (cache_key, distances_m, durations_sec, provider, expires_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (cache_key) DO UPDATE SET distances_m=EXCLUDED.distances_m, durations_sec=EXCLUDED.durations_sec,
			provider=EXCLUDED.provider, expires_at=EXCLUDED.expires_at, updated_at=EXCLUDED.updated_at`,
		entry.CacheKey, jsonVal(entry.DistancesM), jsonVal(entry.DurationsSec), entry.Provider,
		entry.ExpiresAt, entry.CreatedAt, entry.UpdatedAt)
	return err
}

func (p *Postgres) SaveRunMetrics(ctx context.Context, m model.RunMetrics) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO optimization_metrics
		(id, optimization_date, strategy_used, total_requested, total_assigned, total_unassigned,
		 assignment_rate_pct, optimization_time_sec, total_distance_km, total_time_min, skill_gaps, degraded, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		m.ID, m.OptimizationDate, m.StrategyUsed, m.TotalRequested, m.TotalAssigned, m.TotalUnassigned,
		m.AssignmentRatePct, m.OptimizationTimeSec, m.TotalDistanceKm, m.TotalTimeMin, jsonVal(m.SkillGaps), m.Degraded, m.CreatedAt)
	return err
}

func (p *Postgres) ListRunMetrics(ctx context.Context, date string) ([]model.RunMetrics, error) {
	q := `SELECT id::text, optimization_date, strategy_used, total_requested, total_assigned, total_unassigned,
		assignment_rate_pct, optimization_time_sec, total_distance_km, total_time_min, skill_gaps, degraded, created_at
		FROM optimization_metrics`
	args := []any{}
	if date != "" {
		q += ` WHERE optimization_date=$1`
		args = append(args, date)
	}
	q += ` ORDER BY created_at`
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.RunMetrics{}
	for rows.Next() {
		var m model.RunMetrics
		var gaps []byte
		if err := rows.Scan(&m.ID, &m.OptimizationDate, &m.StrategyUsed, &m.TotalRequested, &m.TotalAssigned, &m.TotalUnassigned,
			&m.AssignmentRatePct, &m.OptimizationTimeSec, &m.TotalDistanceKm, &m.TotalTimeMin, &gaps, &m.Degraded, &m.CreatedAt); err != nil {
			return nil, err
		}
		fromJSON(gaps, &m.SkillGaps)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateSubscription(ctx context.Context, s model.Subscription) (model.Subscription, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO subscriptions (id, url, events, secret) VALUES ($1,$2,$3,$4)`,
		s.ID, s.URL, jsonVal(s.Events), s.Secret)
	return s, err
}

func (p *Postgres) ListSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, url, events, secret FROM subscriptions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Subscription{}
	for rows.Next() {
		var s model.Subscription
		var events []byte
		if err := rows.Scan(&s.ID, &s.URL, &events, &s.Secret); err != nil {
			return nil, err
		}
		fromJSON(events, &s.Events)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) SubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error) {
	subs, err := p.ListSubscriptions(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.Subscription
	for _, s := range subs {
		for _, e := range s.Events {
			if e == eventType {
				out = append(out, s)
				break
			}
		}
	}
	return out, nil
}

func (p *Postgres) DeleteSubscription(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) EnqueueDelivery(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.NewString()
	_, err := p.db.ExecContext(ctx, `INSERT INTO deliveries (id, subscription_id, event_type, url, secret, payload, status, attempts, next_attempt_at)
		VALUES ($1,$2,$3,$4,$5,$6,'pending',0,now())`,
		id, subscriptionID, eventType, url, secret, payload)
	return id, err
}

func (p *Postgres) FetchDueDeliveries(ctx context.Context, limit int) ([]Delivery, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, subscription_id::text, event_type, url, secret, payload, status, attempts
		FROM deliveries WHERE status='pending' AND next_attempt_at <= now() ORDER BY next_attempt_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Delivery{}
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode, latencyMs int) error {
	if success {
		_, err := p.db.ExecContext(ctx, `UPDATE deliveries SET status='delivered', attempts=attempts+1, last_error=$2,
			response_code=$3, latency_ms=$4, delivered_at=now() WHERE id=$1`, id, lastError, responseCode, latencyMs)
		return err
	}
	var next any
	if nextAttemptAt != nil {
		next = *nextAttemptAt
	}
	_, err := p.db.ExecContext(ctx, `UPDATE deliveries SET attempts=attempts+1, last_error=$2, response_code=$3,
		latency_ms=$4, next_attempt_at=COALESCE($5, next_attempt_at) WHERE id=$1`, id, lastError, responseCode, latencyMs, next)
	return err
}

func (p *Postgres) FailDelivery(ctx context.Context, id string, lastError string, responseCode, latencyMs int) error {
	_, err := p.db.ExecContext(ctx, `UPDATE deliveries SET status='dead', attempts=attempts+1, last_error=$2,
		response_code=$3, latency_ms=$4 WHERE id=$1`, id, lastError, responseCode, latencyMs)
	return err
}

func jsonVal(v any) any {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return nil
	}
	return b
}

func fromJSON[T any](b []byte, dst *T) {
	if len(b) > 0 {
		_ = json.Unmarshal(b, dst)
	}
}
