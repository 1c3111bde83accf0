package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"careroute/internal/buildinfo"
	"careroute/internal/model"
	"careroute/internal/opt"
	"careroute/internal/store"
	"careroute/internal/track"
)

// mapError translates domain errors to problem responses.
func (s *Server) mapError(w http.ResponseWriter, err error, path string) {
	var ve *model.ValidationError
	var ce *model.ConflictError
	switch {
	case errors.As(err, &ve):
		writeProblem(w, http.StatusBadRequest, "Validation failed", ve.Error(), path)
	case errors.As(err, &ce):
		writeProblem(w, http.StatusConflict, "Conflict", ce.Error(), path)
	case errors.Is(err, store.ErrNotFound):
		writeProblem(w, http.StatusNotFound, "Not Found", err.Error(), path)
	default:
		writeProblem(w, http.StatusInternalServerError, "Internal error", err.Error(), path)
	}
}

// CasesHandler handles POST/GET /v1/cases.
func (s *Server) CasesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req struct {
			Cases []model.Case `json:"cases"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if len(req.Cases) == 0 {
			writeProblem(w, http.StatusBadRequest, "Empty case list", "", r.URL.Path)
			return
		}
		for i := range req.Cases {
			if err := validateCase(&req.Cases[i]); err != nil {
				writeProblem(w, http.StatusBadRequest, "Invalid case", fmt.Sprintf("cases[%d]: %v", i, err), r.URL.Path)
				return
			}
		}
		created, err := s.Store.CreateCases(r.Context(), req.Cases)
		if err != nil {
			s.mapError(w, err, r.URL.Path)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"items": created})
	case http.MethodGet:
		status := r.URL.Query().Get("status")
		if status != "" {
			if _, err := model.ParseCaseStatus(status); err != nil {
				writeProblem(w, http.StatusBadRequest, "Invalid status", err.Error(), r.URL.Path)
				return
			}
		}
		items, err := s.Store.ListCases(r.Context(), status)
		if err != nil {
			s.mapError(w, err, r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// PersonnelHandler handles POST/GET /v1/personnel.
func (s *Server) PersonnelHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var p model.Personnel
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if p.StartLocation != nil {
			if err := p.StartLocation.Validate(); err != nil {
				writeProblem(w, http.StatusBadRequest, "Invalid location", err.Error(), r.URL.Path)
				return
			}
		}
		if !p.WorkEnd.After(p.WorkStart) {
			writeProblem(w, http.StatusBadRequest, "Invalid working hours", "workEnd must be after workStart", r.URL.Path)
			return
		}
		saved, err := s.Store.UpsertPersonnel(r.Context(), p)
		if err != nil {
			s.mapError(w, err, r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, saved)
	case http.MethodGet:
		items, err := s.Store.ListPersonnel(r.Context())
		if err != nil {
			s.mapError(w, err, r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// VehiclesHandler handles POST/GET /v1/vehicles.
func (s *Server) VehiclesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var v model.Vehicle
		if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if err := v.BaseLocation.Validate(); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid location", err.Error(), r.URL.Path)
			return
		}
		if v.Status != "" {
			if _, err := model.ParseVehicleStatus(string(v.Status)); err != nil {
				writeProblem(w, http.StatusBadRequest, "Invalid status", err.Error(), r.URL.Path)
				return
			}
		} else {
			v.Status = model.VehicleAvailable
		}
		if v.CapacityPersonnel <= 0 {
			v.CapacityPersonnel = 1
		}
		saved, err := s.Store.UpsertVehicle(r.Context(), v)
		if err != nil {
			s.mapError(w, err, r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, saved)
	case http.MethodGet:
		items, err := s.Store.ListVehicles(r.Context())
		if err != nil {
			s.mapError(w, err, r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// CareTypesHandler handles POST/GET /v1/care-types.
func (s *Server) CareTypesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var ct model.CareType
		if err := json.NewDecoder(r.Body).Decode(&ct); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if ct.DurationMin <= 0 {
			writeProblem(w, http.StatusBadRequest, "Invalid duration", "durationMin must be positive", r.URL.Path)
			return
		}
		saved, err := s.Store.UpsertCareType(r.Context(), ct)
		if err != nil {
			s.mapError(w, err, r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, saved)
	case http.MethodGet:
		items, err := s.Store.ListCareTypes(r.Context())
		if err != nil {
			s.mapError(w, err, r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// OptimizeHandler handles POST /v1/optimize: snapshot, solve, persist, notify.
func (s *Server) OptimizeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req model.OptimizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if err := validateOptimizeRequest(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid optimize request", err.Error(), r.URL.Path)
		return
	}
	snap, err := s.Store.Snapshot(r.Context(), req.CaseIDs, req.PersonnelIDs, req.VehicleIDs)
	if err != nil {
		s.mapError(w, err, r.URL.Path)
		return
	}
	problem := opt.Problem{
		Date:      req.Date,
		Cases:     snap.Cases,
		CareTypes: snap.CareTypes,
		Personnel: snap.Personnel,
		Vehicles:  snap.Vehicles,
	}
	result, err := s.engineFor(req.TimeBudgetMs, req.MaxIterations).Solve(r.Context(), problem, req.Strategy)
	if err != nil {
		var oe *model.OptimizationError
		if errors.As(err, &oe) {
			writeProblem(w, http.StatusUnprocessableEntity, "Optimization failed", oe.Error(), r.URL.Path)
			return
		}
		writeProblem(w, http.StatusBadGateway, "Optimization failed", err.Error(), r.URL.Path)
		return
	}
	if err := s.Store.SaveRoutes(r.Context(), result.Routes, result.Unassigned); err != nil {
		s.mapError(w, err, r.URL.Path)
		return
	}
	if err := s.Store.SaveRunMetrics(r.Context(), result.Metrics); err != nil {
		s.mapError(w, err, r.URL.Path)
		return
	}
	for _, rt := range result.Routes {
		data := map[string]any{
			"routeId":     rt.ID,
			"planDate":    rt.PlanDate,
			"personnelId": rt.PersonnelID,
			"vehicleId":   rt.VehicleID,
			"visitCount":  len(rt.Visits),
		}
		s.Pub.Emit(r.Context(), model.EventRouteAssigned, data)
		s.Broker.Publish(rt.ID, SSEEvent{Type: model.EventRouteAssigned, Data: data})
	}
	writeJSON(w, http.StatusOK, result)
}

// RoutesIndexHandler handles GET /v1/routes with optional planDate filter.
func (s *Server) RoutesIndexHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/routes" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	items, err := s.Store.ListRoutes(r.Context(), r.URL.Query().Get("planDate"))
	if err != nil {
		s.mapError(w, err, r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// RouteByIDHandler handles GET /v1/routes/{id}, the per-route SSE stream at
// /v1/routes/{id}/events/stream, and visit confirm/skip actions.
func (s *Server) RouteByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/routes/")
	if rest == r.URL.Path || rest == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path)
		return
	}
	parts := strings.Split(rest, "/")
	id := parts[0]

	if len(parts) == 3 && parts[1] == "events" && parts[2] == "stream" {
		s.streamRouteEvents(w, r, id)
		return
	}
	if len(parts) == 4 && parts[1] == "visits" {
		s.visitAction(w, r, id, parts[2], parts[3])
		return
	}
	if len(parts) != 1 {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	route, err := s.Store.GetRoute(r.Context(), id)
	if err != nil {
		s.mapError(w, err, r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

func (s *Server) streamRouteEvents(w http.ResponseWriter, r *http.Request, routeID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.Broker.Subscribe(routeID)
	defer s.Broker.Unsubscribe(routeID, ch)

	heartbeat := func() {
		fmt.Fprintf(w, "event: heartbeat\n")
		fmt.Fprintf(w, "data: {\"routeId\":%q,\"ts\":%q}\n\n", routeID, time.Now().UTC().Format(time.RFC3339))
		flusher.Flush()
	}
	heartbeat()

	done := r.Context().Done()
	for {
		select {
		case <-done:
			return
		case evt := <-ch:
			b, _ := json.Marshal(evt.Data)
			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		case <-time.After(15 * time.Second):
			heartbeat()
		}
	}
}

func (s *Server) visitAction(w http.ResponseWriter, r *http.Request, routeID, visitID, action string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var (
		visit     *model.Visit
		routeDone bool
		err       error
	)
	switch action {
	case "confirm":
		visit, routeDone, err = s.Tracker.ConfirmVisit(r.Context(), visitID)
	case "skip":
		visit, routeDone, err = s.Tracker.SkipVisit(r.Context(), visitID)
	default:
		writeProblem(w, http.StatusNotFound, "Not Found", "unknown action: "+action, r.URL.Path)
		return
	}
	if err != nil {
		s.mapError(w, err, r.URL.Path)
		return
	}
	s.Detector.Forget(visitID)

	data := map[string]any{
		"visitId":        visit.ID,
		"caseId":         visit.CaseID,
		"routeId":        visit.RouteID,
		"status":         visit.Status,
		"routeCompleted": routeDone,
	}
	if action == "confirm" {
		s.Pub.Emit(r.Context(), model.EventVisitCompleted, data)
		s.Broker.Publish(routeID, SSEEvent{Type: model.EventVisitCompleted, Data: data})
	} else {
		s.Broker.Publish(routeID, SSEEvent{Type: "visit_skipped", Data: data})
	}
	writeJSON(w, http.StatusOK, map[string]any{"visit": visit, "routeCompleted": routeDone})
}

// applyLocationUpdate runs one GPS sample through the tracker and fans out the
// resulting ETA and delay events. Shared by the REST and WebSocket ingest paths.
func (s *Server) applyLocationUpdate(ctx context.Context, u model.LocationUpdate) (*track.Result, []model.DelayAlert, error) {
	res, err := s.Tracker.OnLocationUpdate(ctx, u)
	if err != nil {
		return nil, nil, err
	}
	if !res.Applied || res.RouteID == "" {
		return res, nil, nil
	}
	if res.Arrived != nil {
		s.Broker.Publish(res.RouteID, SSEEvent{Type: "visit_arrived", Data: map[string]any{
			"visitId": res.Arrived.ID,
			"caseId":  res.Arrived.CaseID,
			"routeId": res.RouteID,
		}})
	}
	if len(res.ETAs) > 0 {
		data := map[string]any{"routeId": res.RouteID, "vehicleId": u.VehicleID, "etas": res.ETAs}
		s.Pub.Emit(ctx, model.EventETAUpdate, data)
		s.Broker.Publish(res.RouteID, SSEEvent{Type: model.EventETAUpdate, Data: data})
	}
	route, err := s.Store.GetRoute(ctx, res.RouteID)
	if err != nil {
		return res, nil, nil
	}
	alerts := s.Detector.Evaluate(route)
	for _, a := range alerts {
		data := map[string]any{
			"visitId":      a.VisitID,
			"routeId":      a.RouteID,
			"severity":     a.Severity.String(),
			"deltaMinutes": a.DeltaMinutes,
		}
		s.Pub.Emit(ctx, model.EventDelayAlert, data)
		s.Broker.Publish(a.RouteID, SSEEvent{Type: model.EventDelayAlert, Data: data})
	}
	return res, alerts, nil
}

// LocationUpdatesHandler handles POST /v1/location-updates with a batch of
// GPS samples. Each sample reports its own outcome; one bad sample does not
// fail the batch.
func (s *Server) LocationUpdatesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Updates []model.LocationUpdate `json:"updates"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if len(req.Updates) == 0 {
		writeProblem(w, http.StatusBadRequest, "Empty update list", "", r.URL.Path)
		return
	}
	type outcome struct {
		VehicleID string           `json:"vehicleId"`
		Applied   bool             `json:"applied"`
		RouteID   string           `json:"routeId,omitempty"`
		ETAs      []model.VisitETA `json:"etas,omitempty"`
		Error     string           `json:"error,omitempty"`
	}
	results := make([]outcome, 0, len(req.Updates))
	applied := 0
	for _, u := range req.Updates {
		res, _, err := s.applyLocationUpdate(r.Context(), u)
		if err != nil {
			results = append(results, outcome{VehicleID: u.VehicleID, Error: err.Error()})
			continue
		}
		if res.Applied {
			applied++
		}
		results = append(results, outcome{VehicleID: u.VehicleID, Applied: res.Applied, RouteID: res.RouteID, ETAs: res.ETAs})
	}
	writeJSON(w, http.StatusOK, map[string]any{"applied": applied, "results": results})
}

// SubscriptionsHandler handles POST/GET /v1/subscriptions.
func (s *Server) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var sub model.Subscription
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if err := validateSubscription(&sub); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid subscription", err.Error(), r.URL.Path)
			return
		}
		created, err := s.Store.CreateSubscription(r.Context(), sub)
		if err != nil {
			s.mapError(w, err, r.URL.Path)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	case http.MethodGet:
		items, err := s.Store.ListSubscriptions(r.Context())
		if err != nil {
			s.mapError(w, err, r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// SubscriptionByIDHandler handles DELETE /v1/subscriptions/{id}.
func (s *Server) SubscriptionByIDHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/subscriptions/")
	if id == r.URL.Path || id == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path)
		return
	}
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := s.Store.DeleteSubscription(r.Context(), id); err != nil {
		s.mapError(w, err, r.URL.Path)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RunMetricsHandler handles GET /v1/admin/optimization-metrics.
func (s *Server) RunMetricsHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/admin/optimization-metrics" || r.Method != http.MethodGet {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	items, err := s.Store.ListRunMetrics(r.Context(), r.URL.Query().Get("date"))
	if err != nil {
		s.mapError(w, err, r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// HealthHandler reports liveness and build identity.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	info := buildinfo.Info()
	info["status"] = "ok"
	writeJSON(w, http.StatusOK, info)
}

// ReadyHandler reports readiness, including store connectivity.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Not Ready", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
