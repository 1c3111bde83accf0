package store

import (
	"context"
	"errors"
	"time"

	"careroute/internal/model"
)

// Store is the persistence interface used by the API server, optimizer, and
// tracker.
type Store interface {
	// Cases
	CreateCases(ctx context.Context, cases []model.Case) ([]model.Case, error)
	ListCases(ctx context.Context, status string) ([]model.Case, error)
	UpdateCaseStatus(ctx context.Context, caseID string, status model.CaseStatus) error

	// Scheduling entities
	UpsertPersonnel(ctx context.Context, p model.Personnel) (model.Personnel, error)
	ListPersonnel(ctx context.Context) ([]model.Personnel, error)
	UpsertVehicle(ctx context.Context, v model.Vehicle) (model.Vehicle, error)
	ListVehicles(ctx context.Context) ([]model.Vehicle, error)
	UpsertCareType(ctx context.Context, ct model.CareType) (model.CareType, error)
	ListCareTypes(ctx context.Context) ([]model.CareType, error)

	// Snapshot captures an immutable view for one optimization run. Empty ID
	// slices select all eligible rows.
	Snapshot(ctx context.Context, caseIDs, personnelIDs, vehicleIDs []string) (Snapshot, error)

	// Routes & visits
	SaveRoutes(ctx context.Context, routes []model.Route, unassigned []model.UnassignedCase) error
	GetRoute(ctx context.Context, routeID string) (*model.Route, error)
	ListRoutes(ctx context.Context, planDate string) ([]model.Route, error)
	ActiveRouteForVehicle(ctx context.Context, vehicleID string) (*model.Route, error)
	GetVisit(ctx context.Context, visitID string) (*model.Visit, error)
	UpdateVisit(ctx context.Context, v *model.Visit) error
	SetVisitETA(ctx context.Context, visitID string, eta time.Time) error
	PatchRouteStatus(ctx context.Context, routeID string, status model.RouteStatus) error

	// Distance matrix cache
	GetDistanceMatrix(ctx context.Context, key string) (*model.DistanceCacheEntry, bool, error)
	PutDistanceMatrix(ctx context.Context, entry *model.DistanceCacheEntry) error

	// Optimization run metrics (append-only)
	SaveRunMetrics(ctx context.Context, m model.RunMetrics) error
	ListRunMetrics(ctx context.Context, date string) ([]model.RunMetrics, error)

	// Notification subscriptions
	CreateSubscription(ctx context.Context, s model.Subscription) (model.Subscription, error)
	ListSubscriptions(ctx context.Context) ([]model.Subscription, error)
	SubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error

	// Notification deliveries
	EnqueueDelivery(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
	FetchDueDeliveries(ctx context.Context, limit int) ([]Delivery, error)
	MarkDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode, latencyMs int) error
	FailDelivery(ctx context.Context, id string, lastError string, responseCode, latencyMs int) error

	Ping(ctx context.Context) error
}

// Snapshot is the input view for one optimization run.
type Snapshot struct {
	Cases     []model.Case
	Personnel []model.Personnel
	Vehicles  []model.Vehicle
	CareTypes map[string]model.CareType
}

// Delivery is one queued notification attempt.
type Delivery struct {
	ID             string
	SubscriptionID string
	EventType      string
	URL            string
	Secret         string
	Payload        []byte
	Status         string
	Attempts       int
}

var ErrNotFound = errors.New("not found")
