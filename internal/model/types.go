// Package model holds the domain types shared across the dispatch core.
package model

import (
	"fmt"
	"time"
)

// Location is a WGS84 coordinate pair.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validate checks coordinate ranges.
func (l Location) Validate() error {
	if l.Lat < -90 || l.Lat > 90 {
		return &ValidationError{Field: "lat", Msg: fmt.Sprintf("latitude %v out of range [-90,90]", l.Lat)}
	}
	if l.Lng < -180 || l.Lng > 180 {
		return &ValidationError{Field: "lng", Msg: fmt.Sprintf("longitude %v out of range [-180,180]", l.Lng)}
	}
	return nil
}

// TimeWindowType selects how a case's window constrains the visit start.
type TimeWindowType string

const (
	WindowFixed    TimeWindowType = "fixed"
	WindowFlexible TimeWindowType = "flexible"
	WindowNone     TimeWindowType = "none"
)

func ParseTimeWindowType(s string) (TimeWindowType, error) {
	switch TimeWindowType(s) {
	case WindowFixed, WindowFlexible, WindowNone:
		return TimeWindowType(s), nil
	case "":
		return WindowNone, nil
	}
	return "", &ValidationError{Field: "timeWindowType", Msg: "unknown value: " + s}
}

// TimeWindow is the permitted interval for a visit start.
type TimeWindow struct {
	Type  TimeWindowType `json:"type"`
	Start time.Time      `json:"start,omitempty"`
	End   time.Time      `json:"end,omitempty"`
}

type CaseStatus string

const (
	CasePending    CaseStatus = "pending"
	CaseAssigned   CaseStatus = "assigned"
	CaseUnassigned CaseStatus = "unassigned"
	CaseCompleted  CaseStatus = "completed"
	CaseCancelled  CaseStatus = "cancelled"
)

func ParseCaseStatus(s string) (CaseStatus, error) {
	switch CaseStatus(s) {
	case CasePending, CaseAssigned, CaseUnassigned, CaseCompleted, CaseCancelled:
		return CaseStatus(s), nil
	}
	return "", &ValidationError{Field: "caseStatus", Msg: "unknown value: " + s}
}

type VehicleStatus string

const (
	VehicleAvailable   VehicleStatus = "available"
	VehicleInUse       VehicleStatus = "in_use"
	VehicleMaintenance VehicleStatus = "maintenance"
	VehicleUnavailable VehicleStatus = "unavailable"
)

func ParseVehicleStatus(s string) (VehicleStatus, error) {
	switch VehicleStatus(s) {
	case VehicleAvailable, VehicleInUse, VehicleMaintenance, VehicleUnavailable:
		return VehicleStatus(s), nil
	}
	return "", &ValidationError{Field: "vehicleStatus", Msg: "unknown value: " + s}
}

type RouteStatus string

const (
	RoutePlanned    RouteStatus = "planned"
	RouteInProgress RouteStatus = "in_progress"
	RouteCompleted  RouteStatus = "completed"
	RouteCancelled  RouteStatus = "cancelled"
)

type VisitStatus string

const (
	VisitPending   VisitStatus = "pending"
	VisitEnRoute   VisitStatus = "en_route"
	VisitArrived   VisitStatus = "arrived"
	VisitCompleted VisitStatus = "completed"
	VisitSkipped   VisitStatus = "skipped"
)

// Terminal reports whether the visit reached a final state.
func (s VisitStatus) Terminal() bool { return s == VisitCompleted || s == VisitSkipped }

// Personnel is a caregiver eligible for route assignment. Work hours are
// resolved to concrete timestamps on the plan date when a snapshot is taken.
type Personnel struct {
	ID            string    `json:"id"`
	Name          string    `json:"name,omitempty"`
	Skills        []string  `json:"skills"`
	StartLocation *Location `json:"startLocation,omitempty"`
	WorkStart     time.Time `json:"workStart"`
	WorkEnd       time.Time `json:"workEnd"`
	IsActive      bool      `json:"isActive"`
}

type Vehicle struct {
	ID                string        `json:"id"`
	Name              string        `json:"name,omitempty"`
	CapacityPersonnel int           `json:"capacityPersonnel"`
	BaseLocation      Location      `json:"baseLocation"`
	Status            VehicleStatus `json:"status"`
	Resources         []string      `json:"resources,omitempty"`
}

// CareType drives required-skill matching and service duration.
type CareType struct {
	ID             string   `json:"id"`
	Name           string   `json:"name,omitempty"`
	RequiredSkills []string `json:"requiredSkills"`
	DurationMin    int      `json:"durationMin"`
}

// Case is the optimizer's unit of assignment.
type Case struct {
	ID              string     `json:"id"`
	PatientLocation Location   `json:"patientLocation"`
	CareTypeID      string     `json:"careTypeId"`
	Priority        int        `json:"priority"`
	Window          TimeWindow `json:"window"`
	Status          CaseStatus `json:"status"`
}

// Visit is one stop within a Route.
type Visit struct {
	ID               string      `json:"id"`
	RouteID          string      `json:"routeId"`
	CaseID           string      `json:"caseId"`
	Seq              int         `json:"seq"`
	Location         Location    `json:"location"`
	PlannedArrival   time.Time   `json:"plannedArrival"`
	PlannedDeparture time.Time   `json:"plannedDeparture"`
	ETA              *time.Time  `json:"eta,omitempty"`
	ActualArrival    *time.Time  `json:"actualArrival,omitempty"`
	Status           VisitStatus `json:"status"`
}

// Route is the plan for one personnel+vehicle pairing on a given day.
type Route struct {
	ID             string      `json:"id"`
	PlanDate       string      `json:"planDate"`
	PersonnelID    string      `json:"personnelId"`
	VehicleID      string      `json:"vehicleId"`
	Status         RouteStatus `json:"status"`
	Visits         []Visit     `json:"visits"`
	TotalDistanceM int         `json:"totalDistanceM"`
	TotalDriveSec  int         `json:"totalDriveSec"`
}

// OptimizeRequest selects the snapshot and strategy for one optimization run.
// Empty ID lists mean "all eligible".
type OptimizeRequest struct {
	CaseIDs       []string `json:"caseIds,omitempty"`
	PersonnelIDs  []string `json:"personnelIds,omitempty"`
	VehicleIDs    []string `json:"vehicleIds,omitempty"`
	Date          string   `json:"date"`
	Strategy      string   `json:"strategy,omitempty"`
	TimeBudgetMs  int      `json:"timeBudgetMs,omitempty"`
	MaxIterations int      `json:"maxIterations,omitempty"`
}

const (
	StrategyMinDistance   = "minimize_distance"
	StrategyMinTime       = "minimize_time"
	StrategyMaxAssignment = "maximize_assignment"
)

// UnassignedCase explains why a case could not be placed on any route.
type UnassignedCase struct {
	CaseID  string   `json:"caseId"`
	Reasons []string `json:"reasons"`
}

type OptimizationResult struct {
	Routes     []Route          `json:"routes"`
	Unassigned []UnassignedCase `json:"unassigned"`
	Metrics    RunMetrics       `json:"metrics"`
}

// RunMetrics is the append-only record of one optimization run.
type RunMetrics struct {
	ID                  string         `json:"id"`
	OptimizationDate    string         `json:"optimizationDate"`
	StrategyUsed        string         `json:"strategyUsed"`
	TotalRequested      int            `json:"totalCasesRequested"`
	TotalAssigned       int            `json:"totalCasesAssigned"`
	TotalUnassigned     int            `json:"totalCasesUnassigned"`
	AssignmentRatePct   float64        `json:"assignmentRatePercentage"`
	OptimizationTimeSec float64        `json:"optimizationTimeSeconds"`
	TotalDistanceKm     float64        `json:"totalDistanceKm"`
	TotalTimeMin        float64        `json:"totalTimeMinutes"`
	SkillGaps           map[string]int `json:"skillGaps,omitempty"`
	Degraded            bool           `json:"degraded,omitempty"`
	CreatedAt           time.Time      `json:"createdAt"`
}

// DistanceCacheEntry is one persisted travel matrix for an ordered location set.
type DistanceCacheEntry struct {
	CacheKey     string    `json:"cacheKey"`
	DistancesM   [][]int   `json:"distancesMeters"`
	DurationsSec [][]int   `json:"durationsSeconds"`
	Provider     string    `json:"provider"`
	ExpiresAt    time.Time `json:"expiresAt"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// LocationUpdate is one GPS sample from a vehicle unit.
type LocationUpdate struct {
	VehicleID string    `json:"vehicleId"`
	Location  Location  `json:"location"`
	Timestamp time.Time `json:"timestamp"`
	SpeedKph  *float64  `json:"speedKph,omitempty"`
	Heading   *float64  `json:"heading,omitempty"`
	AccuracyM *float64  `json:"accuracyM,omitempty"`
}

// VisitETA is one recomputed arrival estimate for a remaining visit.
type VisitETA struct {
	VisitID string    `json:"visitId"`
	RouteID string    `json:"routeId"`
	ETA     time.Time `json:"eta"`
}

// Severity orders delay classes so monotonic-increase checks compare directly.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityMinor
	SeverityMajor
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityMinor:
		return "minor"
	case SeverityMajor:
		return "major"
	case SeverityCritical:
		return "critical"
	}
	return "none"
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// DelayAlert is handed to the notification publisher; the detector never
// dispatches anything itself.
type DelayAlert struct {
	VisitID      string   `json:"visitId"`
	RouteID      string   `json:"routeId"`
	Severity     Severity `json:"severity"`
	DeltaMinutes int      `json:"deltaMinutes"`
}

// Subscription is a registered notification target.
type Subscription struct {
	ID     string   `json:"id"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret,omitempty"`
}

// Notification event types emitted by the core.
const (
	EventRouteAssigned  = "route_assigned"
	EventETAUpdate      = "eta_update"
	EventDelayAlert     = "delay_alert"
	EventVisitCompleted = "visit_completed"
)
