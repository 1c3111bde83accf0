package opt

import (
	"sort"
	"time"

	"careroute/internal/model"
)

// Violation reason strings. Skill gaps carry the missing skill as a suffix.
const (
	ReasonTimeWindow         = "time_window"
	ReasonWorkingHours       = "working_hours"
	ReasonVehicleCapacity    = "vehicle_capacity"
	ReasonVehicleUnavailable = "vehicle_unavailable"
	ReasonPersonnelInactive  = "personnel_inactive"
	ReasonNoPersonnel        = "no_eligible_personnel"
	ReasonNoVehicle          = "no_eligible_vehicle"
	skillGapPrefix           = "skill_gap: "
)

// Assignment is one proposed (case, personnel, vehicle, slot) tuple.
type Assignment struct {
	Case      model.Case
	CareType  model.CareType
	Personnel model.Personnel
	Vehicle   model.Vehicle
	Arrival   time.Time
	// VehicleRoutes is the number of routes already hosted by the vehicle
	// on the plan date, before this assignment.
	VehicleRoutes int
}

// CheckAssignment evaluates every constraint and returns all violations, not
// just the first. Flexible windows never violate; they are penalized in cost.
func CheckAssignment(a Assignment) (bool, []string) {
	var reasons []string

	for _, skill := range missingSkills(a.CareType.RequiredSkills, a.Personnel.Skills) {
		reasons = append(reasons, skillGapPrefix+skill)
	}

	if a.Case.Window.Type == model.WindowFixed {
		if a.Arrival.Before(a.Case.Window.Start) || a.Arrival.After(a.Case.Window.End) {
			reasons = append(reasons, ReasonTimeWindow)
		}
	}

	departure := a.Arrival.Add(time.Duration(a.CareType.DurationMin) * time.Minute)
	if a.Arrival.Before(a.Personnel.WorkStart) || departure.After(a.Personnel.WorkEnd) {
		reasons = append(reasons, ReasonWorkingHours)
	}

	if a.VehicleRoutes >= a.Vehicle.CapacityPersonnel {
		reasons = append(reasons, ReasonVehicleCapacity)
	}
	if a.Vehicle.Status != model.VehicleAvailable {
		reasons = append(reasons, ReasonVehicleUnavailable)
	}
	if !a.Personnel.IsActive {
		reasons = append(reasons, ReasonPersonnelInactive)
	}

	return len(reasons) == 0, reasons
}

func missingSkills(required, have []string) []string {
	set := make(map[string]bool, len(have))
	for _, s := range have {
		set[s] = true
	}
	var missing []string
	for _, s := range required {
		if !set[s] {
			missing = append(missing, s)
		}
	}
	sort.Strings(missing)
	return missing
}

// unionReasons merges reason lists, deduplicated and sorted.
func unionReasons(lists ...[]string) []string {
	seen := map[string]bool{}
	var out []string
	for _, list := range lists {
		for _, r := range list {
			if !seen[r] {
				seen[r] = true
				out = append(out, r)
			}
		}
	}
	sort.Strings(out)
	return out
}
