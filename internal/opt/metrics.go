package opt

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"careroute/internal/model"
)

// BuildRunMetrics assembles the append-only record for one run. Skill gaps
// are aggregated from the unassigned reason lists.
func BuildRunMetrics(date, strategy string, requested int, routes []model.Route, unassigned []model.UnassignedCase, elapsed time.Duration, degraded bool) model.RunMetrics {
	assigned := 0
	distM, driveSec, serviceSec := 0, 0, 0
	for _, r := range routes {
		assigned += len(r.Visits)
		distM += r.TotalDistanceM
		driveSec += r.TotalDriveSec
		for _, v := range r.Visits {
			serviceSec += int(v.PlannedDeparture.Sub(v.PlannedArrival).Seconds())
		}
	}

	gaps := map[string]int{}
	for _, u := range unassigned {
		for _, reason := range u.Reasons {
			if skill, ok := strings.CutPrefix(reason, skillGapPrefix); ok {
				gaps[skill]++
			}
		}
	}
	if len(gaps) == 0 {
		gaps = nil
	}

	rate := 0.0
	if requested > 0 {
		rate = float64(assigned) / float64(requested) * 100
	}

	return model.RunMetrics{
		ID:                  uuid.NewString(),
		OptimizationDate:    date,
		StrategyUsed:        strategy,
		TotalRequested:      requested,
		TotalAssigned:       assigned,
		TotalUnassigned:     len(unassigned),
		AssignmentRatePct:   rate,
		OptimizationTimeSec: elapsed.Seconds(),
		TotalDistanceKm:     float64(distM) / 1000,
		TotalTimeMin:        float64(driveSec+serviceSec) / 60,
		SkillGaps:           gaps,
		Degraded:            degraded,
		CreatedAt:           time.Now().UTC(),
	}
}
