package track

import (
	"fmt"
	"sync"
	"time"

	"careroute/internal/metrics"
	"careroute/internal/model"
)

// Thresholds bucket ETA deltas into severities. Values are minutes and must
// be strictly increasing.
type Thresholds struct {
	MinorMin    int `yaml:"minorMin"`
	MajorMin    int `yaml:"majorMin"`
	CriticalMin int `yaml:"criticalMin"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{MinorMin: 5, MajorMin: 15, CriticalMin: 30}
}

func (t Thresholds) Validate() error {
	if t.MinorMin <= 0 || t.MajorMin <= t.MinorMin || t.CriticalMin <= t.MajorMin {
		return fmt.Errorf("delay thresholds must be strictly increasing, got %d/%d/%d", t.MinorMin, t.MajorMin, t.CriticalMin)
	}
	return nil
}

func (t Thresholds) Classify(delta time.Duration) model.Severity {
	minutes := delta.Minutes()
	switch {
	case minutes >= float64(t.CriticalMin):
		return model.SeverityCritical
	case minutes >= float64(t.MajorMin):
		return model.SeverityMajor
	case minutes >= float64(t.MinorMin):
		return model.SeverityMinor
	}
	return model.SeverityNone
}

// DelayDetector compares recomputed ETAs to planned arrivals. An alert fires
// only when a visit's severity rises above the last alerted severity, so a
// stable delay never re-alerts.
type DelayDetector struct {
	thresholds Thresholds

	mu   sync.Mutex
	last map[string]model.Severity
}

func NewDelayDetector(t Thresholds) (*DelayDetector, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &DelayDetector{thresholds: t, last: map[string]model.Severity{}}, nil
}

// Evaluate inspects every non-terminal visit on the route that carries an ETA.
func (d *DelayDetector) Evaluate(route *model.Route) []model.DelayAlert {
	d.mu.Lock()
	defer d.mu.Unlock()

	var alerts []model.DelayAlert
	for _, v := range route.Visits {
		if v.Status.Terminal() || v.ETA == nil {
			continue
		}
		delta := v.ETA.Sub(v.PlannedArrival)
		sev := d.thresholds.Classify(delta)
		if sev <= d.last[v.ID] {
			continue
		}
		d.last[v.ID] = sev
		alerts = append(alerts, model.DelayAlert{
			VisitID:      v.ID,
			RouteID:      route.ID,
			Severity:     sev,
			DeltaMinutes: int(delta.Minutes()),
		})
		metrics.DelayAlerts.WithLabelValues(sev.String()).Inc()
	}
	return alerts
}

// Forget drops the alert history for a visit once it reaches a terminal
// state, so the map does not grow without bound.
func (d *DelayDetector) Forget(visitID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.last, visitID)
}
