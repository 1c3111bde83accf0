package api

import (
	"fmt"
	"net/url"
	"time"

	"careroute/internal/model"
)

func validateOptimizeRequest(req *model.OptimizeRequest) error {
	if req.Date == "" {
		return fmt.Errorf("date is required (YYYY-MM-DD)")
	}
	if _, err := time.Parse("2006-01-02", req.Date); err != nil {
		return fmt.Errorf("invalid date %q: want YYYY-MM-DD", req.Date)
	}
	switch req.Strategy {
	case "", model.StrategyMinDistance, model.StrategyMinTime, model.StrategyMaxAssignment:
	default:
		return fmt.Errorf("invalid strategy: %s", req.Strategy)
	}
	if req.TimeBudgetMs < 0 {
		return fmt.Errorf("timeBudgetMs must be >= 0")
	}
	if req.MaxIterations < 0 {
		return fmt.Errorf("maxIterations must be >= 0")
	}
	return nil
}

func validateCase(c *model.Case) error {
	if err := c.PatientLocation.Validate(); err != nil {
		return err
	}
	if c.CareTypeID == "" {
		return fmt.Errorf("careTypeId is required")
	}
	if c.Priority < 1 || c.Priority > 5 {
		return fmt.Errorf("priority must be in [1,5], got %d", c.Priority)
	}
	wt, err := model.ParseTimeWindowType(string(c.Window.Type))
	if err != nil {
		return err
	}
	c.Window.Type = wt
	if c.Window.Type != model.WindowNone && !c.Window.End.After(c.Window.Start) {
		return fmt.Errorf("window end must be after start")
	}
	return nil
}

var knownEvents = map[string]struct{}{
	model.EventRouteAssigned:  {},
	model.EventETAUpdate:      {},
	model.EventDelayAlert:     {},
	model.EventVisitCompleted: {},
}

func validateSubscription(sub *model.Subscription) error {
	u, err := url.Parse(sub.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("url must be absolute http(s)")
	}
	if len(sub.Events) == 0 {
		return fmt.Errorf("at least one event type is required")
	}
	for _, e := range sub.Events {
		if _, ok := knownEvents[e]; !ok {
			return fmt.Errorf("unknown event type: %s", e)
		}
	}
	return nil
}
