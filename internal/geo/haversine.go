package geo

import (
	"context"
	"math"

	"careroute/internal/model"
)

// HaversineProvider estimates travel metrics from straight-line distance and a
// fixed average speed. It is the degraded-mode fallback when the routing
// provider is unreachable, and the default when none is configured.
type HaversineProvider struct {
	SpeedKph float64
}

func NewHaversineProvider(speedKph float64) *HaversineProvider {
	if speedKph <= 0 {
		speedKph = 40
	}
	return &HaversineProvider{SpeedKph: speedKph}
}

func (p *HaversineProvider) Name() string { return "haversine" }

func (p *HaversineProvider) GetMatrix(_ context.Context, locs []model.Location) (*Matrix, error) {
	n := len(locs)
	dist := make([][]int, n)
	dur := make([][]int, n)
	for i := 0; i < n; i++ {
		dist[i] = make([]int, n)
		dur[i] = make([]int, n)
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			m := HaversineMeters(locs[i], locs[j])
			dist[i][j] = int(math.Round(m))
			dur[i][j] = p.seconds(m)
		}
	}
	return &Matrix{Locations: locs, DistancesM: dist, DurationsSec: dur, Provider: p.Name()}, nil
}

func (p *HaversineProvider) GetPair(_ context.Context, from, to model.Location) (int, int, error) {
	m := HaversineMeters(from, to)
	return int(math.Round(m)), p.seconds(m), nil
}

func (p *HaversineProvider) seconds(meters float64) int {
	return int(math.Round(meters / (p.SpeedKph * 1000 / 3600)))
}
