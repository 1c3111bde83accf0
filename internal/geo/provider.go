// Package geo provides travel distance/duration matrices and the cache in
// front of the external routing provider.
package geo

import (
	"context"
	"math"

	"careroute/internal/model"
)

// Matrix holds pairwise travel metrics for an ordered location set.
// DistancesM[i][j] is the travel distance in meters from locations[i] to
// locations[j]; DurationsSec is the corresponding drive time.
type Matrix struct {
	Locations    []model.Location
	DistancesM   [][]int
	DurationsSec [][]int
	Provider     string
}

// Provider computes travel matrices. Implementations must be safe for
// concurrent use.
type Provider interface {
	// GetMatrix returns the full pairwise matrix for the ordered set.
	GetMatrix(ctx context.Context, locs []model.Location) (*Matrix, error)
	// GetPair returns distance (m) and duration (s) for a single leg.
	GetPair(ctx context.Context, from, to model.Location) (int, int, error)
	Name() string
}

// HaversineMeters is the great-circle distance between two coordinates.
func HaversineMeters(a, b model.Location) float64 {
	const earthRadiusM = 6371000.0
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return earthRadiusM * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}
