// Package drone runs bounded inspection flights against a flight controller
// and its ranging deck.
package drone

import (
	"context"

	"github.com/LeonardoBeccarini/smart_inspection/internal/model/entities"
)

// FlightControllable is the radio and flight-control link. The active session is its only caller.
type FlightControllable interface {
	Connect(ctx context.Context) error
	Takeoff(ctx context.Context, heightM float64) error
	ExecutePattern(ctx context.Context, step entities.ScanStep) error
	Land(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// RangingDeck returns one reading per direction while airborne. Missing keys mean the
// direction did not report; +Inf means no obstacle in range.
type RangingDeck interface {
	Sample(ctx context.Context) (map[entities.Direction]float64, error)
}

// Link is a flight controller that also carries the ranging deck.
type Link interface {
	FlightControllable
	RangingDeck
}
