package location

import (
	"context"
	"time"

	"distressguard/internal/model"
)

// StaticPositioner reports a fixed position, for hosts configured with a
// known location.
type StaticPositioner struct {
	Lat float64
	Lng float64
	Now func() time.Time
}

func (s StaticPositioner) CurrentPosition(ctx context.Context, _ PositionOptions) (model.LocationFix, error) {
	if err := ctx.Err(); err != nil {
		return model.LocationFix{}, err
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return model.LocationFix{Lat: s.Lat, Lng: s.Lng, CapturedAt: now().UTC()}, nil
}

// Unsupported is a Positioner for hosts without positioning.
type Unsupported struct{}

func (Unsupported) CurrentPosition(context.Context, PositionOptions) (model.LocationFix, error) {
	return model.LocationFix{}, ErrUnsupported
}

// PositionerFunc adapts a function to the Positioner interface.
type PositionerFunc func(ctx context.Context, opts PositionOptions) (model.LocationFix, error)

func (f PositionerFunc) CurrentPosition(ctx context.Context, opts PositionOptions) (model.LocationFix, error) {
	return f(ctx, opts)
}
