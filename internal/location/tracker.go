// Package location acquires and caches the user's current position.
package location

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"distressguard/internal/metrics"
	"distressguard/internal/model"
)

var (
	ErrUnsupported      = errors.New("location unsupported on this host")
	ErrPermissionDenied = errors.New("location permission denied")
	ErrUnavailable      = errors.New("location unavailable")
	ErrTimeout          = errors.New("location request timed out")
)

// PositionOptions mirror the knobs of a host positioning request.
type PositionOptions struct {
	MaxAge       time.Duration
	Timeout      time.Duration
	HighAccuracy bool
}

// Positioner is the host positioning capability.
type Positioner interface {
	CurrentPosition(ctx context.Context, opts PositionOptions) (model.LocationFix, error)
}

// Listener is the location display collaborator.
type Listener func(model.LocationFix)

type Config struct {
	MaxAge  time.Duration
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{MaxAge: 60 * time.Second, Timeout: 10 * time.Second}
}

type Tracker struct {
	positioner Positioner
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
	group      singleflight.Group

	mu       sync.Mutex
	cfg      Config
	latest   *model.LocationFix
	listener Listener
}

func NewTracker(p Positioner, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Tracker {
	if p == nil {
		p = Unsupported{}
	}
	def := DefaultConfig()
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Tracker{positioner: p, logger: logger, metrics: m, now: time.Now, cfg: cfg}
}

func (t *Tracker) SetListener(l Listener) {
	t.mu.Lock()
	t.listener = l
	t.mu.Unlock()
}

// UpdateConfig applies non-zero fields of cfg.
func (t *Tracker) UpdateConfig(cfg Config) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cfg.MaxAge > 0 {
		t.cfg.MaxAge = cfg.MaxAge
	}
	if cfg.Timeout > 0 {
		t.cfg.Timeout = cfg.Timeout
	}
}

func (t *Tracker) Config() Config {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg
}

// Latest returns a copy of the last acquired fix, or nil if none was ever
// acquired.
func (t *Tracker) Latest() *model.LocationFix {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.latest == nil {
		return nil
	}
	fix := *t.latest
	return &fix
}

// Fresh returns the latest fix only if it is not older than the configured
// max age.
func (t *Tracker) Fresh() (*model.LocationFix, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.latest == nil {
		return nil, false
	}
	fix := *t.latest
	if fix.Stale(t.cfg.MaxAge, t.now()) {
		return &fix, false
	}
	return &fix, true
}

// Acquire asks the positioner for the current fix. Concurrent callers share
// one in-flight request. The request itself is bounded by the configured
// timeout and is not aborted when a caller gives up early. A caller whose own
// deadline passes first gets ErrTimeout.
func (t *Tracker) Acquire(ctx context.Context) (model.LocationFix, error) {
	ch := t.group.DoChan("position", func() (any, error) {
		return t.acquire(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return model.LocationFix{}, res.Err
		}
		return res.Val.(model.LocationFix), nil
	case <-ctx.Done():
		return model.LocationFix{}, classify(ctx, ctx.Err())
	}
}

func (t *Tracker) acquire(ctx context.Context) (model.LocationFix, error) {
	cfg := t.Config()
	reqCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	fix, err := t.positioner.CurrentPosition(reqCtx, PositionOptions{
		MaxAge:       cfg.MaxAge,
		Timeout:      cfg.Timeout,
		HighAccuracy: true,
	})
	if err == nil && !fix.Valid() {
		err = fmt.Errorf("%w: coordinates out of range (%v,%v)", ErrUnavailable, fix.Lat, fix.Lng)
	}
	if err != nil {
		err = classify(reqCtx, err)
		t.metrics.RecordLocation(resultLabel(err))
		if t.logger != nil {
			t.logger.Warn("location acquisition failed", "err", err)
		}
		return model.LocationFix{}, err
	}
	if fix.CapturedAt.IsZero() {
		fix.CapturedAt = t.now().UTC()
	}

	t.mu.Lock()
	stored := fix
	t.latest = &stored
	l := t.listener
	t.mu.Unlock()

	t.metrics.RecordLocation("ok")
	if t.logger != nil {
		t.logger.Debug("location updated", "lat", fix.Lat, "lng", fix.Lng)
	}
	if l != nil {
		l(fix)
	}
	return fix, nil
}

func classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, ErrUnsupported), errors.Is(err, ErrPermissionDenied),
		errors.Is(err, ErrUnavailable), errors.Is(err, ErrTimeout):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return "denied"
	case errors.Is(err, ErrUnsupported):
		return "unsupported"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "unavailable"
	}
}

// MapsURL links to the fix on Google Maps.
func MapsURL(fix model.LocationFix) string {
	return "https://maps.google.com/?q=" + formatCoord(fix.Lat) + "," + formatCoord(fix.Lng)
}

// ShareText is the message used when the user shares their position.
func ShareText(fix model.LocationFix) string {
	return "My current location: " + MapsURL(fix)
}

// Describe renders the coordinates for display in place of a street address.
func Describe(fix model.LocationFix) string {
	return fmt.Sprintf("Lat: %.6f, Lng: %.6f", fix.Lat, fix.Lng)
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
