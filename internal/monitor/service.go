// Package monitor wires voice recognition, keyword matching, location and
// alert escalation into one running service.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"distressguard/internal/config"
	"distressguard/internal/escalation"
	"distressguard/internal/keyword"
	"distressguard/internal/location"
	"distressguard/internal/metrics"
	"distressguard/internal/model"
	"distressguard/internal/transcribe"
)

const (
	ComponentVoice    = "voice"
	ComponentLocation = "location"
)

// Status is what the control surface reports about the service.
type Status struct {
	Voice     model.SessionState `json:"voice"`
	Listening bool               `json:"listening"`
	Alert     escalation.Status  `json:"alert"`
	Location  *model.LocationFix `json:"location"`
	Fresh     bool               `json:"location_fresh"`
	Degraded  map[string]string  `json:"degraded,omitempty"`
	Keywords  []string           `json:"keywords"`
}

type Options struct {
	Engine     *transcribe.Engine
	Tracker    *location.Tracker
	Controller *escalation.Controller
	Matcher    *keyword.Matcher
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

type Service struct {
	engine     *transcribe.Engine
	tracker    *location.Tracker
	controller *escalation.Controller
	logger     *slog.Logger
	metrics    *metrics.Metrics
	matcher    atomic.Pointer[keyword.Matcher]

	mu          sync.Mutex
	base        context.Context
	degraded    map[string]string
	subscribers map[int]func(model.LocationFix)
	nextSub     int
}

func New(opts Options) *Service {
	if opts.Matcher == nil {
		opts.Matcher = keyword.NewMatcher()
	}
	s := &Service{
		engine:      opts.Engine,
		tracker:     opts.Tracker,
		controller:  opts.Controller,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		base:        context.Background(),
		degraded:    make(map[string]string),
		subscribers: make(map[int]func(model.LocationFix)),
	}
	s.matcher.Store(opts.Matcher)
	s.engine.SetListener(s.onFragment)
	s.engine.OnStateChange(s.onVoiceState)
	s.tracker.SetListener(s.onFix)
	return s
}

// Run fetches the initial location, optionally starts voice monitoring, and
// blocks until ctx is done. Monitoring started later through StartMonitoring
// is bound to ctx as well.
func (s *Service) Run(ctx context.Context, autoStart bool) error {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()

	go func() {
		if _, err := s.RefreshLocation(ctx); err != nil && s.logger != nil {
			s.logger.Warn("initial location fetch failed", "err", err)
		}
	}()
	if autoStart {
		if err := s.StartMonitoring(); err != nil && s.logger != nil {
			s.logger.Warn("voice monitoring not started", "err", err)
		}
	}

	<-ctx.Done()
	s.engine.Stop()
	s.engine.Wait()
	s.controller.Close()
	return nil
}

func (s *Service) StartMonitoring() error {
	s.mu.Lock()
	ctx := s.base
	s.mu.Unlock()
	err := s.engine.Start(ctx)
	if errors.Is(err, transcribe.ErrUnsupportedCapability) {
		s.setDegraded(ComponentVoice, "speech recognition unsupported")
	}
	return err
}

func (s *Service) StopMonitoring() {
	s.engine.Stop()
}

// Panic raises a manual alert and reports whether it was accepted.
func (s *Service) Panic(ctx context.Context) bool {
	return s.controller.Panic(ctx)
}

// RefreshLocation re-acquires the position. Failures mark location as
// degraded; a later success clears it.
func (s *Service) RefreshLocation(ctx context.Context) (model.LocationFix, error) {
	fix, err := s.tracker.Acquire(ctx)
	if err != nil {
		s.setDegraded(ComponentLocation, err.Error())
		return fix, err
	}
	return fix, nil
}

func (s *Service) SendTest(ctx context.Context, contactID string) (model.Alert, error) {
	return s.controller.SendTest(ctx, contactID)
}

func (s *Service) Transcript() string {
	return s.engine.Transcript()
}

func (s *Service) Latest() *model.LocationFix {
	return s.tracker.Latest()
}

func (s *Service) Status() Status {
	fix, fresh := s.tracker.Fresh()
	st := Status{
		Voice:     s.engine.State(),
		Listening: s.engine.Listening(),
		Alert:     s.controller.Status(),
		Location:  fix,
		Fresh:     fresh,
		Keywords:  s.matcher.Load().Lexicon(),
	}
	s.mu.Lock()
	if len(s.degraded) > 0 {
		st.Degraded = make(map[string]string, len(s.degraded))
		for k, v := range s.degraded {
			st.Degraded[k] = v
		}
	}
	s.mu.Unlock()
	return st
}

// SubscribeLocation registers fn for every newly acquired fix. The returned
// func removes it.
func (s *Service) SubscribeLocation(fn func(model.LocationFix)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

// ApplyConfig pushes reloadable settings into the running components. The
// recognizer and positioner providers are fixed at startup.
func (s *Service) ApplyConfig(cfg *config.Config) {
	s.engine.UpdateConfig(EngineConfig(cfg))
	s.tracker.UpdateConfig(TrackerConfig(cfg))
	s.controller.UpdateConfig(ControllerConfig(cfg))
	s.matcher.Store(NewMatcher(cfg))
	if s.logger != nil {
		s.logger.Info("monitor config applied",
			"language", cfg.Recognition.Language,
			"cooldown", cfg.Escalation.Cooldown,
			"location_max_age", cfg.Location.MaxAge,
		)
	}
}

func (s *Service) onFragment(f model.TranscriptFragment) {
	events := s.matcher.Load().Match(f)
	if len(events) == 0 {
		return
	}
	s.mu.Lock()
	ctx := s.base
	s.mu.Unlock()
	for _, ev := range events {
		s.metrics.RecordDetection(ev.Keyword)
		if s.logger != nil {
			s.logger.Warn("distress keyword detected", "keyword", ev.Keyword, "final", f.IsFinal)
		}
		// Every event is offered; the controller suppresses all but the
		// first while an alert is active.
		s.controller.HandleDetection(ctx, ev)
	}
}

func (s *Service) onVoiceState(state model.SessionState, err error) {
	switch state {
	case model.SessionListening:
		s.clearDegraded(ComponentVoice)
	case model.SessionError:
		reason := "speech recognition failed"
		if err != nil {
			reason = err.Error()
		}
		s.setDegraded(ComponentVoice, reason)
	}
}

func (s *Service) onFix(fix model.LocationFix) {
	s.clearDegraded(ComponentLocation)
	s.mu.Lock()
	subs := make([]func(model.LocationFix), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(fix)
	}
}

func (s *Service) setDegraded(component, reason string) {
	s.mu.Lock()
	prev, had := s.degraded[component]
	s.degraded[component] = reason
	s.mu.Unlock()
	if (!had || prev != reason) && s.logger != nil {
		s.logger.Warn("component degraded", "component", component, "reason", reason)
	}
}

func (s *Service) clearDegraded(component string) {
	s.mu.Lock()
	_, had := s.degraded[component]
	delete(s.degraded, component)
	s.mu.Unlock()
	if had && s.logger != nil {
		s.logger.Info("component recovered", "component", component)
	}
}
