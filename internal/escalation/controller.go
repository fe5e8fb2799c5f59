// Package escalation turns distress triggers into alerts for emergency
// contacts.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"distressguard/internal/alerts"
	"distressguard/internal/contacts"
	"distressguard/internal/metrics"
	"distressguard/internal/model"
	"distressguard/internal/notify"
)

// LocationSource is the part of the location tracker the controller reads.
type LocationSource interface {
	Fresh() (*model.LocationFix, bool)
	Acquire(ctx context.Context) (model.LocationFix, error)
}

// AlertSink persists dispatched alerts.
type AlertSink interface {
	SaveAlert(ctx context.Context, alert model.Alert) error
}

type StateListener func(state model.AlertState, alert *model.Alert)

type Config struct {
	Cooldown        time.Duration
	DispatchTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{Cooldown: 5 * time.Second, DispatchTimeout: 10 * time.Second}
}

// Status is a point-in-time view of the controller.
type Status struct {
	State   model.AlertState `json:"state"`
	Current *model.Alert     `json:"current,omitempty"`
	Last    *model.Alert     `json:"last,omitempty"`
}

// Controller is the alert state machine:
//
//	idle ──trigger──▶ escalating ──dispatch returned──▶ cooling_down
//	  ▲                    │                                 │
//	  └────────────── triggeredAt + cooldown ◀───────────────┘
//
// Any trigger outside idle is suppressed. The return to idle is scheduled
// when the alert is raised and does not wait for dispatch.
type Controller struct {
	location LocationSource
	contacts contacts.Registry
	notifier notify.Notifier
	history  *alerts.Store
	sink     AlertSink
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	newID    func() string

	mu      sync.Mutex
	cfg     Config
	state   model.AlertState
	gen     uint64
	current *model.Alert
	last    *model.Alert
	rearm   *time.Timer
	onState StateListener

	wg sync.WaitGroup
}

type Options struct {
	Location LocationSource
	Contacts contacts.Registry
	Notifier notify.Notifier
	History  *alerts.Store
	Sink     AlertSink
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

func NewController(cfg Config, opts Options) *Controller {
	def := DefaultConfig()
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = def.DispatchTimeout
	}
	if opts.Contacts == nil {
		opts.Contacts = contacts.Static(nil)
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NewLog(opts.Logger)
	}
	c := &Controller{
		location: opts.Location,
		contacts: opts.Contacts,
		notifier: opts.Notifier,
		history:  opts.History,
		sink:     opts.Sink,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		now:      time.Now,
		newID:    uuid.NewString,
		cfg:      cfg,
		state:    model.AlertIdle,
	}
	c.metrics.SetAlertState(model.AlertIdle)
	return c
}

func (c *Controller) OnStateChange(l StateListener) {
	c.mu.Lock()
	c.onState = l
	c.mu.Unlock()
}

// UpdateConfig applies non-zero fields of cfg to the next trigger.
func (c *Controller) UpdateConfig(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cfg.Cooldown > 0 {
		c.cfg.Cooldown = cfg.Cooldown
	}
	if cfg.DispatchTimeout > 0 {
		c.cfg.DispatchTimeout = cfg.DispatchTimeout
	}
}

func (c *Controller) State() model.AlertState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{State: c.state}
	if c.current != nil {
		cur := *c.current
		st.Current = &cur
	}
	if c.last != nil {
		last := *c.last
		st.Last = &last
	}
	return st
}

// Panic raises a manual alert. It reports whether an alert was raised.
func (c *Controller) Panic(ctx context.Context) bool {
	return c.trigger(ctx, model.CauseManual, "")
}

// HandleDetection raises a voice alert for a detected keyword.
func (c *Controller) HandleDetection(ctx context.Context, ev model.DetectionEvent) bool {
	return c.trigger(ctx, model.CauseVoice, ev.Keyword)
}

// Wait blocks until every dispatch and location refresh started so far has
// finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Close cancels a pending re-arm and waits for in-flight work.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.rearm != nil {
		c.rearm.Stop()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Controller) trigger(ctx context.Context, cause model.Cause, keyword string) bool {
	fix, fresh := c.freshFix()

	c.mu.Lock()
	if c.state != model.AlertIdle {
		state := c.state
		c.mu.Unlock()
		c.metrics.RecordTrigger(cause, false)
		if c.logger != nil {
			c.logger.Info("trigger suppressed", "cause", cause, "keyword", keyword, "state", state)
		}
		return false
	}
	cfg := c.cfg
	c.gen++
	gen := c.gen
	alert := model.Alert{
		ID:          c.newID(),
		Cause:       cause,
		Keyword:     keyword,
		TriggeredAt: c.now().UTC(),
	}
	if fresh {
		alert.Location = &model.Coordinates{Lat: fix.Lat, Lng: fix.Lng}
	}
	current := alert
	c.current = &current
	c.rearm = time.AfterFunc(cfg.Cooldown, func() { c.finish(gen) })
	notifyState := c.setStateLocked(model.AlertEscalating)
	c.wg.Add(1)
	c.mu.Unlock()

	notifyState()
	c.metrics.RecordTrigger(cause, true)
	if c.logger != nil {
		c.logger.Warn("alert raised",
			"alert_id", alert.ID,
			"cause", cause,
			"keyword", keyword,
			"has_location", alert.Location != nil,
		)
	}
	if !fresh {
		c.refreshLocation(ctx, fix != nil)
	}
	go c.dispatch(context.WithoutCancel(ctx), gen, alert, cfg.DispatchTimeout)
	return true
}

// freshFix returns the latest fix and whether it is young enough to attach.
func (c *Controller) freshFix() (*model.LocationFix, bool) {
	if c.location == nil {
		return nil, false
	}
	fix, fresh := c.location.Fresh()
	return fix, fresh && fix != nil
}

// refreshLocation starts a background acquisition so later alerts carry a
// fresh fix. The current alert never waits for it.
func (c *Controller) refreshLocation(ctx context.Context, stale bool) {
	if c.location == nil {
		return
	}
	if c.logger != nil {
		c.logger.Info("no fresh location for alert, refreshing in background", "stale", stale)
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if _, err := c.location.Acquire(context.WithoutCancel(ctx)); err != nil && c.logger != nil {
			c.logger.Warn("background location refresh failed", "err", err)
		}
	}()
}

func (c *Controller) dispatch(ctx context.Context, gen uint64, alert model.Alert, timeout time.Duration) {
	defer c.wg.Done()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	recipients, err := c.contacts.List(ctx)
	if err != nil && c.logger != nil {
		c.logger.Error("contact registry unavailable, alerting without recipients", "alert_id", alert.ID, "err", err)
	}
	alert.Recipients = recipients
	c.record(ctx, alert)

	start := time.Now()
	err = c.notifier.Notify(ctx, alert)
	c.metrics.RecordDispatch(err, time.Since(start).Seconds())
	if c.logger != nil {
		if err != nil {
			c.logger.Error("alert dispatch failed", "alert_id", alert.ID, "err", err)
		} else {
			c.logger.Info("alert dispatched", "alert_id", alert.ID, "recipients", len(recipients))
		}
	}

	c.mu.Lock()
	if c.gen != gen || c.state != model.AlertEscalating {
		c.mu.Unlock()
		return
	}
	notifyState := c.setStateLocked(model.AlertCoolingDown)
	c.mu.Unlock()
	notifyState()
}

func (c *Controller) record(ctx context.Context, alert model.Alert) {
	c.mu.Lock()
	stored := alert
	c.last = &stored
	c.mu.Unlock()
	if c.history != nil {
		c.history.Add(alert)
	}
	if c.sink != nil {
		if err := c.sink.SaveAlert(ctx, alert); err != nil && c.logger != nil {
			c.logger.Warn("alert persistence failed", "alert_id", alert.ID, "err", err)
		}
	}
}

// finish re-arms the controller at the end of the cooldown window.
func (c *Controller) finish(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.state == model.AlertIdle {
		c.mu.Unlock()
		return
	}
	c.current = nil
	c.rearm = nil
	notifyState := c.setStateLocked(model.AlertIdle)
	c.mu.Unlock()
	notifyState()
	if c.logger != nil {
		c.logger.Info("alert controller re-armed")
	}
}

func (c *Controller) setStateLocked(state model.AlertState) func() {
	if c.state == state {
		return func() {}
	}
	c.state = state
	var snapshot *model.Alert
	if c.current != nil {
		cur := *c.current
		snapshot = &cur
	}
	l := c.onState
	m := c.metrics
	return func() {
		m.SetAlertState(state)
		if l != nil {
			l(state, snapshot)
		}
	}
}

// SendTest sends a test alert to a single contact. It does not touch the
// alert state.
func (c *Controller) SendTest(ctx context.Context, contactID string) (model.Alert, error) {
	c.mu.Lock()
	timeout := c.cfg.DispatchTimeout
	c.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target, err := contacts.Lookup(ctx, c.contacts, contactID)
	if err != nil {
		return model.Alert{}, err
	}

	alert := model.Alert{
		ID:          c.newID(),
		Cause:       model.CauseManual,
		TriggeredAt: c.now().UTC(),
		Recipients:  []model.Contact{target},
		Test:        true,
	}
	if fix, fresh := c.freshFix(); fresh {
		alert.Location = &model.Coordinates{Lat: fix.Lat, Lng: fix.Lng}
	}
	if c.history != nil {
		c.history.Add(alert)
	}
	if err := c.notifier.Notify(ctx, alert); err != nil {
		if !errors.Is(err, notify.ErrDispatchFailure) {
			err = fmt.Errorf("%w: %w", notify.ErrDispatchFailure, err)
		}
		return alert, err
	}
	if c.logger != nil {
		c.logger.Info("test alert sent", "alert_id", alert.ID, "contact_id", target.ID)
	}
	return alert, nil
}
