package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"distressguard/internal/alerts"
	"distressguard/internal/contacts"
	"distressguard/internal/keyword"
	"distressguard/internal/location"
	"distressguard/internal/model"
	"distressguard/internal/notify"
)

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []model.Alert
	block  chan struct{}
	err    error
}

func (r *recordingNotifier) Notify(ctx context.Context, a model.Alert) error {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return r.err
}

func (r *recordingNotifier) sent() []model.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Alert, len(r.alerts))
	copy(out, r.alerts)
	return out
}

type fakeLocation struct {
	mu       sync.Mutex
	fix      *model.LocationFix
	fresh    bool
	acquired atomic.Int32
}

func (f *fakeLocation) Fresh() (*model.LocationFix, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fix == nil {
		return nil, false
	}
	fix := *f.fix
	return &fix, f.fresh
}

func (f *fakeLocation) Acquire(context.Context) (model.LocationFix, error) {
	f.acquired.Add(1)
	return model.LocationFix{}, location.ErrUnavailable
}

type failingRegistry struct{}

func (failingRegistry) List(context.Context) ([]model.Contact, error) {
	return nil, errors.New("database locked")
}

func waitForState(t *testing.T, c *Controller, want model.AlertState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state %s not reached, still %s", want, c.State())
}

func newController(cfg Config, n notify.Notifier, opts Options) *Controller {
	opts.Notifier = n
	return NewController(cfg, opts)
}

func TestVoiceDetectionEscalates(t *testing.T) {
	n := &recordingNotifier{}
	c := newController(Config{Cooldown: time.Hour}, n, Options{})
	defer c.Close()

	frag := model.TranscriptFragment{Text: "please help me", IsFinal: false, Timestamp: time.Now()}
	events := keyword.Match(frag)
	if len(events) != 1 || events[0].Keyword != "help" {
		t.Fatalf("expected one help event, got %+v", events)
	}
	if !c.HandleDetection(context.Background(), events[0]) {
		t.Fatalf("detection should raise an alert")
	}
	if c.State() != model.AlertEscalating && c.State() != model.AlertCoolingDown {
		t.Fatalf("expected escalation, got %s", c.State())
	}
	c.Wait()

	sent := n.sent()
	if len(sent) != 1 {
		t.Fatalf("expected one dispatch, got %d", len(sent))
	}
	if sent[0].Cause != model.CauseVoice || sent[0].Keyword != "help" {
		t.Fatalf("unexpected alert %+v", sent[0])
	}
	if sent[0].ID == "" || sent[0].TriggeredAt.IsZero() {
		t.Fatalf("alert should carry an id and trigger time: %+v", sent[0])
	}
}

func TestDoublePanicWithinCooldownDispatchesOnce(t *testing.T) {
	n := &recordingNotifier{}
	c := newController(Config{Cooldown: time.Hour}, n, Options{})
	defer c.Close()

	if !c.Panic(context.Background()) {
		t.Fatalf("first panic should raise an alert")
	}
	if c.Panic(context.Background()) {
		t.Fatalf("second panic should be suppressed")
	}
	c.Wait()
	if got := len(n.sent()); got != 1 {
		t.Fatalf("expected exactly one dispatch, got %d", got)
	}
	if sent := n.sent(); sent[0].Cause != model.CauseManual || sent[0].Keyword != "" {
		t.Fatalf("unexpected alert %+v", sent[0])
	}
}

func TestPanicWithoutLocationDispatchesNull(t *testing.T) {
	tracker := location.NewTracker(location.PositionerFunc(func(context.Context, location.PositionOptions) (model.LocationFix, error) {
		return model.LocationFix{}, location.ErrPermissionDenied
	}), location.Config{}, nil, nil)
	if _, err := tracker.Acquire(context.Background()); !errors.Is(err, location.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if tracker.Latest() != nil {
		t.Fatalf("latest should be nil")
	}

	n := &recordingNotifier{}
	c := newController(Config{Cooldown: time.Hour}, n, Options{Location: tracker})
	defer c.Close()
	if !c.Panic(context.Background()) {
		t.Fatalf("panic should raise an alert without a location")
	}
	c.Wait()
	sent := n.sent()
	if len(sent) != 1 {
		t.Fatalf("expected one dispatch, got %d", len(sent))
	}
	if sent[0].Location != nil {
		t.Fatalf("location should be absent, got %+v", sent[0].Location)
	}
	data, err := json.Marshal(sent[0])
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"location":null`) {
		t.Fatalf("payload should carry a null location: %s", data)
	}
}

func TestFreshLocationAttached(t *testing.T) {
	loc := &fakeLocation{fix: &model.LocationFix{Lat: -1.29, Lng: 36.82, CapturedAt: time.Now()}, fresh: true}
	n := &recordingNotifier{}
	c := newController(Config{Cooldown: time.Hour}, n, Options{Location: loc})
	defer c.Close()
	c.Panic(context.Background())
	c.Wait()
	sent := n.sent()
	if len(sent) != 1 || sent[0].Location == nil || sent[0].Location.Lat != -1.29 || sent[0].Location.Lng != 36.82 {
		t.Fatalf("fresh fix should be attached, got %+v", sent)
	}
	if loc.acquired.Load() != 0 {
		t.Fatalf("fresh fix should not trigger a refresh")
	}
}

func TestStaleLocationNotAttachedAndRefreshed(t *testing.T) {
	loc := &fakeLocation{fix: &model.LocationFix{Lat: 1, Lng: 2, CapturedAt: time.Now().Add(-time.Hour)}, fresh: false}
	n := &recordingNotifier{}
	c := newController(Config{Cooldown: time.Hour}, n, Options{Location: loc})
	defer c.Close()
	c.Panic(context.Background())
	c.Wait()
	sent := n.sent()
	if len(sent) != 1 || sent[0].Location != nil {
		t.Fatalf("stale fix must not be attached, got %+v", sent)
	}
	if loc.acquired.Load() != 1 {
		t.Fatalf("stale fix should start one refresh, got %d", loc.acquired.Load())
	}
}

func TestSuppressedWhileCoolingDownThenRearms(t *testing.T) {
	n := &recordingNotifier{}
	c := newController(Config{Cooldown: 80 * time.Millisecond}, n, Options{})
	defer c.Close()

	var mu sync.Mutex
	var states []model.AlertState
	c.OnStateChange(func(s model.AlertState, _ *model.Alert) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	if !c.Panic(context.Background()) {
		t.Fatalf("first panic should raise")
	}
	c.Wait()
	if c.State() != model.AlertCoolingDown {
		t.Fatalf("expected cooling_down after dispatch, got %s", c.State())
	}
	if c.HandleDetection(context.Background(), model.DetectionEvent{Keyword: "help"}) {
		t.Fatalf("detection during cooldown should be suppressed")
	}
	waitForState(t, c, model.AlertIdle)
	if !c.Panic(context.Background()) {
		t.Fatalf("panic after re-arm should raise")
	}
	c.Wait()
	if got := len(n.sent()); got != 2 {
		t.Fatalf("expected two dispatches, got %d", got)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []model.AlertState{model.AlertEscalating, model.AlertCoolingDown, model.AlertIdle, model.AlertEscalating, model.AlertCoolingDown}
	if len(states) != len(want) {
		t.Fatalf("transitions %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("transitions %v, want %v", states, want)
		}
	}
}

func TestRearmDoesNotWaitForDispatch(t *testing.T) {
	n := &recordingNotifier{block: make(chan struct{})}
	c := newController(Config{Cooldown: 30 * time.Millisecond, DispatchTimeout: 5 * time.Second}, n, Options{})
	defer c.Close()

	c.Panic(context.Background())
	if c.Panic(context.Background()) {
		t.Fatalf("panic while escalating should be suppressed")
	}
	waitForState(t, c, model.AlertIdle)
	close(n.block)
	c.Wait()
	if c.State() != model.AlertIdle {
		t.Fatalf("late dispatch completion must not leave idle, got %s", c.State())
	}
}

func TestRecipientsReadAtDispatch(t *testing.T) {
	book := contacts.NewBook(nil, nil)
	if _, err := book.Add(context.Background(), model.Contact{Name: "Amina", Phone: "+254700000001"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	history := alerts.NewStore(10)
	n := &recordingNotifier{}
	c := newController(Config{Cooldown: time.Hour}, n, Options{Contacts: book, History: history})
	defer c.Close()

	c.Panic(context.Background())
	c.Wait()
	sent := n.sent()
	if len(sent) != 1 || len(sent[0].Recipients) != 1 || sent[0].Recipients[0].Name != "Amina" {
		t.Fatalf("recipients not attached: %+v", sent)
	}
	if len(history.List(0)) != 1 {
		t.Fatalf("alert should be recorded in history")
	}
	st := c.Status()
	if st.Last == nil || st.Last.ID != sent[0].ID {
		t.Fatalf("status should expose the last alert: %+v", st)
	}
}

func TestRegistryFailureStillAlerts(t *testing.T) {
	n := &recordingNotifier{}
	c := newController(Config{Cooldown: time.Hour}, n, Options{Contacts: failingRegistry{}})
	defer c.Close()
	c.Panic(context.Background())
	c.Wait()
	sent := n.sent()
	if len(sent) != 1 || len(sent[0].Recipients) != 0 {
		t.Fatalf("alert should go out without recipients: %+v", sent)
	}
}

func TestDispatchFailureStillCoolsDown(t *testing.T) {
	n := &recordingNotifier{err: errors.New("gateway down")}
	c := newController(Config{Cooldown: time.Hour}, n, Options{})
	defer c.Close()
	c.Panic(context.Background())
	c.Wait()
	if c.State() != model.AlertCoolingDown {
		t.Fatalf("expected cooling_down after failed dispatch, got %s", c.State())
	}
}

func TestCanceledTriggerContextDoesNotAbortDispatch(t *testing.T) {
	n := &recordingNotifier{}
	c := newController(Config{Cooldown: time.Hour}, n, Options{})
	defer c.Close()
	ctx, cancel := context.WithCancel(context.Background())
	c.Panic(ctx)
	cancel()
	c.Wait()
	if len(n.sent()) != 1 {
		t.Fatalf("dispatch should survive the caller's context")
	}
}

func TestSendTest(t *testing.T) {
	reg := contacts.Static{{ID: "c1", Name: "Amina", Phone: "+1"}, {ID: "c2", Name: "Baraka", Phone: "+2"}}
	n := &recordingNotifier{}
	c := newController(Config{Cooldown: time.Hour}, n, Options{Contacts: reg})
	defer c.Close()

	if _, err := c.SendTest(context.Background(), "missing"); !errors.Is(err, contacts.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	a, err := c.SendTest(context.Background(), "c2")
	if err != nil {
		t.Fatalf("send test: %v", err)
	}
	if !a.Test || len(a.Recipients) != 1 || a.Recipients[0].ID != "c2" {
		t.Fatalf("unexpected test alert %+v", a)
	}
	if c.State() != model.AlertIdle {
		t.Fatalf("test alerts must not change the alert state, got %s", c.State())
	}
	if !c.Panic(context.Background()) {
		t.Fatalf("panic after a test alert should still raise")
	}
	c.Wait()

	n.err = errors.New("gateway down")
	if _, err := c.SendTest(context.Background(), "c1"); !errors.Is(err, notify.ErrDispatchFailure) {
		t.Fatalf("expected ErrDispatchFailure, got %v", err)
	}
}

func TestUpdateConfigAppliesToNextTrigger(t *testing.T) {
	n := &recordingNotifier{}
	c := newController(Config{Cooldown: time.Hour}, n, Options{})
	defer c.Close()
	c.UpdateConfig(Config{Cooldown: 20 * time.Millisecond})
	c.Panic(context.Background())
	c.Wait()
	waitForState(t, c, model.AlertIdle)
}
