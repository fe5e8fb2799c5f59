package transcribe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"distressguard/internal/model"
)

type fakeSession struct {
	cb      Callback
	mu      sync.Mutex
	stopped bool
}

func (s *fakeSession) Stop() error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	// Host recognizers report the end asynchronously after a stop.
	go s.cb.OnEnd()
	return nil
}

func (s *fakeSession) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

type fakeRecognizer struct {
	mu        sync.Mutex
	startErrs []error
	started   chan *fakeSession
}

func newFakeRecognizer(startErrs ...error) *fakeRecognizer {
	return &fakeRecognizer{startErrs: startErrs, started: make(chan *fakeSession, 32)}
}

func (r *fakeRecognizer) Available() bool { return true }

func (r *fakeRecognizer) Start(_ context.Context, opts Options, cb Callback) (Session, error) {
	if !opts.InterimResults {
		return nil, errors.New("interim results must be requested")
	}
	r.mu.Lock()
	if len(r.startErrs) > 0 {
		err := r.startErrs[0]
		r.startErrs = r.startErrs[1:]
		r.mu.Unlock()
		return nil, err
	}
	r.mu.Unlock()
	s := &fakeSession{cb: cb}
	r.started <- s
	return s, nil
}

func fastPolicy() RestartPolicy {
	return RestartPolicy{ErrorThreshold: 3, ErrorWindow: time.Second, BaseBackoff: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond}
}

func nextSession(t *testing.T, r *fakeRecognizer) *fakeSession {
	t.Helper()
	select {
	case s := <-r.started:
		return s
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for a recognition session")
		return nil
	}
}

func noSession(t *testing.T, r *fakeRecognizer, wait time.Duration) {
	t.Helper()
	select {
	case <-r.started:
		t.Fatalf("unexpected recognition session started")
	case <-time.After(wait):
	}
}

func collect(e *Engine) chan model.TranscriptFragment {
	out := make(chan model.TranscriptFragment, 32)
	e.SetListener(func(f model.TranscriptFragment) { out <- f })
	return out
}

func nextFragment(t *testing.T, ch chan model.TranscriptFragment) model.TranscriptFragment {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for fragment")
		return model.TranscriptFragment{}
	}
}

func TestStartUnsupported(t *testing.T) {
	e := NewEngine(Unsupported{}, Config{}, nil, nil)
	if err := e.Start(context.Background()); !errors.Is(err, ErrUnsupportedCapability) {
		t.Fatalf("expected ErrUnsupportedCapability, got %v", err)
	}
	if e.State() != model.SessionIdle {
		t.Fatalf("state should stay idle, got %s", e.State())
	}
	if e.Listening() {
		t.Fatalf("engine must not be listening")
	}
}

func TestFragmentsCarryFinalFlag(t *testing.T) {
	rec := newFakeRecognizer()
	e := NewEngine(rec, Config{Restart: fastPolicy()}, nil, nil)
	frags := collect(e)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop()
	if e.State() != model.SessionListening {
		t.Fatalf("expected listening, got %s", e.State())
	}

	s := nextSession(t, rec)
	s.cb.OnResult("please help", false)
	s.cb.OnResult("please help me", true)

	first := nextFragment(t, frags)
	second := nextFragment(t, frags)
	if first.Text != "please help" || first.IsFinal {
		t.Fatalf("unexpected first fragment %+v", first)
	}
	if second.Text != "please help me" || !second.IsFinal {
		t.Fatalf("unexpected second fragment %+v", second)
	}
	if first.Timestamp.IsZero() {
		t.Fatalf("fragment should be timestamped")
	}
	if got := e.Transcript(); got != "please help me" {
		t.Fatalf("transcript should hold final segments only, got %q", got)
	}
}

func TestNaturalEndRestarts(t *testing.T) {
	rec := newFakeRecognizer()
	e := NewEngine(rec, Config{Restart: fastPolicy()}, nil, nil)
	frags := collect(e)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop()

	s1 := nextSession(t, rec)
	s1.cb.OnResult("hello", true)
	nextFragment(t, frags)
	s1.cb.OnEnd()

	s2 := nextSession(t, rec)
	s2.cb.OnResult("call the police", false)
	if f := nextFragment(t, frags); f.Text != "call the police" {
		t.Fatalf("expected fragment from restarted session, got %+v", f)
	}
	if e.State() != model.SessionListening {
		t.Fatalf("expected listening after restart, got %s", e.State())
	}
}

func TestStopIsIdempotentAndPreventsRestart(t *testing.T) {
	rec := newFakeRecognizer()
	e := NewEngine(rec, Config{Restart: fastPolicy()}, nil, nil)
	var mu sync.Mutex
	stopped := 0
	e.OnStateChange(func(state model.SessionState, _ error) {
		if state == model.SessionStopped {
			mu.Lock()
			stopped++
			mu.Unlock()
		}
	})
	frags := collect(e)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	s := nextSession(t, rec)
	s.cb.OnResult("testing", true)
	nextFragment(t, frags)

	e.Stop()
	e.Stop()
	if !s.isStopped() {
		t.Fatalf("underlying session should be stopped")
	}
	// A late session-end callback from the host must not restart anything.
	s.cb.OnEnd()
	s.cb.OnResult("help", false)
	noSession(t, rec, 50*time.Millisecond)
	e.Wait()

	mu.Lock()
	defer mu.Unlock()
	if stopped != 1 {
		t.Fatalf("expected exactly one stopped transition, got %d", stopped)
	}
	if e.State() != model.SessionStopped {
		t.Fatalf("expected stopped, got %s", e.State())
	}
	if e.Transcript() != "" {
		t.Fatalf("stop should clear the transcript")
	}
	select {
	case f := <-frags:
		t.Fatalf("fragment after stop should be dropped, got %+v", f)
	default:
	}
}

func TestRestartAfterStopThenStart(t *testing.T) {
	rec := newFakeRecognizer()
	e := NewEngine(rec, Config{Restart: fastPolicy()}, nil, nil)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	nextSession(t, rec)
	e.Stop()
	e.Wait()
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer e.Stop()
	nextSession(t, rec)
	if e.State() != model.SessionListening {
		t.Fatalf("expected listening, got %s", e.State())
	}
}

func TestUnrecoverableErrorEndsSpan(t *testing.T) {
	rec := newFakeRecognizer()
	e := NewEngine(rec, Config{Restart: fastPolicy()}, nil, nil)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	s := nextSession(t, rec)
	s.cb.OnError(ErrPermissionDenied)
	e.Wait()
	if e.State() != model.SessionError {
		t.Fatalf("expected error state, got %s", e.State())
	}
	if !errors.Is(e.Err(), ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", e.Err())
	}
	if e.Listening() {
		t.Fatalf("engine must stop listening after a fatal error")
	}
	noSession(t, rec, 30*time.Millisecond)
}

func TestTransientStartErrorsRetry(t *testing.T) {
	rec := newFakeRecognizer(errors.New("network"), errors.New("network"))
	e := NewEngine(rec, Config{Restart: fastPolicy()}, nil, nil)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop()
	nextSession(t, rec)
	if e.State() != model.SessionListening {
		t.Fatalf("expected listening, got %s", e.State())
	}
}

func TestContextCancelStops(t *testing.T) {
	rec := newFakeRecognizer()
	e := NewEngine(rec, Config{Restart: fastPolicy()}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := e.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	nextSession(t, rec)
	cancel()
	e.Wait()
	if e.Listening() {
		t.Fatalf("engine should stop when its context ends")
	}
}

func TestRestartLimiterBackoff(t *testing.T) {
	l := newRestartLimiter(RestartPolicy{
		ErrorThreshold: 3,
		ErrorWindow:    10 * time.Second,
		BaseBackoff:    100 * time.Millisecond,
		MaxBackoff:     400 * time.Millisecond,
	})
	now := time.Now()
	want := []time.Duration{0, 0, 100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 400 * time.Millisecond}
	for i, w := range want {
		if got := l.next(now.Add(time.Duration(i)*time.Millisecond), true); got != w {
			t.Fatalf("failure %d: expected %v got %v", i+1, w, got)
		}
	}
	if got := l.next(now, false); got != 0 {
		t.Fatalf("success should reset, got %v", got)
	}
	if got := l.next(now, true); got != 0 {
		t.Fatalf("streak should restart after success, got %v", got)
	}
}

func TestRestartLimiterWindow(t *testing.T) {
	l := newRestartLimiter(RestartPolicy{ErrorThreshold: 2, ErrorWindow: time.Second, BaseBackoff: 50 * time.Millisecond, MaxBackoff: time.Second})
	now := time.Now()
	if got := l.next(now, true); got != 0 {
		t.Fatalf("first failure: %v", got)
	}
	// Outside the window the earlier failure no longer counts.
	if got := l.next(now.Add(2*time.Second), true); got != 0 {
		t.Fatalf("spaced failure should not back off, got %v", got)
	}
	if got := l.next(now.Add(2*time.Second+10*time.Millisecond), true); got != 50*time.Millisecond {
		t.Fatalf("expected base backoff, got %v", got)
	}
}

func TestSilentNaturalEndsRestartWithoutBackoff(t *testing.T) {
	rec := newFakeRecognizer()
	// A backoff this long would stall the test if silent ends counted as failures.
	policy := RestartPolicy{ErrorThreshold: 2, ErrorWindow: time.Minute, BaseBackoff: 10 * time.Second, MaxBackoff: 10 * time.Second}
	e := NewEngine(rec, Config{Restart: policy}, nil, nil)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop()

	for i := 0; i < 6; i++ {
		s := nextSession(t, rec)
		s.cb.OnEnd()
	}
	nextSession(t, rec)
	if e.State() != model.SessionListening {
		t.Fatalf("expected listening, got %s", e.State())
	}
}

func TestStopBeforeStartTransitionsOnce(t *testing.T) {
	rec := newFakeRecognizer()
	e := NewEngine(rec, Config{Restart: fastPolicy()}, nil, nil)
	var mu sync.Mutex
	var states []model.SessionState
	e.OnStateChange(func(state model.SessionState, _ error) {
		mu.Lock()
		states = append(states, state)
		mu.Unlock()
	})

	e.Stop()
	e.Stop()

	if e.State() != model.SessionStopped {
		t.Fatalf("expected stopped, got %s", e.State())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(states) != 1 || states[0] != model.SessionStopped {
		t.Fatalf("expected a single stopped transition, got %v", states)
	}
	if e.Listening() {
		t.Fatalf("engine must not be listening")
	}
}
