package transcribe

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"distressguard/internal/metrics"
	"distressguard/internal/model"
)

type Listener func(model.TranscriptFragment)

type StateListener func(state model.SessionState, err error)

type Config struct {
	Language string
	Restart  RestartPolicy
}

// Engine keeps a recognition session running while monitoring is on.
//
// State transitions:
//
//	idle ──Start──▶ listening ──Stop──▶ stopped
//	                    │
//	                    └── unrecoverable error ──▶ error
//
// Sessions that end on their own while the engine is listening are restarted
// by the run loop. The listening flag is written under mu before any call into
// the recognizer and re-read by the loop before each restart, so a session end
// that races with Stop never restarts.
type Engine struct {
	recognizer Recognizer
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	mu         sync.Mutex
	cfg        Config
	state      model.SessionState
	lastErr    error
	listening  bool
	stop       chan struct{}
	session    Session
	transcript []string
	listener   Listener
	onState    StateListener

	// emitMu keeps listener calls in emission order.
	emitMu sync.Mutex
	wg     sync.WaitGroup
}

func NewEngine(rec Recognizer, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Engine {
	if rec == nil {
		rec = Unsupported{}
	}
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	if cfg.Restart == (RestartPolicy{}) {
		cfg.Restart = DefaultRestartPolicy()
	}
	return &Engine{
		recognizer: rec,
		logger:     logger,
		metrics:    m,
		now:        time.Now,
		cfg:        cfg,
		state:      model.SessionIdle,
	}
}

// SetListener registers the fragment consumer. Only one is kept.
func (e *Engine) SetListener(l Listener) {
	e.mu.Lock()
	e.listener = l
	e.mu.Unlock()
}

func (e *Engine) OnStateChange(l StateListener) {
	e.mu.Lock()
	e.onState = l
	e.mu.Unlock()
}

func (e *Engine) UpdateConfig(cfg Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cfg.Language != "" {
		e.cfg.Language = cfg.Language
	}
	if cfg.Restart != (RestartPolicy{}) {
		e.cfg.Restart = cfg.Restart
	}
}

func (e *Engine) State() model.SessionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Err returns the error that moved the engine to the error state, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

func (e *Engine) Listening() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.listening
}

// Transcript returns the final segments heard since Start.
func (e *Engine) Transcript() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return strings.Join(e.transcript, " ")
}

// Start begins continuous listening. It fails with ErrUnsupportedCapability,
// leaving the state untouched, when the host has no recognizer. Calling Start
// while already listening is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	if !e.recognizer.Available() {
		if e.logger != nil {
			e.logger.Warn("speech recognition unsupported, voice monitoring degraded")
		}
		return ErrUnsupportedCapability
	}
	e.mu.Lock()
	if e.listening {
		e.mu.Unlock()
		return nil
	}
	e.listening = true
	e.lastErr = nil
	e.transcript = nil
	stop := make(chan struct{})
	e.stop = stop
	notify := e.setStateLocked(model.SessionListening, nil)
	e.wg.Add(1)
	e.mu.Unlock()

	notify()
	e.metrics.SetListening(true)
	if e.logger != nil {
		e.logger.Info("voice monitoring started", "language", e.config().Language)
	}
	go e.run(ctx, stop)
	return nil
}

// Stop ends listening and clears the buffered transcript. Repeated calls
// produce a single stopped transition.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.transcript = nil
	if !e.listening {
		// A stop before any start still leaves the idle state.
		notify := func() {}
		if e.state == model.SessionIdle {
			notify = e.setStateLocked(model.SessionStopped, nil)
		}
		e.mu.Unlock()
		notify()
		return
	}
	e.listening = false
	close(e.stop)
	sess := e.session
	e.session = nil
	notify := e.setStateLocked(model.SessionStopped, nil)
	e.mu.Unlock()

	notify()
	e.metrics.SetListening(false)
	if sess != nil {
		if err := sess.Stop(); err != nil && e.logger != nil {
			e.logger.Warn("recognition session stop failed", "err", err)
		}
	}
	if e.logger != nil {
		e.logger.Info("voice monitoring stopped")
	}
}

// Wait blocks until the run loop of the last span has exited.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

func (e *Engine) run(ctx context.Context, stop chan struct{}) {
	defer e.wg.Done()
	limiter := newRestartLimiter(e.config().Restart)
	first := true
	for {
		if !e.stillListening(stop) {
			return
		}
		if !first {
			e.metrics.RecordRestart()
			if e.logger != nil {
				e.logger.Debug("restarting recognition session")
			}
		}
		first = false

		cfg := e.config()
		cb := newSessionCallback(e, stop)
		sess, err := e.recognizer.Start(ctx, Options{Language: cfg.Language, InterimResults: true}, cb)
		if err != nil {
			if Unrecoverable(err) {
				e.fail(stop, err)
				return
			}
			e.metrics.RecordRecognizerError("start")
			wait := limiter.next(e.now(), true)
			if e.logger != nil {
				e.logger.Warn("recognition session start failed", "err", err, "backoff", wait)
			}
			if !sleep(ctx, stop, wait) {
				e.halt(ctx, stop)
				return
			}
			continue
		}
		if !e.attach(stop, sess) {
			_ = sess.Stop()
			return
		}

		select {
		case <-cb.ended:
		case <-stop:
			return
		case <-ctx.Done():
			e.halt(ctx, stop)
			return
		}
		e.detach(stop, sess)

		if fatal := cb.fatalErr(); fatal != nil {
			e.fail(stop, fatal)
			return
		}
		wait := limiter.next(e.now(), cb.failed())
		if wait > 0 && e.logger != nil {
			e.logger.Warn("recognition errors repeating, backing off", "backoff", wait)
		}
		if !sleep(ctx, stop, wait) {
			e.halt(ctx, stop)
			return
		}
	}
}

func (e *Engine) stillListening(stop chan struct{}) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-stop:
		return false
	default:
	}
	return e.listening
}

func (e *Engine) attach(stop chan struct{}, sess Session) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-stop:
		return false
	default:
	}
	e.session = sess
	return true
}

func (e *Engine) detach(stop chan struct{}, sess Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stop == stop && e.session == sess {
		e.session = nil
	}
}

// fail ends the span in the error state.
func (e *Engine) fail(stop chan struct{}, err error) {
	e.mu.Lock()
	if e.stop != stop || !e.listening {
		e.mu.Unlock()
		return
	}
	e.listening = false
	close(stop)
	sess := e.session
	e.session = nil
	notify := e.setStateLocked(model.SessionError, err)
	e.mu.Unlock()

	notify()
	e.metrics.SetListening(false)
	e.metrics.RecordRecognizerError("fatal")
	if sess != nil {
		_ = sess.Stop()
	}
	if e.logger != nil {
		e.logger.Error("voice monitoring failed", "err", err)
	}
}

// halt handles context cancellation of the owning process.
func (e *Engine) halt(ctx context.Context, stop chan struct{}) {
	if ctx.Err() == nil {
		return
	}
	e.mu.Lock()
	owned := e.stop == stop && e.listening
	e.mu.Unlock()
	if owned {
		e.Stop()
	}
}

func (e *Engine) setStateLocked(state model.SessionState, err error) func() {
	if e.state == state {
		return func() {}
	}
	e.state = state
	e.lastErr = err
	l := e.onState
	if l == nil {
		return func() {}
	}
	return func() { l(state, err) }
}

func (e *Engine) emit(stop chan struct{}, text string, isFinal bool) {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()

	e.mu.Lock()
	select {
	case <-stop:
		e.mu.Unlock()
		return
	default:
	}
	frag := model.TranscriptFragment{Text: text, IsFinal: isFinal, Timestamp: e.now().UTC()}
	if isFinal && strings.TrimSpace(text) != "" {
		e.transcript = append(e.transcript, strings.TrimSpace(text))
	}
	l := e.listener
	e.mu.Unlock()

	e.metrics.RecordFragment(isFinal)
	if l != nil {
		l(frag)
	}
}

// sessionCallback binds one recognizer session to the span that started it.
type sessionCallback struct {
	engine  *Engine
	stop    chan struct{}
	ended   chan struct{}
	endOnce sync.Once
	errored atomic.Bool

	mu    sync.Mutex
	fatal error
}

func newSessionCallback(e *Engine, stop chan struct{}) *sessionCallback {
	return &sessionCallback{engine: e, stop: stop, ended: make(chan struct{})}
}

func (c *sessionCallback) OnResult(text string, isFinal bool) {
	c.engine.emit(c.stop, text, isFinal)
}

func (c *sessionCallback) OnError(err error) {
	if err == nil {
		return
	}
	c.errored.Store(true)
	if Unrecoverable(err) {
		c.mu.Lock()
		c.fatal = err
		c.mu.Unlock()
		c.OnEnd()
		return
	}
	kind := "transient"
	if errors.Is(err, context.Canceled) {
		kind = "canceled"
	}
	c.engine.metrics.RecordRecognizerError(kind)
	if c.engine.logger != nil {
		c.engine.logger.Warn("recognition session error", "err", err)
	}
}

func (c *sessionCallback) OnEnd() {
	c.endOnce.Do(func() { close(c.ended) })
}

func (c *sessionCallback) fatalErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatal
}

// failed reports whether the session reported an error. A silent natural end
// is not a failure and restarts without delay.
func (c *sessionCallback) failed() bool {
	return c.errored.Load()
}
