package recognizer

import (
	"context"
	"sync"

	"distressguard/internal/transcribe"
)

// session is the transcribe.Session shared by the recognizers here. Stop only
// cancels; the worker goroutines report OnEnd themselves.
type session struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newSession(ctx context.Context) (*session, context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	return &session{cancel: cancel, done: make(chan struct{})}, ctx
}

func (s *session) Stop() error {
	s.cancel()
	return nil
}

// end marks the session finished and reports it once.
func (s *session) end(cb transcribe.Callback) {
	s.once.Do(func() {
		s.cancel()
		close(s.done)
		cb.OnEnd()
	})
}
