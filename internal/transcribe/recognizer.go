// Package transcribe owns the continuous speech recognition lifecycle.
package transcribe

import (
	"context"
	"errors"
)

var (
	// ErrUnsupportedCapability means the host has no usable recognizer. It is
	// permanent; callers should surface a degraded mode and not retry.
	ErrUnsupportedCapability = errors.New("speech recognition unsupported on this host")
	// ErrPermissionDenied means the recognizer was refused access to audio.
	// Only an explicit user action should retry.
	ErrPermissionDenied = errors.New("speech recognition permission denied")
	// ErrSourceExhausted means the recognizer's input has ended for good, as
	// when a piped audio or transcript stream reaches EOF.
	ErrSourceExhausted = errors.New("speech source exhausted")
)

// Options configure one recognition session.
type Options struct {
	Language       string
	InterimResults bool
}

// Callback receives results from a single recognition session.
type Callback interface {
	// OnResult is called for every partial or final segment.
	OnResult(text string, isFinal bool)

	// OnError is called when the session reports an error. The session is
	// expected to end afterwards.
	OnError(err error)

	// OnEnd is called once when the session terminates, whether it was
	// stopped or ended on its own.
	OnEnd()
}

// Recognizer is the host speech-to-text capability.
type Recognizer interface {
	// Available reports whether recognition can run on this host at all.
	Available() bool

	// Start opens a session that reports to cb until it ends.
	Start(ctx context.Context, opts Options, cb Callback) (Session, error)
}

// Session is a running recognition session.
type Session interface {
	Stop() error
}

// Unrecoverable reports whether err should end the monitoring span instead of
// restarting the session.
func Unrecoverable(err error) bool {
	return errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrUnsupportedCapability) ||
		errors.Is(err, ErrSourceExhausted)
}

// Unsupported is a Recognizer for hosts without speech recognition.
type Unsupported struct{}

func (Unsupported) Available() bool { return false }

func (Unsupported) Start(context.Context, Options, Callback) (Session, error) {
	return nil, ErrUnsupportedCapability
}
