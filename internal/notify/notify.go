// Package notify delivers alerts to emergency contacts through best-effort
// channels. Delivery is never confirmed back to the escalation controller.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"distressguard/internal/location"
	"distressguard/internal/model"
)

// ErrDispatchFailure wraps every delivery error returned by a notifier.
var ErrDispatchFailure = errors.New("alert dispatch failed")

type Notifier interface {
	Notify(ctx context.Context, alert model.Alert) error
}

// Func adapts a function to the Notifier interface.
type Func func(ctx context.Context, alert model.Alert) error

func (f Func) Notify(ctx context.Context, alert model.Alert) error {
	return f(ctx, alert)
}

// Multi fans an alert out to every notifier. A failing notifier does not stop
// the others.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, alert model.Alert) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrDispatchFailure, errors.Join(errs...))
}

// Render builds the human readable alert message sent to contacts.
func Render(alert model.Alert) string {
	var b strings.Builder
	if alert.Test {
		b.WriteString("TEST ALERT\n")
		b.WriteString("This is a test of your emergency contact setup. No action is needed.\n")
	} else {
		b.WriteString("EMERGENCY ALERT\n")
		switch alert.Cause {
		case model.CauseVoice:
			fmt.Fprintf(&b, "Distress keyword %q detected!\n", alert.Keyword)
		default:
			b.WriteString("Panic button activated!\n")
		}
	}
	fmt.Fprintf(&b, "Time: %s", alert.TriggeredAt.UTC().Format(time.RFC1123))
	if alert.Location != nil {
		fix := model.LocationFix{Lat: alert.Location.Lat, Lng: alert.Location.Lng}
		fmt.Fprintf(&b, "\nLocation: %s", location.MapsURL(fix))
	} else {
		b.WriteString("\nLocation: unavailable")
	}
	return b.String()
}

func wrap(channel string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrDispatchFailure, channel, err)
}
