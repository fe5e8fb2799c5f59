package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"distressguard/internal/model"
)

// NATS publishes alerts on a core NATS subject.
type NATS struct {
	nc      *nats.Conn
	subject string
	publish func(subject string, data []byte) error
}

func NewNATS(url, subject string, logger *slog.Logger) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("distressguard"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if logger != nil && err != nil {
				logger.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if logger != nil {
				logger.Info("nats reconnected")
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATS{nc: nc, subject: subject, publish: nc.Publish}, nil
}

func (n *NATS) Notify(_ context.Context, alert model.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return wrap("nats", err)
	}
	if err := n.publish(n.subject, data); err != nil {
		return wrap("nats", err)
	}
	return nil
}

func (n *NATS) Close() error {
	if n.nc == nil {
		return nil
	}
	return n.nc.Drain()
}
