// Package natsbus bridges a local eventbus.Bus onto NATS for cross-process
// fan-out of agent and kernel events. It is additive: the in-process Bus
// (internal/eventbus) remains the source of truth and the synchronous
// delivery mechanism within one host; Bridge only mirrors the wildcard
// stream onto a NATS subject so a second process (e.g. a separate
// streaming gateway deployment) can observe the same events.
//
// Adapted from the teacher's NATSEventBus (internal/events/bus/nats.go):
// same connection-option shape (reconnect handlers, structured logging on
// every lifecycle transition), narrowed to the one-way mirroring role this
// spec's Non-goals (no multi-process distribution as a *requirement*, but
// nothing forbids an optional transport) leave room for.
package natsbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kandev/agentkernel/internal/common/logger"
	"github.com/kandev/agentkernel/internal/config"
	"github.com/kandev/agentkernel/internal/eventbus"
)

// Message is the wire form of a mirrored event.
type Message struct {
	Type      string    `json:"type"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Bridge mirrors one local bus's wildcard stream onto a NATS subject.
type Bridge struct {
	conn    *nats.Conn
	subject string
	source  string
	logger  *logger.Logger
}

// Connect dials NATS using cfg. Returns nil, nil if NATS is disabled in cfg
// so callers can treat a disabled bridge as an optional no-op.
func Connect(cfg config.NATSConfig, subject string, log *logger.Logger) (*Bridge, error) {
	if !cfg.Enabled || cfg.URL == "" {
		return nil, nil
	}

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info("nats connection closed")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	log.Info("connected to nats event mirror", zap.String("url", cfg.URL), zap.String("subject", subject))
	return &Bridge{conn: conn, subject: subject, source: cfg.ClientID, logger: log}, nil
}

// Attach subscribes to the local bus's wildcard sink and republishes every
// event onto the bridge's NATS subject. Failures to publish are logged, not
// returned — mirroring is best-effort and must never affect local delivery.
func (b *Bridge) Attach(bus *eventbus.Bus) {
	if b == nil {
		return
	}
	bus.OnWildcard(func(env eventbus.Envelope) {
		msg := Message{Type: env.Type, Source: b.source, Timestamp: time.Now().UTC(), Data: env.Data}
		payload, err := json.Marshal(msg)
		if err != nil {
			b.logger.Error("failed to marshal mirrored event", zap.String("type", env.Type), zap.Error(err))
			return
		}
		if err := b.conn.Publish(b.subject, payload); err != nil {
			b.logger.Error("failed to mirror event to nats", zap.String("type", env.Type), zap.Error(err))
		}
	})
}

// Close drains and closes the NATS connection.
func (b *Bridge) Close() {
	if b == nil || b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}
