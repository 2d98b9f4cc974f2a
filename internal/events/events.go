// Package events publishes appended turns for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"CourseChat/internal/session"

	"github.com/nats-io/nats.go"
)

// TurnEvent is the payload published for every appended turn
type TurnEvent struct {
	SessionID string       `json:"session_id"`
	Role      session.Role `json:"role"`
	Content   string       `json:"content"`
	At        time.Time    `json:"at"`
}

// Publisher announces appended turns. Implementations must not block the
// conversation on delivery problems.
type Publisher interface {
	PublishTurn(ctx context.Context, ev TurnEvent) error
	Close()
}

// Noop discards every event
type Noop struct{}

func (Noop) PublishTurn(context.Context, TurnEvent) error { return nil }
func (Noop) Close()                                       {}

// NATSPublisher publishes turn events to <prefix>.<session id>
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	logger *slog.Logger
}

// NewNATSPublisher connects to url. An empty prefix defaults to coursechat.turns.
func NewNATSPublisher(url, prefix string, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = "coursechat.turns"
	}

	nc, err := nats.Connect(url,
		nats.Name("coursechat"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger}, nil
}

// Subject returns the subject a session's turns are published on
func Subject(prefix, sessionID string) string {
	// NATS subjects treat '.', '*' and '>' as syntax and forbid whitespace
	clean := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, sessionID)
	return prefix + "." + clean
}

// PublishTurn publishes ev as JSON
func (p *NATSPublisher) PublishTurn(_ context.Context, ev TurnEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal turn event: %w", err)
	}
	if err := p.nc.Publish(Subject(p.prefix, ev.SessionID), data); err != nil {
		return fmt.Errorf("publish turn event: %w", err)
	}
	return nil
}

// Close drains pending messages and closes the connection
func (p *NATSPublisher) Close() {
	if err := p.nc.Drain(); err != nil {
		p.logger.Warn("failed to drain nats connection", "error", err)
	}
}
