// Package events announces deployment state changes to other processes.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/splax/localvercel/internal/domain"
)

// DeploymentEvent is published on every deployment state change.
type DeploymentEvent struct {
	DeploymentID string                  `json:"deployment_id"`
	ProjectID    string                  `json:"project_id"`
	Status       domain.DeploymentStatus `json:"status"`
	Stage        string                  `json:"stage,omitempty"`
	URL          string                  `json:"url,omitempty"`
	Error        string                  `json:"error,omitempty"`
	Timestamp    time.Time               `json:"timestamp"`
}

// EventFromDeployment snapshots d.
func EventFromDeployment(d domain.Deployment) DeploymentEvent {
	ts := d.UpdatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return DeploymentEvent{
		DeploymentID: d.ID,
		ProjectID:    d.ProjectID,
		Status:       d.Status,
		Stage:        d.Stage,
		URL:          d.URL,
		Error:        d.Error,
		Timestamp:    ts,
	}
}

// Publisher sends deployment events.
type Publisher interface {
	PublishDeployment(ctx context.Context, event DeploymentEvent) error
	Close()
}

// Noop discards events.
type Noop struct{}

func (Noop) PublishDeployment(context.Context, DeploymentEvent) error { return nil }
func (Noop) Close()                                                   {}

// NATSPublisher publishes events on <subject>.<status>.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	logger  *slog.Logger
}

// NewNATSPublisher connects to url.
func NewNATSPublisher(url, subject string, logger *slog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("localvercel-api"),
		nats.MaxReconnects(-1),
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
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	logger.Info("nats publisher connected", "url", url, "subject", subject)
	return &NATSPublisher{conn: conn, subject: subject, logger: logger}, nil
}

// Subject returns the subject an event is published on.
func (p *NATSPublisher) Subject(event DeploymentEvent) string {
	return p.subject + "." + string(event.Status)
}

// PublishDeployment marshals and publishes event.
func (p *NATSPublisher) PublishDeployment(ctx context.Context, event DeploymentEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.conn.Publish(p.Subject(event), data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	p.logger.Debug("published deployment event", "deployment_id", event.DeploymentID, "status", event.Status)
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}
