// Package events announces document lifecycle changes on NATS.
//
// Events are published to {prefix}.{type}, for example
// docsearch.documents.ingested. Delivery is best effort: callers log publish
// failures and carry on.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "docsearch.documents"

// Type is the kind of lifecycle change.
type Type string

const (
	TypeIngested Type = "ingested"
	TypeDeleted  Type = "deleted"
)

// Event describes one document lifecycle change.
type Event struct {
	ID               string    `json:"id"`
	Type             Type      `json:"type"`
	DocumentID       string    `json:"documentId"`
	DepartmentID     string    `json:"departmentId,omitempty"`
	DepartmentName   string    `json:"departmentName,omitempty"`
	FileName         string    `json:"fileName,omitempty"`
	EmbeddingsStored bool      `json:"embeddingsStored"`
	OccurredAt       time.Time `json:"occurredAt"`
}

// Publisher announces events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// NopPublisher discards events. It is used when NATS is not configured.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Close implements Publisher.
func (NopPublisher) Close() error { return nil }

// NATSPublisher publishes JSON events on a NATS connection.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	owned  bool
	logger *zap.Logger
}

// NewNATSPublisher publishes on an existing connection. Close leaves the
// connection open.
func NewNATSPublisher(nc *nats.Conn, prefix string, logger *zap.Logger) (*NATSPublisher, error) {
	if nc == nil {
		return nil, errors.New("nats connection cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if strings.ContainsAny(prefix, " *>") {
		return nil, fmt.Errorf("invalid subject prefix %q", prefix)
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger}, nil
}

// Connect dials url and returns a publisher that owns the connection.
func Connect(url, prefix string, logger *zap.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("docsearch"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	p, err := NewNATSPublisher(nc, prefix, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	p.owned = true
	return p, nil
}

// Subject returns the subject events of type t are published on.
func (p *NATSPublisher) Subject(t Type) string {
	return p.prefix + "." + string(t)
}

// Publish implements Publisher. ID and OccurredAt are filled when empty.
func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	if e.Type != TypeIngested && e.Type != TypeDeleted {
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := nats.NewMsg(p.Subject(e.Type))
	msg.Header.Set("Content-Type", "application/json")
	msg.Header.Set(nats.MsgIdHdr, e.ID)
	msg.Data = data

	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s event: %w", e.Type, err)
	}
	p.logger.Debug("published document event",
		zap.String("subject", msg.Subject),
		zap.String("document_id", e.DocumentID))
	return nil
}

// Close drains the connection if the publisher owns it.
func (p *NATSPublisher) Close() error {
	if !p.owned {
		return nil
	}
	return p.nc.Drain()
}
