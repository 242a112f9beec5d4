// Package nats publishes events to NATS core subjects or JetStream streams.
package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"mysqlevp/internal/config"
	"mysqlevp/internal/models"
	"mysqlevp/internal/sink/render"
)

const flushTimeout = 5 * time.Second

// Connect opens a NATS connection that reconnects on its own and logs its
// connection state changes.
func Connect(cfg config.NATSConfig, logger *logrus.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnect),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Warn("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Infof("Connected to NATS at %s", cfg.URL)
	return conn, nil
}

// Publisher handles publishing events to NATS
type Publisher struct {
	conn     *nats.Conn
	js       nats.JetStreamContext
	subject  string
	splitRow bool
	renderer *render.Renderer
	logger   *logrus.Logger
}

// NewPublisher takes ownership of conn. With JetStream enabled every message
// carries its ev_id as Nats-Msg-Id, so the stream drops replayed duplicates
// inside its dedupe window.
func NewPublisher(conn *nats.Conn, cfg config.NATSConfig, renderer *render.Renderer, logger *logrus.Logger) (*Publisher, error) {
	p := &Publisher{
		conn:     conn,
		subject:  cfg.Subject,
		splitRow: cfg.SplitRow,
		renderer: renderer,
		logger:   logger,
	}
	if cfg.JetStream {
		js, err := conn.JetStream()
		if err != nil {
			return nil, fmt.Errorf("failed to get JetStream context: %w", err)
		}
		p.js = js
	}
	return p, nil
}

func (p *Publisher) OnInsert(ctx context.Context, ev *models.Envelope) error {
	return p.Publish(ctx, ev)
}

func (p *Publisher) OnUpdate(ctx context.Context, ev *models.Envelope) error {
	return p.Publish(ctx, ev)
}

func (p *Publisher) OnDelete(ctx context.Context, ev *models.Envelope) error {
	return p.Publish(ctx, ev)
}

// Messages builds the messages for ev, one per row in split-row mode.
func (p *Publisher) Messages(ev *models.Envelope) ([]*nats.Msg, error) {
	subject := render.Topic(p.subject, ev.Schema, ev.Table)

	if !p.splitRow {
		data, err := render.Marshal(p.renderer.Event(ev), 0)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event: %w", err)
		}
		return []*nats.Msg{newMsg(subject, ev.ID, data)}, nil
	}

	docs := p.renderer.Rows(ev, true)
	msgs := make([]*nats.Msg, len(docs))
	for i, doc := range docs {
		data, err := render.Marshal(doc, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal row %d: %w", i, err)
		}
		msgs[i] = newMsg(subject, doc.MsgKey, data)
	}
	return msgs, nil
}

func newMsg(subject, id string, data []byte) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Header.Set(nats.MsgIdHdr, id)
	msg.Data = data
	return msg
}

// Publish sends every message of ev and returns once the server has them:
// JetStream acks each one, core NATS is flushed.
func (p *Publisher) Publish(ctx context.Context, ev *models.Envelope) error {
	msgs, err := p.Messages(ev)
	if err != nil {
		return err
	}

	for _, msg := range msgs {
		if p.js != nil {
			if _, err := p.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
				return fmt.Errorf("failed to publish to JetStream: %w", err)
			}
			continue
		}
		if err := p.conn.PublishMsg(msg); err != nil {
			return fmt.Errorf("failed to publish to NATS: %w", err)
		}
	}

	if p.js == nil {
		flushCtx, cancel := context.WithTimeout(ctx, flushTimeout)
		defer cancel()
		if err := p.conn.FlushWithContext(flushCtx); err != nil {
			return fmt.Errorf("failed to flush NATS connection: %w", err)
		}
	}

	p.logger.Debugf("Published %s event %s for %s.%s", ev.Kind, ev.ID, ev.Schema, ev.Table)
	return nil
}

// Close drains pending messages and closes the NATS connection.
func (p *Publisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}

// Conn returns the underlying NATS connection
func (p *Publisher) Conn() *nats.Conn {
	return p.conn
}
