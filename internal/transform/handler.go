package transform

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"mysqlevp/internal/handler"
	"mysqlevp/internal/models"
)

// middleware runs the transformer in front of another handler.
type middleware struct {
	transformer *Transformer
	next        handler.Handler
	logger      *logrus.Logger
}

// Wrap returns next unchanged when t has nothing to do. Otherwise events
// are transformed before reaching next; rejected events are dropped and
// reported as handled, so the checkpoint still moves past them.
func Wrap(t *Transformer, next handler.Handler, logger *logrus.Logger) handler.Handler {
	if t == nil || !t.Enabled() {
		return next
	}
	return &middleware{transformer: t, next: next, logger: logger}
}

func (m *middleware) OnInsert(ctx context.Context, ev *models.Envelope) error {
	return m.handle(ctx, ev)
}

func (m *middleware) OnUpdate(ctx context.Context, ev *models.Envelope) error {
	return m.handle(ctx, ev)
}

func (m *middleware) OnDelete(ctx context.Context, ev *models.Envelope) error {
	return m.handle(ctx, ev)
}

func (m *middleware) handle(ctx context.Context, ev *models.Envelope) error {
	transformed, err := m.transformer.Transform(ev)
	if errors.Is(err, ErrEventRejected) {
		m.logger.Debugf("Skipping event %s for %s.%s: rejected by transformer", ev.ID, ev.Schema, ev.Table)
		return nil
	}
	if err != nil {
		return err
	}
	return handler.Dispatch(ctx, m.next, transformed)
}
