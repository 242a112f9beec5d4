// Package handler defines the contract every sink implements.
package handler

import (
	"context"
	"fmt"

	"mysqlevp/internal/models"
)

// Handler receives classified events. Each call is synchronous: the engine
// waits for it to return before checkpointing or reading further. Handlers
// must tolerate receiving an envelope with an ID they have already seen; that
// happens after a reconnect or a restart.
//
// The envelope is only valid for the duration of the call.
type Handler interface {
	OnInsert(ctx context.Context, ev *models.Envelope) error
	OnUpdate(ctx context.Context, ev *models.Envelope) error
	OnDelete(ctx context.Context, ev *models.Envelope) error
}

// Dispatch calls the method of h matching the envelope's kind.
func Dispatch(ctx context.Context, h Handler, ev *models.Envelope) error {
	switch ev.Kind {
	case models.OperationInsert:
		return h.OnInsert(ctx, ev)
	case models.OperationUpdate:
		return h.OnUpdate(ctx, ev)
	case models.OperationDelete:
		return h.OnDelete(ctx, ev)
	}
	return fmt.Errorf("no handler method for operation %q", ev.Kind)
}
