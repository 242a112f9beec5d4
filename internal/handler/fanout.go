package handler

import (
	"context"
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"mysqlevp/internal/models"
)

// Sink is a handler with a name used in error messages.
type Sink struct {
	Name    string
	Handler Handler
}

// Fanout delivers every envelope to all sinks concurrently and returns only
// once each of them has finished. The call fails if any sink fails, so the
// checkpoint moves only after every sink acknowledged the event.
type Fanout struct {
	sinks []Sink
}

// NewFanout creates a fan-out over sinks, in the order given.
func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks}
}

func (f *Fanout) OnInsert(ctx context.Context, ev *models.Envelope) error {
	return f.each(ctx, ev)
}

func (f *Fanout) OnUpdate(ctx context.Context, ev *models.Envelope) error {
	return f.each(ctx, ev)
}

func (f *Fanout) OnDelete(ctx context.Context, ev *models.Envelope) error {
	return f.each(ctx, ev)
}

// each runs every sink to completion even when one fails: a sink's publish
// is not cancelled because another sink rejected the event. The first error
// from Wait decides the outcome; the others are still reported.
func (f *Fanout) each(ctx context.Context, ev *models.Envelope) error {
	errs := make([]error, len(f.sinks))

	var g errgroup.Group
	for i, sink := range f.sinks {
		i, sink := i, sink
		g.Go(func() error {
			if err := Dispatch(ctx, sink.Handler, ev); err != nil {
				errs[i] = fmt.Errorf("sink %s: %w", sink.Name, err)
				return errs[i]
			}
			return nil
		})
	}
	if err := g.Wait(); err == nil {
		return nil
	}

	var result *multierror.Error
	for _, err := range errs {
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Close closes every sink that holds resources.
func (f *Fanout) Close() error {
	var result *multierror.Error
	for _, sink := range f.sinks {
		if closer, ok := sink.Handler.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("sink %s: %w", sink.Name, err))
			}
		}
	}
	return result.ErrorOrNil()
}
