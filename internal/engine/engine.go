// Package engine runs the dispatch loop: it pulls changes from a replication
// session, filters and classifies them, hands them to the handler and
// checkpoints the position once the handler returned.
//
// Dispatch is strictly sequential. An event is checkpointed only after the
// handler accepted it, so delivery is at-least-once: events handled but not
// yet checkpointed when the process dies or the connection drops are
// delivered again.
package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"mysqlevp/internal/checkpoint"
	"mysqlevp/internal/classifier"
	"mysqlevp/internal/filter"
	"mysqlevp/internal/handler"
	"mysqlevp/internal/models"
	"mysqlevp/internal/stream"
)

// State is the engine's position in its lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateStreaming
	StateReconnecting
	StateDraining
	StateStopped
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	case StateFatal:
		return "fatal"
	}
	return "unknown"
}

// Options tunes reconnect and handler retry behaviour. The zero value
// retries reconnects forever without delay and halts on the first handler
// failure.
type Options struct {
	Reconnect    RetryPolicy
	HandlerRetry HandlerRetryPolicy
}

// Engine owns the replication session and the checkpoint store for its
// lifetime. Run must be called at most once.
type Engine struct {
	source  stream.Source
	store   checkpoint.Store
	filter  *filter.TableFilter
	handler handler.Handler
	opts    Options
	logger  *logrus.Logger

	state    atomic.Int32
	stopCh   chan struct{}
	stopOnce sync.Once

	// checkpoint is the last durable position; resume is where the next
	// session starts. resume differs from checkpoint only before anything
	// was saved, when it holds the head position the first session began at.
	checkpoint *models.Position
	resume     *models.Position
	failures   int
	lastErr    error

	dispatched uint64
	skipped    uint64
}

// New creates an engine that reads changes from source, skips tables outside
// tables, hands the rest to h and records progress in store.
func New(source stream.Source, store checkpoint.Store, tables *filter.TableFilter, h handler.Handler, opts Options, logger *logrus.Logger) *Engine {
	return &Engine{
		source:  source,
		store:   store,
		filter:  tables,
		handler: h,
		opts:    opts,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// State returns the current lifecycle state. Safe to call from any goroutine.
func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setState(s State) {
	prev := State(e.state.Swap(int32(s)))
	if prev != s {
		e.logger.Debugf("Engine state %s -> %s", prev, s)
	}
}

// Stop asks the engine to finish the event in flight, checkpoint it, and
// return from Run without reading further. It does not wait.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.logger.Info("Stop requested, draining")
		for {
			cur := e.state.Load()
			if State(cur) == StateStopped || State(cur) == StateFatal {
				break
			}
			if e.state.CompareAndSwap(cur, int32(StateDraining)) {
				break
			}
		}
		close(e.stopCh)
	})
}

func (e *Engine) stopping() bool {
	select {
	case <-e.stopCh:
		return true
	default:
		return false
	}
}

// Checkpoint returns the last position saved during this run, or the one
// loaded at startup.
func (e *Engine) Checkpoint() *models.Position {
	return e.checkpoint
}

// Run streams until Stop is called, ctx is cancelled, or a fatal error
// occurs. It returns nil after a graceful stop. Cancelling ctx abandons the
// event in flight without checkpointing it and returns ctx.Err().
//
// Fatal errors are *stream.UnrecoverableError, *RetriesExhaustedError,
// *ClassificationError, *HandlerError and *CheckpointError.
func (e *Engine) Run(ctx context.Context) error {
	e.setState(StateDisconnected)

	pos, err := e.store.Load()
	if err != nil {
		return e.finish(ctx, &CheckpointError{Op: "load", Err: err})
	}
	e.checkpoint = pos
	e.resume = pos
	if pos == nil {
		e.logger.Info("No checkpoint found, starting from the current binlog head")
	}

	// Stop cancels only the pull side; handler calls and checkpoint saves
	// run on ctx so the event in flight can complete.
	pullCtx, cancelPull := context.WithCancel(ctx)
	defer cancelPull()
	go func() {
		select {
		case <-e.stopCh:
			cancelPull()
		case <-pullCtx.Done():
		}
	}()

	e.setState(StateConnecting)
	session, err := e.open(pullCtx)
	if err != nil {
		return e.finish(ctx, err)
	}
	defer func() {
		if session != nil {
			if err := session.Close(); err != nil {
				e.logger.Warnf("Failed to close replication session: %v", err)
			}
		}
	}()

	for {
		if e.stopping() {
			return e.finish(ctx, nil)
		}

		change, err := session.Next(pullCtx)
		if err != nil {
			if pullCtx.Err() != nil {
				return e.finish(ctx, pullCtx.Err())
			}
			if stream.IsUnrecoverable(err) {
				return e.finish(ctx, err)
			}

			e.failures++
			e.lastErr = err
			e.logger.Warnf("Replication stream error, reconnecting from %s: %v", describe(e.resume), err)
			e.setState(StateReconnecting)
			if err := session.Close(); err != nil {
				e.logger.Debugf("Error closing broken session: %v", err)
			}
			session = nil

			session, err = e.open(pullCtx)
			if err != nil {
				return e.finish(ctx, err)
			}
			continue
		}
		e.failures = 0

		if err := e.process(ctx, change); err != nil {
			return e.finish(ctx, err)
		}
	}
}

// open establishes a session at the resume position, retrying transient
// failures with backoff.
func (e *Engine) open(ctx context.Context) (stream.Session, error) {
	policy := e.opts.Reconnect
	for {
		if e.failures > 0 {
			if policy.MaxAttempts > 0 && e.failures >= policy.MaxAttempts {
				return nil, &RetriesExhaustedError{Attempts: e.failures, Err: e.lastErr}
			}
			if err := sleep(ctx, policy.backoff(e.failures-1)); err != nil {
				return nil, err
			}
		}

		session, err := e.source.Open(ctx, e.resume)
		if err == nil {
			if e.resume == nil {
				start := session.Position()
				e.resume = &start
			}
			e.logger.Infof("Replication session established at %s", session.Position())
			e.setState(StateStreaming)
			if e.stopping() {
				e.setState(StateDraining)
			}
			return session, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if stream.IsUnrecoverable(err) {
			return nil, err
		}

		e.failures++
		e.lastErr = err
		e.logger.Warnf("Failed to open replication session (attempt %d): %v", e.failures, err)
	}
}

func (e *Engine) process(ctx context.Context, change *stream.Change) error {
	if e.checkpoint != nil && change.Position.Compare(*e.checkpoint) <= 0 {
		// Replayed from the start of a transaction; already handled.
		return nil
	}

	if change.IsMarker() {
		return e.commit(change.Position)
	}

	if !e.filter.IsAllowed(change.Schema, change.Table) {
		e.skipped++
		e.logger.Debugf("Skipping %s event for %s.%s at %s", change.Kind, change.Schema, change.Table, change.Position)
		return e.commit(change.Position)
	}

	rows, err := classifier.Classify(change)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return e.commit(change.Position)
	}

	ev := &models.Envelope{
		ID:        change.Position.EventID(),
		Timestamp: change.Timestamp,
		Schema:    change.Schema,
		Table:     change.Table,
		Kind:      change.Kind,
		Rows:      rows,
		Position:  change.Position,
	}
	if err := e.dispatch(ctx, ev); err != nil {
		return err
	}
	e.dispatched++
	e.logger.Infof("Processed %s event %s for %s.%s (%d rows)", ev.Kind, ev.ID, ev.Schema, ev.Table, len(ev.Rows))

	return e.commit(change.Position)
}

func (e *Engine) dispatch(ctx context.Context, ev *models.Envelope) error {
	policy := e.opts.HandlerRetry
	for attempt := 1; ; attempt++ {
		err := handler.Dispatch(ctx, e.handler, ev)
		if err == nil {
			return nil
		}

		herr := &HandlerError{
			EventID:  ev.ID,
			Schema:   ev.Schema,
			Table:    ev.Table,
			Kind:     ev.Kind,
			Attempts: attempt,
			Err:      err,
		}
		if attempt > policy.MaxRetries || ctx.Err() != nil {
			return herr
		}

		e.logger.Warnf("Handler failed on event %s (attempt %d of %d), retrying: %v", ev.ID, attempt, policy.MaxRetries+1, err)
		if err := sleep(ctx, policy.Backoff); err != nil {
			return herr
		}
	}
}

func (e *Engine) commit(pos models.Position) error {
	if err := e.store.Save(pos); err != nil {
		return &CheckpointError{Op: "save", Position: &pos, Err: err}
	}
	e.checkpoint = &pos
	e.resume = &pos
	return nil
}

func (e *Engine) finish(ctx context.Context, err error) error {
	if err == nil || (errors.Is(err, context.Canceled) && e.stopping()) {
		e.setState(StateStopped)
		e.logger.Infof("Engine stopped at %s (%d events dispatched, %d skipped)", describe(e.checkpoint), e.dispatched, e.skipped)
		return nil
	}
	if ctx.Err() != nil {
		e.setState(StateStopped)
		e.logger.Warnf("Engine cancelled at %s, in-flight event not checkpointed", describe(e.checkpoint))
		return ctx.Err()
	}

	e.setState(StateFatal)
	e.logger.Errorf("Engine halted at %s: %v", describe(e.checkpoint), err)
	return err
}

func describe(pos *models.Position) string {
	if pos == nil {
		return "<head>"
	}
	return pos.String()
}
