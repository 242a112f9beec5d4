// Package console prints one JSON document per affected row.
package console

import (
	"context"
	"fmt"
	"io"
	"sync"

	"mysqlevp/internal/models"
	"mysqlevp/internal/sink/render"
)

// Sink writes one JSON document per affected row.
type Sink struct {
	mu       sync.Mutex
	out      io.Writer
	renderer *render.Renderer
	indent   int
}

// New creates a console sink writing to out. indent is the number of spaces
// per nesting level; zero writes compact single-line documents.
func New(out io.Writer, renderer *render.Renderer, indent int) *Sink {
	return &Sink{out: out, renderer: renderer, indent: indent}
}

func (s *Sink) OnInsert(ctx context.Context, ev *models.Envelope) error {
	return s.dump(ev)
}

func (s *Sink) OnUpdate(ctx context.Context, ev *models.Envelope) error {
	return s.dump(ev)
}

func (s *Sink) OnDelete(ctx context.Context, ev *models.Envelope) error {
	return s.dump(ev)
}

func (s *Sink) dump(ev *models.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, doc := range s.renderer.Rows(ev, false) {
		data, err := render.Marshal(doc, s.indent)
		if err != nil {
			return fmt.Errorf("failed to marshal row of %s: %w", ev.ID, err)
		}
		data = append(data, '\n')
		if _, err := s.out.Write(data); err != nil {
			return fmt.Errorf("failed to write event %s: %w", ev.ID, err)
		}
	}
	return nil
}
