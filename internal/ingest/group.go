package ingest

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"marketpulse/internal/stream"
)

// Group runs one pipeline per venue. Wait returns once every pipeline has
// made its final flush, so stores can be closed after it.
type Group struct {
	wg     sync.WaitGroup
	logger *zap.Logger
}

func NewGroup(logger *zap.Logger) *Group {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Group{logger: logger}
}

func (g *Group) Go(ctx context.Context, p *Pipeline, events <-chan stream.Event) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := p.Run(ctx, events); err != nil && !errors.Is(err, context.Canceled) {
			g.logger.Warn("ingest pipeline stopped", zap.String("venue", p.venue), zap.Error(err))
		}
	}()
}

// Wait blocks until all pipelines return or ctx is done.
func (g *Group) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
