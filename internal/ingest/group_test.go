package ingest

import (
	"context"
	"testing"
	"time"

	"marketpulse/internal/stream"
)

func TestGroupWaitReturnsAfterFinalFlush(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan stream.Event)

	g := NewGroup(nil)
	g.Go(ctx, f.p, events)
	// Unbuffered sends return only once the pipeline has taken the event.
	events <- priceEvent("yes-1", "0.42", f.clock.Now())
	events <- priceEvent("no-1", "0.58", f.clock.Now())
	cancel()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer waitCancel()
	if err := g.Wait(waitCtx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	latest, err := f.store.LatestTicks(context.Background(), f.clock.Now().Add(-time.Minute), f.clock.Now())
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("expected pending ticks flushed before wait returned, got %d", len(latest))
	}
}

func TestGroupWaitHonoursDeadline(t *testing.T) {
	f := newFixture(t)
	runCtx, stop := context.WithCancel(context.Background())
	g := NewGroup(nil)
	// The event channel is never closed, so only stop ends the pipeline.
	g.Go(runCtx, f.p, make(chan stream.Event))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := g.Wait(ctx); err == nil {
		t.Fatalf("wait returned nil while a pipeline was still running")
	}
	stop()
	if err := g.Wait(context.Background()); err != nil {
		t.Fatalf("wait after stop: %v", err)
	}
}
