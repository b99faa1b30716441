package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"marketpulse/internal/clock"
	"marketpulse/internal/metrics"
	"marketpulse/internal/models"
	"marketpulse/internal/repository"
)

// StatusSource yields the live per-venue connection snapshots.
type StatusSource interface {
	Snapshot() []metrics.VenueSnapshot
}

// VenueStatusService copies the in-memory connection state to venue_status
// so other processes can read it.
type VenueStatusService struct {
	Repo   repository.StatusRepository
	Source StatusSource
	Logger *zap.Logger
	Clock  clock.Clock
}

func (s *VenueStatusService) Persist(ctx context.Context) error {
	if s == nil || s.Repo == nil || s.Source == nil {
		return nil
	}
	now := clock.OrReal(s.Clock).Now().UTC()
	var errs []error
	for _, snap := range s.Source.Snapshot() {
		item := StatusRow(snap)
		item.UpdatedAt = now
		if err := s.Repo.UpsertVenueStatus(ctx, &item); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		if s.Logger != nil {
			s.Logger.Warn("venue status persist failed", zap.Error(err))
		}
		return err
	}
	return nil
}

func StatusRow(snap metrics.VenueSnapshot) models.VenueStatus {
	return models.VenueStatus{
		Venue:               snap.Venue,
		Connected:           snap.Connected,
		Mode:                snap.Mode,
		LatencyMs:           snap.LatencyMs,
		MessagesReceived:    snap.MessagesReceived,
		MessagesMalformed:   snap.MessagesMalformed,
		MessagesUnknown:     snap.MessagesUnknown,
		MessageRate:         snap.MessageRate,
		Reconnects:          snap.Reconnects,
		ConsecutiveFailures: snap.ConsecutiveFailures,
		SubscriptionCount:   snap.SubscriptionCount,
		SubscriptionTarget:  snap.SubscriptionTarget,
		TicksWritten:        snap.TicksWritten,
		TicksSkipped:        snap.TicksSkipped,
		LastError:           snap.LastError,
		LastMessageAt:       snap.LastMessageAt,
	}
}
