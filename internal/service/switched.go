package service

import (
	"context"
	"time"

	"marketpulse/internal/models"
	"marketpulse/internal/notify"
)

// SwitchedNotifier drops messages while feature.notifications is off.
type SwitchedNotifier struct {
	Settings *SystemSettingsService
	Next     notify.Notifier
}

func (n *SwitchedNotifier) Notify(ctx context.Context, msg notify.Message) error {
	if n == nil || n.Next == nil {
		return nil
	}
	if !n.Settings.IsEnabled(ctx, FeatureNotifications, true) {
		return nil
	}
	return n.Next.Notify(ctx, msg)
}

type WindowRunner interface {
	RunWindow(ctx context.Context, windowSeconds int, now time.Time) ([]models.Mover, error)
}

// SwitchedMovers gates tick-triggered movers runs on feature.instant_movers
// and feature.movers.
type SwitchedMovers struct {
	Settings *SystemSettingsService
	Next     WindowRunner
}

func (m *SwitchedMovers) RunWindow(ctx context.Context, windowSeconds int, now time.Time) ([]models.Mover, error) {
	if m == nil || m.Next == nil {
		return nil, nil
	}
	if !m.Settings.IsEnabled(ctx, FeatureMovers, true) || !m.Settings.IsEnabled(ctx, FeatureInstantMovers, true) {
		return nil, nil
	}
	return m.Next.RunWindow(ctx, windowSeconds, now)
}

type TickArchiver interface {
	ArchiveTicks(ctx context.Context, ticks []models.Tick) (string, error)
}

// SwitchedArchiver skips uploads while feature.tick_archive is off. An empty
// key tells retention nothing was stored.
type SwitchedArchiver struct {
	Settings *SystemSettingsService
	Next     TickArchiver
}

func (a *SwitchedArchiver) Enabled(ctx context.Context) bool {
	return a != nil && a.Next != nil && a.Settings.IsEnabled(ctx, FeatureTickArchive, false)
}

func (a *SwitchedArchiver) ArchiveTicks(ctx context.Context, ticks []models.Tick) (string, error) {
	if !a.Enabled(ctx) {
		return "", nil
	}
	return a.Next.ArchiveTicks(ctx, ticks)
}
