package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"marketpulse/internal/clock"
	"marketpulse/internal/models"
	"marketpulse/internal/repository"
)

const featurePrefix = "feature."

const (
	FeatureCatalogSync   = "feature.catalog_sync"
	FeatureRollup        = "feature.rollup"
	FeatureStats         = "feature.stats"
	FeatureMovers        = "feature.movers"
	FeatureInstantMovers = "feature.instant_movers"
	FeatureSpikes        = "feature.spikes"
	FeatureAlerts        = "feature.alerts"
	FeatureAlertCleanup  = "feature.alert_cleanup"
	FeatureArbitrage     = "feature.arbitrage"
	FeatureRetention     = "feature.retention"
	FeatureTickArchive   = "feature.tick_archive"
	FeatureNotifications = "feature.notifications"
)

func DefaultFeatureSwitches() map[string]bool {
	return map[string]bool{
		FeatureCatalogSync:   true,
		FeatureRollup:        true,
		FeatureStats:         true,
		FeatureMovers:        true,
		FeatureInstantMovers: true,
		FeatureSpikes:        true,
		FeatureAlerts:        true,
		FeatureAlertCleanup:  true,
		FeatureArbitrage:     true,
		FeatureRetention:     true,
		FeatureTickArchive:   false,
		FeatureNotifications: true,
	}
}

// SystemSettingsService reads per-stage switches from system_settings. Jobs
// consult it on every run so a switch flip needs no restart.
type SystemSettingsService struct {
	Repo   repository.SettingsRepository
	Logger *zap.Logger
	Clock  clock.Clock
}

func (s *SystemSettingsService) now() time.Time {
	return clock.OrReal(s.Clock).Now().UTC()
}

// EnsureDefaultSwitches inserts missing switches. Stored values win.
func (s *SystemSettingsService) EnsureDefaultSwitches(ctx context.Context) error {
	if s == nil || s.Repo == nil {
		return nil
	}
	now := s.now()
	for key, enabled := range DefaultFeatureSwitches() {
		existing, err := s.Repo.GetSystemSettingByKey(ctx, key)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		raw, _ := json.Marshal(enabled)
		item := &models.SystemSetting{
			Key:         key,
			Value:       datatypes.JSON(raw),
			Description: "feature switch",
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.Repo.UpsertSystemSetting(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

func (s *SystemSettingsService) IsEnabled(ctx context.Context, key string, fallback bool) bool {
	if s == nil || s.Repo == nil {
		return fallback
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fallback
	}
	item, err := s.Repo.GetSystemSettingByKey(ctx, key)
	if err != nil || item == nil || len(item.Value) == 0 {
		return fallback
	}
	var enabled bool
	if err := json.Unmarshal(item.Value, &enabled); err != nil {
		return fallback
	}
	return enabled
}

func (s *SystemSettingsService) SetEnabled(ctx context.Context, key string, enabled bool) error {
	if s == nil || s.Repo == nil {
		return nil
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	raw, _ := json.Marshal(enabled)
	item := &models.SystemSetting{
		Key:         key,
		Value:       datatypes.JSON(raw),
		Description: "feature switch",
		UpdatedAt:   s.now(),
	}
	return s.Repo.UpsertSystemSetting(ctx, item)
}

// Switch is one feature flag as the API shows it.
type Switch struct {
	Name        string    `json:"name"`
	Key         string    `json:"key"`
	Enabled     bool      `json:"enabled"`
	Description string    `json:"description,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (s *SystemSettingsService) ListSwitches(ctx context.Context) ([]Switch, error) {
	if s == nil || s.Repo == nil {
		return nil, nil
	}
	items, err := s.Repo.ListSystemSettings(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Switch, 0, len(items))
	for _, it := range items {
		if !strings.HasPrefix(it.Key, featurePrefix) {
			continue
		}
		enabled := false
		_ = json.Unmarshal(it.Value, &enabled)
		out = append(out, Switch{
			Name:        strings.TrimPrefix(it.Key, featurePrefix),
			Key:         it.Key,
			Enabled:     enabled,
			Description: it.Description,
			UpdatedAt:   it.UpdatedAt,
		})
	}
	return out, nil
}

// Guard wraps a job so it is skipped while key is switched off. Unknown keys
// default to their DefaultFeatureSwitches value.
func (s *SystemSettingsService) Guard(key string, job func(ctx context.Context) error) func(ctx context.Context) error {
	fallback := DefaultFeatureSwitches()[key]
	return func(ctx context.Context) error {
		if !s.IsEnabled(ctx, key, fallback) {
			if s != nil && s.Logger != nil {
				s.Logger.Debug("stage disabled", zap.String("switch", key))
			}
			return nil
		}
		return job(ctx)
	}
}
