package store

import (
	"context"
	"sync"

	"github.com/Samyk000/LinkVault-sub000/internal/backend"
	"github.com/Samyk000/LinkVault-sub000/internal/cache"
)

type SettingsPatch struct {
	Theme     *string `json:"theme,omitempty"`
	ViewMode  *string `json:"viewMode,omitempty"`
	SortOrder *string `json:"sortOrder,omitempty"`
}

// SettingsStore handles the single per-user settings row. Writes are
// optimistic like the entity stores; there is no insert path because the
// backend upserts.
type SettingsStore struct {
	*shared

	mu        sync.Mutex
	current   backend.Settings
	loadedFor string
}

func (s *SettingsStore) key(userID string) string {
	return cache.Key(userID, "settings", "get")
}

func (s *SettingsStore) tags(userID string) []string {
	return []string{SettingsTag(userID), UserTag(userID)}
}

func (s *SettingsStore) Get(ctx context.Context) (backend.Settings, error) {
	var zero backend.Settings
	user, err := s.requireUser()
	if err != nil {
		return zero, err
	}
	value, err := s.loader.Do(ctx, s.key(user.ID), func(ctx context.Context) (any, error) {
		settings, err := s.api.GetSettings(ctx)
		if err != nil {
			return nil, s.remoteErr(err)
		}
		s.setCurrent(user.ID, settings)
		return settings, nil
	}, &cache.SetOptions{TTL: s.timeouts.ListTTL, Tags: s.tags(user.ID)})
	if err != nil {
		return zero, err
	}
	return value.(backend.Settings), nil
}

func (s *SettingsStore) Update(ctx context.Context, patch SettingsPatch) (backend.Settings, error) {
	var zero backend.Settings
	user, err := s.requireUser()
	if err != nil {
		return zero, err
	}
	if err := validateAgainst(settingsSchema, patch); err != nil {
		return zero, err
	}
	prev, err := s.Get(ctx)
	if err != nil {
		return zero, err
	}

	applied := prev
	applied.UserID = user.ID
	if patch.Theme != nil {
		applied.Theme = *patch.Theme
	}
	if patch.ViewMode != nil {
		applied.ViewMode = *patch.ViewMode
	}
	if patch.SortOrder != nil {
		applied.SortOrder = *patch.SortOrder
	}
	applied.UpdatedAt = s.now()

	updated, err := mutate(ctx, mutation[backend.Settings]{
		timeout:  s.timeouts.Update,
		apply:    func() { s.apply(user.ID, applied) },
		remote:   func(ctx context.Context) (backend.Settings, error) { return s.api.UpdateSettings(ctx, applied) },
		commit:   func(updated backend.Settings) { s.apply(user.ID, updated) },
		rollback: func() { s.rollback(user.ID, prev, applied) },
	})
	if err != nil {
		return zero, s.remoteErr(err)
	}
	return updated, nil
}

// Replace installs a fresh server snapshot, for the realtime bridge.
func (s *SettingsStore) Replace(userID string, settings backend.Settings) {
	s.setCurrent(userID, settings)
	s.reseed(userID)
}

func (s *SettingsStore) setCurrent(userID string, settings backend.Settings) {
	s.mu.Lock()
	s.current = settings
	s.loadedFor = userID
	s.mu.Unlock()
}

func (s *SettingsStore) apply(userID string, settings backend.Settings) {
	s.setCurrent(userID, settings)
	s.reseed(userID)
}

func (s *SettingsStore) rollback(userID string, prev, applied backend.Settings) {
	s.mu.Lock()
	superseded := s.current.UpdatedAt.After(applied.UpdatedAt)
	if !superseded {
		s.current = prev
	}
	s.mu.Unlock()
	if superseded {
		s.logf("store: skip rollback of settings for %s, superseded by newer change", userID)
	}
	s.reseed(userID)
}

func (s *SettingsStore) reseed(userID string) {
	s.mu.Lock()
	snapshot := s.current
	s.mu.Unlock()
	s.cache.InvalidateTags(SettingsTag(userID))
	s.cache.Set(s.key(userID), snapshot, cache.SetOptions{
		TTL:  s.timeouts.ListTTL,
		Tags: s.tags(userID),
	})
}
