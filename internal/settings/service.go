package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"pairgate/internal/storage"
	logx "pairgate/pkg/logx"
)

// Service holds the current settings snapshot and persists changes to the store.
type Service struct {
	store storage.Store
	log   logx.Logger

	// writeMu serializes read-modify-write cycles within this process.
	writeMu sync.Mutex

	mu  sync.RWMutex
	cur Settings
}

func NewService(store storage.Store, log logx.Logger) *Service {
	return &Service{store: store, log: log, cur: Defaults()}
}

// Snapshot returns a copy of the current settings.
func (s *Service) Snapshot() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.Clone()
}

// Reload re-reads the document from the store. A missing document yields defaults.
func (s *Service) Reload(ctx context.Context) (Settings, error) {
	next, err := s.load(ctx)
	if err != nil {
		return s.Snapshot(), err
	}
	s.swap(next)
	return next.Clone(), nil
}

func (s *Service) load(ctx context.Context) (Settings, error) {
	doc, err := s.store.LoadSettings(ctx)
	if err != nil {
		return Settings{}, fmt.Errorf("load settings: %w", err)
	}
	next := Defaults()
	if len(doc) > 0 {
		if err := json.Unmarshal(doc, &next); err != nil {
			return Settings{}, fmt.Errorf("decode settings: %w", err)
		}
	}
	next.normalize()
	return next, nil
}

func (s *Service) swap(next Settings) {
	s.mu.Lock()
	s.cur = next
	s.mu.Unlock()
}

// Update applies a partial JSON document on top of the stored settings.
// Only recognized fields change; unknown fields are ignored.
func (s *Service) Update(ctx context.Context, patch []byte) (Settings, error) {
	return s.modify(ctx, func(cur *Settings) error {
		if err := json.Unmarshal(patch, cur); err != nil {
			return fmt.Errorf("%w: decode patch: %v", ErrInvalid, err)
		}
		return nil
	})
}

// ToggleMaintenance flips maintenance mode and returns the new value.
func (s *Service) ToggleMaintenance(ctx context.Context) (bool, error) {
	next, err := s.modify(ctx, func(cur *Settings) error {
		cur.Maintenance = !cur.Maintenance
		return nil
	})
	return next.Maintenance, err
}

func (s *Service) modify(ctx context.Context, fn func(*Settings) error) (Settings, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next, err := s.load(ctx)
	if err != nil {
		return s.Snapshot(), err
	}
	if err := fn(&next); err != nil {
		return s.Snapshot(), err
	}
	next.normalize()
	if err := next.validate(); err != nil {
		return s.Snapshot(), err
	}
	doc, err := json.Marshal(next)
	if err != nil {
		return s.Snapshot(), err
	}
	if err := s.store.SaveSettings(ctx, doc); err != nil {
		return s.Snapshot(), fmt.Errorf("save settings: %w", err)
	}
	s.swap(next)
	s.log.Info("settings updated", logx.Bool("maintenance", next.Maintenance), logx.Int("broadcast_limit", next.BroadcastLimit), logx.Int("blacklist", len(next.Blacklist)))
	return next.Clone(), nil
}
