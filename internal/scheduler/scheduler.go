// Package scheduler drives the periodic jobs: the daily scheduled broadcast,
// admission memory sweeps and store backups.
package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pairgate/internal/settings"
	"pairgate/internal/storage"
	logx "pairgate/pkg/logx"
)

const (
	// InitialBackupDelay is how long after Start the first backup runs.
	InitialBackupDelay = 60 * time.Second

	tickSpec   = "0 * * * * *"
	backupSpec = "@every 24h"
)

type Config struct {
	// Timezone is an IANA name; empty means local.
	Timezone  string
	BackupDir string
}

type SettingsSource interface {
	Snapshot() settings.Settings
}

type Broadcaster interface {
	BroadcastAll(ctx context.Context) int
}

type Sweeper interface {
	Sweep(now time.Time) int
}

type Backuper interface {
	Backup(ctx context.Context, dir string, now time.Time) (string, error)
}

type Deps struct {
	Settings    SettingsSource
	Broadcaster Broadcaster
	Sweeper     Sweeper
	Store       Backuper
	Log         logx.Logger
	// Now is injectable for tests.
	Now func() time.Time
}

type Service struct {
	mu sync.Mutex

	cfg    Config
	deps   Deps
	log    logx.Logger
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	timer  *time.Timer
	ctx    context.Context

	// lastFired is the date (YYYY-MM-DD, scheduler timezone) of the last scheduled broadcast.
	lastFired string
}

func New(cfg Config, deps Deps) *Service {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Service{
		cfg:    cfg,
		deps:   deps,
		log:    log.With(logx.String("comp", "scheduler")),
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
	s.loc = s.loadLocation(cfg.Timezone)
	return s
}

// Apply updates the config. A timezone change restarts cron.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if oldTZ == strings.TrimSpace(cfg.Timezone) {
		return
	}
	s.loc = s.loadLocation(cfg.Timezone)
	if s.c != nil {
		ctx := s.ctx
		old := s.c
		s.c = nil
		go old.Stop()
		if err := s.startCronLocked(ctx); err != nil {
			s.log.Error("cron restart failed", logx.Err(err))
		}
	}
}

// Start registers the jobs and schedules the first backup. It is idempotent.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.ctx = ctx
	if err := s.startCronLocked(ctx); err != nil {
		return err
	}
	s.timer = time.AfterFunc(InitialBackupDelay, func() { s.backup(ctx) })
	s.log.Info("service started", logx.String("tz", s.loc.String()))
	return nil
}

func (s *Service) startCronLocked(ctx context.Context) error {
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	if _, err := c.AddFunc(tickSpec, func() { s.Tick(ctx) }); err != nil {
		return err
	}
	if _, err := c.AddFunc(backupSpec, func() { s.backup(ctx) }); err != nil {
		return err
	}
	c.Start()
	s.c = c
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, t := s.c, s.timer
	s.c, s.timer = nil, nil
	s.mu.Unlock()

	if t != nil {
		t.Stop()
	}
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.log.Info("service stopped")
}

// Tick runs the per-minute job. It reports whether the scheduled broadcast fired.
func (s *Service) Tick(ctx context.Context) bool {
	now := s.deps.Now()
	if s.deps.Sweeper != nil {
		if n := s.deps.Sweeper.Sweep(now); n > 0 {
			s.log.Debug("admission entries swept", logx.Int("n", n))
		}
	}
	return s.maybeBroadcast(ctx, now)
}

func (s *Service) maybeBroadcast(ctx context.Context, now time.Time) bool {
	if s.deps.Settings == nil || s.deps.Broadcaster == nil {
		return false
	}
	st := s.deps.Settings.Snapshot()
	if st.ScheduledTime == "" {
		return false
	}
	h, m, err := settings.ParseTimeOfDay(st.ScheduledTime)
	if err != nil {
		return false
	}

	s.mu.Lock()
	local := now.In(s.loc)
	date := local.Format(time.DateOnly)
	if local.Hour() != h || local.Minute() != m || s.lastFired == date {
		s.mu.Unlock()
		return false
	}
	s.lastFired = date
	s.mu.Unlock()

	n := s.deps.Broadcaster.BroadcastAll(ctx)
	s.log.Info("scheduled broadcast", logx.String("at", st.ScheduledTime), logx.Int("sessions", n))
	return true
}

// BackupNow writes a store backup into the configured directory.
func (s *Service) BackupNow(ctx context.Context) (string, error) {
	s.mu.Lock()
	dir := strings.TrimSpace(s.cfg.BackupDir)
	s.mu.Unlock()
	if dir == "" || s.deps.Store == nil {
		return "", storage.ErrBackupUnsupported
	}
	return s.deps.Store.Backup(ctx, dir, s.deps.Now())
}

func (s *Service) backup(ctx context.Context) {
	path, err := s.BackupNow(ctx)
	switch {
	case errors.Is(err, storage.ErrBackupUnsupported):
		s.log.Debug("backup skipped")
	case err != nil:
		s.log.Error("backup failed", logx.Err(err))
	default:
		s.log.Info("backup written", logx.String("path", path))
	}
}

func (s *Service) loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
