package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pairgate/internal/broadcast"
	"pairgate/internal/eventbus"
	"pairgate/internal/identity"
	"pairgate/internal/settings"
	"pairgate/internal/storage"
	logx "pairgate/pkg/logx"
)

var (
	ErrInvalidPhone     = errors.New("invalid phone number")
	ErrClientCreate     = errors.New("identity client creation failed")
	ErrPairingCode      = errors.New("pairing code request failed")
	ErrConnectTimeout   = errors.New("connect timeout")
	ErrNotFound         = errors.New("session not found")
	ErrNotConnected     = errors.New("session not connected")
	ErrAlreadyBroadcast = errors.New("session already broadcast")
	ErrShuttingDown     = errors.New("session manager shutting down")
	ErrDuplicateID      = errors.New("duplicate session id")
)

const (
	DefaultConnectTimeout     = 5 * time.Minute
	DefaultAutoBroadcastDelay = 10 * time.Second

	storeTimeout = 5 * time.Second
)

// Requester receives failures that happen after StartSession returned.
type Requester interface {
	SessionFailed(sessionID string, err error)
}

// SettingsSource provides the current runtime settings.
type SettingsSource interface {
	Snapshot() settings.Settings
}

type Broadcaster interface {
	Run(ctx context.Context, c broadcast.Sender, message string, limit int, denyList []string) broadcast.Report
}

type Config struct {
	ConnectTimeout     time.Duration
	AutoBroadcastDelay time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

type Deps struct {
	Factory identity.Factory
	// Storage is the client library's per-session state; nil skips orphan cleanup.
	Storage     identity.Storage
	Store       storage.Store
	Settings    SettingsSource
	Broadcaster Broadcaster
	Bus         eventbus.Bus
	Log         logx.Logger
}

// Pairing is returned to the requester of a new session.
type Pairing struct {
	SessionID string `json:"sessionId"`
	Code      string `json:"code"`
}

// Manager owns the session state machine and every Registry mutation.
type Manager struct {
	deps    Deps
	cfg     Config
	reg     *Registry
	latency *latencyWindow
	log     logx.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	timingMu sync.RWMutex
}

func NewManager(deps Deps, cfg Config) *Manager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.AutoBroadcastDelay < 0 {
		cfg.AutoBroadcastDelay = DefaultAutoBroadcastDelay
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		deps:    deps,
		cfg:     cfg,
		reg:     NewRegistry(),
		latency: newLatencyWindow(),
		log:     deps.Log.With(logx.String("comp", "session")),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (m *Manager) Registry() *Registry { return m.reg }

// Apply updates the lifecycle timing for sessions started afterwards.
func (m *Manager) Apply(cfg Config) {
	m.timingMu.Lock()
	defer m.timingMu.Unlock()
	if cfg.ConnectTimeout > 0 {
		m.cfg.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.AutoBroadcastDelay >= 0 {
		m.cfg.AutoBroadcastDelay = cfg.AutoBroadcastDelay
	}
}

func (m *Manager) cfgConnectTimeout() time.Duration {
	d, _ := m.timing()
	return d
}

func (m *Manager) timing() (connectTimeout, autoBroadcastDelay time.Duration) {
	m.timingMu.RLock()
	defer m.timingMu.RUnlock()
	return m.cfg.ConnectTimeout, m.cfg.AutoBroadcastDelay
}

// CountActiveByAddress lets the manager serve as an admission session counter.
func (m *Manager) CountActiveByAddress(address string) int {
	return m.reg.CountActiveByAddress(address)
}

// StartOptions tunes one StartSession call.
type StartOptions struct {
	// Admit, when set, runs under the registry lock with the number of active
	// sessions from the requesting address. A non-nil error is returned
	// unchanged and no session is created.
	Admit func(active int) error
}

// StartSession registers a connecting session, creates its identity client
// and returns the pairing code. Failures are terminal for the session and
// never retried.
func (m *Manager) StartSession(ctx context.Context, phone, address string, req Requester) (Pairing, error) {
	return m.StartSessionWith(ctx, phone, address, req, StartOptions{})
}

// StartSessionWith is StartSession with an admission hook.
func (m *Manager) StartSessionWith(ctx context.Context, phone, address string, req Requester, opts StartOptions) (Pairing, error) {
	if m.ctx.Err() != nil {
		return Pairing{}, ErrShuttingDown
	}
	phone = settings.BareNumber(phone)
	if len(phone) < 6 || len(phone) > 15 {
		return Pairing{}, ErrInvalidPhone
	}

	s := newSession(phone, address, m.cfg.Now(), req)
	if err := m.reg.InsertIf(s, opts.Admit); err != nil {
		return Pairing{}, err
	}
	m.publishCounts()
	log := m.log.With(logx.String("session", s.ID))

	client, err := m.deps.Factory.NewClient(ctx, s.ID, phone)
	if err != nil {
		m.remove(s.ID)
		err = fmt.Errorf("%w: %w", ErrClientCreate, err)
		log.Warn("client create failed", logx.Err(err))
		m.appendLog(storage.LogError, fmt.Sprintf("%s: %v", phone, err))
		return Pairing{}, err
	}
	if !s.attachClient(client) {
		_ = client.Close()
		return Pairing{}, fmt.Errorf("%w: removed during setup", ErrNotFound)
	}

	code, err := client.PairingCode(ctx, phone)
	if err != nil {
		m.remove(s.ID)
		err = fmt.Errorf("%w: %w", ErrPairingCode, err)
		log.Warn("pairing code failed", logx.Err(err))
		m.appendLog(storage.LogError, fmt.Sprintf("%s: %v", phone, err))
		return Pairing{}, err
	}

	m.wg.Add(1)
	go m.watch(s, client)

	id := s.ID
	connectTimeout, _ := m.timing()
	time.AfterFunc(connectTimeout, func() { m.expire(id) })

	log.Info("pairing code issued", logx.String("phone", phone), logx.String("address", address))
	return Pairing{SessionID: s.ID, Code: code}, nil
}

// watch consumes the client's state feed; it owns all transitions driven by
// the client for this session.
func (m *Manager) watch(s *Session, client identity.Client) {
	defer m.wg.Done()
	events := client.Events()
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				if m.remove(s.ID) {
					m.appendLog(storage.LogDisconnect, fmt.Sprintf("%s: client closed", s.Phone))
				}
				return
			}
			switch {
			case ev.State == identity.StateConnected:
				m.onConnected(s, client)
			case ev.State.Terminal():
				if m.remove(s.ID) {
					m.log.Info("session ended", logx.String("session", s.ID), logx.String("state", string(ev.State)), logx.String("reason", ev.Reason))
					m.appendLog(storage.LogDisconnect, fmt.Sprintf("%s (%s): %s", displayOr(s), s.Phone, ev.State))
				}
				return
			}
		}
	}
}

func displayOr(s *Session) string {
	if n := s.DisplayName(); n != "" {
		return n
	}
	return s.Phone
}

// onConnected runs once per session, guarded by the connecting -> connected CAS.
func (m *Manager) onConnected(s *Session, client identity.Client) {
	if !s.advance(StatusConnecting, StatusConnected) {
		return
	}
	if cur, ok := m.reg.Get(s.ID); !ok || cur != s {
		return
	}
	now := m.cfg.Now()
	m.latency.Add(now.Sub(s.StartedAt))

	ctx, cancel := context.WithTimeout(m.ctx, storeTimeout)
	defer cancel()

	name := s.Phone
	if n, err := client.DisplayName(ctx); err == nil && n != "" {
		name = n
	} else if err != nil {
		m.log.Debug("display name unavailable", logx.String("session", s.ID), logx.Err(err))
	}
	s.setConnected(name, now)

	if err := m.deps.Store.InsertConnection(ctx, storage.ConnectionRecord{Phone: s.Phone, Name: name, Address: s.Address, ConnectedAt: now}); err != nil {
		m.log.Warn("persist connection failed", logx.String("session", s.ID), logx.Err(err))
	}
	m.appendLog(storage.LogConnect, fmt.Sprintf("%s (%s) connected", name, s.Phone))
	m.publishCounts()
	m.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypeSessionConnected, Data: eventbus.SessionConnected{
		SessionID: s.ID, Phone: s.Phone, Name: name, Address: s.Address,
	}})
	m.log.Info("session connected", logx.String("session", s.ID), logx.String("name", name), logx.Duration("latency", now.Sub(s.StartedAt)))

	snap := m.deps.Settings.Snapshot()
	if snap.WelcomeMessage != "" {
		msg := broadcast.Render(broadcast.WithLink(snap.WelcomeMessage, snap.ConversionLink), name)
		if err := client.Send(ctx, client.SelfID(), msg); err != nil {
			m.log.Warn("welcome message failed", logx.String("session", s.ID), logx.Err(err))
		}
	}
	if snap.BroadcastMessage != "" {
		id := s.ID
		_, delay := m.timing()
		time.AfterFunc(delay, func() { m.autoBroadcast(id) })
	}
}

// expire fires once per session; it is a no-op unless the session is still
// registered and connecting.
func (m *Manager) expire(id string) {
	s, ok := m.reg.Get(id)
	if !ok || !s.advance(StatusConnecting, StatusTerminated) {
		return
	}
	if !m.remove(id) {
		return
	}
	m.log.Info("session timed out", logx.String("session", id), logx.Duration("after", m.cfgConnectTimeout()))
	m.appendLog(storage.LogError, fmt.Sprintf("%s: %v", s.Phone, ErrConnectTimeout))
	if req := s.Requester(); req != nil {
		req.SessionFailed(id, ErrConnectTimeout)
	}
}

func (m *Manager) autoBroadcast(id string) {
	if m.ctx.Err() != nil {
		return
	}
	s, ok := m.reg.Get(id)
	if !ok || s.Status() != StatusConnected {
		return
	}
	run, err := m.prepareBroadcast(s)
	if err != nil {
		m.log.Debug("auto broadcast skipped", logx.String("session", id), logx.Err(err))
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		run(m.ctx)
	}()
}

// prepareBroadcast validates s and claims its broadcast slot. The returned
// func performs the run and reports the outcome.
func (m *Manager) prepareBroadcast(s *Session) (func(ctx context.Context) broadcast.Report, error) {
	if s.Status() != StatusConnected {
		return nil, ErrNotConnected
	}
	snap := m.deps.Settings.Snapshot()
	if snap.BroadcastMessage == "" {
		return nil, broadcast.ErrNoMessage
	}
	client := s.Client()
	if client == nil {
		return nil, ErrNotConnected
	}
	if !s.claimBroadcast() {
		return nil, ErrAlreadyBroadcast
	}
	msg := broadcast.WithLink(snap.BroadcastMessage, snap.ConversionLink)
	return func(ctx context.Context) broadcast.Report {
		rep := m.deps.Broadcaster.Run(ctx, client, msg, snap.BroadcastLimit, snap.Blacklist)
		m.finishBroadcast(s, rep)
		return rep
	}, nil
}

func (m *Manager) finishBroadcast(s *Session, rep broadcast.Report) {
	done := eventbus.BroadcastDone{SessionID: s.ID, Phone: s.Phone, Sent: rep.Sent, Failed: rep.Failed}
	if rep.Err != nil {
		done.Err = rep.Err.Error()
		m.log.Warn("broadcast ended with error", logx.String("session", s.ID), logx.String("report", rep.String()))
	} else {
		m.log.Info("broadcast finished", logx.String("session", s.ID), logx.String("report", rep.String()))
	}
	m.appendLog(storage.LogBroadcast, fmt.Sprintf("%s: %s", s.Phone, rep))
	m.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypeBroadcastDone, Data: done})
	m.publishCounts()
}

// Broadcast starts the one-shot broadcast for id in the background.
func (m *Manager) Broadcast(_ context.Context, id string) error {
	s, ok := m.reg.Get(id)
	if !ok {
		return ErrNotFound
	}
	run, err := m.prepareBroadcast(s)
	if err != nil {
		return err
	}
	m.appendLog(storage.LogAdmin, fmt.Sprintf("broadcast started for %s", s.Phone))
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		run(m.ctx)
	}()
	return nil
}

// BroadcastAll starts a broadcast on every connected session that has not
// broadcast yet. Runs proceed concurrently across sessions.
func (m *Manager) BroadcastAll(_ context.Context) int {
	started := 0
	m.reg.Each(func(s *Session) bool {
		return s.Status() == StatusConnected && !s.BroadcastDone()
	}, func(s *Session) {
		run, err := m.prepareBroadcast(s)
		if err != nil {
			return
		}
		started++
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			run(m.ctx)
		}()
	})
	if started > 0 {
		m.appendLog(storage.LogAdmin, fmt.Sprintf("broadcast started for %d sessions", started))
	}
	return started
}

func (m *Manager) Disconnect(id string) error {
	s, ok := m.reg.Get(id)
	if !ok || !m.remove(id) {
		return ErrNotFound
	}
	m.appendLog(storage.LogAdmin, fmt.Sprintf("disconnected %s", s.Phone))
	return nil
}

func (m *Manager) DisconnectAll() int {
	n := 0
	for _, s := range m.reg.Snapshot(nil) {
		if m.remove(s.ID) {
			n++
		}
	}
	if n > 0 {
		m.appendLog(storage.LogAdmin, fmt.Sprintf("disconnected %d sessions", n))
	}
	return n
}

type CleanupResult struct {
	Removed        int `json:"removed"`
	OrphansDeleted int `json:"orphansDeleted"`
}

// Cleanup removes sessions that are not connected or have no client, then
// deletes client storage with no matching registry entry.
func (m *Manager) Cleanup(ctx context.Context) (CleanupResult, error) {
	var res CleanupResult
	for _, s := range m.reg.Snapshot(func(s *Session) bool {
		return s.Status() != StatusConnected || s.Client() == nil
	}) {
		if m.remove(s.ID) {
			res.Removed++
		}
	}

	if m.deps.Storage != nil {
		ids, err := m.deps.Storage.List(ctx)
		if err != nil {
			return res, fmt.Errorf("list client storage: %w", err)
		}
		for _, id := range ids {
			if _, live := m.reg.Get(id); live {
				continue
			}
			if err := m.deps.Storage.Delete(ctx, id); err != nil {
				m.log.Warn("orphan storage delete failed", logx.String("session", id), logx.Err(err))
				continue
			}
			res.OrphansDeleted++
		}
	}
	m.appendLog(storage.LogAdmin, fmt.Sprintf("cleanup removed %d sessions, %d orphaned stores", res.Removed, res.OrphansDeleted))
	return res, nil
}

type Stats struct {
	Active       int     `json:"active"`
	Connecting   int     `json:"connecting"`
	Connected    int     `json:"connected"`
	AvgConnectMs float64 `json:"avgConnectMs"`
	Samples      int     `json:"latencySamples"`
}

func (m *Manager) Stats() Stats {
	by := m.reg.CountByStatus()
	avg, n := m.latency.Average()
	return Stats{
		Active:       by[StatusConnecting] + by[StatusConnected],
		Connecting:   by[StatusConnecting],
		Connected:    by[StatusConnected],
		AvgConnectMs: avg,
		Samples:      n,
	}
}

func (m *Manager) Sessions() []Info {
	list := m.reg.Snapshot(nil)
	out := make([]Info, 0, len(list))
	for _, s := range list {
		out = append(out, s.Info())
	}
	return out
}

// Shutdown stops background work and closes every client.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()
	for _, s := range m.reg.Snapshot(nil) {
		m.remove(s.ID)
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// remove is the only destructive operation. The caller that wins the
// registry removal closes the client and publishes; later calls are no-ops.
func (m *Manager) remove(id string) bool {
	s, ok := m.reg.Remove(id)
	if !ok {
		return false
	}
	s.markTerminated()
	if c := s.detachClient(); c != nil {
		if err := c.Close(); err != nil {
			m.log.Debug("client close failed", logx.String("session", id), logx.Err(err))
		}
	}
	m.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypeSessionRemoved, Data: eventbus.SessionRemoved{SessionID: id, Phone: s.Phone}})
	m.publishCounts()
	return true
}

func (m *Manager) publishCounts() {
	by := m.reg.CountByStatus()
	m.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypeSessionsChanged, Data: eventbus.SessionCounts{
		Active:    by[StatusConnecting] + by[StatusConnected],
		Connected: by[StatusConnected],
	}})
}

// appendLog persists a log record and mirrors it to live observers.
func (m *Manager) appendLog(typ, msg string) {
	now := m.cfg.Now()
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := m.deps.Store.AppendLog(ctx, storage.LogRecord{Type: typ, Message: msg, CreatedAt: now}); err != nil {
		m.log.Warn("persist log failed", logx.String("type", typ), logx.Err(err))
	}
	m.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypeLog, Time: now, Data: eventbus.LogLine{Type: typ, Message: msg, Time: now}})
}
