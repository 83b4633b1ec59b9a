package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pairgate/internal/eventbus"
	rtsup "pairgate/internal/runtime/supervisor"
	"pairgate/internal/settings"
	logx "pairgate/pkg/logx"
)

var (
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// SettingsSource provides the current runtime settings.
type SettingsSource interface {
	Snapshot() settings.Settings
}

// Service implements an async notification pipeline:
// queue + worker pool + rate limit. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log      logx.Logger
	bus      eventbus.Bus
	settings SettingsSource
	sinks    map[string]Sink

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan Notification
	sup       *rtsup.Supervisor
}

func New(cfg Config, src SettingsSource, bus eventbus.Bus, log logx.Logger) *Service {
	s := &Service{
		log:      log.With(logx.String("comp", "notifier")),
		bus:      bus,
		settings: src,
		sinks: map[string]Sink{
			ChannelWebhook:  &WebhookSink{},
			ChannelTelegram: &TelegramSink{},
		},
	}
	s.applyLocked(cfg)
	return s
}

// SetSink replaces the sink for a channel. Call before Start.
func (s *Service) SetSink(channel string, sink Sink) {
	s.mu.Lock()
	s.sinks[channel] = sink
	s.mu.Unlock()
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the workers and the bus listener. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan Notification, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	sup, q, workers := s.sup, s.queue, s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("notifier.worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			return nil
		})
	}
	if s.bus != nil {
		events, unsub := s.bus.Subscribe(64)
		sup.Go0("notifier.events", func(c context.Context) {
			defer unsub()
			s.eventLoop(c, events)
		})
	}
}

// Stop blocks new notifications, closes the queue and waits for workers
// to drain until ctx is done.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil || !s.accepting {
		s.mu.Unlock()
		return nil
	}
	s.accepting = false
	s.mu.Unlock()

	s.sendWG.Wait()
	close(q)
	done := make(chan struct{})
	go func() {
		// Workers return once the closed queue drains.
		for len(q) > 0 {
			time.Sleep(10 * time.Millisecond)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return sup.Stop(ctx)
}

// Notify enqueues n without blocking.
func (s *Service) Notify(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	select {
	case q <- n:
		return nil
	default:
		s.publish(EventDropped, n.Channel, ErrQueueFull)
		return ErrQueueFull
	}
}

// Alert implements logx.AlertSender: high-severity log records go to Telegram.
func (s *Service) Alert(ctx context.Context, text string) error {
	if !s.settings.Snapshot().TelegramEnabled() {
		return nil
	}
	return s.Notify(ctx, Notification{Channel: ChannelTelegram, Text: text})
}

func (s *Service) workerLoop(ctx context.Context, q <-chan Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-q:
			if !ok {
				return
			}
			s.send(ctx, n)
		}
	}
}

func (s *Service) send(ctx context.Context, n Notification) {
	s.mu.Lock()
	lim, sink, timeout := s.limiter, s.sinks[n.Channel], s.cfg.Timeout
	s.mu.Unlock()
	if sink == nil {
		return
	}
	if err := lim.Wait(ctx); err != nil {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	err := sink.Send(callCtx, n, s.settings.Snapshot())
	cancel()
	switch {
	case errors.Is(err, ErrNotConfigured):
		return
	case err != nil:
		// Logged at warn so a failing Telegram sink never feeds the alert sink.
		s.log.Warn("notification failed", logx.String("channel", n.Channel), logx.Err(err))
	}
	s.publish(EventSent, n.Channel, err)
}

func (s *Service) publish(typ, channel string, err error) {
	if s.bus == nil {
		return
	}
	ev := NotificationEvent{Channel: channel, At: time.Now()}
	if err != nil {
		typ = EventFailed
		if errors.Is(err, ErrQueueFull) {
			typ = EventDropped
		}
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

// eventLoop turns session and broadcast events into notifications.
func (s *Service) eventLoop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			for _, n := range s.fromEvent(ev) {
				if err := s.Notify(ctx, n); err != nil && !errors.Is(err, ErrStopped) {
					s.log.Debug("notification not queued", logx.String("event", ev.Type), logx.Err(err))
				}
			}
		}
	}
}

func (s *Service) fromEvent(ev eventbus.Event) []Notification {
	st := s.settings.Snapshot()
	var (
		payload WebhookPayload
		text    string
	)
	switch d := ev.Data.(type) {
	case eventbus.SessionConnected:
		payload = WebhookPayload{Event: "connected", SessionID: d.SessionID, Phone: d.Phone, Name: d.Name, Address: d.Address}
		text = fmt.Sprintf("New connection\n- name: %s\n- phone: %s\n- address: %s", d.Name, d.Phone, d.Address)
	case eventbus.BroadcastDone:
		payload = WebhookPayload{Event: "broadcast", SessionID: d.SessionID, Phone: d.Phone, Sent: d.Sent, Failed: d.Failed, Error: d.Err}
		var b strings.Builder
		fmt.Fprintf(&b, "Broadcast finished\n- phone: %s\n- sent: %d\n- failed: %d", d.Phone, d.Sent, d.Failed)
		if d.Err != "" {
			fmt.Fprintf(&b, "\n- error: %s", d.Err)
		}
		text = b.String()
	default:
		return nil
	}
	payload.PixelID = st.FacebookPixelID
	payload.Time = ev.Time

	var out []Notification
	if st.WebhookURL != "" {
		out = append(out, Notification{Channel: ChannelWebhook, Payload: payload, Text: text})
	}
	if st.TelegramEnabled() {
		out = append(out, Notification{Channel: ChannelTelegram, Payload: payload, Text: text})
	}
	return out
}
