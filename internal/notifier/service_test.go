package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"pairgate/internal/eventbus"
	"pairgate/internal/settings"
	logx "pairgate/pkg/logx"
)

type staticSettings struct{ st settings.Settings }

func (s staticSettings) Snapshot() settings.Settings { return s.st }

type recordSink struct {
	mu   sync.Mutex
	got  []Notification
	err  error
	seen chan struct{}
}

func newRecordSink() *recordSink { return &recordSink{seen: make(chan struct{}, 64)} }

func (r *recordSink) Send(_ context.Context, n Notification, _ settings.Settings) error {
	r.mu.Lock()
	r.got = append(r.got, n)
	err := r.err
	r.mu.Unlock()
	r.seen <- struct{}{}
	return err
}

func (r *recordSink) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.seen:
	case <-time.After(2 * time.Second):
		t.Fatal("sink not called")
	}
}

func TestWebhookSinkPostsJSON(t *testing.T) {
	t.Parallel()
	got := make(chan WebhookPayload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var p WebhookPayload
		_ = json.NewDecoder(r.Body).Decode(&p)
		got <- p
	}))
	defer srv.Close()

	sink := &WebhookSink{Client: srv.Client()}
	st := settings.Defaults()
	st.WebhookURL = srv.URL
	n := Notification{Channel: ChannelWebhook, Payload: WebhookPayload{Event: "connected", Phone: "62811"}}
	if err := sink.Send(context.Background(), n, st); err != nil {
		t.Fatalf("Send: %v", err)
	}
	p := <-got
	if p.Event != "connected" || p.Phone != "62811" {
		t.Fatalf("payload = %+v", p)
	}
}

func TestWebhookSinkErrors(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := &WebhookSink{Client: srv.Client()}
	if err := sink.Send(context.Background(), Notification{}, settings.Defaults()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("no url: err = %v", err)
	}
	st := settings.Defaults()
	st.WebhookURL = srv.URL
	if err := sink.Send(context.Background(), Notification{Payload: WebhookPayload{}}, st); err == nil {
		t.Fatal("expected error on 500")
	}
}

func TestTelegramSinkNotConfigured(t *testing.T) {
	t.Parallel()
	sink := &TelegramSink{}
	if err := sink.Send(context.Background(), Notification{Text: "x"}, settings.Defaults()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v", err)
	}
}

func TestServiceDeliversAndPublishes(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	svc := New(Config{Workers: 1, QueueSize: 4, RatePerSec: 100}, staticSettings{settings.Defaults()}, bus, logx.Nop())
	sink := newRecordSink()
	svc.SetSink(ChannelWebhook, sink)
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	if err := svc.Notify(context.Background(), Notification{Channel: ChannelWebhook, Text: "hi"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	sink.wait(t)
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == EventSent {
				return
			}
		case <-deadline:
			t.Fatal("no sent event")
		}
	}
}

func TestServiceQueueFull(t *testing.T) {
	t.Parallel()
	svc := New(Config{Workers: 1, QueueSize: 1, RatePerSec: 1}, staticSettings{settings.Defaults()}, nil, logx.Nop())
	block := make(chan struct{})
	svc.SetSink(ChannelWebhook, sinkFunc(func(ctx context.Context) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	}))
	svc.Start(context.Background())
	defer func() {
		close(block)
		_ = svc.Stop(context.Background())
	}()

	var full bool
	for i := 0; i < 10; i++ {
		if err := svc.Notify(context.Background(), Notification{Channel: ChannelWebhook}); errors.Is(err, ErrQueueFull) {
			full = true
			break
		}
	}
	if !full {
		t.Fatal("expected ErrQueueFull")
	}
}

func TestServiceStopRejects(t *testing.T) {
	t.Parallel()
	svc := New(Config{}, staticSettings{settings.Defaults()}, nil, logx.Nop())
	if err := svc.Notify(context.Background(), Notification{}); !errors.Is(err, ErrStopped) {
		t.Fatalf("before start: %v", err)
	}
	svc.Start(context.Background())
	if err := svc.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := svc.Notify(context.Background(), Notification{}); !errors.Is(err, ErrStopped) {
		t.Fatalf("after stop: %v", err)
	}
}

func TestServiceTranslatesBusEvents(t *testing.T) {
	t.Parallel()
	st := settings.Defaults()
	st.WebhookURL = "http://example.invalid/hook"
	st.FacebookPixelID = "px1"
	bus := eventbus.New()
	svc := New(Config{Workers: 1, RatePerSec: 100}, staticSettings{st}, bus, logx.Nop())
	sink := newRecordSink()
	svc.SetSink(ChannelWebhook, sink)
	tg := newRecordSink()
	svc.SetSink(ChannelTelegram, tg)
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	bus.Publish(eventbus.Event{Type: eventbus.TypeSessionConnected, Time: time.Now(), Data: eventbus.SessionConnected{
		SessionID: "s1", Phone: "62811", Name: "Ana", Address: "1.2.3.4",
	}})
	sink.wait(t)

	sink.mu.Lock()
	p, ok := sink.got[0].Payload.(WebhookPayload)
	sink.mu.Unlock()
	if !ok || p.Event != "connected" || p.Name != "Ana" || p.PixelID != "px1" {
		t.Fatalf("payload = %+v", sink.got[0].Payload)
	}
	tg.mu.Lock()
	defer tg.mu.Unlock()
	if len(tg.got) != 0 {
		t.Fatal("telegram is not configured and must not be called")
	}
}

func TestFromEventBroadcastText(t *testing.T) {
	t.Parallel()
	st := settings.Defaults()
	st.TelegramBotToken = "1:abc"
	st.TelegramChatID = "42"
	svc := New(Config{}, staticSettings{st}, nil, logx.Nop())
	out := svc.fromEvent(eventbus.Event{Type: eventbus.TypeBroadcastDone, Data: eventbus.BroadcastDone{
		Phone: "62811", Sent: 3, Failed: 1, Err: "boom",
	}})
	if len(out) != 1 || out[0].Channel != ChannelTelegram {
		t.Fatalf("out = %+v", out)
	}
	want := "Broadcast finished\n- phone: 62811\n- sent: 3\n- failed: 1\n- error: boom"
	if out[0].Text != want {
		t.Fatalf("text = %q", out[0].Text)
	}
	if got := svc.fromEvent(eventbus.Event{Type: eventbus.TypeLog, Data: eventbus.LogLine{}}); got != nil {
		t.Fatalf("unexpected notifications %v", got)
	}
}

type sinkFunc func(ctx context.Context) error

func (f sinkFunc) Send(ctx context.Context, _ Notification, _ settings.Settings) error { return f(ctx) }
