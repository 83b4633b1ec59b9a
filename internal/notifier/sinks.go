package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"pairgate/internal/settings"
)

var ErrNotConfigured = errors.New("notification channel not configured")

// Sink delivers one notification using the current settings.
type Sink interface {
	Send(ctx context.Context, n Notification, st settings.Settings) error
}

// WebhookSink posts the payload as JSON.
type WebhookSink struct {
	Client *http.Client
}

func (w *WebhookSink) Send(ctx context.Context, n Notification, st settings.Settings) error {
	if st.WebhookURL == "" {
		return ErrNotConfigured
	}
	body, err := json.Marshal(n.Payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, st.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	hc := w.Client
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}

const telegramTimeout = 10 * time.Second

// TelegramSink sends bot messages. Bots are built lazily per token so a
// settings change takes effect on the next send.
type TelegramSink struct {
	// APIURL overrides the Bot API endpoint (tests).
	APIURL string

	mu    sync.Mutex
	token string
	bot   *tele.Bot
}

func (t *TelegramSink) botFor(token string) (*tele.Bot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil && t.token == token {
		return t.bot, nil
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     t.APIURL,
		Token:   token,
		Offline: true,
		Client:  &http.Client{Timeout: telegramTimeout},
	})
	if err != nil {
		return nil, err
	}
	t.bot, t.token = b, token
	return b, nil
}

func (t *TelegramSink) Send(_ context.Context, n Notification, st settings.Settings) error {
	if !st.TelegramEnabled() {
		return ErrNotConfigured
	}
	chatID, err := strconv.ParseInt(st.TelegramChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id: %w", err)
	}
	b, err := t.botFor(st.TelegramBotToken)
	if err != nil {
		return err
	}
	_, err = b.Send(&tele.Chat{ID: chatID}, n.Text, &tele.SendOptions{DisableWebPagePreview: true})
	return err
}
