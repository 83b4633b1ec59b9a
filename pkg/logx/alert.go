package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	alertMaxLen      = 3500
	alertFieldMaxLen = 600
	alertSendTimeout = 10 * time.Second
)

// AlertSender delivers a short operator alert, e.g. to a bot chat.
type AlertSender interface {
	Alert(ctx context.Context, text string) error
}

// alertSink is a zerolog LevelWriter that queues formatted records for the
// alert worker. It never blocks the caller.
type alertSink struct{ svc *Service }

func (a *alertSink) Write(p []byte) (int, error) {
	return a.WriteLevel(zerolog.InfoLevel, p)
}

func (a *alertSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := a.svc
	if s == nil {
		return len(p), nil
	}
	s.mu.Lock()
	ok := s.sender != nil && s.limiter != nil && level >= s.minLevel && s.limiter.Allow()
	s.mu.Unlock()
	if !ok {
		return len(p), nil
	}
	if text := formatAlert(p); text != "" {
		select {
		case s.alertQueue <- text:
		default:
		}
	}
	return len(p), nil
}

func (s *Service) runAlerts(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-s.alertQueue:
			s.mu.Lock()
			sender := s.sender
			s.mu.Unlock()
			if sender == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, alertSendTimeout)
			_ = sender.Alert(sctx, text)
			cancel()
		}
	}
}

// formatAlert renders a JSON record as "[LEVEL] message" followed by one
// "- key=value" line per extra field, keys sorted.
func formatAlert(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var rec map[string]any
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return clip(raw, alertMaxLen)
	}

	var b strings.Builder
	if lvl, _ := rec["level"].(string); lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	msg, _ := rec[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(rec))
	for k := range rec {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName:
		default:
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%s", k, clip(fmt.Sprint(rec[k]), alertFieldMaxLen))
	}
	return clip(b.String(), alertMaxLen)
}

func clip(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
