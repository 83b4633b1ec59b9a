package settings

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBroadcastLimit       = 50
	DefaultMaxSessionsPerIP     = 2
	DefaultRateLimitWindowMs    = int64(time.Hour / time.Millisecond)
	DefaultRateLimitMaxAttempts = 3
)

// ErrInvalid marks a rejected settings document or patch.
var ErrInvalid = errors.New("invalid settings")

// Settings is the operator-editable runtime document. It is read and written
// as a whole; concurrent writers race and the last write wins.
type Settings struct {
	BroadcastMessage string `json:"broadcastMessage"`
	BroadcastLimit   int    `json:"broadcastLimit"`
	WelcomeMessage   string `json:"welcomeMessage"`
	WebhookURL       string `json:"webhookUrl"`
	// ScheduledTime is "HH:MM" or empty.
	ScheduledTime    string `json:"scheduledTime"`
	ConversionLink   string `json:"conversionLink"`
	FacebookPixelID  string `json:"facebookPixelId"`
	TelegramBotToken string `json:"telegramBotToken"`
	TelegramChatID   string `json:"telegramChatId"`

	MaxSessionsPerIP     int   `json:"maxSessionsPerIp"`
	RateLimitWindowMs    int64 `json:"rateLimitWindowMs"`
	RateLimitMaxAttempts int   `json:"rateLimitMaxAttempts"`

	// Blacklist holds bare numbers excluded from broadcast delivery.
	Blacklist   []string `json:"blacklist"`
	Maintenance bool     `json:"maintenance"`
}

func Defaults() Settings {
	return Settings{
		BroadcastLimit:       DefaultBroadcastLimit,
		MaxSessionsPerIP:     DefaultMaxSessionsPerIP,
		RateLimitWindowMs:    DefaultRateLimitWindowMs,
		RateLimitMaxAttempts: DefaultRateLimitMaxAttempts,
		Blacklist:            []string{},
	}
}

// Clone returns a deep copy.
func (s Settings) Clone() Settings {
	s.Blacklist = slices.Clone(s.Blacklist)
	if s.Blacklist == nil {
		s.Blacklist = []string{}
	}
	return s
}

func (s Settings) RateLimitWindow() time.Duration {
	return time.Duration(s.RateLimitWindowMs) * time.Millisecond
}

// TelegramEnabled reports whether bot alerts can be delivered.
func (s Settings) TelegramEnabled() bool {
	return s.TelegramBotToken != "" && s.TelegramChatID != ""
}

// normalize fills zero or negative numeric fields with defaults and reduces
// blacklist entries to bare digits.
func (s *Settings) normalize() {
	if s.BroadcastLimit <= 0 {
		s.BroadcastLimit = DefaultBroadcastLimit
	}
	if s.MaxSessionsPerIP <= 0 {
		s.MaxSessionsPerIP = DefaultMaxSessionsPerIP
	}
	if s.RateLimitWindowMs <= 0 {
		s.RateLimitWindowMs = DefaultRateLimitWindowMs
	}
	if s.RateLimitMaxAttempts <= 0 {
		s.RateLimitMaxAttempts = DefaultRateLimitMaxAttempts
	}
	s.ScheduledTime = strings.TrimSpace(s.ScheduledTime)
	s.WebhookURL = strings.TrimSpace(s.WebhookURL)

	seen := map[string]struct{}{}
	deny := make([]string, 0, len(s.Blacklist))
	for _, raw := range s.Blacklist {
		n := BareNumber(raw)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		deny = append(deny, n)
	}
	s.Blacklist = deny
}

func (s Settings) validate() error {
	var errs []error
	if s.ScheduledTime != "" {
		if _, _, err := ParseTimeOfDay(s.ScheduledTime); err != nil {
			errs = append(errs, fmt.Errorf("scheduledTime: %w", err))
		}
	}
	if s.WebhookURL != "" && !strings.HasPrefix(s.WebhookURL, "http://") && !strings.HasPrefix(s.WebhookURL, "https://") {
		errs = append(errs, errors.New("webhookUrl: must be an http(s) URL"))
	}
	if s.TelegramChatID != "" {
		if _, err := strconv.ParseInt(s.TelegramChatID, 10, 64); err != nil {
			errs = append(errs, errors.New("telegramChatId: must be numeric"))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// BareNumber strips everything but digits ("+62 811-22" -> "6281122").
func BareNumber(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ParseTimeOfDay parses "HH:MM" (24h).
func ParseTimeOfDay(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	hh, mm, ok := strings.Cut(s, ":")
	if !ok || len(hh) == 0 || len(hh) > 2 || len(mm) != 2 {
		return 0, 0, fmt.Errorf("invalid time of day %q (want HH:MM)", s)
	}
	h, err1 := strconv.Atoi(hh)
	m, err2 := strconv.Atoi(mm)
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid time of day %q (want HH:MM)", s)
	}
	return h, m, nil
}
