package admission

import (
	"sync"
	"time"
	"unicode/utf8"
)

const (
	DefaultWindow      = time.Hour
	DefaultMaxAttempts = 3

	userAgentPrefixLen = 50
)

// Limits is evaluated on every call so settings changes apply immediately.
type Limits struct {
	Window        time.Duration
	MaxAttempts   int
	MaxPerAddress int
}

func (l Limits) normalized() Limits {
	if l.Window <= 0 {
		l.Window = DefaultWindow
	}
	if l.MaxAttempts <= 0 {
		l.MaxAttempts = DefaultMaxAttempts
	}
	return l
}

// Limiter is a sliding-window attempt counter keyed by fingerprint.
type Limiter struct {
	limits func() Limits

	mu       sync.Mutex
	attempts map[string][]time.Time
}

func NewLimiter(limits func() Limits) *Limiter {
	if limits == nil {
		limits = func() Limits { return Limits{} }
	}
	return &Limiter{limits: limits, attempts: map[string][]time.Time{}}
}

// Admit prunes the fingerprint's attempts to the window and records now if
// fewer than MaxAttempts remain. A rejected attempt is not recorded.
func (l *Limiter) Admit(fingerprint string, now time.Time) bool {
	lim := l.limits().normalized()

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := prune(l.attempts[fingerprint], now.Add(-lim.Window))
	if len(kept) >= lim.MaxAttempts {
		l.attempts[fingerprint] = kept
		return false
	}
	l.attempts[fingerprint] = append(kept, now)
	return true
}

// Sweep drops fingerprints with no attempt inside the window and returns how
// many were removed.
func (l *Limiter) Sweep(now time.Time) int {
	cutoff := now.Add(-l.limits().normalized().Window)

	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for fp, ts := range l.attempts {
		kept := prune(ts, cutoff)
		if len(kept) == 0 {
			delete(l.attempts, fp)
			removed++
			continue
		}
		l.attempts[fp] = kept
	}
	return removed
}

// Len returns the number of tracked fingerprints.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.attempts)
}

// prune drops the ordered prefix of timestamps at or before cutoff.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0:0], ts[i:]...)
}

// Fingerprint keys a requester by network address and the first 50
// characters of its user agent.
func Fingerprint(address, userAgent string) string {
	if utf8.RuneCountInString(userAgent) > userAgentPrefixLen {
		userAgent = string([]rune(userAgent)[:userAgentPrefixLen])
	}
	return address + "|" + userAgent
}
