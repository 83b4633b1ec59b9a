package broadcast

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"pairgate/internal/identity"
	logx "pairgate/pkg/logx"
)

const DefaultLimit = 50

var (
	ErrEnumeration = errors.New("contact enumeration failed")
	ErrNoMessage   = errors.New("broadcast message is empty")
)

// Report is produced once per run.
type Report struct {
	Sent              int   `json:"sent"`
	Failed            int   `json:"failed"`
	BlockedByDenyList int   `json:"blockedByDenyList"`
	Err               error `json:"-"`
}

func (r Report) String() string {
	s := fmt.Sprintf("sent=%d failed=%d blocked=%d", r.Sent, r.Failed, r.BlockedByDenyList)
	if r.Err != nil {
		s += " err=" + r.Err.Error()
	}
	return s
}

// Sender is the part of identity.Client a broadcast needs.
type Sender interface {
	SelfID() string
	Contacts(ctx context.Context) ([]identity.Contact, error)
	Send(ctx context.Context, to, text string) error
}

type Options struct {
	// MinDelay and MaxDelay bound the uniform pause between two sends.
	MinDelay time.Duration
	MaxDelay time.Duration
	// Sleep waits for d or until ctx is done. Defaults to a timer wait.
	Sleep func(ctx context.Context, d time.Duration) error
	Log   logx.Logger
}

// Dispatcher performs throttled sequential delivery to a filtered contact list.
type Dispatcher struct {
	mu       sync.RWMutex
	minDelay time.Duration
	maxDelay time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
	log      logx.Logger
}

func New(opts Options) *Dispatcher {
	d := &Dispatcher{sleep: opts.Sleep, log: opts.Log}
	d.SetDelays(opts.MinDelay, opts.MaxDelay)
	if d.sleep == nil {
		d.sleep = sleepCtx
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SetDelays replaces the inter-message delay range. Runs in progress pick it
// up on their next message.
func (d *Dispatcher) SetDelays(minDelay, maxDelay time.Duration) {
	minDelay = max(minDelay, 0)
	maxDelay = max(maxDelay, minDelay)
	d.mu.Lock()
	d.minDelay, d.maxDelay = minDelay, maxDelay
	d.mu.Unlock()
}

// delay draws from [minDelay, maxDelay).
func (d *Dispatcher) delay() time.Duration {
	d.mu.RLock()
	lo, hi := d.minDelay, d.maxDelay
	d.mu.RUnlock()
	span := hi - lo
	if span <= 0 {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(span)))
}

// Run enumerates contacts, filters them, and sends message to at most limit
// of them one at a time. Send failures are counted; enumeration failure ends
// the run before any send.
func (d *Dispatcher) Run(ctx context.Context, c Sender, message string, limit int, denyList []string) Report {
	if strings.TrimSpace(message) == "" {
		return Report{Err: ErrNoMessage}
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	contacts, err := c.Contacts(ctx)
	if err != nil {
		return Report{Err: fmt.Errorf("%w: %w", ErrEnumeration, err)}
	}

	targets, blocked := Eligible(contacts, c.SelfID(), denyList)
	rep := Report{BlockedByDenyList: blocked}
	if len(targets) > limit {
		targets = targets[:limit]
	}

	for i, ct := range targets {
		if i > 0 {
			if err := d.sleep(ctx, d.delay()); err != nil {
				rep.Err = err
				break
			}
		}
		if err := c.Send(ctx, ct.ID, Render(message, ct.Name)); err != nil {
			rep.Failed++
			d.log.Debug("broadcast send failed", logx.String("to", ct.ID), logx.Err(err))
			continue
		}
		rep.Sent++
	}
	return rep
}

// Eligible filters contacts down to direct, non-self, non-denied entries in
// their original order and counts the deny-listed ones.
func Eligible(contacts []identity.Contact, selfID string, denyList []string) (out []identity.Contact, blocked int) {
	deny := make(map[string]struct{}, len(denyList))
	for _, n := range denyList {
		deny[n] = struct{}{}
	}
	self := identity.BareNumber(selfID)

	out = make([]identity.Contact, 0, len(contacts))
	for _, ct := range contacts {
		switch {
		case ct.ID == "":
		case identity.IsGroup(ct.ID):
		case identity.BareNumber(ct.ID) == self:
		case !identity.IsDirect(ct.ID):
		default:
			if _, denied := deny[identity.BareNumber(ct.ID)]; denied {
				blocked++
				continue
			}
			out = append(out, ct)
		}
	}
	return out, blocked
}

// Render expands {name} for one recipient.
func Render(message, name string) string {
	return strings.ReplaceAll(message, "{name}", name)
}

// WithLink expands {link} once per run.
func WithLink(message, link string) string {
	return strings.ReplaceAll(message, "{link}", link)
}
