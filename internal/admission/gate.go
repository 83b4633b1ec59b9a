package admission

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrRateLimited = errors.New("rate limited")
	ErrAddressCap  = errors.New("too many active sessions for address")
)

const DefaultMaxPerAddress = 2

// DeniedError reports why a pairing request was refused.
type DeniedError struct {
	Reason  error
	Address string
	Active  int // address cap only
	Limit   int
}

func (e *DeniedError) Error() string {
	if errors.Is(e.Reason, ErrAddressCap) {
		return fmt.Sprintf("admission denied: %v (%d/%d)", e.Reason, e.Active, e.Limit)
	}
	return fmt.Sprintf("admission denied: %v", e.Reason)
}

func (e *DeniedError) Unwrap() error { return e.Reason }

// Code is the wire name of the reason.
func (e *DeniedError) Code() string {
	if errors.Is(e.Reason, ErrAddressCap) {
		return "address_cap"
	}
	return "rate_limited"
}

// SessionCounter counts sessions in connecting or connected state.
type SessionCounter interface {
	CountActiveByAddress(address string) int
}

// Gate combines the per-address cap and the attempt limiter.
type Gate struct {
	limiter  *Limiter
	sessions SessionCounter
	limits   func() Limits
}

func NewGate(limiter *Limiter, sessions SessionCounter, limits func() Limits) *Gate {
	if limits == nil {
		limits = func() Limits { return Limits{} }
	}
	return &Gate{limiter: limiter, sessions: sessions, limits: limits}
}

func (g *Gate) Limiter() *Limiter { return g.limiter }

// Check runs the address cap first so a capped request does not consume an
// attempt. It returns nil or a *DeniedError.
func (g *Gate) Check(address, userAgent string, now time.Time) error {
	active := 0
	if g.sessions != nil {
		active = g.sessions.CountActiveByAddress(address)
	}
	return g.Admit(address, userAgent, now, active)
}

// Admit is Check with the active session count supplied by the caller, for
// callers that count and insert under their own lock.
func (g *Gate) Admit(address, userAgent string, now time.Time, active int) error {
	capN := g.limits().MaxPerAddress
	if capN <= 0 {
		capN = DefaultMaxPerAddress
	}
	if active >= capN {
		return &DeniedError{Reason: ErrAddressCap, Address: address, Active: active, Limit: capN}
	}
	if !g.limiter.Admit(Fingerprint(address, userAgent), now) {
		return &DeniedError{Reason: ErrRateLimited, Address: address, Limit: g.limits().normalized().MaxAttempts}
	}
	return nil
}
