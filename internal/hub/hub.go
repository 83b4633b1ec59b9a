// Package hub fans live session deltas out to websocket observers and accepts
// pairing requests from them.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"pairgate/internal/admission"
	"pairgate/internal/eventbus"
	"pairgate/internal/session"
	"pairgate/internal/settings"
	logx "pairgate/pkg/logx"
)

const (
	DefaultSendQueue       = 64
	DefaultBadRequestRate  = rate.Limit(1)
	DefaultBadRequestBurst = 5

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
	pairTimeout    = 30 * time.Second
)

// Reply and delta types sent to observers.
const (
	TypeUpdate      = "update"
	TypePairingCode = "pairing_code"
	TypeRateLimited = "rate_limited"
	TypeError       = "error"

	typePair = "pair"
)

// Delta is a partial state update pushed to every observer.
type Delta struct {
	Type           string            `json:"type"`
	ActiveSessions *int              `json:"activeSessions,omitempty"`
	OnlineCount    *int              `json:"onlineCount,omitempty"`
	NewLog         *eventbus.LogLine `json:"newLog,omitempty"`
}

// Reply answers one observer's pairing request.
type Reply struct {
	Type      string `json:"type"`
	Code      string `json:"code,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message,omitempty"`
}

type request struct {
	Type        string `json:"type"`
	PhoneNumber string `json:"phoneNumber"`
}

// SessionStarter creates sessions for pairing requests.
type SessionStarter interface {
	StartSessionWith(ctx context.Context, phone, address string, req session.Requester, opts session.StartOptions) (session.Pairing, error)
}

// Admitter decides on a pairing request given the active session count of
// its address. It runs inside session registration.
type Admitter interface {
	Admit(address, userAgent string, now time.Time, active int) error
}

type SettingsSource interface {
	Snapshot() settings.Settings
}

type Deps struct {
	Sessions SessionStarter
	Gate     Admitter
	Settings SettingsSource
	Bus      eventbus.Bus
	Log      logx.Logger
}

type Options struct {
	// AllowedOrigins lists accepted Origin headers; empty accepts any.
	AllowedOrigins []string
	// TrustedProxies are peers whose X-Forwarded-For header is believed.
	TrustedProxies []netip.Prefix
	SendQueue      int
	// BadRequestRate and BadRequestBurst bound malformed messages per
	// observer; an observer that exceeds them is disconnected. Pairing
	// requests are limited by the Admitter only.
	BadRequestRate  rate.Limit
	BadRequestBurst int
}

type Hub struct {
	deps     Deps
	opts     Options
	log      logx.Logger
	upgrader websocket.Upgrader

	mu        sync.RWMutex
	observers map[*observer]struct{}
	closed    bool

	online atomic.Int64
	active atomic.Int64
}

func New(deps Deps, opts Options) *Hub {
	if opts.SendQueue <= 0 {
		opts.SendQueue = DefaultSendQueue
	}
	if opts.BadRequestRate <= 0 {
		opts.BadRequestRate = DefaultBadRequestRate
	}
	if opts.BadRequestBurst <= 0 {
		opts.BadRequestBurst = DefaultBadRequestBurst
	}
	h := &Hub{
		deps:      deps,
		opts:      opts,
		log:       deps.Log.With(logx.String("comp", "hub")),
		observers: map[*observer]struct{}{},
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Online returns the number of connected observers.
func (h *Hub) Online() int { return int(h.online.Load()) }

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.opts.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and serves one observer until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("upgrade failed", logx.Err(err))
		return
	}
	o := &observer{
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, h.opts.SendQueue),
		done:      make(chan struct{}),
		limiter:   rate.NewLimiter(h.opts.BadRequestRate, h.opts.BadRequestBurst),
		address:   ClientAddress(r, h.opts.TrustedProxies),
		userAgent: r.UserAgent(),
	}
	if !h.add(o) {
		_ = conn.Close()
		return
	}

	// Initial snapshot for the new observer only.
	active := int(h.active.Load())
	online := h.Online()
	o.enqueue(mustJSON(Delta{Type: TypeUpdate, ActiveSessions: &active, OnlineCount: &online}))

	go o.writeLoop()
	o.readLoop(r.Context())
	h.drop(o)
}

func (h *Hub) add(o *observer) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.observers[o] = struct{}{}
	n := int(h.online.Add(1))
	h.mu.Unlock()
	h.Publish(Delta{OnlineCount: &n})
	return true
}

func (h *Hub) drop(o *observer) {
	h.mu.Lock()
	_, ok := h.observers[o]
	delete(h.observers, o)
	var n int
	if ok {
		n = int(h.online.Add(-1))
	}
	h.mu.Unlock()
	o.close()
	if ok {
		h.Publish(Delta{OnlineCount: &n})
	}
}

// Publish sends d to every observer without blocking. Observers whose queue
// is full miss the delta.
func (h *Hub) Publish(d Delta) {
	d.Type = TypeUpdate
	msg := mustJSON(d)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for o := range h.observers {
		o.enqueue(msg)
	}
}

// Run mirrors bus events to observers until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	if h.deps.Bus == nil {
		<-ctx.Done()
		return
	}
	events, unsub := h.deps.Bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if d, ok := h.deltaFor(ev); ok {
				h.Publish(d)
			}
		}
	}
}

func (h *Hub) deltaFor(ev eventbus.Event) (Delta, bool) {
	switch d := ev.Data.(type) {
	case eventbus.SessionCounts:
		h.active.Store(int64(d.Active))
		n := d.Active
		return Delta{ActiveSessions: &n}, true
	case eventbus.LogLine:
		line := d
		return Delta{NewLog: &line}, true
	}
	return Delta{}, false
}

// Close disconnects every observer and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	list := make([]*observer, 0, len(h.observers))
	for o := range h.observers {
		list = append(list, o)
	}
	h.mu.Unlock()
	for _, o := range list {
		_ = o.conn.Close()
	}
}

// handle processes one pairing request for o. Requests from one observer are
// handled sequentially by its read loop.
func (h *Hub) handle(ctx context.Context, o *observer, raw []byte) {
	var req request
	if err := json.Unmarshal(raw, &req); err != nil || req.Type != typePair {
		if !o.limiter.Allow() {
			h.log.Info("dropping observer after repeated invalid requests", logx.String("address", o.address))
			o.close()
			return
		}
		o.reply(Reply{Type: TypeError, Message: "invalid request"})
		return
	}
	if h.deps.Settings != nil && h.deps.Settings.Snapshot().Maintenance {
		o.reply(Reply{Type: TypeError, Message: "service is under maintenance"})
		return
	}

	var opts session.StartOptions
	if gate := h.deps.Gate; gate != nil {
		address, ua := o.address, o.userAgent
		opts.Admit = func(active int) error { return gate.Admit(address, ua, time.Now(), active) }
	}
	callCtx, cancel := context.WithTimeout(ctx, pairTimeout)
	defer cancel()
	p, err := h.deps.Sessions.StartSessionWith(callCtx, req.PhoneNumber, o.address, o, opts)
	if err != nil {
		var denied *admission.DeniedError
		if errors.As(err, &denied) {
			h.log.Info("pairing denied", logx.String("address", o.address), logx.Err(err))
			o.reply(Reply{Type: TypeRateLimited, Message: err.Error()})
			return
		}
		o.reply(Reply{Type: TypeError, Message: userMessage(err)})
		return
	}
	o.reply(Reply{Type: TypePairingCode, Code: p.Code, SessionID: p.SessionID})
}

func userMessage(err error) string {
	switch {
	case errors.Is(err, session.ErrInvalidPhone):
		return "invalid phone number"
	case errors.Is(err, session.ErrConnectTimeout):
		return "connection timed out, please request a new code"
	case errors.Is(err, session.ErrShuttingDown):
		return "service is shutting down"
	case errors.Is(err, session.ErrClientCreate), errors.Is(err, session.ErrPairingCode):
		return "could not create a pairing code, please try again"
	default:
		return "request failed"
	}
}

// ClientAddress returns the origin address of r. X-Forwarded-For is only
// read when the direct peer is a trusted proxy; hops are walked from the
// right and the first untrusted one wins.
func ClientAddress(r *http.Request, trusted []netip.Prefix) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}
	if !isTrusted(peer, trusted) {
		return peer
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		ip, err := netip.ParseAddr(hop)
		if err != nil {
			break
		}
		if !isTrusted(ip.String(), trusted) {
			return ip.String()
		}
	}
	return peer
}

func isTrusted(addr string, trusted []netip.Prefix) bool {
	if len(trusted) == 0 {
		return false
	}
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return false
	}
	ip = ip.Unmap()
	for _, p := range trusted {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"type":"error","message":"encode failed"}`)
	}
	return b
}
