// Package sim is an in-process identity driver. It issues fake pairing
// codes, optionally reports "connected" after a delay, and records sends.
// Tests use it to script client behaviour.
package sim

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"pairgate/internal/identity"
	logx "pairgate/pkg/logx"
)

type Options struct {
	// Storage, when set, gets one directory per created client.
	Storage *identity.DirStorage
	// AutoConnect emits StateConnected this long after a pairing code is issued.
	// Zero leaves state changes to the caller.
	AutoConnect time.Duration
	// Contacts seeds each new client's address book.
	Contacts func(phone string) []identity.Contact
	Log      logx.Logger
}

// Message is a recorded send.
type Message struct {
	To   string
	Text string
}

type Factory struct {
	opts Options

	mu        sync.Mutex
	clients   map[string]*Client
	createErr error
	pairErr   error
}

func New(opts Options) *Factory {
	return &Factory{opts: opts, clients: map[string]*Client{}}
}

// FailNextCreate makes the next NewClient call return err.
func (f *Factory) FailNextCreate(err error) {
	f.mu.Lock()
	f.createErr = err
	f.mu.Unlock()
}

// FailNextPairing makes the next created client fail PairingCode with err.
func (f *Factory) FailNextPairing(err error) {
	f.mu.Lock()
	f.pairErr = err
	f.mu.Unlock()
}

func (f *Factory) NewClient(_ context.Context, sessionID, phone string) (identity.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.createErr; err != nil {
		f.createErr = nil
		return nil, err
	}
	if f.opts.Storage != nil {
		if _, err := f.opts.Storage.Ensure(sessionID); err != nil {
			return nil, err
		}
	}
	c := &Client{
		sessionID:   sessionID,
		phone:       phone,
		events:      make(chan identity.Event, 16),
		autoConnect: f.opts.AutoConnect,
		pairErr:     f.pairErr,
	}
	f.pairErr = nil
	if f.opts.Contacts != nil {
		c.contacts = f.opts.Contacts(phone)
	}
	f.clients[sessionID] = c
	f.opts.Log.Debug("sim client created", logx.String("session", sessionID), logx.String("phone", phone))
	return c, nil
}

// Client returns the client created for sessionID, or nil.
func (f *Factory) Client(sessionID string) *Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients[sessionID]
}

// Clients returns every client created so far.
func (f *Factory) Clients() []*Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Client, 0, len(f.clients))
	for _, c := range f.clients {
		out = append(out, c)
	}
	return out
}

type Client struct {
	sessionID   string
	phone       string
	autoConnect time.Duration
	closeCount  atomic.Int32

	mu          sync.Mutex
	closed      bool
	events      chan identity.Event
	timer       *time.Timer
	contacts    []identity.Contact
	contactsErr error
	displayName string
	nameErr     error
	pairErr     error
	sendErr     func(to string) error
	sent        []Message
}

func (c *Client) PairingCode(ctx context.Context, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", identity.ErrClosed
	}
	if c.pairErr != nil {
		return "", c.pairErr
	}
	if c.autoConnect > 0 && c.timer == nil {
		c.timer = time.AfterFunc(c.autoConnect, func() { c.Emit(identity.Event{State: identity.StateConnected}) })
	}
	return pairingCode(), nil
}

const codeAlphabet = "ABCDEFGHJKLMNPQRSTVWXYZ23456789"

func pairingCode() string {
	b := make([]byte, 9)
	for i := range b {
		if i == 4 {
			b[i] = '-'
			continue
		}
		b[i] = codeAlphabet[rand.Intn(len(codeAlphabet))]
	}
	return string(b)
}

func (c *Client) SessionID() string { return c.sessionID }

func (c *Client) Events() <-chan identity.Event { return c.events }

func (c *Client) SelfID() string { return identity.UserID(c.phone) }

func (c *Client) DisplayName(context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nameErr != nil {
		return "", c.nameErr
	}
	return c.displayName, nil
}

func (c *Client) Contacts(ctx context.Context) ([]identity.Contact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, identity.ErrClosed
	}
	if c.contactsErr != nil {
		return nil, c.contactsErr
	}
	return append([]identity.Contact(nil), c.contacts...), nil
}

func (c *Client) Send(ctx context.Context, to, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return identity.ErrClosed
	}
	if c.sendErr != nil {
		if err := c.sendErr(to); err != nil {
			return err
		}
	}
	c.sent = append(c.sent, Message{To: to, Text: text})
	return nil
}

func (c *Client) Close() error {
	c.closeCount.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
	}
	close(c.events)
	return nil
}

// Emit delivers a state event. It reports false if the client is closed or
// the event buffer is full.
func (c *Client) Emit(ev identity.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.events <- ev:
		return true
	default:
		return false
	}
}

func (c *Client) SetContacts(list []identity.Contact) {
	c.mu.Lock()
	c.contacts = list
	c.mu.Unlock()
}

func (c *Client) SetContactsErr(err error) {
	c.mu.Lock()
	c.contactsErr = err
	c.mu.Unlock()
}

func (c *Client) SetPairingErr(err error) {
	c.mu.Lock()
	c.pairErr = err
	c.mu.Unlock()
}

func (c *Client) SetDisplayName(name string, err error) {
	c.mu.Lock()
	c.displayName, c.nameErr = name, err
	c.mu.Unlock()
}

// SetSendErr installs a per-recipient failure hook.
func (c *Client) SetSendErr(fn func(to string) error) {
	c.mu.Lock()
	c.sendErr = fn
	c.mu.Unlock()
}

func (c *Client) Sent() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.sent...)
}

// CloseCount reports how many times Close was called.
func (c *Client) CloseCount() int { return int(c.closeCount.Load()) }

func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

var ErrSendRejected = errors.New("sim: send rejected")
