// Package identity defines the contract of the per-phone messaging client
// that sessions drive. The real client library is an external collaborator;
// the sim subpackage provides an in-process implementation.
package identity

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

// State is a client-reported connection state.
type State string

const (
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateLoggedOut    State = "logged_out"
	StateConflict     State = "conflict"
)

// Terminal reports whether the state ends a session.
func (s State) Terminal() bool {
	switch s {
	case StateDisconnected, StateLoggedOut, StateConflict:
		return true
	}
	return false
}

type Event struct {
	State  State
	Reason string
}

// Contact is one entry of the client's address book.
type Contact struct {
	ID   string // e.g. "6281234@s.whatsapp.net"; empty when unresolvable
	Name string
}

// Client is exclusively owned by one session and closed exactly once.
type Client interface {
	// PairingCode requests a one-time code that links phone to this client.
	PairingCode(ctx context.Context, phone string) (string, error)
	// Events yields state changes until the client is closed.
	Events() <-chan Event
	// SelfID is the client's own contact identifier.
	SelfID() string
	DisplayName(ctx context.Context) (string, error)
	Contacts(ctx context.Context) ([]Contact, error)
	Send(ctx context.Context, to, text string) error
	Close() error
}

// Factory creates a client bound to a fresh per-session storage slot.
type Factory interface {
	NewClient(ctx context.Context, sessionID, phone string) (Client, error)
}

// Storage is the per-session persisted state owned by the client library.
type Storage interface {
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, sessionID string) error
}

var ErrClosed = errors.New("identity client closed")

const (
	userSuffix  = "@s.whatsapp.net"
	groupSuffix = "@g.us"
)

var directID = regexp.MustCompile(`^[0-9]+@s\.whatsapp\.net$`)

// IsGroup reports whether id names a group conversation.
func IsGroup(id string) bool { return strings.HasSuffix(id, groupSuffix) }

// IsDirect reports whether id is a one-to-one identifier "<digits>@s.whatsapp.net".
func IsDirect(id string) bool { return directID.MatchString(id) }

// BareNumber returns the digits before the server part of id.
func BareNumber(id string) string {
	user, _, _ := strings.Cut(id, "@")
	// Device-qualified ids look like "628123:12@s.whatsapp.net".
	user, _, _ = strings.Cut(user, ":")
	return user
}

// UserID builds the direct identifier for a bare phone number.
func UserID(phone string) string { return phone + userSuffix }
