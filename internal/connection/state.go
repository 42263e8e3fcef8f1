// Package connection owns the lifecycle of long-lived transport connections:
// handshake timeouts, payload and buffer ceilings, periodic health checks,
// and reconnection driven by a reconnect.Policy.
package connection

import (
	"errors"
	"strconv"
	"sync/atomic"
	"time"
)

// Status is a connection lifecycle state.
//
//	Connecting → Open → {Degraded, Closing} → Closed
//	Degraded → Open     (liveness recovered)
//	Degraded → Closing  (degraded budget exceeded)
type Status int

const (
	StatusConnecting Status = iota
	StatusOpen
	StatusDegraded
	StatusClosing
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusOpen:
		return "open"
	case StatusDegraded:
		return "degraded"
	case StatusClosing:
		return "closing"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Usable reports whether sends are accepted in this state.
func (s Status) Usable() bool {
	return s == StatusOpen || s == StatusDegraded
}

// State is a point-in-time snapshot of one connection.
type State struct {
	ConnectionID     string    `json:"connectionId"`
	AccountID        string    `json:"accountId"`
	Status           Status    `json:"-"`
	StatusName       string    `json:"status"`
	OpenedAt         time.Time `json:"openedAt,omitempty"`
	LastHealthTickAt time.Time `json:"lastHealthTickAt,omitempty"`
	BytesBuffered    int64     `json:"bytesBuffered"`
	Attempt          int       `json:"attempt"`
}

// Defaults for Limits.
const (
	DefaultHandshakeTimeout      = 10_000 * time.Millisecond
	DefaultMaxPayloadBytes       = 25 * 1024 * 1024
	DefaultMaxBufferedBytes      = 2 * DefaultMaxPayloadBytes
	DefaultTickInterval          = 30_000 * time.Millisecond
	DefaultHealthRefreshInterval = 60_000 * time.Millisecond
	DefaultDegradedBudget        = 2
)

// Limits bounds one connection. Zero fields take the defaults.
type Limits struct {
	HandshakeTimeout      time.Duration
	MaxPayloadBytes       int64
	MaxBufferedBytes      int64
	TickInterval          time.Duration
	HealthRefreshInterval time.Duration
	// DegradedBudget is how many consecutive health ticks without liveness a
	// degraded connection tolerates before it is closed and redialed.
	DegradedBudget int
}

// WithDefaults fills zero fields.
func (l Limits) WithDefaults() Limits {
	if l.HandshakeTimeout <= 0 {
		l.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if l.MaxPayloadBytes <= 0 {
		l.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if l.MaxBufferedBytes <= 0 {
		l.MaxBufferedBytes = 2 * l.MaxPayloadBytes
	}
	if l.TickInterval <= 0 {
		l.TickInterval = DefaultTickInterval
	}
	if l.HealthRefreshInterval <= 0 {
		l.HealthRefreshInterval = DefaultHealthRefreshInterval
	}
	if l.DegradedBudget <= 0 {
		l.DegradedBudget = DefaultDegradedBudget
	}
	return l
}

var (
	// ErrPayloadTooLarge is fatal for the connection that produced it.
	ErrPayloadTooLarge = errors.New("connection: payload exceeds max size")
	// ErrBufferExceeded is fatal for the connection that produced it.
	ErrBufferExceeded = errors.New("connection: buffered bytes exceed ceiling")
	// ErrRetriesExhausted is returned once the reconnect budget is spent.
	ErrRetriesExhausted = errors.New("connection: reconnect attempts exhausted")
	// ErrHandshakeTimeout wraps dials that did not open in time.
	ErrHandshakeTimeout = errors.New("connection: handshake timeout")
	// ErrLoggedOut is returned by a Link when the provider ended the session
	// for good (logout, revoked token). It is never retried.
	ErrLoggedOut = errors.New("connection: logged out")
	ErrNotOpen   = errors.New("connection: not open")
	ErrClosed    = errors.New("connection: closed")

	errDegraded = errors.New("connection: no liveness within degraded budget")
)

// IsFatal reports whether err ends a connection without reconnecting.
func IsFatal(err error) bool {
	return errors.Is(err, ErrPayloadTooLarge) ||
		errors.Is(err, ErrBufferExceeded) ||
		errors.Is(err, ErrLoggedOut)
}

var connSeq atomic.Uint64

// NextID returns a process-unique, monotonically increasing connection id.
func NextID() string {
	return "conn-" + strconv.FormatUint(connSeq.Add(1), 10)
}
