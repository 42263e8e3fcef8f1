// Package typing drives provider typing indicators: start once, refresh on a
// keepalive interval (providers expire the indicator after a few seconds),
// and stop on request or after a maximum duration so an indicator is never
// left running when a reply stalls.
package typing

import (
	"sync"
	"time"
)

const (
	DefaultKeepaliveInterval = 4 * time.Second
	DefaultMaxDuration       = 2 * time.Minute
)

// Callbacks are the provider hooks. Start is required; the rest are optional.
// Errors never abort delivery; they are handed to OnStartError/OnStopError.
type Callbacks struct {
	Start        func() error
	Stop         func() error
	OnStartError func(error)
	OnStopError  func(error)
}

type Options struct {
	Callbacks
	KeepaliveInterval time.Duration
	MaxDuration       time.Duration
}

// Controller runs one typing indicator.
type Controller struct {
	opts Options

	mu      sync.Mutex
	started bool
	stopped bool
	done    chan struct{}
}

func New(opts Options) *Controller {
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = DefaultMaxDuration
	}
	return &Controller{opts: opts, done: make(chan struct{})}
}

// Start sends the indicator and begins the keepalive loop. Calls after the
// first, or after Stop, are no-ops.
func (c *Controller) Start() {
	c.mu.Lock()
	if c.started || c.stopped || c.opts.Start == nil {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	c.fire()
	go c.loop()
}

func (c *Controller) loop() {
	ticker := time.NewTicker(c.opts.KeepaliveInterval)
	defer ticker.Stop()
	ttl := time.NewTimer(c.opts.MaxDuration)
	defer ttl.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ttl.C:
			c.Stop()
			return
		case <-ticker.C:
			c.fire()
		}
	}
}

func (c *Controller) fire() {
	if err := c.opts.Start(); err != nil && c.opts.OnStartError != nil {
		c.opts.OnStartError(err)
	}
}

// Stop ends the keepalive loop and clears the indicator. Idempotent.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	started := c.started
	close(c.done)
	c.mu.Unlock()

	if !started || c.opts.Stop == nil {
		return
	}
	if err := c.opts.Stop(); err != nil && c.opts.OnStopError != nil {
		c.opts.OnStopError(err)
	}
}

// Active reports whether the indicator is running.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started && !c.stopped
}
