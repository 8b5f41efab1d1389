// Package firecontrol is a client for Faber ITC fireplace controllers. A
// Client owns one TCP session to one controller: it performs the handshake,
// keeps a background read loop decoding status and info frames, sends
// commands and reconnects when the link goes quiet or drops.
package firecontrol

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ivanvanderbyl/faber-itc/pkg/protocol"
	"github.com/sourcegraph/conc"
	slogctx "github.com/veqryn/slog-context"
	"golang.org/x/time/rate"
)

// Client is a session to a single controller. All methods are safe for
// concurrent use; commands and fetches are serialised so their writes never
// interleave.
type Client struct {
	host          string
	port          int
	variant       protocol.Variant
	layout        *protocol.Layout
	deviceID      uint32
	timeout       time.Duration
	watchdog      time.Duration
	pacer         *rate.Limiter
	autoReconnect bool
	log           *slog.Logger
	metrics       *Metrics
	now           func() time.Time
	dialContext   func(ctx context.Context, network, address string) (net.Conn, error)

	// cmdMu is held for the whole of a connect, send or fetch.
	cmdMu sync.Mutex

	mu        sync.RWMutex
	state     ConnState
	link      *link
	codec     *protocol.Codec
	detected  bool
	lastData  time.Time
	status    Status
	hasStatus bool
	info      DeviceInfo
	retry     *backoff.ExponentialBackOff
	stopped   bool

	reconnectCancel context.CancelFunc
	reconnectWG     *conc.WaitGroup

	events *broadcaster
}

// link is one open TCP connection and the goroutine reading it.
type link struct {
	conn net.Conn
	wg   *conc.WaitGroup
}

func NewClient(host string, opts ...Option) *Client {
	c := &Client{
		host:          host,
		port:          DefaultPort,
		variant:       protocol.VariantAuto,
		deviceID:      protocol.DefaultDeviceID,
		timeout:       DefaultTimeout,
		watchdog:      DefaultWatchdog,
		autoReconnect: true,
		retry:         newBackoff(DefaultBackoffInitial, DefaultBackoffMax),
		now:           time.Now,
		dialContext:   (&net.Dialer{}).DialContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	c.codec = c.newCodec(c.variant)
	c.events = newBroadcaster(c.metrics.eventDropped)
	return c
}

func (c *Client) newCodec(v protocol.Variant) *protocol.Codec {
	codec := protocol.NewCodec(v)
	if c.layout != nil && c.layout.Variant == v {
		codec.Layout = *c.layout
	}
	codec.DeviceID = c.deviceID
	return codec
}

func (c *Client) Host() string { return c.host }

func (c *Client) Addr() string { return net.JoinHostPort(c.host, strconv.Itoa(c.port)) }

func (c *Client) State() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) IsConnected() bool { return c.State() == Connected }

// Variant reports the layout in use, which may have been detected.
func (c *Client) Variant() protocol.Variant {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.codec.Layout.Variant
}

// LastStatus returns the most recent status snapshot. ok is false until a
// status frame has been received on the current session.
func (c *Client) LastStatus() (Status, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status, c.hasStatus
}

func (c *Client) DeviceInfo() DeviceInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

// SetCallback installs the status callback, replacing any previous one. It
// runs on its own goroutine, so it may call back into the Client, Disconnect
// included. Snapshots are dropped while it lags behind.
func (c *Client) SetCallback(fn func(Status)) { c.events.setCallback(fn) }

// Subscribe returns a channel of session events. Events are dropped for a
// subscriber whose buffer is full. Call cancel to unsubscribe; it closes the
// channel.
func (c *Client) Subscribe(buffer int) (events <-chan Event, cancel func()) {
	return c.events.subscribe(buffer)
}

// Connect opens the session if it is not already open.
func (c *Client) Connect(ctx context.Context) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	return c.ensureConnectedLocked(ctx)
}

// Disconnect closes the session and stops any pending reconnect. It is safe
// to call more than once.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.stopped = true
	cancel, wg := c.reconnectCancel, c.reconnectWG
	c.reconnectCancel, c.reconnectWG = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		wg.Wait()
	}

	if l := c.currentLink(); l != nil {
		c.closeLink(context.Background(), l, nil)
		return
	}
	c.setState(context.Background(), Disconnected)
}

func (c *Client) logCtx(ctx context.Context) context.Context {
	return slogctx.Append(ctx, "host", c.host, "port", c.port)
}

func (c *Client) setState(ctx context.Context, s ConnState) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.log.DebugContext(ctx, "Session state changed", "from", prev.String(), "to", s.String())
	}
}

func (c *Client) currentLink() *link {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.link
}

func (c *Client) currentCodec() *protocol.Codec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.codec
}

func (c *Client) ensureConnectedLocked(ctx context.Context) error {
	c.mu.Lock()
	c.stopped = false
	c.mu.Unlock()
	return c.connectLocked(ctx)
}

// connectLocked dials, sends the identify frame and starts the read loop.
// The caller holds cmdMu.
func (c *Client) connectLocked(ctx context.Context) error {
	if c.IsConnected() {
		return nil
	}
	ctx = c.logCtx(ctx)

	c.setState(ctx, Connecting)
	c.log.InfoContext(ctx, "Connecting to controller")

	conn, err := c.dial(ctx)
	if err != nil {
		c.setState(ctx, Disconnected)
		return c.opError("connect", err)
	}

	c.setState(ctx, Handshaking)
	if err := c.writeFrame(conn, protocol.EncodeIdentify()); err != nil {
		conn.Close()
		c.setState(ctx, Disconnected)
		return c.opError("handshake", err)
	}
	c.metrics.commandSent(protocol.OpIdentify)

	l := &link{conn: conn, wg: conc.NewWaitGroup()}

	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		conn.Close()
		c.setState(ctx, Disconnected)
		return c.opError("connect", ctx.Err())
	}
	c.link = l
	c.state = Connected
	c.lastData = c.now()
	c.retry.Reset()
	c.mu.Unlock()

	c.metrics.setConnected(true)
	c.log.InfoContext(ctx, "Connected to controller", "variant", c.Variant().String())
	c.events.publish(Event{Kind: EventConnection, State: Connected})

	readCtx := context.WithoutCancel(ctx)
	l.wg.Go(func() { c.readLoop(readCtx, l) })
	return nil
}

// closeLink tears down l if it is still the active link and waits for its
// reader to exit. cause is nil for a deliberate close.
func (c *Client) closeLink(ctx context.Context, l *link, cause error) bool {
	if !c.detachLink(l) {
		return false
	}
	l.conn.Close()
	l.wg.Wait()
	c.linkClosed(ctx, cause)
	return true
}

func (c *Client) detachLink(l *link) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link != l {
		return false
	}
	c.link = nil
	c.state = Disconnected
	c.hasStatus = false
	return true
}

func (c *Client) linkClosed(ctx context.Context, cause error) {
	c.metrics.setConnected(false)
	if cause != nil {
		c.log.WarnContext(c.logCtx(ctx), "Connection to controller lost", "error", cause)
	} else {
		c.log.InfoContext(c.logCtx(ctx), "Disconnected from controller")
	}
	c.events.publish(Event{Kind: EventConnection, State: Disconnected, Err: cause})
}

func (c *Client) stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.link != nil && c.now().Sub(c.lastData) > c.watchdog
}

// scheduleReconnect starts the background reconnect loop unless the session
// was stopped or a loop is already running.
func (c *Client) scheduleReconnect(ctx context.Context, cause string) {
	if !c.autoReconnect {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.reconnectCancel != nil {
		return
	}

	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	wg := conc.NewWaitGroup()
	c.reconnectCancel, c.reconnectWG = cancel, wg
	wg.Go(func() { c.reconnectLoop(rctx, wg, cause) })
}

func (c *Client) reconnectLoop(ctx context.Context, wg *conc.WaitGroup, cause string) {
	defer func() {
		c.mu.Lock()
		mine := c.reconnectWG == wg
		if mine {
			c.reconnectCancel()
			c.reconnectCancel, c.reconnectWG = nil, nil
		}
		// The new link may already have failed while this loop was exiting.
		again := mine && c.link == nil && !c.stopped
		c.mu.Unlock()

		if again {
			c.scheduleReconnect(context.WithoutCancel(ctx), cause)
		}
	}()

	for {
		c.mu.Lock()
		delay := c.retry.NextBackOff()
		if c.state == Disconnected {
			c.state = Reconnecting
		}
		c.mu.Unlock()

		c.log.InfoContext(ctx, "Reconnecting to controller", "cause", cause, "delay", delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		c.cmdMu.Lock()
		if ctx.Err() != nil {
			c.cmdMu.Unlock()
			return
		}
		err := c.connectLocked(ctx)
		c.cmdMu.Unlock()

		if err == nil {
			c.metrics.reconnected(cause)
			return
		}
		c.log.WarnContext(ctx, "Reconnect failed", "error", err)
	}
}
