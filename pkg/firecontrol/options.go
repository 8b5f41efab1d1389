package firecontrol

import (
	"log/slog"
	"time"

	"github.com/ivanvanderbyl/faber-itc/pkg/protocol"
	"golang.org/x/time/rate"
)

const (
	// DefaultPort is the controller's TCP command port.
	DefaultPort = 58779

	DefaultTimeout        = 10 * time.Second
	DefaultWatchdog       = 120 * time.Second
	DefaultBackoffInitial = 1 * time.Second
	DefaultBackoffMax     = 60 * time.Second

	readBufferSize = 1024

	// maxBuffered bounds the reassembler between frames. A controller never
	// sends frames this large, so anything above it is noise.
	maxBuffered = 4096
)

type Option func(*Client)

func WithPort(port int) Option {
	return func(c *Client) { c.port = port }
}

// WithVariant fixes the frame layout. protocol.VariantAuto (the default)
// picks it from the first status frame the controller sends.
func WithVariant(v protocol.Variant) Option {
	return func(c *Client) { c.variant = v }
}

// WithLayout overrides the field offsets of the chosen variant.
func WithLayout(l protocol.Layout) Option {
	return func(c *Client) {
		c.variant = l.Variant
		c.layout = &l
	}
}

func WithDeviceID(id uint32) Option {
	return func(c *Client) { c.deviceID = id }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

func WithMetrics(m *Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithTimeout bounds dialing and every socket write.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithWatchdog sets how long the connection may stay silent before
// FetchData forces a reconnect.
func WithWatchdog(d time.Duration) Option {
	return func(c *Client) { c.watchdog = d }
}

func WithBackoff(initial, max time.Duration) Option {
	return func(c *Client) { c.retry = newBackoff(initial, max) }
}

// WithAutoReconnect controls whether a lost connection is re-established in
// the background.
func WithAutoReconnect(enabled bool) Option {
	return func(c *Client) { c.autoReconnect = enabled }
}

// WithSettleDelay spaces commands at least d apart so the controller can
// apply one before the next arrives.
func WithSettleDelay(d time.Duration) Option {
	return func(c *Client) {
		c.pacer = nil
		if d > 0 {
			c.pacer = rate.NewLimiter(rate.Every(d), 1)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}
