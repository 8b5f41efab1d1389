package firecontrol

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/ivanvanderbyl/faber-itc/pkg/protocol"
	"github.com/pkg/errors"
)

const (
	// DiscoveryPort is where controllers broadcast their announcements.
	DiscoveryPort = 58132

	DefaultDiscoveryTimeout = 35 * time.Second

	discoveryBufferSize = 512
)

// DiscoveredDevice is a controller seen on the local network.
type DiscoveredDevice struct {
	Host     string
	Name     string
	SenderID string
}

type ScanOptions struct {
	// Known reports devices the caller already has; they are skipped.
	Known func(host, senderID string) bool

	// StopOnNew ends the scan as soon as one new device is found.
	StopOnNew bool

	Logger *slog.Logger
}

// DiscoveryListener receives controller announcements on a UDP socket.
type DiscoveryListener struct {
	conn *net.UDPConn
}

// ListenDiscovery binds addr, which defaults to the discovery port on all
// interfaces.
func ListenDiscovery(addr string) (*DiscoveryListener, error) {
	if addr == "" {
		addr = net.JoinHostPort("", strconv.Itoa(DiscoveryPort))
	}
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, errors.Wrap(err, "resolving discovery address")
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, errors.Wrap(err, "listening for announcements")
	}
	return &DiscoveryListener{conn: conn}, nil
}

func (d *DiscoveryListener) LocalAddr() *net.UDPAddr {
	return d.conn.LocalAddr().(*net.UDPAddr)
}

func (d *DiscoveryListener) Close() error { return d.conn.Close() }

// Scan collects announcements until timeout elapses, ctx is done or, with
// StopOnNew, the first new device arrives. Devices are keyed by host. Invalid
// datagrams are ignored.
func (d *DiscoveryListener) Scan(ctx context.Context, timeout time.Duration, opts ScanOptions) (map[string]DiscoveredDevice, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := d.conn.SetReadDeadline(deadline); err != nil {
		return nil, errors.Wrap(err, "setting read deadline")
	}
	stop := context.AfterFunc(ctx, func() {
		d.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	found := make(map[string]DiscoveredDevice)
	buffer := make([]byte, discoveryBufferSize)
	for {
		n, src, err := d.conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return found, ctx.Err()
				}
				return found, nil
			}
			return found, errors.Wrap(err, "reading announcement")
		}

		a, err := protocol.ParseAnnouncement(buffer[:n])
		if err != nil {
			log.DebugContext(ctx, "Ignoring datagram", "from", src.String(), "error", err)
			continue
		}

		dev := DiscoveredDevice{
			Host:     announcedHost(a, src),
			Name:     a.Name,
			SenderID: a.SenderHex(),
		}
		if _, ok := found[dev.Host]; ok {
			continue
		}
		if opts.Known != nil && opts.Known(dev.Host, dev.SenderID) {
			continue
		}

		log.InfoContext(ctx, "Found fireplace", "host", dev.Host, "name", dev.Name, "sender", dev.SenderID)
		found[dev.Host] = dev
		if opts.StopOnNew {
			return found, nil
		}
	}
}

// announcedHost prefers the address inside the announcement over the
// datagram source.
func announcedHost(a *protocol.Announcement, src *net.UDPAddr) string {
	if a.IP != nil && !a.IP.IsUnspecified() {
		return a.IP.String()
	}
	return src.IP.String()
}

// Discover listens on listenAddr for one scan.
func Discover(ctx context.Context, listenAddr string, timeout time.Duration, opts ScanOptions) (map[string]DiscoveredDevice, error) {
	l, err := ListenDiscovery(listenAddr)
	if err != nil {
		return nil, err
	}
	defer l.Close()
	return l.Scan(ctx, timeout, opts)
}
