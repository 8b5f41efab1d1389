// Package itcsim simulates a Faber ITC controller. It accepts sessions on a
// TCP listener, answers the handshake, status and info queries, applies
// burner commands and can broadcast discovery announcements.
package itcsim

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ivanvanderbyl/faber-itc/pkg/protocol"
	"github.com/pkg/errors"
	"github.com/sourcegraph/conc/pool"
)

const readBufferSize = 1024

// Device is a simulated controller. Configure the exported fields before
// calling Serve.
type Device struct {
	Variant  protocol.Variant
	DeviceID uint32
	SenderID uint32
	Name     string

	// Info answers protocol.OpInfoRequest and Installer answers
	// protocol.OpInstallerInfoRequest, in wire order.
	Info      []string
	Installer []string

	// ChunkSize splits every reply into writes of at most this many bytes.
	ChunkSize int
	// Noise is written before every reply.
	Noise []byte

	Log *slog.Logger

	writeMu sync.Mutex

	mu          sync.Mutex
	state       protocol.Opcode
	level       int
	mask        protocol.BurnerMask
	temperature float64
	conns       map[net.Conn]struct{}
	accepted    int
	received    []protocol.Opcode
}

// New returns a device that is off at level 0 and reports 21.5 °C.
func New(v protocol.Variant) *Device {
	return &Device{
		Variant:     v,
		DeviceID:    protocol.DefaultDeviceID,
		SenderID:    0xFAC42CD8,
		Name:        "Kamin",
		Info:        []string{"MatriX 800/500 I", "SN123456", "ART-4711", "Erdgas"},
		Installer:   []string{"Ofenbau GmbH", "+49 30 1234567", "www.ofenbau.de", "info@ofenbau.de"},
		state:       protocol.OpOff,
		mask:        protocol.BurnerOff,
		temperature: 21.5,
	}
}

func (d *Device) codec() *protocol.Codec {
	c := protocol.NewCodec(d.Variant)
	c.DeviceID = d.DeviceID
	return c
}

func (d *Device) log() *slog.Logger {
	if d.Log == nil {
		return slog.Default()
	}
	return d.Log
}

// Serve accepts sessions until ctx is done or ln fails. It closes ln and
// every open session before returning.
func (d *Device) Serve(ctx context.Context, ln net.Listener) error {
	p := pool.New().WithContext(ctx)

	stop := context.AfterFunc(ctx, func() {
		ln.Close()
		d.DropConnections()
	})
	defer stop()

	var err error
	for {
		conn, acceptErr := ln.Accept()
		if acceptErr != nil {
			if ctx.Err() == nil {
				err = errors.Wrap(acceptErr, "accepting session")
			}
			break
		}

		d.mu.Lock()
		if d.conns == nil {
			d.conns = make(map[net.Conn]struct{})
		}
		d.conns[conn] = struct{}{}
		d.accepted++
		d.mu.Unlock()

		p.Go(func(ctx context.Context) error {
			d.handle(ctx, conn)
			return nil
		})
	}

	ln.Close()
	d.DropConnections()
	p.Wait()
	return err
}

func (d *Device) handle(ctx context.Context, conn net.Conn) {
	defer d.forget(conn)

	log := d.log().With("remote", conn.RemoteAddr().String())
	log.DebugContext(ctx, "Session opened")

	codec := d.codec()
	r := protocol.NewReassembler(protocol.WithSpanFunc(codec.Layout.CommandSpan))
	buffer := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buffer)
		for _, raw := range r.Feed(buffer[:n]) {
			f, decodeErr := codec.Decode(raw)
			if decodeErr != nil {
				log.DebugContext(ctx, "Dropping frame", "error", decodeErr)
				continue
			}
			if replyErr := d.reply(conn, f); replyErr != nil {
				log.DebugContext(ctx, "Reply failed", "error", replyErr)
				return
			}
		}
		if err != nil {
			log.DebugContext(ctx, "Session closed", "error", err)
			return
		}
	}
}

func (d *Device) forget(conn net.Conn) {
	conn.Close()
	d.mu.Lock()
	delete(d.conns, conn)
	d.mu.Unlock()
}

func (d *Device) reply(conn net.Conn, f *protocol.Frame) error {
	d.mu.Lock()
	d.received = append(d.received, f.Opcode)
	d.mu.Unlock()

	switch f.Opcode {
	case protocol.OpIdentify:
		if err := d.sendInfo(conn, protocol.OpIdentify, d.Name); err != nil {
			return err
		}
		return d.sendStatus(conn)
	case protocol.OpStatusRequest:
		return d.sendStatus(conn)
	case protocol.OpInfoRequest:
		return d.sendInfo(conn, protocol.OpInfoRequest, d.Info...)
	case protocol.OpInstallerInfoRequest:
		return d.sendInfo(conn, protocol.OpInstallerInfoRequest, d.Installer...)
	case protocol.OpOn, protocol.OpDualBurner, protocol.OpOff:
		d.apply(f)
		return d.sendStatus(conn)
	}
	return nil
}

func (d *Device) apply(f *protocol.Frame) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.state = f.Opcode
	d.level = f.Level()
	d.mask = f.BurnerMask
	if !f.HasMask {
		d.mask = protocol.MaskForOpcode(f.Opcode)
	}
}

func (d *Device) statusFrame() ([]byte, error) {
	d.mu.Lock()
	level, temp := d.level, d.temperature
	f := protocol.Frame{
		DeviceID:       d.DeviceID,
		Opcode:         d.state,
		BurnerMask:     d.mask,
		HasMask:        true,
		Temperature:    temp,
		HasTemperature: true,
	}
	d.mu.Unlock()

	intensity, err := protocol.IntensityForLevel(level)
	if err != nil {
		return nil, err
	}
	f.Intensity = intensity
	return d.codec().Encode(f)
}

func (d *Device) sendStatus(conn net.Conn) error {
	frame, err := d.statusFrame()
	if err != nil {
		return err
	}
	return d.write(conn, frame)
}

func (d *Device) sendInfo(conn net.Conn, op protocol.Opcode, strs ...string) error {
	frame, err := protocol.EncodeInfo(d.DeviceID, op, strs...)
	if err != nil {
		return err
	}
	return d.write(conn, frame)
}

func (d *Device) write(conn net.Conn, frame []byte) error {
	out := append(append([]byte(nil), d.Noise...), frame...)

	size := d.ChunkSize
	if size <= 0 {
		size = len(out)
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return errors.Wrap(err, "setting write deadline")
	}
	for len(out) > 0 {
		n := min(size, len(out))
		if _, err := conn.Write(out[:n]); err != nil {
			return errors.Wrap(err, "writing reply")
		}
		out = out[n:]
	}
	return nil
}

// PushStatus sends an unsolicited status frame to every open session.
func (d *Device) PushStatus() error {
	for _, conn := range d.sessions() {
		if err := d.sendStatus(conn); err != nil {
			return err
		}
	}
	return nil
}

// DropConnections closes every open session, as a controller reboot would.
func (d *Device) DropConnections() {
	for _, conn := range d.sessions() {
		conn.Close()
	}
}

func (d *Device) sessions() []net.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	conns := make([]net.Conn, 0, len(d.conns))
	for conn := range d.conns {
		conns = append(conns, conn)
	}
	return conns
}

// Accepted counts sessions accepted since Serve started.
func (d *Device) Accepted() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.accepted
}

// Received lists the opcodes of every frame received, in order.
func (d *Device) Received() []protocol.Opcode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]protocol.Opcode(nil), d.received...)
}

// SetTemperature changes the reported room temperature (0..25.5 °C).
func (d *Device) SetTemperature(t float64) {
	d.mu.Lock()
	d.temperature = t
	d.mu.Unlock()
}

// SetState changes the burner state without a command, as the wall switch
// would.
func (d *Device) SetState(op protocol.Opcode, level int) {
	d.mu.Lock()
	d.state = op
	d.level = level
	d.mask = protocol.MaskForOpcode(op)
	d.mu.Unlock()
}

// State reports the current burner status code, flame level and mask.
func (d *Device) State() (protocol.Opcode, int, protocol.BurnerMask) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state, d.level, d.mask
}

// Announce sends one discovery datagram to target, advertising ip.
func (d *Device) Announce(target *net.UDPAddr, ip net.IP, seq uint32) error {
	conn, err := net.DialUDP("udp4", nil, target)
	if err != nil {
		return errors.Wrap(err, "dialing announcement target")
	}
	defer conn.Close()

	if _, err := conn.Write(protocol.EncodeAnnouncement(d.SenderID, ip, seq, d.Name)); err != nil {
		return errors.Wrap(err, "writing announcement")
	}
	return nil
}

// Broadcast announces ip every interval until ctx is done.
func (d *Device) Broadcast(ctx context.Context, target *net.UDPAddr, ip net.IP, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq uint32
	for {
		if err := d.Announce(target, ip, seq); err != nil {
			return err
		}
		seq++

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
