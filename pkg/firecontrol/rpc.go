package firecontrol

import (
	"context"
	"encoding/hex"
	"net"
	"time"

	"github.com/ivanvanderbyl/faber-itc/pkg/protocol"
	"github.com/pkg/errors"
)

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dialContext(ctx, "tcp", c.Addr())
	if err != nil {
		return nil, errors.Wrap(err, "dialing controller")
	}
	return conn, nil
}

func (c *Client) writeFrame(conn net.Conn, frame []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return errors.Wrap(err, "setting write deadline")
	}
	if _, err := conn.Write(frame); err != nil {
		return errors.Wrap(err, "writing frame")
	}
	return nil
}

// readLoop runs for the lifetime of a link. Any read error ends the link;
// errors never reach the consumer from here, they only trigger a reconnect.
func (c *Client) readLoop(ctx context.Context, l *link) {
	r := protocol.NewReassembler(protocol.WithHeaderSpanFunc(c.replySpan))
	buffer := make([]byte, readBufferSize)

	for {
		n, err := l.conn.Read(buffer)
		if n > 0 {
			c.handleChunk(ctx, r, buffer[:n])
		}
		if err != nil {
			c.readFailed(ctx, l, err)
			return
		}
	}
}

// readFailed runs on the reader goroutine, so it cannot wait for itself the
// way closeLink does.
func (c *Client) readFailed(ctx context.Context, l *link, err error) {
	if !c.detachLink(l) {
		// Closed on purpose by Disconnect or the watchdog.
		return
	}
	l.conn.Close()
	c.linkClosed(ctx, errors.Wrap(err, "reading from controller"))
	c.scheduleReconnect(ctx, "read-failure")
}

// replySpan sizes the next frame from the controller. Until the variant is
// known the frame body decides whether it is a 60 byte frame.
func (c *Client) replySpan(head []byte) int {
	c.mu.RLock()
	undetected := c.variant == protocol.VariantAuto && !c.detected
	layout := c.codec.Layout
	c.mu.RUnlock()

	if undetected {
		return protocol.AutoReplySpan(head)
	}
	return layout.ReplySpan(protocol.HeaderOpcode(head))
}

func (c *Client) handleChunk(ctx context.Context, r *protocol.Reassembler, chunk []byte) {
	c.mu.Lock()
	c.lastData = c.now()
	c.mu.Unlock()
	c.metrics.bytesReceived(len(chunk))

	for _, raw := range r.Feed(chunk) {
		c.handleFrame(ctx, raw)
	}

	if r.Buffered() > maxBuffered {
		c.log.WarnContext(ctx, "Discarding unframed bytes", "bytes", r.Buffered())
		c.metrics.frameDropped("overflow")
		r.Reset()
	}
}

func (c *Client) handleFrame(ctx context.Context, raw []byte) {
	codec := c.detectVariant(ctx, raw)

	f, err := codec.Decode(raw)
	if err != nil {
		c.log.DebugContext(ctx, "Dropping frame", "error", err, "hex", hex.EncodeToString(raw))
		c.metrics.frameDropped(dropReason(err))
		return
	}
	c.metrics.frameDecoded(f.Class())

	switch f.Class() {
	case protocol.ClassStatus:
		c.mu.Lock()
		c.status = statusFromFrame(f, c.status, c.now())
		c.hasStatus = true
		st := c.status
		c.mu.Unlock()

		c.log.DebugContext(ctx, "Status received",
			"state", st.State.String(),
			"level", st.FlameLevel,
			"width", st.FlameWidth,
			"temperature", st.Temperature,
		)
		c.events.publish(Event{Kind: EventStatus, Status: st})

	case protocol.ClassInfo:
		if len(f.Strings) == 0 {
			return
		}
		c.mu.Lock()
		c.info.apply(f.Opcode, f.Strings)
		info := c.info
		c.mu.Unlock()

		c.log.DebugContext(ctx, "Device info received", "opcode", f.Opcode.String(), "strings", f.Strings)
		c.events.publish(Event{Kind: EventInfo, Info: info})

	case protocol.ClassHeartbeat, protocol.ClassQuery:
		// lastData is already refreshed.

	default:
		c.log.DebugContext(ctx, "Ignoring frame with unknown opcode",
			"opcode", uint32(f.Opcode),
			"text", protocol.PrintableRuns(raw),
		)
	}
}

// detectVariant switches the codec to the layout matching the first status
// frame when the session was created with protocol.VariantAuto.
func (c *Client) detectVariant(ctx context.Context, raw []byte) *protocol.Codec {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.variant != protocol.VariantAuto || c.detected || len(raw) < 16 {
		return c.codec
	}
	if protocol.HeaderOpcode(raw).Class() != protocol.ClassStatus {
		return c.codec
	}
	if v, ok := protocol.VariantForLength(len(raw)); ok {
		c.codec = c.newCodec(v)
		c.detected = true
		c.log.InfoContext(ctx, "Detected protocol variant", "variant", v.String(), "length", len(raw))
	}
	return c.codec
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrShortFrame):
		return "short"
	case errors.Is(err, protocol.ErrMagic):
		return "magic"
	case errors.Is(err, protocol.ErrLength):
		return "length"
	}
	return "invalid"
}
