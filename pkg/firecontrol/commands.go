package firecontrol

import (
	"context"
	"encoding/hex"

	"github.com/ivanvanderbyl/faber-itc/pkg/protocol"
)

// SendFrame sends a raw command. level is a flame level 0..4 and is
// validated before any I/O. The session is opened first if needed.
func (c *Client) SendFrame(ctx context.Context, op protocol.Opcode, level int, mask protocol.BurnerMask) error {
	flags := protocol.FlagsQuery
	if op == protocol.OpOn || op == protocol.OpDualBurner {
		flags = protocol.FlagsCommand
	}
	return c.send(ctx, op, flags, level, mask)
}

// TurnOn lights the fireplace, keeping the last known burner width and
// flame level (at least level 1).
func (c *Client) TurnOn(ctx context.Context) error {
	op, mask := c.burnerCommand(c.lastWide())
	return c.send(ctx, op, protocol.FlagsCommand, c.lastLevel(), mask)
}

func (c *Client) TurnOff(ctx context.Context) error {
	return c.send(ctx, protocol.OpOff, protocol.FlagsQuery, 0, protocol.BurnerOff)
}

// SetFlameHeight changes the flame level (0..4) without touching the burner
// width.
func (c *Client) SetFlameHeight(ctx context.Context, level int) error {
	op, mask := c.burnerCommand(c.lastWide())
	return c.send(ctx, op, protocol.FlagsAdjust, level, mask)
}

// SetFlameWidth switches between one burner (narrow) and both (wide).
func (c *Client) SetFlameWidth(ctx context.Context, wide bool) error {
	op, mask := c.burnerCommand(wide)
	return c.send(ctx, op, protocol.FlagsCommand, c.lastLevel(), mask)
}

// RequestInfo asks for the controller and installer metadata. Replies
// arrive asynchronously and update DeviceInfo.
func (c *Client) RequestInfo(ctx context.Context) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	for _, op := range []protocol.Opcode{protocol.OpInfoRequest, protocol.OpInstallerInfoRequest} {
		if err := c.sendLocked(ctx, op, protocol.FlagsQuery, 0, protocol.BurnerOff); err != nil {
			return err
		}
	}
	return nil
}

// FetchData polls the controller for status and returns the cached
// snapshot, or nil if none has been received on the current session. The
// reply itself is delivered to subscribers.
//
// If the session has been silent for longer than the watchdog it is torn
// down and reopened first. A failed reconnect there is not returned; the
// background reconnect loop takes over and FetchData returns nil.
func (c *Client) FetchData(ctx context.Context) (*Status, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	if l := c.currentLink(); l != nil && c.stale() {
		lctx := c.logCtx(ctx)
		c.log.WarnContext(lctx, "No data from controller, reconnecting", "watchdog", c.watchdog)
		c.closeLink(lctx, l, errWatchdog)
		if err := c.connectLocked(ctx); err != nil {
			c.log.WarnContext(lctx, "Watchdog reconnect failed", "error", err)
			c.scheduleReconnect(ctx, "watchdog")
			return nil, nil
		}
		c.metrics.reconnected("watchdog")
	}

	if err := c.sendLocked(ctx, protocol.OpStatusRequest, protocol.FlagsQuery, 0, protocol.BurnerOff); err != nil {
		return nil, err
	}

	if st, ok := c.LastStatus(); ok {
		return &st, nil
	}
	return nil, nil
}

func (c *Client) send(ctx context.Context, op protocol.Opcode, flags uint32, level int, mask protocol.BurnerMask) error {
	if _, err := protocol.IntensityForLevel(level); err != nil {
		return c.opError("send", err)
	}

	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	return c.sendLocked(ctx, op, flags, level, mask)
}

// sendLocked opens the session if needed and writes one command frame. A
// failed write closes the session. The caller holds cmdMu.
func (c *Client) sendLocked(ctx context.Context, op protocol.Opcode, flags uint32, level int, mask protocol.BurnerMask) error {
	frame, err := c.currentCodec().EncodeCommand(op, flags, level, mask)
	if err != nil {
		return c.opError("send", err)
	}

	if err := c.ensureConnectedLocked(ctx); err != nil {
		return err
	}
	l := c.currentLink()
	if l == nil {
		return c.opError("send", errNotConnected)
	}

	if c.pacer != nil {
		if err := c.pacer.Wait(ctx); err != nil {
			return c.opError("send", err)
		}
	}

	lctx := c.logCtx(ctx)
	c.log.DebugContext(lctx, "Sending frame", "opcode", op.String(), "level", level, "hex", hex.EncodeToString(frame))

	if err := c.writeFrame(l.conn, frame); err != nil {
		c.closeLink(lctx, l, err)
		return c.opError("send", err)
	}
	c.metrics.commandSent(op)
	return nil
}

func (c *Client) burnerCommand(wide bool) (protocol.Opcode, protocol.BurnerMask) {
	if wide {
		return protocol.OpDualBurner, protocol.BurnerDual
	}
	return protocol.OpOn, protocol.BurnerSingle
}

func (c *Client) lastWide() bool {
	st, ok := c.LastStatus()
	return ok && (st.State == StateDual || st.Wide())
}

func (c *Client) lastLevel() int {
	st, ok := c.LastStatus()
	if !ok || st.FlameLevel < 1 {
		return 1
	}
	return st.FlameLevel
}
