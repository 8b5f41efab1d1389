package itcsim

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ivanvanderbyl/faber-itc/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startDevice(t *testing.T, d *Device) net.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return ln.Addr()
}

// readFrames reads from conn until want frames have been reassembled.
func readFrames(t *testing.T, conn net.Conn, layout protocol.Layout, want int) [][]byte {
	t.Helper()
	r := protocol.NewReassembler(protocol.WithSpanFunc(layout.ReplySpan))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var frames [][]byte
	buffer := make([]byte, 256)
	for len(frames) < want {
		n, err := conn.Read(buffer)
		require.NoError(t, err)
		frames = append(frames, r.Feed(buffer[:n])...)
	}
	return frames
}

func TestHandshake(t *testing.T) {
	for _, v := range []protocol.Variant{protocol.V29, protocol.V33, protocol.V60} {
		t.Run(v.String(), func(t *testing.T) {
			a := assert.New(t)
			d := New(v)
			d.ChunkSize = 5
			d.Noise = []byte{0x00, 0xA1, 0xFF}
			addr := startDevice(t, d)

			conn, err := net.Dial("tcp", addr.String())
			require.NoError(t, err)
			defer conn.Close()

			_, err = conn.Write(protocol.EncodeIdentify())
			require.NoError(t, err)

			codec := protocol.NewCodec(v)
			frames := readFrames(t, conn, codec.Layout, 2)
			require.Len(t, frames, 2)

			info, err := codec.Decode(frames[0])
			require.NoError(t, err)
			a.Equal(protocol.OpIdentify, info.Opcode)
			a.Equal([]string{"Kamin"}, info.Strings)

			status, err := codec.Decode(frames[1])
			require.NoError(t, err)
			a.Equal(protocol.OpOff, status.Opcode)
			a.Len(frames[1], codec.Layout.Length)
			a.True(status.HasTemperature)
			a.InDelta(21.5, status.Temperature, 0.01)

			a.Equal(1, d.Accepted())
		})
	}
}

func TestCommandsApply(t *testing.T) {
	a := assert.New(t)
	d := New(protocol.V60)
	addr := startDevice(t, d)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	codec := protocol.NewCodec(protocol.V60)
	frame, err := codec.EncodeCommand(protocol.OpDualBurner, protocol.FlagsCommand, 3, protocol.BurnerDual)
	require.NoError(t, err)
	_, err = conn.Write(frame)
	require.NoError(t, err)

	frames := readFrames(t, conn, codec.Layout, 1)
	status, err := codec.Decode(frames[0])
	require.NoError(t, err)
	a.Equal(protocol.OpDualBurner, status.Opcode)
	a.Equal(3, status.Level())
	a.Equal(protocol.BurnerDual, status.BurnerMask)

	op, level, mask := d.State()
	a.Equal(protocol.OpDualBurner, op)
	a.Equal(3, level)
	a.Equal(protocol.BurnerDual, mask)
	a.Equal([]protocol.Opcode{protocol.OpDualBurner}, d.Received())
}

func TestInfoReplies(t *testing.T) {
	a := assert.New(t)
	d := New(protocol.V33)
	addr := startDevice(t, d)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	codec := protocol.NewCodec(protocol.V33)
	for _, op := range []protocol.Opcode{protocol.OpInfoRequest, protocol.OpInstallerInfoRequest} {
		frame, err := codec.EncodeCommand(op, protocol.FlagsQuery, 0, protocol.BurnerOff)
		require.NoError(t, err)
		_, err = conn.Write(frame)
		require.NoError(t, err)
	}

	frames := readFrames(t, conn, codec.Layout, 2)
	first, err := codec.Decode(frames[0])
	require.NoError(t, err)
	a.Equal(d.Info, first.Strings)

	second, err := codec.Decode(frames[1])
	require.NoError(t, err)
	a.Equal(d.Installer, second.Strings)
}

func TestAnnounce(t *testing.T) {
	a := assert.New(t)
	ln, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer ln.Close()

	d := New(protocol.V33)
	require.NoError(t, d.Announce(ln.LocalAddr().(*net.UDPAddr), net.IPv4(192, 168, 1, 50), 7))

	require.NoError(t, ln.SetReadDeadline(time.Now().Add(2*time.Second)))
	buffer := make([]byte, 128)
	n, _, err := ln.ReadFromUDP(buffer)
	require.NoError(t, err)

	ann, err := protocol.ParseAnnouncement(buffer[:n])
	require.NoError(t, err)
	a.Equal("Kamin", ann.Name)
	a.Equal("fac42cd8", ann.SenderHex())
	a.Equal("192.168.1.50", ann.IP.String())
	a.Equal(uint32(7), ann.Seq)
}
