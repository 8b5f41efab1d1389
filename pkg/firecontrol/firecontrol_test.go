package firecontrol

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ivanvanderbyl/faber-itc/pkg/itcsim"
	"github.com/ivanvanderbyl/faber-itc/pkg/protocol"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startDevice serves d on a loopback port until the test ends.
func startDevice(t *testing.T, d *itcsim.Device) int {
	t.Helper()
	d.Log = discardLogger()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().(*net.TCPAddr).Port
}

func newTestClient(t *testing.T, port int, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{
		WithPort(port),
		WithLogger(discardLogger()),
		WithTimeout(time.Second),
		WithBackoff(10*time.Millisecond, 50*time.Millisecond),
	}, opts...)
	c := NewClient("127.0.0.1", opts...)
	t.Cleanup(c.Disconnect)
	return c
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func waitStatus(t *testing.T, c *Client, cond func(Status) bool) Status {
	t.Helper()
	var st Status
	require.Eventually(t, func() bool {
		var ok bool
		st, ok = c.LastStatus()
		return ok && cond(st)
	}, waitFor, tick)
	return st
}

func anyStatus(Status) bool { return true }

func TestConnectReceivesStatus(t *testing.T) {
	a := assert.New(t)
	d := itcsim.New(protocol.V33)
	c := newTestClient(t, startDevice(t, d), WithVariant(protocol.V33))

	statuses := make(chan Status, 4)
	c.SetCallback(func(st Status) { statuses <- st })

	require.NoError(t, c.Connect(context.Background()))
	a.True(c.IsConnected())
	a.Equal(Connected, c.State())

	select {
	case st := <-statuses:
		a.Equal(StateOff, st.State)
		a.False(st.IsOn())
		a.True(st.HasTemperature)
		a.InDelta(21.5, st.Temperature, 0.01)
	case <-time.After(waitFor):
		t.Fatal("no status after handshake")
	}

	require.Eventually(t, func() bool { return c.DeviceInfo().Model == "Kamin" }, waitFor, tick)
	a.Equal("Faber", c.DeviceInfo().Manufacturer)
}

func TestConnectIsIdempotent(t *testing.T) {
	a := assert.New(t)
	d := itcsim.New(protocol.V33)
	c := newTestClient(t, startDevice(t, d), WithVariant(protocol.V33))

	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.Connect(ctx))
	waitStatus(t, c, anyStatus)

	a.Equal(1, d.Accepted())
	a.Equal([]protocol.Opcode{protocol.OpIdentify}, d.Received())
}

func TestConnectFailure(t *testing.T) {
	a := assert.New(t)
	c := newTestClient(t, freePort(t))

	err := c.Connect(context.Background())
	a.Error(err)
	a.True(errors.Is(err, ErrConnection))

	var opErr *OpError
	if a.True(errors.As(err, &opErr)) {
		a.Equal("connect", opErr.Op)
		a.Equal("127.0.0.1", opErr.Host)
	}
	a.Equal(Disconnected, c.State())
	a.False(c.IsConnected())
}

func TestInvalidLevelSkipsIO(t *testing.T) {
	a := assert.New(t)
	d := itcsim.New(protocol.V33)
	c := newTestClient(t, startDevice(t, d))

	for _, level := range []int{-1, 5} {
		err := c.SetFlameHeight(context.Background(), level)
		a.True(errors.Is(err, ErrValidation), "level %d", level)
		a.True(errors.Is(err, protocol.ErrInvalidLevel))

		err = c.SendFrame(context.Background(), protocol.OpOn, level, protocol.BurnerSingle)
		a.True(errors.Is(err, ErrValidation), "level %d", level)
	}

	a.Equal(Disconnected, c.State())
	a.Zero(d.Accepted())
}

func TestCommands(t *testing.T) {
	a := assert.New(t)
	d := itcsim.New(protocol.V60)
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	c := newTestClient(t, startDevice(t, d), WithVariant(protocol.V60), WithMetrics(m))
	ctx := context.Background()

	// Commands open the session on demand.
	require.NoError(t, c.TurnOn(ctx))
	st := waitStatus(t, c, func(st Status) bool { return st.State == StateOn })
	a.Equal(1, st.FlameLevel)
	a.Equal(protocol.BurnerSingle, st.BurnerMask)
	a.False(st.Wide())

	require.NoError(t, c.SetFlameHeight(ctx, 3))
	st = waitStatus(t, c, func(st Status) bool { return st.FlameLevel == 3 })
	a.Equal(StateOn, st.State)
	a.Equal(uint32(0x4B), st.FlameHeight)

	require.NoError(t, c.SetFlameWidth(ctx, true))
	st = waitStatus(t, c, func(st Status) bool { return st.State == StateDual })
	a.Equal(3, st.FlameLevel)
	a.True(st.Wide())
	a.Equal(protocol.WidthWide, st.FlameWidth)

	// Height changes keep both burners lit.
	require.NoError(t, c.SetFlameHeight(ctx, 4))
	st = waitStatus(t, c, func(st Status) bool { return st.FlameLevel == 4 })
	a.Equal(StateDual, st.State)

	require.NoError(t, c.TurnOff(ctx))
	waitStatus(t, c, func(st Status) bool { return st.State == StateOff })

	op, level, mask := d.State()
	a.Equal(protocol.OpOff, op)
	a.Equal(0, level)
	a.Equal(protocol.BurnerOff, mask)

	a.Equal([]protocol.Opcode{
		protocol.OpIdentify,
		protocol.OpOn,
		protocol.OpOn,
		protocol.OpDualBurner,
		protocol.OpDualBurner,
		protocol.OpOff,
	}, d.Received())

	a.Equal(2.0, testutil.ToFloat64(m.CommandsSent.WithLabelValues("on")))
	a.Equal(1.0, testutil.ToFloat64(m.Connected))
}

func TestSettleDelaySpacesCommands(t *testing.T) {
	a := assert.New(t)
	d := itcsim.New(protocol.V33)
	c := newTestClient(t, startDevice(t, d), WithVariant(protocol.V33), WithSettleDelay(100*time.Millisecond))
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, c.TurnOn(ctx))
	require.NoError(t, c.TurnOff(ctx))
	a.GreaterOrEqual(time.Since(start), 90*time.Millisecond)

	// A deadline shorter than the remaining gap fails without writing.
	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	a.Error(c.TurnOn(short))
}

func TestMaskWithoutFieldSkipsIO(t *testing.T) {
	a := assert.New(t)
	d := itcsim.New(protocol.V33)
	c := newTestClient(t, startDevice(t, d), WithVariant(protocol.V33))

	err := c.SendFrame(context.Background(), protocol.OpOn, 2, protocol.BurnerDual)
	a.True(errors.Is(err, ErrValidation))
	a.True(errors.Is(err, protocol.ErrMask))
	a.Equal(Disconnected, c.State())
	a.Zero(d.Accepted())
}

// brokenConn accepts the handshake and fails every write after it. Reads
// block until it is closed.
type brokenConn struct {
	net.Conn
	writes atomic.Int32
	err    error
}

func (b *brokenConn) Write(p []byte) (int, error) {
	if b.writes.Add(1) > 1 {
		return 0, b.err
	}
	return len(p), nil
}

func TestSendOnDeadConnection(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind error
	}{
		{name: "reset", err: errors.New("connection reset by peer"), kind: ErrConnection},
		{name: "timeout", err: timeoutError{}, kind: ErrTimeout},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			a := assert.New(t)
			local, remote := net.Pipe()
			t.Cleanup(func() { remote.Close() })

			c := newTestClient(t, freePort(t), WithVariant(protocol.V33), WithAutoReconnect(false))
			c.dialContext = func(context.Context, string, string) (net.Conn, error) {
				return &brokenConn{Conn: local, err: test.err}, nil
			}
			events, cancel := c.Subscribe(8)
			defer cancel()

			ctx := context.Background()
			require.NoError(t, c.Connect(ctx))
			a.True(c.IsConnected())

			err := c.TurnOff(ctx)
			a.True(errors.Is(err, test.kind), "got %v", err)
			var opErr *OpError
			if a.True(errors.As(err, &opErr)) {
				a.Equal("send", opErr.Op)
			}
			a.Equal(Disconnected, c.State())

			var lost *Event
			for lost == nil {
				select {
				case ev := <-events:
					if ev.Kind == EventConnection && ev.State == Disconnected {
						lost = &ev
					}
				case <-time.After(waitFor):
					t.Fatal("no disconnect event")
				}
			}
			a.Error(lost.Err)
		})
	}
}

func TestCallbackMayDisconnect(t *testing.T) {
	d := itcsim.New(protocol.V33)
	c := newTestClient(t, startDevice(t, d), WithVariant(protocol.V33))

	done := make(chan struct{})
	var once sync.Once
	c.SetCallback(func(Status) {
		c.Disconnect()
		once.Do(func() { close(done) })
	})

	require.NoError(t, c.Connect(context.Background()))
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("callback did not return")
	}
	assert.Equal(t, Disconnected, c.State())
}

func TestRequestInfo(t *testing.T) {
	a := assert.New(t)
	d := itcsim.New(protocol.V33)
	c := newTestClient(t, startDevice(t, d), WithVariant(protocol.V33))

	require.NoError(t, c.RequestInfo(context.Background()))
	require.Eventually(t, func() bool {
		info := c.DeviceInfo()
		return info.Serial != "" && info.InstallerMail != ""
	}, waitFor, tick)

	info := c.DeviceInfo()
	a.Equal("MatriX 800/500 I", info.Model)
	a.Equal("SN123456", info.Serial)
	a.Equal("ART-4711", info.Article)
	a.Equal("Erdgas", info.Variant)
	a.Equal("Faber", info.Manufacturer)
	a.Equal("Ofenbau GmbH", info.InstallerName)
	a.Equal("+49 30 1234567", info.InstallerPhone)
	a.Equal("www.ofenbau.de", info.InstallerWeb)
	a.Equal("info@ofenbau.de", info.InstallerMail)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	a := assert.New(t)
	d := itcsim.New(protocol.V33)
	c := newTestClient(t, startDevice(t, d), WithVariant(protocol.V33))

	require.NoError(t, c.Connect(context.Background()))
	waitStatus(t, c, anyStatus)

	c.Disconnect()
	c.Disconnect()
	a.Equal(Disconnected, c.State())
	a.False(c.IsConnected())
	_, ok := c.LastStatus()
	a.False(ok)

	// A deliberate disconnect never reconnects.
	time.Sleep(100 * time.Millisecond)
	a.Equal(1, d.Accepted())
	a.Equal(Disconnected, c.State())

	// The session can be reopened.
	require.NoError(t, c.Connect(context.Background()))
	a.True(c.IsConnected())
}

func TestReconnectAfterReadFailure(t *testing.T) {
	a := assert.New(t)
	d := itcsim.New(protocol.V33)
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	c := newTestClient(t, startDevice(t, d), WithVariant(protocol.V33), WithMetrics(m))

	events, cancel := c.Subscribe(16)
	defer cancel()

	require.NoError(t, c.Connect(context.Background()))
	waitStatus(t, c, anyStatus)

	d.DropConnections()

	require.Eventually(t, func() bool {
		return d.Accepted() == 2 && c.IsConnected()
	}, waitFor, tick)
	waitStatus(t, c, anyStatus)
	a.Equal(1.0, testutil.ToFloat64(m.Reconnects.WithLabelValues("read-failure")))

	var lost bool
	for !lost {
		select {
		case ev := <-events:
			lost = ev.Kind == EventConnection && ev.State == Disconnected && ev.Err != nil
		case <-time.After(waitFor):
			t.Fatal("no disconnect event")
		}
	}
}

func TestWatchdogReconnects(t *testing.T) {
	a := assert.New(t)
	d := itcsim.New(protocol.V33)
	clock := newFakeClock()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	c := newTestClient(t, startDevice(t, d),
		WithVariant(protocol.V33),
		WithClock(clock.Now),
		WithMetrics(m),
		WithAutoReconnect(false),
	)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	waitStatus(t, c, anyStatus)

	// The handshake is the only traffic, so the silence starts there.
	clock.Advance(DefaultWatchdog)
	a.False(c.stale())
	clock.Advance(time.Second)
	a.True(c.stale())

	_, err := c.FetchData(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return d.Accepted() == 2 }, waitFor, tick)
	a.True(c.IsConnected())
	a.Equal(1.0, testutil.ToFloat64(m.Reconnects.WithLabelValues("watchdog")))
	waitStatus(t, c, anyStatus)
}

func TestFetchDataConnects(t *testing.T) {
	a := assert.New(t)
	d := itcsim.New(protocol.V33)
	d.SetState(protocol.OpOn, 2)
	c := newTestClient(t, startDevice(t, d), WithVariant(protocol.V33))

	_, err := c.FetchData(context.Background())
	require.NoError(t, err)
	st := waitStatus(t, c, anyStatus)
	a.Equal(StateOn, st.State)
	a.Equal(2, st.FlameLevel)

	require.Eventually(t, func() bool {
		st, err := c.FetchData(context.Background())
		return err == nil && st != nil
	}, waitFor, tick)

	a.Contains(d.Received(), protocol.OpStatusRequest)
}

func TestFetchDataUnreachable(t *testing.T) {
	c := newTestClient(t, freePort(t))

	st, err := c.FetchData(context.Background())
	assert.Nil(t, st)
	assert.True(t, errors.Is(err, ErrConnection))
}

func TestVariantDetection(t *testing.T) {
	for _, v := range []protocol.Variant{protocol.V29, protocol.V33, protocol.V60} {
		t.Run(v.String(), func(t *testing.T) {
			a := assert.New(t)
			d := itcsim.New(v)
			d.SetTemperature(19.8)
			d.SetState(protocol.OpDualBurner, 4)
			c := newTestClient(t, startDevice(t, d))
			ctx := context.Background()
			a.Equal(protocol.V33, c.Variant())

			require.NoError(t, c.Connect(ctx))
			st := waitStatus(t, c, anyStatus)
			a.Equal(v, c.Variant())
			a.Equal(StateDual, st.State)
			a.InDelta(19.8, st.Temperature, 0.01)

			// Commands go out in the detected layout and reach the device.
			require.NoError(t, c.SetFlameHeight(ctx, 2))
			st = waitStatus(t, c, func(st Status) bool { return st.FlameLevel == 2 })
			a.Equal(StateDual, st.State)
			a.Equal([]protocol.Opcode{protocol.OpIdentify, protocol.OpDualBurner}, d.Received())
		})
	}
}

func TestNoisyChunkedStream(t *testing.T) {
	a := assert.New(t)
	d := itcsim.New(protocol.V60)
	d.ChunkSize = 3
	d.Noise = []byte{0xA1, 0xA2, 0x00, 0xFA, 0xFB}
	d.SetState(protocol.OpDualBurner, 4)
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	c := newTestClient(t, startDevice(t, d), WithVariant(protocol.V60), WithMetrics(m))

	require.NoError(t, c.Connect(context.Background()))
	st := waitStatus(t, c, anyStatus)
	a.Equal(StateDual, st.State)
	a.Equal(4, st.FlameLevel)
	a.Equal(protocol.BurnerDual, st.BurnerMask)

	require.NoError(t, c.RequestInfo(context.Background()))
	require.Eventually(t, func() bool { return c.DeviceInfo().InstallerName != "" }, waitFor, tick)
	a.Equal("SN123456", c.DeviceInfo().Serial)
	a.Zero(testutil.ToFloat64(m.FramesDropped.WithLabelValues("magic")))
}

func TestSubscribers(t *testing.T) {
	a := assert.New(t)
	d := itcsim.New(protocol.V33)
	c := newTestClient(t, startDevice(t, d), WithVariant(protocol.V33))

	first, cancelFirst := c.Subscribe(16)
	second, cancelSecond := c.Subscribe(16)
	defer cancelSecond()

	require.NoError(t, c.Connect(context.Background()))

	for _, ch := range []<-chan Event{first, second} {
		kinds := map[EventKind]bool{}
		for !kinds[EventStatus] {
			select {
			case ev := <-ch:
				kinds[ev.Kind] = true
			case <-time.After(waitFor):
				t.Fatal("no status event")
			}
		}
		a.True(kinds[EventConnection])
	}

	cancelFirst()
	cancelFirst()
	for range first {
	}
	_, open := <-first
	a.False(open)
}
