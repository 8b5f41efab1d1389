package firecontrol

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ivanvanderbyl/faber-itc/pkg/protocol"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestStatusFromFrame(t *testing.T) {
	a := assert.New(t)
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	st := statusFromFrame(&protocol.Frame{
		Opcode:         protocol.OpDualBurner,
		Intensity:      0x4B,
		BurnerMask:     protocol.BurnerDual,
		Temperature:    22.4,
		HasTemperature: true,
	}, Status{}, at)

	a.Equal(StateDual, st.State)
	a.Equal(3, st.FlameLevel)
	a.Equal(uint32(0x4B), st.FlameHeight)
	a.Equal(uint8(0x40), st.FlameWidth)
	a.True(st.Wide())
	a.True(st.IsOn())
	a.Equal(22.4, st.Temperature)
	a.Equal(at, st.UpdatedAt)

	// A frame without temperature keeps the previous reading.
	next := statusFromFrame(&protocol.Frame{
		Opcode:     protocol.OpOn,
		Intensity:  0x30,
		BurnerMask: protocol.BurnerSingle,
	}, st, at)
	a.Equal(StateOn, next.State)
	a.Equal(2, next.FlameLevel)
	a.False(next.Wide())
	a.True(next.HasTemperature)
	a.Equal(22.4, next.Temperature)
}

func TestDeviceInfoApply(t *testing.T) {
	a := assert.New(t)

	var info DeviceInfo
	info.apply(protocol.OpIdentify, []string{"Kamin"})
	a.Equal("Kamin", info.Model)
	a.Equal("Faber", info.Manufacturer)

	info.apply(protocol.OpInfoRequest, []string{"MatriX 800", "SN1", "ART", "Erdgas", "Faber BV"})
	a.Equal(DeviceInfo{
		Model:        "MatriX 800",
		Serial:       "SN1",
		Article:      "ART",
		Variant:      "Erdgas",
		Manufacturer: "Faber BV",
	}, info)

	// The handshake name never replaces a model from an info reply.
	info.apply(protocol.OpIdentify, []string{"Kamin"})
	a.Equal("MatriX 800", info.Model)

	info.apply(protocol.OpInstallerInfoRequest, []string{"Ofenbau", "0301234"})
	a.Equal("Ofenbau", info.InstallerName)
	a.Equal("0301234", info.InstallerPhone)
	a.Empty(info.InstallerWeb)
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var _ net.Error = timeoutError{}

func TestErrorKinds(t *testing.T) {
	a := assert.New(t)
	c := NewClient("10.0.0.9")

	tests := []struct {
		err  error
		kind error
	}{
		{errors.Wrap(protocol.ErrInvalidLevel, "level 7"), ErrValidation},
		{errors.Wrap(context.DeadlineExceeded, "dialing controller"), ErrTimeout},
		{errors.Wrap(timeoutError{}, "writing frame"), ErrTimeout},
		{errors.New("connection refused"), ErrConnection},
	}

	for _, test := range tests {
		err := c.opError("send", test.err)
		a.True(errors.Is(err, test.kind), "%v", test.err)
		a.Contains(err.Error(), "send 10.0.0.9")
		a.Equal(test.err, errors.Unwrap(err))
	}
}
