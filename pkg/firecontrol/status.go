package firecontrol

import (
	"time"

	"github.com/ivanvanderbyl/faber-itc/pkg/protocol"
)

type State int

const (
	StateOff State = iota
	StateOn
	StateDual
)

func (s State) String() string {
	switch s {
	case StateOn:
		return "on"
	case StateDual:
		return "dual"
	}
	return "off"
}

func stateFor(op protocol.Opcode) State {
	switch op {
	case protocol.OpOn:
		return StateOn
	case protocol.OpDualBurner:
		return StateDual
	}
	return StateOff
}

// Status is a snapshot of the last status frame the controller reported.
type Status struct {
	State       State
	FlameLevel  int
	FlameHeight uint32
	FlameWidth  uint8
	BurnerMask  protocol.BurnerMask

	// Temperature is the room temperature in °C.
	Temperature    float64
	HasTemperature bool

	UpdatedAt time.Time
}

func (s Status) IsOn() bool { return s.State != StateOff }

// Wide reports whether both burners are lit.
func (s Status) Wide() bool { return s.FlameWidth >= protocol.WidthWide }

func statusFromFrame(f *protocol.Frame, prev Status, at time.Time) Status {
	st := Status{
		State:          stateFor(f.Opcode),
		FlameLevel:     f.Level(),
		FlameHeight:    f.Intensity,
		FlameWidth:     f.BurnerMask.Width(),
		BurnerMask:     f.BurnerMask,
		Temperature:    prev.Temperature,
		HasTemperature: prev.HasTemperature,
		UpdatedAt:      at,
	}
	if f.HasTemperature {
		st.Temperature = f.Temperature
		st.HasTemperature = true
	}
	return st
}

const defaultManufacturer = "Faber"

// DeviceInfo holds the controller and installer metadata from info frames.
type DeviceInfo struct {
	Model        string
	Manufacturer string
	Serial       string
	Article      string
	Variant      string

	InstallerName  string
	InstallerPhone string
	InstallerWeb   string
	InstallerMail  string
}

func (d *DeviceInfo) apply(op protocol.Opcode, strs []string) {
	at := func(i int) string {
		if i < len(strs) {
			return strs[i]
		}
		return ""
	}

	switch op {
	case protocol.OpInfoRequest:
		d.Model = at(0)
		d.Serial = at(1)
		d.Article = at(2)
		d.Variant = at(3)
		d.Manufacturer = at(4)
	case protocol.OpInstallerInfoRequest:
		d.InstallerName = at(0)
		d.InstallerPhone = at(1)
		d.InstallerWeb = at(2)
		d.InstallerMail = at(3)
	case protocol.OpIdentify:
		// The handshake reply only names the appliance.
		if d.Model == "" {
			d.Model = at(0)
		}
	}

	if d.Manufacturer == "" {
		d.Manufacturer = defaultManufacturer
	}
}

// ConnState is the session's position in its connection lifecycle.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Handshaking
	Connected
	Reconnecting
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	}
	return "disconnected"
}
