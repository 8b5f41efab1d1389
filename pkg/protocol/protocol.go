// Package protocol implements the binary framing spoken by Faber ITC
// fireplace controllers: magic-delimited frames of big-endian 32-bit words,
// the handshake and info frames, and a reassembler that recovers frames from
// a noisy TCP byte stream.
package protocol

// Frame markers and fixed header words
//
// Captured command frame (33 bytes):
// a1a2a3a4 00fa0002 00007ded 00001040 ffff0005 00000032 00000000 00 fafbfcfd
const (
	MagicStart      uint32 = 0xA1A2A3A4
	MagicEnd        uint32 = 0xFAFBFCFD
	ProtocolVersion uint32 = 0x00FA0002

	// DefaultDeviceID is the sender id the controller accepts commands from.
	DefaultDeviceID uint32 = 0x00007DED

	wordSize   = 4
	markerSize = 4

	offsetVersion   = 4
	offsetDeviceID  = 8
	offsetOpcode    = 12
	offsetFlags     = 16
	offsetIntensity = 20
	offsetPayload   = 24

	headerSize = offsetOpcode + wordSize

	identifyFrameSize = 32
)

var (
	magicStartBytes = []byte{0xA1, 0xA2, 0xA3, 0xA4}
	magicEndBytes   = []byte{0xFA, 0xFB, 0xFC, 0xFD}
)

// MagicStartBytes returns a copy of the start marker.
func MagicStartBytes() []byte { return append([]byte(nil), magicStartBytes...) }

// MagicEndBytes returns a copy of the end marker.
func MagicEndBytes() []byte { return append([]byte(nil), magicEndBytes...) }

type Opcode uint32

const (
	// Handshake frame the client sends right after connecting
	OpIdentify Opcode = 0x00000020

	// Main status codes, used both as commands and in status reports
	OpOff        Opcode = 0x00001000
	OpOn         Opcode = 0x00001040
	OpDualBurner Opcode = 0x00001080

	// Queries
	OpStatusRequest        Opcode = 0x00001030
	OpInfoRequest          Opcode = 0x00001050
	OpInstallerInfoRequest Opcode = 0x00001051

	// Keepalive sent by the controller while idle
	OpHeartbeat Opcode = 0x00001060
)

func (o Opcode) String() string {
	switch o {
	case OpIdentify:
		return "identify"
	case OpOff:
		return "off"
	case OpOn:
		return "on"
	case OpDualBurner:
		return "dual-burner"
	case OpStatusRequest:
		return "status-request"
	case OpInfoRequest:
		return "info-request"
	case OpInstallerInfoRequest:
		return "installer-info-request"
	case OpHeartbeat:
		return "heartbeat"
	}
	return "unknown"
}

// Class groups opcodes by how a received frame is handled.
type Class int

const (
	ClassUnknown Class = iota
	ClassStatus
	ClassInfo
	ClassQuery
	ClassHeartbeat
)

func (c Class) String() string {
	switch c {
	case ClassStatus:
		return "status"
	case ClassInfo:
		return "info"
	case ClassQuery:
		return "query"
	case ClassHeartbeat:
		return "heartbeat"
	}
	return "unknown"
}

func (o Opcode) Class() Class {
	switch o {
	case OpOff, OpOn, OpDualBurner:
		return ClassStatus
	case OpIdentify, OpInfoRequest, OpInstallerInfoRequest:
		return ClassInfo
	case OpStatusRequest:
		return ClassQuery
	case OpHeartbeat:
		return ClassHeartbeat
	}
	return ClassUnknown
}

// Command-type discriminators carried in word 4
const (
	FlagsQuery   uint32 = 0x00000000
	FlagsCommand uint32 = 0xFFFF0005
	FlagsAdjust  uint32 = 0xFFFF0009
)

// BurnerMask selects which burners are lit. The high byte doubles as the
// reported flame width.
type BurnerMask uint32

const (
	BurnerOff    BurnerMask = 0x00000000
	BurnerSingle BurnerMask = 0x10000000
	BurnerDual   BurnerMask = 0x40000000

	// WidthWide is the smallest flame width reported for a wide (dual) flame.
	WidthWide uint8 = 0x40
)

// Width returns the flame width byte encoded in the mask.
func (m BurnerMask) Width() uint8 { return uint8(uint32(m) >> 24) }

func (m BurnerMask) String() string {
	switch m {
	case BurnerOff:
		return "off"
	case BurnerSingle:
		return "single"
	case BurnerDual:
		return "dual"
	}
	return "custom"
}

// MaskForOpcode derives the burner mask implied by a status code. Short
// frame variants carry no explicit mask field.
func MaskForOpcode(o Opcode) BurnerMask {
	switch o {
	case OpOn:
		return BurnerSingle
	case OpDualBurner:
		return BurnerDual
	}
	return BurnerOff
}

// Flame height levels and their protocol values
var intensityLevels = [...]uint32{0x00, 0x19, 0x32, 0x4B, 0x64}

const (
	MinLevel = 0
	MaxLevel = len(intensityLevels) - 1
)

// IntensityForLevel maps a flame level (0..4) to its protocol value.
func IntensityForLevel(level int) (uint32, error) {
	if level < MinLevel || level > MaxLevel {
		return 0, invalidLevel(level)
	}
	return intensityLevels[level], nil
}

// LevelForIntensity maps a protocol value back to a flame level. Values that
// are not in the table resolve to the nearest level.
func LevelForIntensity(v uint32) int {
	best, bestDiff := 0, int64(-1)
	for lvl, iv := range intensityLevels {
		diff := int64(v) - int64(iv)
		if diff < 0 {
			diff = -diff
		}
		if bestDiff < 0 || diff < bestDiff {
			best, bestDiff = lvl, diff
		}
	}
	return best
}
