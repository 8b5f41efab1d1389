package protocol

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// Frame is a decoded frame. Optional fields are only meaningful when the
// matching Has* flag is set.
type Frame struct {
	DeviceID  uint32
	Opcode    Opcode
	Flags     uint32
	Intensity uint32

	BurnerMask BurnerMask
	// HasMask is false when the mask was derived from the opcode.
	HasMask bool

	Temperature    float64
	HasTemperature bool

	// Strings holds the metadata carried by info frames, in wire order.
	Strings []string

	Raw []byte
}

func (f *Frame) Class() Class { return f.Opcode.Class() }

// Level is the flame level (0..4) closest to the frame's intensity.
func (f *Frame) Level() int { return LevelForIntensity(f.Intensity) }

// Codec encodes and decodes frames for one layout.
type Codec struct {
	Layout   Layout
	DeviceID uint32
}

// NewCodec returns a codec for the variant's default layout.
func NewCodec(v Variant) *Codec {
	return &Codec{Layout: v.Layout(), DeviceID: DefaultDeviceID}
}

// EncodeCommand builds a command frame. The level is validated before
// anything is encoded. Layouts without a mask field only accept the mask
// implied by op.
func (c *Codec) EncodeCommand(op Opcode, flags uint32, level int, mask BurnerMask) ([]byte, error) {
	intensity, err := IntensityForLevel(level)
	if err != nil {
		return nil, err
	}
	if c.Layout.MaskOffset < 0 && mask != MaskForOpcode(op) {
		return nil, errors.Wrapf(ErrMask, "%s layout implies mask %s for %s, got %s",
			c.Layout.Variant, MaskForOpcode(op), op, mask)
	}
	return c.Encode(Frame{
		DeviceID:   c.DeviceID,
		Opcode:     op,
		Flags:      flags,
		Intensity:  intensity,
		BurnerMask: mask,
		HasMask:    true,
	})
}

// Encode writes f using the codec's layout. The mask is written only when
// the layout has a mask field and the temperature only when f carries one.
func (c *Codec) Encode(f Frame) ([]byte, error) {
	l := c.Layout
	if err := l.Validate(); err != nil {
		return nil, err
	}

	b := make([]byte, l.Length)
	putHeader(b, f.DeviceID, f.Opcode, f.Flags, f.Intensity)

	for i, w := range l.SubHeader {
		binary.BigEndian.PutUint32(b[offsetPayload+i*wordSize:], w)
	}
	if l.MaskOffset >= 0 {
		binary.BigEndian.PutUint32(b[l.MaskOffset:], uint32(f.BurnerMask))
	}
	if l.TempOffset >= 0 && f.HasTemperature {
		raw, err := temperatureByte(f.Temperature)
		if err != nil {
			return nil, err
		}
		b[l.TempOffset] = raw
	}

	copy(b[l.bodyEnd():], magicEndBytes)
	return b, nil
}

// Decode parses a complete frame, start marker through end marker.
//
// Status frames yield opcode, intensity, burner mask and temperature when the
// span covers those fields; the mask falls back to MaskForOpcode when the
// layout or span has none. Info frames yield their metadata strings.
func (c *Codec) Decode(b []byte) (*Frame, error) {
	if len(b) < 2*markerSize {
		return nil, shortFrame(len(b), 2*markerSize)
	}
	if !bytes.Equal(b[:markerSize], magicStartBytes) {
		return nil, errors.Wrap(ErrMagic, "start marker")
	}
	end := len(b) - markerSize
	if !bytes.Equal(b[end:], magicEndBytes) {
		return nil, errors.Wrap(ErrMagic, "end marker")
	}
	if end < offsetOpcode+wordSize {
		return nil, shortFrame(len(b), offsetOpcode+wordSize+markerSize)
	}

	f := &Frame{
		DeviceID: binary.BigEndian.Uint32(b[offsetDeviceID:]),
		Opcode:   Opcode(binary.BigEndian.Uint32(b[offsetOpcode:])),
		Raw:      b,
	}
	if end >= offsetFlags+wordSize {
		f.Flags = binary.BigEndian.Uint32(b[offsetFlags:])
	}
	if end >= offsetIntensity+wordSize {
		f.Intensity = binary.BigEndian.Uint32(b[offsetIntensity:])
	}

	switch f.Class() {
	case ClassStatus:
		c.decodeStatus(f, b[:end])
	case ClassInfo:
		if err := decodeInfo(f, b[:end]); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (c *Codec) decodeStatus(f *Frame, body []byte) {
	l := c.Layout
	f.BurnerMask = MaskForOpcode(f.Opcode)
	if l.MaskOffset >= 0 && len(body) >= l.MaskOffset+wordSize {
		f.BurnerMask = BurnerMask(binary.BigEndian.Uint32(body[l.MaskOffset:]))
		f.HasMask = true
	}
	if l.TempOffset >= 0 && len(body) > l.TempOffset {
		f.Temperature = float64(body[l.TempOffset]) / 10.0
		f.HasTemperature = true
	}
}

// Info frames: header words, a length byte at offset 24, then the payload.
func decodeInfo(f *Frame, body []byte) error {
	if len(body) <= offsetPayload {
		return nil
	}
	n := int(body[offsetPayload])
	payload := body[offsetPayload+1:]
	if n > len(payload) {
		return errors.Wrapf(ErrLength, "payload length %d exceeds %d available bytes", n, len(payload))
	}
	f.Strings = DecodeInfoStrings(payload[:n])
	return nil
}

// EncodeIdentify builds the fixed 32 byte handshake frame sent right after
// connecting. It carries sender id zero.
func EncodeIdentify() []byte {
	b := make([]byte, identifyFrameSize)
	putHeader(b, 0, OpIdentify, 0, 0)
	copy(b[identifyFrameSize-markerSize:], magicEndBytes)
	return b
}

// EncodeInfo builds an info frame carrying NUL terminated strings.
func EncodeInfo(deviceID uint32, op Opcode, strs ...string) ([]byte, error) {
	var payload []byte
	for _, s := range strs {
		payload = append(payload, s...)
		payload = append(payload, 0)
	}
	if len(payload) > math.MaxUint8 {
		return nil, errors.Wrapf(ErrValidation, "info payload of %d bytes exceeds %d", len(payload), math.MaxUint8)
	}

	b := make([]byte, offsetPayload+1+len(payload)+markerSize)
	putHeader(b, deviceID, op, FlagsQuery, 0)
	b[offsetPayload] = byte(len(payload))
	copy(b[offsetPayload+1:], payload)
	copy(b[len(b)-markerSize:], magicEndBytes)
	return b, nil
}

// HeaderOpcode reads the opcode from the header of a frame starting at b[0].
// It returns 0 when the header is incomplete.
func HeaderOpcode(b []byte) Opcode {
	if len(b) < headerSize {
		return 0
	}
	return Opcode(binary.BigEndian.Uint32(b[offsetOpcode:]))
}

func putHeader(b []byte, deviceID uint32, op Opcode, flags, intensity uint32) {
	binary.BigEndian.PutUint32(b[0:], MagicStart)
	binary.BigEndian.PutUint32(b[offsetVersion:], ProtocolVersion)
	binary.BigEndian.PutUint32(b[offsetDeviceID:], deviceID)
	binary.BigEndian.PutUint32(b[offsetOpcode:], uint32(op))
	binary.BigEndian.PutUint32(b[offsetFlags:], flags)
	binary.BigEndian.PutUint32(b[offsetIntensity:], intensity)
}

func temperatureByte(t float64) (byte, error) {
	raw := math.Round(t * 10)
	if raw < 0 || raw > math.MaxUint8 {
		return 0, errors.Wrapf(ErrValidation, "temperature %.1f not encodable", t)
	}
	return byte(raw), nil
}
