package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Variant identifies a controller firmware generation. Generations differ in
// total frame length and in where the optional fields live.
type Variant int

const (
	// VariantAuto selects the layout from the first frame the device sends.
	VariantAuto Variant = iota
	V29
	V33
	V60
)

// DefaultVariant is used for encoding until a variant has been detected.
const DefaultVariant = V33

func (v Variant) String() string {
	switch v {
	case VariantAuto:
		return "auto"
	case V29:
		return "v29"
	case V33:
		return "v33"
	case V60:
		return "v60"
	}
	return fmt.Sprintf("variant(%d)", int(v))
}

// ParseVariant accepts "auto", "v29", "29" and so on.
func ParseVariant(s string) (Variant, error) {
	switch strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "v") {
	case "", "auto":
		return VariantAuto, nil
	case "29":
		return V29, nil
	case "33":
		return V33, nil
	case "60":
		return V60, nil
	}
	return VariantAuto, errors.Errorf("unknown protocol variant %q", s)
}

// VariantForLength maps an observed command/status frame length to the
// variant that produces it.
func VariantForLength(n int) (Variant, bool) {
	switch n {
	case 29:
		return V29, true
	case 33:
		return V33, true
	case 60:
		return V60, true
	}
	return VariantAuto, false
}

// v60SubHeader holds words 6..10 of a captured 60 byte frame. Some firmware
// rejects commands unless they are echoed verbatim.
var v60SubHeader = []uint32{0x00FAFBFC, 0xFDA1A2A3, 0xA400FA00, 0x02FAC42C, 0xD8100010}

var v60SubHeaderBytes = func() []byte {
	b := make([]byte, len(v60SubHeader)*wordSize)
	for i, w := range v60SubHeader {
		binary.BigEndian.PutUint32(b[i*wordSize:], w)
	}
	return b
}()

// Layout describes where fields live in a command/status frame. Offsets are
// byte offsets from the start marker; -1 marks an absent field.
type Layout struct {
	Variant    Variant
	Length     int
	MaskOffset int
	TempOffset int

	// SubHeader words are written verbatim starting at word 6.
	SubHeader []uint32
}

// Layout returns the default layout for a variant. VariantAuto yields the
// DefaultVariant layout.
func (v Variant) Layout() Layout {
	switch v {
	case V29:
		return Layout{Variant: V29, Length: 29, MaskOffset: -1, TempOffset: 24}
	case V60:
		return Layout{
			Variant:    V60,
			Length:     60,
			MaskOffset: 44,
			TempOffset: 48,
			SubHeader:  append([]uint32(nil), v60SubHeader...),
		}
	}
	return Layout{Variant: V33, Length: 33, MaskOffset: -1, TempOffset: 28}
}

// MinScanSpan is the smallest byte span the reassembler should accept for
// this layout. A 60 byte frame carries marker bytes inside its sub-header,
// so the end marker search has to skip past them.
func (l Layout) MinScanSpan() int {
	for _, w := range l.SubHeader {
		if w != 0 {
			return l.Length
		}
	}
	return 2 * markerSize
}

// CommandSpan is the minimum span of a frame travelling to the controller.
// Everything but the handshake is a full layout frame.
func (l Layout) CommandSpan(op Opcode) int {
	if op == OpIdentify {
		return identifyFrameSize
	}
	return l.MinScanSpan()
}

// ReplySpan is the minimum span of a frame sent by the controller. Info
// replies are variable length and carry no sub-header.
func (l Layout) ReplySpan(op Opcode) int {
	if op.Class() == ClassInfo {
		return 2 * markerSize
	}
	return l.MinScanSpan()
}

// AutoReplySpan is the reply span to use while the variant is unknown. A
// frame whose body opens with the captured sub-header is a 60 byte frame;
// anything else may end at the first end marker. It returns 0 while the
// buffered body still agrees with the sub-header, so a short frame whose
// body happens to start the same way waits for the next frame to decide.
func AutoReplySpan(head []byte) int {
	if HeaderOpcode(head).Class() == ClassInfo {
		return 2 * markerSize
	}
	if len(head) <= offsetPayload {
		return 0
	}
	body := head[offsetPayload:]
	n := min(len(body), len(v60SubHeaderBytes))
	switch {
	case !bytes.Equal(body[:n], v60SubHeaderBytes[:n]):
		return 2 * markerSize
	case n < len(v60SubHeaderBytes):
		return 0
	}
	return V60.Layout().Length
}

func (l Layout) bodyEnd() int { return l.Length - markerSize }

// Validate checks that every field fits between the header and end marker.
func (l Layout) Validate() error {
	end := l.bodyEnd()
	if l.Length < offsetPayload+markerSize {
		return errors.Wrapf(ErrLayout, "length %d too short", l.Length)
	}
	if offsetPayload+len(l.SubHeader)*wordSize > end {
		return errors.Wrapf(ErrLayout, "%d sub-header words overflow length %d", len(l.SubHeader), l.Length)
	}
	if l.MaskOffset >= 0 && (l.MaskOffset < offsetPayload || l.MaskOffset+wordSize > end) {
		return errors.Wrapf(ErrLayout, "mask offset %d outside body", l.MaskOffset)
	}
	if l.TempOffset >= 0 && (l.TempOffset < offsetPayload || l.TempOffset >= end) {
		return errors.Wrapf(ErrLayout, "temperature offset %d outside body", l.TempOffset)
	}
	return nil
}
