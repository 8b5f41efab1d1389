package protocol

import (
	"github.com/pkg/errors"
)

var (
	// ErrProtocol is the parent of every decoding failure. Frames that fail
	// with it are dropped; the stream can recover on the next frame.
	ErrProtocol = errors.New("protocol error")

	// ErrValidation is returned for outbound parameters that cannot be encoded.
	ErrValidation = errors.New("validation error")

	ErrShortFrame   = &kindError{msg: "frame too short", kind: ErrProtocol}
	ErrMagic        = &kindError{msg: "magic marker mismatch", kind: ErrProtocol}
	ErrLength       = &kindError{msg: "length field mismatch", kind: ErrProtocol}
	ErrInvalidLevel = &kindError{msg: "invalid flame level", kind: ErrValidation}
	ErrLayout       = &kindError{msg: "invalid frame layout", kind: ErrValidation}
	ErrMask         = &kindError{msg: "burner mask not representable", kind: ErrValidation}
)

// kindError is a sentinel that also matches its parent kind, so callers can
// test for either errors.Is(err, ErrShortFrame) or errors.Is(err, ErrProtocol).
type kindError struct {
	msg  string
	kind error
}

func (e *kindError) Error() string { return e.msg }

func (e *kindError) Is(target error) bool { return target == e.kind }

func invalidLevel(level int) error {
	return errors.Wrapf(ErrInvalidLevel, "level %d not in %d..%d", level, MinLevel, MaxLevel)
}

func shortFrame(n, min int) error {
	return errors.Wrapf(ErrShortFrame, "got %d bytes, need %d", n, min)
}
