package firecontrol

import (
	"context"
	"fmt"
	"net"

	"github.com/ivanvanderbyl/faber-itc/pkg/protocol"
	"github.com/pkg/errors"
)

var (
	// ErrConnection covers failures to open, handshake or write to the
	// controller's TCP socket.
	ErrConnection = errors.New("connection error")

	// ErrTimeout is returned when a socket operation exceeds its bound.
	ErrTimeout = errors.New("timeout")

	ErrValidation = protocol.ErrValidation
	ErrProtocol   = protocol.ErrProtocol

	errNotConnected = errors.New("not connected")
	errWatchdog     = errors.New("no data from controller within watchdog interval")
)

// OpError describes a failed client operation. errors.Is matches both the
// Kind and anything in the wrapped chain.
type OpError struct {
	Op   string
	Host string
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Host, e.Kind, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

func (e *OpError) Is(target error) bool { return target == e.Kind }

func (c *Client) opError(op string, err error) error {
	return &OpError{Op: op, Host: c.host, Kind: kindOf(err), Err: err}
}

func kindOf(err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, ErrValidation):
		return ErrValidation
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return ErrTimeout
	}
	return ErrConnection
}
