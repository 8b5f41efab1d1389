package protocol

import "bytes"

// Reassembler recovers magic-delimited frames from a byte stream delivered in
// arbitrary chunks. It does not validate frames; hand them to a Codec.
//
// Not safe for concurrent use.
type Reassembler struct {
	buf     []byte
	minSpan int
	spanFor func(head []byte) int
}

// ReassemblerOption configures a Reassembler.
type ReassemblerOption func(*Reassembler)

// WithMinSpan makes the end marker search start minSpan-4 bytes after the
// start marker, for layouts that embed marker bytes in their body.
func WithMinSpan(n int) ReassemblerOption {
	return func(r *Reassembler) {
		if n > 2*markerSize {
			r.minSpan = n
		}
	}
}

// WithSpanFunc picks the minimum span per frame from the opcode in its
// header. The header must be buffered before the end marker is searched for.
func WithSpanFunc(fn func(Opcode) int) ReassemblerOption {
	return WithHeaderSpanFunc(func(head []byte) int { return fn(HeaderOpcode(head)) })
}

// WithHeaderSpanFunc picks the minimum span per frame from its leading bytes.
// head runs from the start marker to the end of the buffer and holds at
// least the header. fn returns 0 when it needs more bytes to decide.
func WithHeaderSpanFunc(fn func(head []byte) int) ReassemblerOption {
	return func(r *Reassembler) { r.spanFor = fn }
}

func NewReassembler(opts ...ReassemblerOption) *Reassembler {
	r := &Reassembler{minSpan: 2 * markerSize}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Feed appends chunk to the buffer and returns every complete frame now
// available, in arrival order. Returned slices are owned by the caller.
func (r *Reassembler) Feed(chunk []byte) [][]byte {
	r.buf = append(r.buf, chunk...)

	var frames [][]byte
	for {
		start := bytes.Index(r.buf, magicStartBytes)
		if start < 0 {
			// Keep a possible partial start marker for the next chunk.
			if keep := markerSize - 1; len(r.buf) > keep {
				r.buf = append(r.buf[:0], r.buf[len(r.buf)-keep:]...)
			}
			return frames
		}

		span, ok := r.span(start)
		if !ok {
			r.discard(start)
			return frames
		}
		from := start + span - markerSize
		if from > len(r.buf) {
			r.discard(start)
			return frames
		}
		idx := bytes.Index(r.buf[from:], magicEndBytes)
		if idx < 0 {
			r.discard(start)
			return frames
		}

		stop := from + idx + markerSize
		frames = append(frames, append([]byte(nil), r.buf[start:stop]...))
		r.discard(stop)
	}
}

// Buffered reports how many bytes are waiting for a frame to complete.
func (r *Reassembler) Buffered() int { return len(r.buf) }

// Reset drops any buffered bytes.
func (r *Reassembler) Reset() { r.buf = r.buf[:0] }

func (r *Reassembler) span(start int) (int, bool) {
	if r.spanFor == nil {
		return r.minSpan, true
	}
	if len(r.buf) < start+headerSize {
		return 0, false
	}
	span := r.spanFor(r.buf[start:])
	if span == 0 {
		return 0, false
	}
	if span < 2*markerSize {
		span = 2 * markerSize
	}
	return span, true
}

func (r *Reassembler) discard(n int) {
	if n == 0 {
		return
	}
	r.buf = append(r.buf[:0], r.buf[n:]...)
}
