package protocol

import (
	"bytes"
	"regexp"
	"strings"
)

// minInfoStringLen drops padding fragments and stray bytes between fields.
const minInfoStringLen = 3

var printableRun = regexp.MustCompile(`[\x20-\x7e]{3,}`)

// DecodeInfoStrings splits an info payload on NUL bytes, strips
// non-printable characters and drops fragments shorter than three
// characters. Order is preserved; the meaning of each position depends on
// the opcode of the carrying frame.
func DecodeInfoStrings(payload []byte) []string {
	var out []string
	for _, part := range bytes.Split(payload, []byte{0}) {
		s := strings.TrimSpace(printableOnly(part))
		if len(s) < minInfoStringLen {
			continue
		}
		out = append(out, s)
	}
	return out
}

// PrintableRuns extracts runs of at least three printable ASCII characters
// from an arbitrary byte region. It is used when a region has no usable
// length prefix, e.g. when dumping unknown frames.
func PrintableRuns(b []byte) []string {
	var out []string
	for _, m := range printableRun.FindAll(b, -1) {
		out = append(out, string(m))
	}
	return out
}

func printableOnly(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		if c >= 0x20 && c <= 0x7e {
			sb.WriteByte(c)
		}
	}
	return sb.String()
}
