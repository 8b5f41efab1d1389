package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// Discovery datagram
//
//	[0:8]   announcement prefix
//	[8:12]  sender id
//	[12:16] controller IPv4 address
//	[16:20] sequence number
//	[20:-4] NUL terminated name, zero padded
//	[-4:]   end marker
const (
	offsetAnnounceSender = 8
	offsetAnnounceIP     = 12
	offsetAnnounceSeq    = 16
	offsetAnnounceName   = 20

	// MinAnnouncementSize is the shortest datagram that can carry a name.
	MinAnnouncementSize = 28

	announcePadTo = 48
)

var announcePrefix = []byte{0xA1, 0xA2, 0xA3, 0xA4, 0x00, 0xFA, 0x00, 0x02}

// Announcement is a parsed discovery datagram.
type Announcement struct {
	SenderID uint32
	IP       net.IP
	Seq      uint32
	Name     string
}

// SenderHex renders the sender id the way it is shown to users.
func (a *Announcement) SenderHex() string { return fmt.Sprintf("%08x", a.SenderID) }

// ParseAnnouncement validates and decodes a discovery datagram.
func ParseAnnouncement(b []byte) (*Announcement, error) {
	if len(b) < MinAnnouncementSize {
		return nil, shortFrame(len(b), MinAnnouncementSize)
	}
	if !bytes.HasPrefix(b, announcePrefix) {
		return nil, errors.Wrap(ErrMagic, "announcement prefix")
	}
	if !bytes.HasSuffix(b, magicEndBytes) {
		return nil, errors.Wrap(ErrMagic, "announcement end marker")
	}

	name := b[offsetAnnounceName : len(b)-markerSize]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}

	return &Announcement{
		SenderID: binary.BigEndian.Uint32(b[offsetAnnounceSender:]),
		IP:       net.IPv4(b[offsetAnnounceIP], b[offsetAnnounceIP+1], b[offsetAnnounceIP+2], b[offsetAnnounceIP+3]),
		Seq:      binary.BigEndian.Uint32(b[offsetAnnounceSeq:]),
		Name:     strings.TrimSpace(decodeName(name)),
	}, nil
}

// EncodeAnnouncement builds a discovery datagram, zero padding the name
// region to the size controllers send.
func EncodeAnnouncement(senderID uint32, ip net.IP, seq uint32, name string) []byte {
	size := offsetAnnounceName + len(name) + 1 + markerSize
	if size < announcePadTo {
		size = announcePadTo
	}

	b := make([]byte, size)
	copy(b, announcePrefix)
	binary.BigEndian.PutUint32(b[offsetAnnounceSender:], senderID)
	if ip4 := ip.To4(); ip4 != nil {
		copy(b[offsetAnnounceIP:], ip4)
	}
	binary.BigEndian.PutUint32(b[offsetAnnounceSeq:], seq)
	copy(b[offsetAnnounceName:], name)
	copy(b[size-markerSize:], magicEndBytes)
	return b
}

// decodeName prefers UTF-8 and falls back to ASCII, replacing anything
// outside it.
func decodeName(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	var sb strings.Builder
	for _, c := range b {
		if c < utf8.RuneSelf {
			sb.WriteByte(c)
			continue
		}
		sb.WriteRune(utf8.RuneError)
	}
	return sb.String()
}
