// Package ipc implements the app-facing local IPC framing described in
// SPEC_FULL.md §4.11: the handshake preamble and document framing a
// local application uses to talk to this node. RPC dispatch semantics
// are out of scope per §1 — this package only returns each framed
// document to the caller, treating it as an opaque byte payload.
package ipc

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"

	"github.com/gosuda/wishcore/core/wire"
)

// WSIDLen is the length of the service identifier every app connection
// must declare in its first document, per §6.
const WSIDLen = 32

var (
	ErrReservedType  = errors.New("ipc: encrypted local IPC (type 8) is not implemented, connection rejected")
	ErrMissingWSID   = errors.New("ipc: first document must carry a 32-byte wsid")
	ErrFirstDocShort = errors.New("ipc: first document shorter than wsid field")
)

// Conn wraps one app-IPC connection: preamble already exchanged,
// steady-state 2-byte length + document framing from here on.
type Conn struct {
	r    *bufio.Reader
	w    io.Writer
	wsid [WSIDLen]byte
	got  bool
}

// Accept reads and validates the 3-byte preamble from r, returning a
// *Conn ready to read framed documents, or ErrReservedType if the peer
// asked for the encrypted variant (type 8), which wishcore rejects.
func Accept(r io.Reader, w io.Writer) (*Conn, error) {
	br := bufio.NewReader(r)
	var p [wire.PreambleLen]byte
	if _, err := io.ReadFull(br, p[:]); err != nil {
		return nil, err
	}
	ct, err := decodeIPCPreamble(p[:])
	if err != nil {
		return nil, err
	}
	if ct == wire.ConnIPCSecure {
		return nil, ErrReservedType
	}
	return &Conn{r: br, w: w}, nil
}

func decodeIPCPreamble(b []byte) (wire.ConnType, error) {
	if b[0] != 'W' || b[1] != '.' {
		return 0, wire.ErrBadPreamble
	}
	ver := b[2] >> 4
	ct := wire.ConnType(b[2] & 0x0F)
	if int(ver) != wire.WireVersion {
		return 0, wire.ErrUnsupportedVer
	}
	if ct != wire.ConnIPCPlain && ct != wire.ConnIPCSecure {
		return 0, wire.ErrUnknownConnType
	}
	return ct, nil
}

// WriteHandshake writes the unencrypted-IPC preamble (type 9) to w, for
// the app side of the connection to call before anything else.
func WriteHandshake(w io.Writer) error {
	p := wire.EncodePreamble(wire.ConnIPCPlain)
	_, err := w.Write(p[:])
	return err
}

// ReadDocument reads one length-prefixed document from the steady-state
// stream: the payload of one frame is returned as one document, and a
// document split across several frames is not rejoined. The first
// document read on a Conn must be at least WSIDLen
// bytes; its leading 32 bytes are captured as the connection's service
// id, which WSID then reports. The document is returned whole, wsid
// included.
func (c *Conn) ReadDocument() (doc []byte, err error) {
	var lb [2]byte
	if _, err := io.ReadFull(c.r, lb[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint16(lb[:]))
	if n > wire.MaxFrameLen {
		return nil, wire.ErrFrameTooLarge
	}
	doc = make([]byte, n)
	if _, err := io.ReadFull(c.r, doc); err != nil {
		return nil, err
	}

	if !c.got {
		if len(doc) < WSIDLen {
			return nil, ErrFirstDocShort
		}
		copy(c.wsid[:], doc[:WSIDLen])
		c.got = true
	}
	return doc, nil
}

// WriteDocument frames and writes one document in the steady-state
// 2-byte-length-prefixed shape. Documents larger than wire.MaxFrameLen
// are rejected with wire.ErrFrameTooLarge; ReadDocument on the receiving
// side treats each frame's payload as one document and does not rejoin a
// document split across frames.
func (c *Conn) WriteDocument(doc []byte) error {
	if len(doc) > wire.MaxFrameLen {
		return wire.ErrFrameTooLarge
	}
	var lb [2]byte
	binary.BigEndian.PutUint16(lb[:], uint16(len(doc)))
	if _, err := c.w.Write(lb[:]); err != nil {
		return err
	}
	_, err := c.w.Write(doc)
	return err
}

// WSID returns the service id declared by the first document, valid
// only after at least one successful ReadDocument call.
func (c *Conn) WSID() ([WSIDLen]byte, bool) {
	return c.wsid, c.got
}
