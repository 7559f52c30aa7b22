// Package wire implements the preamble and steady-state frame codec
// (component B): the 3-byte preamble, 2-byte big-endian frame length,
// and the document-join/split logic that lets the codec operate across
// arbitrary TCP read boundaries (fed by a ring.Buffer upstream).
package wire

import (
	"encoding/binary"
	"errors"

	"github.com/valyala/bytebufferpool"
)

// ConnType is the low nibble of the preamble's version byte.
type ConnType byte

const (
	ConnNormal        ConnType = 0
	ConnFriendRequest ConnType = 2
	ConnRelayControl  ConnType = 6
	ConnIPCPlain      ConnType = 9 // app-IPC, unencrypted (§6)
	ConnIPCSecure     ConnType = 8 // reserved, currently rejected
)

// WireVersion is the only preamble version this codec understands.
const WireVersion = 1

// PreambleLen is the fixed 3-byte preamble: 'W' '.' V.
const PreambleLen = 3

// MaxFrameLen is the largest steady-state frame payload, per §4.2
// (frame length field is 2 bytes, and the length itself must leave room
// for the 2-byte length field within a 65535-byte network frame).
const MaxFrameLen = 65535 - 2

var (
	ErrBadPreamble     = errors.New("wire: malformed preamble")
	ErrUnsupportedVer  = errors.New("wire: unsupported wire version")
	ErrUnknownConnType = errors.New("wire: unknown connection type")
	ErrFrameTooLarge   = errors.New("wire: frame length exceeds maximum")
	ErrIncompleteFrame = errors.New("wire: incomplete frame")
)

// EncodePreamble returns the 3-byte preamble for the given connection type.
func EncodePreamble(ct ConnType) [PreambleLen]byte {
	return [PreambleLen]byte{'W', '.', byte(WireVersion<<4) | byte(ct)}
}

// DecodePreamble parses a 3-byte preamble, validating the magic bytes,
// wire version, and connection type.
func DecodePreamble(b []byte) (ConnType, error) {
	if len(b) < PreambleLen {
		return 0, ErrIncompleteFrame
	}
	if b[0] != 'W' || b[1] != '.' {
		return 0, ErrBadPreamble
	}
	ver := b[2] >> 4
	ct := ConnType(b[2] & 0x0F)
	if ver != WireVersion {
		return 0, ErrUnsupportedVer
	}
	switch ct {
	case ConnNormal, ConnFriendRequest, ConnRelayControl, ConnIPCPlain:
		return ct, nil
	default:
		return 0, ErrUnknownConnType
	}
}

// EncodeFrame wraps an already-encrypted (or, for IPC, cleartext) payload
// in a 2-byte big-endian length prefix. payload must be <= MaxFrameLen.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameLen {
		return nil, ErrFrameTooLarge
	}
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	var lb [2]byte
	binary.BigEndian.PutUint16(lb[:], uint16(len(payload)))
	buf.Write(lb[:])
	buf.Write(payload)

	out := make([]byte, len(buf.B))
	copy(out, buf.B)
	return out, nil
}

// PeekFrameLength inspects the 2-byte length prefix at the start of buf,
// returning the payload length it declares. Returns ok=false if fewer
// than 2 bytes are available yet.
func PeekFrameLength(buf []byte) (length int, ok bool) {
	if len(buf) < 2 {
		return 0, false
	}
	return int(binary.BigEndian.Uint16(buf[:2])), true
}

// DocumentAssembler concatenates successive frame payloads into whole
// cleartext documents. The sender may split an oversize document across
// several frames; the assembler uses the first chunk's self-declared
// total length to know when the document is complete. Documents that fit
// in a single frame are a degenerate one-chunk case of the same logic.
//
// The assembler does not interpret document contents beyond the 4-byte
// little-endian self-declared length prefix every wishcore document
// carries (the same 4-byte little-endian shape identity.Record uses on
// disk, except that here the length counts the prefix itself); RPC-level
// parsing is out of scope per §1.
type DocumentAssembler struct {
	buf         []byte
	wantedTotal int
}

var ErrDocumentTooLarge = errors.New("wire: declared document length is unreasonable")

const maxDocumentLen = 8 << 20

// Feed appends one decrypted frame payload to the assembler. If the
// accumulated bytes now contain one or more complete documents, they are
// returned in order; any trailing partial document remains buffered for
// the next call.
func (a *DocumentAssembler) Feed(payload []byte) ([][]byte, error) {
	a.buf = append(a.buf, payload...)

	var docs [][]byte
	for {
		if len(a.buf) < 4 {
			return docs, nil
		}
		total := int(binary.LittleEndian.Uint32(a.buf[:4]))
		if total < 4 || total > maxDocumentLen {
			return docs, ErrDocumentTooLarge
		}
		if len(a.buf) < total {
			return docs, nil
		}
		doc := make([]byte, total)
		copy(doc, a.buf[:total])
		a.buf = a.buf[total:]
		docs = append(docs, doc)
	}
}

// SplitDocument breaks a cleartext document (already carrying its own
// 4-byte length prefix, per Feed's expectation) into a sequence of
// chunks no larger than maxChunk, ready to be sealed into individual
// frames by the caller.
func SplitDocument(doc []byte, maxChunk int) [][]byte {
	if maxChunk <= 0 || len(doc) <= maxChunk {
		return [][]byte{doc}
	}
	var chunks [][]byte
	for len(doc) > 0 {
		n := maxChunk
		if n > len(doc) {
			n = len(doc)
		}
		chunks = append(chunks, doc[:n])
		doc = doc[n:]
	}
	return chunks
}

// EncodeDocument prefixes a raw document body with its own 4-byte
// little-endian total length, the self-declared length DocumentAssembler
// expects.
func EncodeDocument(body []byte) []byte {
	out := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(out[:4], uint32(len(out)))
	copy(out[4:], body)
	return out
}
