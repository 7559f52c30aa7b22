// Package identity implements the append-only identity store (component
// C): fixed-shape identity records, sign/verify, and the atomic
// rewrite-and-rename update path.
package identity

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"io"

	"github.com/gosuda/wishcore/core/cryptoops"
)

const (
	UIDLen             = cryptoops.UIDLen
	PubKeyLen          = cryptoops.PubKeyLen
	PrivKeyLen         = cryptoops.PrivKeyLen
	MaxAliasLen        = 48
	MaxTransports      = 4
	MaxTransportLen    = 64
	MaxMetaLen         = 1024
	MaxPermissionsLen  = 1024
	DefaultMaxIdentities = 2048
)

var (
	ErrNotFound          = errors.New("identity: not found")
	ErrAliasTooLong      = errors.New("identity: alias exceeds 48 bytes")
	ErrTooManyTransports = errors.New("identity: more than 4 transports")
	ErrTransportTooLong  = errors.New("identity: transport string exceeds 64 bytes")
	ErrBlobTooLong       = errors.New("identity: meta/permissions blob exceeds 1 KiB")
	ErrStoreFull         = errors.New("identity: store has reached its maximum identity count")
	ErrCorruptRecord     = errors.New("identity: corrupt record")
)

// Record is the in-memory shape of one identity. It is "local" if
// PrivKey is non-empty, else a "contact". UID must always equal
// SHA-256(PubKey) — enforced by the constructors in this package, never
// by callers poking the struct directly from outside.
type Record struct {
	UID         [UIDLen]byte
	PubKey      [PubKeyLen]byte
	HasPrivKey  bool
	PrivKey     [PrivKeyLen]byte
	Alias       string
	Transports  []string
	Meta        []byte
	Permissions []byte
	// Contacts is opaque pass-through data carried from the original
	// format (§9 "Unused fields"); wishcore never interprets it.
	Contacts [][UIDLen]byte
}

// IsLocal reports whether this record carries a private key.
func (r *Record) IsLocal() bool { return r.HasPrivKey }

func (r *Record) validate() error {
	if len(r.Alias) > MaxAliasLen {
		return ErrAliasTooLong
	}
	if len(r.Transports) > MaxTransports {
		return ErrTooManyTransports
	}
	for _, tr := range r.Transports {
		if len(tr) > MaxTransportLen {
			return ErrTransportTooLong
		}
	}
	if len(r.Meta) > MaxMetaLen || len(r.Permissions) > MaxPermissionsLen {
		return ErrBlobTooLong
	}
	return nil
}

// NewFromPublicKey builds a contact record (no private key) from a raw
// Ed25519 public key, deriving UID per the required invariant.
func NewFromPublicKey(pub ed25519.PublicKey, alias string, transports []string) (*Record, error) {
	uid, err := cryptoops.UIDFromPubkey(pub)
	if err != nil {
		return nil, err
	}
	r := &Record{UID: uid, Alias: alias, Transports: transports}
	copy(r.PubKey[:], pub)
	if err := r.validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// NewLocal builds a local (keypair-bearing) record.
func NewLocal(pub ed25519.PublicKey, priv ed25519.PrivateKey, alias string, transports []string) (*Record, error) {
	r, err := NewFromPublicKey(pub, alias, transports)
	if err != nil {
		return nil, err
	}
	r.HasPrivKey = true
	copy(r.PrivKey[:], priv)
	return r, nil
}

// Encode serializes a record to its self-delimiting on-disk form: a
// 4-byte little-endian total length prefix followed by a simple
// length-prefixed field sequence. This is wishcore's own minimal binary
// shape (the distilled spec fixes only "self-delimiting, length-prefixed
// record"; no external document format is named, so no parser dependency
// is introduced here — see DESIGN.md).
func (r *Record) Encode() ([]byte, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}

	body := make([]byte, 0, 256)
	putBytes := func(b []byte) {
		var lb [4]byte
		binary.LittleEndian.PutUint32(lb[:], uint32(len(b)))
		body = append(body, lb[:]...)
		body = append(body, b...)
	}

	body = append(body, r.UID[:]...)
	body = append(body, r.PubKey[:]...)
	if r.HasPrivKey {
		body = append(body, 1)
		body = append(body, r.PrivKey[:]...)
	} else {
		body = append(body, 0)
	}
	putBytes([]byte(r.Alias))

	var tb [1]byte
	tb[0] = byte(len(r.Transports))
	body = append(body, tb[:]...)
	for _, tr := range r.Transports {
		putBytes([]byte(tr))
	}

	putBytes(r.Meta)
	putBytes(r.Permissions)

	var cb [2]byte
	binary.LittleEndian.PutUint16(cb[:], uint16(len(r.Contacts)))
	body = append(body, cb[:]...)
	for _, c := range r.Contacts {
		body = append(body, c[:]...)
	}

	out := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(out[:4], uint32(len(body)))
	copy(out[4:], body)
	return out, nil
}

// Decode parses one record from a reader positioned at its length
// prefix, returning the record and the total number of bytes consumed
// (4 + body length).
func Decode(r io.Reader) (*Record, int, error) {
	var lb [4]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		return nil, 0, err
	}
	bodyLen := binary.LittleEndian.Uint32(lb[:])
	if bodyLen == 0 || bodyLen > 1<<20 {
		return nil, 0, ErrCorruptRecord
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, 0, err
	}

	rec, err := decodeBody(body)
	if err != nil {
		return nil, 0, err
	}
	return rec, 4 + int(bodyLen), nil
}

func decodeBody(body []byte) (*Record, error) {
	pos := 0
	need := func(n int) error {
		if pos+n > len(body) {
			return ErrCorruptRecord
		}
		return nil
	}
	readBytes := func() ([]byte, error) {
		if err := need(4); err != nil {
			return nil, err
		}
		n := int(binary.LittleEndian.Uint32(body[pos : pos+4]))
		pos += 4
		if err := need(n); err != nil {
			return nil, err
		}
		b := body[pos : pos+n]
		pos += n
		return b, nil
	}

	rec := &Record{}
	if err := need(UIDLen); err != nil {
		return nil, err
	}
	copy(rec.UID[:], body[pos:pos+UIDLen])
	pos += UIDLen

	if err := need(PubKeyLen); err != nil {
		return nil, err
	}
	copy(rec.PubKey[:], body[pos:pos+PubKeyLen])
	pos += PubKeyLen

	if err := need(1); err != nil {
		return nil, err
	}
	hasPriv := body[pos] == 1
	pos++
	if hasPriv {
		if err := need(PrivKeyLen); err != nil {
			return nil, err
		}
		rec.HasPrivKey = true
		copy(rec.PrivKey[:], body[pos:pos+PrivKeyLen])
		pos += PrivKeyLen
	}

	alias, err := readBytes()
	if err != nil {
		return nil, err
	}
	rec.Alias = string(alias)

	if err := need(1); err != nil {
		return nil, err
	}
	numTransports := int(body[pos])
	pos++
	for i := 0; i < numTransports; i++ {
		tr, err := readBytes()
		if err != nil {
			return nil, err
		}
		rec.Transports = append(rec.Transports, string(tr))
	}

	meta, err := readBytes()
	if err != nil {
		return nil, err
	}
	rec.Meta = meta

	perms, err := readBytes()
	if err != nil {
		return nil, err
	}
	rec.Permissions = perms

	if err := need(2); err != nil {
		return nil, err
	}
	numContacts := int(binary.LittleEndian.Uint16(body[pos : pos+2]))
	pos += 2
	for i := 0; i < numContacts; i++ {
		if err := need(UIDLen); err != nil {
			return nil, err
		}
		var c [UIDLen]byte
		copy(c[:], body[pos:pos+UIDLen])
		rec.Contacts = append(rec.Contacts, c)
		pos += UIDLen
	}

	return rec, nil
}
