package identity

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gosuda/wishcore/core/cryptoops"
)

// Store is an append-only file of self-delimiting identity records
// (component C). Updates rewrite the whole file under a temp name and
// atomically rename it into place; a failed rename leaves the previous
// file untouched, which is the store's durability boundary (§4.3).
//
// Store is not safe for concurrent use from multiple goroutines; in
// wishcore it is only ever touched from the single event-loop goroutine.
type Store struct {
	path       string
	maxEntries int
	rng        cryptoops.RandReader
}

// Option configures a Store.
type Option func(*Store)

// WithMaxEntries overrides the default maximum identity count (2048).
func WithMaxEntries(n int) Option {
	return func(s *Store) { s.maxEntries = n }
}

// WithRandSource overrides the randomness source used for key generation
// (tests substitute a deterministic reader; production uses cryptoops.RandPool).
func WithRandSource(r cryptoops.RandReader) Option {
	return func(s *Store) { s.rng = r }
}

// Open returns a Store backed by the file at path. The file is created
// lazily on first Save if it does not already exist.
func Open(path string, opts ...Option) *Store {
	s := &Store{path: path, maxEntries: DefaultMaxIdentities, rng: cryptoops.NewRandPool()}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) tmpPath() string {
	return s.path + ".tmp"
}

// forEach streams every record in the file to fn, stopping early (without
// error) if fn returns false. I/O errors on read are treated as "no more
// records" per §4.3's failure semantics: the caller will simply observe
// fewer entries than expected and may re-seek on the next call.
func (s *Store) forEach(fn func(*Record) bool) {
	f, err := os.Open(s.path)
	if err != nil {
		return
	}
	defer f.Close()

	for {
		rec, _, err := Decode(f)
		if err != nil {
			return
		}
		if !fn(rec) {
			return
		}
	}
}

// ListUIDs returns up to max UIDs from the store, stopping early at EOF.
func (s *Store) ListUIDs(max int) [][UIDLen]byte {
	out := make([][UIDLen]byte, 0, max)
	s.forEach(func(r *Record) bool {
		if len(out) >= max {
			return false
		}
		out = append(out, r.UID)
		return true
	})
	return out
}

// ListLocalUIDs returns UIDs of identities that carry a private key.
func (s *Store) ListLocalUIDs(max int) [][UIDLen]byte {
	out := make([][UIDLen]byte, 0, max)
	s.forEach(func(r *Record) bool {
		if len(out) >= max {
			return false
		}
		if r.HasPrivKey {
			out = append(out, r.UID)
		}
		return true
	})
	return out
}

// Load returns the full record matching uid, or ErrNotFound.
func (s *Store) Load(uid [UIDLen]byte) (*Record, error) {
	var found *Record
	s.forEach(func(r *Record) bool {
		if r.UID == uid {
			found = r
			return false
		}
		return true
	})
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// Exists reports whether uid is present in the store.
func (s *Store) Exists(uid [UIDLen]byte) bool {
	_, err := s.Load(uid)
	return err == nil
}

func (s *Store) count() int {
	n := 0
	s.forEach(func(*Record) bool { n++; return true })
	return n
}

// Save appends a new record, failing with ErrStoreFull if the store
// already holds the maximum number of identities.
func (s *Store) Save(r *Record) error {
	if s.count() >= s.maxEntries {
		return ErrStoreFull
	}
	enc, err := r.Encode()
	if err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("identity: open store: %w", err)
	}
	defer f.Close()
	_, err = f.Write(enc)
	return err
}

// rewrite streams every record through transform, writing the result (if
// transform returns keep=true) to a temp file, then atomically renames the
// temp file over the original. Returns whether any record was changed
// (transform returned changed=true for at least one record).
func (s *Store) rewrite(transform func(*Record) (rec *Record, keep bool, changed bool)) (bool, error) {
	tmp := s.tmpPath()
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return false, fmt.Errorf("identity: open tmp store: %w", err)
	}

	anyChanged := false
	writeErr := func() error {
		in, err := os.Open(s.path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		defer in.Close()

		for {
			rec, _, err := Decode(in)
			if err != nil {
				if err == io.EOF {
					return nil
				}
				return nil // treat read errors as end-of-stream per §4.3
			}
			newRec, keep, changed := transform(rec)
			if changed {
				anyChanged = true
			}
			if !keep {
				continue
			}
			enc, err := newRec.Encode()
			if err != nil {
				return err
			}
			if _, err := out.Write(enc); err != nil {
				return err
			}
		}
	}()

	closeErr := out.Close()
	if writeErr != nil {
		os.Remove(tmp)
		return false, writeErr
	}
	if closeErr != nil {
		os.Remove(tmp)
		return false, closeErr
	}

	if err := os.Rename(tmp, s.path); err != nil {
		// Rename failed: the old file remains untouched, which is the
		// durability boundary required by §4.3.
		return false, fmt.Errorf("identity: atomic rename failed, old state preserved: %w", err)
	}
	return anyChanged, nil
}

// Update rewrites the file, substituting the record whose UID matches
// updated.UID. Returns true if a matching record was found and replaced.
func (s *Store) Update(updated *Record) (bool, error) {
	return s.rewrite(func(r *Record) (*Record, bool, bool) {
		if r.UID == updated.UID {
			return updated, true, true
		}
		return r, true, false
	})
}

// Remove rewrites the file, omitting the record whose UID matches uid.
// Returns true if a record was removed. The caller is responsible for
// closing any connection referencing uid (core.go wires this up — the
// store itself has no notion of live connections).
func (s *Store) Remove(uid [UIDLen]byte) (bool, error) {
	return s.rewrite(func(r *Record) (*Record, bool, bool) {
		if r.UID == uid {
			return nil, false, true
		}
		return r, true, false
	})
}

// Sign produces a 64-byte Ed25519 signature over the claim-hash of data,
// using the private key of the local identity uid. Fails if the identity
// has no private key.
func (s *Store) Sign(uid [UIDLen]byte, data, claim []byte) ([]byte, error) {
	rec, err := s.Load(uid)
	if err != nil {
		return nil, err
	}
	if !rec.HasPrivKey {
		return nil, cryptoops.ErrNoPrivateKey
	}
	return cryptoops.Sign(ed25519.PrivateKey(rec.PrivKey[:]), data, claim)
}

// Verify checks a signature produced by Sign (or a peer's equivalent)
// using the public key of uid.
func (s *Store) Verify(uid [UIDLen]byte, data, claim, signature []byte) bool {
	rec, err := s.Load(uid)
	if err != nil {
		return false
	}
	return cryptoops.Verify(ed25519.PublicKey(rec.PubKey[:]), data, claim, signature)
}

// CreateLocal generates a new Ed25519 keypair, sets transports from
// relayHosts (falling back to defaultRelayHost if relayHosts is empty),
// persists the identity, and returns it.
func (s *Store) CreateLocal(alias string, relayHosts []string, defaultRelayHost string) (*Record, error) {
	pub, priv, err := cryptoops.GenerateKeypair(s.rng)
	if err != nil {
		return nil, err
	}

	transports := relayHosts
	if len(transports) == 0 && defaultRelayHost != "" {
		transports = []string{defaultRelayHost}
	}

	rec, err := NewLocal(pub, priv, alias, transports)
	if err != nil {
		return nil, err
	}
	if err := s.Save(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// ExportedIdentity is the shape produced by Export: the peer-visible
// subset of a record (no private key) plus optional caller-attached
// signed metadata, used in friend requests and remote identity queries.
type ExportedIdentity struct {
	Data []byte // the record, minus private key, in the same Encode() shape
	Meta []byte // caller-supplied signed metadata, or empty
}

// Export produces the peer-visible view of id: its record with the
// private key stripped, plus any signedMeta the caller wants attached
// (e.g. extra claims in a friend request).
func Export(id *Record, signedMeta []byte) (*ExportedIdentity, error) {
	public := *id
	public.HasPrivKey = false
	public.PrivKey = [PrivKeyLen]byte{}
	data, err := public.Encode()
	if err != nil {
		return nil, err
	}
	meta := signedMeta
	if meta == nil {
		meta = []byte{}
	}
	return &ExportedIdentity{Data: data, Meta: meta}, nil
}

// SignedCert is `{ data, meta, signatures: [{uid, sign}] }` as used by
// friend-request and remote identity RPC handlers.
type SignedCert struct {
	Data       []byte
	Meta       []byte
	Signatures []CertSignature
}

// CertSignature is one entry of SignedCert.Signatures.
type CertSignature struct {
	UID  [UIDLen]byte
	Sign []byte
}

// BuildSignedCert exports localUID's identity, attaches meta, and signs
// the exported `data` with localUID's private key.
func (s *Store) BuildSignedCert(localUID [UIDLen]byte, meta []byte) (*SignedCert, error) {
	rec, err := s.Load(localUID)
	if err != nil {
		return nil, err
	}
	exported, err := Export(rec, meta)
	if err != nil {
		return nil, err
	}
	sig, err := s.Sign(localUID, exported.Data, nil)
	if err != nil {
		return nil, err
	}
	return &SignedCert{
		Data: exported.Data,
		Meta: exported.Meta,
		Signatures: []CertSignature{
			{UID: localUID, Sign: sig},
		},
	}, nil
}

// Encode serializes a SignedCert for transmission (handshake identity
// documents, friend-request certificates), using the same
// length-prefixed shape as the rest of this package rather than
// introducing a BSON parser.
func (sc *SignedCert) Encode() []byte {
	var out []byte
	putBytes32 := func(b []byte) {
		var lb [4]byte
		binary.LittleEndian.PutUint32(lb[:], uint32(len(b)))
		out = append(out, lb[:]...)
		out = append(out, b...)
	}
	putBytes32(sc.Data)
	putBytes32(sc.Meta)
	out = append(out, byte(len(sc.Signatures)))
	for _, sig := range sc.Signatures {
		out = append(out, sig.UID[:]...)
		var lb [2]byte
		binary.LittleEndian.PutUint16(lb[:], uint16(len(sig.Sign)))
		out = append(out, lb[:]...)
		out = append(out, sig.Sign...)
	}
	return out
}

var ErrShortSignedCert = errors.New("identity: truncated signed certificate")

// DecodeSignedCert parses the wire form produced by SignedCert.Encode.
func DecodeSignedCert(b []byte) (*SignedCert, error) {
	pos := 0
	need := func(n int) error {
		if pos+n > len(b) {
			return ErrShortSignedCert
		}
		return nil
	}
	readBytes32 := func() ([]byte, error) {
		if err := need(4); err != nil {
			return nil, err
		}
		n := int(binary.LittleEndian.Uint32(b[pos : pos+4]))
		pos += 4
		if err := need(n); err != nil {
			return nil, err
		}
		v := b[pos : pos+n]
		pos += n
		return v, nil
	}

	sc := &SignedCert{}
	data, err := readBytes32()
	if err != nil {
		return nil, err
	}
	sc.Data = append([]byte{}, data...)
	meta, err := readBytes32()
	if err != nil {
		return nil, err
	}
	sc.Meta = append([]byte{}, meta...)

	if err := need(1); err != nil {
		return nil, err
	}
	n := int(b[pos])
	pos++
	for i := 0; i < n; i++ {
		if err := need(UIDLen + 2); err != nil {
			return nil, err
		}
		var sig CertSignature
		copy(sig.UID[:], b[pos:pos+UIDLen])
		pos += UIDLen
		slen := int(binary.LittleEndian.Uint16(b[pos : pos+2]))
		pos += 2
		if err := need(slen); err != nil {
			return nil, err
		}
		sig.Sign = append([]byte{}, b[pos:pos+slen]...)
		pos += slen
		sc.Signatures = append(sc.Signatures, sig)
	}
	return sc, nil
}

// FromSignedCert parses the exported-record bytes inside a SignedCert (or
// any Export output) back into a Record, used when accepting a friend
// request or processing a remote identity response.
func FromSignedCert(data []byte) (*Record, error) {
	rec, _, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return rec, nil
}
