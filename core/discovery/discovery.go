// Package discovery implements the local-network UDP broadcast
// discovery protocol (component H): advertising this node's identity on
// the local link and maintaining a bounded table of peers heard that way.
package discovery

import (
	"encoding/binary"
	"errors"
	"net"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/wishcore/core/cryptoops"
)

// DefaultPort is the well-known UDP discovery port, per §4.8.
const DefaultPort = 9090

// MaxEntries bounds the discovery table, per §4.8 ("Bounded table (≤64)").
const MaxEntries = 64

// Entry is one local-discovery record, either received from the network
// or (conceptually) this node's own advertisement.
type Entry struct {
	UID        [cryptoops.UIDLen]byte
	HostID     []byte
	Alias      string
	PubKey     [cryptoops.PubKeyLen]byte
	Transports []string
	Class      string
	FriendReq  []byte

	SourceIP   net.IP
	SourcePort int
	FirstSeen  time.Time
	LastSeen   time.Time

	// LogID correlates the log lines about this one sighting; it has no
	// wire representation and is assigned fresh each time a datagram is
	// decoded.
	LogID uuid.UUID
}

type entryKey struct {
	uid    [cryptoops.UIDLen]byte
	hostID string
}

// Listener owns the discovery UDP socket: it broadcasts this node's
// advertisement and accumulates peers heard from others into a bounded
// LRU table keyed by (uid, hostid), per §4.8.
type Listener struct {
	conn  *net.UDPConn
	port  int
	table *lru.Cache[entryKey, *Entry]
}

// Open binds the discovery socket on port (0 selects DefaultPort),
// enabling broadcast.
func Open(port int) (*Listener, error) {
	if port == 0 {
		port = DefaultPort
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, err
	}
	table, err := lru.New[entryKey, *Entry](MaxEntries)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Listener{conn: conn, port: port, table: table}, nil
}

// Close releases the discovery socket.
func (l *Listener) Close() error { return l.conn.Close() }

// Broadcast sends self (this node's own advertisement record) to both
// the subnet broadcast address and loopback, so discovery works even
// without an "up" non-loopback interface, per §4.8.
func (l *Listener) Broadcast(self *Entry) error {
	payload := EncodeEntry(self)

	var firstErr error
	for _, dst := range []string{"255.255.255.255", "127.0.0.1"} {
		addr := &net.UDPAddr{IP: net.ParseIP(dst), Port: l.port}
		if _, err := l.conn.WriteToUDP(payload, addr); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			log.Debug().Err(err).Str("dst", dst).Msg("discovery: broadcast send failed, will retry next cycle")
		}
	}
	return firstErr
}

// PollOnce performs one non-blocking read attempt on the discovery
// socket, decoding and storing any datagram received. Returns
// (nil, false) if nothing was waiting, honoring the loop's cooperative
// non-blocking discipline via a short read deadline set by the caller
// (e.g. the event loop's ~100ms tick).
func (l *Listener) PollOnce() (*Entry, bool) {
	buf := make([]byte, 2048)
	n, addr, err := l.conn.ReadFromUDP(buf)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, false
		}
		log.Debug().Err(err).Msg("discovery: read failed, retrying next cycle")
		return nil, false
	}

	entry, err := DecodeEntry(buf[:n])
	if err != nil {
		log.Debug().Err(err).Msg("discovery: malformed datagram dropped")
		return nil, false
	}
	entry.SourceIP = addr.IP
	entry.SourcePort = addr.Port
	entry.LogID = uuid.New()

	key := entryKey{uid: entry.UID, hostID: string(entry.HostID)}
	now := time.Now()
	if existing, ok := l.table.Get(key); ok {
		entry.FirstSeen = existing.FirstSeen
	} else {
		log.Debug().Str("sighting", entry.LogID.String()).Str("src", addr.IP.String()).Msg("discovery: new peer heard")
		entry.FirstSeen = now
	}
	entry.LastSeen = now
	l.table.Add(key, entry)
	return entry, true
}

// SetReadDeadline forwards to the underlying socket, used by the event
// loop to bound PollOnce to its tick.
func (l *Listener) SetReadDeadline(t time.Time) error { return l.conn.SetReadDeadline(t) }

// Entries returns every entry currently in the bounded table.
func (l *Listener) Entries() []*Entry {
	keys := l.table.Keys()
	out := make([]*Entry, 0, len(keys))
	for _, k := range keys {
		if e, ok := l.table.Peek(k); ok {
			out = append(out, e)
		}
	}
	return out
}

// EncodeEntry serializes an Entry to its UDP wire form: a minimal
// length-prefixed field sequence, matching the shape
// core/identity.Record.Encode uses (no BSON parser is introduced here
// either, per SPEC_FULL.md §3).
func EncodeEntry(e *Entry) []byte {
	var out []byte
	putBytes := func(b []byte) {
		var lb [2]byte
		binary.LittleEndian.PutUint16(lb[:], uint16(len(b)))
		out = append(out, lb[:]...)
		out = append(out, b...)
	}

	out = append(out, e.UID[:]...)
	out = append(out, e.PubKey[:]...)
	putBytes(e.HostID)
	putBytes([]byte(e.Alias))
	putBytes([]byte(e.Class))
	putBytes(e.FriendReq)

	var tb [1]byte
	tb[0] = byte(len(e.Transports))
	out = append(out, tb[:]...)
	for _, tr := range e.Transports {
		putBytes([]byte(tr))
	}
	return out
}

var errShortDatagram = errors.New("discovery: datagram too short")

// DecodeEntry parses the wire form produced by EncodeEntry.
func DecodeEntry(b []byte) (*Entry, error) {
	pos := 0
	need := func(n int) error {
		if pos+n > len(b) {
			return errShortDatagram
		}
		return nil
	}
	readBytes := func() ([]byte, error) {
		if err := need(2); err != nil {
			return nil, err
		}
		n := int(binary.LittleEndian.Uint16(b[pos : pos+2]))
		pos += 2
		if err := need(n); err != nil {
			return nil, err
		}
		v := b[pos : pos+n]
		pos += n
		return v, nil
	}

	e := &Entry{}
	if err := need(cryptoops.UIDLen + cryptoops.PubKeyLen); err != nil {
		return nil, err
	}
	copy(e.UID[:], b[pos:pos+cryptoops.UIDLen])
	pos += cryptoops.UIDLen
	copy(e.PubKey[:], b[pos:pos+cryptoops.PubKeyLen])
	pos += cryptoops.PubKeyLen

	hostID, err := readBytes()
	if err != nil {
		return nil, err
	}
	e.HostID = append([]byte{}, hostID...)

	alias, err := readBytes()
	if err != nil {
		return nil, err
	}
	e.Alias = string(alias)

	class, err := readBytes()
	if err != nil {
		return nil, err
	}
	e.Class = string(class)

	friendReq, err := readBytes()
	if err != nil {
		return nil, err
	}
	e.FriendReq = append([]byte{}, friendReq...)

	if err := need(1); err != nil {
		return nil, err
	}
	numTransports := int(b[pos])
	pos++
	for i := 0; i < numTransports; i++ {
		tr, err := readBytes()
		if err != nil {
			return nil, err
		}
		e.Transports = append(e.Transports, string(tr))
	}

	return e, nil
}
