// Package conn implements the multiplexed connection pool and the
// per-connection state machine (component F): a fixed-size slot table,
// the FREE -> IN_MAKING{RESOLVING,CONNECTING,WIRE_HANDSHAKE} -> CONNECTED
// -> CLOSING -> FREE lifecycle, ping liveness, and parallel-connection
// reconciliation.
package conn

import (
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/wishcore/core/cryptoops"
	"github.com/gosuda/wishcore/core/ring"
)

// State is the top-level slot state.
type State int

const (
	StateFree State = iota
	StateInMaking
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "FREE"
	case StateInMaking:
		return "IN_MAKING"
	case StateConnected:
		return "CONNECTED"
	case StateClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// Direction records which side of a connection this node was, per §3
// ("direction (outgoing|incoming)"): outgoing for slots this node
// dialed, incoming for slots accepted off a listening socket.
type Direction int

const (
	DirectionOutgoing Direction = iota
	DirectionIncoming
)

func (d Direction) String() string {
	if d == DirectionIncoming {
		return "incoming"
	}
	return "outgoing"
}

// MakingSubstate refines StateInMaking.
type MakingSubstate int

const (
	SubResolving MakingSubstate = iota
	SubConnecting
	SubWireHandshake
)

func (s MakingSubstate) String() string {
	switch s {
	case SubResolving:
		return "RESOLVING"
	case SubConnecting:
		return "CONNECTING"
	case SubWireHandshake:
		return "WIRE_HANDSHAKE"
	default:
		return "UNKNOWN"
	}
}

// Timing constants grounded on wish_connection_mgr.c's PING_INTERVAL /
// PING_TIMEOUT / CONNECTION_SETUP_TIMEOUT.
const (
	PingInterval           = 30 * time.Second
	PingTimeout            = 60 * time.Second
	ConnectionSetupTimeout = 20 * time.Second
)

// Conn is one slot of the pool: either free, or tracking one peer
// connection through its lifecycle.
type Conn struct {
	Slot int

	State    State
	Substate MakingSubstate

	LocalUID     [cryptoops.UIDLen]byte
	RemoteUID    [cryptoops.UIDLen]byte
	RemoteHostID []byte // from the peer's handshake identity document; used for tie-break

	// Direction and FriendRequest are set by the caller once the
	// connection's type is known (the preamble for inbound connections,
	// the dial intent for outbound ones); Acquire/AttachNetConn leave
	// them at their zero value.
	Direction     Direction
	FriendRequest bool // true for connection type 2 (§4.2/§6): certificate exchange only, no ongoing session

	netConn net.Conn
	rx      *ring.Buffer

	Session *cryptoops.SessionKeys

	createdAt  time.Time
	lastSentAt time.Time
	lastRecvAt time.Time

	// ViaRelay mirrors the original's "only relayed, not direct" bit:
	// true when this slot was opened over a relay punch rather than a
	// direct dial.
	ViaRelay bool
}

// Pool is a fixed-capacity table of Conn slots, mirroring the original's
// static `wish_connections[WISH_CONTEXT_POOL_SZ]` array rather than an
// unbounded map: a P2P node bounds its fan-out deliberately.
type Pool struct {
	slots []Conn
	rxCap int
}

// NewPool allocates a pool of the given capacity; each slot's receive
// ring buffer is sized rxBufCap bytes.
func NewPool(capacity, rxBufCap int) *Pool {
	p := &Pool{slots: make([]Conn, capacity), rxCap: rxBufCap}
	for i := range p.slots {
		p.slots[i].Slot = i
		p.slots[i].State = StateFree
	}
	return p
}

// ErrPoolFull is returned by Acquire when every slot is occupied.
var ErrPoolFull = errPoolFull{}

type errPoolFull struct{}

func (errPoolFull) Error() string { return "conn: connection pool is full" }

// Acquire claims the first FREE slot, transitioning it to
// IN_MAKING/RESOLVING, and returns it.
func (p *Pool) Acquire(localUID [cryptoops.UIDLen]byte) (*Conn, error) {
	for i := range p.slots {
		c := &p.slots[i]
		if c.State == StateFree {
			*c = Conn{
				Slot:      i,
				State:     StateInMaking,
				Substate:  SubResolving,
				LocalUID:  localUID,
				rx:        ring.New(p.rxCap),
				createdAt: time.Now(),
			}
			return c, nil
		}
	}
	return nil, ErrPoolFull
}

// AttachNetConn transitions a RESOLVING/CONNECTING slot once a TCP
// connection exists, moving it into WIRE_HANDSHAKE.
func (c *Conn) AttachNetConn(nc net.Conn) {
	c.netConn = nc
	c.Substate = SubWireHandshake
}

// CompleteHandshake transitions a WIRE_HANDSHAKE slot to CONNECTED once
// the session keys and remote identity are known.
func (c *Conn) CompleteHandshake(remoteUID [cryptoops.UIDLen]byte, remoteHostID []byte, session *cryptoops.SessionKeys) {
	c.RemoteUID = remoteUID
	c.RemoteHostID = remoteHostID
	c.Session = session
	c.State = StateConnected
	now := time.Now()
	c.lastSentAt, c.lastRecvAt = now, now
}

// MarkSent and MarkReceived update liveness timestamps; the event loop
// calls these whenever bytes actually cross the wire.
func (c *Conn) MarkSent()     { c.lastSentAt = time.Now() }
func (c *Conn) MarkReceived() { c.lastRecvAt = time.Now() }

// NeedsPing reports whether it is time to send a keepalive ping on this
// connection, per PING_INTERVAL.
func (c *Conn) NeedsPing(now time.Time) bool {
	return c.State == StateConnected && now.Sub(c.lastSentAt) >= PingInterval
}

// Stale reports whether this connection has gone quiet long enough to be
// considered dead, per PING_TIMEOUT.
func (c *Conn) Stale(now time.Time) bool {
	return c.State == StateConnected && now.Sub(c.lastRecvAt) >= PingTimeout
}

// SetupExpired reports whether an IN_MAKING slot has been under
// construction longer than CONNECTION_SETUP_TIMEOUT.
func (c *Conn) SetupExpired(now time.Time) bool {
	return c.State == StateInMaking && now.Sub(c.createdAt) >= ConnectionSetupTimeout
}

// RXBuffer exposes the slot's receive ring buffer to the wire codec.
func (c *Conn) RXBuffer() *ring.Buffer { return c.rx }

// NetConn exposes the underlying socket for reads/writes/deadlines.
func (c *Conn) NetConn() net.Conn { return c.netConn }

// Close transitions the slot to CLOSING, closes the socket, and returns
// it to FREE. Safe to call on an already-free slot (no-op).
func (c *Conn) Close() error {
	if c.State == StateFree {
		return nil
	}
	c.State = StateClosing
	var err error
	if c.netConn != nil {
		err = c.netConn.Close()
	}
	slot := c.Slot
	*c = Conn{Slot: slot, State: StateFree}
	return err
}

// Slot returns the slot at index i, whatever its current state, or nil
// if i is out of range. Used by the event loop to validate a reader
// goroutine's event against the slot it still believes it owns, since
// the slot may have been recycled for a different connection since the
// event was sent.
func (p *Pool) Slot(i int) *Conn {
	if i < 0 || i >= len(p.slots) {
		return nil
	}
	return &p.slots[i]
}

// Slots returns every non-free slot, for iteration by the event loop and
// the connection manager.
func (p *Pool) Slots() []*Conn {
	out := make([]*Conn, 0, len(p.slots))
	for i := range p.slots {
		if p.slots[i].State != StateFree {
			out = append(out, &p.slots[i])
		}
	}
	return out
}

// FindByRemoteUID returns the first CONNECTED slot whose remote UID
// matches, or nil.
func (p *Pool) FindByRemoteUID(uid [cryptoops.UIDLen]byte) *Conn {
	for i := range p.slots {
		c := &p.slots[i]
		if c.State == StateConnected && c.RemoteUID == uid {
			return c
		}
	}
	return nil
}

// CloseAllForUID closes every connection (in any non-free state)
// referencing uid as either its local or remote identity — used when an
// identity is removed from the store, per §3/§8 ("closing an identity
// closes every connection referencing it in luid or ruid").
func (p *Pool) CloseAllForUID(uid [cryptoops.UIDLen]byte) int {
	n := 0
	for i := range p.slots {
		c := &p.slots[i]
		if c.State == StateFree {
			continue
		}
		if c.LocalUID == uid || c.RemoteUID == uid {
			if err := c.Close(); err != nil {
				log.Debug().Err(err).Int("slot", i).Msg("conn: error closing connection during identity removal")
			}
			n++
		}
	}
	return n
}

// ReconcileParallel implements the original's
// wish_close_parallel_connections tie-break (§4.9): when a (luid, ruid,
// rhid) triple already has one CONNECTED slot and a second reaches
// CONNECTED too — the two ends dialed each other at once — the side
// whose own host id byte-string compares *less* than the remote's
// (rhid) is the one that closes its own duplicate. Both peers run this
// same rule independently against the same two host ids, so exactly one
// side acts and no coordination round-trip is needed.
func (p *Pool) ReconcileParallel(localHostID []byte) {
	seen := make(map[string][]*Conn)
	for i := range p.slots {
		c := &p.slots[i]
		if c.State != StateConnected {
			continue
		}
		key := string(c.LocalUID[:]) + string(c.RemoteUID[:]) + string(c.RemoteHostID)
		seen[key] = append(seen[key], c)
	}
	for _, dupes := range seen {
		if len(dupes) < 2 {
			continue
		}
		if compareHostIDs(localHostID, dupes[0].RemoteHostID) >= 0 {
			// The remote side is the one responsible for closing here.
			continue
		}
		// Keep the oldest (first-established) duplicate, close the rest.
		oldest := dupes[0]
		for _, c := range dupes[1:] {
			if c.createdAt.Before(oldest.createdAt) {
				oldest = c
			}
		}
		for _, c := range dupes {
			if c == oldest {
				continue
			}
			log.Debug().Int("slot", c.Slot).Msg("conn: closing redundant parallel connection")
			c.Close()
		}
	}
}

func compareHostIDs(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return int(a[i]) - int(b[i])
		}
	}
	return len(a) - len(b)
}
