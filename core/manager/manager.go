// Package manager implements the connection manager (component I): the
// auto-dial policy that keeps every pair of known identities connected,
// skipping banned or do-not-connect contacts, backed by a bounded LRU
// dedup cache so a churning contact list can't grow bookkeeping without
// bound.
package manager

import (
	"net"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/wishcore/core/conn"
	"github.com/gosuda/wishcore/core/cryptoops"
	"github.com/gosuda/wishcore/core/identity"
)

// DialInterval is how often the manager sweeps the identity store for
// pairs that should be (re)dialed, per §4.9 ("1-second interval").
const DialInterval = 1 * time.Second

// DedupCacheSize bounds the "already attempted this tick" cache, matching
// the discovery table's bound (§4.9).
const DedupCacheSize = 64

// DialRequest is what the manager asks the caller (the event loop) to
// act on: open a connection from luid to ruid using transport, which is
// either a raw "host:port" or a "wish://host:port" URL.
type DialRequest struct {
	LocalUID  [cryptoops.UIDLen]byte
	RemoteUID [cryptoops.UIDLen]byte
	Host      string
	Port      int
	IsIP      bool
}

type pairKey [2 * cryptoops.UIDLen]byte

func makePairKey(luid, ruid [cryptoops.UIDLen]byte) pairKey {
	var k pairKey
	copy(k[:cryptoops.UIDLen], luid[:])
	copy(k[cryptoops.UIDLen:], ruid[:])
	return k
}

// Manager runs the auto-dial sweep. It never dials directly; Sweep
// returns the set of DialRequests for the caller (who owns the resolver
// and connection pool) to act on.
type Manager struct {
	store     *identity.Store
	pool      *conn.Pool
	attempted *lru.Cache[pairKey, time.Time]
	lastSweep time.Time
}

// New returns a Manager driving auto-dial over store, consulting pool to
// skip pairs that are already connected.
func New(store *identity.Store, pool *conn.Pool) *Manager {
	cache, err := lru.New[pairKey, time.Time](DedupCacheSize)
	if err != nil {
		panic(err) // DedupCacheSize is a positive compile-time constant
	}
	return &Manager{store: store, pool: pool, attempted: cache}
}

// DueForSweep reports whether DialInterval has elapsed since the last
// sweep (or this is the first one); the caller (event loop) should then
// call Sweep. Sweep itself does not check the interval, so an
// opportunistic early sweep (e.g. right after a relay session confirms
// Internet reachability, per §4.5/§4.9) is a direct call to Sweep.
func (m *Manager) DueForSweep(now time.Time) bool {
	return now.Sub(m.lastSweep) >= DialInterval
}

// Sweep enumerates (local_uid, contact_uid) pairs across every local
// identity in store and every other identity, skipping:
//   - pairs already CONNECTED in pool
//   - contacts flagged banned
//   - contacts with meta connect=false
//   - pairs attempted within the last DialInterval (dedup cache)
//
// and returns one DialRequest per (transport, pair) that should be
// attempted now.
func (m *Manager) Sweep(now time.Time) []DialRequest {
	m.lastSweep = now

	localUIDs := m.store.ListLocalUIDs(256)
	allUIDs := m.store.ListUIDs(4096)

	var out []DialRequest
	for _, luid := range localUIDs {
		for _, ruid := range allUIDs {
			if ruid == luid {
				continue
			}
			connected := false
			for _, c := range m.pool.Slots() {
				if c.State == conn.StateConnected && c.LocalUID == luid && c.RemoteUID == ruid {
					connected = true
					break
				}
			}
			if connected {
				continue
			}

			key := makePairKey(luid, ruid)
			if last, ok := m.attempted.Get(key); ok && now.Sub(last) < DialInterval {
				continue
			}

			contact, err := m.store.Load(ruid)
			if err != nil {
				continue
			}
			if contact.IsBanned() {
				log.Debug().Str("alias", contact.Alias).Msg("manager: skipping banned contact")
				continue
			}
			if contact.ConnectDisabled() {
				log.Debug().Str("alias", contact.Alias).Msg("manager: skipping do-not-connect contact")
				continue
			}

			for _, transport := range contact.Transports {
				host, port, isIP, err := ParseTransport(transport)
				if err != nil {
					log.Debug().Err(err).Str("transport", transport).Msg("manager: unparseable transport, skipping")
					continue
				}
				out = append(out, DialRequest{LocalUID: luid, RemoteUID: ruid, Host: host, Port: port, IsIP: isIP})
			}
			m.attempted.Add(key, now)
		}
	}
	return out
}

// ParseTransport accepts "wish://host:port" or bare "host:port", where
// host may be a dotted-quad or a DNS name.
func ParseTransport(transport string) (host string, port int, isIP bool, err error) {
	t := strings.TrimPrefix(transport, "wish://")
	h, p, err := net.SplitHostPort(t)
	if err != nil {
		return "", 0, false, err
	}
	portNum, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, false, err
	}
	return h, portNum, net.ParseIP(h) != nil, nil
}
