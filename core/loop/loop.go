// Package loop implements the event/IO loop (component J): the
// single-threaded cooperative scheduler that drives every other
// component's time-based and readiness-based transitions each tick.
//
// Go's runtime netpoller already is the readiness multiplexer §4.10
// describes (see SPEC_FULL.md §5); this package does not reimplement
// select/epoll. Instead it owns the state-machine-facing half of each
// tick — poll resolvers, sweep liveness, run the auto-dial manager,
// expire relay/connection timeouts — and returns the actions its caller
// (core.Core, which does own the sockets) must carry out. The caller is
// expected to read each live socket on its own goroutine and hand the
// bytes to the goroutine that calls Tick, which feeds them into the pool
// via Conn.RXBuffer()/relay.Session.Feed; this keeps exactly one
// goroutine mutating shared state while still using the netpoller for
// actual blocking I/O.
package loop

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/wishcore/core/conn"
	"github.com/gosuda/wishcore/core/cryptoops"
	"github.com/gosuda/wishcore/core/discovery"
	"github.com/gosuda/wishcore/core/manager"
	"github.com/gosuda/wishcore/core/relay"
	"github.com/gosuda/wishcore/core/resolver"
)

// TickInterval bounds the readiness multiplex timeout, per §4.10
// ("bounded timeout (~100 ms)").
const TickInterval = 100 * time.Millisecond

// PeriodicInterval is the wall-time callback cadence, per §4.10 step 9.
const PeriodicInterval = 1 * time.Second

// TickResult collects every action this tick decided on, for the owner
// of the actual sockets to execute.
type TickResult struct {
	ResolverResults []resolver.Result
	DiscoveryEntry  *discovery.Entry
	DialRequests    []manager.DialRequest
	ExpiredSetup    []*conn.Conn
	StaleConns      []*conn.Conn
	NeedPing        []*conn.Conn
	RedialRelays    []*relay.Session
}

// Loop ties every component together for one tick at a time. It holds
// no sockets itself — only the pieces whose state transitions are pure
// functions of time and already-buffered bytes.
type Loop struct {
	Pool      *conn.Pool
	Resolver  *resolver.Resolver
	Manager   *manager.Manager
	Discovery *discovery.Listener
	Relays    []*relay.Session

	lastPeriodic time.Time
}

// New builds a Loop over the given already-constructed components.
func New(pool *conn.Pool, res *resolver.Resolver, mgr *manager.Manager, disc *discovery.Listener) *Loop {
	return &Loop{Pool: pool, Resolver: res, Manager: mgr, Discovery: disc}
}

// Tick runs exactly one iteration of §4.10's steps 2, 4(timeouts), 5
// (timeouts), 8 is the caller's responsibility (RPC dispatch is out of
// scope per §1), and 9 (periodic callback, when due). Ordering follows
// §4.10's "DNS -> discovery UDP -> relay session readiness -> connection
// slot readiness" within the result fields, even though delivery to the
// caller is a single struct.
func (l *Loop) Tick(now time.Time) TickResult {
	var res TickResult

	res.ResolverResults = l.Resolver.PollAll()

	if l.Discovery != nil {
		l.Discovery.SetReadDeadline(now.Add(TickInterval))
		if entry, ok := l.Discovery.PollOnce(); ok {
			res.DiscoveryEntry = entry
		}
	}

	for _, rs := range l.Relays {
		if rs.CheckTimeouts(now) {
			res.RedialRelays = append(res.RedialRelays, rs)
		}
	}

	for _, c := range l.Pool.Slots() {
		switch {
		case c.SetupExpired(now):
			res.ExpiredSetup = append(res.ExpiredSetup, c)
		case c.Stale(now):
			res.StaleConns = append(res.StaleConns, c)
		case c.NeedsPing(now):
			res.NeedPing = append(res.NeedPing, c)
		}
	}

	if l.Manager != nil && l.Manager.DueForSweep(now) {
		res.DialRequests = l.Manager.Sweep(now)
	}

	if now.Sub(l.lastPeriodic) >= PeriodicInterval {
		l.lastPeriodic = now
		log.Debug().
			Int("conns", len(l.Pool.Slots())).
			Int("relays", len(l.Relays)).
			Msg("loop: periodic tick")
	}

	return res
}

// FeedRelayBytes routes bytes read from a relay control socket to the
// matching session and returns any punch requests it produced. Exposed
// separately from Tick because actual socket reads happen on the
// caller's reader goroutines, not inside the loop's own state pass.
func (l *Loop) FeedRelayBytes(rs *relay.Session, data []byte) []relay.PunchRequest {
	return rs.Feed(data)
}

// CloseIdentity cascades an identity.Store.Remove into closing every
// connection that referenced uid, per §3/§8.
func (l *Loop) CloseIdentity(uid [cryptoops.UIDLen]byte) int {
	return l.Pool.CloseAllForUID(uid)
}
