// Package core wires the connection pool, identity store, relay
// sessions, discovery table, resolver and event loop together into the
// single object a binary embeds, matching how the teacher's
// `relaydns.RelayClient`/`relaydns.LeaseManager` types own their own
// worker goroutines and mutexes.
package core

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/wishcore/core/conn"
	"github.com/gosuda/wishcore/core/cryptoops"
	"github.com/gosuda/wishcore/core/discovery"
	"github.com/gosuda/wishcore/core/identity"
	"github.com/gosuda/wishcore/core/loop"
	"github.com/gosuda/wishcore/core/manager"
	"github.com/gosuda/wishcore/core/relay"
	"github.com/gosuda/wishcore/core/resolver"
	"github.com/gosuda/wishcore/core/wire"
)

// Config bounds every resource the core manages, per §5 "Resource
// bounds (defaults, configurable)".
type Config struct {
	ListenAddr      string // direct wish TCP listen address, "" disables
	ConnectionSlots int    // default 1000
	MaxIdentities   int    // default 2048
	RXBufferSize    int    // default 32 KiB per connection
	DiscoveryPort   int    // 0 = DefaultPort, <0 disables local discovery
	DNSServer       string // "" = read /etc/resolv.conf
	IdentityDBPath  string
	HostID          []byte // this node's own host id, used in tie-break and sent during handshake
}

// DefaultConfig returns the resource bounds named in §5.
func DefaultConfig(identityDBPath string) Config {
	return Config{
		ConnectionSlots: 1000,
		MaxIdentities:   identity.DefaultMaxIdentities,
		RXBufferSize:    32 << 10,
		DiscoveryPort:   discovery.DefaultPort,
		IdentityDBPath:  identityDBPath,
	}
}

// discoveryBroadcastInterval is how often this node re-announces itself
// on the local-discovery socket; §4.8 leaves the cadence unfixed, so
// wishcore picks one in the same ballpark as the manager's dial sweep.
const discoveryBroadcastInterval = 5 * time.Second

// resolvePurpose records why a pending DNS lookup was started, so the
// tick loop knows what to do once the resolver reports back: either
// dial a peer contact or dial a relay server.
type resolvePurpose struct {
	dial  *manager.DialRequest
	relay *relay.Session
}

// relayData is one read's worth of bytes off a relay control socket,
// handed from that connection's reader goroutine to Run().
type relayData struct {
	rs   *relay.Session
	data []byte
}

// rxEvent is one read's worth of bytes (or a terminal error) off an
// established connection's socket, handed from that connection's reader
// goroutine to Run(). nc lets Run() confirm the slot it names hasn't
// already been recycled for a different connection.
type rxEvent struct {
	slot int
	nc   net.Conn
	data []byte
	down bool
}

// Core owns every piece of mutable wishcore state. All of it must only
// be touched from the goroutine running Run (the event loop goroutine),
// per SPEC_FULL.md §5. The one lock Core holds, relaysMu, guards only the
// relay list, which AddRelay may extend from another goroutine. Everything
// that needs blocking network I/O (dialing, the handshake, reading an
// established socket) runs on its own goroutine and hands its result
// back to Run() over a channel instead of touching Pool/Loop directly.
type Core struct {
	cfg Config

	Identities *identity.Store
	Pool       *conn.Pool
	Resolver   *resolver.Resolver
	Manager    *manager.Manager
	Discovery  *discovery.Listener
	Loop       *loop.Loop

	rand cryptoops.RandReader

	relaysMu sync.Mutex
	relays   []*relay.Session

	listener net.Listener

	inboundCh       chan net.Conn
	handshakeDoneCh chan handshakeOutcome
	relayDataCh     chan relayData
	rxEventCh       chan rxEvent

	pendingResolves map[resolver.Tag]resolvePurpose
	nextTag         uint64

	docAssemblers map[int]*wire.DocumentAssembler

	lastBroadcast time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Core from cfg. It opens the identity store and
// discovery socket (if enabled) eagerly; Run starts the event loop and
// any listeners.
func New(cfg Config) (*Core, error) {
	store := identity.Open(cfg.IdentityDBPath, identity.WithMaxEntries(cfg.MaxIdentities))
	pool := conn.NewPool(cfg.ConnectionSlots, cfg.RXBufferSize)
	mgr := manager.New(store, pool)

	var res *resolver.Resolver
	var err error
	if cfg.DNSServer != "" {
		res = resolver.New(cfg.DNSServer, resolver.DefaultTimeout)
	} else {
		res, err = resolver.NewFromResolvConf(resolver.DefaultTimeout)
		if err != nil {
			return nil, fmt.Errorf("core: resolver: %w", err)
		}
	}

	var disc *discovery.Listener
	if cfg.DiscoveryPort >= 0 {
		disc, err = discovery.Open(cfg.DiscoveryPort)
		if err != nil {
			return nil, fmt.Errorf("core: discovery: %w", err)
		}
	}

	c := &Core{
		cfg:             cfg,
		Identities:      store,
		Pool:            pool,
		Resolver:        res,
		Manager:         mgr,
		Discovery:       disc,
		rand:            cryptoops.NewRandPool(),
		inboundCh:       make(chan net.Conn),
		handshakeDoneCh: make(chan handshakeOutcome),
		relayDataCh:     make(chan relayData),
		rxEventCh:       make(chan rxEvent),
		pendingResolves: make(map[resolver.Tag]resolvePurpose),
		docAssemblers:   make(map[int]*wire.DocumentAssembler),
		stop:            make(chan struct{}),
	}
	c.Loop = loop.New(pool, res, mgr, disc)
	return c, nil
}

// AddRelay registers a relay server this node maintains a control
// session with, for the given local identity, and starts connecting to
// it immediately.
func (c *Core) AddRelay(localUID [cryptoops.UIDLen]byte, host string, port int) *relay.Session {
	rs := relay.NewSession(localUID, host, port)
	c.relaysMu.Lock()
	c.relays = append(c.relays, rs)
	c.relaysMu.Unlock()
	c.beginRelayDial(rs)
	return rs
}

// Listen starts accepting direct wish TCP connections on cfg.ListenAddr,
// if set. Accepted sockets are only ever handed to inboundCh here; all
// Pool mutation happens later, on the Run() goroutine, once this
// connection's handshake (run on its own goroutine) has finished.
func (c *Core) Listen() error {
	if c.cfg.ListenAddr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", c.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("core: listen: %w", err)
	}
	c.listener = ln

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			nc, err := ln.Accept()
			if err != nil {
				select {
				case <-c.stop:
					return
				default:
					log.Warn().Err(err).Msg("core: accept failed")
					return
				}
			}
			select {
			case c.inboundCh <- nc:
			case <-c.stop:
				nc.Close()
				return
			}
		}
	}()
	return nil
}

// Run drives the event loop until Close is called. It is the single
// goroutine permitted to mutate Core's component state, per §5: every
// other goroutine this package starts (accept, dial, handshake, relay
// and connection readers) only ever sends results here over a channel.
func (c *Core) Run() {
	ticker := time.NewTicker(loop.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			c.runTick(now)
		case nc := <-c.inboundCh:
			c.beginInboundHandshake(nc)
		case o := <-c.handshakeDoneCh:
			c.finishHandshake(o)
		case ev := <-c.relayDataCh:
			for _, p := range c.Loop.FeedRelayBytes(ev.rs, ev.data) {
				c.handlePunch(ev.rs, p)
			}
		case ev := <-c.rxEventCh:
			c.handleRxEvent(ev)
		}
	}
}

func (c *Core) runTick(now time.Time) {
	c.relaysMu.Lock()
	c.Loop.Relays = c.relays
	c.relaysMu.Unlock()

	res := c.Loop.Tick(now)

	for _, r := range res.ResolverResults {
		tag, ok := r.Owner.(resolver.Tag)
		if !ok {
			continue
		}
		purpose, ok := c.pendingResolves[tag]
		if !ok {
			continue
		}
		delete(c.pendingResolves, tag)
		if r.Err != nil {
			log.Debug().Err(r.Err).Str("hostname", r.Hostname).Msg("core: resolver lookup failed")
			continue
		}
		ip := r.Addrs[0].String()
		switch {
		case purpose.dial != nil:
			go c.dialAndHandshake(purpose.dial.LocalUID, purpose.dial.RemoteUID, ip, purpose.dial.Port)
		case purpose.relay != nil:
			purpose.relay.BeginConnecting()
			go c.dialRelay(purpose.relay, ip)
		}
	}

	for _, ec := range res.ExpiredSetup {
		log.Debug().Int("slot", ec.Slot).Msg("core: closing connection, setup timed out")
		ec.Close()
	}
	for _, sc := range res.StaleConns {
		log.Debug().Int("slot", sc.Slot).Msg("core: closing stale connection")
		delete(c.docAssemblers, sc.Slot)
		sc.Close()
	}
	for _, pc := range res.NeedPing {
		c.sendPing(pc)
	}
	if len(c.Pool.Slots()) > 0 {
		c.Pool.ReconcileParallel(c.cfg.HostID)
	}

	for _, req := range res.DialRequests {
		c.beginDial(req)
	}
	for _, rs := range res.RedialRelays {
		c.beginRelayDial(rs)
	}

	c.maybeBroadcast(now)
}

// beginInboundHandshake picks the local identity an accepted connection
// is answered as and starts its (blocking) handshake on its own
// goroutine. wishcore listens on one address for all local identities,
// so an inbound connection is answered using the first local identity in
// the store; hosting distinct identities behind distinct listeners is a
// possible extension this pass does not need.
func (c *Core) beginInboundHandshake(nc net.Conn) {
	locals := c.Identities.ListLocalUIDs(1)
	if len(locals) == 0 {
		log.Debug().Msg("core: dropping inbound connection, no local identity configured")
		nc.Close()
		return
	}
	localUID := locals[0]
	go func() {
		o := c.runHandshake(nc, localUID, false, conn.DirectionIncoming, false)
		select {
		case c.handshakeDoneCh <- o:
		case <-c.stop:
			nc.Close()
		}
	}()
}

// finishHandshake is the only place Pool.Acquire is called for a
// connection that arrived via Listen() or the auto-dial manager; it
// always runs on the Run() goroutine.
func (c *Core) finishHandshake(o handshakeOutcome) {
	if o.err != nil {
		log.Debug().Err(o.err).Str("dir", o.direction.String()).Msg("core: handshake failed")
		if o.nc != nil {
			o.nc.Close()
		}
		return
	}

	slot, err := c.Pool.Acquire(o.localUID)
	if err != nil {
		log.Debug().Err(err).Msg("core: dropping completed handshake, pool full")
		o.nc.Close()
		return
	}
	slot.AttachNetConn(o.nc)
	slot.Direction = o.direction
	slot.FriendRequest = o.friendRequest
	slot.CompleteHandshake(o.remoteUID, o.remoteHostID, o.session)

	if o.friendRequest {
		// §4.2/§6: connection type 2 is a one-shot certificate exchange,
		// not an ongoing session — the certificate has already been
		// authenticated inside runHandshake, so there is nothing left to
		// drive once it arrives.
		log.Info().Str("alias", o.remoteAlias).Msg("core: friend-request certificate exchange complete")
		slot.Close()
		return
	}

	log.Debug().Int("slot", slot.Slot).Str("dir", o.direction.String()).Str("alias", o.remoteAlias).
		Msg("core: connection established")
	go c.pumpConn(slot.Slot, o.nc)
}

// newTag mints a fresh resolver.Tag to correlate a Start call with the
// Result that later shows up in a TickResult.
func (c *Core) newTag() resolver.Tag {
	c.nextTag++
	return resolver.Tag(c.nextTag)
}

// beginDial acts on one of the connection manager's DialRequests: an
// already-dotted-quad host is dialed immediately, a hostname is resolved
// first and the dial happens once that resolution surfaces in a later
// tick's ResolverResults.
func (c *Core) beginDial(req manager.DialRequest) {
	if req.IsIP {
		go c.dialAndHandshake(req.LocalUID, req.RemoteUID, req.Host, req.Port)
		return
	}
	tag := c.newTag()
	c.pendingResolves[tag] = resolvePurpose{dial: &req}
	c.Resolver.Start(tag, req.Host)
}

// beginRelayDial (re)starts a relay-client control connection, either
// immediately (dotted-quad host) or after resolving its hostname.
func (c *Core) beginRelayDial(rs *relay.Session) {
	if ip := net.ParseIP(rs.Host); ip != nil {
		rs.BeginConnecting()
		go c.dialRelay(rs, rs.Host)
		return
	}
	rs.BeginResolving()
	tag := c.newTag()
	c.pendingResolves[tag] = resolvePurpose{relay: rs}
	c.Resolver.Start(tag, rs.Host)
}

// dialAndHandshake opens a TCP connection to a resolved contact address
// and runs the handshake as initiator, reporting the outcome back to
// Run() over handshakeDoneCh. Always runs on its own goroutine.
func (c *Core) dialAndHandshake(localUID, expectedRemoteUID [cryptoops.UIDLen]byte, host string, port int) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	nc, err := net.DialTimeout("tcp", addr, conn.ConnectionSetupTimeout)
	if err != nil {
		log.Debug().Err(err).Str("addr", addr).Msg("core: dial failed")
		return
	}
	o := c.runHandshake(nc, localUID, true, conn.DirectionOutgoing, false)
	if o.err == nil && o.remoteUID != expectedRemoteUID {
		log.Warn().Str("addr", addr).Msg("core: dialed peer's identity did not match the expected contact")
	}
	select {
	case c.handshakeDoneCh <- o:
	case <-c.stop:
		nc.Close()
	}
}

// dialRelay opens the relay-client control connection, writes the
// session-open preamble (relay.Session.Opened), and then becomes the
// permanent reader for that socket, forwarding every read to Run() over
// relayDataCh so Loop.FeedRelayBytes (and therefore relay.Session.Feed)
// only ever runs on the event-loop goroutine.
func (c *Core) dialRelay(rs *relay.Session, host string) {
	addr := net.JoinHostPort(host, strconv.Itoa(rs.Port))
	nc, err := net.DialTimeout("tcp", addr, relay.ClientConnectTimeout)
	if err != nil {
		log.Debug().Err(err).Str("addr", addr).Msg("core: relay dial failed")
		return
	}

	preamble := rs.Opened()
	nc.SetWriteDeadline(time.Now().Add(relay.ClientConnectTimeout))
	if _, err := nc.Write(preamble); err != nil {
		log.Debug().Err(err).Str("addr", addr).Msg("core: relay: writing session preamble failed")
		nc.Close()
		return
	}
	log.Debug().Str("addr", addr).Msg("core: relay control connection opened")

	buf := make([]byte, 4096)
	for {
		nc.SetReadDeadline(time.Now().Add(relay.ServerTimeout))
		n, err := nc.Read(buf)
		if err != nil {
			log.Debug().Err(err).Str("addr", addr).Msg("core: relay control connection closed")
			nc.Close()
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case c.relayDataCh <- relayData{rs: rs, data: data}:
		case <-c.stop:
			nc.Close()
			return
		}
	}
}

// handlePunch records an inbound punch request signalled by a relay
// server (the ':' byte, surfaced by relay.Session.Feed) by logging it.
// It does not dial the relay server back: no via-relay connection slot
// is opened and p.SessionID is not written on any socket.
func (c *Core) handlePunch(rs *relay.Session, p relay.PunchRequest) {
	log.Info().Str("host", rs.Host).Hex("session", p.SessionID[:]).Msg("core: relay signalled inbound punch request")
}

// sendPing writes an empty AEAD-sealed keepalive frame to an established
// connection, per PING_INTERVAL. A short write deadline keeps this
// bounded the same way Discovery's read deadline bounds PollOnce to one
// tick; a failing write closes the slot immediately rather than waiting
// for the stale-connection timeout to notice.
func (c *Core) sendPing(cn *conn.Conn) {
	nc := cn.NetConn()
	if nc == nil || cn.Session == nil {
		return
	}
	sealed := cn.Session.Seal(nil, nil)
	frame, err := wire.EncodeFrame(sealed)
	if err != nil {
		log.Debug().Err(err).Int("slot", cn.Slot).Msg("core: ping: could not frame keepalive")
		return
	}
	nc.SetWriteDeadline(time.Now().Add(loop.TickInterval))
	if _, err := nc.Write(frame); err != nil {
		log.Debug().Err(err).Int("slot", cn.Slot).Msg("core: ping write failed, closing connection")
		delete(c.docAssemblers, cn.Slot)
		cn.Close()
		return
	}
	cn.MarkSent()
}

// pumpConn is the permanent reader for one established connection: it
// only ever reads raw bytes and forwards them to Run() over rxEventCh,
// never touching Pool or the connection's ring buffer itself, so the
// decrypt/reassemble/liveness work in handleRxEvent stays confined to
// the event-loop goroutine.
func (c *Core) pumpConn(slot int, nc net.Conn) {
	buf := make([]byte, 4096)
	for {
		nc.SetReadDeadline(time.Now().Add(conn.PingTimeout))
		n, err := nc.Read(buf)
		if err != nil {
			select {
			case c.rxEventCh <- rxEvent{slot: slot, nc: nc, down: true}:
			case <-c.stop:
			}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case c.rxEventCh <- rxEvent{slot: slot, nc: nc, data: data}:
		case <-c.stop:
			return
		}
	}
}

// handleRxEvent applies one connection reader's bytes (or terminal
// error) to the pool. ev.nc is checked against the slot's current socket
// because the slot may have been closed and recycled for a different
// connection between the reader goroutine's send and Run() processing
// it.
func (c *Core) handleRxEvent(ev rxEvent) {
	cn := c.Pool.Slot(ev.slot)
	if cn == nil || cn.State != conn.StateConnected || cn.NetConn() != ev.nc {
		return
	}
	if ev.down {
		log.Debug().Int("slot", ev.slot).Msg("core: connection read failed, closing")
		delete(c.docAssemblers, ev.slot)
		cn.Close()
		return
	}
	cn.MarkReceived()
	cn.RXBuffer().Write(ev.data)
	c.drainFrames(cn)
}

// drainFrames peels as many complete steady-state frames as are
// buffered, decrypts each with the connection's session keys, and feeds
// the plaintext into a per-slot DocumentAssembler. Dispatching completed
// documents to an RPC layer is out of scope per SPEC_FULL.md §1; a
// document's arrival has already counted as liveness via MarkReceived.
func (c *Core) drainFrames(cn *conn.Conn) {
	rx := cn.RXBuffer()
	for {
		if rx.Length() < 2 {
			return
		}
		var header [2]byte
		rx.Peek(header[:])
		flen, ok := wire.PeekFrameLength(header[:])
		if !ok || rx.Length() < 2+flen {
			return
		}
		rx.Skip(2)
		sealed := make([]byte, flen)
		rx.Read(sealed)

		plain, err := cn.Session.Open(nil, sealed)
		if err != nil {
			log.Debug().Err(err).Int("slot", cn.Slot).Msg("core: AEAD open failed, closing connection")
			delete(c.docAssemblers, cn.Slot)
			cn.Close()
			return
		}

		asm := c.docAssemblers[cn.Slot]
		if asm == nil {
			asm = &wire.DocumentAssembler{}
			c.docAssemblers[cn.Slot] = asm
		}
		if _, err := asm.Feed(plain); err != nil {
			log.Debug().Err(err).Int("slot", cn.Slot).Msg("core: document framing error, closing connection")
			delete(c.docAssemblers, cn.Slot)
			cn.Close()
			return
		}
	}
}

// maybeBroadcast re-announces this node's identity on the local-network
// discovery socket every discoveryBroadcastInterval, per §4.8. Uses the
// first local identity, matching the single-identity-per-listener choice
// beginInboundHandshake makes for inbound connections.
func (c *Core) maybeBroadcast(now time.Time) {
	if c.Discovery == nil {
		return
	}
	if now.Sub(c.lastBroadcast) < discoveryBroadcastInterval {
		return
	}
	c.lastBroadcast = now

	locals := c.Identities.ListLocalUIDs(1)
	if len(locals) == 0 {
		return
	}
	rec, err := c.Identities.Load(locals[0])
	if err != nil {
		return
	}
	entry := &discovery.Entry{
		UID:        rec.UID,
		HostID:     c.cfg.HostID,
		Alias:      rec.Alias,
		PubKey:     rec.PubKey,
		Transports: rec.Transports,
	}
	if err := c.Discovery.Broadcast(entry); err != nil {
		log.Debug().Err(err).Msg("core: discovery broadcast failed")
	}
}

// RemoveIdentity removes uid from the store and closes every connection
// that referenced it, per §3/§8's removal cascade.
func (c *Core) RemoveIdentity(uid [cryptoops.UIDLen]byte) (bool, error) {
	removed, err := c.Identities.Remove(uid)
	if err != nil {
		return false, err
	}
	if removed {
		n := c.Loop.CloseIdentity(uid)
		log.Debug().Int("closed", n).Msg("core: identity removal cascade")
	}
	return removed, nil
}

// Close stops the event loop and releases sockets.
func (c *Core) Close() error {
	close(c.stop)
	if c.listener != nil {
		c.listener.Close()
	}
	if c.Discovery != nil {
		c.Discovery.Close()
	}
	c.wg.Wait()
	return nil
}
