// Package resolver implements the asynchronous DNS resolver (component
// E): a single-threaded, cooperative hostname lookup queue polled from
// the event loop, so that a slow or hung nameserver never blocks
// connection or relay progress.
package resolver

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog/log"
)

// DefaultTimeout is how long a lookup may run before it is abandoned and
// reported as failed, per §4.5.
const DefaultTimeout = 30 * time.Second

// Owner identifies who started a lookup, so it can later be cancelled in
// bulk (e.g. a connection going away before its resolve completes).
// Connection and relay-session owners are mutually exclusive by
// construction: a lookup is always started on behalf of exactly one of
// them, never both, so no runtime tag is needed beyond this marker.
type Owner interface {
	resolverOwner()
}

// Tag is a ready-made Owner for callers outside this package: Owner's
// method is unexported so arbitrary types can't satisfy it by accident,
// but a caller that just wants to correlate a Start call with its later
// Result (rather than tagging an existing domain type) can mint a Tag.
type Tag uint64

func (Tag) resolverOwner() {}

// Result is delivered through PollAll once a lookup finishes, succeeds
// or times out.
type Result struct {
	Owner    Owner
	Hostname string
	Addrs    []net.IP
	Err      error
}

type pending struct {
	owner    Owner
	hostname string
	cancel   context.CancelFunc
	done     chan struct{}
	result   Result
}

// Resolver runs DNS lookups on background goroutines (the only
// concession to "cooperative, single-threaded" Go can't avoid — network
// I/O must happen off the event-loop goroutine) but only ever hands
// results back to the caller synchronously, from PollAll, so that all
// state mutation in the rest of wishcore still happens on one goroutine.
type Resolver struct {
	client *dns.Client
	server string // "ip:port" of the resolver to query, e.g. system resolver

	mu      sync.Mutex
	pending map[*pending]struct{}
	ready   []Result
}

// NewFromResolvConf builds a Resolver targeting the first nameserver
// listed in /etc/resolv.conf, the system-configured resolver wishcore
// queries in production.
func NewFromResolvConf(timeout time.Duration) (*Resolver, error) {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return nil, err
	}
	if len(cfg.Servers) == 0 {
		return nil, &net.DNSError{Err: "no nameservers configured"}
	}
	return New(net.JoinHostPort(cfg.Servers[0], cfg.Port), timeout), nil
}

// New returns a Resolver that queries server (e.g. "8.8.8.8:53") using
// the given per-query timeout.
func New(server string, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Resolver{
		client:  &dns.Client{Timeout: timeout},
		server:  server,
		pending: make(map[*pending]struct{}),
	}
}

// Start begins resolving hostname on behalf of owner. It is non-blocking:
// the lookup runs on its own goroutine and the result surfaces on a
// later PollAll call. hostname may already be a dotted-quad literal, in
// which case the lookup resolves immediately without touching the wire.
func (r *Resolver) Start(owner Owner, hostname string) {
	if ip := net.ParseIP(hostname); ip != nil {
		r.mu.Lock()
		r.ready = append(r.ready, Result{Owner: owner, Hostname: hostname, Addrs: []net.IP{ip}})
		r.mu.Unlock()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	p := &pending{owner: owner, hostname: hostname, cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	r.pending[p] = struct{}{}
	r.mu.Unlock()

	go r.resolve(ctx, p)
}

func (r *Resolver) resolve(ctx context.Context, p *pending) {
	addrs, err := r.lookup(ctx, p.hostname)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, stillPending := r.pending[p]; !stillPending {
		// Cancelled before it finished; drop the result silently.
		return
	}
	delete(r.pending, p)
	r.ready = append(r.ready, Result{Owner: p.owner, Hostname: p.hostname, Addrs: addrs, Err: err})
}

func (r *Resolver) lookup(ctx context.Context, hostname string) ([]net.IP, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(hostname), dns.TypeA)
	m.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, m, r.server)
	if err != nil {
		return nil, err
	}

	var addrs []net.IP
	for _, ans := range in.Answer {
		if a, ok := ans.(*dns.A); ok {
			addrs = append(addrs, a.A)
		}
	}
	if len(addrs) == 0 {
		return nil, &net.DNSError{Err: "no A records", Name: hostname}
	}
	return addrs, nil
}

// PollAll drains and returns every lookup that has finished (or timed
// out) since the last call. It never blocks.
func (r *Resolver) PollAll() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ready) == 0 {
		return nil
	}
	out := r.ready
	r.ready = nil
	return out
}

// CancelByOwner abandons every in-flight lookup started by owner. Any
// result that arrives afterwards for that owner is discarded rather than
// surfaced through PollAll, since by the time it fails or completes
// nothing references it any more (the connection or relay session that
// started it is gone per §4.5/§4.9).
func (r *Resolver) CancelByOwner(owner Owner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for p := range r.pending {
		if p.owner == owner {
			p.cancel()
			delete(r.pending, p)
		}
	}
	log.Debug().Interface("owner", owner).Msg("resolver: cancelled pending lookups for owner")
}

// Pending reports how many lookups are currently in flight, used by
// tests.
func (r *Resolver) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
