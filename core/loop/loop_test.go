package loop

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/gosuda/wishcore/core/conn"
	"github.com/gosuda/wishcore/core/cryptoops"
	"github.com/gosuda/wishcore/core/discovery"
	"github.com/gosuda/wishcore/core/identity"
	"github.com/gosuda/wishcore/core/manager"
	"github.com/gosuda/wishcore/core/relay"
	"github.com/gosuda/wishcore/core/resolver"
)

func newHarness(t *testing.T) *Loop {
	t.Helper()
	store := identity.Open(filepath.Join(t.TempDir(), "identities.db"))
	pool := conn.NewPool(4, 1024)
	mgr := manager.New(store, pool)
	res := resolver.New("127.0.0.1:1", time.Second)
	disc, err := discovery.Open(0)
	if err != nil {
		t.Fatalf("open discovery: %v", err)
	}
	t.Cleanup(func() { disc.Close() })
	return New(pool, res, mgr, disc)
}

func TestTickSurfacesExpiredSetupConnection(t *testing.T) {
	l := newHarness(t)
	var uid [cryptoops.UIDLen]byte
	c, err := l.Pool.Acquire(uid)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	now := time.Now()
	res := l.Tick(now.Add(conn.ConnectionSetupTimeout + time.Second))
	found := false
	for _, ec := range res.ExpiredSetup {
		if ec == c {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the aged slot to be reported as expired setup")
	}
}

func TestTickSurfacesStaleAndPingDue(t *testing.T) {
	l := newHarness(t)
	var uid [cryptoops.UIDLen]byte
	c, _ := l.Pool.Acquire(uid)
	c.AttachNetConn(nil)
	c.CompleteHandshake(uid, nil, nil)

	now := time.Now()
	res := l.Tick(now.Add(conn.PingInterval + time.Second))
	pingDue := false
	for _, pc := range res.NeedPing {
		if pc == c {
			pingDue = true
		}
	}
	if !pingDue {
		t.Fatalf("expected connection to need a ping after PingInterval")
	}

	res = l.Tick(now.Add(conn.PingTimeout + time.Second))
	stale := false
	for _, sc := range res.StaleConns {
		if sc == c {
			stale = true
		}
	}
	if !stale {
		t.Fatalf("expected connection to be reported stale after PingTimeout")
	}
}

func TestTickRunsManagerSweepWhenDue(t *testing.T) {
	l := newHarness(t)
	now := time.Now()
	if !l.Manager.DueForSweep(now) {
		t.Fatalf("expected the first sweep to be due")
	}
	res := l.Tick(now)
	_ = res // no contacts configured, so DialRequests may be empty
	if l.Manager.DueForSweep(now.Add(10 * time.Millisecond)) {
		t.Fatalf("expected Tick to have run the due sweep")
	}
}

func TestTickReportsRelayRedial(t *testing.T) {
	l := newHarness(t)
	var uid [cryptoops.UIDLen]byte
	rs := relay.NewSession(uid, "relay.example.com", 1)
	rs.BeginConnecting()
	l.Relays = append(l.Relays, rs)

	now := time.Now()
	l.Tick(now.Add(relay.ClientConnectTimeout + time.Second))
	res := l.Tick(now.Add(relay.ClientConnectTimeout + relay.ClientReconnectTimeout + 2*time.Second))

	if len(res.RedialRelays) != 1 || res.RedialRelays[0] != rs {
		t.Fatalf("expected the relay session to be reported for redial, got %d", len(res.RedialRelays))
	}
}

func TestCloseIdentityCascadesToConnections(t *testing.T) {
	l := newHarness(t)
	var local, remote [cryptoops.UIDLen]byte
	remote[0] = 0x09

	c, _ := l.Pool.Acquire(local)
	c.AttachNetConn(nil)
	c.CompleteHandshake(remote, nil, nil)

	n := l.CloseIdentity(remote)
	if n != 1 {
		t.Fatalf("expected 1 connection closed, got %d", n)
	}
}
