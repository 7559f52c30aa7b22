package manager

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/gosuda/wishcore/core/conn"
	"github.com/gosuda/wishcore/core/cryptoops"
	"github.com/gosuda/wishcore/core/identity"
)

func newTestStore(t *testing.T) *identity.Store {
	t.Helper()
	return identity.Open(filepath.Join(t.TempDir(), "identities.db"))
}

func TestParseTransportVariants(t *testing.T) {
	host, port, isIP, err := ParseTransport("wish://203.0.113.9:40000")
	if err != nil || host != "203.0.113.9" || port != 40000 || !isIP {
		t.Fatalf("wish:// ip transport: host=%q port=%d isIP=%v err=%v", host, port, isIP, err)
	}

	host, port, isIP, err = ParseTransport("relay.example.com:40000")
	if err != nil || host != "relay.example.com" || port != 40000 || isIP {
		t.Fatalf("bare hostname transport: host=%q port=%d isIP=%v err=%v", host, port, isIP, err)
	}
}

func TestSweepSkipsBannedAndDoNotConnect(t *testing.T) {
	store := newTestStore(t)
	pool := conn.NewPool(4, 1024)
	mgr := New(store, pool)

	local, err := store.CreateLocal("local", nil, "")
	if err != nil {
		t.Fatalf("create local: %v", err)
	}

	banned, _ := store.CreateLocal("banned-contact", nil, "wish://203.0.113.1:1")
	banned.HasPrivKey = false
	banned.Permissions = []byte("banned=true")
	store.Update(banned)

	disabled, _ := store.CreateLocal("no-connect", nil, "wish://203.0.113.2:1")
	disabled.HasPrivKey = false
	disabled.Meta = []byte("connect=false")
	store.Update(disabled)

	normal, _ := store.CreateLocal("normal-contact", nil, "wish://203.0.113.3:1")
	normal.HasPrivKey = false
	store.Update(normal)

	_ = local
	reqs := mgr.Sweep(time.Now())

	found := map[string]bool{}
	for _, r := range reqs {
		found[r.Host] = true
	}
	if found["203.0.113.1"] {
		t.Fatalf("expected banned contact to be skipped")
	}
	if found["203.0.113.2"] {
		t.Fatalf("expected do-not-connect contact to be skipped")
	}
	if !found["203.0.113.3"] {
		t.Fatalf("expected normal contact to produce a dial request")
	}
}

func TestSweepSkipsAlreadyConnectedPair(t *testing.T) {
	store := newTestStore(t)
	pool := conn.NewPool(4, 1024)
	mgr := New(store, pool)

	local, _ := store.CreateLocal("local", nil, "")
	contact, _ := store.CreateLocal("contact", nil, "wish://203.0.113.4:1")
	contact.HasPrivKey = false
	store.Update(contact)

	c, _ := pool.Acquire(local.UID)
	c.AttachNetConn(nil)
	c.CompleteHandshake(contact.UID, nil, nil)

	reqs := mgr.Sweep(time.Now())
	for _, r := range reqs {
		if r.RemoteUID == contact.UID {
			t.Fatalf("expected already-connected pair to be skipped")
		}
	}
}

func TestDueForSweepRespectsInterval(t *testing.T) {
	store := newTestStore(t)
	pool := conn.NewPool(4, 1024)
	mgr := New(store, pool)

	now := time.Now()
	if !mgr.DueForSweep(now) {
		t.Fatalf("expected first sweep to be due immediately")
	}
	mgr.Sweep(now)
	if mgr.DueForSweep(now.Add(100 * time.Millisecond)) {
		t.Fatalf("expected sweep not to be due before DialInterval elapses")
	}
	if !mgr.DueForSweep(now.Add(DialInterval + time.Millisecond)) {
		t.Fatalf("expected sweep to be due after DialInterval elapses")
	}
}
