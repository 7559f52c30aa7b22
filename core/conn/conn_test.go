package conn

import (
	"testing"
	"time"

	"github.com/gosuda/wishcore/core/cryptoops"
)

func uidOf(b byte) [cryptoops.UIDLen]byte {
	var u [cryptoops.UIDLen]byte
	u[0] = b
	return u
}

func TestAcquireTransitionsToInMakingResolving(t *testing.T) {
	p := NewPool(4, 1024)
	c, err := p.Acquire(uidOf(1))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if c.State != StateInMaking || c.Substate != SubResolving {
		t.Fatalf("state=%v substate=%v, want IN_MAKING/RESOLVING", c.State, c.Substate)
	}
}

func TestPoolFullReturnsError(t *testing.T) {
	p := NewPool(1, 1024)
	if _, err := p.Acquire(uidOf(1)); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := p.Acquire(uidOf(2)); err != ErrPoolFull {
		t.Fatalf("expected ErrPoolFull, got %v", err)
	}
}

func TestCloseReturnsSlotToFree(t *testing.T) {
	p := NewPool(2, 1024)
	c, _ := p.Acquire(uidOf(1))
	slot := c.Slot
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if c.State != StateFree {
		t.Fatalf("state after close = %v, want FREE", c.State)
	}
	// The freed slot must be reusable.
	c2, err := p.Acquire(uidOf(2))
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if c2.Slot != slot {
		t.Fatalf("expected reacquire to reuse slot %d, got %d", slot, c2.Slot)
	}
}

func TestCompleteHandshakeMarksConnected(t *testing.T) {
	p := NewPool(1, 1024)
	c, _ := p.Acquire(uidOf(1))
	c.AttachNetConn(nil)
	if c.Substate != SubWireHandshake {
		t.Fatalf("expected WIRE_HANDSHAKE after attaching net conn")
	}
	c.CompleteHandshake(uidOf(9), []byte{0x01, 0x02}, nil)
	if c.State != StateConnected {
		t.Fatalf("expected CONNECTED after handshake, got %v", c.State)
	}
}

func TestNeedsPingAndStale(t *testing.T) {
	p := NewPool(1, 1024)
	c, _ := p.Acquire(uidOf(1))
	c.AttachNetConn(nil)
	c.CompleteHandshake(uidOf(9), nil, nil)

	now := time.Now()
	if c.NeedsPing(now) {
		t.Fatalf("freshly connected slot should not need a ping yet")
	}
	future := now.Add(PingInterval + time.Second)
	if !c.NeedsPing(future) {
		t.Fatalf("expected ping to be due after PingInterval")
	}

	farFuture := now.Add(PingTimeout + time.Second)
	if !c.Stale(farFuture) {
		t.Fatalf("expected connection to be stale after PingTimeout with no traffic")
	}
}

func TestCloseAllForUID(t *testing.T) {
	p := NewPool(3, 1024)
	target := uidOf(5)

	c1, _ := p.Acquire(uidOf(1))
	c1.AttachNetConn(nil)
	c1.CompleteHandshake(target, nil, nil)

	c2, _ := p.Acquire(uidOf(2))
	c2.AttachNetConn(nil)
	c2.CompleteHandshake(uidOf(6), nil, nil)

	n := p.CloseAllForUID(target)
	if n != 1 {
		t.Fatalf("expected 1 connection closed, got %d", n)
	}
	if c1.State != StateFree {
		t.Fatalf("expected matching connection to be freed")
	}
	if c2.State != StateConnected {
		t.Fatalf("expected unrelated connection to remain connected")
	}
}

func TestReconcileParallelLowerLocalHostIDCloses(t *testing.T) {
	p := NewPool(3, 1024)
	local, remote := uidOf(1), uidOf(2)
	remoteHostID := []byte{0x05}

	a, _ := p.Acquire(local)
	a.AttachNetConn(nil)
	a.CompleteHandshake(remote, remoteHostID, nil)

	b, _ := p.Acquire(local)
	b.AttachNetConn(nil)
	b.CompleteHandshake(remote, remoteHostID, nil)

	// Our own host id (0x01) sorts lower than the remote's (0x05), so
	// this side is the one responsible for closing its own duplicate.
	p.ReconcileParallel([]byte{0x01})

	if a.State != StateConnected {
		t.Fatalf("expected the first-established connection to survive")
	}
	if b.State != StateFree {
		t.Fatalf("expected the duplicate connection to be closed")
	}
}

func TestReconcileParallelHigherLocalHostIDLeavesBothForPeerToClose(t *testing.T) {
	p := NewPool(3, 1024)
	local, remote := uidOf(1), uidOf(2)
	remoteHostID := []byte{0x01}

	a, _ := p.Acquire(local)
	a.AttachNetConn(nil)
	a.CompleteHandshake(remote, remoteHostID, nil)

	b, _ := p.Acquire(local)
	b.AttachNetConn(nil)
	b.CompleteHandshake(remote, remoteHostID, nil)

	// Our own host id (0x05) sorts higher, so the remote peer is
	// responsible for closing its side; we leave both slots alone.
	p.ReconcileParallel([]byte{0x05})

	if a.State != StateConnected || b.State != StateConnected {
		t.Fatalf("expected both connections to remain until the peer closes its side")
	}
}

func TestFindByRemoteUID(t *testing.T) {
	p := NewPool(2, 1024)
	c, _ := p.Acquire(uidOf(1))
	c.AttachNetConn(nil)
	c.CompleteHandshake(uidOf(7), nil, nil)

	if p.FindByRemoteUID(uidOf(7)) != c {
		t.Fatalf("expected to find the connected slot by remote uid")
	}
	if p.FindByRemoteUID(uidOf(8)) != nil {
		t.Fatalf("expected no match for an unknown uid")
	}
}
