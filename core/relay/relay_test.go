package relay

import (
	"testing"
	"time"

	"github.com/gosuda/wishcore/core/cryptoops"
)

func TestOpenedEmitsPreambleAndUID(t *testing.T) {
	var uid [cryptoops.UIDLen]byte
	uid[0] = 0xAB
	s := NewSession(uid, "relay.example.com", 40000)
	s.BeginConnecting()

	out := s.Opened()
	if len(out) != 3+cryptoops.UIDLen {
		t.Fatalf("opened output len = %d, want %d", len(out), 3+cryptoops.UIDLen)
	}
	if out[0] != 'W' || out[1] != '.' {
		t.Fatalf("bad preamble bytes: %v", out[:2])
	}
	if s.State() != StateReadSessionID {
		t.Fatalf("state after Opened = %v, want READ_SESSION_ID", s.State())
	}
}

func TestFeedReadsSessionIDThenKeepalive(t *testing.T) {
	var uid [cryptoops.UIDLen]byte
	s := NewSession(uid, "r", 1)
	s.BeginConnecting()
	s.Opened()

	sessID := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	punches := s.Feed(sessID)
	if len(punches) != 0 {
		t.Fatalf("expected no punches from session-id bytes")
	}
	if s.State() != StateWait {
		t.Fatalf("state after session id = %v, want WAIT", s.State())
	}
	if s.SessionID() != ([SessionIDLen]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}) {
		t.Fatalf("session id mismatch: %v", s.SessionID())
	}

	punches = s.Feed([]byte{'.'})
	if len(punches) != 0 {
		t.Fatalf("keepalive must not produce a punch request")
	}
}

func TestFeedPunchByte(t *testing.T) {
	var uid [cryptoops.UIDLen]byte
	s := NewSession(uid, "r", 1)
	s.BeginConnecting()
	s.Opened()
	s.Feed([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})

	punches := s.Feed([]byte{':'})
	if len(punches) != 1 {
		t.Fatalf("expected one punch request, got %d", len(punches))
	}
	if punches[0].SessionID != s.SessionID() {
		t.Fatalf("punch session id mismatch")
	}
}

func TestFeedHandlesSessionIDAndPunchInOneCall(t *testing.T) {
	var uid [cryptoops.UIDLen]byte
	s := NewSession(uid, "r", 1)
	s.BeginConnecting()
	s.Opened()

	combined := append([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, ':')
	punches := s.Feed(combined)
	if len(punches) != 1 {
		t.Fatalf("expected one punch request from combined feed, got %d", len(punches))
	}
}

func TestCheckTimeoutsConnectingExpires(t *testing.T) {
	var uid [cryptoops.UIDLen]byte
	s := NewSession(uid, "r", 1)
	s.BeginConnecting()

	future := s.connectStart.Add(ClientConnectTimeout + time.Second)
	s.CheckTimeouts(future)
	if s.State() != StateWaitReconnect {
		t.Fatalf("expected WAIT_RECONNECT after connect timeout, got %v", s.State())
	}
}

func TestCheckTimeoutsWaitReconnectRevertsToInitial(t *testing.T) {
	var uid [cryptoops.UIDLen]byte
	s := NewSession(uid, "r", 1)
	s.BeginConnecting()
	now := s.connectStart
	s.CheckTimeouts(now.Add(ClientConnectTimeout + time.Second))

	redial := s.CheckTimeouts(now.Add(ClientConnectTimeout + ClientReconnectTimeout + 2*time.Second))
	if !redial {
		t.Fatalf("expected redial=true once reconnect timeout elapses")
	}
	if s.State() != StateInitial {
		t.Fatalf("expected INITIAL, got %v", s.State())
	}
}

func TestCheckTimeoutsServerTimeoutFromWait(t *testing.T) {
	var uid [cryptoops.UIDLen]byte
	s := NewSession(uid, "r", 1)
	s.BeginConnecting()
	s.Opened()
	s.Feed([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})

	future := s.lastInputAt.Add(ServerTimeout + time.Second)
	s.CheckTimeouts(future)
	if s.State() != StateWaitReconnect {
		t.Fatalf("expected WAIT_RECONNECT after server timeout, got %v", s.State())
	}
}

func TestParseRelayAddrDetectsIPLiteral(t *testing.T) {
	host, port, isIP, err := ParseRelayAddr("203.0.113.5:40000")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !isIP || host != "203.0.113.5" || port != 40000 {
		t.Fatalf("got host=%q port=%d isIP=%v", host, port, isIP)
	}
}

func TestParseRelayAddrDetectsHostname(t *testing.T) {
	_, _, isIP, err := ParseRelayAddr("relay.example.com:40000")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if isIP {
		t.Fatalf("expected isIP=false for a hostname")
	}
}
