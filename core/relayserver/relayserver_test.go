package relayserver

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/gosuda/wishcore/core/cryptoops"
	"github.com/gosuda/wishcore/core/wire"
)

func TestRegistrationAssignsSessionID(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := New()
	go s.Serve(ln)
	defer s.Close()

	nc, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer nc.Close()

	p := wire.EncodePreamble(wire.ConnRelayControl)
	var uid [cryptoops.UIDLen]byte
	uid[0] = 0x42
	if _, err := nc.Write(append(p[:], uid[:]...)); err != nil {
		t.Fatalf("write: %v", err)
	}

	var sessID [SessionIDLen]byte
	if _, err := io.ReadFull(nc, sessID[:]); err != nil {
		t.Fatalf("read session id: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s.Registered(uid) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected uid to be registered")
}

func TestPunchSendsColonByte(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := New()
	go s.Serve(ln)
	defer s.Close()

	nc, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer nc.Close()

	p := wire.EncodePreamble(wire.ConnRelayControl)
	var uid [cryptoops.UIDLen]byte
	uid[0] = 0x7
	nc.Write(append(p[:], uid[:]...))

	var sessID [SessionIDLen]byte
	io.ReadFull(nc, sessID[:])

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !s.Registered(uid) {
		time.Sleep(5 * time.Millisecond)
	}

	if !s.Punch(uid) {
		t.Fatalf("expected punch to succeed for a registered uid")
	}

	nc.SetReadDeadline(time.Now().Add(time.Second))
	var b [1]byte
	if _, err := io.ReadFull(nc, b[:]); err != nil {
		t.Fatalf("read punch byte: %v", err)
	}
	if b[0] != ':' {
		t.Fatalf("expected ':' byte, got %q", b[0])
	}
}

func TestPunchUnknownUIDReturnsFalse(t *testing.T) {
	s := New()
	var uid [cryptoops.UIDLen]byte
	if s.Punch(uid) {
		t.Fatalf("expected punch to fail for an unregistered uid")
	}
}
