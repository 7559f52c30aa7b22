// Package relayserver implements the server side of the relay-client
// control protocol (core/relay implements the client side, component
// G). Only the client-facing wire bytes spec.md actually names are
// implemented here: the 3-byte preamble + 32-byte UID registration, the
// assigned 10-byte session id, and the steady-state '.'/':'
// single-byte status stream. spec.md does not specify how a third
// party asks the server to punch a given UID (that negotiation belongs
// to an external rendezvous protocol outside this core's scope), so this
// package exposes punching as a Go method (Server.Punch) rather than
// inventing an unspecified wire message for it — see DESIGN.md.
package relayserver

import (
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/wishcore/core/cryptoops"
	"github.com/gosuda/wishcore/core/wire"
)

// SessionIDLen matches core/relay.SessionIDLen.
const SessionIDLen = 10

// KeepaliveInterval is how often the server emits '.' to a registered
// control connection, matching core/relay.KeepaliveInterval.
const KeepaliveInterval = 10 * time.Second

type registration struct {
	uid  [cryptoops.UIDLen]byte
	conn net.Conn
	id   [SessionIDLen]byte
}

// Server accepts relay-control registrations and keeps a keepalive
// stream flowing to each.
type Server struct {
	mu    sync.Mutex
	byUID map[[cryptoops.UIDLen]byte]*registration

	ln net.Listener
}

// New returns an unstarted Server.
func New() *Server {
	return &Server{byUID: make(map[[cryptoops.UIDLen]byte]*registration)}
}

// Serve accepts connections on ln until it is closed. Each accepted
// connection is expected to open with the relay-control preamble
// (type 6) followed by a 32-byte UID; anything else is rejected and the
// connection closed.
func (s *Server) Serve(ln net.Listener) error {
	s.ln = ln
	for {
		nc, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handle(nc)
	}
}

func (s *Server) handle(nc net.Conn) {
	var p [wire.PreambleLen]byte
	if _, err := io.ReadFull(nc, p[:]); err != nil {
		nc.Close()
		return
	}
	ct, err := wire.DecodePreamble(p[:])
	if err != nil || ct != wire.ConnRelayControl {
		log.Debug().Err(err).Msg("relayserver: rejecting non-relay-control connection")
		nc.Close()
		return
	}

	var uid [cryptoops.UIDLen]byte
	if _, err := io.ReadFull(nc, uid[:]); err != nil {
		nc.Close()
		return
	}

	reg := &registration{uid: uid, conn: nc}
	if _, err := rand.Read(reg.id[:]); err != nil {
		nc.Close()
		return
	}

	s.mu.Lock()
	if old, exists := s.byUID[uid]; exists {
		old.conn.Close()
	}
	s.byUID[uid] = reg
	s.mu.Unlock()

	if _, err := nc.Write(reg.id[:]); err != nil {
		s.forget(reg)
		nc.Close()
		return
	}
	log.Info().Str("uid", fmt.Sprintf("%x", uid[:4])).Msg("relayserver: client registered")

	s.keepaliveLoop(reg)
}

func (s *Server) keepaliveLoop(reg *registration) {
	ticker := time.NewTicker(KeepaliveInterval)
	defer ticker.Stop()
	defer s.forget(reg)
	defer reg.conn.Close()

	// A background reader drains (and discards) anything the client
	// sends on this channel — in steady state it sends nothing, but a
	// closed/reset socket must still be detected.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		var buf [64]byte
		for {
			if _, err := reg.conn.Read(buf[:]); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-ticker.C:
			if _, err := reg.conn.Write([]byte{'.'}); err != nil {
				return
			}
		}
	}
}

func (s *Server) forget(reg *registration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.byUID[reg.uid]; ok && cur == reg {
		delete(s.byUID, reg.uid)
	}
}

// Punch sends the ':' inbound-connection-attempt byte to uid's
// registered control connection, if any, signalling it that a peer
// wants to reach it through this relay. Returns false if uid has no
// active registration.
func (s *Server) Punch(uid [cryptoops.UIDLen]byte) bool {
	s.mu.Lock()
	reg, ok := s.byUID[uid]
	s.mu.Unlock()
	if !ok {
		return false
	}
	_, err := reg.conn.Write([]byte{':'})
	return err == nil
}

// Registered reports whether uid currently has an active control
// connection.
func (s *Server) Registered(uid [cryptoops.UIDLen]byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byUID[uid]
	return ok
}

// Close closes the listener and every registered control connection.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, reg := range s.byUID {
		reg.conn.Close()
	}
	s.byUID = make(map[[cryptoops.UIDLen]byte]*registration)
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}
