// Package relay implements the relay-client control protocol (component
// G): the state machine a node runs against a rendezvous relay server to
// register for NAT punching and receive inbound connection requests.
package relay

import (
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/wishcore/core/cryptoops"
	"github.com/gosuda/wishcore/core/ring"
	"github.com/gosuda/wishcore/core/wire"
)

// State is the relay-client control-connection state, per
// wish_relay_client.c's curr_state.
type State int

const (
	StateInitial State = iota
	StateResolving
	StateConnecting
	StateOpen
	StateReadSessionID
	StateWait
	StateClosing
	StateWaitReconnect
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "INITIAL"
	case StateResolving:
		return "RESOLVING"
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateReadSessionID:
		return "READ_SESSION_ID"
	case StateWait:
		return "WAIT"
	case StateClosing:
		return "CLOSING"
	case StateWaitReconnect:
		return "WAIT_RECONNECT"
	default:
		return "UNKNOWN"
	}
}

// SessionIDLen is the relay server's session id length, per
// RELAY_SESSION_ID_LEN.
const SessionIDLen = 10

// Timeouts. The original leaves these as configuration constants
// (RELAY_SERVER_TIMEOUT, RELAY_CLIENT_RECONNECT_TIMEOUT,
// RELAY_CLIENT_CONNECT_TIMEOUT) without fixing values in the distilled
// spec; wishcore picks concrete durations consistent with the
// conn package's PingTimeout/ConnectionSetupTimeout scale.
const (
	ServerTimeout          = 90 * time.Second
	ClientReconnectTimeout = 10 * time.Second
	ClientConnectTimeout   = 20 * time.Second
	KeepaliveInterval      = 10 * time.Second
)

// PunchRequest is delivered to the caller when the relay server signals
// an inbound connection attempt (the ':' byte). The caller is
// responsible for dialing (directly or via DNS) and, once connected,
// writing SessionID as the very first bytes on the new socket before
// the normal wire preamble/handshake.
type PunchRequest struct {
	SessionID [SessionIDLen]byte
}

// Session tracks one relay-client control connection for one local UID.
type Session struct {
	UID  [cryptoops.UIDLen]byte
	Host string
	Port int

	state     State
	sessionID [SessionIDLen]byte

	rx           *ring.Buffer
	lastInputAt  time.Time
	connectStart time.Time
	waitStart    time.Time
}

// NewSession creates a relay-client session in the INITIAL state for the
// given local identity and relay server host:port.
func NewSession(uid [cryptoops.UIDLen]byte, host string, port int) *Session {
	return &Session{
		UID:  uid,
		Host: host,
		Port: port,
		rx:   ring.New(4096),
	}
}

func (s *Session) State() State { return s.state }

// SessionID returns the session id assigned by the server, valid once
// State() has reached StateWait or later.
func (s *Session) SessionID() [SessionIDLen]byte { return s.sessionID }

// BeginResolving moves INITIAL -> RESOLVING, to be called once a DNS
// lookup for Host has been started (skipped entirely by the caller if
// Host already parses as a dotted-quad, going straight to Connecting).
func (s *Session) BeginResolving() {
	if s.state == StateInitial {
		s.state = StateResolving
	}
}

// BeginConnecting moves RESOLVING/INITIAL -> CONNECTING, to be called
// once a dial has been started.
func (s *Session) BeginConnecting() {
	s.state = StateConnecting
	s.connectStart = time.Now()
}

// Opened moves CONNECTING through OPEN to READ_SESSION_ID, to be called
// once the TCP connection completes. It returns the bytes the caller
// must write immediately:
// the 3-byte relay-control preamble followed by the 32-byte UID being
// relayed for.
func (s *Session) Opened() []byte {
	s.state = StateOpen
	preamble := wire.EncodePreamble(wire.ConnRelayControl)
	out := make([]byte, 0, wire.PreambleLen+cryptoops.UIDLen)
	out = append(out, preamble[:]...)
	out = append(out, s.UID[:]...)
	s.state = StateReadSessionID
	s.lastInputAt = time.Now()
	return out
}

// Feed appends bytes read from the relay socket and advances the state
// machine as far as the buffered data allows. Returns any punch requests
// that became ready to act on.
func (s *Session) Feed(data []byte) []PunchRequest {
	s.rx.Write(data)
	s.lastInputAt = time.Now()

	var punches []PunchRequest
	for {
		switch s.state {
		case StateReadSessionID:
			if s.rx.Length() < SessionIDLen {
				return punches
			}
			s.rx.Read(s.sessionID[:])
			s.state = StateWait
			s.waitStart = time.Now()
			log.Debug().Str("host", s.Host).Msg("relay: session established")
			continue

		case StateWait:
			if s.rx.Length() < 1 {
				return punches
			}
			var b [1]byte
			s.rx.Read(b[:])
			switch b[0] {
			case '.':
				// Keepalive: already recorded via lastInputAt above.
			case ':':
				punches = append(punches, PunchRequest{SessionID: s.sessionID})
			default:
				log.Warn().Uint8("byte", b[0]).Msg("relay: unexpected byte in WAIT state")
			}
			continue

		default:
			return punches
		}
	}
}

// CheckTimeouts advances the state machine based on wall-clock time
// alone (no new bytes), mirroring wish_relay_client_periodic's timeout
// switch. Returns true if the session transitioned to INITIAL and should
// be redialed by the caller.
func (s *Session) CheckTimeouts(now time.Time) (shouldRedial bool) {
	switch s.state {
	case StateConnecting:
		if now.Sub(s.connectStart) > ClientConnectTimeout {
			s.toWaitReconnect(now)
		}
	case StateWait, StateReadSessionID, StateOpen:
		if now.Sub(s.lastInputAt) > ServerTimeout {
			s.toWaitReconnect(now)
		}
	case StateWaitReconnect:
		if now.Sub(s.lastInputAt) > ClientReconnectTimeout {
			s.state = StateInitial
			return true
		}
	}
	return false
}

func (s *Session) toWaitReconnect(now time.Time) {
	s.state = StateWaitReconnect
	s.lastInputAt = now
	s.rx.Reset()
}

// NeedsKeepalive reports whether the caller should expect (not send —
// the server drives keepalives in this protocol) a '.' byte soon; kept
// for symmetry with conn.Conn.NeedsPing and used only for diagnostics.
func (s *Session) NeedsKeepalive(now time.Time) bool {
	return s.state == StateWait && now.Sub(s.lastInputAt) >= KeepaliveInterval
}

// ParseRelayAddr splits a "host:port" relay transport string, returning
// the IP directly if host is a dotted-quad (skipping DNS resolution
// entirely) or the bare hostname otherwise.
func ParseRelayAddr(hostport string) (host string, port int, isIP bool, err error) {
	h, p, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", 0, false, err
	}
	port, err = net.LookupPort("tcp", p)
	if err != nil {
		return "", 0, false, err
	}
	return h, port, net.ParseIP(h) != nil, nil
}
