package core

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/gosuda/wishcore/core/conn"
	"github.com/gosuda/wishcore/core/cryptoops"
	"github.com/gosuda/wishcore/core/identity"
	"github.com/gosuda/wishcore/core/wire"
)

// handshakeOutcome is handed from a per-connection handshake goroutine
// back to Run(), the only goroutine permitted to mutate Pool, once the
// blocking handshake I/O has finished one way or another.
type handshakeOutcome struct {
	nc net.Conn

	localUID     [cryptoops.UIDLen]byte
	remoteUID    [cryptoops.UIDLen]byte
	remoteHostID []byte
	remoteAlias  string
	session      *cryptoops.SessionKeys

	direction     conn.Direction
	friendRequest bool

	err error
}

// writeDocument frames body as a wishcore document (§4.2: a 4-byte
// little-endian self-declared length, split across frames if it would
// exceed one frame) and writes it to nc.
func writeDocument(nc net.Conn, body []byte) error {
	doc := wire.EncodeDocument(body)
	for _, chunk := range wire.SplitDocument(doc, wire.MaxFrameLen) {
		frame, err := wire.EncodeFrame(chunk)
		if err != nil {
			return err
		}
		if _, err := nc.Write(frame); err != nil {
			return err
		}
	}
	return nil
}

// readDocument reads frames off nc until DocumentAssembler has a whole
// document, mirroring the join/split logic the steady-state codec uses
// once a connection is established.
func readDocument(nc net.Conn) ([]byte, error) {
	var asm wire.DocumentAssembler
	for {
		var lb [2]byte
		if _, err := io.ReadFull(nc, lb[:]); err != nil {
			return nil, err
		}
		n := int(binary.BigEndian.Uint16(lb[:]))
		payload := make([]byte, n)
		if _, err := io.ReadFull(nc, payload); err != nil {
			return nil, err
		}
		docs, err := asm.Feed(payload)
		if err != nil {
			return nil, err
		}
		if len(docs) > 0 {
			return docs[0], nil
		}
	}
}

// encodeHandshakeEnvelope lays out the handshake document body: the
// fixed ephemeral+signature prefix cryptoops owns, then this node's host
// id, then its signed identity certificate, per §4.2 ("fixed-length
// random, fixed-length signature, plus a length-prefixed identity
// document signed by the long-term Ed25519 key").
func encodeHandshakeEnvelope(msg *cryptoops.HandshakeMessage, hostID []byte, cert *identity.SignedCert) []byte {
	out := msg.Encode()
	var lb [2]byte
	binary.LittleEndian.PutUint16(lb[:], uint16(len(hostID)))
	out = append(out, lb[:]...)
	out = append(out, hostID...)
	out = append(out, cert.Encode()...)
	return out
}

func decodeHandshakeEnvelope(b []byte) (*cryptoops.HandshakeMessage, []byte, *identity.SignedCert, error) {
	msg, err := cryptoops.DecodeHandshakeMessage(b)
	if err != nil {
		return nil, nil, nil, err
	}
	pos := cryptoops.HandshakeLen
	if pos+2 > len(b) {
		return nil, nil, nil, fmt.Errorf("core: handshake envelope: short host id length")
	}
	hlen := int(binary.LittleEndian.Uint16(b[pos : pos+2]))
	pos += 2
	if hlen < 0 || pos+hlen > len(b) {
		return nil, nil, nil, fmt.Errorf("core: handshake envelope: short host id")
	}
	hostID := append([]byte{}, b[pos:pos+hlen]...)
	pos += hlen

	cert, err := identity.DecodeSignedCert(b[pos:])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("core: handshake envelope: %w", err)
	}
	return msg, hostID, cert, nil
}

// runHandshake performs the full wire handshake (§4.2) over nc: preamble
// exchange (initiator writes it, the acceptor reads and classifies it),
// then a simultaneous exchange of {ephemeral X25519 key + Ed25519
// signature + host id + signed identity certificate}, verification of
// the peer's certificate and signature, and derivation of the steady
// -state session keys. Blocking throughout; must always run on its own
// goroutine, never on Run()'s.
func (c *Core) runHandshake(nc net.Conn, localUID [cryptoops.UIDLen]byte, initiator bool, dir conn.Direction, friendRequest bool) handshakeOutcome {
	out := handshakeOutcome{nc: nc, localUID: localUID, direction: dir, friendRequest: friendRequest}

	nc.SetDeadline(time.Now().Add(conn.ConnectionSetupTimeout))
	defer nc.SetDeadline(time.Time{})

	if initiator {
		ct := wire.ConnNormal
		if friendRequest {
			ct = wire.ConnFriendRequest
		}
		preamble := wire.EncodePreamble(ct)
		if _, err := nc.Write(preamble[:]); err != nil {
			out.err = fmt.Errorf("core: handshake: write preamble: %w", err)
			return out
		}
	} else {
		var pb [wire.PreambleLen]byte
		if _, err := io.ReadFull(nc, pb[:]); err != nil {
			out.err = fmt.Errorf("core: handshake: read preamble: %w", err)
			return out
		}
		ct, err := wire.DecodePreamble(pb[:])
		if err != nil {
			out.err = fmt.Errorf("core: handshake: %w", err)
			return out
		}
		if ct != wire.ConnNormal && ct != wire.ConnFriendRequest {
			out.err = fmt.Errorf("core: handshake: %w on listener socket", wire.ErrUnknownConnType)
			return out
		}
		out.friendRequest = ct == wire.ConnFriendRequest
	}

	local, err := c.Identities.Load(localUID)
	if err != nil {
		out.err = fmt.Errorf("core: handshake: load local identity: %w", err)
		return out
	}
	if !local.HasPrivKey {
		out.err = cryptoops.ErrNoPrivateKey
		return out
	}

	msg, ephPriv, err := cryptoops.MakeHandshakeMessage(c.rand, ed25519.PrivateKey(local.PrivKey[:]))
	if err != nil {
		out.err = fmt.Errorf("core: handshake: %w", err)
		return out
	}
	cert, err := c.Identities.BuildSignedCert(localUID, nil)
	if err != nil {
		out.err = fmt.Errorf("core: handshake: build certificate: %w", err)
		return out
	}

	writeErrCh := make(chan error, 1)
	go func() { writeErrCh <- writeDocument(nc, encodeHandshakeEnvelope(msg, c.cfg.HostID, cert)) }()

	peerBody, readErr := readDocument(nc)
	if writeErr := <-writeErrCh; writeErr != nil {
		out.err = fmt.Errorf("core: handshake: write: %w", writeErr)
		return out
	}
	if readErr != nil {
		out.err = fmt.Errorf("core: handshake: read: %w", readErr)
		return out
	}

	peerMsg, peerHostID, peerCert, err := decodeHandshakeEnvelope(peerBody)
	if err != nil {
		out.err = err
		return out
	}
	peerRecord, err := identity.FromSignedCert(peerCert.Data)
	if err != nil {
		out.err = fmt.Errorf("core: handshake: decode peer identity: %w", err)
		return out
	}
	if len(peerCert.Signatures) == 0 || !cryptoops.Verify(ed25519.PublicKey(peerRecord.PubKey[:]), peerCert.Data, nil, peerCert.Signatures[0].Sign) {
		out.err = cryptoops.ErrHandshakeAuthFailed
		return out
	}
	if !cryptoops.VerifyHandshakeMessage(ed25519.PublicKey(peerRecord.PubKey[:]), peerMsg) {
		out.err = cryptoops.ErrHandshakeAuthFailed
		return out
	}

	session, err := cryptoops.DeriveSessionKeys(ephPriv, peerMsg.Ephemeral, initiator)
	if err != nil {
		out.err = fmt.Errorf("core: handshake: %w", err)
		return out
	}

	out.remoteUID = peerRecord.UID
	out.remoteHostID = peerHostID
	out.remoteAlias = peerRecord.Alias
	out.session = session
	return out
}
