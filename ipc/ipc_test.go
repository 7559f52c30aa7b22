package ipc

import (
	"bytes"
	"testing"

	"github.com/gosuda/wishcore/core/wire"
)

func TestAcceptRejectsEncryptedType(t *testing.T) {
	var buf bytes.Buffer
	p := wire.EncodePreamble(wire.ConnIPCSecure)
	buf.Write(p[:])

	if _, err := Accept(&buf, &bytes.Buffer{}); err != ErrReservedType {
		t.Fatalf("expected ErrReservedType, got %v", err)
	}
}

func TestHandshakeAndDocumentRoundTrip(t *testing.T) {
	var wireBuf bytes.Buffer
	if err := WriteHandshake(&wireBuf); err != nil {
		t.Fatalf("write handshake: %v", err)
	}

	var wsid [WSIDLen]byte
	wsid[0] = 0x42
	firstDoc := append(append([]byte{}, wsid[:]...), []byte("hello")...)

	var out bytes.Buffer
	c, err := Accept(&wireBuf, &out)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	// simulate the app writing a framed document after the handshake
	var lb [2]byte
	lb[0], lb[1] = byte(len(firstDoc)>>8), byte(len(firstDoc))
	appStream := append(append([]byte{}, lb[:]...), firstDoc...)
	c2, err := Accept(bytes.NewReader(append(p(), appStream...)), &out)
	if err != nil {
		t.Fatalf("accept app stream: %v", err)
	}

	doc, err := c2.ReadDocument()
	if err != nil {
		t.Fatalf("read document: %v", err)
	}
	if !bytes.Equal(doc, firstDoc) {
		t.Fatalf("document mismatch")
	}
	gotWSID, ok := c2.WSID()
	if !ok || gotWSID != wsid {
		t.Fatalf("wsid not captured correctly")
	}

	if err := c.WriteDocument([]byte("reply")); err != nil {
		t.Fatalf("write document: %v", err)
	}
}

func p() []byte {
	pr := wire.EncodePreamble(wire.ConnIPCPlain)
	return pr[:]
}

func TestReadDocumentRejectsShortFirstDocument(t *testing.T) {
	var out bytes.Buffer
	short := []byte("x")
	var lb [2]byte
	lb[0], lb[1] = byte(len(short)>>8), byte(len(short))
	stream := append(append(p(), lb[:]...), short...)

	c, err := Accept(bytes.NewReader(stream), &out)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := c.ReadDocument(); err != ErrFirstDocShort {
		t.Fatalf("expected ErrFirstDocShort, got %v", err)
	}
}
