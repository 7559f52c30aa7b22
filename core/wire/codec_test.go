package wire

import (
	"bytes"
	"testing"
)

func TestPreambleRoundTrip(t *testing.T) {
	p := EncodePreamble(ConnRelayControl)
	ct, err := DecodePreamble(p[:])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ct != ConnRelayControl {
		t.Fatalf("conn type = %v, want ConnRelayControl", ct)
	}
}

func TestPreambleRejectsBadMagic(t *testing.T) {
	p := []byte{'X', '.', 0x10}
	if _, err := DecodePreamble(p); err != ErrBadPreamble {
		t.Fatalf("expected ErrBadPreamble, got %v", err)
	}
}

func TestPreambleRejectsUnknownVersion(t *testing.T) {
	p := []byte{'W', '.', 0x20}
	if _, err := DecodePreamble(p); err != ErrUnsupportedVer {
		t.Fatalf("expected ErrUnsupportedVer, got %v", err)
	}
}

func TestPreambleRejectsUnknownType(t *testing.T) {
	p := []byte{'W', '.', 0x1F}
	if _, err := DecodePreamble(p); err != ErrUnknownConnType {
		t.Fatalf("expected ErrUnknownConnType, got %v", err)
	}
}

func TestFrameEncodeDecodeLength(t *testing.T) {
	payload := []byte("hello frame")
	framed, err := EncodeFrame(payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	length, ok := PeekFrameLength(framed)
	if !ok || length != len(payload) {
		t.Fatalf("peeked length = %d (ok=%v), want %d", length, ok, len(payload))
	}
	if !bytes.Equal(framed[2:], payload) {
		t.Fatalf("framed payload mismatch")
	}
}

func TestFrameTooLargeRejected(t *testing.T) {
	big := make([]byte, MaxFrameLen+1)
	if _, err := EncodeFrame(big); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestPeekFrameLengthNeedsTwoBytes(t *testing.T) {
	if _, ok := PeekFrameLength([]byte{0x01}); ok {
		t.Fatalf("expected ok=false with a single byte")
	}
}

func TestDocumentFitsSingleFrame(t *testing.T) {
	doc := EncodeDocument([]byte("small document"))
	var a DocumentAssembler
	docs, err := a.Feed(doc)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(docs) != 1 || !bytes.Equal(docs[0], doc) {
		t.Fatalf("expected one document round-tripped, got %d", len(docs))
	}
}

func TestDocumentSplitAcrossFrames(t *testing.T) {
	body := bytes.Repeat([]byte("x"), 500)
	doc := EncodeDocument(body)
	chunks := SplitDocument(doc, 64)
	if len(chunks) < 2 {
		t.Fatalf("expected the document to split into multiple chunks, got %d", len(chunks))
	}

	var a DocumentAssembler
	var got [][]byte
	for _, c := range chunks {
		docs, err := a.Feed(c)
		if err != nil {
			t.Fatalf("feed: %v", err)
		}
		got = append(got, docs...)
	}
	if len(got) != 1 || !bytes.Equal(got[0], doc) {
		t.Fatalf("reassembled document mismatch: got %d documents", len(got))
	}
}

func TestDocumentAssemblerHandlesMultipleDocumentsInOneFeed(t *testing.T) {
	d1 := EncodeDocument([]byte("first"))
	d2 := EncodeDocument([]byte("second"))
	combined := append(append([]byte{}, d1...), d2...)

	var a DocumentAssembler
	docs, err := a.Feed(combined)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(docs) != 2 || !bytes.Equal(docs[0], d1) || !bytes.Equal(docs[1], d2) {
		t.Fatalf("expected 2 documents split out, got %d", len(docs))
	}
}

func TestDocumentAssemblerRejectsUnreasonableLength(t *testing.T) {
	var a DocumentAssembler
	bogus := make([]byte, 4)
	bogus[0], bogus[1], bogus[2], bogus[3] = 0xff, 0xff, 0xff, 0x7f
	if _, err := a.Feed(bogus); err != ErrDocumentTooLarge {
		t.Fatalf("expected ErrDocumentTooLarge, got %v", err)
	}
}
