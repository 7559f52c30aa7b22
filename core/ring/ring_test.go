package ring

import (
	"bytes"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	b := New(16)
	n := b.Write([]byte("hello"))
	if n != 5 {
		t.Fatalf("write returned %d, want 5", n)
	}
	if b.Length() != 5 {
		t.Fatalf("length = %d, want 5", b.Length())
	}

	out := make([]byte, 5)
	n = b.Read(out)
	if n != 5 || !bytes.Equal(out, []byte("hello")) {
		t.Fatalf("read = %q (n=%d), want hello", out[:n], n)
	}
	if b.Length() != 0 {
		t.Fatalf("length after full read = %d, want 0", b.Length())
	}
}

func TestWriteShortOnOverflow(t *testing.T) {
	b := New(4)
	n := b.Write([]byte("hello"))
	if n != 4 {
		t.Fatalf("write returned %d, want short count 4", n)
	}
	if b.Space() != 0 {
		t.Fatalf("space = %d, want 0", b.Space())
	}
}

func TestReadShortWhenUnderLength(t *testing.T) {
	b := New(8)
	b.Write([]byte("ab"))
	out := make([]byte, 5)
	n := b.Read(out)
	if n != 2 {
		t.Fatalf("read returned %d, want short count 2", n)
	}
}

func TestPeekDoesNotConsume(t *testing.T) {
	b := New(8)
	b.Write([]byte("xy"))
	out := make([]byte, 2)
	n := b.Peek(out)
	if n != 2 || !bytes.Equal(out, []byte("xy")) {
		t.Fatalf("peek = %q (n=%d)", out[:n], n)
	}
	if b.Length() != 2 {
		t.Fatalf("peek must not consume, length = %d", b.Length())
	}
}

func TestWrapAround(t *testing.T) {
	b := New(4)
	b.Write([]byte("ab"))
	out := make([]byte, 1)
	b.Read(out) // consume 'a', head advances, freeing space at the front
	b.Write([]byte("cd"))
	rest := make([]byte, 3)
	n := b.Read(rest)
	if n != 3 || string(rest[:n]) != "bcd" {
		t.Fatalf("wrap-around read = %q (n=%d), want bcd", rest[:n], n)
	}
}

func TestSkip(t *testing.T) {
	b := New(8)
	b.Write([]byte("abcdef"))
	n := b.Skip(3)
	if n != 3 {
		t.Fatalf("skip returned %d, want 3", n)
	}
	out := make([]byte, 3)
	b.Read(out)
	if string(out) != "def" {
		t.Fatalf("after skip, read = %q, want def", out)
	}
}
