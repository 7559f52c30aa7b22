// Package ring implements the fixed-capacity byte FIFO (component A)
// used to assemble per-connection receive data so the wire codec can
// operate across arbitrary TCP read boundaries.
package ring

// Buffer is a fixed-capacity circular byte FIFO. It is not safe for
// concurrent use; each connection owns exactly one Buffer, operated from
// the single event-loop goroutine.
type Buffer struct {
	data  []byte
	head  int // next byte to read
	count int // number of valid bytes currently stored
}

// New allocates a Buffer with the given fixed capacity.
func New(capacity int) *Buffer {
	return &Buffer{data: make([]byte, capacity)}
}

// Cap returns the fixed capacity of the buffer.
func (b *Buffer) Cap() int { return len(b.data) }

// Length returns the number of unread bytes currently stored.
func (b *Buffer) Length() int { return b.count }

// Space returns the number of additional bytes that can be written
// before the buffer is full.
func (b *Buffer) Space() int { return len(b.data) - b.count }

// Write appends p to the buffer, returning a short count if there isn't
// enough space for all of p.
func (b *Buffer) Write(p []byte) int {
	n := len(p)
	if n > b.Space() {
		n = b.Space()
	}
	tail := (b.head + b.count) % len(b.data)
	for i := 0; i < n; i++ {
		b.data[(tail+i)%len(b.data)] = p[i]
	}
	b.count += n
	return n
}

// Read copies up to len(p) unread bytes into p and consumes them,
// returning a short count if fewer bytes are available.
func (b *Buffer) Read(p []byte) int {
	n := b.Peek(p)
	b.Skip(n)
	return n
}

// Peek copies up to len(p) unread bytes into p without consuming them.
func (b *Buffer) Peek(p []byte) int {
	n := len(p)
	if n > b.count {
		n = b.count
	}
	for i := 0; i < n; i++ {
		p[i] = b.data[(b.head+i)%len(b.data)]
	}
	return n
}

// Skip discards up to n unread bytes, returning the number actually
// discarded.
func (b *Buffer) Skip(n int) int {
	if n > b.count {
		n = b.count
	}
	b.head = (b.head + n) % len(b.data)
	b.count -= n
	return n
}

// Reset discards all buffered data.
func (b *Buffer) Reset() {
	b.head = 0
	b.count = 0
}
