// Package ring implements a fixed-capacity byte circular buffer.
//
// Writes are all-or-nothing: a record split across several slices is
// either stored completely or not at all, so a reader never observes a
// partially written record.
package ring

// Buffer is not safe for concurrent use.
type Buffer struct {
	data []byte
	head int // index of the oldest byte
	size int
}

// New wraps storage. The buffer's capacity is len(storage).
func New(storage []byte) *Buffer {
	return &Buffer{data: storage}
}

func (b *Buffer) Cap() int  { return len(b.data) }
func (b *Buffer) Len() int  { return b.size }
func (b *Buffer) Free() int { return len(b.data) - b.size }

// Write appends every part or none of them.
func (b *Buffer) Write(parts ...[]byte) bool {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	if total > b.Free() {
		return false
	}
	if total == 0 {
		return true
	}
	for _, p := range parts {
		tail := (b.head + b.size) % len(b.data)
		n := copy(b.data[tail:], p)
		copy(b.data, p[n:])
		b.size += len(p)
	}
	return true
}

// Peek copies up to len(p) of the oldest bytes without consuming them.
func (b *Buffer) Peek(p []byte) int {
	n := min(len(p), b.size)
	if n == 0 {
		return 0
	}
	first := copy(p[:n], b.data[b.head:])
	copy(p[first:n], b.data)
	return n
}

// Consume discards the n oldest bytes.
func (b *Buffer) Consume(n int) {
	if n > b.size {
		n = b.size
	}
	if len(b.data) > 0 {
		b.head = (b.head + n) % len(b.data)
	}
	b.size -= n
	if b.size == 0 {
		b.head = 0
	}
}

// Read is Peek followed by Consume.
func (b *Buffer) Read(p []byte) int {
	n := b.Peek(p)
	b.Consume(n)
	return n
}

func (b *Buffer) Reset() {
	b.head, b.size = 0, 0
}
