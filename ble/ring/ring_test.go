package ring

import (
	"bytes"
	"testing"
)

func TestWriteAllOrNothing(t *testing.T) {
	b := New(make([]byte, 8))

	if !b.Write([]byte{1, 2, 3}, []byte{4, 5}) {
		t.Fatal("Write() of 5 bytes into empty 8-byte ring failed")
	}
	if b.Write([]byte{6, 7}, []byte{8, 9}) {
		t.Fatal("Write() of 4 bytes with 3 free should fail")
	}
	if got := b.Len(); got != 5 {
		t.Errorf("Len() = %d after rejected write, want 5", got)
	}
	if got := b.Free(); got != 3 {
		t.Errorf("Free() = %d, want 3", got)
	}
}

func TestWrapAround(t *testing.T) {
	b := New(make([]byte, 8))
	b.Write([]byte{1, 2, 3, 4, 5, 6})
	b.Consume(4)

	// tail is at index 6, this write wraps
	if !b.Write([]byte{7, 8, 9, 10, 11}) {
		t.Fatal("Write() across the wrap point failed")
	}

	got := make([]byte, 16)
	n := b.Read(got)
	if want := []byte{5, 6, 7, 8, 9, 10, 11}; !bytes.Equal(got[:n], want) {
		t.Errorf("Read() = %v, want %v", got[:n], want)
	}
	if b.Len() != 0 {
		t.Errorf("Len() = %d after full read, want 0", b.Len())
	}
}

func TestPeekDoesNotConsume(t *testing.T) {
	b := New(make([]byte, 4))
	b.Write([]byte{9, 8, 7})

	hdr := make([]byte, 2)
	if n := b.Peek(hdr); n != 2 || hdr[0] != 9 || hdr[1] != 8 {
		t.Errorf("Peek() = %d %v", n, hdr)
	}
	if b.Len() != 3 {
		t.Errorf("Peek() consumed data, Len() = %d", b.Len())
	}

	b.Consume(10)
	if b.Len() != 0 || b.Free() != 4 {
		t.Errorf("Consume past end left Len=%d Free=%d", b.Len(), b.Free())
	}
}

func TestReset(t *testing.T) {
	b := New(make([]byte, 4))
	b.Write([]byte{1, 2, 3, 4})
	b.Reset()
	if b.Len() != 0 || b.Cap() != 4 {
		t.Errorf("after Reset Len=%d Cap=%d", b.Len(), b.Cap())
	}
	if n := b.Peek(make([]byte, 4)); n != 0 {
		t.Errorf("Peek() on empty ring returned %d", n)
	}
}
