// Package alloc abstracts the heap used for variable-length records
// (advertising jobs, the scan ring, discovery jobs) so that exhaustion
// is reported instead of being fatal.
package alloc

import (
	"errors"
	"fmt"
	"sync"
)

var ErrOutOfMemory = errors.New("alloc: out of memory")

// Allocator hands out byte buffers and takes them back.
type Allocator interface {
	Alloc(n int) ([]byte, error)
	Free(b []byte)
}

// Heap never fails.
type Heap struct{}

func (Heap) Alloc(n int) ([]byte, error) {
	return make([]byte, n), nil
}

func (Heap) Free([]byte) {}

// Budget fails allocations once the outstanding total would exceed Limit.
type Budget struct {
	mu    sync.Mutex
	limit int
	used  int
	peak  int
}

func NewBudget(limit int) *Budget {
	return &Budget{limit: limit}
}

func (b *Budget) Alloc(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("alloc: negative size %d", n)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used+n > b.limit {
		return nil, fmt.Errorf("%w: %d bytes requested, %d of %d in use", ErrOutOfMemory, n, b.used, b.limit)
	}
	b.used += n
	b.peak = max(b.peak, b.used)
	return make([]byte, n), nil
}

// Free returns cap(b) bytes to the budget.
func (b *Budget) Free(buf []byte) {
	if buf == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.used -= cap(buf)
	if b.used < 0 {
		panic("alloc: budget freed more than it allocated")
	}
}

func (b *Budget) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

func (b *Budget) Peak() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peak
}

// New picks a Budget for a positive limit and Heap otherwise.
func New(limit int) Allocator {
	if limit > 0 {
		return NewBudget(limit)
	}
	return Heap{}
}
