package hal

import (
	"fmt"
	"math/bits"
	"sync"
)

// PageAllocator hands out runs of contiguous pages, first fit, from a
// bitmap.
type PageAllocator struct {
	mu     sync.Mutex
	bitmap []uint64
	pages  int
	free   int
	runs   map[int]int
}

func NewPageAllocator(pages int) *PageAllocator {
	return &PageAllocator{
		bitmap: make([]uint64, (pages+63)/64),
		pages:  pages,
		free:   pages,
		runs:   make(map[int]int),
	}
}

func (p *PageAllocator) used(i int) bool { return p.bitmap[i/64]&(1<<(i%64)) != 0 }

func (p *PageAllocator) mark(start, n int, used bool) {
	for i := start; i < start+n; i++ {
		if used {
			p.bitmap[i/64] |= 1 << (i % 64)
		} else {
			p.bitmap[i/64] &^= 1 << (i % 64)
		}
	}
}

// Alloc reserves n contiguous pages and returns the first page index.
func (p *PageAllocator) Alloc(n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidPageCount, n)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > p.free {
		return 0, fmt.Errorf("%w: want %d pages, %d free", ErrOutOfMemory, n, p.free)
	}
	run := 0
	for i := 0; i < p.pages; i++ {
		// Skip whole used words.
		if i%64 == 0 && p.bitmap[i/64] == ^uint64(0) {
			run = 0
			i += 63
			continue
		}
		if p.used(i) {
			run = 0
			continue
		}
		run++
		if run == n {
			start := i - n + 1
			p.mark(start, n, true)
			p.free -= n
			p.runs[start] = n
			return start, nil
		}
	}
	return 0, fmt.Errorf("%w: no run of %d contiguous pages", ErrOutOfMemory, n)
}

// Free releases a run returned by Alloc. Anything else panics.
func (p *PageAllocator) Free(start, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	got, ok := p.runs[start]
	if !ok {
		panic(fmt.Sprintf("hal: free of page %d which is not the start of an allocation", start))
	}
	if got != n {
		panic(fmt.Sprintf("hal: free of page %d with %d pages, allocated %d", start, n, got))
	}
	delete(p.runs, start)
	p.mark(start, n, false)
	p.free += n
}

func (p *PageAllocator) FreePages() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.free
}

// usedPages recounts the bitmap; it must always agree with FreePages.
func (p *PageAllocator) usedPages() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, w := range p.bitmap {
		n += bits.OnesCount64(w)
	}
	return n
}
