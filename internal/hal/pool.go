package hal

import (
	"fmt"
	"log/slog"
	"sync"
	"unsafe"
)

type dmaAlloc struct {
	phys  PhysAddr
	start int
	pages int
	virt  *byte
}

type shared struct {
	region DMARegion
	length int
	dir    Direction
}

// Pool implements Hal on top of an Arena.
type Pool struct {
	arena *Arena
	pages *PageAllocator
	mmio  Translator
	iommu IOMMU
	cache CacheOps
	log   *slog.Logger

	mu     sync.Mutex
	dma    map[PhysAddr]dmaAlloc
	shares map[PhysAddr]shared
}

type Option func(*Pool)

func WithTranslator(t Translator) Option { return func(p *Pool) { p.mmio = t } }
func WithIOMMU(m IOMMU) Option           { return func(p *Pool) { p.iommu = m } }
func WithCacheOps(c CacheOps) Option     { return func(p *Pool) { p.cache = c } }
func WithLogger(l *slog.Logger) Option   { return func(p *Pool) { p.log = l } }

func NewPool(arena *Arena, opts ...Option) *Pool {
	p := &Pool{
		arena:  arena,
		pages:  NewPageAllocator(arena.Pages()),
		mmio:   Identity{},
		iommu:  Passthrough{},
		cache:  coherent{},
		log:    slog.Default(),
		dma:    make(map[PhysAddr]dmaAlloc),
		shares: make(map[PhysAddr]shared),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pool) Arena() *Arena   { return p.arena }
func (p *Pool) FreePages() int  { return p.pages.FreePages() }
func (p *Pool) TotalPages() int { return p.arena.Pages() }

// Outstanding reports live DMA allocations and live shares.
func (p *Pool) Outstanding() (allocs, shares int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.dma) - len(p.shares), len(p.shares)
}

func (p *Pool) DMAAlloc(pages int, dir Direction) (DMARegion, error) {
	start, err := p.pages.Alloc(pages)
	if err != nil {
		return DMARegion{}, err
	}
	phys := p.arena.Base() + PhysAddr(start*PageSize)
	size := uint64(pages * PageSize)
	virt, err := p.arena.Slice(phys, size)
	if err != nil {
		p.pages.Free(start, pages)
		return DMARegion{}, err
	}
	clear(virt)

	dev, err := p.iommu.Map(phys, size, dir)
	if err != nil {
		p.pages.Free(start, pages)
		return DMARegion{}, fmt.Errorf("hal: iommu map %#x: %w", phys, err)
	}

	p.mu.Lock()
	p.dma[dev] = dmaAlloc{phys: phys, start: start, pages: pages, virt: &virt[0]}
	p.mu.Unlock()

	p.log.Debug("hal: dma alloc", "phys", fmt.Sprintf("%#x", phys), "pages", pages, "dir", dir)
	return DMARegion{Phys: dev, Virt: virt, Pages: pages}, nil
}

func (p *Pool) DMADealloc(r DMARegion) {
	p.mu.Lock()
	a, ok := p.dma[r.Phys]
	if !ok {
		p.mu.Unlock()
		panic(fmt.Sprintf("hal: dma dealloc of unknown region %#x", r.Phys))
	}
	if a.pages != r.Pages {
		p.mu.Unlock()
		panic(fmt.Sprintf("hal: dma dealloc of %#x with %d pages, allocated %d", r.Phys, r.Pages, a.pages))
	}
	if len(r.Virt) == 0 || unsafe.SliceData(r.Virt) != a.virt {
		p.mu.Unlock()
		panic(fmt.Sprintf("hal: dma dealloc of %#x with a foreign virtual pointer", r.Phys))
	}
	delete(p.dma, r.Phys)
	p.mu.Unlock()

	p.iommu.Unmap(r.Phys, uint64(a.pages*PageSize))
	p.pages.Free(a.start, a.pages)
	p.log.Debug("hal: dma dealloc", "phys", fmt.Sprintf("%#x", a.phys), "pages", a.pages)
}

func (p *Pool) MMIOPhysToVirt(phys PhysAddr, size uint64) uint64 {
	return p.mmio.PhysToVirt(phys, size)
}

func (p *Pool) Share(buf []byte, dir Direction) (PhysAddr, error) {
	if len(buf) == 0 {
		return 0, ErrEmptyBuffer
	}
	region, err := p.DMAAlloc(pagesFor(len(buf)), dir)
	if err != nil {
		return 0, fmt.Errorf("hal: share %d bytes: %w", len(buf), err)
	}
	if dir.toDevice() {
		copy(region.Virt, buf)
		p.cache.Clean(region.Virt[:len(buf)])
	}

	p.mu.Lock()
	p.shares[region.Phys] = shared{region: region, length: len(buf), dir: dir}
	p.mu.Unlock()
	return region.Phys, nil
}

func (p *Pool) Unshare(phys PhysAddr, buf []byte, dir Direction) {
	p.mu.Lock()
	s, ok := p.shares[phys]
	if !ok {
		p.mu.Unlock()
		panic(fmt.Sprintf("hal: unshare of %#x which is not shared", phys))
	}
	if s.length != len(buf) || s.dir != dir {
		p.mu.Unlock()
		panic(fmt.Sprintf("hal: unshare of %#x as %d bytes %s, shared as %d bytes %s", phys, len(buf), dir, s.length, s.dir))
	}
	delete(p.shares, phys)
	p.mu.Unlock()

	if dir.toDriver() {
		p.cache.Invalidate(s.region.Virt[:s.length])
		copy(buf, s.region.Virt[:s.length])
	}
	p.DMADealloc(s.region)
}

var _ Hal = (*Pool)(nil)
