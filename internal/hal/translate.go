package hal

// Translator turns a physical MMIO address into a bus address the CPU can
// issue accesses to.
type Translator interface {
	PhysToVirt(phys PhysAddr, size uint64) uint64
}

// Identity is the translation for identity-mapped kernels and for
// simulated buses addressed by physical address.
type Identity struct{}

func (Identity) PhysToVirt(phys PhysAddr, _ uint64) uint64 { return uint64(phys) }

// Offset is a direct map: physical memory appears at Base in the virtual
// address space.
type Offset struct {
	Base uint64
}

func (o Offset) PhysToVirt(phys PhysAddr, _ uint64) uint64 { return o.Base + uint64(phys) }

// IOMMU maps physical memory into a device's address space. Pool calls
// Map for every DMA allocation and share, and Unmap on release.
type IOMMU interface {
	Map(phys PhysAddr, size uint64, dir Direction) (PhysAddr, error)
	Unmap(device PhysAddr, size uint64)
}

// Passthrough is the IOMMU used when devices see physical addresses.
type Passthrough struct{}

func (Passthrough) Map(phys PhysAddr, _ uint64, _ Direction) (PhysAddr, error) { return phys, nil }
func (Passthrough) Unmap(PhysAddr, uint64)                                      {}

// CacheOps performs cache maintenance on platforms where DMA is not
// coherent. Clean runs before the device reads memory, Invalidate before
// the CPU reads memory the device wrote.
type CacheOps interface {
	Clean(buf []byte)
	Invalidate(buf []byte)
}

type coherent struct{}

func (coherent) Clean([]byte)      {}
func (coherent) Invalidate([]byte) {}
