package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/virtiopci/internal/hal"
)

const (
	virtqDescFNext     = 1
	virtqDescFWrite    = 2
	virtqDescFIndirect = 4

	virtqUsedFNoNotify     = 1
	virtqAvailFNoInterrupt = 1
)

var (
	ErrQueueNotReady  = errors.New("virtio: queue not ready")
	ErrDescriptorLoop = errors.New("virtio: descriptor chain loops")
)

// VirtQueueDescriptor represents a single descriptor in a virtio queue.
type VirtQueueDescriptor struct {
	Addr   uint64
	Length uint32
	Flags  uint16
	Next   uint16
}

// VirtQueuePayload represents a single buffer in a descriptor chain.
type VirtQueuePayload struct {
	Addr    uint64
	Length  uint32
	IsWrite bool
}

// VirtQueue is the device half of a split virtqueue.
type VirtQueue struct {
	DescTableAddr uint64
	AvailRingAddr uint64
	UsedRingAddr  uint64
	Size          uint16
	MaxSize       uint16
	Ready         bool

	lastAvailIdx uint16
	usedIdx      uint16
	usedFlags    uint16

	mem GuestMemory
}

// NewVirtQueue creates a new VirtQueue instance.
func NewVirtQueue(mem GuestMemory, maxSize uint16) *VirtQueue {
	return &VirtQueue{
		MaxSize: maxSize,
		mem:     mem,
	}
}

// Reset clears the queue state.
func (q *VirtQueue) Reset() {
	*q = VirtQueue{MaxSize: q.MaxSize, mem: q.mem}
}

// SetAddresses configures the queue ring addresses.
func (q *VirtQueue) SetAddresses(descAddr, availAddr, usedAddr uint64) {
	q.DescTableAddr = descAddr
	q.AvailRingAddr = availAddr
	q.UsedRingAddr = usedAddr
}

// SetSize sets the queue size (number of descriptors).
func (q *VirtQueue) SetSize(size uint16) error {
	if size > q.MaxSize {
		return fmt.Errorf("queue size %d exceeds max size %d", size, q.MaxSize)
	}
	if size == 0 || size&(size-1) != 0 {
		return fmt.Errorf("queue size %d is not a power of two", size)
	}
	q.Size = size
	return nil
}

// SetReady marks the queue as ready for operation.
func (q *VirtQueue) SetReady(ready bool) {
	q.Ready = ready
	if !ready {
		q.Reset()
	}
}

// ReadDescriptor reads a descriptor from the descriptor table.
func (q *VirtQueue) ReadDescriptor(idx uint16) (VirtQueueDescriptor, error) {
	if err := q.ensureReady(); err != nil {
		return VirtQueueDescriptor{}, err
	}
	if idx >= q.Size {
		return VirtQueueDescriptor{}, fmt.Errorf("descriptor index %d out of bounds (size %d)", idx, q.Size)
	}

	var buf [16]byte
	if err := q.readGuestInto(q.DescTableAddr+uint64(idx)*16, buf[:]); err != nil {
		return VirtQueueDescriptor{}, err
	}
	return VirtQueueDescriptor{
		Addr:   binary.LittleEndian.Uint64(buf[0:8]),
		Length: binary.LittleEndian.Uint32(buf[8:12]),
		Flags:  binary.LittleEndian.Uint16(buf[12:14]),
		Next:   binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// availHeader returns the flags and idx of the available ring. The pair
// is read as one atomic word when the ring is 4-byte aligned.
func (q *VirtQueue) availHeader() (flags, idx uint16, err error) {
	if q.AvailRingAddr%4 == 0 {
		v := q.mem.LoadUint32(hal.PhysAddr(q.AvailRingAddr))
		return uint16(v), uint16(v >> 16), nil
	}
	var header [4]byte
	if err := q.readGuestInto(q.AvailRingAddr, header[:]); err != nil {
		return 0, 0, err
	}
	return binary.LittleEndian.Uint16(header[0:2]), binary.LittleEndian.Uint16(header[2:4]), nil
}

// GetAvailableBuffer reads the next available buffer from the available ring.
// Returns the descriptor head index, whether there was a buffer available, and any error.
func (q *VirtQueue) GetAvailableBuffer() (head uint16, hasBuffer bool, err error) {
	if err := q.ensureReady(); err != nil {
		return 0, false, err
	}
	_, availIdx, err := q.availHeader()
	if err != nil {
		return 0, false, err
	}
	if q.lastAvailIdx == availIdx {
		return 0, false, nil
	}

	var buf [2]byte
	offset := q.AvailRingAddr + 4 + uint64(q.lastAvailIdx%q.Size)*2
	if err := q.readGuestInto(offset, buf[:]); err != nil {
		return 0, false, err
	}
	q.lastAvailIdx++
	return binary.LittleEndian.Uint16(buf[:]), true, nil
}

// HasAvailable reports whether the driver has posted buffers not yet taken.
func (q *VirtQueue) HasAvailable() bool {
	if q.ensureReady() != nil {
		return false
	}
	_, idx, err := q.availHeader()
	return err == nil && idx != q.lastAvailIdx
}

// InterruptSuppressed reports VIRTQ_AVAIL_F_NO_INTERRUPT.
func (q *VirtQueue) InterruptSuppressed() bool {
	flags, _, err := q.availHeader()
	return err == nil && flags&virtqAvailFNoInterrupt != 0
}

// ReadDescriptorChain reads a complete descriptor chain starting from head.
// Readable buffers always precede writable ones.
func (q *VirtQueue) ReadDescriptorChain(head uint16) ([]VirtQueuePayload, error) {
	if err := q.ensureReady(); err != nil {
		return nil, err
	}

	var payloads []VirtQueuePayload
	index := head
	seenWrite := false
	for i := uint16(0); ; i++ {
		if i == q.Size {
			return payloads, fmt.Errorf("%w at head %d", ErrDescriptorLoop, head)
		}
		desc, err := q.ReadDescriptor(index)
		if err != nil {
			return payloads, err
		}
		if desc.Flags&virtqDescFIndirect != 0 {
			return payloads, fmt.Errorf("virtio: indirect descriptor at %d not negotiated", index)
		}
		isWrite := desc.Flags&virtqDescFWrite != 0
		if seenWrite && !isWrite {
			return payloads, fmt.Errorf("virtio: readable descriptor %d after writable one", index)
		}
		seenWrite = seenWrite || isWrite
		payloads = append(payloads, VirtQueuePayload{
			Addr:    desc.Addr,
			Length:  desc.Length,
			IsWrite: isWrite,
		})
		if desc.Flags&virtqDescFNext == 0 {
			break
		}
		index = desc.Next
	}
	return payloads, nil
}

// PutUsedBuffer writes a used buffer entry to the used ring.
// head is the descriptor head index, and length is the total length written.
func (q *VirtQueue) PutUsedBuffer(head uint16, length uint32) error {
	if err := q.ensureReady(); err != nil {
		return err
	}

	var elem [8]byte
	binary.LittleEndian.PutUint32(elem[0:], uint32(head))
	binary.LittleEndian.PutUint32(elem[4:], length)
	base := q.UsedRingAddr + 4 + uint64(q.usedIdx%q.Size)*8
	if err := q.writeGuestFrom(base, elem[:]); err != nil {
		return err
	}

	// The element must be visible before the index that publishes it.
	q.usedIdx++
	q.publishUsed()
	return nil
}

// SetNoNotify sets or clears VIRTQ_USED_F_NO_NOTIFY.
func (q *VirtQueue) SetNoNotify(suppress bool) {
	if suppress {
		q.usedFlags |= virtqUsedFNoNotify
	} else {
		q.usedFlags &^= virtqUsedFNoNotify
	}
	if q.Ready {
		q.publishUsed()
	}
}

func (q *VirtQueue) publishUsed() {
	q.mem.StoreUint32(hal.PhysAddr(q.UsedRingAddr), uint32(q.usedFlags)|uint32(q.usedIdx)<<16)
}

// ReadGuest reads data from guest memory.
func (q *VirtQueue) ReadGuest(addr uint64, length uint32) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	buf := make([]byte, length)
	if err := q.readGuestInto(addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteGuest writes data to guest memory.
func (q *VirtQueue) WriteGuest(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return q.writeGuestFrom(addr, data)
}

func (q *VirtQueue) ensureReady() error {
	if !q.Ready || q.Size == 0 {
		return ErrQueueNotReady
	}
	if q.mem == nil {
		return fmt.Errorf("guest memory accessor is nil")
	}
	return nil
}

func (q *VirtQueue) readGuestInto(addr uint64, buf []byte) error {
	n, err := q.mem.ReadAt(buf, int64(addr))
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("virtio: short guest memory read (want %d, got %d)", len(buf), n)
	}
	return nil
}

func (q *VirtQueue) writeGuestFrom(addr uint64, data []byte) error {
	n, err := q.mem.WriteAt(data, int64(addr))
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("virtio: short guest memory write (want %d, got %d)", len(data), n)
	}
	return nil
}
