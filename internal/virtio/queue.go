package virtio

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/tinyrange/virtiopci/internal/hal"
)

const (
	virtqDescFNext  = 1
	virtqDescFWrite = 2

	virtqUsedFNoNotify     = 1
	virtqAvailFNoInterrupt = 1

	descSize      = 16
	usedElemSize  = 8
	ringHeaderLen = 4

	// DefaultQueueSize caps queues whose device maximum is larger.
	DefaultQueueSize = 256
)

type sharedBuf struct {
	phys hal.PhysAddr
	buf  []byte
	dir  hal.Direction
}

type chain struct {
	ids  []uint16
	bufs []sharedBuf
}

// Queue is the driver half of a split virtqueue. Its rings live in one
// DMA allocation; buffers handed to Add are bounced through Hal.Share.
// All methods are safe for concurrent use.
type Queue struct {
	t     *Transport
	hal   hal.Hal
	index uint16
	size  uint16

	mu     sync.Mutex
	region hal.DMARegion
	desc   []byte
	avail  []byte
	used   []byte

	freeHead uint16
	numFree  uint16
	availIdx uint16
	lastUsed uint16
	inflight map[uint16]*chain
	done     map[uint16]uint32
	closed   bool
}

type queueLayout struct {
	availOff, usedOff, total int
}

func layoutFor(size int) queueLayout {
	availOff := descSize * size
	usedOff := availOff + ringHeaderLen + 2*size + 2
	usedOff = (usedOff + 3) &^ 3
	return queueLayout{
		availOff: availOff,
		usedOff:  usedOff,
		total:    usedOff + ringHeaderLen + usedElemSize*size + 2,
	}
}

// NewQueue allocates ring memory and registers queue index with the
// device. size 0 picks the device maximum capped at DefaultQueueSize.
// The transport must be between FEATURES_OK and DRIVER_OK.
func NewQueue(t *Transport, h hal.Hal, index uint16, size uint16) (*Queue, error) {
	maxSize, err := t.MaxQueueSize(index)
	if err != nil {
		return nil, err
	}
	if maxSize == 0 {
		return nil, fmt.Errorf("%w: queue %d", ErrQueueUnavailable, index)
	}
	if size == 0 {
		size = uint16(min(maxSize, DefaultQueueSize))
	}
	if uint32(size) > maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrQueueTooLarge, size, maxSize)
	}
	// Round down to a power of two.
	for size&(size-1) != 0 {
		size &= size - 1
	}

	layout := layoutFor(int(size))
	region, err := h.DMAAlloc((layout.total+hal.PageSize-1)/hal.PageSize, hal.Both)
	if err != nil {
		return nil, fmt.Errorf("allocate queue %d: %w", index, err)
	}
	q := &Queue{
		t:        t,
		hal:      h,
		index:    index,
		size:     size,
		region:   region,
		desc:     region.Virt[:layout.availOff],
		avail:    region.Virt[layout.availOff:layout.usedOff],
		used:     region.Virt[layout.usedOff:layout.total],
		numFree:  size,
		inflight: make(map[uint16]*chain),
		done:     make(map[uint16]uint32),
	}
	for i := uint16(0); i < size; i++ {
		binary.LittleEndian.PutUint16(q.desc[int(i)*descSize+14:], i+1)
	}

	base := uint64(region.Phys)
	err = t.QueueSet(QueueConfig{
		Index:      index,
		Size:       uint32(size),
		DescArea:   base,
		DriverArea: base + uint64(layout.availOff),
		DeviceArea: base + uint64(layout.usedOff),
	})
	if err != nil {
		h.DMADealloc(region)
		return nil, err
	}
	return q, nil
}

func (q *Queue) Index() uint16 { return q.index }
func (q *Queue) Size() uint16  { return q.size }

// NumFree is the number of unused descriptors.
func (q *Queue) NumFree() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int(q.numFree)
}

// ring index words are published with a single atomic 32-bit access
// covering flags and idx. The ring is little endian, as are the hosts this
// runs on.
func ringWord(b []byte) *uint32 {
	return (*uint32)(unsafe.Pointer(&b[0]))
}

func (q *Queue) publishAvail(flags uint16) {
	atomic.StoreUint32(ringWord(q.avail), uint32(flags)|uint32(q.availIdx)<<16)
}

func (q *Queue) usedHeader() (flags, idx uint16) {
	v := atomic.LoadUint32(ringWord(q.used))
	return uint16(v), uint16(v >> 16)
}

// SuppressInterrupts asks the device not to interrupt on completions,
// for drivers that poll.
func (q *Queue) SuppressInterrupts(suppress bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	var flags uint16
	if suppress {
		flags = virtqAvailFNoInterrupt
	}
	q.publishAvail(flags)
}

// Add exposes out (device reads) followed by in (device writes) as one
// chain and makes it available. The returned head identifies the chain in
// PopUsed. The device is not notified until Kick.
func (q *Queue) Add(out, in [][]byte) (uint16, error) {
	n := len(out) + len(in)
	if n == 0 {
		return 0, ErrEmptyChain
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrQueueClosed
	}
	if n > int(q.numFree) {
		return 0, fmt.Errorf("%w: need %d descriptors, %d free", ErrQueueFull, n, q.numFree)
	}

	c := &chain{ids: make([]uint16, n), bufs: make([]sharedBuf, 0, n)}
	share := func(buf []byte, dir hal.Direction) error {
		phys, err := q.hal.Share(buf, dir)
		if err != nil {
			return err
		}
		c.bufs = append(c.bufs, sharedBuf{phys: phys, buf: buf, dir: dir})
		return nil
	}
	for _, b := range out {
		if err := share(b, hal.DriverToDevice); err != nil {
			q.release(c)
			return 0, err
		}
	}
	for _, b := range in {
		if err := share(b, hal.DeviceToDriver); err != nil {
			q.release(c)
			return 0, err
		}
	}

	id := q.freeHead
	for i := range c.ids {
		c.ids[i] = id
		id = binary.LittleEndian.Uint16(q.desc[int(id)*descSize+14:])
	}
	q.freeHead = id
	q.numFree -= uint16(n)

	for i, b := range c.bufs {
		d := q.desc[int(c.ids[i])*descSize:]
		var flags uint16
		if b.dir == hal.DeviceToDriver {
			flags |= virtqDescFWrite
		}
		next := uint16(0)
		if i+1 < n {
			flags |= virtqDescFNext
			next = c.ids[i+1]
		}
		binary.LittleEndian.PutUint64(d[0:], uint64(b.phys))
		binary.LittleEndian.PutUint32(d[8:], uint32(len(b.buf)))
		binary.LittleEndian.PutUint16(d[12:], flags)
		binary.LittleEndian.PutUint16(d[14:], next)
	}

	head := c.ids[0]
	q.inflight[head] = c
	slot := ringHeaderLen + 2*int(q.availIdx%q.size)
	binary.LittleEndian.PutUint16(q.avail[slot:], head)
	q.availIdx++
	flags := uint16(atomic.LoadUint32(ringWord(q.avail)))
	q.publishAvail(flags)
	return head, nil
}

func (q *Queue) release(c *chain) {
	for _, b := range c.bufs {
		q.hal.Unshare(b.phys, b.buf, b.dir)
	}
	c.bufs = nil
}

// Kick notifies the device unless it asked not to be. Kick on a closed
// queue does nothing.
func (q *Queue) Kick() {
	q.mu.Lock()
	defer q.mu.Unlock()
	// Held across Notify so Close cannot unset the queue mid-kick.
	if q.closed {
		return
	}
	if flags, _ := q.usedHeader(); flags&virtqUsedFNoNotify != 0 {
		return
	}
	q.t.Notify(q.index)
}

// PopUsed returns the next completed chain, copying device-written data
// back into the caller's buffers.
func (q *Queue) PopUsed() (head uint16, length uint32, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for h, l := range q.done {
		delete(q.done, h)
		return h, l, true
	}
	return q.popLocked()
}

// Pending reports whether the device has completed chains not yet
// popped.
func (q *Queue) Pending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	_, idx := q.usedHeader()
	return len(q.done) > 0 || idx != q.lastUsed
}

func (q *Queue) popLocked() (uint16, uint32, bool) {
	if q.closed {
		return 0, 0, false
	}
	if _, idx := q.usedHeader(); idx == q.lastUsed {
		return 0, 0, false
	}
	elem := q.used[ringHeaderLen+usedElemSize*int(q.lastUsed%q.size):]
	head := uint16(binary.LittleEndian.Uint32(elem[0:]))
	length := binary.LittleEndian.Uint32(elem[4:])
	q.lastUsed++

	c, ok := q.inflight[head]
	if !ok {
		panic(fmt.Sprintf("virtio: queue %d: device completed unknown head %d", q.index, head))
	}
	delete(q.inflight, head)
	q.release(c)

	last := c.ids[len(c.ids)-1]
	binary.LittleEndian.PutUint16(q.desc[int(last)*descSize+14:], q.freeHead)
	q.freeHead = head
	q.numFree += uint16(len(c.ids))
	return head, length, true
}

// Submit adds a chain, notifies the device and waits for that chain to
// complete. Completions of other chains seen meanwhile are kept for
// PopUsed.
func (q *Queue) Submit(ctx context.Context, opts PollOptions, out, in [][]byte) (uint32, error) {
	head, err := q.Add(out, in)
	if err != nil {
		return 0, err
	}
	q.Kick()

	var length uint32
	err = Poll(ctx, opts, func() (bool, error) {
		q.mu.Lock()
		defer q.mu.Unlock()
		if q.closed {
			return false, ErrQueueClosed
		}
		if l, ok := q.done[head]; ok {
			delete(q.done, head)
			length = l
			return true, nil
		}
		for {
			h, l, ok := q.popLocked()
			if !ok {
				return false, nil
			}
			if h == head {
				length = l
				return true, nil
			}
			q.done[h] = l
		}
	})
	if err != nil {
		return 0, fmt.Errorf("queue %d: %w", q.index, err)
	}
	return length, nil
}

// Close disables the queue and frees its rings. Chains still in flight
// are reclaimed only if the device has been reset; doing so on a live
// device is a bug.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	if len(q.inflight) > 0 && q.t.driverOK.Load() {
		panic(fmt.Sprintf("virtio: closing queue %d with %d chains in flight", q.index, len(q.inflight)))
	}
	q.closed = true
	for head, c := range q.inflight {
		q.release(c)
		delete(q.inflight, head)
	}
	clear(q.done)
	err := q.t.QueueUnset(q.index)
	q.hal.DMADealloc(q.region)
	q.desc, q.avail, q.used = nil, nil, nil
	return err
}
