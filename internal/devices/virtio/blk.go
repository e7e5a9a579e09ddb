package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

const (
	blkDeviceID     = 2
	blkQueueCount   = 1
	blkQueueNumMax  = 128
	blkQueueRequest = 0
	blkSectorSize   = 512
	blkHeaderLen    = 16
	blkIDLen        = 20
	blkConfigLen    = 0x18
)

// Virtio block request types
const (
	VIRTIO_BLK_T_IN     = 0 // Read
	VIRTIO_BLK_T_OUT    = 1 // Write
	VIRTIO_BLK_T_FLUSH  = 4 // Flush
	VIRTIO_BLK_T_GET_ID = 8 // Get device ID
)

// Virtio block status codes
const (
	VIRTIO_BLK_S_OK     = 0
	VIRTIO_BLK_S_IOERR  = 1
	VIRTIO_BLK_S_UNSUPP = 2
)

// Virtio block feature bits
const (
	VIRTIO_BLK_F_SIZE_MAX = 1 << 1 // Max size of any single segment
	VIRTIO_BLK_F_SEG_MAX  = 1 << 2 // Max number of segments
	VIRTIO_BLK_F_RO       = 1 << 5 // Read-only device
	VIRTIO_BLK_F_BLK_SIZE = 1 << 6 // Block size available
	VIRTIO_BLK_F_FLUSH    = 1 << 9 // Flush command supported
)

// BlockStorage backs a simulated disk. If it also has a Sync method,
// flush requests call it.
type BlockStorage interface {
	io.ReaderAt
	io.WriterAt
}

type syncer interface {
	Sync() error
}

// BlkOptions configures a Blk.
type BlkOptions struct {
	ReadOnly  bool
	BlockSize uint32
	// ID is returned by GET_ID, truncated to 20 bytes.
	ID     string
	Logger *slog.Logger
}

// Blk is the backend of a virtio block device.
type Blk struct {
	log *slog.Logger

	mu       sync.Mutex
	storage  BlockStorage
	readonly bool
	capacity uint64 // in 512-byte sectors
	blkSize  uint32
	id       string
	features uint64
	queue    *VirtQueue
	irq      Interrupter
}

// NewBlk creates a block backend of size bytes over storage.
func NewBlk(storage BlockStorage, size int64, opts BlkOptions) (*Blk, error) {
	if storage == nil {
		return nil, fmt.Errorf("virtio-blk: storage is required")
	}
	if size < 0 {
		return nil, fmt.Errorf("virtio-blk: negative size %d", size)
	}
	b := &Blk{
		log:      opts.Logger,
		storage:  storage,
		readonly: opts.ReadOnly,
		capacity: uint64(size) / blkSectorSize,
		blkSize:  opts.BlockSize,
		id:       opts.ID,
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	if b.blkSize == 0 {
		b.blkSize = blkSectorSize
	}
	if b.id == "" {
		b.id = "virtio-blk"
	}
	return b, nil
}

func (b *Blk) DeviceID() uint16 { return blkDeviceID }

func (b *Blk) DeviceFeatures() uint64 {
	f := virtioFeatureVersion1 | VIRTIO_BLK_F_SIZE_MAX | VIRTIO_BLK_F_SEG_MAX | VIRTIO_BLK_F_BLK_SIZE
	if _, ok := b.storage.(syncer); ok {
		f |= VIRTIO_BLK_F_FLUSH
	}
	if b.readonly {
		f |= VIRTIO_BLK_F_RO
	}
	return f
}

func (b *Blk) NumQueues() int            { return blkQueueCount }
func (b *Blk) QueueMaxSize(int) uint16   { return blkQueueNumMax }
func (b *Blk) ConfigLen() uint32         { return blkConfigLen }
func (b *Blk) WriteConfig(uint16, uint32) {}

func (b *Blk) ReadConfig(offset uint16) uint32 {
	buf := b.configBytes()
	if int(offset) >= len(buf) {
		return 0
	}
	var word [4]byte
	copy(word[:], buf[offset:])
	return binary.LittleEndian.Uint32(word[:])
}

func (b *Blk) configBytes() []byte {
	b.mu.Lock()
	capacity := b.capacity
	blkSize := b.blkSize
	b.mu.Unlock()

	var buf [blkConfigLen]byte
	binary.LittleEndian.PutUint64(buf[0:8], capacity)
	binary.LittleEndian.PutUint32(buf[8:12], 1<<20) // size_max
	binary.LittleEndian.PutUint32(buf[12:16], 128)  // seg_max
	binary.LittleEndian.PutUint32(buf[20:24], blkSize)
	return buf[:]
}

func (b *Blk) Enable(features uint64, queues []*VirtQueue, irq Interrupter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.features = features
	b.queue = queues[blkQueueRequest]
	b.irq = irq
}

func (b *Blk) Disable() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = nil
	b.irq = nil
	b.features = 0
}

// Resize changes the capacity and signals a configuration change.
func (b *Blk) Resize(size int64) {
	b.mu.Lock()
	b.capacity = uint64(size) / blkSectorSize
	irq := b.irq
	b.mu.Unlock()
	if irq != nil {
		irq.ConfigChanged()
	}
}

func (b *Blk) HandleQueue(i int) error {
	if i != blkQueueRequest {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.queue == nil {
		return nil
	}
	processed, err := ProcessQueue(b.queue, b.processRequest)
	if err != nil {
		return err
	}
	if ShouldRaiseInterrupt(b.queue, processed) {
		b.irq.QueueInterrupt()
	}
	return nil
}

// processRequest handles one request: a 16-byte header and any data
// readable, then data and a status byte writable.
func (b *Blk) processRequest(c *Chain) (uint32, error) {
	out, err := c.ReadAll()
	if err != nil {
		return 0, err
	}
	if len(out) < blkHeaderLen {
		return 0, fmt.Errorf("virtio-blk: header too short: %d", len(out))
	}
	writable := c.WritableLen()
	if writable < 1 {
		return 0, fmt.Errorf("virtio-blk: request %d has no status byte", c.Head)
	}

	reqType := binary.LittleEndian.Uint32(out[0:4])
	sector := binary.LittleEndian.Uint64(out[8:16])
	status, payload := b.executeRequest(reqType, sector, out[blkHeaderLen:], writable-1)

	if len(payload) > 0 {
		if _, err := c.Write(0, payload); err != nil {
			return 0, err
		}
	}
	if _, err := c.Write(writable-1, []byte{status}); err != nil {
		return 0, err
	}
	return uint32(len(payload)) + 1, nil
}

func (b *Blk) inRange(sector uint64, length uint32) bool {
	end := sector + (uint64(length)+blkSectorSize-1)/blkSectorSize
	return end >= sector && end <= b.capacity
}

func (b *Blk) executeRequest(reqType uint32, sector uint64, data []byte, inLen uint32) (byte, []byte) {
	offset := int64(sector) * blkSectorSize

	switch reqType {
	case VIRTIO_BLK_T_IN:
		if !b.inRange(sector, inLen) {
			b.log.Debug("virtio-blk: read past end", "sector", sector, "len", inLen, "capacity", b.capacity)
			return VIRTIO_BLK_S_IOERR, nil
		}
		buf := make([]byte, inLen)
		n, err := b.storage.ReadAt(buf, offset)
		if err != nil && !(errors.Is(err, io.EOF) && n > 0) {
			b.log.Debug("virtio-blk: read failed", "offset", offset, "len", inLen, "err", err)
			return VIRTIO_BLK_S_IOERR, nil
		}
		return VIRTIO_BLK_S_OK, buf

	case VIRTIO_BLK_T_OUT:
		if b.readonly {
			return VIRTIO_BLK_S_IOERR, nil
		}
		if !b.inRange(sector, uint32(len(data))) {
			b.log.Debug("virtio-blk: write past end", "sector", sector, "len", len(data), "capacity", b.capacity)
			return VIRTIO_BLK_S_IOERR, nil
		}
		if _, err := b.storage.WriteAt(data, offset); err != nil {
			b.log.Debug("virtio-blk: write failed", "offset", offset, "len", len(data), "err", err)
			return VIRTIO_BLK_S_IOERR, nil
		}
		return VIRTIO_BLK_S_OK, nil

	case VIRTIO_BLK_T_FLUSH:
		s, ok := b.storage.(syncer)
		if !ok || b.features&VIRTIO_BLK_F_FLUSH == 0 {
			return VIRTIO_BLK_S_UNSUPP, nil
		}
		if err := s.Sync(); err != nil {
			return VIRTIO_BLK_S_IOERR, nil
		}
		return VIRTIO_BLK_S_OK, nil

	case VIRTIO_BLK_T_GET_ID:
		id := make([]byte, min(inLen, blkIDLen))
		copy(id, b.id)
		return VIRTIO_BLK_S_OK, id
	}
	return VIRTIO_BLK_S_UNSUPP, nil
}

var _ Backend = (*Blk)(nil)
