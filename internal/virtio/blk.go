package virtio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// Block device feature bits.
const (
	BlockFeatureSizeMax  Features = 1 << 1
	BlockFeatureSegMax   Features = 1 << 2
	BlockFeatureReadOnly Features = 1 << 5
	BlockFeatureBlkSize  Features = 1 << 6
	BlockFeatureFlush    Features = 1 << 9
)

// SectorSize is the unit of block addresses, independent of blk_size.
const SectorSize = 512

const (
	blkCfgCapacity = 0x00
	blkCfgSizeMax  = 0x08
	blkCfgSegMax   = 0x0c
	blkCfgBlkSize  = 0x14

	blkTypeIn    = 0
	blkTypeOut   = 1
	blkTypeFlush = 4
	blkTypeGetID = 8

	blkStatusOK     = 0
	blkStatusIOErr  = 1
	blkStatusUnsupp = 2

	blkIDLen = 20

	// blkMaxTransfer splits large requests.
	blkMaxTransfer = 64 << 10
)

var (
	ErrBlockIO          = errors.New("virtio-blk: I/O error")
	ErrBlockUnsupported = errors.New("virtio-blk: request not supported")
	ErrReadOnly         = errors.New("virtio-blk: device is read-only")
	ErrUnaligned        = errors.New("virtio-blk: access not sector aligned")
)

// Block drives a virtio block device through a single request queue.
type Block struct {
	dev      *Device
	features Features
	queue    *Queue

	mu       sync.Mutex
	capacity uint64
	blkSize  uint32
}

// NewBlock is the DriverFactory for block devices.
func NewBlock(ctx context.Context, dev *Device) (Driver, error) {
	supported := FeatureVersion1 | BlockFeatureReadOnly | BlockFeatureBlkSize | BlockFeatureFlush
	features, queues, err := start(ctx, dev, supported, 0)
	if err != nil {
		return nil, err
	}
	b := &Block{dev: dev, features: features, queue: queues[0], blkSize: SectorSize}
	if err := b.readConfig(); err != nil {
		stop(ctx, dev, queues)
		return nil, err
	}
	if err := dev.Transport.DriverOK(); err != nil {
		stop(ctx, dev, queues)
		return nil, err
	}
	dev.Logger.Info("virtio-blk: ready", "sectors", b.capacity, "blkSize", b.blkSize, "readOnly", b.ReadOnly())
	return b, nil
}

func (b *Block) readConfig() error {
	t := b.dev.Transport
	var capacity uint64
	blkSize := uint32(SectorSize)
	err := ReadConsistent(t, func() error {
		var err error
		if capacity, err = ReadConfig[uint64](t, blkCfgCapacity); err != nil {
			return err
		}
		if b.features.Has(BlockFeatureBlkSize) {
			if blkSize, err = ReadConfig[uint32](t, blkCfgBlkSize); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("virtio-blk: read config: %w", err)
	}
	b.mu.Lock()
	b.capacity = capacity
	b.blkSize = blkSize
	b.mu.Unlock()
	return nil
}

// Capacity is the device size in 512-byte sectors.
func (b *Block) Capacity() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity
}

// Size is the device size in bytes.
func (b *Block) Size() int64 { return int64(b.Capacity()) * SectorSize }

// BlockSize is the optimal I/O size the device reports.
func (b *Block) BlockSize() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blkSize
}

func (b *Block) ReadOnly() bool { return b.features.Has(BlockFeatureReadOnly) }
func (b *Block) Features() Features { return b.features }

func (b *Block) do(ctx context.Context, typ uint32, sector uint64, data []byte) (int, error) {
	var hdr [16]byte
	binary.LittleEndian.PutUint32(hdr[0:], typ)
	binary.LittleEndian.PutUint64(hdr[8:], sector)
	status := []byte{0xff}

	out := [][]byte{hdr[:]}
	in := [][]byte{}
	switch typ {
	case blkTypeOut:
		out = append(out, data)
	case blkTypeIn, blkTypeGetID:
		in = append(in, data)
	}
	in = append(in, status)

	n, err := b.queue.Submit(ctx, b.dev.Poll, out, in)
	if err != nil {
		return 0, err
	}
	switch status[0] {
	case blkStatusOK:
	case blkStatusUnsupp:
		return 0, fmt.Errorf("%w: type %d", ErrBlockUnsupported, typ)
	default:
		return 0, fmt.Errorf("%w: type %d sector %d status %d", ErrBlockIO, typ, sector, status[0])
	}
	if typ == blkTypeIn || typ == blkTypeGetID {
		if n < 1 {
			return 0, ErrShortResponse
		}
		return int(n) - 1, nil
	}
	return len(data), nil
}

func (b *Block) checkRange(p []byte, off int64) error {
	if off%SectorSize != 0 || len(p)%SectorSize != 0 {
		return fmt.Errorf("%w: %d bytes at %d", ErrUnaligned, len(p), off)
	}
	if off < 0 || off+int64(len(p)) > b.Size() {
		return fmt.Errorf("%w: %d bytes at %d past %d", ErrBlockIO, len(p), off, b.Size())
	}
	return nil
}

// ReadSectors fills p starting at byte offset off. Both must be sector
// aligned.
func (b *Block) ReadSectors(ctx context.Context, p []byte, off int64) (int, error) {
	if err := b.checkRange(p, off); err != nil {
		return 0, err
	}
	done := 0
	for done < len(p) {
		chunk := p[done:min(len(p), done+blkMaxTransfer)]
		n, err := b.do(ctx, blkTypeIn, uint64(off+int64(done))/SectorSize, chunk)
		if err != nil {
			return done, err
		}
		if n != len(chunk) {
			return done + n, fmt.Errorf("virtio-blk: %w: read %d of %d bytes", ErrShortResponse, n, len(chunk))
		}
		done += n
	}
	return done, nil
}

// WriteSectors writes p at byte offset off. Both must be sector aligned.
func (b *Block) WriteSectors(ctx context.Context, p []byte, off int64) (int, error) {
	if b.ReadOnly() {
		return 0, ErrReadOnly
	}
	if err := b.checkRange(p, off); err != nil {
		return 0, err
	}
	done := 0
	for done < len(p) {
		chunk := p[done:min(len(p), done+blkMaxTransfer)]
		if _, err := b.do(ctx, blkTypeOut, uint64(off+int64(done))/SectorSize, chunk); err != nil {
			return done, err
		}
		done += len(chunk)
	}
	return done, nil
}

// ReadAt implements io.ReaderAt for sector-aligned accesses.
func (b *Block) ReadAt(p []byte, off int64) (int, error) {
	return b.ReadSectors(context.Background(), p, off)
}

// WriteAt implements io.WriterAt for sector-aligned accesses.
func (b *Block) WriteAt(p []byte, off int64) (int, error) {
	return b.WriteSectors(context.Background(), p, off)
}

// Flush commits the device write cache. Devices without FLUSH write
// through, so there is nothing to do.
func (b *Block) Flush(ctx context.Context) error {
	if !b.features.Has(BlockFeatureFlush) {
		return nil
	}
	_, err := b.do(ctx, blkTypeFlush, 0, nil)
	return err
}

// ID returns the device serial, if it has one.
func (b *Block) ID(ctx context.Context) (string, error) {
	buf := make([]byte, blkIDLen)
	n, err := b.do(ctx, blkTypeGetID, 0, buf)
	if err != nil {
		return "", err
	}
	buf = buf[:n]
	for i, c := range buf {
		if c == 0 {
			buf = buf[:i]
			break
		}
	}
	return string(buf), nil
}

// HandleInterrupt rereads the configuration after a config change.
// Requests complete through polling.
func (b *Block) HandleInterrupt() ISRStatus {
	isr := b.dev.Transport.AckInterrupt()
	if isr.Config() {
		if err := b.readConfig(); err != nil {
			b.dev.Logger.Warn("virtio-blk: reread config", "err", err)
		} else {
			b.dev.Logger.Info("virtio-blk: capacity changed", "sectors", b.Capacity())
		}
	}
	return isr
}

func (b *Block) Close() error {
	return stop(context.Background(), b.dev, []*Queue{b.queue})
}
