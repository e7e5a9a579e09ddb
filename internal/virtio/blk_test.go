package virtio

import (
	"bytes"
	"context"
	"errors"
	"testing"

	sim "github.com/tinyrange/virtiopci/internal/devices/virtio"
	"github.com/tinyrange/virtiopci/internal/hal"
)

func probeBlock(t *testing.T, store *memStore, opts sim.BlkOptions) (*Block, *sim.Blk) {
	t.Helper()
	tb := newTestbed(t)
	backend, err := sim.NewBlk(store, int64(len(store.data)), opts)
	if err != nil {
		t.Fatal(err)
	}
	tb.plug(t, 1, backend)
	bound, err := tb.context(nil).Probe(context.Background())
	closeBound(t, bound)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if len(bound) != 1 {
		t.Fatalf("bound %d devices", len(bound))
	}
	blk, ok := bound[0].Driver.(*Block)
	if !ok {
		t.Fatalf("driver is %T", bound[0].Driver)
	}
	return blk, backend
}

func TestBlockReadWrite(t *testing.T) {
	store := &memStore{data: make([]byte, 256*SectorSize)}
	blk, _ := probeBlock(t, store, sim.BlkOptions{BlockSize: 4096})
	ctx := context.Background()

	if blk.Capacity() != 256 || blk.Size() != 256*SectorSize || blk.BlockSize() != 4096 {
		t.Fatalf("capacity %d, size %d, blk_size %d", blk.Capacity(), blk.Size(), blk.BlockSize())
	}
	if blk.ReadOnly() {
		t.Fatal("writable disk reported read-only")
	}

	// Larger than one transfer so the request is split.
	data := make([]byte, 96<<10)
	for i := range data {
		data[i] = byte(i * 7)
	}
	n, err := blk.WriteSectors(ctx, data, 8*SectorSize)
	if err != nil || n != len(data) {
		t.Fatalf("WriteSectors = %d, %v", n, err)
	}
	if !bytes.Equal(store.data[8*SectorSize:8*SectorSize+len(data)], data) {
		t.Fatal("storage does not hold the written data")
	}

	got := make([]byte, len(data))
	if n, err := blk.ReadSectors(ctx, got, 8*SectorSize); err != nil || n != len(got) {
		t.Fatalf("ReadSectors = %d, %v", n, err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("read back differs from what was written")
	}

	if err := blk.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if store.flushes != 1 {
		t.Fatalf("storage flushed %d times", store.flushes)
	}
}

func TestBlockRange(t *testing.T) {
	blk, _ := probeBlock(t, &memStore{data: make([]byte, 16*SectorSize)}, sim.BlkOptions{})
	ctx := context.Background()

	tests := []struct {
		name string
		len  int
		off  int64
		want error
	}{
		{"unaligned offset", SectorSize, 100, ErrUnaligned},
		{"unaligned length", 100, 0, ErrUnaligned},
		{"past end", 2 * SectorSize, 15 * SectorSize, ErrBlockIO},
		{"negative", SectorSize, -SectorSize, ErrBlockIO},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := blk.ReadSectors(ctx, make([]byte, tt.len), tt.off); !errors.Is(err, tt.want) {
				t.Fatalf("ReadSectors = %v, want %v", err, tt.want)
			}
			if _, err := blk.WriteSectors(ctx, make([]byte, tt.len), tt.off); !errors.Is(err, tt.want) {
				t.Fatalf("WriteSectors = %v, want %v", err, tt.want)
			}
		})
	}
	if n, err := blk.ReadAt(make([]byte, SectorSize), 15*SectorSize); err != nil || n != SectorSize {
		t.Fatalf("last sector ReadAt = %d, %v", n, err)
	}
}

func TestBlockReadOnly(t *testing.T) {
	store := &memStore{data: bytes.Repeat([]byte{0xab}, 8*SectorSize)}
	blk, _ := probeBlock(t, store, sim.BlkOptions{ReadOnly: true})

	if !blk.ReadOnly() {
		t.Fatal("read-only disk reported writable")
	}
	if _, err := blk.WriteAt(make([]byte, SectorSize), 0); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("WriteAt = %v, want ErrReadOnly", err)
	}
	if store.data[0] != 0xab {
		t.Fatal("read-only disk modified")
	}
	buf := make([]byte, SectorSize)
	if _, err := blk.ReadAt(buf, 0); err != nil || buf[0] != 0xab {
		t.Fatalf("ReadAt = %#x, %v", buf[0], err)
	}
}

func TestBlockID(t *testing.T) {
	blk, _ := probeBlock(t, &memStore{data: make([]byte, 8*SectorSize)}, sim.BlkOptions{ID: "disk0"})
	id, err := blk.ID(context.Background())
	if err != nil || id != "disk0" {
		t.Fatalf("ID = %q, %v", id, err)
	}
}

func TestBlockResize(t *testing.T) {
	blk, backend := probeBlock(t, &memStore{data: make([]byte, 64*SectorSize)}, sim.BlkOptions{})
	if blk.Capacity() != 64 {
		t.Fatalf("capacity %d", blk.Capacity())
	}
	backend.Resize(32 * SectorSize)
	isr := blk.HandleInterrupt()
	if !isr.Config() {
		t.Fatalf("ISR %#x lacks the config bit", uint8(isr))
	}
	if blk.Capacity() != 32 {
		t.Fatalf("capacity %d after resize, want 32", blk.Capacity())
	}
	if _, err := blk.ReadAt(make([]byte, SectorSize), 40*SectorSize); !errors.Is(err, ErrBlockIO) {
		t.Fatalf("read past new end = %v", err)
	}
}

func TestBlockBringUpFailureResets(t *testing.T) {
	tests := []struct {
		name    string
		faults  sim.Faults
		exhaust bool
	}{
		{name: "config never settles", faults: sim.Faults{UnstableGeneration: 1 << 20}},
		{name: "no memory for the ring", exhaust: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tb := newTestbed(t)
			backend, err := sim.NewBlk(&memStore{data: make([]byte, 8*SectorSize)}, 8*SectorSize, sim.BlkOptions{})
			if err != nil {
				t.Fatal(err)
			}
			dev := tb.plug(t, 1, backend, sim.WithFaults(tt.faults))
			var hog hal.DMARegion
			if tt.exhaust {
				if hog, err = tb.pool.DMAAlloc(tb.pool.FreePages(), hal.Both); err != nil {
					t.Fatalf("DMAAlloc: %v", err)
				}
			}

			bound, err := tb.context(nil).Probe(context.Background())
			closeBound(t, bound)
			if err != nil || len(bound) != 0 {
				t.Fatalf("Probe = %v, %v; want nothing bound", bound, err)
			}
			writes := dev.StatusWrites()
			if len(writes) == 0 || writes[len(writes)-1] != 0 || dev.Status() != 0 {
				t.Fatalf("status writes %v, status %#x; want the device left reset", writes, dev.Status())
			}
			var sawFeaturesOK bool
			for _, w := range writes {
				sawFeaturesOK = sawFeaturesOK || w&uint8(StatusFeaturesOK) != 0
			}
			if !sawFeaturesOK {
				t.Fatalf("status writes %v never reached FEATURES_OK", writes)
			}

			if tt.exhaust {
				tb.pool.DMADealloc(hog)
			}
			if allocs, shares := tb.pool.Outstanding(); allocs != 0 || shares != 0 {
				t.Fatalf("outstanding %d allocations, %d shares", allocs, shares)
			}
		})
	}
}
