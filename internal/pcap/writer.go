// Package pcap records Ethernet frames crossing a virtio-net link in the
// classic libpcap format.
package pcap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"
)

const (
	LinkTypeEthernet uint32 = 1

	magicMicroseconds = 0xa1b2c3d4
	versionMajor      = 2
	versionMinor      = 4

	fileHeaderLen   = 24
	recordHeaderLen = 16

	// DefaultSnapLen keeps whole frames for any MTU a virtio-net device
	// reports.
	DefaultSnapLen = 65535
)

var ErrClosed = errors.New("pcap: writer closed")

// Writer appends frames to a capture stream. It is safe for concurrent use
// by the transmit and receive paths of one interface.
type Writer struct {
	snapLen uint32
	now     func() time.Time

	mu     sync.Mutex
	w      io.Writer
	frames uint64
	err    error
}

// NewWriter emits the file header immediately. A zero snapLen selects
// DefaultSnapLen.
func NewWriter(out io.Writer, snapLen uint32) (*Writer, error) {
	if snapLen == 0 {
		snapLen = DefaultSnapLen
	}
	var hdr [fileHeaderLen]byte
	binary.LittleEndian.PutUint32(hdr[0:4], magicMicroseconds)
	binary.LittleEndian.PutUint16(hdr[4:6], versionMajor)
	binary.LittleEndian.PutUint16(hdr[6:8], versionMinor)
	binary.LittleEndian.PutUint32(hdr[16:20], snapLen)
	binary.LittleEndian.PutUint32(hdr[20:24], LinkTypeEthernet)
	if _, err := out.Write(hdr[:]); err != nil {
		return nil, fmt.Errorf("pcap: write header: %w", err)
	}
	return &Writer{w: out, snapLen: snapLen, now: time.Now}, nil
}

// WriteFrame records frame stamped with the current time, truncated to the
// snap length. The first write error is sticky.
func (w *Writer) WriteFrame(frame []byte) error {
	return w.writeAt(w.now(), frame)
}

func (w *Writer) writeAt(ts time.Time, frame []byte) error {
	if len(frame) > math.MaxUint32 {
		return fmt.Errorf("pcap: %d byte frame overflows the record length", len(frame))
	}
	captured := frame
	if uint32(len(captured)) > w.snapLen {
		captured = captured[:w.snapLen]
	}
	sec := ts.Unix()
	if sec < 0 || sec > math.MaxUint32 {
		return fmt.Errorf("pcap: timestamp %s out of range", ts)
	}

	var rec [recordHeaderLen]byte
	binary.LittleEndian.PutUint32(rec[0:4], uint32(sec))
	binary.LittleEndian.PutUint32(rec[4:8], uint32(ts.Nanosecond()/1_000))
	binary.LittleEndian.PutUint32(rec[8:12], uint32(len(captured)))
	binary.LittleEndian.PutUint32(rec[12:16], uint32(len(frame)))

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	if _, err := w.w.Write(rec[:]); err != nil {
		w.err = fmt.Errorf("pcap: write record header: %w", err)
		return w.err
	}
	if _, err := w.w.Write(captured); err != nil {
		w.err = fmt.Errorf("pcap: write frame: %w", err)
		return w.err
	}
	w.frames++
	return nil
}

// Frames is the number of frames recorded.
func (w *Writer) Frames() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames
}

// Close stops further writes. It does not close the underlying writer.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == nil {
		w.err = ErrClosed
	}
	return nil
}
