package pcap

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

func TestWriterStream(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, 4)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	ts := time.Unix(1_700_000_000, 250_000_000)
	if err := w.writeAt(ts, []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee}); err != nil {
		t.Fatalf("writeAt: %v", err)
	}

	b := buf.Bytes()
	if len(b) != fileHeaderLen+recordHeaderLen+4 {
		t.Fatalf("stream is %d bytes", len(b))
	}
	if got := binary.LittleEndian.Uint32(b[0:4]); got != magicMicroseconds {
		t.Fatalf("magic %#x", got)
	}
	if got := binary.LittleEndian.Uint32(b[16:20]); got != 4 {
		t.Fatalf("snap length %d", got)
	}
	if got := binary.LittleEndian.Uint32(b[20:24]); got != LinkTypeEthernet {
		t.Fatalf("link type %d", got)
	}
	rec := b[fileHeaderLen:]
	if sec, usec := binary.LittleEndian.Uint32(rec[0:4]), binary.LittleEndian.Uint32(rec[4:8]); sec != 1_700_000_000 || usec != 250_000 {
		t.Fatalf("timestamp %d.%06d", sec, usec)
	}
	if incl, orig := binary.LittleEndian.Uint32(rec[8:12]), binary.LittleEndian.Uint32(rec[12:16]); incl != 4 || orig != 5 {
		t.Fatalf("lengths captured=%d original=%d, want 4 and 5", incl, orig)
	}
	if !bytes.Equal(rec[recordHeaderLen:], []byte{0xaa, 0xbb, 0xcc, 0xdd}) {
		t.Fatalf("payload % x", rec[recordHeaderLen:])
	}
	if w.Frames() != 1 {
		t.Fatalf("Frames = %d", w.Frames())
	}
}

func TestWriterDefaultSnapLen(t *testing.T) {
	var buf bytes.Buffer
	if _, err := NewWriter(&buf, 0); err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if got := binary.LittleEndian.Uint32(buf.Bytes()[16:20]); got != DefaultSnapLen {
		t.Fatalf("snap length %d", got)
	}
}

type failingWriter struct{ after int }

func (f *failingWriter) Write(p []byte) (int, error) {
	if f.after <= 0 {
		return 0, errors.New("disk full")
	}
	f.after--
	return len(p), nil
}

func TestWriterErrors(t *testing.T) {
	if _, err := NewWriter(&failingWriter{}, 0); err == nil {
		t.Fatal("header write failure not reported")
	}

	w, err := NewWriter(&failingWriter{after: 1}, 0)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	first := w.WriteFrame([]byte{1})
	if first == nil {
		t.Fatal("record write failure not reported")
	}
	if err := w.WriteFrame([]byte{2}); err != first {
		t.Fatalf("second write = %v, want sticky %v", err, first)
	}

	var buf bytes.Buffer
	w, err = NewWriter(&buf, 0)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	w.Close()
	if err := w.WriteFrame([]byte{1}); !errors.Is(err, ErrClosed) {
		t.Fatalf("write after Close = %v", err)
	}
	if buf.Len() != fileHeaderLen {
		t.Fatalf("closed writer wrote %d bytes", buf.Len()-fileHeaderLen)
	}
}
