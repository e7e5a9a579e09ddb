package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tinyrange/virtiopci/internal/virtio"
)

const sample = `
version: 1
log:
  level: debug
bus:
  ecamSize: 0x200000
  maxBus: 1
dma:
  pages: 64
bringUp:
  timeout: 250ms
  retries: 2
  withhold: [RING_EVENT_IDX, ring_indirect_desc]
devices:
  - kind: Block
    slot: 1
    readOnly: true
  - kind: network
    bus: 1
    slot: 4
    layout:
      notifyMultiplier: 8
      transitional: true
    faults:
      omitCaps: [isr]
      needsReset: 1
`

func TestParse(t *testing.T) {
	c, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	t.Run("defaults", func(t *testing.T) {
		if c.Bus.ECAMBase != DefaultECAMBase || c.Bus.MMIOBase != DefaultMMIOBase {
			t.Fatalf("bus = %+v", c.Bus)
		}
		if c.DMA.Base != DefaultDMABase || c.DMA.Pages != 64 {
			t.Fatalf("dma = %+v", c.DMA)
		}
		if c.Probe.Concurrency != DefaultConcurrency {
			t.Fatalf("concurrency = %d", c.Probe.Concurrency)
		}
		if got := c.BringUp.PollInterval.Std(); got != DefaultPollInterval {
			t.Fatalf("pollInterval = %v", got)
		}
		if c.Devices[0].CapacitySectors != DefaultCapacity {
			t.Fatalf("capacity = %d", c.Devices[0].CapacitySectors)
		}
		if c.Devices[0].Kind != KindBlock {
			t.Fatalf("kind = %q, want lower case", c.Devices[0].Kind)
		}
		if c.Devices[1].MAC != "02:00:00:00:01:20" {
			t.Fatalf("mac = %q", c.Devices[1].MAC)
		}
	})

	t.Run("bring-up", func(t *testing.T) {
		p := c.Poll()
		if p.Timeout != 250*time.Millisecond {
			t.Fatalf("timeout = %v", p.Timeout)
		}
		w, err := c.Withhold()
		if err != nil {
			t.Fatalf("Withhold: %v", err)
		}
		if want := virtio.FeatureEventIdx | virtio.FeatureIndirectDesc; w != want {
			t.Fatalf("withhold = %v, want %v", w, want)
		}
		if l, _ := c.LogLevel(); l != slog.LevelDebug {
			t.Fatalf("level = %v", l)
		}
	})

	t.Run("overrides", func(t *testing.T) {
		l := c.Devices[1].Layout
		if l == nil || l.NotifyMultiplier == nil || *l.NotifyMultiplier != 8 || !l.Transitional {
			t.Fatalf("layout = %+v", l)
		}
		omit, err := CapTypes(c.Devices[1].Faults.OmitCaps)
		if err != nil || len(omit) != 1 || omit[0] != 3 {
			t.Fatalf("omit = %v, %v", omit, err)
		}
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"version", "version: 2", "unsupported version"},
		{"level", "log: {level: loud}", "log.level"},
		{"host bridge", "devices: [{kind: block, slot: 0}]", "host bridge"},
		{"slot", "devices: [{kind: block, slot: 40}]", "invalid location"},
		{"bus", "devices: [{kind: block, bus: 1, slot: 1}]", "invalid location"},
		{"duplicate", "devices: [{kind: block, slot: 1}, {kind: entropy, slot: 1}]", "used twice"},
		{"kind", "devices: [{kind: gpu, slot: 1}]", "unknown kind"},
		{"mac", "devices: [{kind: network, slot: 1, mac: nope}]", "bad mac"},
		{"feature", "bringUp: {withhold: [WARP_DRIVE]}", "withhold"},
		{"cap", "devices: [{kind: block, slot: 1, faults: {shortCaps: [bogus]}}]", "unknown capability"},
		{"ecam", "bus: {ecamSize: 0x1000}", "whole number"},
		{"address", "network: {guestAddress: fd00::2/64}", "IPv4"},
		{"duration", "bringUp: {timeout: soon}", "line"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			if err == nil {
				t.Fatalf("Parse(%q) succeeded", tt.doc)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Parse(%q) = %v, want %q", tt.doc, err, tt.want)
			}
		})
	}
}

func TestWriteLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machine.yml")
	c := Default()
	c.BringUp.Withhold = []string{"RING_EVENT_IDX"}
	if err := c.Write(path); err != nil {
		t.Fatalf("Write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "timeout: 1s") {
		t.Fatalf("durations not written as strings:\n%s", data)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Devices) != 3 || got.Devices[2].MAC != c.Devices[2].MAC {
		t.Fatalf("devices = %+v", got.Devices)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Fatal("Load of a missing file succeeded")
	}
}
