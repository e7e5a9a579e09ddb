package virtio

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/virtiopci/internal/pci"
)

// CfgType identifies the structure a virtio vendor capability locates.
type CfgType uint8

const (
	CfgCommon CfgType = 1
	CfgNotify CfgType = 2
	CfgISR    CfgType = 3
	CfgDevice CfgType = 4
	CfgPCI    CfgType = 5
)

func (t CfgType) String() string {
	switch t {
	case CfgCommon:
		return "common"
	case CfgNotify:
		return "notify"
	case CfgISR:
		return "isr"
	case CfgDevice:
		return "device"
	case CfgPCI:
		return "pci-cfg"
	}
	return fmt.Sprintf("cfg-type(%d)", uint8(t))
}

// Layout of struct virtio_pci_cap relative to the capability offset.
const (
	capOffBar        = 4
	capOffBarOffset  = 8
	capOffLength     = 12
	capOffMultiplier = 16

	capMinLen       = 16
	notifyCapMinLen = 20
)

// CapabilityRecord locates one virtio structure inside a BAR.
type CapabilityRecord struct {
	Type   CfgType
	Offset uint8 // position of the capability in configuration space

	Bar       uint8
	BarOffset uint32
	Length    uint32

	// NotifyMultiplier is only read for CfgNotify.
	NotifyMultiplier uint32
}

func (r CapabilityRecord) String() string {
	s := fmt.Sprintf("%s@%#x: BAR%d+%#x len %#x", r.Type, r.Offset, r.Bar, r.BarOffset, r.Length)
	if r.Type == CfgNotify {
		s += fmt.Sprintf(" mult %d", r.NotifyMultiplier)
	}
	return s
}

// CapabilitySet holds the first record seen of each structure type.
type CapabilitySet struct {
	Common *CapabilityRecord
	Notify *CapabilityRecord
	ISR    *CapabilityRecord
	Device *CapabilityRecord
}

func (s *CapabilitySet) slot(t CfgType) **CapabilityRecord {
	switch t {
	case CfgCommon:
		return &s.Common
	case CfgNotify:
		return &s.Notify
	case CfgISR:
		return &s.ISR
	case CfgDevice:
		return &s.Device
	}
	return nil
}

func (s CapabilitySet) Get(t CfgType) (CapabilityRecord, bool) {
	p := s.slot(t)
	if p == nil || *p == nil {
		return CapabilityRecord{}, false
	}
	return **p, true
}

// Complete reports whether every structure, including the optional
// device configuration, was found.
func (s CapabilitySet) Complete() bool {
	return s.Common != nil && s.Notify != nil && s.ISR != nil && s.Device != nil
}

// ScanCapabilities collects the virtio structure locations of a function.
// The caller must hold the configuration space lock for the whole walk
// (pci.ConfigSpace.With). Malformed, unknown and duplicate entries are
// skipped.
func ScanCapabilities(cfg pci.Config, logger *slog.Logger) CapabilitySet {
	if logger == nil {
		logger = slog.Default()
	}
	var set CapabilitySet

	caps, err := cfg.Capabilities()
	if err != nil {
		logger.Warn("virtio-pci: capability list truncated", "addr", cfg.Address(), "err", err)
	}
	for _, c := range caps {
		if c.ID != pci.CapVendorSpecific {
			continue
		}
		off := uint16(c.Offset)
		private := cfg.Read32(off) >> 16
		capLen := uint8(private)
		cfgType := CfgType(private >> 8)

		if capLen < capMinLen {
			logger.Debug("virtio-pci: skipping short capability", "addr", cfg.Address(), "offset", c.Offset, "len", capLen)
			continue
		}
		slot := set.slot(cfgType)
		if slot == nil {
			logger.Debug("virtio-pci: skipping capability", "addr", cfg.Address(), "offset", c.Offset, "type", cfgType)
			continue
		}
		if *slot != nil {
			logger.Debug("virtio-pci: ignoring duplicate capability", "addr", cfg.Address(), "offset", c.Offset, "type", cfgType)
			continue
		}

		rec := &CapabilityRecord{
			Type:      cfgType,
			Offset:    c.Offset,
			Bar:       uint8(cfg.Read32(off + capOffBar)),
			BarOffset: cfg.Read32(off + capOffBarOffset),
			Length:    cfg.Read32(off + capOffLength),
		}
		if cfgType == CfgNotify && capLen >= notifyCapMinLen {
			rec.NotifyMultiplier = cfg.Read32(off + capOffMultiplier)
		}
		*slot = rec
	}
	return set
}
