// Package config loads the description of a simulated machine and how the
// driver core should bring it up.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/virtiopci/internal/virtio"
)

const (
	DefaultECAMBase     = 0x3000_0000
	DefaultECAMSize     = 0x0010_0000 // bus 0 only
	DefaultMMIOBase     = 0x4000_0000
	DefaultMMIOSize     = 0x1000_0000
	DefaultDMABase      = 0x8000_0000
	DefaultDMAPages     = 1024
	DefaultConcurrency  = 4
	DefaultCapacity     = 2048 // sectors
	DefaultTimeout      = time.Second
	DefaultPollInterval = 100 * time.Microsecond
)

const (
	KindBlock   = "block"
	KindEntropy = "entropy"
	KindNetwork = "network"
)

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root of a machine description.
type Config struct {
	Version int `yaml:"version"`

	Log     LogConfig     `yaml:"log"`
	Bus     BusConfig     `yaml:"bus"`
	DMA     DMAConfig     `yaml:"dma"`
	BringUp BringUpConfig `yaml:"bringUp"`
	Probe   ProbeConfig   `yaml:"probe"`
	Network NetworkConfig `yaml:"network"`

	Devices []Device `yaml:"devices"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type BusConfig struct {
	ECAMBase uint64 `yaml:"ecamBase"`
	ECAMSize uint64 `yaml:"ecamSize"`
	MaxBus   uint8  `yaml:"maxBus"`
	MMIOBase uint64 `yaml:"mmioBase"`
	MMIOSize uint64 `yaml:"mmioSize"`
	// Firmware assigns BARs before the driver core runs.
	Firmware bool `yaml:"firmware,omitempty"`
}

type DMAConfig struct {
	Base  uint64 `yaml:"base"`
	Pages int    `yaml:"pages"`
	// Mmap backs DMA memory with an anonymous mapping instead of the heap.
	Mmap bool `yaml:"mmap,omitempty"`
}

type BringUpConfig struct {
	Timeout      Duration `yaml:"timeout"`
	PollInterval Duration `yaml:"pollInterval"`
	Retries      int      `yaml:"retries"`
	// Withhold names features no driver may accept.
	Withhold []string `yaml:"withhold,omitempty"`
}

type ProbeConfig struct {
	Concurrency int `yaml:"concurrency"`
}

type NetworkConfig struct {
	HostAddress  string            `yaml:"hostAddress"`
	GuestAddress string            `yaml:"guestAddress"`
	Hosts        map[string]string `yaml:"hosts,omitempty"`
}

// Device is one simulated virtio function.
type Device struct {
	Kind     string `yaml:"kind"`
	Bus      uint8  `yaml:"bus,omitempty"`
	Slot     uint8  `yaml:"slot"`
	Function uint8  `yaml:"function,omitempty"`

	CapacitySectors uint64 `yaml:"capacitySectors,omitempty"`
	ReadOnly        bool   `yaml:"readOnly,omitempty"`
	Image           string `yaml:"image,omitempty"`
	MAC             string `yaml:"mac,omitempty"`
	MTU             uint16 `yaml:"mtu,omitempty"`

	Layout *Layout `yaml:"layout,omitempty"`
	Faults *Faults `yaml:"faults,omitempty"`
}

// Layout overrides where the virtio structures live.
type Layout struct {
	CommonBAR        *uint8  `yaml:"commonBar,omitempty"`
	NotifyBAR        *uint8  `yaml:"notifyBar,omitempty"`
	ISRBAR           *uint8  `yaml:"isrBar,omitempty"`
	DeviceBAR        *uint8  `yaml:"deviceBar,omitempty"`
	DeviceOffset     *uint32 `yaml:"deviceOffset,omitempty"`
	NotifyMultiplier *uint32 `yaml:"notifyMultiplier,omitempty"`
	Transitional     bool    `yaml:"transitional,omitempty"`
	SubsystemID      uint16  `yaml:"subsystemId,omitempty"`
	MSIX             bool    `yaml:"msix,omitempty"`
}

// Faults makes a simulated device misbehave.
type Faults struct {
	RejectFeatures bool     `yaml:"rejectFeatures,omitempty"`
	NeedsReset     int      `yaml:"needsReset,omitempty"`
	ResetDelay     int      `yaml:"resetDelay,omitempty"`
	Unstable       int      `yaml:"unstableGeneration,omitempty"`
	OmitCaps       []string `yaml:"omitCaps,omitempty"`
	ShortCaps      []string `yaml:"shortCaps,omitempty"`
	DuplicateCaps  bool     `yaml:"duplicateCaps,omitempty"`
}

var capNames = map[string]uint8{
	"common": 1,
	"notify": 2,
	"isr":    3,
	"device": 4,
	"pci":    5,
}

// CapTypes maps capability names to cfg_type values.
func CapTypes(names []string) ([]uint8, error) {
	var out []uint8
	for _, n := range names {
		t, ok := capNames[strings.ToLower(n)]
		if !ok {
			return nil, fmt.Errorf("config: unknown capability %q", n)
		}
		out = append(out, t)
	}
	return out, nil
}

// Default is a machine with one device of each kind.
func Default() *Config {
	c := &Config{
		Devices: []Device{
			{Kind: KindBlock, Slot: 1},
			{Kind: KindEntropy, Slot: 2},
			{Kind: KindNetwork, Slot: 3},
		},
	}
	c.normalize()
	return c
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Bus.ECAMBase == 0 {
		c.Bus.ECAMBase = DefaultECAMBase
	}
	if c.Bus.ECAMSize == 0 {
		c.Bus.ECAMSize = DefaultECAMSize
	}
	if c.Bus.MMIOBase == 0 {
		c.Bus.MMIOBase = DefaultMMIOBase
	}
	if c.Bus.MMIOSize == 0 {
		c.Bus.MMIOSize = DefaultMMIOSize
	}
	if c.DMA.Base == 0 {
		c.DMA.Base = DefaultDMABase
	}
	if c.DMA.Pages == 0 {
		c.DMA.Pages = DefaultDMAPages
	}
	if c.BringUp.Timeout == 0 {
		c.BringUp.Timeout = Duration(DefaultTimeout)
	}
	if c.BringUp.PollInterval == 0 {
		c.BringUp.PollInterval = Duration(DefaultPollInterval)
	}
	if c.Probe.Concurrency == 0 {
		c.Probe.Concurrency = DefaultConcurrency
	}
	if c.Network.HostAddress == "" {
		c.Network.HostAddress = "10.42.0.1/24"
	}
	if c.Network.GuestAddress == "" {
		c.Network.GuestAddress = "10.42.0.2/24"
	}
	for i := range c.Devices {
		d := &c.Devices[i]
		d.Kind = strings.ToLower(d.Kind)
		if d.Kind == KindBlock && d.CapacitySectors == 0 && d.Image == "" {
			d.CapacitySectors = DefaultCapacity
		}
		if d.Kind == KindNetwork && d.MAC == "" {
			d.MAC = fmt.Sprintf("02:00:00:00:%02x:%02x", d.Bus, d.Slot<<3|d.Function)
		}
	}
}

// Validate reports the first inconsistency in c.
func (c *Config) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("config: unsupported version %d", c.Version)
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	if c.Bus.ECAMSize%(1<<20) != 0 {
		return fmt.Errorf("config: ecamSize %#x is not a whole number of buses", c.Bus.ECAMSize)
	}
	if int(c.Bus.MaxBus) >= int(c.Bus.ECAMSize>>20) {
		return fmt.Errorf("config: maxBus %d beyond the %d buses the ECAM window covers", c.Bus.MaxBus, c.Bus.ECAMSize>>20)
	}
	if c.DMA.Pages < 0 {
		return fmt.Errorf("config: negative dma.pages")
	}
	if c.BringUp.Retries < 0 {
		return fmt.Errorf("config: negative bringUp.retries")
	}
	if _, err := c.Withhold(); err != nil {
		return err
	}
	for _, a := range []string{c.Network.HostAddress, c.Network.GuestAddress} {
		if p, err := netip.ParsePrefix(a); err != nil || !p.Addr().Is4() {
			return fmt.Errorf("config: %q is not an IPv4 prefix", a)
		}
	}

	seen := make(map[[3]uint8]bool)
	for i, d := range c.Devices {
		loc := [3]uint8{d.Bus, d.Slot, d.Function}
		if d.Bus == 0 && d.Slot == 0 && d.Function == 0 {
			return fmt.Errorf("config: device %d: 00:00.0 is the host bridge", i)
		}
		if d.Slot > 31 || d.Function > 7 || d.Bus > c.Bus.MaxBus {
			return fmt.Errorf("config: device %d: invalid location %02x:%02x.%x", i, d.Bus, d.Slot, d.Function)
		}
		if seen[loc] {
			return fmt.Errorf("config: device %d: %02x:%02x.%x used twice", i, d.Bus, d.Slot, d.Function)
		}
		seen[loc] = true
		switch d.Kind {
		case KindBlock, KindEntropy:
		case KindNetwork:
			if mac, err := net.ParseMAC(d.MAC); err != nil || len(mac) != 6 {
				return fmt.Errorf("config: device %d: bad mac %q", i, d.MAC)
			}
		default:
			return fmt.Errorf("config: device %d: unknown kind %q", i, d.Kind)
		}
		if d.Faults != nil {
			if _, err := CapTypes(d.Faults.OmitCaps); err != nil {
				return fmt.Errorf("config: device %d: %w", i, err)
			}
			if _, err := CapTypes(d.Faults.ShortCaps); err != nil {
				return fmt.Errorf("config: device %d: %w", i, err)
			}
		}
	}
	return nil
}

// LogLevel parses log.level.
func (c *Config) LogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("config: log.level: %w", err)
	}
	return l, nil
}

// Withhold maps bringUp.withhold to feature bits.
func (c *Config) Withhold() (virtio.Features, error) {
	var f virtio.Features
	for _, name := range c.BringUp.Withhold {
		bit, err := virtio.ParseFeature(name)
		if err != nil {
			return 0, fmt.Errorf("config: bringUp.withhold: %w", err)
		}
		f |= bit
	}
	return f, nil
}

// Poll returns the bring-up polling options.
func (c *Config) Poll() virtio.PollOptions {
	return virtio.PollOptions{
		Timeout:  c.BringUp.Timeout.Std(),
		Interval: c.BringUp.PollInterval.Std(),
	}
}

// Parse decodes, defaults and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Write encodes c as YAML to path.
func (c *Config) Write(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create config: %w", err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close config: %w", err)
	}
	return nil
}
