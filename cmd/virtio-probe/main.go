// virtio-probe builds a simulated PCI machine, runs the virtio driver core
// over it and reports what it bound.
package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/virtiopci/internal/config"
	"github.com/tinyrange/virtiopci/internal/machine"
	"github.com/tinyrange/virtiopci/internal/netif"
	"github.com/tinyrange/virtiopci/internal/pcap"
	"github.com/tinyrange/virtiopci/internal/virtio"
)

const selftestChunk = 64 << 10

type probeTool struct {
	logger *slog.Logger
	out    io.Writer
	tty    bool
}

func (p *probeTool) Run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	configPath := fs.String("config", "", "Machine description (YAML); the built-in machine when empty")
	logLevel := fs.String("log", "", "Log level, overriding the config (debug, info, warn, error)")
	dumpConfig := fs.String("dump-config", "", "Write the effective config to this path and exit")
	timeout := fs.Duration("timeout", 30*time.Second, "Overall deadline")
	selftestBytes := fs.Int64("selftest-bytes", 0, "Write and verify this many bytes on the first block device")
	resolve := fs.String("resolve", "", "Resolve this name over the first network device")
	capturePath := fs.String("pcap", "", "Record frames crossing the network device to this pcap file")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	level, err := cfg.LogLevel()
	if err != nil {
		return err
	}
	if *dumpConfig != "" {
		return cfg.Write(*dumpConfig)
	}
	if *selftestBytes%virtio.SectorSize != 0 {
		return fmt.Errorf("selftest-bytes must be a multiple of %d", virtio.SectorSize)
	}

	p.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	p.out = os.Stdout
	p.tty = term.IsTerminal(int(os.Stderr.Fd()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	m, err := machine.New(cfg, p.logger)
	if err != nil {
		return err
	}
	defer m.Close()

	bound, err := m.Probe(ctx, nil)
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	defer func() {
		for _, b := range bound {
			if err := b.Driver.Close(); err != nil {
				p.logger.Warn("virtio-probe: close driver", "device", b, "err", err)
			}
		}
	}()
	p.report(bound)

	irqCtx, stopIRQ := context.WithCancel(ctx)
	irqDone := make(chan error, 1)
	go func() { irqDone <- m.ServeInterrupts(irqCtx, bound) }()
	defer func() {
		stopIRQ()
		<-irqDone
	}()

	if *selftestBytes > 0 {
		if err := p.selftest(ctx, bound, *selftestBytes); err != nil {
			return fmt.Errorf("selftest: %w", err)
		}
	}
	if *resolve != "" {
		if err := p.lookup(ctx, m, bound, *resolve, *capturePath); err != nil {
			return fmt.Errorf("resolve %s: %w", *resolve, err)
		}
	}
	return nil
}

func (p *probeTool) report(bound []*virtio.Bound) {
	tw := tabwriter.NewWriter(p.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tTYPE\tID\tFEATURES\tBARS\tDETAIL")
	for _, b := range bound {
		var detail string
		switch d := b.Driver.(type) {
		case *virtio.Block:
			detail = fmt.Sprintf("%d sectors ro=%v", d.Capacity(), d.ReadOnly())
		case *virtio.Net:
			detail = fmt.Sprintf("mac %s mtu %d", d.MAC(), d.MTU())
		}
		bars := make([]string, 0, len(b.BARs))
		for _, bar := range b.BARs {
			bars = append(bars, fmt.Sprintf("%d@%#x", bar.Index, bar.Base))
		}
		fmt.Fprintf(tw, "%s\t%s\t%04x:%04x\t%s\t%s\t%s\n", b.Function.Addr, b.Type, b.Function.VendorID, b.Function.DeviceID, b.Transport.Features(), strings.Join(bars, ","), detail)
	}
	tw.Flush()
}

func find[T virtio.Driver](bound []*virtio.Bound) (T, bool) {
	var zero T
	for _, b := range bound {
		if d, ok := b.Driver.(T); ok {
			return d, true
		}
	}
	return zero, false
}

func (p *probeTool) progress(total int64, title string) *progressbar.ProgressBar {
	if p.tty {
		return progressbar.DefaultBytes(total, title)
	}
	return progressbar.DefaultBytesSilent(total, title)
}

// selftest writes n bytes of device entropy to the first disk and reads
// them back.
func (p *probeTool) selftest(ctx context.Context, bound []*virtio.Bound, n int64) error {
	blk, ok := find[*virtio.Block](bound)
	if !ok {
		return errors.New("no block device bound")
	}
	if blk.ReadOnly() {
		return errors.New("block device is read-only")
	}
	if n > blk.Size() {
		return fmt.Errorf("%d bytes exceed the %d byte disk", n, blk.Size())
	}
	var source io.Reader = rand.Reader
	if rng, ok := find[*virtio.Entropy](bound); ok {
		source = rng
	}

	pattern := make([]byte, n)
	if _, err := io.ReadFull(source, pattern); err != nil {
		return fmt.Errorf("gather pattern: %w", err)
	}

	bar := p.progress(n, "write")
	for off := int64(0); off < n; off += selftestChunk {
		chunk := pattern[off:min(off+selftestChunk, n)]
		if _, err := blk.WriteSectors(ctx, chunk, off); err != nil {
			bar.Exit()
			return err
		}
		bar.Add(len(chunk))
	}
	bar.Finish()
	if err := blk.Flush(ctx); err != nil {
		return err
	}

	bar = p.progress(n, "verify")
	buf := make([]byte, selftestChunk)
	for off := int64(0); off < n; off += selftestChunk {
		chunk := buf[:min(selftestChunk, n-off)]
		if _, err := blk.ReadSectors(ctx, chunk, off); err != nil {
			bar.Exit()
			return err
		}
		if !bytes.Equal(chunk, pattern[off:off+int64(len(chunk))]) {
			bar.Exit()
			return fmt.Errorf("mismatch in the %d bytes at %d", len(chunk), off)
		}
		bar.Add(len(chunk))
	}
	bar.Finish()
	fmt.Fprintf(p.out, "selftest: %d bytes written and verified\n", n)
	return nil
}

func (p *probeTool) lookup(ctx context.Context, m *machine.Machine, bound []*virtio.Bound, name, capturePath string) error {
	nd, ok := find[*virtio.Net](bound)
	if !ok {
		return errors.New("no network device bound")
	}
	ncfg := netif.Config{Address: m.GuestAddress(), Logger: p.logger}
	if capturePath != "" {
		f, err := os.Create(capturePath)
		if err != nil {
			return err
		}
		defer f.Close()
		if ncfg.Capture, err = pcap.NewWriter(f, uint32(nd.MTU())+14); err != nil {
			return err
		}
		defer func() {
			p.logger.Info("virtio-probe: capture written", "path", capturePath, "frames", ncfg.Capture.Frames())
		}()
	}
	nic, err := netif.New(nd, ncfg)
	if err != nil {
		return err
	}
	defer nic.Close()

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- nic.Run(runCtx) }()
	defer func() {
		stop()
		<-done
	}()

	addrs, err := nic.LookupA(ctx, netip.AddrPortFrom(m.NetStack().Address(), 53), name)
	if err != nil {
		return err
	}
	for _, a := range addrs {
		fmt.Fprintf(p.out, "%s\t%s\n", name, a)
	}
	return nil
}

func main() {
	p := &probeTool{}
	if err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "virtio-probe: %v\n", err)
		os.Exit(1)
	}
}
