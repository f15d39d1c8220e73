//go:build linux

// Package vmm runs a guest: it builds the guest address space from a platform
// profile, loads the kernel, and dispatches VM exits until the guest shuts
// down.
package vmm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/c35s/gkvisor/console"
	"github.com/c35s/gkvisor/image"
	"github.com/c35s/gkvisor/mem"
	"github.com/c35s/gkvisor/platform"
	"github.com/c35s/gkvisor/vcpu"
	"golang.org/x/sync/errgroup"
)

// Config describes a new VM.
type Config struct {

	// Profile describes the machine. If Profile.Arch is empty, the
	// default profile of the host arch is used.
	Profile platform.Profile

	// Source holds the kernel image named by Profile.Image.
	Source image.Source

	// Backend runs the vCPU. If Backend is nil, the host's KVM is used.
	// Setting Backend is probably only useful for testing.
	Backend Backend

	// Console is the guest console. If Console is nil, output is dropped
	// and there is no input. If Console is a console.Pumper, it is pumped
	// while the VM runs.
	Console console.Console

	// Clock drives the guest timer. If Clock is nil, a host clock running
	// at Profile.Timebase is used.
	Clock Clock

	// Arg is passed to the guest in its first argument register.
	Arg uint64

	// Logger receives the VM's log. If Logger is nil, slog.Default is used.
	Logger *slog.Logger

	// OnExit, if set, is called on the dispatcher goroutine after every exit
	// is handled.
	OnExit func(vcpu.ExitReason)
}

// Backend is a virtualization substrate: it installs guest memory into the
// second-stage tables and creates the one vCPU.
type Backend interface {
	mem.Installer

	Arch() vcpu.Arch

	// NewVCPU returns a vCPU in its boot state, and the Runner that enters
	// it. The backend may write boot structures to the scratch area.
	NewVCPU(as *mem.AddressSpace, boot vcpu.Boot) (vcpu.Context, vcpu.Runner, error)

	Close() error
}

// VM is a configured guest.
type VM struct {
	cfg     Config
	backend Backend
	as      *mem.AddressSpace
	image   image.Image
	timer   *TimerInjector
	faults  *FaultHandler
	d       *Dispatcher
	log     *slog.Logger

	shutdown vcpu.Shutdown
}

// New creates a VM and loads its kernel. The guest doesn't run until Run.
func New(cfg Config) (_ *VM, err error) {
	cfg, err = cfg.withDefaults()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	m := &VM{cfg: cfg, log: cfg.Logger.With("arch", cfg.Profile.Arch)}
	defer func() {
		if err != nil {
			m.Close()
		}
	}()

	m.backend = cfg.Backend
	if m.backend == nil {
		if m.backend, err = defaultBackend(cfg.Profile.Arch); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSetup, err)
		}
	}

	if a := m.backend.Arch(); a != cfg.Profile.Arch {
		return nil, fmt.Errorf("%w: backend arch %s != profile arch %s", ErrConfig, a, cfg.Profile.Arch)
	}

	p := cfg.Profile
	m.as = mem.New(m.backend)

	if _, err := m.as.Allocate(p.RAMBase, p.RAMSize); err != nil {
		return nil, fmt.Errorf("%w: ram: %w", ErrMapping, err)
	}

	regions, err := m.reserveRegions()
	if err != nil {
		return nil, err
	}

	m.faults = &FaultHandler{as: m.as, regions: regions, log: m.log}

	if p.Handoff {
		if err := m.faults.MapAll(); err != nil {
			return nil, err
		}
	}

	loader := image.Loader{
		Source:      cfg.Source,
		Name:        p.Image,
		LoadAddr:    p.LoadAddr,
		EntryOffset: p.EntryOffset,
		Limit:       p.RAMBase + p.RAMSize,
	}

	if m.image, err = loader.Load(m.as); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoad, err)
	}

	m.log.Info("image loaded",
		"name", m.image.Name,
		"size", m.image.Size,
		"load", fmt.Sprintf("%#x", m.image.LoadAddr),
		"entry", fmt.Sprintf("%#x", m.image.Entry))

	boot := vcpu.Boot{
		Entry:   m.image.Entry,
		Arg:     cfg.Arg,
		Scratch: p.Scratch,
	}

	ctx, runner, err := m.backend.NewVCPU(m.as, boot)
	if err != nil {
		return nil, fmt.Errorf("%w: vcpu: %w", ErrSetup, err)
	}

	m.timer = NewTimerInjector(cfg.Clock, runner.Kick)

	m.d = &Dispatcher{
		ctx:     ctx,
		runner:  runner,
		faults:  m.faults,
		timer:   m.timer,
		handoff: p.Handoff,
		log:     m.log,
		onExit:  cfg.OnExit,
		exits:   make(map[vcpu.Kind]int),

		calls: &HypercallService{
			Console: cfg.Console,
			Timer:   m.timer,
			Mem:     m.as,
		},
	}

	return m, nil
}

// reserveRegions backs every passthrough region with host memory, and checks
// the magic of those that have one.
func (m *VM) reserveRegions() ([]passthrough, error) {
	var regions []passthrough

	for _, r := range m.cfg.Profile.Regions {
		var (
			host []byte
			err  error
		)

		if r.Backing != "" {
			host, err = m.as.ReserveFile(r.Backing, r.Size)
		} else {
			host, err = m.as.Reserve(r.Size)
		}

		if err != nil {
			return nil, fmt.Errorf("%w: region %s: %w", ErrSetup, r.Name, err)
		}

		if r.Magic != "" {
			if r.Backing == "" {
				copy(host, r.Magic)
			} else if !bytes.HasPrefix(host, []byte(r.Magic)) {
				return nil, fmt.Errorf("%w: region %s: %s doesn't start with %q",
					ErrSetup, r.Name, r.Backing, r.Magic)
			}
		}

		regions = append(regions, passthrough{Region: r, host: host})
	}

	return regions, nil
}

// Run runs the guest until it shuts down or something fatal happens. The
// vCPU runs on its own locked OS thread; ctx only scopes the console pump,
// since the guest itself can't be cancelled.
func (m *VM) Run(ctx context.Context) error {
	if m.d == nil {
		return fmt.Errorf("%w: vm is closed", ErrTransition)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		defer m.timer.Close()

		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		sd, err := m.d.Run()
		m.shutdown = sd
		return err
	})

	if p, ok := m.cfg.Console.(console.Pumper); ok {
		g.Go(func() error {
			if err := p.Pump(ctx); err != nil {
				m.log.Error("console", "err", err)
			}

			return nil
		})
	}

	err := g.Wait()

	st := m.Stats()
	m.log.Info("vm stats",
		"exits", st.Exits,
		"unsupported", st.Unsupported,
		"installs", st.Installs,
		"timer_fires", st.TimerFires)

	return err
}

// Shutdown returns the guest's shutdown request after Run returns nil.
func (m *VM) Shutdown() vcpu.Shutdown {
	return m.shutdown
}

// Image describes the loaded kernel.
func (m *VM) Image() image.Image {
	return m.image
}

// State returns the dispatcher's state.
func (m *VM) State() State {
	if m.d == nil {
		return Loading
	}

	return m.d.State()
}

// Mappings returns the guest address space's translation table.
func (m *VM) Mappings() []mem.Mapping {
	return m.as.Mappings()
}

// Stats returns counters for the run so far.
func (m *VM) Stats() Stats {
	var st Stats
	if m.d != nil {
		st = m.d.stats()
	}

	if m.faults != nil {
		st.Installs = m.faults.Installs()
	}

	if m.timer != nil {
		st.TimerFires = m.timer.Fires()
	}

	return st
}

// Close releases the backend and guest memory.
func (m *VM) Close() error {
	var errs []error

	if m.timer != nil {
		m.timer.Close()
	}

	if m.backend != nil {
		errs = append(errs, m.backend.Close())
		m.backend = nil
	}

	if m.as != nil {
		errs = append(errs, m.as.Close())
		m.as = nil
	}

	m.d = nil
	return errors.Join(errs...)
}

func (cfg Config) withDefaults() (Config, error) {
	if cfg.Profile.Arch == "" {
		p, err := platform.Default(platform.Host())
		if err != nil {
			return cfg, err
		}

		cfg.Profile = p
	}

	if cfg.Console == nil {
		cfg.Console = console.Discard
	}

	if cfg.Clock == nil && cfg.Profile.Timebase != 0 {
		cfg.Clock = NewHostClock(cfg.Profile.Timebase)
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return cfg, nil
}

func (cfg Config) validate() error {
	if err := cfg.Profile.Validate(); err != nil {
		return err
	}

	if cfg.Source == nil {
		return errors.New("image source is not set")
	}

	for _, r := range cfg.Profile.Regions {
		if r.Backing != "" && r.Perm&mem.PermWrite != 0 {
			return fmt.Errorf("region %s: file-backed regions can't be writable", r.Name)
		}
	}

	return nil
}
