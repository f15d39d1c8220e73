package vmm

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c35s/gkvisor/vcpu"
)

// Stats counts what the dispatcher has seen.
type Stats struct {
	Exits       map[vcpu.Kind]int
	Unsupported int
	Installs    int
	TimerFires  uint64
}

// faultHandler is the part of FaultHandler the dispatcher uses.
type faultHandler interface {
	Handle(f vcpu.Fault) error
}

// Dispatcher owns the run loop. It alternates between running the vCPU and
// handling the exit it returns until the guest shuts down or does something
// fatal.
type Dispatcher struct {
	ctx     vcpu.Context
	runner  vcpu.Runner
	calls   *HypercallService
	faults  faultHandler
	timer   *TimerInjector
	handoff bool
	log     *slog.Logger
	onExit  func(vcpu.ExitReason)

	mu          sync.Mutex
	state       State
	shutdown    vcpu.Shutdown
	exits       map[vcpu.Kind]int
	unsupported int
}

func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Dispatcher) transition(to State) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !canTransition(d.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrTransition, d.state, to)
	}

	d.log.Debug("transition", "from", d.state, "to", to)
	d.state = to
	return nil
}

// Run enters the guest and handles exits until it shuts down. It returns the
// guest's shutdown request, or the error that ended the VM. Run can only be
// called once.
func (d *Dispatcher) Run() (vcpu.Shutdown, error) {
	if err := d.transition(Running); err != nil {
		return vcpu.Shutdown{}, err
	}

	for {
		d.timer.Inject(d.ctx)

		if err := d.runner.Run(d.ctx); err != nil {
			return d.fatal(fmt.Errorf("%w: %w", ErrRun, err))
		}

		r := d.ctx.ExitReason()

		if d.handoff {
			return d.handoffExit(r)
		}

		if err := d.transition(Handling); err != nil {
			return d.fatal(err)
		}

		r, err := d.handle(r)
		d.record(r)

		if err != nil {
			return d.fatal(err)
		}

		if r.Kind == vcpu.KindShutdown {
			return d.stop(r.Shutdown)
		}

		if err := d.transition(Running); err != nil {
			return d.fatal(err)
		}
	}
}

// handle services one exit. It returns the exit as it should be recorded: a
// hypercall that asked for shutdown becomes a shutdown exit.
func (d *Dispatcher) handle(r vcpu.ExitReason) (vcpu.ExitReason, error) {
	switch r.Kind {
	case vcpu.KindHypercall:
		out := d.calls.Handle(r.Call)
		if out.Shutdown != nil {
			r.Kind = vcpu.KindShutdown
			r.Shutdown = *out.Shutdown
			return r, nil
		}

		if out.Unsupported {
			d.mu.Lock()
			d.unsupported++
			d.mu.Unlock()

			d.log.Debug("hypercall", "err", fmt.Errorf("%w: %v", ErrUnsupportedHypercall, r.Call))
		}

		d.ctx.Complete(out.Result)
		return r, nil

	case vcpu.KindPageFault:
		if err := d.faults.Handle(r.Fault); err != nil {
			var ia *IllegalAccessError
			if errors.As(err, &ia) {
				ia.PC = d.ctx.PC()
			}

			return r, err
		}

		return r, nil

	case vcpu.KindInterrupt:
		// the timer, if that's what it was, is injected on the way back in
		return r, nil

	case vcpu.KindIdle:
		// a tick injected but not yet taken wakes the guest on entry
		if d.ctx.TimerPending() {
			return r, nil
		}

		if !d.timer.Wait() {
			return r, d.unhandled(r)
		}

		return r, nil

	case vcpu.KindShutdown:
		return r, nil
	}

	return r, d.unhandled(r)
}

// handoffExit handles the one exit of a handed-off guest, which must be its
// shutdown call.
func (d *Dispatcher) handoffExit(r vcpu.ExitReason) (vcpu.Shutdown, error) {
	if r.Kind == vcpu.KindHypercall {
		if sd, ok := shutdownRequest(r.Call); ok {
			r.Kind = vcpu.KindShutdown
			r.Shutdown = sd
		}
	}

	d.record(r)

	if r.Kind != vcpu.KindShutdown {
		return d.fatal(d.unhandled(r))
	}

	return d.stop(r.Shutdown)
}

func (d *Dispatcher) unhandled(r vcpu.ExitReason) error {
	return &UnhandledExitError{
		Arch: d.ctx.Arch(),
		Kind: r.Kind,
		Code: r.Code,
		Info: r.Info,
		PC:   d.ctx.PC(),
	}
}

func (d *Dispatcher) record(r vcpu.ExitReason) {
	d.mu.Lock()
	d.exits[r.Kind]++
	d.mu.Unlock()

	d.log.Debug("exit",
		"arch", d.ctx.Arch(),
		"kind", r.Kind,
		"pc", fmt.Sprintf("%#x", d.ctx.PC()),
		"code", fmt.Sprintf("%#x", r.Code),
		"reason", r)

	if d.onExit != nil {
		d.onExit(r)
	}
}

func (d *Dispatcher) stop(sd vcpu.Shutdown) (vcpu.Shutdown, error) {
	if err := d.transition(ShuttingDown); err != nil {
		return vcpu.Shutdown{}, err
	}

	d.mu.Lock()
	d.shutdown = sd
	d.mu.Unlock()

	d.log.Info("guest shut down", "type", sd.Type, "reason", sd.Reason)
	return sd, nil
}

func (d *Dispatcher) fatal(err error) (vcpu.Shutdown, error) {
	d.mu.Lock()
	d.state = ShuttingDown
	d.mu.Unlock()

	d.log.Error("vm stopped", "err", err)
	return vcpu.Shutdown{}, err
}

func (d *Dispatcher) stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	exits := make(map[vcpu.Kind]int, len(d.exits))
	for k, n := range d.exits {
		exits[k] = n
	}

	return Stats{Exits: exits, Unsupported: d.unsupported}
}
