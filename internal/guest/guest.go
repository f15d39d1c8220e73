//go:build linux

// Package guest is a stand-in for virtualization hardware. A Backend runs a
// script of guest operations against the real register models, raising the
// traps each architecture would raise.
package guest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/c35s/gkvisor/arch/aarch64"
	"github.com/c35s/gkvisor/arch/riscv"
	"github.com/c35s/gkvisor/arch/svm"
	"github.com/c35s/gkvisor/mem"
	"github.com/c35s/gkvisor/vcpu"
)

// ErrScriptEnded is returned by Run once every step has run.
var ErrScriptEnded = errors.New("guest: script ended")

// Op is a guest operation.
type Op int

const (
	OpPutChar = Op(iota)
	OpGetChar
	OpSetTimer
	OpTouch
	OpSBI
	OpSMCCC
	OpShutdown
	OpReset
	OpHalt
	OpFail
)

// Step is one guest operation.
type Step struct {
	Op       Op
	Byte     byte
	Deadline uint64
	Addr     uint64
	Access   vcpu.Access
	Ext      uint64
	Func     uint64
	Args     []uint64
	Reason   uint64
	Err      error
}

func PutChar(b byte) Step { return Step{Op: OpPutChar, Byte: b} }

// PutString writes s one PutChar at a time.
func PutString(s string) []Step {
	steps := make([]Step, len(s))
	for i := range s {
		steps[i] = PutChar(s[i])
	}

	return steps
}

func GetChar() Step                         { return Step{Op: OpGetChar} }
func SetTimer(deadline uint64) Step         { return Step{Op: OpSetTimer, Deadline: deadline} }
func Shutdown(reason uint64) Step           { return Step{Op: OpShutdown, Reason: reason} }
func Reset() Step                           { return Step{Op: OpReset} }
func Halt() Step                            { return Step{Op: OpHalt} }
func Fail(err error) Step                   { return Step{Op: OpFail, Err: err} }
func SMCCC(fid uint32, args ...uint64) Step { return Step{Op: OpSMCCC, Func: uint64(fid), Args: args} }

// Touch accesses guest memory at addr. Reads are recorded; see Runner.Reads.
func Touch(addr uint64, a vcpu.Access) Step {
	return Step{Op: OpTouch, Addr: addr, Access: a}
}

// SBI is an ecall of an arbitrary SBI function. It only runs on RISC-V.
func SBI(ext, fn uint64, args ...uint64) Step {
	return Step{Op: OpSBI, Ext: ext, Func: fn, Args: args}
}

// Backend is a scripted vmm backend.
type Backend struct {
	arch   vcpu.Arch
	script []Step

	// InstallError and NewVCPUError are returned by the matching methods.
	InstallError error
	NewVCPUError error

	mu       sync.Mutex
	installs []mem.Mapping
	runner   *Runner
	closed   bool
}

// New returns a backend for arch that will run script.
func New(arch vcpu.Arch, script ...[]Step) *Backend {
	b := &Backend{arch: arch}
	for _, s := range script {
		b.script = append(b.script, s...)
	}

	return b
}

// Steps is a convenience for building scripts from single steps.
func Steps(s ...Step) []Step {
	return s
}

func (b *Backend) Arch() vcpu.Arch {
	return b.arch
}

func (b *Backend) Install(slot int, m mem.Mapping) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.InstallError != nil {
		return b.InstallError
	}

	if slot != len(b.installs) {
		return fmt.Errorf("guest: slot %d out of order", slot)
	}

	b.installs = append(b.installs, m)
	return nil
}

// Installs returns every mapping installed, in slot order.
func (b *Backend) Installs() []mem.Mapping {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]mem.Mapping(nil), b.installs...)
}

func (b *Backend) NewVCPU(as *mem.AddressSpace, boot vcpu.Boot) (vcpu.Context, vcpu.Runner, error) {
	if b.NewVCPUError != nil {
		return nil, nil, b.NewVCPUError
	}

	var (
		c   vcpu.Context
		err error
	)

	switch b.arch {
	case vcpu.RISCV:
		c = riscv.New(boot)
	case vcpu.SVM:
		c, err = svm.Boot(as, boot)
	case vcpu.AArch64:
		c, err = aarch64.Boot(as, boot)
	default:
		err = fmt.Errorf("guest: unknown arch %q", b.arch)
	}

	if err != nil {
		return nil, nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.runner = &Runner{as: as, script: b.script}
	return c, b.runner, nil
}

// Runner returns the runner created by NewVCPU.
func (b *Backend) Runner() *Runner {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.runner
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Closed reports whether Close was called.
func (b *Backend) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
