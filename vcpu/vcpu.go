// Package vcpu defines the architecture-neutral view of a virtual CPU: the
// Context capability every register model implements, the ExitReason a
// context decodes from its own trap state, and the Runner that enters the guest.
package vcpu

import (
	"fmt"

	"github.com/c35s/gkvisor/hcall"
)

// Arch names a register model.
type Arch string

const (
	RISCV   = Arch("riscv64")
	SVM     = Arch("x86_64")
	AArch64 = Arch("aarch64")
)

// Kind classifies an exit.
type Kind int

const (
	KindUnhandled = Kind(iota)
	KindHypercall
	KindPageFault
	KindShutdown
	KindInterrupt
	KindIdle
)

var kindNames = [...]string{
	KindUnhandled: "unhandled",
	KindHypercall: "hypercall",
	KindPageFault: "page-fault",
	KindShutdown:  "shutdown",
	KindInterrupt: "interrupt",
	KindIdle:      "idle",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}

	return fmt.Sprintf("Kind(%d)", int(k))
}

// Access is the kind of memory access that faulted.
type Access int

const (
	AccessRead = Access(iota)
	AccessWrite
	AccessExec
)

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessExec:
		return "exec"
	}

	return fmt.Sprintf("Access(%d)", int(a))
}

// Fault describes a second-stage translation fault.
type Fault struct {
	Addr   uint64
	Access Access
}

// Shutdown is a guest request to stop the VM.
type Shutdown struct {
	Type   uint64 // hcall.ResetShutdown, ResetColdReboot or ResetWarmReboot
	Reason uint64 // hcall.ReasonNone, ReasonSystemFailure or a vendor code
}

// ExitReason is the decoded cause of one return from the guest. Only the
// member matching Kind is meaningful. Code and Info carry the raw platform
// encoding for diagnosis.
type ExitReason struct {
	Kind     Kind
	Call     hcall.Call
	Fault    Fault
	Shutdown Shutdown
	Code     uint64
	Info     uint64
}

func (r ExitReason) String() string {
	switch r.Kind {
	case KindHypercall:
		return fmt.Sprintf("hypercall %v", r.Call)
	case KindPageFault:
		return fmt.Sprintf("page-fault %s @ %#x", r.Fault.Access, r.Fault.Addr)
	case KindShutdown:
		return fmt.Sprintf("shutdown type=%d reason=%d", r.Shutdown.Type, r.Shutdown.Reason)
	case KindUnhandled:
		return fmt.Sprintf("unhandled code=%#x info=%#x", r.Code, r.Info)
	}

	return r.Kind.String()
}

// Context is a vCPU register model. It is mutated only by its Runner while
// the guest runs and by exit handlers between runs; it is never shared.
type Context interface {

	// Arch names the register model.
	Arch() Arch

	// Reset puts the vCPU in its boot state: execution starts at entry with
	// arg in the architecture's first argument register.
	Reset(entry, arg uint64)

	// PC returns the guest program counter.
	PC() uint64

	// ExitReason decodes the trap state left by the last run.
	ExitReason() ExitReason

	// Complete writes the result of a serviced hypercall into the guest's
	// return registers and steps the guest past the trapping instruction.
	Complete(r hcall.Result)

	// SetTimerPending raises or clears the guest-visible virtual timer
	// interrupt, delivered on the next entry.
	SetTimerPending(pending bool)

	// TimerPending reports whether a virtual timer interrupt is waiting.
	TimerPending() bool

	// Save returns a copy of the complete guest-visible state.
	Save() Snapshot

	// Restore replaces the guest-visible state with s, which must come from
	// Save on a context of the same Arch.
	Restore(s Snapshot)
}

// Snapshot is an opaque copy of a Context's state.
type Snapshot interface {
	Arch() Arch
}

// Runner is the transition primitive: Run restores c into the hardware,
// enters the guest, and on the next trap saves the hardware state back into
// c. A Run that fails leaves c as it was before the call.
type Runner interface {
	Run(c Context) error

	// Kick forces an in-flight or imminent Run to return with an interrupt
	// exit. It is safe to call from any goroutine.
	Kick()
}

// Boot is what a backend needs to put a fresh vCPU in its boot state.
type Boot struct {

	// Entry is the guest-physical address of the first guest instruction.
	Entry uint64

	// Arg is passed in the first argument register.
	Arg uint64

	// Scratch is guest RAM the architecture may use for boot structures
	// such as page tables or a trampoline. It is at least ScratchSize bytes.
	Scratch uint64
}

// ScratchSize is the size of the boot scratch area.
const ScratchSize = 0x8000
