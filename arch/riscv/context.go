// Package riscv implements the RISC-V H-extension register model: the guest's
// general registers and VS-level CSRs plus the HS-mode trap state that
// describes why the guest last stopped.
package riscv

import (
	"github.com/c35s/gkvisor/hcall"
	"github.com/c35s/gkvisor/vcpu"
)

// scause values
const (
	CauseVirtualInstruction  = 22
	CauseVSEcall             = 10
	CauseInstGuestPageFault  = 20
	CauseLoadGuestPageFault  = 21
	CauseStoreGuestPageFault = 23
	CauseInterrupt           = 1 << 63
	IRQSupervisorSoftware    = 1
	IRQSupervisorTimer       = 5
	IRQSupervisorExternal    = 9
	causeHostExit            = 1 << 62 // host-side exit with no architectural cause
	HvipVSTIP                = 1 << 6
	HstatusSPV               = 1 << 7
	HstatusSPVP              = 1 << 8
	SstatusSPP               = 1 << 8
	ecallLen                 = 4
)

// argument registers
const (
	regA0 = 10 + iota
	regA1
	regA2
	regA3
	regA4
	regA5
	regA6
	regA7
)

// Context is the vCPU state of a RISC-V guest running in VS-mode.
type Context struct {
	X    [32]uint64 // x0 is hardwired to zero
	Sepc uint64     // guest pc

	// VS-level CSRs
	Vsstatus  uint64
	Vsie      uint64
	Vstvec    uint64
	Vsscratch uint64
	Vsepc     uint64
	Vscause   uint64
	Vstval    uint64
	Vsatp     uint64

	// HS-mode state
	Hstatus uint64
	Hvip    uint64

	// trap state of the last exit
	Scause uint64
	Stval  uint64
	Htval  uint64
	Htinst uint64
}

// New returns a context in its boot state.
func New(boot vcpu.Boot) *Context {
	c := new(Context)
	c.Reset(boot.Entry, boot.Arg)
	return c
}

func (c *Context) Arch() vcpu.Arch {
	return vcpu.RISCV
}

// Reset starts hart 0 at entry with the device tree (or other boot
// argument) pointer in a1 and translation off.
func (c *Context) Reset(entry, arg uint64) {
	*c = Context{
		Sepc:     entry,
		Hstatus:  HstatusSPV | HstatusSPVP,
		Vsstatus: SstatusSPP,
	}

	c.X[regA0] = 0
	c.X[regA1] = arg
}

func (c *Context) PC() uint64 {
	return c.Sepc
}

// ExitReason decodes scause, stval and htval.
func (c *Context) ExitReason() vcpu.ExitReason {
	r := vcpu.ExitReason{
		Code: c.Scause,
		Info: c.Stval,
	}

	if c.Scause&CauseInterrupt != 0 {
		r.Kind = vcpu.KindInterrupt
		return r
	}

	switch c.Scause {
	case CauseVSEcall:
		r.Kind = vcpu.KindHypercall
		r.Call = c.call()

	case CauseInstGuestPageFault, CauseLoadGuestPageFault, CauseStoreGuestPageFault:
		r.Kind = vcpu.KindPageFault
		r.Fault = vcpu.Fault{
			Addr:   c.Htval<<2 | c.Stval&3,
			Access: faultAccess(c.Scause),
		}

	default:
		r.Kind = vcpu.KindUnhandled
	}

	return r
}

func faultAccess(cause uint64) vcpu.Access {
	switch cause {
	case CauseInstGuestPageFault:
		return vcpu.AccessExec
	case CauseStoreGuestPageFault:
		return vcpu.AccessWrite
	}

	return vcpu.AccessRead
}

// call decodes an SBI call: a7 is the extension id, a6 the function id and
// a0..a5 the arguments.
func (c *Context) call() hcall.Call {
	call := hcall.Call{
		Ext:  c.X[regA7],
		Func: c.X[regA6],
	}

	copy(call.Args[:], c.X[regA0:regA5+1])
	return call
}

// Complete returns r in a0 (and a1 for non-legacy calls) and steps past the
// ecall.
func (c *Context) Complete(r hcall.Result) {
	if c.X[regA7] < hcall.ExtBase {
		c.X[regA0] = r.Word()
	} else {
		c.X[regA0] = uint64(r.Error)
		c.X[regA1] = r.Value
	}

	c.Sepc += ecallLen
}

// SetTimerPending raises or clears VSTIP in hvip.
func (c *Context) SetTimerPending(pending bool) {
	if pending {
		c.Hvip |= HvipVSTIP
	} else {
		c.Hvip &^= HvipVSTIP
	}
}

func (c *Context) TimerPending() bool {
	return c.Hvip&HvipVSTIP != 0
}

// Snapshot is a copy of a Context.
type Snapshot struct{ c Context }

func (Snapshot) Arch() vcpu.Arch { return vcpu.RISCV }

func (c *Context) Save() vcpu.Snapshot {
	return Snapshot{*c}
}

func (c *Context) Restore(s vcpu.Snapshot) {
	*c = s.(Snapshot).c
}

// Ecall sets the trap state a VS-mode ecall leaves behind.
func (c *Context) Ecall(call hcall.Call) {
	c.X[regA7] = call.Ext
	c.X[regA6] = call.Func
	copy(c.X[regA0:regA5+1], call.Args[:])
	c.trap(CauseVSEcall, 0, 0)
}

// GuestPageFault sets the trap state of a guest page fault at gpa.
func (c *Context) GuestPageFault(gpa uint64, a vcpu.Access) {
	cause := uint64(CauseLoadGuestPageFault)
	switch a {
	case vcpu.AccessWrite:
		cause = CauseStoreGuestPageFault
	case vcpu.AccessExec:
		cause = CauseInstGuestPageFault
	}

	// with translation off the guest virtual address is the gpa
	c.trap(cause, gpa, gpa>>2)
}

// Interrupt sets the trap state of a host interrupt taken while the guest ran.
func (c *Context) Interrupt(irq uint64) {
	c.trap(CauseInterrupt|irq, 0, 0)
}

// HostExit records an exit the host saw that has no architectural cause.
func (c *Context) HostExit(code uint64) {
	c.trap(causeHostExit|code, 0, 0)
}

func (c *Context) trap(cause, tval, htval uint64) {
	c.Scause = cause
	c.Stval = tval
	c.Htval = htval
	c.Htinst = 0
}

var _ vcpu.Context = (*Context)(nil)
