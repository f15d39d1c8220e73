// Package aarch64 implements the AArch64 bootloader-handoff register model:
// the EL1 register bank the guest starts with, and the EL2 syndrome state that
// describes the one trap the host expects back, the guest's shutdown SMC.
package aarch64

import (
	"github.com/c35s/gkvisor/hcall"
	"github.com/c35s/gkvisor/vcpu"
)

// exception classes (ESR_ELx.EC)
const (
	ECUnknown     = 0x00
	ECWFx         = 0x01
	ECHVC64       = 0x16
	ECSMC64       = 0x17
	ECSysReg      = 0x18
	ECInstAbortLo = 0x20
	ECDataAbortLo = 0x24

	esrECShift = 26
	esrIL      = 1 << 25
	esrWnR     = 1 << 6
)

// EL2 vector offsets taken from a lower EL running AArch64
const (
	VectorSync = 0x400
	VectorIRQ  = 0x480
	VectorFIQ  = 0x500
	VectorSErr = 0x580
)

const (
	// PStateEL1h is EL1 using SP_EL1 with D, A, I and F masked.
	PStateEL1h = 0x3c5

	// HCRVI is the virtual IRQ pending bit of HCR_EL2.
	HCRVI = 1 << 7

	insnLen = 4
)

// Context is the EL1 register bank of the guest plus the EL2 state of its
// last trap.
type Context struct {
	X      [31]uint64
	SP     uint64 // SP_EL1
	ELR    uint64 // guest pc, as ELR_EL2 holds it on a trap
	PState uint64
	SCTLR  uint64
	VBAR   uint64
	HCR    uint64

	// trap state
	Vector uint64
	ESR    uint64
	FAR    uint64
	HPFAR  uint64

	trampoline uint64
}

// New returns a context in its boot state. The MMU-disable trampoline is
// expected at the start of the scratch area; see WriteTrampoline.
func New(boot vcpu.Boot) *Context {
	c := &Context{trampoline: boot.Scratch + offTrampoline}
	c.Reset(boot.Entry, boot.Arg)
	return c
}

func (c *Context) Arch() vcpu.Arch {
	return vcpu.AArch64
}

// Reset starts the guest in the trampoline at EL1h with interrupts masked.
// The trampoline turns the MMU off and branches to entry, which it finds in
// x17, with arg still in x0.
func (c *Context) Reset(entry, arg uint64) {
	*c = Context{
		ELR:        c.trampoline,
		PState:     PStateEL1h,
		SCTLR:      sctlrRES1,
		trampoline: c.trampoline,
	}

	c.X[0] = arg
	c.X[17] = entry
}

func (c *Context) PC() uint64 {
	return c.ELR
}

// EC returns the exception class of the last synchronous trap.
func (c *Context) EC() uint64 {
	return c.ESR >> esrECShift & 0x3f
}

// ExitReason decodes the vector, ESR_EL2, FAR_EL2 and HPFAR_EL2.
func (c *Context) ExitReason() vcpu.ExitReason {
	r := vcpu.ExitReason{
		Code: c.ESR,
		Info: c.FAR,
	}

	switch c.Vector {
	case VectorIRQ, VectorFIQ:
		r.Kind = vcpu.KindInterrupt
		return r

	case VectorSync:

	default:
		r.Code = c.Vector
		r.Kind = vcpu.KindUnhandled
		return r
	}

	switch c.EC() {
	case ECSMC64, ECHVC64:
		r.Kind = vcpu.KindHypercall
		r.Call = hcall.FromSMCCC(uint32(c.X[0]), [6]uint64(c.X[1:7]))

	case ECInstAbortLo, ECDataAbortLo:
		r.Kind = vcpu.KindPageFault
		r.Fault = vcpu.Fault{
			Addr:   c.HPFAR<<8 | c.FAR&0xfff,
			Access: c.abortAccess(),
		}

	case ECWFx:
		r.Kind = vcpu.KindIdle

	default:
		r.Kind = vcpu.KindUnhandled
	}

	return r
}

func (c *Context) abortAccess() vcpu.Access {
	switch {
	case c.EC() == ECInstAbortLo:
		return vcpu.AccessExec
	case c.ESR&esrWnR != 0:
		return vcpu.AccessWrite
	}

	return vcpu.AccessRead
}

// Complete returns r in x0. A trapped SMC leaves ELR at the smc itself, so
// the guest is stepped past it; HVC already points at the next instruction.
func (c *Context) Complete(r hcall.Result) {
	c.X[0] = hcall.ToSMCCC(r)

	if c.EC() == ECSMC64 {
		c.ELR += insnLen
	}
}

// SetTimerPending raises or clears the virtual IRQ line in HCR_EL2.
func (c *Context) SetTimerPending(pending bool) {
	if pending {
		c.HCR |= HCRVI
	} else {
		c.HCR &^= HCRVI
	}
}

func (c *Context) TimerPending() bool {
	return c.HCR&HCRVI != 0
}

// Snapshot is a copy of a Context.
type Snapshot struct{ c Context }

func (Snapshot) Arch() vcpu.Arch { return vcpu.AArch64 }

func (c *Context) Save() vcpu.Snapshot {
	return Snapshot{*c}
}

func (c *Context) Restore(s vcpu.Snapshot) {
	*c = s.(Snapshot).c
}

// SMC sets the registers and trap state of an smc #0 issuing the given SMCCC
// function at the current pc.
func (c *Context) SMC(fid uint32, args ...uint64) {
	c.X[0] = uint64(fid)
	for i := 1; i <= 6; i++ {
		c.X[i] = 0
		if i <= len(args) {
			c.X[i] = args[i-1]
		}
	}

	c.trap(VectorSync, ECSMC64<<esrECShift|esrIL, 0, 0)
}

// Abort sets the trap state of a stage-2 abort at ipa.
func (c *Context) Abort(ipa uint64, a vcpu.Access) {
	esr := uint64(ECDataAbortLo<<esrECShift | esrIL)
	switch a {
	case vcpu.AccessExec:
		esr = ECInstAbortLo<<esrECShift | esrIL
	case vcpu.AccessWrite:
		esr |= esrWnR
	}

	c.trap(VectorSync, esr, ipa, ipa>>12<<4)
}

// Interrupt sets the trap state of a physical IRQ taken while the guest ran.
func (c *Context) Interrupt() {
	c.trap(VectorIRQ, 0, 0, 0)
}

// HostExit records an exit the host saw that has no syndrome. The code is
// kept in ESR.ISS under the unknown exception class.
func (c *Context) HostExit(code uint64) {
	c.trap(VectorSync, ECUnknown<<esrECShift|code&0x1ffffff, 0, 0)
}

func (c *Context) trap(vector, esr, far, hpfar uint64) {
	c.Vector = vector
	c.ESR = esr
	c.FAR = far
	c.HPFAR = hpfar
}

var _ vcpu.Context = (*Context)(nil)
