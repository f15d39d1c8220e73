// Package svm implements the AMD SVM register model: a VMCB plus the
// general-purpose registers vmrun does not save, and the decoding of VMCB
// exit codes into exit reasons.
package svm

import (
	"github.com/c35s/gkvisor/hcall"
	"github.com/c35s/gkvisor/vcpu"
)

// TimerVector is the vector the virtual timer interrupt is injected on.
const TimerVector = 0x20

// vmmcallLen is the length of the vmmcall instruction (0f 01 d9).
const vmmcallLen = 3

// control register and EFER bits
const (
	CR0PE   = 1 << 0
	CR0ET   = 1 << 4
	CR0PG   = 1 << 31
	CR4PAE  = 1 << 5
	EFERLME = 1 << 8
	EFERLMA = 1 << 10
	EFERSVM = 1 << 12

	rflagsFixed = 0x2
	defaultPAT  = 0x0007040600070406
)

// boot segments
var (
	CodeSegment = Segment{Selector: 0x08, Attrib: 0xb | AttrS | AttrP | AttrL | AttrG, Limit: 0xfffff}
	DataSegment = Segment{Selector: 0x10, Attrib: 0x3 | AttrS | AttrP | AttrDB | AttrG, Limit: 0xfffff}
	TaskSegment = Segment{Selector: 0x18, Attrib: 0xb | AttrP, Limit: 0xfffff}
)

// Context is the vCPU state of an SVM guest.
type Context struct {
	VMCB VMCB

	RBX, RCX, RDX, RSI, RDI, RBP uint64
	R8, R9, R10, R11             uint64
	R12, R13, R14, R15           uint64

	// guest-physical addresses of the boot page tables and GDT
	pageTables, gdt uint64
}

// New returns a context in its boot state. The boot page tables and GDT
// are expected in the scratch area; see WriteBootTables.
func New(boot vcpu.Boot) *Context {
	c := &Context{
		pageTables: boot.Scratch + offPML4,
		gdt:        boot.Scratch + offGDT,
	}

	c.Reset(boot.Entry, boot.Arg)
	return c
}

func (c *Context) Arch() vcpu.Arch {
	return vcpu.SVM
}

// Reset puts the guest in 64-bit long mode at entry with arg in rdi, paging
// on through the identity-mapped boot tables, and interrupts masked.
func (c *Context) Reset(entry, arg uint64) {
	*c = Context{pageTables: c.pageTables, gdt: c.gdt}
	v := &c.VMCB

	v.SetUint32(OffInterceptMisc1, InterceptINTR|InterceptVINTR|InterceptHLT|InterceptShutdown)
	v.SetUint32(OffInterceptMisc2, InterceptVMRUN|InterceptVMMCALL)
	v.SetUint32(OffASID, 1)
	v.SetUint64(OffNPEnable, 1)

	v.SetSegment(OffCS, CodeSegment)
	for _, off := range []int{OffDS, OffES, OffFS, OffGS, OffSS} {
		v.SetSegment(off, DataSegment)
	}

	v.SetSegment(OffTR, TaskSegment)
	v.SetSegment(OffGDTR, Segment{Base: c.gdt, Limit: uint32(len(bootGDT)*8 - 1)})

	v.SetUint64(OffCR0, CR0PE|CR0ET|CR0PG)
	v.SetUint64(OffCR3, c.pageTables)
	v.SetUint64(OffCR4, CR4PAE)
	v.SetUint64(OffEFER, EFERLME|EFERLMA|EFERSVM)
	v.SetUint64(OffRFLAGS, rflagsFixed)
	v.SetUint64(OffGPAT, defaultPAT)
	v.SetUint64(OffRIP, entry)

	c.RDI = arg
}

func (c *Context) PC() uint64 {
	return c.VMCB.Uint64(OffRIP)
}

func (c *Context) RAX() uint64 {
	return c.VMCB.Uint64(OffRAX)
}

func (c *Context) SetRAX(x uint64) {
	c.VMCB.SetUint64(OffRAX, x)
}

// ExitReason decodes EXITCODE, EXITINFO1 and EXITINFO2.
func (c *Context) ExitReason() vcpu.ExitReason {
	v := &c.VMCB
	r := vcpu.ExitReason{
		Code: v.Uint64(OffExitCode),
		Info: v.Uint64(OffExitInfo1),
	}

	switch r.Code {
	case ExitVMMCALL:
		r.Kind = vcpu.KindHypercall
		r.Call = hcall.FromSMCCC(uint32(c.RAX()), [6]uint64{c.RBX, c.RCX, c.RDX, c.RSI})

	case ExitNPF:
		r.Kind = vcpu.KindPageFault
		r.Fault = vcpu.Fault{
			Addr:   v.Uint64(OffExitInfo2),
			Access: npfAccess(r.Info),
		}

	case ExitHLT:
		r.Kind = vcpu.KindIdle

	case ExitINTR, ExitVINTR:
		r.Kind = vcpu.KindInterrupt

	default:
		r.Kind = vcpu.KindUnhandled
	}

	return r
}

func npfAccess(info uint64) vcpu.Access {
	switch {
	case info&NPFFetch != 0:
		return vcpu.AccessExec
	case info&NPFWrite != 0:
		return vcpu.AccessWrite
	}

	return vcpu.AccessRead
}

// Complete returns r in rax and resumes at nRIP, or after the vmmcall if the
// hardware didn't provide nRIP.
func (c *Context) Complete(r hcall.Result) {
	c.SetRAX(hcall.ToSMCCC(r))

	next := c.VMCB.Uint64(OffNRIP)
	if next == 0 {
		next = c.PC() + vmmcallLen
	}

	c.VMCB.SetUint64(OffRIP, next)
}

// SetTimerPending queues or withdraws an external interrupt on TimerVector
// in EVENTINJ.
func (c *Context) SetTimerPending(pending bool) {
	if pending {
		c.VMCB.SetUint64(OffEventInj, EventInjValid|EventInjTypeIntr|TimerVector)
	} else {
		c.VMCB.SetUint64(OffEventInj, 0)
	}
}

func (c *Context) TimerPending() bool {
	return c.VMCB.Uint64(OffEventInj)&EventInjValid != 0
}

// Snapshot is a copy of a Context.
type Snapshot struct{ c Context }

func (Snapshot) Arch() vcpu.Arch { return vcpu.SVM }

func (c *Context) Save() vcpu.Snapshot {
	return Snapshot{*c}
}

func (c *Context) Restore(s vcpu.Snapshot) {
	*c = s.(Snapshot).c
}

// Exit sets the exit fields #VMEXIT leaves behind. nrip is the address of
// the next instruction, or 0 if the exit has none.
func (c *Context) Exit(code, info1, info2, nrip uint64) {
	v := &c.VMCB
	v.SetUint64(OffExitCode, code)
	v.SetUint64(OffExitInfo1, info1)
	v.SetUint64(OffExitInfo2, info2)
	v.SetUint64(OffNRIP, nrip)
}

// Vmmcall sets the registers and exit state of a vmmcall of the given SMCCC
// function, as a guest issuing it at the current rip would.
func (c *Context) Vmmcall(fid uint32, args ...uint64) {
	c.SetRAX(uint64(fid))

	regs := []*uint64{&c.RBX, &c.RCX, &c.RDX, &c.RSI}
	for i := range regs {
		*regs[i] = 0
		if i < len(args) {
			*regs[i] = args[i]
		}
	}

	c.Exit(ExitVMMCALL, 0, 0, c.PC()+vmmcallLen)
}

// NestedPageFault sets the exit state of a nested page fault at gpa on a
// page that isn't present.
func (c *Context) NestedPageFault(gpa uint64, a vcpu.Access) {
	info := uint64(NPFUser)
	switch a {
	case vcpu.AccessWrite:
		info |= NPFWrite
	case vcpu.AccessExec:
		info |= NPFFetch
	}

	c.Exit(ExitNPF, info, gpa, 0)
}

var _ vcpu.Context = (*Context)(nil)
