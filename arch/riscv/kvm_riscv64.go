//go:build linux && riscv64

package riscv

import (
	"errors"
	"fmt"

	"github.com/c35s/gkvisor/hcall"
	"github.com/c35s/gkvisor/kvm"
	"github.com/c35s/gkvisor/mem"
	"github.com/c35s/gkvisor/vcpu"
	"golang.org/x/sys/unix"
)

// KVM runs a RISC-V guest with the host's KVM. KVM implements the SBI
// extensions it knows in the kernel and forwards the rest, which arrive here
// as ecall exits.
type KVM struct {
	m      *kvm.Machine
	as     *mem.AddressSpace
	synced Context
	dirty  bool
}

// NewKVM creates a KVM VM with one VCPU.
func NewKVM() (*KVM, error) {
	m, err := kvm.NewMachine(kvm.CapOneReg)
	if err != nil {
		return nil, err
	}

	return &KVM{m: m, dirty: true}, nil
}

func (k *KVM) Arch() vcpu.Arch {
	return vcpu.RISCV
}

// Install maps m into the VM. Windows the guest may not write are read-only
// slots, so guest writes to them exit as MMIO.
func (k *KVM) Install(slot int, m mem.Mapping) error {
	return k.m.SetMemory(slot, m.Guest, m.Host, m.Perm&mem.PermWrite == 0)
}

func (k *KVM) NewVCPU(as *mem.AddressSpace, boot vcpu.Boot) (vcpu.Context, vcpu.Runner, error) {
	k.as = as
	return New(boot), k, nil
}

func (k *KVM) Kick() {
	k.m.Kick()
}

func (k *KVM) Close() error {
	return k.m.Close()
}

// Run syncs c into the VCPU if it changed since the last exit, runs the VCPU,
// and reads the VCPU back into c.
func (k *KVM) Run(vc vcpu.Context) error {
	c := vc.(*Context)
	st := k.m.State()

	if err := k.m.CompleteMMIO(k.as); err != nil {
		return fmt.Errorf("complete mmio: %w", err)
	}

	pendingSBI := st.ExitReason == kvm.ExitRISCVSBI
	if pendingSBI {
		sbi := st.RISCVSBIExitData()
		sbi.Ret[0] = c.X[regA0]
		sbi.Ret[1] = c.X[regA1]
	}

	if k.dirty || *c != k.synced {
		pc := c.Sepc
		if pendingSBI {
			// KVM steps past the ecall itself when it returns the result
			pc -= ecallLen
		}

		if err := k.restore(c, pc); err != nil {
			k.dirty = true
			return err
		}
	}

	err := k.m.Run()
	if err != nil && !errors.Is(err, unix.EINTR) {
		k.dirty = true
		return err
	}

	prev := *c
	if err := k.save(c); err != nil {
		*c = prev
		k.dirty = true
		return err
	}

	switch {
	case err != nil:
		c.Interrupt(IRQSupervisorSoftware)

	case st.ExitReason == kvm.ExitRISCVSBI:
		sbi := st.RISCVSBIExitData()
		c.Ecall(hcall.Call{Ext: sbi.ExtensionID, Func: sbi.FunctionID, Args: sbi.Args})

	case st.ExitReason == kvm.ExitSystemEvent:
		c.Ecall(resetCall(st.SystemEventData().Type))

	case st.ExitReason == kvm.ExitMMIO:
		xd := st.MMIOExitData()
		access := vcpu.AccessRead
		if xd.IsWrite {
			access = vcpu.AccessWrite
		}

		c.GuestPageFault(xd.PhysAddr, access)

	case st.ExitReason == kvm.ExitIntr:
		c.Interrupt(IRQSupervisorSoftware)

	default:
		c.HostExit(uint64(st.ExitReason))
	}

	k.synced = *c
	k.dirty = false

	return nil
}

// resetCall turns a KVM system event into the SRST call that requests it.
func resetCall(ev kvm.SystemEvent) hcall.Call {
	call := hcall.Call{Ext: hcall.ExtSRST, Func: hcall.SRSTSystemReset}

	switch ev {
	case kvm.SystemEventReset:
		call.Args[0] = hcall.ResetColdReboot
	case kvm.SystemEventCrash:
		call.Args[1] = hcall.ReasonSystemFailure
	}

	return call
}

type csrField struct {
	idx int
	val func(c *Context) *uint64
}

var csrFields = []csrField{
	{kvm.RISCVCSRSstatus, func(c *Context) *uint64 { return &c.Vsstatus }},
	{kvm.RISCVCSRSie, func(c *Context) *uint64 { return &c.Vsie }},
	{kvm.RISCVCSRStvec, func(c *Context) *uint64 { return &c.Vstvec }},
	{kvm.RISCVCSRSscratch, func(c *Context) *uint64 { return &c.Vsscratch }},
	{kvm.RISCVCSRSepc, func(c *Context) *uint64 { return &c.Vsepc }},
	{kvm.RISCVCSRScause, func(c *Context) *uint64 { return &c.Vscause }},
	{kvm.RISCVCSRStval, func(c *Context) *uint64 { return &c.Vstval }},
	{kvm.RISCVCSRSatp, func(c *Context) *uint64 { return &c.Vsatp }},
}

// sipSTIP is the timer bit of the guest's sip; KVM moves it to hvip.VSTIP.
const sipSTIP = 1 << 5

func (k *KVM) restore(c *Context, pc uint64) error {
	if err := kvm.SetOneReg(k.m.VCPU, kvm.RISCVCoreReg(kvm.RISCVCorePC), pc); err != nil {
		return fmt.Errorf("set pc: %w", err)
	}

	for n := 1; n < len(c.X); n++ {
		if err := kvm.SetOneReg(k.m.VCPU, kvm.RISCVCoreReg(n), c.X[n]); err != nil {
			return fmt.Errorf("set x%d: %w", n, err)
		}
	}

	for _, f := range csrFields {
		if err := kvm.SetOneReg(k.m.VCPU, kvm.RISCVCSRReg(f.idx), *f.val(c)); err != nil {
			return fmt.Errorf("set csr %d: %w", f.idx, err)
		}
	}

	var sip uint64
	if c.TimerPending() {
		sip = sipSTIP
	}

	if err := kvm.SetOneReg(k.m.VCPU, kvm.RISCVCSRReg(kvm.RISCVCSRSip), sip); err != nil {
		return fmt.Errorf("set sip: %w", err)
	}

	return nil
}

func (k *KVM) save(c *Context) error {
	pc, err := kvm.GetOneReg(k.m.VCPU, kvm.RISCVCoreReg(kvm.RISCVCorePC))
	if err != nil {
		return fmt.Errorf("get pc: %w", err)
	}

	c.Sepc = pc

	for n := 1; n < len(c.X); n++ {
		if c.X[n], err = kvm.GetOneReg(k.m.VCPU, kvm.RISCVCoreReg(n)); err != nil {
			return fmt.Errorf("get x%d: %w", n, err)
		}
	}

	for _, f := range csrFields {
		if *f.val(c), err = kvm.GetOneReg(k.m.VCPU, kvm.RISCVCSRReg(f.idx)); err != nil {
			return fmt.Errorf("get csr %d: %w", f.idx, err)
		}
	}

	sip, err := kvm.GetOneReg(k.m.VCPU, kvm.RISCVCSRReg(kvm.RISCVCSRSip))
	if err != nil {
		return fmt.Errorf("get sip: %w", err)
	}

	c.SetTimerPending(sip&sipSTIP != 0)
	return nil
}
