//go:build linux && amd64

package svm

import (
	"errors"
	"fmt"

	"github.com/c35s/gkvisor/kvm"
	"github.com/c35s/gkvisor/mem"
	"github.com/c35s/gkvisor/vcpu"
	"golang.org/x/sys/unix"
)

// HypercallPort is the I/O port a guest writes to instead of executing
// vmmcall when it runs under KVM, which consumes vmmcall itself. The port
// is reached with the immediate form of out, so rdx stays an argument.
const HypercallPort = 0xf5

// KVM runs an SVM-model guest with the host's KVM. Exits are translated
// into the VMCB exit codes hardware would have produced.
type KVM struct {
	m      *kvm.Machine
	as     *mem.AddressSpace
	cpuid  []kvm.CPUIDEntry2
	synced Context
	dirty  bool
}

// NewKVM creates a KVM VM with one VCPU using the host's supported CPUID.
func NewKVM() (*KVM, error) {
	m, err := kvm.NewMachine(kvm.CapExtCPUID)
	if err != nil {
		return nil, err
	}

	cpuid, err := kvm.GetSupportedCPUID(m.Sys)
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("get supported cpuid: %w", err)
	}

	if err := kvm.SetCPUID2(m.VCPU, cpuid); err != nil {
		m.Close()
		return nil, fmt.Errorf("set cpuid: %w", err)
	}

	return &KVM{m: m, cpuid: cpuid, dirty: true}, nil
}

func (k *KVM) Arch() vcpu.Arch {
	return vcpu.SVM
}

// Install maps m into the VM. Windows the guest may not write are read-only
// slots, so guest writes to them exit as MMIO.
func (k *KVM) Install(slot int, m mem.Mapping) error {
	return k.m.SetMemory(slot, m.Guest, m.Host, m.Perm&mem.PermWrite == 0)
}

// NewVCPU writes the boot tables and returns the context and its runner.
func (k *KVM) NewVCPU(as *mem.AddressSpace, boot vcpu.Boot) (vcpu.Context, vcpu.Runner, error) {
	c, err := Boot(as, boot)
	if err != nil {
		return nil, nil, err
	}

	k.as = as
	return c, k, nil
}

func (k *KVM) Kick() {
	k.m.Kick()
}

func (k *KVM) Close() error {
	return k.m.Close()
}

// Run syncs c into the VCPU if it changed since the last exit, delivers a
// queued EVENTINJ, runs the VCPU and reads it back into c.
func (k *KVM) Run(vc vcpu.Context) error {
	c := vc.(*Context)
	st := k.m.State()

	if err := k.m.CompleteMMIO(k.as); err != nil {
		return fmt.Errorf("complete mmio: %w", err)
	}

	if k.dirty || *c != k.synced {
		if err := k.restore(c); err != nil {
			k.dirty = true
			return err
		}
	}

	prev := *c

	if c.TimerPending() {
		if st.ReadyForInterruptInjection != 0 && st.IFFlag != 0 {
			if err := kvm.Interrupt(k.m.VCPU, TimerVector); err != nil {
				return fmt.Errorf("inject timer: %w", err)
			}

			c.SetTimerPending(false)
			st.RequestInterruptWindow = 0
		} else {
			st.RequestInterruptWindow = 1
		}
	}

	err := k.m.Run()
	if err != nil && !errors.Is(err, unix.EINTR) {
		*c = prev
		k.dirty = true
		return err
	}

	if err := k.save(c); err != nil {
		*c = prev
		k.dirty = true
		return err
	}

	rip := c.PC()

	switch {
	case err != nil:
		c.Exit(ExitINTR, 0, 0, 0)

	case st.ExitReason == kvm.ExitIO:
		xd := st.IOExitData()
		if xd.IsOut && xd.Port == HypercallPort {
			// KVM steps past the out when it completes it on the next Run, so
			// Complete must leave rip alone
			c.Exit(ExitVMMCALL, 0, 0, rip)
			break
		}

		info := uint64(xd.Port)<<16 | uint64(xd.Size)<<4
		if !xd.IsOut {
			info |= 1
		}

		c.Exit(ExitIOIO, info, rip, rip)

	case st.ExitReason == kvm.ExitMMIO:
		xd := st.MMIOExitData()
		access := vcpu.AccessRead
		if xd.IsWrite {
			access = vcpu.AccessWrite
		}

		c.NestedPageFault(xd.PhysAddr, access)

	case st.ExitReason == kvm.ExitHLT:
		c.Exit(ExitHLT, 0, 0, rip)

	case st.ExitReason == kvm.ExitShutdown:
		c.Exit(ExitShutdown, 0, 0, 0)

	case st.ExitReason == kvm.ExitIRQWindowOpen:
		c.Exit(ExitVINTR, 0, 0, 0)

	case st.ExitReason == kvm.ExitIntr:
		c.Exit(ExitINTR, 0, 0, 0)

	default:
		c.Exit(ExitInvalid, uint64(st.ExitReason), 0, 0)
	}

	k.synced = *c
	k.dirty = false

	return nil
}

func kvmSegment(s Segment) kvm.Segment {
	flag := func(bit uint16) uint8 {
		if s.Attrib&bit != 0 {
			return 1
		}

		return 0
	}

	return kvm.Segment{
		Base:     s.Base,
		Limit:    s.Limit,
		Selector: s.Selector,
		Type:     s.Type(),
		Present:  flag(AttrP),
		DPL:      uint8(s.Attrib>>AttrDPLShift) & 0x3,
		DB:       flag(AttrDB),
		S:        flag(AttrS),
		L:        flag(AttrL),
		G:        flag(AttrG),
		Avl:      flag(AttrAVL),
		Unusable: 1 - flag(AttrP),
	}
}

func vmcbSegment(s kvm.Segment) Segment {
	attr := uint16(s.Type) | uint16(s.DPL&0x3)<<AttrDPLShift
	for bit, set := range map[uint16]uint8{AttrS: s.S, AttrP: s.Present, AttrAVL: s.Avl, AttrL: s.L, AttrDB: s.DB, AttrG: s.G} {
		if set != 0 {
			attr |= bit
		}
	}

	return Segment{Selector: s.Selector, Attrib: attr, Limit: s.Limit, Base: s.Base}
}

var segOffsets = []struct {
	off int
	reg func(*kvm.Sregs) *kvm.Segment
}{
	{OffCS, func(s *kvm.Sregs) *kvm.Segment { return &s.CS }},
	{OffDS, func(s *kvm.Sregs) *kvm.Segment { return &s.DS }},
	{OffES, func(s *kvm.Sregs) *kvm.Segment { return &s.ES }},
	{OffFS, func(s *kvm.Sregs) *kvm.Segment { return &s.FS }},
	{OffGS, func(s *kvm.Sregs) *kvm.Segment { return &s.GS }},
	{OffSS, func(s *kvm.Sregs) *kvm.Segment { return &s.SS }},
	{OffTR, func(s *kvm.Sregs) *kvm.Segment { return &s.TR }},
	{OffLDTR, func(s *kvm.Sregs) *kvm.Segment { return &s.LDT }},
}

func (k *KVM) restore(c *Context) error {
	v := &c.VMCB

	regs := kvm.Regs{
		RAX: c.RAX(), RBX: c.RBX, RCX: c.RCX, RDX: c.RDX,
		RSI: c.RSI, RDI: c.RDI, RSP: v.Uint64(OffRSP), RBP: c.RBP,
		R8: c.R8, R9: c.R9, R10: c.R10, R11: c.R11,
		R12: c.R12, R13: c.R13, R14: c.R14, R15: c.R15,
		RIP:    v.Uint64(OffRIP),
		RFlags: v.Uint64(OffRFLAGS),
	}

	var sregs kvm.Sregs
	if err := kvm.GetSregs(k.m.VCPU, &sregs); err != nil {
		return fmt.Errorf("get sregs: %w", err)
	}

	for _, s := range segOffsets {
		*s.reg(&sregs) = kvmSegment(v.Segment(s.off))
	}

	gdtr, idtr := v.Segment(OffGDTR), v.Segment(OffIDTR)
	sregs.GDT = kvm.Dtable{Base: gdtr.Base, Limit: uint16(gdtr.Limit)}
	sregs.IDT = kvm.Dtable{Base: idtr.Base, Limit: uint16(idtr.Limit)}

	sregs.CR0 = v.Uint64(OffCR0)
	sregs.CR2 = v.Uint64(OffCR2)
	sregs.CR3 = v.Uint64(OffCR3)
	sregs.CR4 = v.Uint64(OffCR4)

	// SVME is meaningful to the host only
	sregs.EFER = v.Uint64(OffEFER) &^ EFERSVM

	if err := kvm.SetSregs(k.m.VCPU, &sregs); err != nil {
		return fmt.Errorf("set sregs: %w", err)
	}

	if err := kvm.SetRegs(k.m.VCPU, &regs); err != nil {
		return fmt.Errorf("set regs: %w", err)
	}

	return nil
}

func (k *KVM) save(c *Context) error {
	var (
		regs  kvm.Regs
		sregs kvm.Sregs
	)

	if err := kvm.GetRegs(k.m.VCPU, &regs); err != nil {
		return fmt.Errorf("get regs: %w", err)
	}

	if err := kvm.GetSregs(k.m.VCPU, &sregs); err != nil {
		return fmt.Errorf("get sregs: %w", err)
	}

	v := &c.VMCB

	c.SetRAX(regs.RAX)
	c.RBX, c.RCX, c.RDX, c.RSI, c.RDI, c.RBP = regs.RBX, regs.RCX, regs.RDX, regs.RSI, regs.RDI, regs.RBP
	c.R8, c.R9, c.R10, c.R11 = regs.R8, regs.R9, regs.R10, regs.R11
	c.R12, c.R13, c.R14, c.R15 = regs.R12, regs.R13, regs.R14, regs.R15
	v.SetUint64(OffRSP, regs.RSP)
	v.SetUint64(OffRIP, regs.RIP)
	v.SetUint64(OffRFLAGS, regs.RFlags)

	for _, s := range segOffsets {
		v.SetSegment(s.off, vmcbSegment(*s.reg(&sregs)))
	}

	v.SetSegment(OffGDTR, Segment{Base: sregs.GDT.Base, Limit: uint32(sregs.GDT.Limit)})
	v.SetSegment(OffIDTR, Segment{Base: sregs.IDT.Base, Limit: uint32(sregs.IDT.Limit)})

	v.SetUint64(OffCR0, sregs.CR0)
	v.SetUint64(OffCR2, sregs.CR2)
	v.SetUint64(OffCR3, sregs.CR3)
	v.SetUint64(OffCR4, sregs.CR4)
	v.SetUint64(OffEFER, sregs.EFER|EFERSVM)

	return nil
}
