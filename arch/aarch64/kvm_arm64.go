//go:build linux && arm64

package aarch64

import (
	"errors"
	"fmt"

	"github.com/c35s/gkvisor/hcall"
	"github.com/c35s/gkvisor/kvm"
	"github.com/c35s/gkvisor/mem"
	"github.com/c35s/gkvisor/vcpu"
	"golang.org/x/sys/unix"
)

// KVM hands an AArch64 guest off to the host's KVM. KVM emulates PSCI 0.2 in
// the kernel, so the guest's SYSTEM_OFF or SYSTEM_RESET is the only thing
// that brings control back; it is reported as the SMC that requested it.
type KVM struct {
	m       *kvm.Machine
	entered bool
}

// NewKVM creates a KVM VM with one VCPU initialized for the host's preferred
// target with in-kernel PSCI.
func NewKVM() (_ *KVM, err error) {
	m, err := kvm.NewMachine(kvm.CapOneReg, kvm.CapARMPSCI02)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err != nil {
			m.Close()
		}
	}()

	vi, err := kvm.ARMPreferredTarget(m.VM)
	if err != nil {
		return nil, fmt.Errorf("preferred target: %w", err)
	}

	vi.Enable(kvm.ARMFeaturePSCI02)
	if err := kvm.ARMInitVCPU(m.VCPU, &vi); err != nil {
		return nil, fmt.Errorf("init vcpu: %w", err)
	}

	return &KVM{m: m}, nil
}

func (k *KVM) Arch() vcpu.Arch {
	return vcpu.AArch64
}

func (k *KVM) Install(slot int, m mem.Mapping) error {
	return k.m.SetMemory(slot, m.Guest, m.Host, m.Perm&mem.PermWrite == 0)
}

func (k *KVM) NewVCPU(as *mem.AddressSpace, boot vcpu.Boot) (vcpu.Context, vcpu.Runner, error) {
	c, err := Boot(as, boot)
	if err != nil {
		return nil, nil, err
	}

	return c, k, nil
}

func (k *KVM) Kick() {
	k.m.Kick()
}

func (k *KVM) Close() error {
	return k.m.Close()
}

// Run jumps into the guest once and stays there until the guest asks PSCI to
// stop the machine. Interrupted runs are resumed in place; the host has
// nothing to deliver in this mode.
func (k *KVM) Run(vc vcpu.Context) error {
	c := vc.(*Context)
	if k.entered {
		return errors.New("aarch64: guest already handed off")
	}

	if err := k.restore(c); err != nil {
		return err
	}

	k.entered = true
	st := k.m.State()

	for {
		err := k.m.Run()
		if errors.Is(err, unix.EINTR) {
			continue
		}

		if err != nil {
			return err
		}

		break
	}

	prev := *c
	if err := k.save(c); err != nil {
		*c = prev
		return err
	}

	switch st.ExitReason {
	case kvm.ExitSystemEvent:
		c.SMC(psciCall(st.SystemEventData().Type))

	case kvm.ExitMMIO:
		xd := st.MMIOExitData()
		access := vcpu.AccessRead
		if xd.IsWrite {
			access = vcpu.AccessWrite
		}

		c.Abort(xd.PhysAddr, access)

	default:
		c.HostExit(uint64(st.ExitReason))
	}

	return nil
}

// psciCall returns the PSCI function behind a KVM system event.
func psciCall(ev kvm.SystemEvent) uint32 {
	if ev == kvm.SystemEventReset {
		return hcall.PSCISystemReset
	}

	return hcall.PSCISystemOff
}

type oneReg struct {
	id  uint64
	val *uint64
}

// oneRegs lists the ONE_REG ids of the registers a handoff carries and where
// they live in c.
func oneRegs(c *Context) []oneReg {
	regs := []oneReg{
		{kvm.ARMRegPC, &c.ELR},
		{kvm.ARMRegPState, &c.PState},
		{kvm.ARMRegSPEL1, &c.SP},
		{kvm.ARMRegSCTLREL1, &c.SCTLR},
		{kvm.ARMRegVBAREL1, &c.VBAR},
	}

	for n := range c.X {
		regs = append(regs, oneReg{kvm.ARMRegX(n), &c.X[n]})
	}

	return regs
}

func (k *KVM) restore(c *Context) error {
	for _, r := range oneRegs(c) {
		if err := kvm.SetOneReg(k.m.VCPU, r.id, *r.val); err != nil {
			return fmt.Errorf("set reg %#x: %w", r.id, err)
		}
	}

	return nil
}

func (k *KVM) save(c *Context) error {
	for _, r := range oneRegs(c) {
		v, err := kvm.GetOneReg(k.m.VCPU, r.id)
		if err != nil {
			return fmt.Errorf("get reg %#x: %w", r.id, err)
		}

		*r.val = v
	}

	return nil
}
