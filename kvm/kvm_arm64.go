//go:build linux && arm64

package kvm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// arm64 ioctls
const (
	kARMVCPUInit        = 0x4020aeae
	kARMPreferredTarget = 0x8020aeaf
)

// ARMFeaturePSCI02 asks KVM to emulate PSCI v0.2 in the kernel, which
// turns SYSTEM_OFF into a KVM_EXIT_SYSTEM_EVENT.
const ARMFeaturePSCI02 = 2

// ARMVCPUInit has the same layout as the C struct kvm_vcpu_init.
type ARMVCPUInit struct {
	Target   uint32
	Features [7]uint32
}

// Enable sets a feature bit.
func (i *ARMVCPUInit) Enable(feature uint32) {
	if w := feature / 32; w < uint32(len(i.Features)) {
		i.Features[w] |= 1 << (feature % 32)
	}
}

// ARMPreferredTarget returns the target KVM prefers on this host.
func ARMPreferredTarget(vm *VM) (ARMVCPUInit, error) {
	var init ARMVCPUInit

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vm.Fd(), kARMPreferredTarget, uintptr(unsafe.Pointer(&init)))
	if errno != 0 {
		return ARMVCPUInit{}, errno
	}

	return init, nil
}

// ARMInitVCPU initializes the VCPU. It must be called before the first Run.
func ARMInitVCPU(vcpu *VCPU, init *ARMVCPUInit) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vcpu.Fd(), kARMVCPUInit, uintptr(unsafe.Pointer(init)))
	if errno != 0 {
		return errno
	}

	return nil
}

const (
	regARM64    = 0x6000000000000000
	regSizeU64  = 0x0030000000000000
	regARMCore  = 0x0010 << 16
	regARMSys   = 0x0013 << 16
	coreRegSize = 8
)

// ARMCoreReg returns the ONE_REG id of a struct kvm_regs field at byte offset off.
func ARMCoreReg(off uintptr) uint64 {
	return regARM64 | regSizeU64 | regARMCore | uint64(off/4)
}

// ARMSysReg returns the ONE_REG id of a system register.
func ARMSysReg(op0, op1, crn, crm, op2 uint64) uint64 {
	return regARM64 | regSizeU64 | regARMSys |
		(op0&0x3)<<14 | (op1&0x7)<<11 | (crn&0xf)<<7 | (crm&0xf)<<3 | op2&0x7
}

// ONE_REG ids of the core registers.
var (
	ARMRegPC     = ARMCoreReg(32 * coreRegSize)
	ARMRegPState = ARMCoreReg(33 * coreRegSize)
	ARMRegSP     = ARMCoreReg(31 * coreRegSize)
	ARMRegSPEL1  = ARMCoreReg(34 * coreRegSize)
	ARMRegELREL1 = ARMCoreReg(35 * coreRegSize)
)

// ARMRegX returns the ONE_REG id of general-purpose register xN.
func ARMRegX(n int) uint64 {
	return ARMCoreReg(uintptr(n * coreRegSize))
}

// ONE_REG ids of the EL1 system registers the handoff touches.
var (
	ARMRegSCTLREL1 = ARMSysReg(3, 0, 1, 0, 0)
	ARMRegVBAREL1  = ARMSysReg(3, 0, 12, 0, 0)
	ARMRegESREL1   = ARMSysReg(3, 0, 5, 2, 0)
	ARMRegFAREL1   = ARMSysReg(3, 0, 6, 0, 0)
)
