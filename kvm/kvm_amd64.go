//go:build linux && amd64

package kvm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// amd64 ioctls
const (
	kGetSupportedCPUID = 0xc008ae05
	kGetRegs           = 0x8090ae81
	kSetRegs           = 0x4090ae82
	kGetSregs          = 0x8138ae83
	kSetSregs          = 0x4138ae84
	kInterrupt         = 0x4004ae86
	kSetCPUID2         = 0x4008ae90
)

const nrInterrupts = 256

// Regs holds a VCPU's general-purpose registers.
// It has the same layout as the C struct kvm_regs.
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFlags        uint64
}

// Sregs holds a VCPU's special registers.
// It has the same layout as the C struct kvm_sregs.
type Sregs struct {
	CS, DS, ES, FS, GS, SS  Segment
	TR, LDT                 Segment
	GDT, IDT                Dtable
	CR0, CR2, CR3, CR4, CR8 uint64
	EFER                    uint64
	APICBase                uint64
	InterruptBitmap         [((nrInterrupts + 63) / 64)]uint64
}

// Segment has the same layout as the C struct kvm_segment.
type Segment struct {
	Base                           uint64
	Limit                          uint32
	Selector                       uint16
	Type                           uint8
	Present, DPL, DB, S, L, G, Avl uint8
	Unusable                       uint8
	_                              byte
}

// Dtable has the same layout as the C struct kvm_dtable.
type Dtable struct {
	Base  uint64
	Limit uint16
	_     [6]byte
}

// CPUIDEntry2 has the same layout as the C struct kvm_cpuid_entry2.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	EAX      uint32
	EBX      uint32
	ECX      uint32
	EDX      uint32
	_        [3]uint32
}

// kvm_cpuid2 is similar to the C struct kvm_cpuid2.
type kvm_cpuid2 struct {
	nent    uint32
	_       uint32
	entries [255]CPUIDEntry2
}

// GetSupportedCPUID returns the x86 cpuid features supported by both the
// hardware and KVM in its default configuration.
//
// This ioctl is available if CheckExtension(CapExtCPUID) returns 1.
func GetSupportedCPUID(sys *System) ([]CPUIDEntry2, error) {
	var cpuid kvm_cpuid2
	cpuid.nent = uint32(len(cpuid.entries))

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, sys.Fd(), kGetSupportedCPUID, uintptr(unsafe.Pointer(&cpuid)))
	if errno != 0 {
		return nil, errno
	}

	return cpuid.entries[:cpuid.nent], nil
}

// SetCPUID2 "defines the vcpu responses to the cpuid instruction."
func SetCPUID2(vcpu *VCPU, entries []CPUIDEntry2) error {
	cpuid := kvm_cpuid2{nent: uint32(len(entries))}
	if copy(cpuid.entries[:], entries) != len(entries) {
		return unix.E2BIG
	}

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vcpu.Fd(), kSetCPUID2, uintptr(unsafe.Pointer(&cpuid)))
	if errno != 0 {
		return errno
	}

	return nil
}

// GetRegs reads the vcpu's general-purpose registers.
func GetRegs(vcpu *VCPU, regs *Regs) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vcpu.Fd(), kGetRegs, uintptr(unsafe.Pointer(regs)))
	if errno != 0 {
		return errno
	}

	return nil
}

// SetRegs writes the vcpu's general-purpose registers.
func SetRegs(vcpu *VCPU, regs *Regs) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vcpu.Fd(), kSetRegs, uintptr(unsafe.Pointer(regs)))
	if errno != 0 {
		return errno
	}

	return nil
}

// GetSregs reads the vcpu's special registers.
func GetSregs(vcpu *VCPU, sregs *Sregs) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vcpu.Fd(), kGetSregs, uintptr(unsafe.Pointer(sregs)))
	if errno != 0 {
		return errno
	}

	return nil
}

// SetSregs writes the vcpu's special registers.
func SetSregs(vcpu *VCPU, sregs *Sregs) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vcpu.Fd(), kSetSregs, uintptr(unsafe.Pointer(sregs)))
	if errno != 0 {
		return errno
	}

	return nil
}

// Interrupt queues an external interrupt vector for delivery on the next
// entry. It is only valid when the VM has no in-kernel irqchip; the guest must
// be ready for injection (see VCPUState.ReadyForInterruptInjection).
func Interrupt(vcpu *VCPU, vector uint32) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vcpu.Fd(), kInterrupt, uintptr(unsafe.Pointer(&vector)))
	if errno != 0 {
		return errno
	}

	return nil
}
