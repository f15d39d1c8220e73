//go:build linux

// Package kvm is a thin wrapper around the KVM ioctl API.
package kvm

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// StableAPIVersion is the only KVM API version this package speaks.
const StableAPIVersion = 12

// System is an open handle to /dev/kvm.
type System struct{ *os.File }

// VM is a KVM virtual machine fd.
type VM struct{ *os.File }

// VCPU is a KVM virtual CPU fd.
type VCPU struct{ *os.File }

// UserspaceMemoryRegion has the same layout as the C struct kvm_userspace_memory_region.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// memory region flags
const (
	MemLogDirtyPages = 1 << 0
	MemReadonly      = 1 << 1
)

// VCPUState has roughly the same layout as struct kvm_run.
type VCPUState struct {
	RequestInterruptWindow     uint8 // in
	ImmediateExit              uint8 // in
	_                          [6]uint8
	ExitReason                 Exit
	ReadyForInterruptInjection uint8
	IFFlag                     uint8
	_/*flags*/ uint16
	_/*cr8*/ uint64
	_/*apicBase*/ uint64

	// exitData is a union of anonymous structs in the C struct.
	exitData [256]uint8

	_/*kvmValidRegs*/ uint64
	_/*kvmDirtyRegs*/ uint64
	_ [2048]uint8
}

// IOExitData is the result of a KVM_EXIT_IO vmexit. It has the same layout as the "io"
// member of the union of vmexit data in struct kvm_run.
type IOExitData struct {
	IsOut  bool
	Size   uint8
	Port   uint16
	Count  uint32
	Offset uint64
}

// MMIOExitData is the result of a KVM_EXIT_MMIO vmexit. It has the same layout as the
// "mmio" member of the union of vmexit data in struct kvm_run.
type MMIOExitData struct {
	PhysAddr uint64
	Data     [8]uint8
	Len      uint32
	IsWrite  bool
	_        [3]byte
}

// SystemEventData is the result of a KVM_EXIT_SYSTEM_EVENT vmexit.
type SystemEventData struct {
	Type  SystemEvent
	NData uint32
	Data  [16]uint64
}

// RISCVSBIExitData is the result of a KVM_EXIT_RISCV_SBI vmexit. KVM forwards the SBI
// calls it does not implement itself; Ret is copied into a0/a1 on the next Run.
type RISCVSBIExitData struct {
	ExtensionID uint64
	FunctionID  uint64
	Args        [6]uint64
	Ret         [2]uint64
}

// SystemEvent is the type of a KVM_EXIT_SYSTEM_EVENT.
type SystemEvent uint32

const (
	SystemEventShutdown = SystemEvent(1)
	SystemEventReset    = SystemEvent(2)
	SystemEventCrash    = SystemEvent(3)
)

// Open opens /dev/kvm.
func Open() (*System, error) {
	f, err := os.OpenFile("/dev/kvm", os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}

	return &System{f}, nil
}

// GetAPIVersion returns the KVM API version. It should always be StableAPIVersion.
func GetAPIVersion(sys *System) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, sys.Fd(), kGetAPIVersion, 0)
	if errno != 0 {
		return 0, errno
	}

	return int(r), nil
}

// CheckExtension returns a positive value if the extension is available. Some
// extensions return additional information in the value. The fd can be a
// *System or, if CapCheckExtensionVM is available, a *VM.
func CheckExtension(fd interface{ Fd() uintptr }, cap Cap) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, fd.Fd(), kCheckExtension, uintptr(cap))
	if errno != 0 {
		return 0, errno
	}

	return int(r), nil
}

// GetVCPUMmapSize returns the size of the shared memory region used to
// communicate with userspace by KVM_RUN.
func GetVCPUMmapSize(sys *System) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, sys.Fd(), kGetVCPUMmapSize, 0)
	if errno != 0 {
		return 0, errno
	}

	return int(r), nil
}

// CreateVM creates a new VM with no VCPUs and no memory.
func CreateVM(sys *System) (*VM, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, sys.Fd(), kCreateVM, vmType)
	if errno != 0 {
		return nil, errno
	}

	return &VM{os.NewFile(r, "kvm-vm")}, nil
}

// CreateVCPU adds a VCPU to the VM.
func CreateVCPU(vm *VM, slot int) (*VCPU, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, vm.Fd(), kCreateVCPU, uintptr(slot))
	if errno != 0 {
		return nil, errno
	}

	return &VCPU{os.NewFile(r, "kvm-vcpu")}, nil
}

// SetUserMemoryRegion creates, modifies, or deletes a guest physical memory slot.
func SetUserMemoryRegion(vm *VM, region *UserspaceMemoryRegion) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vm.Fd(), kSetUserMemoryRegion, uintptr(unsafe.Pointer(region)))
	if errno != 0 {
		return errno
	}

	return nil
}

// Run runs the VCPU until it exits. The exit reason is in the VCPU's mmaped
// VCPUState. Run returns unix.EINTR if a signal was delivered to the thread.
func Run(vcpu *VCPU) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vcpu.Fd(), kRun, 0)
	if errno != 0 {
		return errno
	}

	return nil
}

// oneReg has the same layout as the C struct kvm_one_reg.
type oneReg struct {
	id   uint64
	addr uint64
}

// GetOneReg reads the register identified by id.
func GetOneReg(vcpu *VCPU, id uint64) (uint64, error) {
	var val uint64
	reg := oneReg{id: id, addr: uint64(uintptr(unsafe.Pointer(&val)))}

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vcpu.Fd(), kGetOneReg, uintptr(unsafe.Pointer(&reg)))
	if errno != 0 {
		return 0, errno
	}

	return val, nil
}

// SetOneReg writes the register identified by id.
func SetOneReg(vcpu *VCPU, id uint64, val uint64) error {
	reg := oneReg{id: id, addr: uint64(uintptr(unsafe.Pointer(&val)))}

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vcpu.Fd(), kSetOneReg, uintptr(unsafe.Pointer(&reg)))
	if errno != 0 {
		return errno
	}

	return nil
}

// IOExitData returns data describing the present KVM_EXIT_IO vmexit.
// The result is undefined (but bad) if the exit reason is not KVM_EXIT_IO.
func (s *VCPUState) IOExitData() *IOExitData {
	return (*IOExitData)(unsafe.Pointer(&s.exitData[0]))
}

// MMIOExitData returns data describing the present KVM_EXIT_MMIO vmexit.
// The result is undefined (but bad) if the exit reason is not KVM_EXIT_MMIO.
func (s *VCPUState) MMIOExitData() *MMIOExitData {
	return (*MMIOExitData)(unsafe.Pointer(&s.exitData[0]))
}

// SystemEventData returns data describing the present KVM_EXIT_SYSTEM_EVENT vmexit.
func (s *VCPUState) SystemEventData() *SystemEventData {
	return (*SystemEventData)(unsafe.Pointer(&s.exitData[0]))
}

// RISCVSBIExitData returns data describing the present KVM_EXIT_RISCV_SBI vmexit.
func (s *VCPUState) RISCVSBIExitData() *RISCVSBIExitData {
	return (*RISCVSBIExitData)(unsafe.Pointer(&s.exitData[0]))
}

// IOData returns the bytes transferred by the present KVM_EXIT_IO vmexit. They
// live in the mmaped state at the offset KVM reports.
func (s *VCPUState) IOData() []byte {
	xd := s.IOExitData()
	base := unsafe.Add(unsafe.Pointer(s), xd.Offset)
	return unsafe.Slice((*byte)(base), int(xd.Size)*int(xd.Count))
}
