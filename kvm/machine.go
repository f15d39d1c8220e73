//go:build linux

package kvm

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// BaseCaps are the extensions every Machine needs.
var BaseCaps = []Cap{
	CapUserMemory,
	CapReadonlyMem,
	CapImmediateExit,
}

// Machine is a VM with a single VCPU and the VCPU's mmaped run state.
type Machine struct {
	Sys  *System
	VM   *VM
	VCPU *VCPU

	run []byte
	tid atomic.Int64
}

// NewMachine opens KVM, checks it has BaseCaps plus the given extensions, and
// creates a VM with one VCPU.
func NewMachine(caps ...Cap) (m *Machine, err error) {
	sys, err := Open()
	if err != nil {
		return nil, err
	}

	m = &Machine{Sys: sys}
	defer func() {
		if err != nil {
			m.Close()
			m = nil
		}
	}()

	if err := Validate(sys, append(append([]Cap(nil), BaseCaps...), caps...)...); err != nil {
		return nil, err
	}

	if m.VM, err = CreateVM(sys); err != nil {
		return nil, fmt.Errorf("create vm: %w", err)
	}

	if m.VCPU, err = CreateVCPU(m.VM, 0); err != nil {
		return nil, fmt.Errorf("create vcpu: %w", err)
	}

	mmsz, err := GetVCPUMmapSize(sys)
	if err != nil {
		return nil, fmt.Errorf("get vcpu mmap size: %w", err)
	}

	m.run, err = unix.Mmap(int(m.VCPU.Fd()), 0, mmsz,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)

	if err != nil {
		return nil, fmt.Errorf("mmap vcpu: %w", err)
	}

	return m, nil
}

// State returns the VCPU's shared run state.
func (m *Machine) State() *VCPUState {
	return (*VCPUState)(unsafe.Pointer(&m.run[0]))
}

// SetMemory installs host as guest-physical memory at gpa in the given slot.
func (m *Machine) SetMemory(slot int, gpa uint64, host []byte, readonly bool) error {
	region := UserspaceMemoryRegion{
		Slot:          uint32(slot),
		GuestPhysAddr: gpa,
		MemorySize:    uint64(len(host)),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&host[0]))),
	}

	if readonly {
		region.Flags |= MemReadonly
	}

	return SetUserMemoryRegion(m.VM, &region)
}

// Run runs the VCPU on the calling thread, which must be locked to its OS
// thread, until the next exit.
func (m *Machine) Run() error {
	m.tid.Store(int64(unix.Gettid()))
	err := Run(m.VCPU)
	m.tid.Store(0)

	// only a Run that was kicked out consumes the kick; one that lands after
	// a natural exit stays set for the next Run
	if errors.Is(err, unix.EINTR) {
		m.State().ImmediateExit = 0
	}

	return err
}

// Kick makes a running or imminent Run return unix.EINTR. The thread in Run
// is bounced out with a signal; a Run that has not started yet sees
// immediate_exit and returns at once.
func (m *Machine) Kick() {
	m.State().ImmediateExit = 1

	if tid := m.tid.Load(); tid != 0 {
		unix.Tgkill(unix.Getpid(), int(tid), unix.SIGCHLD)
	}
}

// CompleteMMIO finishes the in-flight MMIO exit against memory that has
// since been mapped, so the access completes on the next Run.
func (m *Machine) CompleteMMIO(mem interface {
	io.ReaderAt
	io.WriterAt
}) error {
	st := m.State()
	if st.ExitReason != ExitMMIO {
		return nil
	}

	xd := st.MMIOExitData()
	if xd.Len > uint32(len(xd.Data)) {
		return fmt.Errorf("mmio access of %d bytes", xd.Len)
	}

	var err error
	if xd.IsWrite {
		_, err = mem.WriteAt(xd.Data[:xd.Len], int64(xd.PhysAddr))
	} else {
		_, err = mem.ReadAt(xd.Data[:xd.Len], int64(xd.PhysAddr))
	}

	// don't complete it twice
	st.ExitReason = ExitUnknown

	return err
}

// Close releases the VCPU, the VM and the KVM handle.
func (m *Machine) Close() error {
	var errs []error

	if m.run != nil {
		errs = append(errs, unix.Munmap(m.run))
		m.run = nil
	}

	if m.VCPU != nil {
		errs = append(errs, m.VCPU.Close())
	}

	if m.VM != nil {
		errs = append(errs, m.VM.Close())
	}

	if m.Sys != nil {
		errs = append(errs, m.Sys.Close())
	}

	return errors.Join(errs...)
}
