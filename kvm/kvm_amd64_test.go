//go:build linux && amd64

package kvm_test

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/c35s/gkvisor/kvm"
	"golang.org/x/sys/unix"
)

func TestRegs(t *testing.T) {
	sys := openKVM(t)
	defer sys.Close()

	vm, err := kvm.CreateVM(sys)
	if err != nil {
		t.Fatal(err)
	}

	defer vm.Close()

	vcpu, err := kvm.CreateVCPU(vm, 0)
	if err != nil {
		t.Fatal(err)
	}

	defer vcpu.Close()

	var regs kvm.Regs
	if err := kvm.GetRegs(vcpu, &regs); err != nil {
		t.Fatal(err)
	}

	if regs.RFlags != 0x2 {
		t.Fatalf("RFlags %#x != 0x2", regs.RFlags)
	}

	regs.RAX = 0x84000008
	if err := kvm.SetRegs(vcpu, &regs); err != nil {
		t.Fatal(err)
	}

	if err := kvm.GetRegs(vcpu, &regs); err != nil {
		t.Fatal(err)
	}

	if regs.RAX != 0x84000008 {
		t.Fatalf("RAX %#x != 0x84000008 after SetRegs", regs.RAX)
	}
}

func TestSregs(t *testing.T) {
	sys := openKVM(t)
	defer sys.Close()

	vm, err := kvm.CreateVM(sys)
	if err != nil {
		t.Fatal(err)
	}

	defer vm.Close()

	vcpu, err := kvm.CreateVCPU(vm, 0)
	if err != nil {
		t.Fatal(err)
	}

	defer vcpu.Close()

	var sregs kvm.Sregs
	if err := kvm.GetSregs(vcpu, &sregs); err != nil {
		t.Fatal(err)
	}

	if sregs.CS.Base != 0xffff0000 {
		t.Fatalf("CS.Base %#x != 0xffff0000", sregs.CS.Base)
	}

	sregs.CS.Base = 0x1000
	if err := kvm.SetSregs(vcpu, &sregs); err != nil {
		t.Fatal(err)
	}

	if err := kvm.GetSregs(vcpu, &sregs); err != nil {
		t.Fatal(err)
	}

	if sregs.CS.Base != 0x1000 {
		t.Fatalf("CS.Base %#x != 0x1000 after SetSregs", sregs.CS.Base)
	}
}

func TestCPUID(t *testing.T) {
	sys := openKVM(t)
	defer sys.Close()

	ext, err := kvm.CheckExtension(sys, kvm.CapExtCPUID)
	if err != nil {
		t.Fatal(err)
	}

	if ext != 1 {
		t.Skipf("%v is %d", kvm.CapExtCPUID, ext)
	}

	ent, err := kvm.GetSupportedCPUID(sys)
	if err != nil {
		t.Fatal(err)
	}

	if len(ent) == 0 {
		t.Fatal("no supported cpuid")
	}

	vm, err := kvm.CreateVM(sys)
	if err != nil {
		t.Fatal(err)
	}

	defer vm.Close()

	vcpu, err := kvm.CreateVCPU(vm, 0)
	if err != nil {
		t.Fatal(err)
	}

	defer vcpu.Close()

	if err := kvm.SetCPUID2(vcpu, ent); err != nil {
		t.Fatal(err)
	}
}

// TestRunOut runs a two-instruction guest in real mode that writes to an I/O
// port and halts. It checks both exits and the bytes KVM reports for the out.
func TestRunOut(t *testing.T) {
	sys := openKVM(t)
	defer sys.Close()

	mmapSz, err := kvm.GetVCPUMmapSize(sys)
	if err != nil {
		t.Fatal(err)
	}

	vm, err := kvm.CreateVM(sys)
	if err != nil {
		t.Fatal(err)
	}

	defer vm.Close()

	mem, err := unix.Mmap(-1, 0, 0x1000,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)

	if err != nil {
		t.Fatal(err)
	}

	defer unix.Munmap(mem)

	region := &kvm.UserspaceMemoryRegion{
		MemorySize:    uint64(len(mem)),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}

	if err := kvm.SetUserMemoryRegion(vm, region); err != nil {
		t.Fatal(err)
	}

	vcpu, err := kvm.CreateVCPU(vm, 0)
	if err != nil {
		t.Fatal(err)
	}

	defer vcpu.Close()

	raw, err := unix.Mmap(int(vcpu.Fd()), 0, mmapSz,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)

	if err != nil {
		t.Fatal(err)
	}

	defer unix.Munmap(raw)

	state := (*kvm.VCPUState)(unsafe.Pointer(&raw[0]))

	var sregs kvm.Sregs
	if err := kvm.GetSregs(vcpu, &sregs); err != nil {
		t.Fatal(err)
	}

	sregs.CS.Base = 0
	sregs.CS.Selector = 0

	if err := kvm.SetSregs(vcpu, &sregs); err != nil {
		t.Fatal(err)
	}

	regs := kvm.Regs{RIP: 0, RAX: 0x2a, RFlags: 0x2}
	if err := kvm.SetRegs(vcpu, &regs); err != nil {
		t.Fatal(err)
	}

	copy(mem, []byte{
		0xe6, 0x10, // out 0x10, al
		0xf4, // hlt
	})

	if err := kvm.Run(vcpu); err != nil {
		t.Fatal(err)
	}

	if state.ExitReason != kvm.ExitIO {
		t.Fatalf("%v != %v", state.ExitReason, kvm.ExitIO)
	}

	if xd := state.IOExitData(); !xd.IsOut || xd.Port != 0x10 {
		t.Fatalf("unexpected io exit: %+v", xd)
	}

	if data := state.IOData(); len(data) != 1 || data[0] != 0x2a {
		t.Fatalf("io data %x != 2a", data)
	}

	if err := kvm.Run(vcpu); err != nil {
		t.Fatal(err)
	}

	if state.ExitReason != kvm.ExitHLT {
		t.Fatalf("%v != %v", state.ExitReason, kvm.ExitHLT)
	}
}

func TestVCPUClosed_amd64(t *testing.T) {
	sys := openKVM(t)
	defer sys.Close()

	vm, err := kvm.CreateVM(sys)
	if err != nil {
		t.Fatal(err)
	}

	defer vm.Close()

	vcpu, err := kvm.CreateVCPU(vm, 0)
	if err != nil {
		t.Fatal(err)
	}

	if err := vcpu.Close(); err != nil {
		t.Fatal(err)
	}

	vcpuFn := map[string]func(*kvm.VCPU) error{
		"GetRegs":   func(vcpu *kvm.VCPU) error { return kvm.GetRegs(vcpu, new(kvm.Regs)) },
		"SetRegs":   func(vcpu *kvm.VCPU) error { return kvm.SetRegs(vcpu, new(kvm.Regs)) },
		"GetSregs":  func(vcpu *kvm.VCPU) error { return kvm.GetSregs(vcpu, new(kvm.Sregs)) },
		"SetSregs":  func(vcpu *kvm.VCPU) error { return kvm.SetSregs(vcpu, new(kvm.Sregs)) },
		"Interrupt": func(vcpu *kvm.VCPU) error { return kvm.Interrupt(vcpu, 0x20) },
		"SetCPUID2": func(vcpu *kvm.VCPU) error { return kvm.SetCPUID2(vcpu, nil) },
	}

	for name, fn := range vcpuFn {
		if err := fn(vcpu); !errors.Is(err, unix.EBADF) {
			t.Fatalf("%s: %v != EBADF", name, err)
		}
	}
}
