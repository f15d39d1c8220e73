package svm_test

import (
	"testing"

	"github.com/c35s/gkvisor/arch/svm"
	"github.com/c35s/gkvisor/hcall"
	"github.com/c35s/gkvisor/vcpu"
	"github.com/google/go-cmp/cmp"
)

const entry = 0x20_0000

func newContext() *svm.Context {
	return svm.New(vcpu.Boot{Entry: entry, Arg: 0x1234, Scratch: 0x8000})
}

func TestReset(t *testing.T) {
	c := newContext()
	v := &c.VMCB

	if c.PC() != entry {
		t.Errorf("rip %#x != %#x", c.PC(), entry)
	}

	if c.RDI != 0x1234 {
		t.Errorf("rdi %#x != 0x1234", c.RDI)
	}

	if cr3 := v.Uint64(svm.OffCR3); cr3 != 0x8000 {
		t.Errorf("cr3 %#x != 0x8000", cr3)
	}

	if gdtr := v.Segment(svm.OffGDTR); gdtr.Base != 0x8000+0x6000 || gdtr.Limit != 31 {
		t.Errorf("gdtr %+v", gdtr)
	}

	if efer := v.Uint64(svm.OffEFER); efer&(svm.EFERLMA|svm.EFERLME|svm.EFERSVM) != svm.EFERLMA|svm.EFERLME|svm.EFERSVM {
		t.Errorf("efer %#x isn't long mode with SVME", efer)
	}

	if v.Uint32(svm.OffInterceptMisc2)&svm.InterceptVMRUN == 0 {
		t.Error("vmrun isn't intercepted")
	}

	if v.Uint32(svm.OffInterceptMisc2)&svm.InterceptVMMCALL == 0 {
		t.Error("vmmcall isn't intercepted")
	}

	if v.Uint32(svm.OffASID) == 0 {
		t.Error("asid 0 is reserved for the host")
	}

	// Reset keeps the boot table addresses
	c.Reset(entry+0x100, 0)
	if cr3 := v.Uint64(svm.OffCR3); cr3 != 0x8000 {
		t.Errorf("cr3 after reset %#x != 0x8000", cr3)
	}
}

func TestVmmcallExit(t *testing.T) {
	c := newContext()
	c.Vmmcall(hcall.PSCISystemOff)

	want := vcpu.ExitReason{
		Kind: vcpu.KindHypercall,
		Call: hcall.Call{Ext: hcall.ExtSRST, Args: [6]uint64{hcall.ResetShutdown, hcall.ReasonNone}},
		Code: svm.ExitVMMCALL,
	}

	if diff := cmp.Diff(want, c.ExitReason()); diff != "" {
		t.Errorf("exit (-want +got):\n%s", diff)
	}
}

func TestVmmcallArgs(t *testing.T) {
	c := newContext()
	c.Vmmcall(hcall.VendorPutChar, 'h', 2, 3, 4)

	if c.RBX != 'h' || c.RCX != 2 || c.RDX != 3 || c.RSI != 4 {
		t.Errorf("args rbx=%d rcx=%d rdx=%d rsi=%d", c.RBX, c.RCX, c.RDX, c.RSI)
	}

	r := c.ExitReason()
	if r.Call.Ext != hcall.ExtDBCN || r.Call.Func != hcall.DBCNWriteByte || r.Call.Args[0] != 'h' {
		t.Errorf("call %v", r.Call)
	}
}

func TestComplete(t *testing.T) {
	c := newContext()

	c.Vmmcall(hcall.VendorGetChar)
	c.Complete(hcall.Result{Value: 'x'})

	if c.RAX() != 'x' {
		t.Errorf("rax %#x != 'x'", c.RAX())
	}

	if c.PC() != entry+3 {
		t.Errorf("rip %#x != nrip %#x", c.PC(), entry+3)
	}

	// without nrip the guest still moves past the vmmcall
	c.Exit(svm.ExitVMMCALL, 0, 0, 0)
	c.Complete(hcall.NotSupported)

	if int64(c.RAX()) != hcall.SMCCCNotSupported {
		t.Errorf("rax %d != %d", int64(c.RAX()), hcall.SMCCCNotSupported)
	}

	if c.PC() != entry+6 {
		t.Errorf("rip %#x != %#x", c.PC(), entry+6)
	}
}

func TestNestedPageFaultExit(t *testing.T) {
	tests := []struct {
		access vcpu.Access
		info   uint64
	}{
		{vcpu.AccessRead, svm.NPFUser},
		{vcpu.AccessWrite, svm.NPFUser | svm.NPFWrite},
		{vcpu.AccessExec, svm.NPFUser | svm.NPFFetch},
	}

	for _, tt := range tests {
		c := newContext()
		c.NestedPageFault(0xffc0_0000, tt.access)

		if info := c.VMCB.Uint64(svm.OffExitInfo1); info != tt.info {
			t.Errorf("%v: exitinfo1 %#x != %#x", tt.access, info, tt.info)
		}

		r := c.ExitReason()
		want := vcpu.Fault{Addr: 0xffc0_0000, Access: tt.access}
		if r.Kind != vcpu.KindPageFault || r.Fault != want {
			t.Errorf("%v: exit %v", tt.access, r)
		}

		if c.PC() != entry {
			t.Errorf("%v: fault moved rip", tt.access)
		}
	}
}

func TestOtherExits(t *testing.T) {
	tests := []struct {
		code uint64
		kind vcpu.Kind
	}{
		{svm.ExitHLT, vcpu.KindIdle},
		{svm.ExitINTR, vcpu.KindInterrupt},
		{svm.ExitVINTR, vcpu.KindInterrupt},
		{svm.ExitShutdown, vcpu.KindUnhandled},
		{svm.ExitIOIO, vcpu.KindUnhandled},
		{svm.ExitMSR, vcpu.KindUnhandled},
		{svm.ExitInvalid, vcpu.KindUnhandled},
	}

	for _, tt := range tests {
		c := newContext()
		c.Exit(tt.code, 7, 0, 0)

		r := c.ExitReason()
		if r.Kind != tt.kind {
			t.Errorf("code %#x: %v != %v", tt.code, r.Kind, tt.kind)
		}

		if r.Code != tt.code || r.Info != 7 {
			t.Errorf("code %#x: raw code/info %#x/%#x", tt.code, r.Code, r.Info)
		}
	}
}

func TestTimerPending(t *testing.T) {
	c := newContext()

	c.SetTimerPending(true)
	if ev := c.VMCB.Uint64(svm.OffEventInj); ev != svm.EventInjValid|svm.TimerVector {
		t.Errorf("eventinj %#x", ev)
	}

	if !c.TimerPending() {
		t.Error("timer isn't pending")
	}

	c.SetTimerPending(false)
	if c.TimerPending() || c.VMCB.Uint64(svm.OffEventInj) != 0 {
		t.Error("timer is still pending")
	}
}

func TestSaveRestore(t *testing.T) {
	c := newContext()
	s := c.Save()

	c.Vmmcall(hcall.VendorSetTimer, 100)
	c.Complete(hcall.Result{})
	c.Restore(s)

	if diff := cmp.Diff(newContext().VMCB, c.VMCB); diff != "" {
		t.Errorf("vmcb (-want +got):\n%s", diff)
	}
}
