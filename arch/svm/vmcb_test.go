package svm_test

import (
	"testing"
	"unsafe"

	"github.com/c35s/gkvisor/arch/svm"
	"github.com/google/go-cmp/cmp"
)

func TestVMCBSize(t *testing.T) {
	if sz := unsafe.Sizeof(svm.VMCB{}); sz != 4096 {
		t.Fatalf("sizeof VMCB %d != 4096", sz)
	}
}

func TestVMCBFieldsDoNotOverlap(t *testing.T) {
	fields := []struct {
		name string
		off  int
		size int
	}{
		{"intercept_cr", svm.OffInterceptCR, 4},
		{"intercept_dr", svm.OffInterceptDR, 4},
		{"intercept_exc", svm.OffInterceptExc, 4},
		{"intercept_misc1", svm.OffInterceptMisc1, 4},
		{"intercept_misc2", svm.OffInterceptMisc2, 4},
		{"iopm_base", svm.OffIOPMBase, 8},
		{"msrpm_base", svm.OffMSRPMBase, 8},
		{"tsc_offset", svm.OffTSCOffset, 8},
		{"asid", svm.OffASID, 4},
		{"v_intr", svm.OffVIntr, 8},
		{"int_shadow", svm.OffIntShadow, 8},
		{"exitcode", svm.OffExitCode, 8},
		{"exitinfo1", svm.OffExitInfo1, 8},
		{"exitinfo2", svm.OffExitInfo2, 8},
		{"exitintinfo", svm.OffExitIntInfo, 8},
		{"np_enable", svm.OffNPEnable, 8},
		{"eventinj", svm.OffEventInj, 8},
		{"n_cr3", svm.OffNCR3, 8},
		{"clean", svm.OffClean, 4},
		{"nrip", svm.OffNRIP, 8},
		{"insn_len", svm.OffInsnLen, 1},
		{"insn_bytes", svm.OffInsnBytes, 15},
		{"es", svm.OffES, 16},
		{"cs", svm.OffCS, 16},
		{"ss", svm.OffSS, 16},
		{"ds", svm.OffDS, 16},
		{"fs", svm.OffFS, 16},
		{"gs", svm.OffGS, 16},
		{"gdtr", svm.OffGDTR, 16},
		{"ldtr", svm.OffLDTR, 16},
		{"idtr", svm.OffIDTR, 16},
		{"tr", svm.OffTR, 16},
		{"cpl", svm.OffCPL, 1},
		{"efer", svm.OffEFER, 8},
		{"cr4", svm.OffCR4, 8},
		{"cr3", svm.OffCR3, 8},
		{"cr0", svm.OffCR0, 8},
		{"dr7", svm.OffDR7, 8},
		{"dr6", svm.OffDR6, 8},
		{"rflags", svm.OffRFLAGS, 8},
		{"rip", svm.OffRIP, 8},
		{"rsp", svm.OffRSP, 8},
		{"rax", svm.OffRAX, 8},
		{"star", svm.OffSTAR, 8},
		{"lstar", svm.OffLSTAR, 8},
		{"cstar", svm.OffCSTAR, 8},
		{"sfmask", svm.OffSFMASK, 8},
		{"kernel_gs_base", svm.OffKernelGSBase, 8},
		{"sysenter_cs", svm.OffSysenterCS, 8},
		{"sysenter_esp", svm.OffSysenterESP, 8},
		{"sysenter_eip", svm.OffSysenterEIP, 8},
		{"cr2", svm.OffCR2, 8},
		{"g_pat", svm.OffGPAT, 8},
	}

	var owner [svm.VMCBSize]string
	for _, f := range fields {
		if f.off+f.size > svm.VMCBSize {
			t.Fatalf("%s runs past the end of the VMCB", f.name)
		}

		for i := f.off; i < f.off+f.size; i++ {
			if owner[i] != "" {
				t.Errorf("%s overlaps %s at %#x", f.name, owner[i], i)
			}

			owner[i] = f.name
		}
	}
}

func TestVMCBLittleEndian(t *testing.T) {
	var v svm.VMCB

	v.SetUint64(svm.OffExitCode, svm.ExitNPF)
	if v[svm.OffExitCode] != 0x00 || v[svm.OffExitCode+1] != 0x04 {
		t.Errorf("exitcode bytes % x", v[svm.OffExitCode:svm.OffExitCode+8])
	}

	v.Or32(svm.OffInterceptMisc2, svm.InterceptVMMCALL)
	v.Or32(svm.OffInterceptMisc2, svm.InterceptVMRUN)
	if got := v.Uint32(svm.OffInterceptMisc2); got != 3 {
		t.Errorf("misc2 %#x != 3", got)
	}
}

func TestSegmentRoundTrip(t *testing.T) {
	var v svm.VMCB

	v.SetSegment(svm.OffCS, svm.CodeSegment)
	if diff := cmp.Diff(svm.CodeSegment, v.Segment(svm.OffCS)); diff != "" {
		t.Errorf("segment (-want +got):\n%s", diff)
	}

	if sel := uint16(v[svm.OffCS]) | uint16(v[svm.OffCS+1])<<8; sel != 0x08 {
		t.Errorf("selector %#x != 0x8", sel)
	}
}

func TestGDTEntry(t *testing.T) {
	tests := []struct {
		seg  svm.Segment
		want uint64
	}{
		{svm.CodeSegment, 0x00af9b000000ffff},
		{svm.DataSegment, 0x00cf93000000ffff},
		{svm.TaskSegment, 0x000f8b000000ffff},
	}

	for _, tt := range tests {
		if got := tt.seg.GDTEntry(); got != tt.want {
			t.Errorf("%+v: %#016x != %#016x", tt.seg, got, tt.want)
		}
	}
}
