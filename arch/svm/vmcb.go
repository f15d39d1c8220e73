package svm

import "encoding/binary"

// VMCBSize is the size of a VMCB: one page.
const VMCBSize = 0x1000

// control area
const (
	OffInterceptCR    = 0x000
	OffInterceptDR    = 0x004
	OffInterceptExc   = 0x008
	OffInterceptMisc1 = 0x00C
	OffInterceptMisc2 = 0x010
	OffIOPMBase       = 0x040
	OffMSRPMBase      = 0x048
	OffTSCOffset      = 0x050
	OffASID           = 0x058
	OffVIntr          = 0x060
	OffIntShadow      = 0x068
	OffExitCode       = 0x070
	OffExitInfo1      = 0x078
	OffExitInfo2      = 0x080
	OffExitIntInfo    = 0x088
	OffNPEnable       = 0x090
	OffEventInj       = 0x0A8
	OffNCR3           = 0x0B0
	OffClean          = 0x0C0
	OffNRIP           = 0x0C8
	OffInsnLen        = 0x0D0
	OffInsnBytes      = 0x0D1
)

// state save area
const (
	OffES           = 0x400
	OffCS           = 0x410
	OffSS           = 0x420
	OffDS           = 0x430
	OffFS           = 0x440
	OffGS           = 0x450
	OffGDTR         = 0x460
	OffLDTR         = 0x470
	OffIDTR         = 0x480
	OffTR           = 0x490
	OffCPL          = 0x4CB
	OffEFER         = 0x4D0
	OffCR4          = 0x548
	OffCR3          = 0x550
	OffCR0          = 0x558
	OffDR7          = 0x560
	OffDR6          = 0x568
	OffRFLAGS       = 0x570
	OffRIP          = 0x578
	OffRSP          = 0x5D8
	OffRAX          = 0x5F8
	OffSTAR         = 0x600
	OffLSTAR        = 0x608
	OffCSTAR        = 0x610
	OffSFMASK       = 0x618
	OffKernelGSBase = 0x620
	OffSysenterCS   = 0x628
	OffSysenterESP  = 0x630
	OffSysenterEIP  = 0x638
	OffCR2          = 0x640
	OffGPAT         = 0x668
)

// intercept bits
const (
	InterceptINTR     = 1 << 0  // misc1
	InterceptVINTR    = 1 << 4  // misc1
	InterceptHLT      = 1 << 24 // misc1
	InterceptIOIO     = 1 << 27 // misc1
	InterceptMSR      = 1 << 28 // misc1
	InterceptShutdown = 1 << 31 // misc1
	InterceptVMRUN    = 1 << 0  // misc2
	InterceptVMMCALL  = 1 << 1  // misc2
)

// exit codes
const (
	ExitINTR     = 0x060
	ExitVINTR    = 0x064
	ExitHLT      = 0x078
	ExitIOIO     = 0x07B
	ExitMSR      = 0x07C
	ExitShutdown = 0x07F
	ExitVMRUN    = 0x080
	ExitVMMCALL  = 0x081
	ExitNPF      = 0x400
	ExitInvalid  = ^uint64(0)
)

// EXITINFO1 bits of a nested page fault
const (
	NPFPresent = 1 << 0
	NPFWrite   = 1 << 1
	NPFUser    = 1 << 2
	NPFFetch   = 1 << 4
)

// EVENTINJ fields
const (
	EventInjValid     = 1 << 31
	EventInjTypeIntr  = 0 << 8
	EventInjVectorMsk = 0xff
)

// VIntr fields
const (
	VIntrIRQ         = 1 << 8
	vIntrVectorShift = 32
)

var le = binary.LittleEndian

// VMCB is a virtual machine control block in its in-memory layout.
type VMCB [VMCBSize]byte

func (v *VMCB) Uint8(off int) uint8           { return v[off] }
func (v *VMCB) SetUint8(off int, x uint8)     { v[off] = x }
func (v *VMCB) Uint32(off int) uint32         { return le.Uint32(v[off:]) }
func (v *VMCB) SetUint32(off int, x uint32)   { le.PutUint32(v[off:], x) }
func (v *VMCB) Uint64(off int) uint64         { return le.Uint64(v[off:]) }
func (v *VMCB) SetUint64(off int, x uint64)   { le.PutUint64(v[off:], x) }
func (v *VMCB) Or32(off int, bits uint32)     { v.SetUint32(off, v.Uint32(off)|bits) }
func (v *VMCB) Segment(off int) Segment       { return decodeSegment(v[off : off+16]) }
func (v *VMCB) SetSegment(off int, s Segment) { s.encode(v[off : off+16]) }

// Segment is a segment register in the VMCB's 16-byte format.
type Segment struct {
	Selector uint16
	Attrib   uint16
	Limit    uint32
	Base     uint64
}

// segment attribute bits
const (
	AttrTypeMask = 0xf
	AttrS        = 1 << 4
	AttrDPLShift = 5
	AttrP        = 1 << 7
	AttrAVL      = 1 << 8
	AttrL        = 1 << 9
	AttrDB       = 1 << 10
	AttrG        = 1 << 11
)

func decodeSegment(b []byte) Segment {
	return Segment{
		Selector: le.Uint16(b[0:]),
		Attrib:   le.Uint16(b[2:]),
		Limit:    le.Uint32(b[4:]),
		Base:     le.Uint64(b[8:]),
	}
}

func (s Segment) encode(b []byte) {
	le.PutUint16(b[0:], s.Selector)
	le.PutUint16(b[2:], s.Attrib)
	le.PutUint32(b[4:], s.Limit)
	le.PutUint64(b[8:], s.Base)
}

// Type returns the segment type field.
func (s Segment) Type() uint8 {
	return uint8(s.Attrib & AttrTypeMask)
}

// GDTEntry returns the 8-byte descriptor that loads s.
func (s Segment) GDTEntry() uint64 {
	flags := uint64(s.Attrib&0xff) | uint64(s.Attrib>>8&0xf)<<12
	return (s.Base&0xff000000)<<(56-24) |
		(flags&0xf0ff)<<40 |
		(uint64(s.Limit)&0x000f0000)<<(48-16) |
		(s.Base&0x00ffffff)<<16 |
		uint64(s.Limit)&0x0000ffff
}
