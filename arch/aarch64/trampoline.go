package aarch64

// layout of the boot scratch area
const offTrampoline = 0

// sctlrRES1 is SCTLR_EL1 with the MMU, caches and alignment checks off.
const sctlrRES1 = 0x30d00800

// trampoline turns the stage-1 MMU off and jumps to x17. It only clobbers x1.
var trampoline = []uint32{
	0xd5381001, // mrs  x1, sctlr_el1
	0x927ff821, // and  x1, x1, #~1
	0xd5181001, // msr  sctlr_el1, x1
	0xd5033fdf, // isb
	0xd61f0220, // br   x17
}
