//go:build linux && riscv64

package kvm

const (
	regRISCV     = 0x8000000000000000
	regSizeU64   = 0x0030000000000000
	regRISCVCore = 0x02 << 24
	regRISCVCSR  = 0x03 << 24
)

// RISCVCoreReg returns the ONE_REG id of the n-th field of struct
// kvm_riscv_core: 0 is pc, 1..31 are x1..x31, 32 is the privilege mode.
func RISCVCoreReg(n int) uint64 {
	return regRISCV | regSizeU64 | regRISCVCore | uint64(n)
}

// RISCVCSRReg returns the ONE_REG id of the n-th field of struct kvm_riscv_csr.
func RISCVCSRReg(n int) uint64 {
	return regRISCV | regSizeU64 | regRISCVCSR | uint64(n)
}

// field indices of struct kvm_riscv_core and struct kvm_riscv_csr
const (
	RISCVCorePC   = 0
	RISCVCoreMode = 32

	RISCVCSRSstatus  = 0
	RISCVCSRSie      = 1
	RISCVCSRStvec    = 2
	RISCVCSRSscratch = 3
	RISCVCSRSepc     = 4
	RISCVCSRScause   = 5
	RISCVCSRStval    = 6
	RISCVCSRSip      = 7
	RISCVCSRSatp     = 8
)
