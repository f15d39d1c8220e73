//go:build linux

package kvm

import "fmt"

// generic ioctls
const (
	kGetAPIVersion       = 0xae00
	kCreateVM            = 0xae01
	kCheckExtension      = 0xae03
	kGetVCPUMmapSize     = 0xae04
	kCreateVCPU          = 0xae41
	kSetUserMemoryRegion = 0x4020ae46
	kRun                 = 0xae80
	kGetOneReg           = 0x4010aeab
	kSetOneReg           = 0x4010aeac
)

// vmType is the machine type passed to KVM_CREATE_VM. Zero selects the
// default on every architecture this package supports.
const vmType = 0

// Cap is a KVM extension.
type Cap int

const (
	CapIRQChip          = Cap(0)
	CapHLT              = Cap(1)
	CapUserMemory       = Cap(3)
	CapSetTSSAddr       = Cap(4)
	CapExtCPUID         = Cap(7)
	CapNrVCPUs          = Cap(9)
	CapNrMemSlots       = Cap(10)
	CapSyncMMU          = Cap(16)
	CapIOMMU            = Cap(18)
	CapPIT2             = Cap(33)
	CapAdjustClock      = Cap(39)
	CapIRQFD            = Cap(32)
	CapVCPUEvents       = Cap(41)
	CapARMPSCI          = Cap(87)
	CapARMPSCI02        = Cap(102)
	CapReadonlyMem      = Cap(81)
	CapMaxVCPUs         = Cap(66)
	CapOneReg           = Cap(70)
	CapImmediateExit    = Cap(136)
	CapCheckExtensionVM = Cap(105)
	CapARMVMIPASize     = Cap(165)
)

var capNames = map[Cap]string{
	CapIRQChip:          "KVM_CAP_IRQCHIP",
	CapHLT:              "KVM_CAP_HLT",
	CapUserMemory:       "KVM_CAP_USER_MEMORY",
	CapSetTSSAddr:       "KVM_CAP_SET_TSS_ADDR",
	CapExtCPUID:         "KVM_CAP_EXT_CPUID",
	CapNrVCPUs:          "KVM_CAP_NR_VCPUS",
	CapNrMemSlots:       "KVM_CAP_NR_MEMSLOTS",
	CapSyncMMU:          "KVM_CAP_SYNC_MMU",
	CapIOMMU:            "KVM_CAP_IOMMU",
	CapPIT2:             "KVM_CAP_PIT2",
	CapAdjustClock:      "KVM_CAP_ADJUST_CLOCK",
	CapIRQFD:            "KVM_CAP_IRQFD",
	CapVCPUEvents:       "KVM_CAP_VCPU_EVENTS",
	CapARMPSCI:          "KVM_CAP_ARM_PSCI",
	CapARMPSCI02:        "KVM_CAP_ARM_PSCI_0_2",
	CapReadonlyMem:      "KVM_CAP_READONLY_MEM",
	CapMaxVCPUs:         "KVM_CAP_MAX_VCPUS",
	CapOneReg:           "KVM_CAP_ONE_REG",
	CapImmediateExit:    "KVM_CAP_IMMEDIATE_EXIT",
	CapCheckExtensionVM: "KVM_CAP_CHECK_EXTENSION_VM",
	CapARMVMIPASize:     "KVM_CAP_ARM_VM_IPA_SIZE",
}

// AllCaps returns every extension known to this package, in ascending order.
func AllCaps() []Cap {
	var caps []Cap
	for c := Cap(0); c < 256; c++ {
		if _, ok := capNames[c]; ok {
			caps = append(caps, c)
		}
	}

	return caps
}

func (c Cap) String() string {
	if s, ok := capNames[c]; ok {
		return s
	}

	return fmt.Sprintf("Cap(%d)", int(c))
}

// Exit is the reason a VCPU stopped running.
type Exit uint32

const (
	ExitUnknown       = Exit(0)
	ExitException     = Exit(1)
	ExitIO            = Exit(2)
	ExitHypercall     = Exit(3)
	ExitDebug         = Exit(4)
	ExitHLT           = Exit(5)
	ExitMMIO          = Exit(6)
	ExitIRQWindowOpen = Exit(7)
	ExitShutdown      = Exit(8)
	ExitFailEntry     = Exit(9)
	ExitIntr          = Exit(10)
	ExitInternalError = Exit(17)
	ExitSystemEvent   = Exit(24)
	ExitRISCVSBI      = Exit(35)
	ExitRISCVCSR      = Exit(36)
	ExitMemoryFault   = Exit(39)
)

var exitNames = map[Exit]string{
	ExitUnknown:       "KVM_EXIT_UNKNOWN",
	ExitException:     "KVM_EXIT_EXCEPTION",
	ExitIO:            "KVM_EXIT_IO",
	ExitHypercall:     "KVM_EXIT_HYPERCALL",
	ExitDebug:         "KVM_EXIT_DEBUG",
	ExitHLT:           "KVM_EXIT_HLT",
	ExitMMIO:          "KVM_EXIT_MMIO",
	ExitIRQWindowOpen: "KVM_EXIT_IRQ_WINDOW_OPEN",
	ExitShutdown:      "KVM_EXIT_SHUTDOWN",
	ExitFailEntry:     "KVM_EXIT_FAIL_ENTRY",
	ExitIntr:          "KVM_EXIT_INTR",
	ExitInternalError: "KVM_EXIT_INTERNAL_ERROR",
	ExitSystemEvent:   "KVM_EXIT_SYSTEM_EVENT",
	ExitRISCVSBI:      "KVM_EXIT_RISCV_SBI",
	ExitRISCVCSR:      "KVM_EXIT_RISCV_CSR",
	ExitMemoryFault:   "KVM_EXIT_MEMORY_FAULT",
}

func (e Exit) String() string {
	if s, ok := exitNames[e]; ok {
		return s
	}

	return fmt.Sprintf("Exit(%d)", uint32(e))
}
