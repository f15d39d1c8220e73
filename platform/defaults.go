package platform

import (
	"fmt"

	"github.com/c35s/gkvisor/mem"
	"github.com/c35s/gkvisor/vcpu"
)

// FlashMagic identifies a firmware flash image.
const FlashMagic = "pfld"

var defaults = map[vcpu.Arch]Profile{
	vcpu.RISCV: {
		Arch:     vcpu.RISCV,
		RAMBase:  0x8000_0000,
		RAMSize:  128 << 20,
		LoadAddr: 0x8020_0000,
		Scratch:  0x8000_0000,
		Timebase: 10_000_000,
		Image:    "gkernel",
		Regions: []Region{
			{Name: "virtio", Base: 0x1000_1000, Size: 0x8000, Perm: mem.PermRead | mem.PermWrite},
			{Name: "flash", Base: 0x2200_0000, Size: 32 << 20, Perm: mem.PermRead, Magic: FlashMagic},
		},
	},

	vcpu.SVM: {
		Arch:     vcpu.SVM,
		RAMBase:  0,
		RAMSize:  128 << 20,
		LoadAddr: 0x20_0000,
		Scratch:  0x1_0000,
		Timebase: 1_000_000_000,
		Image:    "gkernel",
		Regions: []Region{
			{Name: "flash", Base: 0xffc0_0000, Size: 4 << 20, Perm: mem.PermRead, Magic: FlashMagic},
		},
	},

	vcpu.AArch64: {
		Arch:     vcpu.AArch64,
		RAMBase:  0x4000_0000,
		RAMSize:  128 << 20,
		LoadAddr: 0x4020_0000,
		Scratch:  0x4000_0000,
		Timebase: 62_500_000,
		Image:    "gkernel",
		Handoff:  true,
		Regions: []Region{
			{Name: "flash", Base: 0x0400_0000, Size: 64 << 20, Perm: mem.PermRead, Magic: FlashMagic},
			{Name: "virtio", Base: 0x0a00_0000, Size: 0x4000, Perm: mem.PermRead | mem.PermWrite},
		},
	},
}

// Default returns the built-in profile of arch.
func Default(arch vcpu.Arch) (Profile, error) {
	p, ok := defaults[arch]
	if !ok {
		return Profile{}, fmt.Errorf("%w: unknown arch %q", ErrProfile, arch)
	}

	p.Regions = append([]Region(nil), p.Regions...)
	return p, nil
}
