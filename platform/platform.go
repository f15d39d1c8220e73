// Package platform describes the machines gkvisor can build: where guest RAM
// lives, where the kernel goes, and which device windows the guest may reach
// by passthrough. Profiles are read-only once a VM is built from them.
package platform

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"

	"github.com/BurntSushi/toml"
	"github.com/c35s/gkvisor/mem"
	"github.com/c35s/gkvisor/vcpu"
)

// ErrProfile is returned for a profile that cannot describe a machine.
var ErrProfile = errors.New("platform: invalid profile")

const pageSize = 0x1000

// MaxTimebase is the fastest guest timebase a host clock can convert to
// nanoseconds without overflow.
const MaxTimebase = 10_000_000_000

// Profile is the static description of a machine.
type Profile struct {
	Arch vcpu.Arch `toml:"arch"`

	RAMBase uint64 `toml:"ram_base"`
	RAMSize uint64 `toml:"ram_size"`

	// LoadAddr is where the kernel image is copied. The guest starts at
	// LoadAddr+EntryOffset.
	LoadAddr    uint64 `toml:"load_addr"`
	EntryOffset uint64 `toml:"entry_offset"`

	// Scratch is the guest-physical address of the boot scratch area.
	Scratch uint64 `toml:"scratch"`

	// Timebase is the frequency of the guest timer in Hz.
	Timebase uint64 `toml:"timebase"`

	// Image is the name of the kernel within the image source.
	Image string `toml:"image"`

	// Handoff selects bootloader-handoff mode: the guest is entered once
	// and only its shutdown call comes back.
	Handoff bool `toml:"handoff,omitempty"`

	Regions []Region `toml:"region"`
}

// Region is a passthrough window. The fault handler maps it into the guest
// the first time the guest touches it.
type Region struct {
	Name string   `toml:"name"`
	Base uint64   `toml:"base"`
	Size uint64   `toml:"size"`
	Perm mem.Perm `toml:"perm"`

	// Backing is a host file mapped read-only at the start of the window.
	// Without one the window is zeroed host memory.
	Backing string `toml:"backing,omitempty"`

	// Magic, if set, must be the first bytes of the window.
	Magic string `toml:"magic,omitempty"`
}

// End returns the address just past the region.
func (r Region) End() uint64 {
	return r.Base + r.Size
}

// Contains reports whether addr is in the region.
func (r Region) Contains(addr uint64) bool {
	return addr >= r.Base && addr-r.Base < r.Size
}

// Entry returns the guest-physical address of the first guest instruction.
func (p Profile) Entry() uint64 {
	return p.LoadAddr + p.EntryOffset
}

// LoadLimit returns how many bytes of image fit between LoadAddr and the end of RAM.
func (p Profile) LoadLimit() uint64 {
	return p.RAMBase + p.RAMSize - p.LoadAddr
}

// Region returns the region containing addr.
func (p Profile) Region(addr uint64) (Region, bool) {
	for _, r := range p.Regions {
		if r.Contains(addr) {
			return r, true
		}
	}

	return Region{}, false
}

// Host returns the architecture of the machine gkvisor is running on.
func Host() vcpu.Arch {
	switch runtime.GOARCH {
	case "riscv64":
		return vcpu.RISCV
	case "arm64":
		return vcpu.AArch64
	}

	return vcpu.SVM
}

// Validate checks that the profile describes a machine.
func (p Profile) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrProfile}, args...)...))
	}

	if _, ok := defaults[p.Arch]; !ok {
		bad("unknown arch %q", p.Arch)
	}

	ramEnd := p.RAMBase + p.RAMSize

	switch {
	case p.RAMSize == 0 || p.RAMSize%pageSize != 0:
		bad("ram size %#x is not a nonzero multiple of the page size", p.RAMSize)
	case p.RAMBase%pageSize != 0:
		bad("ram base %#x is not page aligned", p.RAMBase)
	case ramEnd < p.RAMBase:
		bad("ram [%#x, +%#x) wraps", p.RAMBase, p.RAMSize)
	}

	if p.LoadAddr < p.RAMBase || p.LoadAddr >= ramEnd {
		bad("load address %#x is outside ram [%#x, %#x)", p.LoadAddr, p.RAMBase, ramEnd)
	}

	if p.Scratch < p.RAMBase || p.Scratch+vcpu.ScratchSize > ramEnd {
		bad("scratch [%#x, +%#x) is outside ram", p.Scratch, vcpu.ScratchSize)
	} else if p.Scratch+vcpu.ScratchSize > p.LoadAddr {
		bad("scratch [%#x, +%#x) isn't below the load address", p.Scratch, vcpu.ScratchSize)
	}

	if p.Timebase == 0 {
		bad("timebase is zero")
	} else if p.Timebase > MaxTimebase {
		bad("timebase %d Hz is above %d Hz", p.Timebase, uint64(MaxTimebase))
	}

	if p.Image == "" {
		bad("no image name")
	}

	regions := append([]Region(nil), p.Regions...)
	sort.Slice(regions, func(i, j int) bool { return regions[i].Base < regions[j].Base })

	for i, r := range regions {
		switch {
		case r.Name == "":
			bad("region at %#x has no name", r.Base)
		case r.Size == 0 || r.Size%pageSize != 0 || r.Base%pageSize != 0:
			bad("region %s [%#x, +%#x) is not page aligned", r.Name, r.Base, r.Size)
		case r.End() < r.Base:
			bad("region %s wraps", r.Name)
		case r.Perm == 0:
			bad("region %s has no permissions", r.Name)
		case uint64(len(r.Magic)) > r.Size:
			bad("region %s magic is larger than the region", r.Name)
		case r.Base < ramEnd && p.RAMBase < r.End():
			bad("region %s overlaps ram", r.Name)
		case i > 0 && regions[i-1].End() > r.Base:
			bad("region %s overlaps %s", r.Name, regions[i-1].Name)
		}
	}

	return errors.Join(errs...)
}

// Load reads a TOML profile from path. Keys the file doesn't set keep the
// defaults of its arch, or of the host arch if the file doesn't name one.
func Load(path string) (Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return Profile{}, err
	}

	defer f.Close()
	return Decode(f)
}

// Decode reads a TOML profile from r. See Load.
func Decode(r io.Reader) (Profile, error) {
	text, err := io.ReadAll(r)
	if err != nil {
		return Profile{}, err
	}

	var head struct {
		Arch vcpu.Arch `toml:"arch"`
	}

	hmd, err := toml.Decode(string(text), &head)
	if err != nil {
		return Profile{}, fmt.Errorf("%w: %w", ErrProfile, err)
	}

	if head.Arch == "" {
		head.Arch = Host()
	}

	p, err := Default(head.Arch)
	if err != nil {
		return Profile{}, err
	}

	// regions are replaced, not merged
	if hmd.IsDefined("region") {
		p.Regions = nil
	}

	md, err := toml.Decode(string(text), &p)
	if err != nil {
		return Profile{}, fmt.Errorf("%w: %w", ErrProfile, err)
	}

	if keys := md.Undecoded(); len(keys) > 0 {
		return Profile{}, fmt.Errorf("%w: unknown keys %v", ErrProfile, keys)
	}

	if err := p.Validate(); err != nil {
		return Profile{}, err
	}

	return p, nil
}

// Encode writes p as TOML.
func (p Profile) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(p)
}
