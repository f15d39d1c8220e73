//go:build linux

package aarch64

import (
	"encoding/binary"
	"fmt"

	"github.com/c35s/gkvisor/mem"
	"github.com/c35s/gkvisor/vcpu"
)

// WriteTrampoline writes the MMU-disable trampoline into the scratch area at base.
func WriteTrampoline(as *mem.AddressSpace, base uint64) error {
	buf, err := as.Slice(base+offTrampoline, uint64(len(trampoline)*4))
	if err != nil {
		return fmt.Errorf("boot scratch: %w", err)
	}

	for i, w := range trampoline {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}

	return nil
}

// Boot writes the trampoline and returns a context that enters it.
func Boot(as *mem.AddressSpace, boot vcpu.Boot) (*Context, error) {
	if err := WriteTrampoline(as, boot.Scratch); err != nil {
		return nil, err
	}

	return New(boot), nil
}
