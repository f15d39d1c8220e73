//go:build linux

package svm

import (
	"fmt"

	"github.com/c35s/gkvisor/mem"
	"github.com/c35s/gkvisor/vcpu"
)

// WriteBootTables writes page tables identity-mapping the low 4G with 2M
// pages, and the boot GDT, into the scratch area at base.
func WriteBootTables(as *mem.AddressSpace, base uint64) error {
	buf, err := as.Slice(base, vcpu.ScratchSize)
	if err != nil {
		return fmt.Errorf("boot scratch: %w", err)
	}

	clear(buf)

	le.PutUint64(buf[offPML4:], (base+offPDPT)|pte)

	for g := uint64(0); g < identityGiB; g++ {
		pd := offPD + g*0x1000
		le.PutUint64(buf[offPDPT+g*8:], (base+pd)|pte)

		for i := uint64(0); i < 512; i++ {
			le.PutUint64(buf[pd+i*8:], (g<<30+i<<21)|pdeLarge)
		}
	}

	for i, e := range bootGDT {
		le.PutUint64(buf[offGDT+i*8:], e)
	}

	return nil
}

// Boot writes the boot tables and returns a context ready to enter the guest.
func Boot(as *mem.AddressSpace, boot vcpu.Boot) (*Context, error) {
	if err := WriteBootTables(as, boot.Scratch); err != nil {
		return nil, err
	}

	return New(boot), nil
}
