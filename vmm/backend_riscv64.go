//go:build linux && riscv64

package vmm

import (
	"fmt"

	"github.com/c35s/gkvisor/arch/riscv"
	"github.com/c35s/gkvisor/vcpu"
)

func defaultBackend(arch vcpu.Arch) (Backend, error) {
	if arch != vcpu.RISCV {
		return nil, fmt.Errorf("no %s backend on this host", arch)
	}

	k, err := riscv.NewKVM()
	if err != nil {
		return nil, err
	}

	return k, nil
}
