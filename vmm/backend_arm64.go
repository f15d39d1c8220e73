//go:build linux && arm64

package vmm

import (
	"fmt"

	"github.com/c35s/gkvisor/arch/aarch64"
	"github.com/c35s/gkvisor/vcpu"
)

func defaultBackend(arch vcpu.Arch) (Backend, error) {
	if arch != vcpu.AArch64 {
		return nil, fmt.Errorf("no %s backend on this host", arch)
	}

	k, err := aarch64.NewKVM()
	if err != nil {
		return nil, err
	}

	return k, nil
}
