//go:build linux && !amd64 && !arm64 && !riscv64

package vmm

import (
	"fmt"
	"runtime"

	"github.com/c35s/gkvisor/vcpu"
)

func defaultBackend(arch vcpu.Arch) (Backend, error) {
	return nil, fmt.Errorf("no KVM backend for %s", runtime.GOARCH)
}
