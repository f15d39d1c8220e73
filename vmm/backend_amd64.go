//go:build linux && amd64

package vmm

import (
	"fmt"

	"github.com/c35s/gkvisor/arch/svm"
	"github.com/c35s/gkvisor/vcpu"
)

func defaultBackend(arch vcpu.Arch) (Backend, error) {
	if arch != vcpu.SVM {
		return nil, fmt.Errorf("no %s backend on this host", arch)
	}

	k, err := svm.NewKVM()
	if err != nil {
		return nil, err
	}

	return k, nil
}
