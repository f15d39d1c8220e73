package vmm

import (
	"errors"
	"fmt"

	"github.com/c35s/gkvisor/hcall"
	"github.com/c35s/gkvisor/vcpu"
)

var (
	ErrConfig               = errors.New("vmm: invalid config")
	ErrSetup                = errors.New("vmm: setup failed")
	ErrLoad                 = errors.New("vmm: guest image load failed")
	ErrMapping              = errors.New("vmm: invalid mapping")
	ErrIllegalAccess        = errors.New("vmm: illegal guest access")
	ErrUnsupportedHypercall = errors.New("vmm: unsupported hypercall")
	ErrUnhandledExit        = errors.New("vmm: unhandled exit")
	ErrTransition           = errors.New("vmm: invalid state transition")
	ErrRun                  = errors.New("vmm: vcpu run failed")
)

// IllegalAccessError is a guest access to an address it may not touch.
type IllegalAccessError struct {
	Addr   uint64
	Access vcpu.Access
	PC     uint64
	Region string // passthrough region containing Addr, if any
}

func (e *IllegalAccessError) Error() string {
	where := "outside every region"
	if e.Region != "" {
		where = "in " + e.Region
	}

	return fmt.Sprintf("%v: %s @ %#x %s (pc %#x)", ErrIllegalAccess, e.Access, e.Addr, where, e.PC)
}

func (e *IllegalAccessError) Unwrap() error {
	return ErrIllegalAccess
}

// UnhandledExitError is an exit the dispatcher has no handler for. Code and
// Info are the raw platform encoding.
type UnhandledExitError struct {
	Arch vcpu.Arch
	Kind vcpu.Kind
	Code uint64
	Info uint64
	PC   uint64
}

func (e *UnhandledExitError) Error() string {
	return fmt.Sprintf("%v: %s %s code=%#x info=%#x pc=%#x", ErrUnhandledExit, e.Arch, e.Kind, e.Code, e.Info, e.PC)
}

func (e *UnhandledExitError) Unwrap() error {
	return ErrUnhandledExit
}

// process exit statuses
const (
	ExitStatusOK      = 0
	ExitStatusFailure = 1
	ExitStatusFatal   = 2
	ExitStatusOther   = 3
)

// ExitStatus maps the outcome of a run to a process exit status: the guest's
// shutdown reason if it shut down cleanly, ExitStatusFatal otherwise.
func ExitStatus(sd vcpu.Shutdown, err error) int {
	if err != nil {
		return ExitStatusFatal
	}

	switch sd.Reason {
	case hcall.ReasonNone:
		return ExitStatusOK
	case hcall.ReasonSystemFailure:
		return ExitStatusFailure
	}

	return ExitStatusOther
}
