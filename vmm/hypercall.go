package vmm

import (
	"io"

	"github.com/c35s/gkvisor/console"
	"github.com/c35s/gkvisor/hcall"
	"github.com/c35s/gkvisor/vcpu"
)

// SBI implementation reported by the base extension.
const (
	SpecVersion = 2 << 24 // 2.0
	ImplID      = 0x676b  // "gk"
	ImplVersion = 1
)

// vendor reset reasons
const (
	reasonVendorMin = 0xe000_0000
	reasonVendorMax = 0xefff_ffff
)

// maxDBCNTransfer bounds a single debug console read or write.
const maxDBCNTransfer = 4096

// Outcome is the result of servicing one hypercall.
type Outcome struct {
	Result hcall.Result

	// Shutdown is set if the call asked to stop the VM. Result is then
	// meaningless; the guest never sees it.
	Shutdown *vcpu.Shutdown

	// Unsupported is set if the call was outside the recognized set.
	Unsupported bool
}

// GuestMemory is the view of guest RAM the debug console extension needs.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
}

// HypercallService services guest calls in the SBI namespace.
type HypercallService struct {
	Console console.Console
	Timer   *TimerInjector
	Mem     GuestMemory
}

var supported = map[uint64]bool{
	hcall.ExtLegacySetTimer: true,
	hcall.ExtLegacyPutChar:  true,
	hcall.ExtLegacyGetChar:  true,
	hcall.ExtLegacyShutdown: true,
	hcall.ExtBase:           true,
	hcall.ExtTime:           true,
	hcall.ExtSRST:           true,
	hcall.ExtDBCN:           true,
}

// Handle services call. Calls it doesn't recognize get hcall.NotSupported and
// have no other effect.
func (s *HypercallService) Handle(call hcall.Call) Outcome {
	if sd, ok := shutdownRequest(call); ok {
		return Outcome{Shutdown: &sd}
	}

	var r hcall.Result
	ok := true

	switch call.Ext {
	case hcall.ExtLegacySetTimer:
		s.Timer.Arm(call.Args[0])

	case hcall.ExtLegacyPutChar:
		s.Console.PutChar(byte(call.Args[0]))

	case hcall.ExtLegacyGetChar:
		r = s.getChar()

	case hcall.ExtBase:
		r, ok = s.base(call)

	case hcall.ExtTime:
		ok = call.Func == hcall.TimeSetTimer
		if ok {
			s.Timer.Arm(call.Args[0])
		}

	case hcall.ExtSRST:
		// valid resets were taken by shutdownRequest
		ok = call.Func == hcall.SRSTSystemReset
		r = hcall.Result{Error: hcall.ErrInvalidParam}

	case hcall.ExtDBCN:
		r, ok = s.dbcn(call)

	default:
		ok = false
	}

	if !ok {
		return Outcome{Result: hcall.NotSupported, Unsupported: true}
	}

	return Outcome{Result: r}
}

// shutdownRequest returns the shutdown call asks for, if it is a valid
// shutdown or reset request.
func shutdownRequest(call hcall.Call) (vcpu.Shutdown, bool) {
	switch call.Ext {
	case hcall.ExtLegacyShutdown:
		return vcpu.Shutdown{Type: hcall.ResetShutdown, Reason: hcall.ReasonNone}, true

	case hcall.ExtSRST:
		if call.Func != hcall.SRSTSystemReset {
			break
		}

		typ, reason := call.Args[0], call.Args[1]
		if typ > hcall.ResetWarmReboot {
			break
		}

		if reason > hcall.ReasonSystemFailure && (reason < reasonVendorMin || reason > reasonVendorMax) {
			break
		}

		return vcpu.Shutdown{Type: typ, Reason: reason}, true
	}

	return vcpu.Shutdown{}, false
}

func (s *HypercallService) getChar() hcall.Result {
	b, ok := s.Console.GetChar()
	if !ok {
		return hcall.Result{Error: hcall.ErrFailed}
	}

	return hcall.Result{Value: uint64(b)}
}

func (s *HypercallService) base(call hcall.Call) (hcall.Result, bool) {
	switch call.Func {
	case hcall.BaseGetSpecVersion:
		return hcall.Result{Value: SpecVersion}, true

	case hcall.BaseGetImplID:
		return hcall.Result{Value: ImplID}, true

	case hcall.BaseGetImplVersion:
		return hcall.Result{Value: ImplVersion}, true

	case hcall.BaseProbeExtension:
		var v uint64
		if supported[call.Args[0]] {
			v = 1
		}

		return hcall.Result{Value: v}, true

	case hcall.BaseGetMVendorID, hcall.BaseGetMArchID, hcall.BaseGetMImpID:
		return hcall.Result{}, true
	}

	return hcall.Result{}, false
}

func (s *HypercallService) dbcn(call hcall.Call) (hcall.Result, bool) {
	switch call.Func {
	case hcall.DBCNWriteByte:
		s.Console.PutChar(byte(call.Args[0]))
		return hcall.Result{}, true

	case hcall.DBCNWrite, hcall.DBCNRead:
		n := min(call.Args[0], maxDBCNTransfer)
		addr := call.Args[1] | call.Args[2]<<32

		buf := make([]byte, n)

		if call.Func == hcall.DBCNWrite {
			if _, err := s.Mem.ReadAt(buf, int64(addr)); err != nil {
				return hcall.Result{Error: hcall.ErrInvalidParam}, true
			}

			for _, b := range buf {
				s.Console.PutChar(b)
			}

			return hcall.Result{Value: n}, true
		}

		// check the whole buffer is guest RAM before taking any input
		if _, err := s.Mem.ReadAt(buf, int64(addr)); err != nil {
			return hcall.Result{Error: hcall.ErrInvalidParam}, true
		}

		var got int
		for got < len(buf) {
			b, ok := s.Console.GetChar()
			if !ok {
				break
			}

			buf[got] = b
			got++
		}

		if _, err := s.Mem.WriteAt(buf[:got], int64(addr)); err != nil {
			return hcall.Result{Error: hcall.ErrInvalidParam}, true
		}

		return hcall.Result{Value: uint64(got)}, true
	}

	return hcall.Result{}, false
}
