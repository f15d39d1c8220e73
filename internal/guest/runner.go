//go:build linux

package guest

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/c35s/gkvisor/arch/aarch64"
	"github.com/c35s/gkvisor/arch/riscv"
	"github.com/c35s/gkvisor/arch/svm"
	"github.com/c35s/gkvisor/hcall"
	"github.com/c35s/gkvisor/mem"
	"github.com/c35s/gkvisor/vcpu"
)

// wfi is the encoding of the RISC-V wfi instruction.
const wfi = 0x10500073

// Runner runs a script one trap at a time. Steps that don't trap, such as a
// touch of mapped memory, run back to back within one Run.
type Runner struct {
	as     *mem.AddressSpace
	script []Step
	kicked atomic.Bool

	mu          sync.Mutex
	next        int
	entries     int
	delivered   int
	wasPending  bool
	awaitingRet bool
	returns     [][2]uint64
	reads       [][]byte
}

// Kick makes the next Run return an interrupt exit without running a step.
func (r *Runner) Kick() {
	r.kicked.Store(true)
}

func (r *Runner) Run(c vcpu.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries++

	pending := c.TimerPending()
	if pending && !r.wasPending {
		r.delivered++
	}

	r.wasPending = pending

	if r.awaitingRet {
		r.returns = append(r.returns, ret(c))
		r.awaitingRet = false
	}

	if r.kicked.Swap(false) {
		interrupt(c)
		return nil
	}

	for {
		if r.next >= len(r.script) {
			return ErrScriptEnded
		}

		s := r.script[r.next]

		switch s.Op {
		case OpTouch:
			m, ok := r.as.Lookup(s.Addr)
			if !ok || !m.Perm.Allows(s.Access) {
				// the guest retries this step after the fault is handled
				fault(c, s.Addr, s.Access)
				return nil
			}

			r.touch(m, s)
			r.next++

		case OpHalt:
			halt(c)
			r.next++
			return nil

		case OpFail:
			r.next++
			return s.Err

		default:
			if err := call(c, s); err != nil {
				return err
			}

			r.next++
			r.awaitingRet = true
			return nil
		}
	}
}

func (r *Runner) touch(m mem.Mapping, s Step) {
	host := m.Host[s.Addr-m.Guest:]
	n := min(len(host), 8)

	if s.Access == vcpu.AccessWrite {
		for i := range host[:n] {
			host[i] = 0xaa
		}

		return
	}

	r.reads = append(r.reads, append([]byte(nil), host[:n]...))
}

// Entries returns how many times the guest was entered.
func (r *Runner) Entries() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries
}

// Delivered returns how many timer interrupts the guest has seen raised.
func (r *Runner) Delivered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delivered
}

// Returns returns the return registers seen after each completed call:
// a0 and a1 on RISC-V, rax on SVM and x0 on AArch64.
func (r *Runner) Returns() [][2]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][2]uint64(nil), r.returns...)
}

// Reads returns up to 8 bytes read by each read or exec touch.
func (r *Runner) Reads() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.reads...)
}

// Done reports whether every step has run.
func (r *Runner) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next >= len(r.script)
}

func call(c vcpu.Context, s Step) error {
	switch c := c.(type) {
	case *riscv.Context:
		return sbiCall(c, s)
	case *svm.Context:
		fid, args, err := smcccCall(s)
		if err != nil {
			return err
		}

		c.Vmmcall(fid, args...)
		return nil

	case *aarch64.Context:
		fid, args, err := smcccCall(s)
		if err != nil {
			return err
		}

		c.SMC(fid, args...)
		return nil
	}

	return fmt.Errorf("guest: unknown context %T", c)
}

func sbiCall(c *riscv.Context, s Step) error {
	var call hcall.Call

	switch s.Op {
	case OpPutChar:
		call = hcall.Call{Ext: hcall.ExtLegacyPutChar, Args: [6]uint64{uint64(s.Byte)}}
	case OpGetChar:
		call = hcall.Call{Ext: hcall.ExtLegacyGetChar}
	case OpSetTimer:
		call = hcall.Call{Ext: hcall.ExtTime, Func: hcall.TimeSetTimer, Args: [6]uint64{s.Deadline}}
	case OpShutdown:
		call = hcall.Call{Ext: hcall.ExtSRST, Func: hcall.SRSTSystemReset, Args: [6]uint64{hcall.ResetShutdown, s.Reason}}
	case OpReset:
		call = hcall.Call{Ext: hcall.ExtSRST, Func: hcall.SRSTSystemReset, Args: [6]uint64{hcall.ResetColdReboot, hcall.ReasonNone}}
	case OpSBI:
		call = hcall.Call{Ext: s.Ext, Func: s.Func}
		copy(call.Args[:], s.Args)
	default:
		return fmt.Errorf("guest: op %d can't run on %s", s.Op, vcpu.RISCV)
	}

	c.Ecall(call)
	return nil
}

func smcccCall(s Step) (uint32, []uint64, error) {
	switch s.Op {
	case OpPutChar:
		return hcall.VendorPutChar, []uint64{uint64(s.Byte)}, nil
	case OpGetChar:
		return hcall.VendorGetChar, nil, nil
	case OpSetTimer:
		return hcall.VendorSetTimer, []uint64{s.Deadline}, nil
	case OpShutdown:
		return hcall.PSCISystemOff, nil, nil
	case OpReset:
		return hcall.PSCISystemReset, nil, nil
	case OpSMCCC:
		return uint32(s.Func), s.Args, nil
	}

	return 0, nil, fmt.Errorf("guest: op %d needs an SBI guest", s.Op)
}

func ret(c vcpu.Context) [2]uint64 {
	switch c := c.(type) {
	case *riscv.Context:
		return [2]uint64{c.X[10], c.X[11]}
	case *svm.Context:
		return [2]uint64{c.RAX()}
	case *aarch64.Context:
		return [2]uint64{c.X[0]}
	}

	return [2]uint64{}
}

func fault(c vcpu.Context, addr uint64, a vcpu.Access) {
	switch c := c.(type) {
	case *riscv.Context:
		c.GuestPageFault(addr, a)
	case *svm.Context:
		c.NestedPageFault(addr, a)
	case *aarch64.Context:
		c.Abort(addr, a)
	}
}

// halt waits for an interrupt. Only SVM treats hlt as an idle exit; wfi
// traps as a virtual instruction on RISC-V.
func halt(c vcpu.Context) {
	switch c := c.(type) {
	case *riscv.Context:
		c.Scause = riscv.CauseVirtualInstruction
		c.Stval = wfi
		c.Htval = 0

	case *svm.Context:
		c.VMCB.SetUint64(svm.OffRIP, c.PC()+1)
		c.Exit(svm.ExitHLT, 0, 0, 0)

	case *aarch64.Context:
		c.Vector = aarch64.VectorSync
		c.ESR = aarch64.ECWFx<<26 | 1<<25
		c.ELR += 4
	}
}

func interrupt(c vcpu.Context) {
	switch c := c.(type) {
	case *riscv.Context:
		c.Interrupt(riscv.IRQSupervisorSoftware)
	case *svm.Context:
		c.Exit(svm.ExitINTR, 0, 0, 0)
	case *aarch64.Context:
		c.Interrupt()
	}
}
