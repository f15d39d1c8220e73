// Package hcall defines the hypercall namespace every guest ABI is translated
// into. Calls are named by an SBI (extension id, function id) pair; SMCCC
// function ids from VMMCALL and SMC guests are mapped onto the same pairs.
package hcall

import "fmt"

// extension ids
const (
	ExtLegacySetTimer = 0x00
	ExtLegacyPutChar  = 0x01
	ExtLegacyGetChar  = 0x02
	ExtLegacyShutdown = 0x08
	ExtBase           = 0x10
	ExtTime           = 0x54494D45 // "TIME"
	ExtSRST           = 0x53525354 // "SRST"
	ExtDBCN           = 0x4442434E // "DBCN"
)

// base extension functions
const (
	BaseGetSpecVersion = 0
	BaseGetImplID      = 1
	BaseGetImplVersion = 2
	BaseProbeExtension = 3
	BaseGetMVendorID   = 4
	BaseGetMArchID     = 5
	BaseGetMImpID      = 6
)

// TimeSetTimer is the only function of the TIME extension.
const TimeSetTimer = 0

// SRSTSystemReset is the only function of the SRST extension.
const SRSTSystemReset = 0

// reset types
const (
	ResetShutdown   = 0
	ResetColdReboot = 1
	ResetWarmReboot = 2
)

// reset reasons
const (
	ReasonNone          = 0
	ReasonSystemFailure = 1
)

// debug console functions
const (
	DBCNWrite     = 0
	DBCNRead      = 1
	DBCNWriteByte = 2
)

// error codes returned in the first return register
const (
	Success           = 0
	ErrFailed         = -1
	ErrNotSupported   = -2
	ErrInvalidParam   = -3
	ErrDenied         = -4
	ErrInvalidAddress = -5
)

// Call is a decoded guest hypercall.
type Call struct {
	Ext  uint64
	Func uint64
	Args [6]uint64
}

// Legacy reports whether c uses the pre-0.2 calling convention, which
// returns a single value and ignores the function id.
func (c Call) Legacy() bool {
	return c.Ext < ExtBase
}

func (c Call) String() string {
	if name, ok := extNames[c.Ext]; ok {
		return fmt.Sprintf("%s/%d", name, c.Func)
	}

	return fmt.Sprintf("ext(%#x)/%d", c.Ext, c.Func)
}

var extNames = map[uint64]string{
	ExtLegacySetTimer: "legacy-set-timer",
	ExtLegacyPutChar:  "legacy-putchar",
	ExtLegacyGetChar:  "legacy-getchar",
	ExtLegacyShutdown: "legacy-shutdown",
	ExtBase:           "base",
	ExtTime:           "time",
	ExtSRST:           "srst",
	ExtDBCN:           "dbcn",
}

// Result is what a serviced call hands back to the guest. Error is one of the
// error codes above; Value is meaningful only when Error is Success.
type Result struct {
	Error int64
	Value uint64
}

// NotSupported is the answer to any call outside the recognized set.
var NotSupported = Result{Error: ErrNotSupported}

// Word returns the single register value a legacy call returns.
func (r Result) Word() uint64 {
	if r.Error != Success {
		return uint64(r.Error)
	}

	return r.Value
}
