package hcall

// SMCCC function ids understood by VMMCALL and SMC guests.
const (
	PSCISystemOff   = 0x84000008
	PSCISystemReset = 0x84000009

	VendorSetTimer = 0x86000000
	VendorPutChar  = 0x86000001
	VendorGetChar  = 0x86000002
)

// SMCCC/PSCI return codes.
const (
	SMCCCNotSupported  = -1
	SMCCCInvalidParams = -2
	SMCCCDenied        = -3
)

// smcccUnknown lifts unrecognized function ids above the 32-bit SBI
// extension space so they can never alias an SBI extension.
const smcccUnknown = 1 << 32

// FromSMCCC translates an SMCCC function id and its argument registers into
// a call in the SBI namespace.
func FromSMCCC(fid uint32, args [6]uint64) Call {
	switch fid {
	case PSCISystemOff:
		return Call{Ext: ExtSRST, Func: SRSTSystemReset, Args: [6]uint64{ResetShutdown, ReasonNone}}

	case PSCISystemReset:
		return Call{Ext: ExtSRST, Func: SRSTSystemReset, Args: [6]uint64{ResetColdReboot, ReasonNone}}

	case VendorSetTimer:
		return Call{Ext: ExtTime, Func: TimeSetTimer, Args: [6]uint64{args[0]}}

	case VendorPutChar:
		return Call{Ext: ExtDBCN, Func: DBCNWriteByte, Args: [6]uint64{args[0]}}

	case VendorGetChar:
		return Call{Ext: ExtLegacyGetChar}
	}

	return Call{Ext: smcccUnknown | uint64(fid), Args: args}
}

// ToSMCCC returns the value an SMCCC guest finds in its first return register.
func ToSMCCC(r Result) uint64 {
	var code int64

	switch r.Error {
	case Success:
		return r.Value

	case ErrInvalidParam, ErrInvalidAddress:
		code = SMCCCInvalidParams

	case ErrDenied:
		code = SMCCCDenied

	default:
		code = SMCCCNotSupported
	}

	return uint64(code)
}
