package model

// CallLevel distinguishes the three kinds of call spec §4.D and the
// GLOSSARY name: a once-per-contract-lifetime bootstrap call, a
// periodically-synthesized call, and a caller-submitted call.
type CallLevel int

const (
	// Autorun is the bootstrap call invoked once per contract lifetime,
	// bounded by its own limit (resolves spec §9's autorun open question —
	// see DESIGN.md).
	Autorun CallLevel = iota
	// Automatic is synthesized per batch when the contract's automatic
	// executions are enabled.
	Automatic
	// Manual is caller-submitted with explicit argument bytes.
	Manual
)

func (l CallLevel) String() string {
	switch l {
	case Autorun:
		return "AUTORUN"
	case Automatic:
		return "AUTOMATIC"
	case Manual:
		return "MANUAL"
	default:
		return "UNKNOWN"
	}
}

// CallRequest bundles everything the VM needs to execute one call, and
// everything the contract actor needs to place it in a batch (spec §4.D).
type CallRequest struct {
	CallID                 CallID
	File                   string
	Function               string
	Params                 []byte
	ExecutionGasLimit      uint64
	DownloadGasLimit       uint64
	CallLevel              CallLevel
	ProofOfExecutionPrefix uint64
	DriveKey               DriveKey
	CallerKey              CallerKey
	BlockHeight            uint64
}

// GasMultipliers converts human-facing service payments into VM gas (spec
// §4.D: "human-facing payments map to VM gas via configured multipliers;
// the VM sees only gas").
type GasMultipliers struct {
	ExecutionPaymentToGas uint64
	DownloadPaymentToGas  uint64
}

// ToGasLimits converts a manual call's payments into the gas limits the VM
// consumes.
func (m GasMultipliers) ToGasLimits(executionPayment, downloadPayment uint64) (executionGas, downloadGas uint64) {
	return executionPayment * m.ExecutionPaymentToGas, downloadPayment * m.DownloadPaymentToGas
}

// NewManualCallRequest builds a manual CallRequest from a caller's
// submitted payments, converting them to gas via multipliers.
func NewManualCallRequest(id CallID, file, function string, params []byte, executionPayment, downloadPayment uint64, multipliers GasMultipliers, drive DriveKey, caller CallerKey, height uint64) CallRequest {
	execGas, downloadGas := multipliers.ToGasLimits(executionPayment, downloadPayment)
	return CallRequest{
		CallID:            id,
		File:              file,
		Function:          function,
		Params:            params,
		ExecutionGasLimit: execGas,
		DownloadGasLimit:  downloadGas,
		CallLevel:         Manual,
		DriveKey:          drive,
		CallerKey:         caller,
		BlockHeight:       height,
	}
}

// NewSynthesizedCallRequest builds an automatic or autorun call with empty
// args from the contract's autorun configuration (spec §4.D: "automatic
// calls are synthesized with empty args from the contract's autorun
// configuration").
func NewSynthesizedCallRequest(id CallID, level CallLevel, file, function string, scLimit, smLimit uint64, drive DriveKey, height uint64) CallRequest {
	return CallRequest{
		CallID:            id,
		File:              file,
		Function:          function,
		ExecutionGasLimit: scLimit,
		DownloadGasLimit:  smLimit,
		CallLevel:         level,
		DriveKey:          drive,
		BlockHeight:       height,
	}
}
