package policy

import "errors"

var (
	// ErrUnauthorized is returned when the caller does not hold the role an operation requires.
	ErrUnauthorized = errors.New("policy: unauthorized")
	// ErrInvalidLag rejects a zero rebase lag.
	ErrInvalidLag = errors.New("policy: rebase lag must be greater than zero")
	// ErrInvalidDeviationThreshold rejects a nil or negative threshold.
	ErrInvalidDeviationThreshold = errors.New("policy: deviation threshold must be non-negative")
	// ErrInvalidTimingParameters rejects a schedule whose window does not fit its interval.
	ErrInvalidTimingParameters = errors.New("policy: invalid rebase timing parameters")
	// ErrRebaseTooSoon indicates the minimum interval since the last rebase has not elapsed.
	ErrRebaseTooSoon = errors.New("policy: rebase too soon")
	// ErrOutsideRebaseWindow indicates the current time is not inside a rebase window.
	ErrOutsideRebaseWindow = errors.New("policy: outside rebase window")
	// ErrLedgerApplyFailed indicates the ledger rejected the supply adjustment.
	ErrLedgerApplyFailed = errors.New("policy: ledger apply failed")
	// ErrUnsupportedTransfer rejects value sent to the policy outside a defined call.
	ErrUnsupportedTransfer = errors.New("policy: unsupported transfer")

	// ErrInvalidPrice rejects nil, zero or negative prices.
	ErrInvalidPrice = errors.New("policy: prices must be positive")
	// ErrInvalidSupply rejects a ledger supply that is negative or wider than uint256.
	ErrInvalidSupply = errors.New("policy: invalid total supply")
	// ErrArithmeticOverflow indicates an intermediate product left the int256 range.
	ErrArithmeticOverflow = errors.New("policy: int256 overflow")
)
