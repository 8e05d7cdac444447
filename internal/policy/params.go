package policy

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Principal identifies a caller.
type Principal = common.Address

// Default parameter values applied by New.
const (
	DefaultRebaseLag             uint64 = 30
	DefaultMinRebaseIntervalSec  uint64 = 24 * 60 * 60
	DefaultRebaseWindowOffsetSec uint64 = 72000
	DefaultRebaseWindowLengthSec uint64 = 900
)

// DefaultDeviationThreshold is 5% in 18-decimal fixed point.
var DefaultDeviationThreshold = new(big.Int).Mul(big.NewInt(5), new(big.Int).Quo(One, big.NewInt(100)))

// Params holds the owner-controlled policy configuration.
type Params struct {
	Owner        Principal
	Orchestrator Principal

	// DeviationThreshold is the minimum |deviation| (18 decimals) that produces an adjustment.
	DeviationThreshold *big.Int
	RebaseLag          uint64

	MinRebaseIntervalSec  uint64
	RebaseWindowOffsetSec uint64
	RebaseWindowLengthSec uint64
}

// DefaultParams returns the initial parameters for a freshly initialised policy.
func DefaultParams(owner Principal) Params {
	return Params{
		Owner:                 owner,
		DeviationThreshold:    new(big.Int).Set(DefaultDeviationThreshold),
		RebaseLag:             DefaultRebaseLag,
		MinRebaseIntervalSec:  DefaultMinRebaseIntervalSec,
		RebaseWindowOffsetSec: DefaultRebaseWindowOffsetSec,
		RebaseWindowLengthSec: DefaultRebaseWindowLengthSec,
	}
}

// Clone returns a deep copy.
func (p Params) Clone() Params {
	p.DeviationThreshold = copyBig(p.DeviationThreshold)
	return p
}

// ValidateTiming checks an (interval, offset, length) schedule.
func ValidateTiming(interval, offset, length uint64) error {
	if interval == 0 {
		return ErrInvalidTimingParameters
	}
	// offset+length may wrap for huge inputs, so compare without adding.
	if offset > interval || length > interval-offset {
		return ErrInvalidTimingParameters
	}
	return nil
}

// ValidateLag checks a rebase lag.
func ValidateLag(lag uint64) error {
	if lag == 0 {
		return ErrInvalidLag
	}
	return nil
}

// Validate checks every invariant of the parameter set.
func (p Params) Validate() error {
	if err := ValidateLag(p.RebaseLag); err != nil {
		return err
	}
	if err := ValidateTiming(p.MinRebaseIntervalSec, p.RebaseWindowOffsetSec, p.RebaseWindowLengthSec); err != nil {
		return err
	}
	if p.DeviationThreshold != nil && p.DeviationThreshold.Sign() < 0 {
		return ErrInvalidDeviationThreshold
	}
	return nil
}
