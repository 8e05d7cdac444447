package storage

import (
	"math/big"
	"time"

	"rebase-policy/internal/policy"
)

// RebaseRecord is a persisted successful rebase.
type RebaseRecord struct {
	Epoch        uint64
	TradingPrice *big.Int
	TargetPrice  *big.Int
	SupplyDelta  *big.Int
	TotalSupply  *big.Int
	RebasedAt    time.Time
	RunID        *string
	CreatedAt    time.Time
}

// RecordFromOutcome converts a policy outcome into a storable record.
func RecordFromOutcome(o policy.RebaseOutcome) RebaseRecord {
	return RebaseRecord{
		Epoch:        o.Epoch,
		TradingPrice: o.TradingPrice,
		TargetPrice:  o.TargetPrice,
		SupplyDelta:  o.RequestedSupplyAdjustment,
		TotalSupply:  o.TotalSupply,
		RebasedAt:    time.Unix(int64(o.TimestampSec), 0).UTC(),
	}
}

// Outcome converts the record back into a policy outcome.
func (r RebaseRecord) Outcome() policy.RebaseOutcome {
	return policy.RebaseOutcome{
		Epoch:                     r.Epoch,
		TradingPrice:              r.TradingPrice,
		TargetPrice:               r.TargetPrice,
		RequestedSupplyAdjustment: r.SupplyDelta,
		TimestampSec:              policy.UnixSeconds(r.RebasedAt),
		TotalSupply:               r.TotalSupply,
	}
}

// SupplyAfter is the total supply once the delta has been applied.
func (r RebaseRecord) SupplyAfter() *big.Int {
	if r.TotalSupply == nil || r.SupplyDelta == nil {
		return nil
	}
	return new(big.Int).Add(r.TotalSupply, r.SupplyDelta)
}

// Keeper run statuses.
const (
	RunApplied  = "applied"
	RunRejected = "rejected"
	RunErrored  = "errored"
	RunSkipped  = "skipped"
)

// KeeperRun audits one keeper attempt, successful or not.
type KeeperRun struct {
	ID           string
	ScheduledAt  time.Time
	Status       string
	Epoch        *uint64
	TradingPrice *big.Int
	TargetPrice  *big.Int
	PriceQuality string
	Error        *string
	CreatedAt    time.Time
}
