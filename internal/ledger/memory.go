package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/rs/zerolog"

	"rebase-policy/internal/policy"
)

// ErrNegativeSupply rejects an adjustment that would drive supply below zero.
var ErrNegativeSupply = errors.New("ledger: supply cannot become negative")

// ErrStaleEpoch rejects an adjustment whose epoch does not advance the ledger.
var ErrStaleEpoch = errors.New("ledger: epoch already applied")

// Applied records one adjustment accepted by the memory ledger.
type Applied struct {
	Epoch       uint64
	Delta       *big.Int
	SupplyAfter *big.Int
}

// Memory is an in-process rebasable token used by replays, previews and tests.
type Memory struct {
	mu      sync.Mutex
	supply  *big.Int
	history []Applied
	failErr error
	logger  zerolog.Logger
}

// NewMemory creates a memory ledger holding supply.
func NewMemory(supply *big.Int, logger zerolog.Logger) *Memory {
	s := new(big.Int)
	if supply != nil {
		s.Set(supply)
	}
	return &Memory{supply: s, logger: logger.With().Str("component", "memory_ledger").Logger()}
}

// CurrentTotalSupply returns the current supply.
func (m *Memory) CurrentTotalSupply(ctx context.Context) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.supply), nil
}

// ApplyRebase adds delta to the supply.
func (m *Memory) ApplyRebase(ctx context.Context, epoch uint64, delta *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failErr != nil {
		return m.failErr
	}
	if delta == nil {
		return fmt.Errorf("ledger: nil supply delta")
	}
	if n := len(m.history); n > 0 && epoch <= m.history[n-1].Epoch {
		return fmt.Errorf("%w: %d", ErrStaleEpoch, epoch)
	}

	next := new(big.Int).Add(m.supply, delta)
	if next.Sign() < 0 {
		return ErrNegativeSupply
	}
	m.supply = next
	m.history = append(m.history, Applied{
		Epoch:       epoch,
		Delta:       new(big.Int).Set(delta),
		SupplyAfter: new(big.Int).Set(next),
	})

	m.logger.Debug().Uint64("epoch", epoch).
		Str("delta", delta.String()).
		Str("supply", next.String()).
		Msg("rebase applied")
	return nil
}

// SetSupply overwrites the supply, e.g. to model mints outside the policy.
func (m *Memory) SetSupply(supply *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.supply = new(big.Int).Set(supply)
}

// FailWith makes every following ApplyRebase return err; nil clears it.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

// History returns the accepted adjustments in order.
func (m *Memory) History() []Applied {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Applied, len(m.history))
	copy(out, m.history)
	return out
}

var _ policy.Ledger = (*Memory)(nil)
