package metrics

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"rebase-policy/internal/policy"
)

func TestRecorderTracksOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewRecorder(reg, 9)
	require.NoError(t, err)

	rec.RebaseApplied(context.Background(), policy.RebaseOutcome{
		Epoch:                     4,
		TimestampSec:              86400,
		RequestedSupplyAdjustment: big.NewInt(-2_000_000_000),
		TotalSupply:               big.NewInt(10_000_000_000),
	})
	rec.RebaseApplied(context.Background(), policy.RebaseOutcome{
		Epoch:                     5,
		TimestampSec:              172800,
		RequestedSupplyAdjustment: big.NewInt(0),
		TotalSupply:               big.NewInt(8_000_000_000),
	})

	require.Equal(t, 5.0, testutil.ToFloat64(rec.epoch))
	require.Equal(t, 172800.0, testutil.ToFloat64(rec.lastRebase))
	require.Equal(t, 8.0, testutil.ToFloat64(rec.totalSupply))
	require.Equal(t, 0.0, testutil.ToFloat64(rec.supplyDelta))
	require.Equal(t, 1.0, testutil.ToFloat64(rec.rebases.WithLabelValues("contract")))
	require.Equal(t, 1.0, testutil.ToFloat64(rec.rebases.WithLabelValues("none")))
}

func TestRecorderKeeperMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewRecorder(reg, 0)
	require.NoError(t, err)

	rec.ObserveRun("rejected", "too_soon", 20*time.Millisecond)
	rec.ObserveRun("rejected", "too_soon", 20*time.Millisecond)
	rec.ObservePrices(new(big.Int).Mul(big.NewInt(105), new(big.Int).Quo(policy.One, big.NewInt(100))), policy.One)

	require.Equal(t, 2.0, testutil.ToFloat64(rec.runs.WithLabelValues("rejected", "too_soon")))
	require.InDelta(t, 1.05, testutil.ToFloat64(rec.prices.WithLabelValues("trading")), 1e-12)
	require.Equal(t, 1.0, testutil.ToFloat64(rec.prices.WithLabelValues("target")))
}

func TestRecorderDoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewRecorder(reg, 0)
	require.NoError(t, err)
	_, err = NewRecorder(reg, 0)
	require.Error(t, err)
}

func TestDirection(t *testing.T) {
	require.Equal(t, "expand", Direction(big.NewInt(1)))
	require.Equal(t, "contract", Direction(big.NewInt(-1)))
	require.Equal(t, "none", Direction(nil))
}
