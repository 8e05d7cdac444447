// Package metrics exposes Prometheus collectors for the policy engine and keeper.
package metrics

import (
	"context"
	"math/big"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"rebase-policy/internal/policy"
)

const namespace = "rebaser"

// Recorder holds every collector; register it once per registry.
type Recorder struct {
	epoch        prometheus.Gauge
	supplyDelta  prometheus.Gauge
	totalSupply  prometheus.Gauge
	lastRebase   prometheus.Gauge
	rebases      *prometheus.CounterVec
	runs         *prometheus.CounterVec
	runDuration  prometheus.Histogram
	prices       *prometheus.GaugeVec
	supplyScaler *big.Float
}

// NewRecorder builds collectors and registers them with reg. supplyDecimals scales
// supply gauges into token units.
func NewRecorder(reg prometheus.Registerer, supplyDecimals int) (*Recorder, error) {
	r := &Recorder{
		epoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "policy", Name: "epoch",
			Help: "Number of successful rebases.",
		}),
		supplyDelta: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "policy", Name: "last_supply_delta",
			Help: "Supply adjustment requested by the last rebase, in token units.",
		}),
		totalSupply: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "policy", Name: "total_supply",
			Help: "Total supply after the last rebase, in token units.",
		}),
		lastRebase: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "policy", Name: "last_rebase_timestamp_seconds",
			Help: "Window-anchored Unix time of the last rebase.",
		}),
		rebases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "policy", Name: "rebases_total",
			Help: "Committed rebases by direction.",
		}, []string{"direction"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "keeper", Name: "runs_total",
			Help: "Keeper attempts by status and reason.",
		}, []string{"status", "reason"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "keeper", Name: "run_duration_seconds",
			Help:    "Duration of keeper attempts.",
			Buckets: prometheus.DefBuckets,
		}),
		prices: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "keeper", Name: "price",
			Help: "Last observed price by kind.",
		}, []string{"kind"}),
		supplyScaler: new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(supplyDecimals)), nil)),
	}

	for _, c := range []prometheus.Collector{r.epoch, r.supplyDelta, r.totalSupply, r.lastRebase, r.rebases, r.runs, r.runDuration, r.prices} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// RebaseApplied updates policy gauges from a committed outcome.
func (r *Recorder) RebaseApplied(ctx context.Context, outcome policy.RebaseOutcome) {
	r.epoch.Set(float64(outcome.Epoch))
	r.lastRebase.Set(float64(outcome.TimestampSec))
	r.supplyDelta.Set(r.scale(outcome.RequestedSupplyAdjustment))
	if outcome.TotalSupply != nil && outcome.RequestedSupplyAdjustment != nil {
		r.totalSupply.Set(r.scale(new(big.Int).Add(outcome.TotalSupply, outcome.RequestedSupplyAdjustment)))
	}
	r.rebases.WithLabelValues(Direction(outcome.RequestedSupplyAdjustment)).Inc()
}

// ObserveRun counts a keeper attempt.
func (r *Recorder) ObserveRun(status, reason string, elapsed time.Duration) {
	r.runs.WithLabelValues(status, reason).Inc()
	r.runDuration.Observe(elapsed.Seconds())
}

// ObservePrices records the prices a keeper attempt used, both in 18-decimal fixed point.
func (r *Recorder) ObservePrices(trading, target *big.Int) {
	r.prices.WithLabelValues("trading").Set(fixedToFloat(trading))
	r.prices.WithLabelValues("target").Set(fixedToFloat(target))
}

// Direction labels a supply delta.
func Direction(delta *big.Int) string {
	if delta == nil {
		return "none"
	}
	switch delta.Sign() {
	case 1:
		return "expand"
	case -1:
		return "contract"
	default:
		return "none"
	}
}

func (r *Recorder) scale(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v), r.supplyScaler).Float64()
	return f
}

var fixedOne = new(big.Float).SetInt(policy.One)

func fixedToFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v), fixedOne).Float64()
	return f
}

var _ policy.Observer = (*Recorder)(nil)
