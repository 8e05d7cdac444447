package policy

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var (
	owner        = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	orchestrator = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	stranger     = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

type appliedRebase struct {
	Epoch uint64
	Delta string
}

type fakeLedger struct {
	mu       sync.Mutex
	supply   *big.Int
	applied  []appliedRebase
	applyErr error
	readErr  error
}

func (l *fakeLedger) CurrentTotalSupply(ctx context.Context) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.readErr != nil {
		return nil, l.readErr
	}
	return new(big.Int).Set(l.supply), nil
}

func (l *fakeLedger) ApplyRebase(ctx context.Context, epoch uint64, delta *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.applyErr != nil {
		return l.applyErr
	}
	l.applied = append(l.applied, appliedRebase{Epoch: epoch, Delta: delta.String()})
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(sec uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = time.Unix(int64(sec), 0)
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newOpenWindowPolicy mirrors a deployment whose window is always open: a
// 60s interval with a 60s window.
func newOpenWindowPolicy(t *testing.T, supply int64, opts ...Option) (*Policy, *fakeLedger, *fakeClock) {
	t.Helper()
	ledger := &fakeLedger{supply: big.NewInt(supply)}
	clock := &fakeClock{}
	clock.Set(1_000_020)

	p, err := New(owner, ledger, append([]Option{WithClock(clock.Now)}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, p.SetOrchestrator(owner, orchestrator))
	require.NoError(t, p.SetTimingParameters(owner, 60, 0, 60))
	return p, ledger, clock
}

func TestNewAppliesDefaults(t *testing.T) {
	p, err := New(owner, &fakeLedger{supply: big.NewInt(0)})
	require.NoError(t, err)

	params := p.Params()
	require.Equal(t, owner, params.Owner)
	require.Equal(t, common.Address{}, params.Orchestrator)
	require.Equal(t, "50000000000000000", params.DeviationThreshold.String())
	require.Equal(t, uint64(30), params.RebaseLag)
	require.Equal(t, uint64(86400), params.MinRebaseIntervalSec)
	require.Equal(t, uint64(72000), params.RebaseWindowOffsetSec)
	require.Equal(t, uint64(900), params.RebaseWindowLengthSec)
	require.Equal(t, uint64(0), p.Epoch())
	require.Equal(t, uint64(0), p.LastRebaseTimestampSec())

	epoch, supply, err := p.EpochAndSupply(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(0), epoch)
	require.Equal(t, int64(0), supply.Int64())
}

func TestNewRequiresOwnerAndLedger(t *testing.T) {
	_, err := New(common.Address{}, &fakeLedger{supply: big.NewInt(0)})
	require.Error(t, err)

	_, err = New(owner, nil)
	require.Error(t, err)
}

func TestSettersRequireOwner(t *testing.T) {
	p, err := New(owner, &fakeLedger{supply: big.NewInt(0)})
	require.NoError(t, err)
	before := p.Params()

	require.ErrorIs(t, p.SetOrchestrator(stranger, stranger), ErrUnauthorized)
	require.ErrorIs(t, p.SetDeviationThreshold(stranger, big.NewInt(0)), ErrUnauthorized)
	require.ErrorIs(t, p.SetRebaseLag(stranger, 1), ErrUnauthorized)
	require.ErrorIs(t, p.SetTimingParameters(stranger, 600, 60, 300), ErrUnauthorized)
	// Authorization is checked before validation.
	require.ErrorIs(t, p.SetRebaseLag(stranger, 0), ErrUnauthorized)

	after := p.Params()
	if diff := cmp.Diff(before.DeviationThreshold.String(), after.DeviationThreshold.String()); diff != "" {
		t.Fatalf("threshold changed (-before +after):\n%s", diff)
	}
	before.DeviationThreshold, after.DeviationThreshold = nil, nil
	if diff := cmp.Diff(before, after); diff != "" {
		t.Fatalf("params changed (-before +after):\n%s", diff)
	}
}

func TestSettersReplaceValues(t *testing.T) {
	p, err := New(owner, &fakeLedger{supply: big.NewInt(0)})
	require.NoError(t, err)

	require.NoError(t, p.SetOrchestrator(owner, stranger))
	require.Equal(t, stranger, p.Params().Orchestrator)

	threshold := new(big.Int).Add(DefaultDeviationThreshold, new(big.Int).Quo(One, big.NewInt(100)))
	require.NoError(t, p.SetDeviationThreshold(owner, threshold))
	require.Equal(t, "60000000000000000", p.Params().DeviationThreshold.String())
	require.NoError(t, p.SetDeviationThreshold(owner, big.NewInt(0)))
	require.ErrorIs(t, p.SetDeviationThreshold(owner, big.NewInt(-1)), ErrInvalidDeviationThreshold)

	require.NoError(t, p.SetRebaseLag(owner, 31))
	require.Equal(t, uint64(31), p.Params().RebaseLag)
	require.ErrorIs(t, p.SetRebaseLag(owner, 0), ErrInvalidLag)
	require.Equal(t, uint64(31), p.Params().RebaseLag)

	require.NoError(t, p.SetTimingParameters(owner, 600, 60, 300))
	params := p.Params()
	require.Equal(t, uint64(600), params.MinRebaseIntervalSec)
	require.Equal(t, uint64(60), params.RebaseWindowOffsetSec)
	require.Equal(t, uint64(300), params.RebaseWindowLengthSec)

	require.ErrorIs(t, p.SetTimingParameters(owner, 0, 0, 0), ErrInvalidTimingParameters)
	require.ErrorIs(t, p.SetTimingParameters(owner, 300, 3600, 300), ErrInvalidTimingParameters)
	require.Equal(t, uint64(600), p.Params().MinRebaseIntervalSec)
}

func TestParamsReturnsCopy(t *testing.T) {
	p, err := New(owner, &fakeLedger{supply: big.NewInt(0)})
	require.NoError(t, err)

	params := p.Params()
	params.DeviationThreshold.SetInt64(0)
	require.Equal(t, "50000000000000000", p.Params().DeviationThreshold.String())
}

func TestRebaseRequiresOrchestrator(t *testing.T) {
	p, ledger, _ := newOpenWindowPolicy(t, 1000)

	_, err := p.Rebase(context.Background(), stranger, units(10), units(10))
	require.ErrorIs(t, err, ErrUnauthorized)
	_, err = p.Rebase(context.Background(), owner, units(10), units(10))
	require.ErrorIs(t, err, ErrUnauthorized)
	require.Equal(t, uint64(0), p.Epoch())
	require.Empty(t, ledger.applied)

	_, err = p.Rebase(context.Background(), orchestrator, units(10), units(10))
	require.NoError(t, err)
}

func TestRebaseWithoutOrchestratorIsUnauthorized(t *testing.T) {
	p, err := New(owner, &fakeLedger{supply: big.NewInt(1000)})
	require.NoError(t, err)

	_, err = p.Rebase(context.Background(), common.Address{}, units(10), units(10))
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestRebaseEmitsOutcomeAndCallsLedger(t *testing.T) {
	var observed []RebaseOutcome
	obs := ObserverFunc(func(ctx context.Context, outcome RebaseOutcome) {
		observed = append(observed, outcome)
	})
	p, ledger, clock := newOpenWindowPolicy(t, 1010, WithObserver(obs))
	prevTime := p.LastRebaseTimestampSec()

	outcome, err := p.Rebase(context.Background(), orchestrator, units(50), units(40))
	require.NoError(t, err)

	require.Equal(t, uint64(1), outcome.Epoch)
	require.Equal(t, "8", outcome.RequestedSupplyAdjustment.String())
	require.Equal(t, units(50).String(), outcome.TradingPrice.String())
	require.Equal(t, units(40).String(), outcome.TargetPrice.String())
	require.Equal(t, "1010", outcome.TotalSupply.String())
	require.Equal(t, UnixSeconds(clock.Now())/60*60, outcome.TimestampSec)
	require.Equal(t, []appliedRebase{{Epoch: 1, Delta: "8"}}, ledger.applied)

	require.Len(t, observed, 1)
	require.Equal(t, outcome.Epoch, observed[0].Epoch)
	require.Equal(t, outcome.TimestampSec, observed[0].TimestampSec)

	clock.Advance(60 * time.Second)
	_, err = p.Rebase(context.Background(), orchestrator, units(40), units(50))
	require.NoError(t, err)
	require.Equal(t, uint64(60), p.LastRebaseTimestampSec()-outcome.TimestampSec)
	require.NotEqual(t, prevTime, p.LastRebaseTimestampSec())
}

func TestRebaseScenarios(t *testing.T) {
	cases := []struct {
		name      string
		trading   int64
		target    int64
		zeroLimit bool
		want      string
	}{
		{name: "equal prices", trading: 50, target: 50, want: "0"},
		{name: "trading below target", trading: 40, target: 50, want: "-6"},
		{name: "trading above target", trading: 50, target: 40, want: "8"},
		{name: "small contraction without threshold", trading: 45, target: 50, zeroLimit: true, want: "-3"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, _, _ := newOpenWindowPolicy(t, 1000)
			if tc.zeroLimit {
				require.NoError(t, p.SetDeviationThreshold(owner, big.NewInt(0)))
			}
			outcome, err := p.Rebase(context.Background(), orchestrator, units(tc.trading), units(tc.target))
			require.NoError(t, err)
			require.Equal(t, tc.want, outcome.RequestedSupplyAdjustment.String())
		})
	}
}

func TestRebaseIncrementsEpochEvenWithoutAdjustment(t *testing.T) {
	p, ledger, clock := newOpenWindowPolicy(t, 1000)

	for i := uint64(1); i <= 5; i++ {
		outcome, err := p.Rebase(context.Background(), orchestrator, units(50), units(50))
		require.NoError(t, err)
		require.Equal(t, "0", outcome.RequestedSupplyAdjustment.String())
		require.Equal(t, i, p.Epoch())
		clock.Advance(60 * time.Second)
	}
	require.Len(t, ledger.applied, 5)
}

func TestRebaseTooSoonLeavesStateUnchanged(t *testing.T) {
	p, _, clock := newOpenWindowPolicy(t, 1010)

	_, err := p.Rebase(context.Background(), orchestrator, units(10), units(10))
	require.NoError(t, err)
	state := p.State()

	clock.Advance(10 * time.Second)
	_, err = p.Rebase(context.Background(), orchestrator, units(10), units(10))
	require.ErrorIs(t, err, ErrRebaseTooSoon)
	require.Equal(t, state, p.State())
}

func TestRebaseWindowBoundaries(t *testing.T) {
	open := day + 72000
	cases := []struct {
		name    string
		now     uint64
		wantErr error
	}{
		{name: "5s after the window closes", now: open + 900 + 5, wantErr: ErrOutsideRebaseWindow},
		{name: "5s before the window opens", now: open - 5, wantErr: ErrOutsideRebaseWindow},
		{name: "5s after the window opens", now: open + 5},
		{name: "5s before the window closes", now: open + 900 - 5},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clock := &fakeClock{}
			clock.Set(tc.now)
			p, err := New(owner, &fakeLedger{supply: big.NewInt(1000)}, WithClock(clock.Now))
			require.NoError(t, err)
			require.NoError(t, p.SetOrchestrator(owner, orchestrator))

			require.Equal(t, tc.wantErr == nil, p.InRebaseWindow())

			_, err = p.Rebase(context.Background(), orchestrator, units(50), units(50))
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				require.Equal(t, RuntimeState{}, p.State())
				return
			}
			require.NoError(t, err)
			require.Equal(t, open, p.LastRebaseTimestampSec())
			require.Equal(t, uint64(1), p.Epoch())
		})
	}
}

func TestRebaseLedgerFailureRollsBack(t *testing.T) {
	var notified bool
	obs := ObserverFunc(func(ctx context.Context, outcome RebaseOutcome) { notified = true })
	p, ledger, _ := newOpenWindowPolicy(t, 1000, WithObserver(obs))
	ledger.applyErr = errors.New("token paused")

	_, err := p.Rebase(context.Background(), orchestrator, units(50), units(40))
	require.ErrorIs(t, err, ErrLedgerApplyFailed)
	require.ErrorContains(t, err, "token paused")
	require.Equal(t, RuntimeState{}, p.State())
	require.False(t, notified)

	ledger.applyErr = nil
	outcome, err := p.Rebase(context.Background(), orchestrator, units(50), units(40))
	require.NoError(t, err)
	require.Equal(t, uint64(1), outcome.Epoch)
}

func TestRebaseSupplyReadFailure(t *testing.T) {
	p, ledger, _ := newOpenWindowPolicy(t, 1000)
	ledger.readErr = errors.New("rpc down")

	_, err := p.Rebase(context.Background(), orchestrator, units(50), units(40))
	require.ErrorContains(t, err, "rpc down")
	require.Equal(t, RuntimeState{}, p.State())
}

func TestRebaseRejectsInvalidPrices(t *testing.T) {
	p, _, _ := newOpenWindowPolicy(t, 1000)

	_, err := p.Rebase(context.Background(), orchestrator, big.NewInt(0), units(1))
	require.ErrorIs(t, err, ErrInvalidPrice)
	_, err = p.Rebase(context.Background(), orchestrator, units(1), nil)
	require.ErrorIs(t, err, ErrInvalidPrice)
	require.Equal(t, uint64(0), p.Epoch())
}

func TestRebaseHonoursMaxSupply(t *testing.T) {
	p, _, _ := newOpenWindowPolicy(t, 0)
	ledger := &fakeLedger{supply: new(big.Int).Sub(MaxSupply, big.NewInt(1))}
	p.ledger = ledger

	outcome, err := p.Rebase(context.Background(), orchestrator, units(50), units(40))
	require.NoError(t, err)
	require.Equal(t, "1", outcome.RequestedSupplyAdjustment.String())
}

func TestResumeFromRuntimeState(t *testing.T) {
	clock := &fakeClock{}
	clock.Set(day + 72000 + 30)
	state := RuntimeState{Epoch: 41, LastRebaseTimestampSec: day + 72000}
	p, err := New(owner, &fakeLedger{supply: big.NewInt(1000)}, WithClock(clock.Now), WithRuntimeState(state))
	require.NoError(t, err)
	require.NoError(t, p.SetOrchestrator(owner, orchestrator))

	_, err = p.Rebase(context.Background(), orchestrator, units(50), units(50))
	require.ErrorIs(t, err, ErrRebaseTooSoon)
	require.Equal(t, day+86400+72000, p.NextRebaseWindow(p.Now()))

	clock.Set(day + 86400 + 72000 + 1)
	outcome, err := p.Rebase(context.Background(), orchestrator, units(50), units(50))
	require.NoError(t, err)
	require.Equal(t, uint64(42), outcome.Epoch)
	require.Equal(t, day+86400+72000, outcome.TimestampSec)
}

func TestReceiveTransferIsRejected(t *testing.T) {
	p, err := New(owner, &fakeLedger{supply: big.NewInt(0)})
	require.NoError(t, err)
	require.ErrorIs(t, p.ReceiveTransfer(stranger, big.NewInt(1)), ErrUnsupportedTransfer)
}

func TestConcurrentRebasesAdmitOnePerWindow(t *testing.T) {
	p, ledger, _ := newOpenWindowPolicy(t, 1000)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Rebase(context.Background(), orchestrator, units(50), units(40))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, tooSoon int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrRebaseTooSoon):
			tooSoon++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 7, tooSoon)
	require.Len(t, ledger.applied, 1)
	require.Equal(t, uint64(1), p.Epoch())
}

func TestRebaseNearCeilingWithSubUnitTarget(t *testing.T) {
	p, _, clock := newOpenWindowPolicy(t, 0)
	ledger := &fakeLedger{supply: new(big.Int).Sub(MaxSupply, big.NewInt(1))}
	p.ledger = ledger
	half := new(big.Int).Quo(One, big.NewInt(2))

	outcome, err := p.Rebase(context.Background(), orchestrator, MaxRate, half)
	require.NoError(t, err)
	require.Equal(t, "1", outcome.RequestedSupplyAdjustment.String())

	ledger.supply = new(big.Int).Set(MaxSupply)
	clock.Advance(time.Minute)
	outcome, err = p.Rebase(context.Background(), orchestrator, MaxRate, half)
	require.NoError(t, err)
	require.Equal(t, 0, outcome.RequestedSupplyAdjustment.Sign())
	require.Equal(t, uint64(2), p.Epoch())
}

// gatedLedger holds ApplyRebase until release is closed.
type gatedLedger struct {
	supply  *big.Int
	entered chan struct{}
	release chan struct{}
}

func (l *gatedLedger) CurrentTotalSupply(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(l.supply), nil
}

func (l *gatedLedger) ApplyRebase(ctx context.Context, epoch uint64, delta *big.Int) error {
	close(l.entered)
	<-l.release
	return nil
}

func TestQueriesDoNotWaitForLedgerApply(t *testing.T) {
	p, _, _ := newOpenWindowPolicy(t, 0)
	ledger := &gatedLedger{supply: big.NewInt(1000), entered: make(chan struct{}), release: make(chan struct{})}
	p.ledger = ledger

	done := make(chan error, 1)
	go func() {
		_, err := p.Rebase(context.Background(), orchestrator, units(50), units(40))
		done <- err
	}()
	<-ledger.entered

	queried := make(chan struct{})
	go func() {
		defer close(queried)
		_ = p.Params()
		_ = p.State()
		_ = p.IsInRebaseWindow(p.Now())
		_ = p.NextRebaseWindow(p.Now())
		epoch, supply, err := p.EpochAndSupply(context.Background())
		if err != nil || epoch != 0 || supply.Int64() != 1000 {
			t.Errorf("unexpected epoch/supply during apply: %d %v %v", epoch, supply, err)
		}
	}()

	select {
	case <-queried:
	case <-time.After(2 * time.Second):
		t.Fatal("queries blocked behind an in-flight ledger apply")
	}
	require.Equal(t, uint64(0), p.Epoch())

	close(ledger.release)
	require.NoError(t, <-done)
	require.Equal(t, uint64(1), p.Epoch())
}

func TestReceiveTransferLogsAmount(t *testing.T) {
	var buf bytes.Buffer
	p, err := New(owner, &fakeLedger{supply: big.NewInt(0)}, WithLogger(zerolog.New(&buf)))
	require.NoError(t, err)

	require.ErrorIs(t, p.ReceiveTransfer(stranger, big.NewInt(12345)), ErrUnsupportedTransfer)
	require.Contains(t, buf.String(), `"amount":"12345"`)
	require.Contains(t, buf.String(), stranger.Hex())

	buf.Reset()
	require.ErrorIs(t, p.ReceiveTransfer(stranger, nil), ErrUnsupportedTransfer)
	require.Contains(t, buf.String(), `"amount":"0"`)
}
