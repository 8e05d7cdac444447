package pricefeed

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
)

type fakeReader struct {
	answer    *big.Int
	updatedAt time.Time
	decimals  uint8
	block     uint64
	calls     map[string]int
}

func (f *fakeReader) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	for name, method := range aggregatorABI.Methods {
		if !bytes.Equal(call.Data[:4], method.ID) {
			continue
		}
		f.calls[name]++
		switch name {
		case "decimals":
			return method.Outputs.Pack(f.decimals)
		case "latestRoundData":
			return method.Outputs.Pack(big.NewInt(1), f.answer, big.NewInt(f.updatedAt.Unix()), big.NewInt(f.updatedAt.Unix()), big.NewInt(1))
		}
	}
	return nil, errors.New("unknown method")
}

func (f *fakeReader) BlockNumber(ctx context.Context) (uint64, error) {
	return f.block, nil
}

func TestAggregatorMissingConfig(t *testing.T) {
	agg := NewAggregator(AggregatorOptions{}, noopLogger())
	if _, err := agg.FetchPrice(context.Background()); err == nil {
		t.Fatal("missing address should fail")
	}

	agg = NewAggregator(AggregatorOptions{Address: "0x1"}, noopLogger())
	if _, err := agg.FetchPrice(context.Background()); err == nil {
		t.Fatal("missing rpc url should fail")
	}
}

func TestAggregatorFetch(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	reader := &fakeReader{answer: big.NewInt(101_250_000), updatedAt: now.Add(-time.Minute), decimals: 8, block: 42}
	agg := NewAggregator(AggregatorOptions{Address: "0x1", MaxAge: time.Hour}, noopLogger()).WithReader(reader)
	agg.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		price, err := agg.FetchPrice(context.Background())
		if err != nil {
			t.Fatalf("fetch should succeed: %v", err)
		}
		if price.Value.String() != "1.0125" || price.BlockNumber != 42 {
			t.Fatalf("unexpected price %+v", price)
		}
	}
	if reader.calls["decimals"] != 1 {
		t.Fatalf("decimals should be cached, called %d times", reader.calls["decimals"])
	}
}

func TestAggregatorRejectsStaleAnswer(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	reader := &fakeReader{answer: big.NewInt(100), updatedAt: now.Add(-2 * time.Hour), decimals: 2}
	agg := NewAggregator(AggregatorOptions{Address: "0x1", MaxAge: time.Hour}, noopLogger()).WithReader(reader)
	agg.now = func() time.Time { return now }

	if _, err := agg.FetchPrice(context.Background()); !errors.Is(err, ErrStaleAnswer) {
		t.Fatalf("expected ErrStaleAnswer, got %v", err)
	}
}

func TestAggregatorRejectsNonPositiveAnswer(t *testing.T) {
	reader := &fakeReader{answer: big.NewInt(0), updatedAt: time.Now(), decimals: 8}
	agg := NewAggregator(AggregatorOptions{Address: "0x1"}, noopLogger()).WithReader(reader)
	if _, err := agg.FetchPrice(context.Background()); err == nil {
		t.Fatal("zero answer should fail")
	}
}
