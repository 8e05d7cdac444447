package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	aggregatorABIJSON = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`
)

var aggregatorABI abi.ABI

// ErrStaleAnswer indicates the aggregator has not updated within MaxAge.
var ErrStaleAnswer = errors.New("pricefeed: aggregator answer is stale")

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		panic("failed to parse aggregator ABI: " + err.Error())
	}
	aggregatorABI = parsed
}

// ChainReader is the subset of the Ethereum client used by Aggregator.
type ChainReader interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// AggregatorOptions parameterise the on-chain target price source.
type AggregatorOptions struct {
	RPCURL  string
	Address string
	Timeout time.Duration
	// MaxAge rejects answers older than this; zero disables the check.
	MaxAge time.Duration
}

// Aggregator reads the target price from a Chainlink-style AggregatorV3 feed.
type Aggregator struct {
	opts      AggregatorOptions
	logger    zerolog.Logger
	now       func() time.Time
	client    ChainReader
	clientMux sync.Mutex
	decimals  *uint8
}

// NewAggregator builds an aggregator source.
func NewAggregator(opts AggregatorOptions, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		opts:   opts,
		logger: logger.With().Str("component", "aggregator_price").Logger(),
		now:    time.Now,
	}
}

// WithReader replaces the RPC client, mainly for tests.
func (a *Aggregator) WithReader(reader ChainReader) *Aggregator {
	a.clientMux.Lock()
	defer a.clientMux.Unlock()
	a.client = reader
	return a
}

// FetchPrice returns the latest aggregator answer scaled by its decimals.
func (a *Aggregator) FetchPrice(ctx context.Context) (Price, error) {
	if a.opts.Address == "" {
		return Price{}, errors.New("aggregator contract address not configured")
	}

	timeout := a.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := a.getClient(ctx)
	if err != nil {
		return Price{}, err
	}
	addr := common.HexToAddress(a.opts.Address)

	decimals, err := a.feedDecimals(ctx, client, addr)
	if err != nil {
		return Price{}, err
	}

	outputs, err := a.call(ctx, client, addr, "latestRoundData")
	if err != nil {
		return Price{}, err
	}
	if len(outputs) != 5 {
		return Price{}, errors.New("unexpected latestRoundData response")
	}

	answer, ok := outputs[1].(*big.Int)
	if !ok {
		return Price{}, errors.New("failed to decode latestRoundData answer")
	}
	updatedAt, ok := outputs[3].(*big.Int)
	if !ok {
		return Price{}, errors.New("failed to decode latestRoundData updatedAt")
	}
	if answer.Sign() <= 0 {
		return Price{}, fmt.Errorf("aggregator returned non-positive answer %s", answer)
	}
	if a.opts.MaxAge > 0 {
		age := a.now().Sub(time.Unix(updatedAt.Int64(), 0))
		if age > a.opts.MaxAge {
			return Price{}, fmt.Errorf("%w: updated %s ago", ErrStaleAnswer, age.Round(time.Second))
		}
	}

	blockNumber, err := client.BlockNumber(ctx)
	if err != nil {
		return Price{}, err
	}

	value := decimal.NewFromBigInt(answer, -int32(decimals))
	return Price{Value: value, Source: "aggregator", Quality: "onchain", BlockNumber: blockNumber}, nil
}

func (a *Aggregator) feedDecimals(ctx context.Context, client ChainReader, addr common.Address) (uint8, error) {
	a.clientMux.Lock()
	cached := a.decimals
	a.clientMux.Unlock()
	if cached != nil {
		return *cached, nil
	}

	outputs, err := a.call(ctx, client, addr, "decimals")
	if err != nil {
		return 0, err
	}
	if len(outputs) != 1 {
		return 0, errors.New("unexpected decimals response")
	}
	decimals, ok := outputs[0].(uint8)
	if !ok {
		return 0, errors.New("failed to decode decimals output")
	}

	a.clientMux.Lock()
	a.decimals = &decimals
	a.clientMux.Unlock()
	return decimals, nil
}

func (a *Aggregator) call(ctx context.Context, client ChainReader, addr common.Address, method string) ([]interface{}, error) {
	payload, err := aggregatorABI.Pack(method)
	if err != nil {
		return nil, err
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	return aggregatorABI.Unpack(method, res)
}

func (a *Aggregator) getClient(ctx context.Context) (ChainReader, error) {
	a.clientMux.Lock()
	defer a.clientMux.Unlock()

	if a.client != nil {
		return a.client, nil
	}
	if a.opts.RPCURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}

	client, err := ethclient.DialContext(ctx, a.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	a.client = client
	return client, nil
}

var _ Source = (*Aggregator)(nil)
