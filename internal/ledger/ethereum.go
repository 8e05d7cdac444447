package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"rebase-policy/internal/policy"
)

const (
	rebasableTokenABIJSON = `[
{"inputs":[],"name":"totalSupply","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"uint256","name":"epoch","type":"uint256"},{"internalType":"int256","name":"supplyDelta","type":"int256"}],"name":"rebase","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"nonpayable","type":"function"}
]`
)

var (
	tokenABI abi.ABI

	// ErrTxReverted indicates the rebase transaction was mined with a failed status.
	ErrTxReverted = errors.New("ledger: rebase transaction reverted")
	// ErrNoSigner indicates no private key was configured for sending transactions.
	ErrNoSigner = errors.New("ledger: signing key not configured")
	// ErrRebasePending indicates a rebase transaction was sent but is not confirmed yet.
	ErrRebasePending = errors.New("ledger: rebase transaction not yet confirmed")
	// ErrDeltaMismatch indicates an epoch was confirmed on-chain with a different delta than requested.
	ErrDeltaMismatch = errors.New("ledger: epoch confirmed with a different supply delta")
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(rebasableTokenABIJSON))
	if err != nil {
		panic("failed to parse rebasable token ABI: " + err.Error())
	}
	tokenABI = parsed
}

// Backend is the subset of the Ethereum JSON-RPC client used by the ledger.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// EthereumOptions parameterise the on-chain token ledger.
type EthereumOptions struct {
	RPCURL         string
	TokenAddress   string
	PrivateKeyHex  string
	ChainID        int64
	GasLimit       uint64
	Timeout        time.Duration
	ReceiptTimeout time.Duration
	PollInterval   time.Duration
}

// Ethereum applies rebases to a token contract exposing totalSupply() and rebase(uint256,int256).
type Ethereum struct {
	opts      EthereumOptions
	logger    zerolog.Logger
	token     common.Address
	key       *ecdsa.PrivateKey
	from      common.Address
	backend   Backend
	clientMux sync.Mutex

	// inflight holds sent rebase transactions by epoch until they are settled,
	// so a retry for the same epoch waits on the original instead of re-sending.
	inflightMu sync.Mutex
	inflight   map[uint64]*inflightRebase
}

type inflightRebase struct {
	hash      common.Hash
	delta     *big.Int
	confirmed bool
}

// NewEthereum builds a token ledger; the RPC connection is dialled lazily.
func NewEthereum(opts EthereumOptions, logger zerolog.Logger) (*Ethereum, error) {
	if opts.TokenAddress == "" || !common.IsHexAddress(opts.TokenAddress) {
		return nil, errors.New("ledger: token contract address not configured")
	}

	e := &Ethereum{
		opts:   opts,
		logger: logger.With().Str("component", "ethereum_ledger").Logger(),
		token:  common.HexToAddress(opts.TokenAddress),

		inflight: make(map[uint64]*inflightRebase),
	}

	if opts.PrivateKeyHex != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(opts.PrivateKeyHex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse signing key: %w", err)
		}
		e.key = key
		e.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	return e, nil
}

// WithBackend replaces the RPC client, mainly for tests.
func (e *Ethereum) WithBackend(backend Backend) *Ethereum {
	e.clientMux.Lock()
	defer e.clientMux.Unlock()
	e.backend = backend
	return e
}

// Sender returns the address that signs rebase transactions.
func (e *Ethereum) Sender() common.Address {
	return e.from
}

// CurrentTotalSupply reads totalSupply() from the token contract.
func (e *Ethereum) CurrentTotalSupply(ctx context.Context) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout())
	defer cancel()

	backend, err := e.getBackend(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := tokenABI.Pack("totalSupply")
	if err != nil {
		return nil, err
	}

	res, err := backend.CallContract(ctx, ethereum.CallMsg{To: &e.token, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("call totalSupply: %w", err)
	}

	outputs, err := tokenABI.Unpack("totalSupply", res)
	if err != nil {
		return nil, err
	}
	if len(outputs) != 1 {
		return nil, errors.New("unexpected totalSupply response")
	}

	supply, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, errors.New("failed to decode totalSupply output")
	}
	if _, overflow := uint256.FromBig(supply); overflow || supply.Sign() < 0 {
		return nil, fmt.Errorf("totalSupply out of uint256 range: %s", supply)
	}
	return supply, nil
}

// ApplyRebase sends rebase(epoch, delta) and waits for a successful receipt.
// When an earlier call for the same epoch already sent a transaction, it waits
// on that transaction instead of signing another one.
func (e *Ethereum) ApplyRebase(ctx context.Context, epoch uint64, delta *big.Int) error {
	if e.key == nil {
		return ErrNoSigner
	}

	receiptTimeout := e.opts.ReceiptTimeout
	if receiptTimeout <= 0 {
		receiptTimeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, receiptTimeout)
	defer cancel()

	backend, err := e.getBackend(ctx)
	if err != nil {
		return err
	}

	if pending := e.pending(epoch); pending != nil {
		e.logger.Warn().Uint64("epoch", epoch).
			Str("tx", pending.hash.Hex()).
			Msg("awaiting rebase transaction sent by an earlier attempt")
		return e.settle(ctx, backend, epoch, delta, pending)
	}

	data, err := tokenABI.Pack("rebase", new(big.Int).SetUint64(epoch), delta)
	if err != nil {
		return fmt.Errorf("pack rebase call: %w", err)
	}

	tx, err := e.buildTx(ctx, backend, data)
	if err != nil {
		return err
	}

	if err := backend.SendTransaction(ctx, tx); err != nil {
		return fmt.Errorf("send rebase transaction: %w", err)
	}
	sent := e.track(epoch, tx.Hash(), delta)
	e.logger.Info().Uint64("epoch", epoch).
		Str("delta", delta.String()).
		Str("tx", tx.Hash().Hex()).
		Msg("rebase transaction sent")

	return e.settle(ctx, backend, epoch, delta, sent)
}

// settle waits for the tracked transaction of epoch and resolves it against delta.
// A transaction that is still unconfirmed stays tracked.
func (e *Ethereum) settle(ctx context.Context, backend Backend, epoch uint64, delta *big.Int, rec *inflightRebase) error {
	e.inflightMu.Lock()
	confirmed := rec.confirmed
	e.inflightMu.Unlock()

	if !confirmed {
		receipt, err := e.waitReceipt(ctx, backend, rec.hash)
		if err != nil {
			return fmt.Errorf("%w: epoch %d tx %s: %w", ErrRebasePending, epoch, rec.hash.Hex(), err)
		}
		if receipt.Status != types.ReceiptStatusSuccessful {
			e.forget(epoch)
			return fmt.Errorf("%w: %s", ErrTxReverted, rec.hash.Hex())
		}
		e.markConfirmed(rec)
		e.logger.Info().Uint64("epoch", epoch).
			Str("tx", rec.hash.Hex()).
			Uint64("gas_used", receipt.GasUsed).
			Msg("rebase transaction confirmed")
	}

	if rec.delta.Cmp(delta) != 0 {
		return fmt.Errorf("%w: epoch %d applied %s, requested %s", ErrDeltaMismatch, epoch, rec.delta, delta)
	}
	e.forget(epoch)
	return nil
}

func (e *Ethereum) pending(epoch uint64) *inflightRebase {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	return e.inflight[epoch]
}

func (e *Ethereum) track(epoch uint64, hash common.Hash, delta *big.Int) *inflightRebase {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	rec := &inflightRebase{hash: hash, delta: new(big.Int).Set(delta)}
	e.inflight[epoch] = rec
	return rec
}

func (e *Ethereum) markConfirmed(rec *inflightRebase) {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	rec.confirmed = true
}

// forget drops epoch and every earlier epoch from the in-flight set.
func (e *Ethereum) forget(epoch uint64) {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	for k := range e.inflight {
		if k <= epoch {
			delete(e.inflight, k)
		}
	}
}

func (e *Ethereum) buildTx(ctx context.Context, backend Backend, data []byte) (*types.Transaction, error) {
	nonce, err := backend.PendingNonceAt(ctx, e.from)
	if err != nil {
		return nil, fmt.Errorf("fetch nonce: %w", err)
	}

	gasPrice, err := backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}

	gas := e.opts.GasLimit
	if gas == 0 {
		gas, err = backend.EstimateGas(ctx, ethereum.CallMsg{From: e.from, To: &e.token, Data: data})
		if err != nil {
			return nil, fmt.Errorf("estimate gas: %w", err)
		}
	}

	chainID := big.NewInt(e.opts.ChainID)
	if e.opts.ChainID == 0 {
		chainID, err = backend.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch chain id: %w", err)
		}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &e.token,
		Value:    big.NewInt(0),
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), e.key)
	if err != nil {
		return nil, fmt.Errorf("sign rebase transaction: %w", err)
	}
	return signed, nil
}

func (e *Ethereum) waitReceipt(ctx context.Context, backend Backend, hash common.Hash) (*types.Receipt, error) {
	interval := e.opts.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		receipt, err := backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("fetch receipt: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for receipt %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (e *Ethereum) timeout() time.Duration {
	if e.opts.Timeout <= 0 {
		return 10 * time.Second
	}
	return e.opts.Timeout
}

func (e *Ethereum) getBackend(ctx context.Context) (Backend, error) {
	e.clientMux.Lock()
	defer e.clientMux.Unlock()

	if e.backend != nil {
		return e.backend, nil
	}
	if e.opts.RPCURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}

	client, err := ethclient.DialContext(ctx, e.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	e.backend = client
	return client, nil
}

var _ policy.Ledger = (*Ethereum)(nil)
