package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
)

const testToken = "0x00000000000000000000000000000000000000d1"

type fakeBackend struct {
	mu           sync.Mutex
	supply       *big.Int
	sent         []*types.Transaction
	status       uint64
	pendingPolls int
	sendErr      error
	// unmined keeps every receipt lookup returning NotFound.
	unmined bool
}

func (b *fakeBackend) setUnmined(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unmined = v
}

func (b *fakeBackend) setStatus(status uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = status
}

func (b *fakeBackend) sentCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

func (b *fakeBackend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return tokenABI.Methods["totalSupply"].Outputs.Pack(b.supply)
}

func (b *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 7, nil
}

func (b *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (b *fakeBackend) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 90_000, nil
}

func (b *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return b.sendErr
	}
	b.sent = append(b.sent, tx)
	return nil
}

func (b *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unmined {
		return nil, ethereum.NotFound
	}
	if b.pendingPolls > 0 {
		b.pendingPolls--
		return nil, ethereum.NotFound
	}
	return &types.Receipt{Status: b.status, TxHash: txHash, GasUsed: 50_000}, nil
}

func (b *fakeBackend) ChainID(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1337), nil
}

func newTestEthereum(t *testing.T, backend *fakeBackend) (*Ethereum, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	e, err := NewEthereum(EthereumOptions{
		TokenAddress:   testToken,
		PrivateKeyHex:  hex.EncodeToString(crypto.FromECDSA(key)),
		ReceiptTimeout: time.Second,
		PollInterval:   time.Millisecond,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new ethereum ledger: %v", err)
	}
	return e.WithBackend(backend), crypto.PubkeyToAddress(key.PublicKey)
}

func TestEthereumMissingConfig(t *testing.T) {
	if _, err := NewEthereum(EthereumOptions{}, zerolog.Nop()); err == nil {
		t.Fatal("missing token address must fail")
	}
	if _, err := NewEthereum(EthereumOptions{TokenAddress: testToken, PrivateKeyHex: "zz"}, zerolog.Nop()); err == nil {
		t.Fatal("malformed key must fail")
	}

	e, err := NewEthereum(EthereumOptions{TokenAddress: testToken}, zerolog.Nop())
	if err != nil {
		t.Fatalf("read-only ledger should build: %v", err)
	}
	if err := e.ApplyRebase(context.Background(), 1, big.NewInt(1)); !errors.Is(err, ErrNoSigner) {
		t.Fatalf("expected ErrNoSigner, got %v", err)
	}
	if _, err := e.CurrentTotalSupply(context.Background()); err == nil {
		t.Fatal("missing rpc url must fail")
	}
}

func TestEthereumTotalSupply(t *testing.T) {
	e, _ := newTestEthereum(t, &fakeBackend{supply: big.NewInt(123456789)})

	supply, err := e.CurrentTotalSupply(context.Background())
	if err != nil {
		t.Fatalf("total supply: %v", err)
	}
	if supply.Cmp(big.NewInt(123456789)) != 0 {
		t.Fatalf("expected 123456789, got %s", supply)
	}
}

func TestEthereumApplyRebaseSendsSignedCall(t *testing.T) {
	backend := &fakeBackend{supply: big.NewInt(1), status: types.ReceiptStatusSuccessful, pendingPolls: 2}
	e, from := newTestEthereum(t, backend)

	if err := e.ApplyRebase(context.Background(), 4, big.NewInt(-6)); err != nil {
		t.Fatalf("apply should succeed: %v", err)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("expected one transaction, got %d", len(backend.sent))
	}

	tx := backend.sent[0]
	if tx.To() == nil || *tx.To() != common.HexToAddress(testToken) {
		t.Fatalf("transaction must target the token, got %v", tx.To())
	}
	if tx.Nonce() != 7 || tx.Gas() != 90_000 {
		t.Fatalf("unexpected nonce/gas %d/%d", tx.Nonce(), tx.Gas())
	}

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1337)), tx)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if sender != from || e.Sender() != from {
		t.Fatalf("expected sender %s, got %s", from.Hex(), sender.Hex())
	}

	method := tokenABI.Methods["rebase"]
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		t.Fatalf("unpack call data: %v", err)
	}
	if args[0].(*big.Int).Uint64() != 4 || args[1].(*big.Int).Int64() != -6 {
		t.Fatalf("unexpected call arguments %v", args)
	}
}

func TestEthereumApplyRebaseReverted(t *testing.T) {
	backend := &fakeBackend{supply: big.NewInt(1), status: types.ReceiptStatusFailed}
	e, _ := newTestEthereum(t, backend)

	if err := e.ApplyRebase(context.Background(), 1, big.NewInt(1)); !errors.Is(err, ErrTxReverted) {
		t.Fatalf("expected ErrTxReverted, got %v", err)
	}
}

func TestEthereumApplyRebaseSendFailure(t *testing.T) {
	backend := &fakeBackend{supply: big.NewInt(1), sendErr: errors.New("nonce too low")}
	e, _ := newTestEthereum(t, backend)

	if err := e.ApplyRebase(context.Background(), 1, big.NewInt(1)); err == nil {
		t.Fatal("send failure must be reported")
	}
}

func TestEthereumApplyRebaseRetryWaitsForInflightTx(t *testing.T) {
	backend := &fakeBackend{supply: big.NewInt(1), status: types.ReceiptStatusSuccessful, unmined: true}
	e, _ := newTestEthereum(t, backend)
	e.opts.ReceiptTimeout = 20 * time.Millisecond

	err := e.ApplyRebase(context.Background(), 3, big.NewInt(5))
	if !errors.Is(err, ErrRebasePending) {
		t.Fatalf("expected ErrRebasePending, got %v", err)
	}
	if backend.sentCount() != 1 {
		t.Fatalf("expected one transaction, got %d", backend.sentCount())
	}

	// Still unmined: the retry must not sign a second transaction.
	if err := e.ApplyRebase(context.Background(), 3, big.NewInt(5)); !errors.Is(err, ErrRebasePending) {
		t.Fatalf("expected ErrRebasePending on retry, got %v", err)
	}
	if backend.sentCount() != 1 {
		t.Fatalf("retry re-sent the rebase: %d transactions", backend.sentCount())
	}

	backend.setUnmined(false)
	if err := e.ApplyRebase(context.Background(), 3, big.NewInt(5)); err != nil {
		t.Fatalf("retry should settle on the original transaction: %v", err)
	}
	if backend.sentCount() != 1 {
		t.Fatalf("expected one transaction after settling, got %d", backend.sentCount())
	}

	if err := e.ApplyRebase(context.Background(), 4, big.NewInt(1)); err != nil {
		t.Fatalf("next epoch should send normally: %v", err)
	}
	if backend.sentCount() != 2 {
		t.Fatalf("expected a new transaction for the next epoch, got %d", backend.sentCount())
	}
}

func TestEthereumApplyRebaseInflightDeltaMismatch(t *testing.T) {
	backend := &fakeBackend{supply: big.NewInt(1), status: types.ReceiptStatusSuccessful, unmined: true}
	e, _ := newTestEthereum(t, backend)
	e.opts.ReceiptTimeout = 20 * time.Millisecond

	if err := e.ApplyRebase(context.Background(), 2, big.NewInt(5)); !errors.Is(err, ErrRebasePending) {
		t.Fatalf("expected ErrRebasePending, got %v", err)
	}

	backend.setUnmined(false)
	if err := e.ApplyRebase(context.Background(), 2, big.NewInt(9)); !errors.Is(err, ErrDeltaMismatch) {
		t.Fatalf("expected ErrDeltaMismatch, got %v", err)
	}
	if err := e.ApplyRebase(context.Background(), 2, big.NewInt(9)); !errors.Is(err, ErrDeltaMismatch) {
		t.Fatalf("mismatch must persist without re-sending, got %v", err)
	}
	if backend.sentCount() != 1 {
		t.Fatalf("expected a single transaction, got %d", backend.sentCount())
	}
}

func TestEthereumApplyRebaseResendsAfterRevert(t *testing.T) {
	backend := &fakeBackend{supply: big.NewInt(1), status: types.ReceiptStatusFailed}
	e, _ := newTestEthereum(t, backend)

	if err := e.ApplyRebase(context.Background(), 1, big.NewInt(1)); !errors.Is(err, ErrTxReverted) {
		t.Fatalf("expected ErrTxReverted, got %v", err)
	}

	backend.setStatus(types.ReceiptStatusSuccessful)
	if err := e.ApplyRebase(context.Background(), 1, big.NewInt(1)); err != nil {
		t.Fatalf("a reverted epoch should be sent again: %v", err)
	}
	if backend.sentCount() != 2 {
		t.Fatalf("expected two transactions, got %d", backend.sentCount())
	}
}
