// Package testutil provides shared fixtures for package tests: the
// well-known devnet keys, a fast test config, and a scriptable ledger
// client mock.
package testutil

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/Layr-Labs/payload-relay-go/pkg/config"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethereumTypes "github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// Well-known anvil devnet accounts. Never funded anywhere real.
const (
	AnvilKey0     = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	AnvilAddress0 = "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266"

	AnvilKey1     = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
	AnvilAddress1 = "0x70997970c51812dc3a010c7d01b50e0d17dc79c8"

	AnvilKey2     = "5de4111afa1a4b94908f83103eb1f1706367c2e68ca870fc3fb9a804cdab365a"
	AnvilAddress2 = "0x3c44cdddb6a900fa2b585dd299e03d12fa4293bc"
)

// NewTestConfig returns a memory-store config with timings tightened
// for unit tests.
func NewTestConfig() *config.RelayConfig {
	cfg := config.NewRelayConfig()
	cfg.ChainID = config.ChainId_EthereumAnvil
	cfg.RPCURL = "http://127.0.0.1:8545"
	cfg.VerifyingContract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	cfg.RelayerPrivateKey = AnvilKey0
	cfg.ExpiryTTL = time.Minute
	cfg.ReceiptPollInterval = 5 * time.Millisecond
	cfg.MonitorDeadline = 2 * time.Second
	cfg.RPCTimeout = time.Second
	return cfg
}

// NewTestLogger returns a no-op logger for test wiring.
func NewTestLogger() *zap.Logger {
	return zap.NewNop()
}

// MockLedgerClient is a scriptable ILedgerClient. Unset hooks fall back
// to benign defaults: chain id 31337, 1 gwei tip, base fee 10 gwei,
// estimate 100k gas, send succeeds, receipt available immediately.
type MockLedgerClient struct {
	mu sync.Mutex

	ChainIDFn            func(ctx context.Context) (*big.Int, error)
	SuggestGasTipCapFn   func(ctx context.Context) (*big.Int, error)
	HeaderByNumberFn     func(ctx context.Context, number *big.Int) (*ethereumTypes.Header, error)
	EstimateGasFn        func(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAtFn     func(ctx context.Context, account common.Address) (uint64, error)
	SendTransactionFn    func(ctx context.Context, tx *ethereumTypes.Transaction) error
	TransactionReceiptFn func(ctx context.Context, txHash common.Hash) (*ethereumTypes.Receipt, error)
	CallContractFn       func(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)

	EstimateGasCalls     int
	SendCalls            int
	ReceiptCalls         int
	SentTransactions     []*ethereumTypes.Transaction
	pendingRelayerNonces uint64
}

func (m *MockLedgerClient) ChainID(ctx context.Context) (*big.Int, error) {
	if m.ChainIDFn != nil {
		return m.ChainIDFn(ctx)
	}
	return big.NewInt(31337), nil
}

func (m *MockLedgerClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	if m.SuggestGasTipCapFn != nil {
		return m.SuggestGasTipCapFn(ctx)
	}
	return big.NewInt(1_000_000_000), nil
}

func (m *MockLedgerClient) HeaderByNumber(ctx context.Context, number *big.Int) (*ethereumTypes.Header, error) {
	if m.HeaderByNumberFn != nil {
		return m.HeaderByNumberFn(ctx, number)
	}
	return &ethereumTypes.Header{
		Number:  big.NewInt(100),
		BaseFee: big.NewInt(10_000_000_000),
	}, nil
}

func (m *MockLedgerClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	m.mu.Lock()
	m.EstimateGasCalls++
	m.mu.Unlock()
	if m.EstimateGasFn != nil {
		return m.EstimateGasFn(ctx, msg)
	}
	return 100_000, nil
}

func (m *MockLedgerClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	if m.PendingNonceAtFn != nil {
		return m.PendingNonceAtFn(ctx, account)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	nonce := m.pendingRelayerNonces
	m.pendingRelayerNonces++
	return nonce, nil
}

func (m *MockLedgerClient) SendTransaction(ctx context.Context, tx *ethereumTypes.Transaction) error {
	m.mu.Lock()
	m.SendCalls++
	m.SentTransactions = append(m.SentTransactions, tx)
	m.mu.Unlock()
	if m.SendTransactionFn != nil {
		return m.SendTransactionFn(ctx, tx)
	}
	return nil
}

func (m *MockLedgerClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethereumTypes.Receipt, error) {
	m.mu.Lock()
	m.ReceiptCalls++
	m.mu.Unlock()
	if m.TransactionReceiptFn != nil {
		return m.TransactionReceiptFn(ctx, txHash)
	}
	return &ethereumTypes.Receipt{
		Status:      ethereumTypes.ReceiptStatusSuccessful,
		TxHash:      txHash,
		BlockNumber: big.NewInt(101),
	}, nil
}

func (m *MockLedgerClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if m.CallContractFn != nil {
		return m.CallContractFn(ctx, msg, blockNumber)
	}
	// abi-encoded true
	result := make([]byte, 32)
	result[31] = 1
	return result, nil
}
