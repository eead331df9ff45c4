package submitter

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethereumTypes "github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/time/rate"
)

// ILedgerClient is the minimal RPC surface the submitter needs.
// *ethclient.Client satisfies it; tests supply a mock.
type ILedgerClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethereumTypes.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *ethereumTypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethereumTypes.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// rateLimitedClient throttles all ledger calls through one shared
// limiter so a burst of submissions and monitors cannot hammer the RPC
// provider.
type rateLimitedClient struct {
	inner   ILedgerClient
	limiter *rate.Limiter
}

var _ ILedgerClient = (*rateLimitedClient)(nil)

// NewRateLimitedClient wraps a client with a requests-per-second cap.
func NewRateLimitedClient(inner ILedgerClient, rps float64) ILedgerClient {
	return &rateLimitedClient{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
	}
}

func (c *rateLimitedClient) ChainID(ctx context.Context) (*big.Int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.inner.ChainID(ctx)
}

func (c *rateLimitedClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.inner.SuggestGasTipCap(ctx)
}

func (c *rateLimitedClient) HeaderByNumber(ctx context.Context, number *big.Int) (*ethereumTypes.Header, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.inner.HeaderByNumber(ctx, number)
}

func (c *rateLimitedClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	return c.inner.EstimateGas(ctx, msg)
}

func (c *rateLimitedClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	return c.inner.PendingNonceAt(ctx, account)
}

func (c *rateLimitedClient) SendTransaction(ctx context.Context, tx *ethereumTypes.Transaction) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.inner.SendTransaction(ctx, tx)
}

func (c *rateLimitedClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethereumTypes.Receipt, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.inner.TransactionReceipt(ctx, txHash)
}

func (c *rateLimitedClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.inner.CallContract(ctx, msg, blockNumber)
}
