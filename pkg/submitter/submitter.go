// Package submitter turns signed payload records into on-chain
// transactions and tracks their outcome. Transaction monitoring runs as
// detached background tasks, one per txRef, reporting back only through
// persisted record state.
package submitter

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/Layr-Labs/payload-relay-go/pkg/canonical"
	"github.com/Layr-Labs/payload-relay-go/pkg/config"
	"github.com/Layr-Labs/payload-relay-go/pkg/storage"
	"github.com/Layr-Labs/payload-relay-go/pkg/types"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethereumTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// Verifying contract surface: anchorPayload is the submission entry
// point, verifyPayload mirrors the off-chain signature check.
const anchorRegistryABI = `[
	{"type":"function","name":"anchorPayload","stateMutability":"nonpayable","inputs":[
		{"name":"payloadType","type":"string"},
		{"name":"payloadHash","type":"bytes32"},
		{"name":"nonce","type":"uint256"},
		{"name":"expiresAt","type":"uint256"},
		{"name":"body","type":"string"},
		{"name":"signature","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"verifyPayload","stateMutability":"view","inputs":[
		{"name":"structuredHash","type":"bytes32"},
		{"name":"signature","type":"bytes"},
		{"name":"expectedSigner","type":"address"}],"outputs":[{"name":"","type":"bool"}]}
]`

// ILedgerSubmitter is the submission contract used by the coordinator.
type ILedgerSubmitter interface {
	// EstimateCost returns the gas units for anchoring this record. On
	// estimation failure it returns the configured conservative default
	// instead of failing the submission.
	EstimateCost(ctx context.Context, record *types.PayloadRecord) (uint64, error)

	// Submit sends the anchoring transaction and persists the outcome:
	// SUBMITTED with a txRef on success (monitor dispatched), or an
	// attempt failure (record stays PENDING) on a definitive send error.
	// Rejected unless the record is PENDING, signed and unexpired.
	Submit(ctx context.Context, record *types.PayloadRecord) (string, error)

	// Retry re-invokes Submit while attempts < maxAttempts; beyond that
	// the record is moved to terminal FAILED.
	Retry(ctx context.Context, record *types.PayloadRecord) (string, error)

	// VerifyOnChain asks the verifying contract to check the persisted
	// signature, mirroring the off-chain verifier.
	VerifyOnChain(ctx context.Context, record *types.PayloadRecord, expectedSigner string) (bool, error)

	// ReconcileSubmitted re-arms monitors for records left SUBMITTED by
	// a previous process (crash or timed-out send).
	ReconcileSubmitted(ctx context.Context) error

	// WaitForMonitors blocks until all in-flight monitors finish.
	WaitForMonitors()
}

// LedgerSubmitter implements ILedgerSubmitter against an EVM chain.
type LedgerSubmitter struct {
	client ILedgerClient
	store  storage.IPayloadStore
	cfg    *config.RelayConfig
	logger *zap.Logger

	contractAddr common.Address
	registryABI  abi.ABI
	relayerKey   *ecdsa.PrivateKey
	relayerAddr  common.Address
	chainID      *big.Int

	monitorWg sync.WaitGroup
}

var _ ILedgerSubmitter = (*LedgerSubmitter)(nil)

// NewLedgerSubmitter builds a submitter. The relayer key signs the outer
// anchoring transaction; payload signatures ride in the calldata.
func NewLedgerSubmitter(cfg *config.RelayConfig, client ILedgerClient, store storage.IPayloadStore, logger *zap.Logger) (*LedgerSubmitter, error) {
	if cfg.RelayerPrivateKey == "" {
		return nil, fmt.Errorf("relayer private key cannot be empty")
	}

	relayerKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.RelayerPrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("malformed relayer private key: %w", err)
	}

	registryABI, err := abi.JSON(strings.NewReader(anchorRegistryABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse registry ABI: %w", err)
	}

	chainID, err := client.ChainID(context.Background())
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get chain ID")
	}

	return &LedgerSubmitter{
		client:       client,
		store:        store,
		cfg:          cfg,
		logger:       logger,
		contractAddr: common.HexToAddress(cfg.VerifyingContract),
		registryABI:  registryABI,
		relayerKey:   relayerKey,
		relayerAddr:  crypto.PubkeyToAddress(relayerKey.PublicKey),
		chainID:      chainID,
	}, nil
}

// anchorCalldata packs the record's envelope fields and signature for
// the contract's submission entry point. The body is re-canonicalized
// from the persisted map, which yields the exact bytes that were signed.
func (s *LedgerSubmitter) anchorCalldata(record *types.PayloadRecord) ([]byte, error) {
	body, err := canonical.Marshal(record.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize body: %w", err)
	}

	payloadHash, err := hexutil.Decode(record.PayloadHash)
	if err != nil || len(payloadHash) != 32 {
		return nil, fmt.Errorf("malformed payload hash %q", record.PayloadHash)
	}
	var hash32 [32]byte
	copy(hash32[:], payloadHash)

	return s.registryABI.Pack("anchorPayload",
		record.PayloadType.String(),
		hash32,
		new(big.Int).SetUint64(record.Nonce),
		big.NewInt(record.ExpiresAt.Unix()),
		string(body),
		record.Signature,
	)
}

// EstimateCost estimates gas for anchoring the record, falling back to
// the configured conservative default rather than failing the
// submission.
func (s *LedgerSubmitter) EstimateCost(ctx context.Context, record *types.PayloadRecord) (uint64, error) {
	calldata, err := s.anchorCalldata(record)
	if err != nil {
		return 0, types.ValidationError("cannot build calldata: %v", err).WithRecord(record.ID)
	}

	ectx, cancel := context.WithTimeout(ctx, s.cfg.RPCTimeout)
	defer cancel()

	gas, err := s.client.EstimateGas(ectx, ethereum.CallMsg{
		From: s.relayerAddr,
		To:   &s.contractAddr,
		Data: calldata,
	})
	if err != nil {
		s.logger.Sugar().Warnw("Gas estimation failed, using fallback",
			"record", record.ID, "fallback", s.cfg.FallbackGasLimit, "error", err)
		return s.cfg.FallbackGasLimit, nil
	}
	return gas, nil
}

// feeCaps computes EIP-1559 fee parameters: suggested tip (with a
// chain-appropriate fallback when the backend lacks
// eth_maxPriorityFeePerGas) and base fee with a spike buffer.
func (s *LedgerSubmitter) feeCaps(ctx context.Context) (gasTipCap, maxFeePerGas *big.Int, err error) {
	var fallbackGasTipCap *big.Int
	var baseFeeMultiplier int64
	if config.IsEthereum(s.cfg.ChainID) {
		fallbackGasTipCap = big.NewInt(1_500_000_000) // 1.5 gwei
		baseFeeMultiplier = 3
	} else {
		fallbackGasTipCap = big.NewInt(1_000_000) // 0.001 gwei
		baseFeeMultiplier = 2
	}

	gasTipCap, tipErr := s.client.SuggestGasTipCap(ctx)
	if tipErr != nil {
		s.logger.Sugar().Warnw("Cannot get gasTipCap, using fallback", "error", tipErr)
		gasTipCap = fallbackGasTipCap
	}

	header, err := s.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, pkgerrors.Wrapf(err, "failed to get latest block header")
	}

	maxFeePerGas = new(big.Int).Add(
		new(big.Int).Mul(header.BaseFee, big.NewInt(baseFeeMultiplier)),
		gasTipCap,
	)
	return gasTipCap, maxFeePerGas, nil
}

// Submit sends the anchoring transaction for a ready record.
//
// Outcome handling: a definitive send failure is absorbed into record
// state (attempts+1, lastError, still PENDING) and surfaced as a
// retryable error. A timed-out send is an unknown outcome: the record
// is persisted SUBMITTED with its txRef and left to the monitor, never
// silently retried, to avoid double submission.
func (s *LedgerSubmitter) Submit(ctx context.Context, record *types.PayloadRecord) (string, error) {
	now := time.Now().UTC()
	if record.Status != types.StatusPending {
		return "", types.ConflictError("record is %s, only PENDING records can be submitted", record.Status).WithRecord(record.ID)
	}
	if !record.Signed() {
		return "", types.ConflictError("record is not signed").WithRecord(record.ID)
	}
	if record.Expired(now) {
		return "", types.ExpiryError("record expired at %s", record.ExpiresAt.Format(time.RFC3339)).WithRecord(record.ID)
	}

	calldata, err := s.anchorCalldata(record)
	if err != nil {
		return "", types.ValidationError("cannot build calldata: %v", err).WithRecord(record.ID)
	}

	gasUnits, err := s.EstimateCost(ctx, record)
	if err != nil {
		return "", err
	}
	gasLimit := gasUnits * s.cfg.GasMultiplierPct / 100

	rctx, cancel := context.WithTimeout(ctx, s.cfg.RPCTimeout)
	defer cancel()

	gasTipCap, maxFeePerGas, err := s.feeCaps(rctx)
	if err != nil {
		return "", s.recordAttemptFailure(ctx, record.ID, err)
	}

	accountNonce, err := s.client.PendingNonceAt(rctx, s.relayerAddr)
	if err != nil {
		return "", s.recordAttemptFailure(ctx, record.ID, pkgerrors.Wrapf(err, "failed to get relayer nonce"))
	}

	tx := ethereumTypes.NewTx(&ethereumTypes.DynamicFeeTx{
		ChainID:   s.chainID,
		Nonce:     accountNonce,
		GasTipCap: gasTipCap,
		GasFeeCap: maxFeePerGas,
		Gas:       gasLimit,
		To:        &s.contractAddr,
		Data:      calldata,
	})

	signedTx, err := ethereumTypes.SignTx(tx, ethereumTypes.LatestSignerForChainID(s.chainID), s.relayerKey)
	if err != nil {
		return "", s.recordAttemptFailure(ctx, record.ID, fmt.Errorf("failed to sign transaction: %w", err))
	}
	txRef := signedTx.Hash().Hex()

	s.logger.Sugar().Infow("Submitting payload transaction",
		"record", record.ID,
		"txRef", txRef,
		"gasLimit", gasLimit,
		"maxFeePerGas", maxFeePerGas.String(),
		"attempt", record.Attempts+1,
	)

	sctx, sendCancel := context.WithTimeout(ctx, s.cfg.RPCTimeout)
	defer sendCancel()
	sendErr := s.client.SendTransaction(sctx, signedTx)
	if sendErr != nil && !errors.Is(sendErr, context.DeadlineExceeded) {
		return "", s.recordAttemptFailure(ctx, record.ID, pkgerrors.Wrapf(sendErr, "failed to send transaction"))
	}
	if sendErr != nil {
		s.logger.Sugar().Warnw("Send timed out, outcome unknown; leaving record SUBMITTED for reconciliation",
			"record", record.ID, "txRef", txRef)
	}

	if _, err := s.store.UpdatePayload(ctx, record.ID, types.StatusPending, func(r *types.PayloadRecord) error {
		r.Status = types.StatusSubmitted
		r.TxRef = txRef
		r.Attempts++
		r.LastError = ""
		submittedAt := now
		r.SubmittedAt = &submittedAt
		return nil
	}); err != nil {
		return "", types.StoreError(err, "failed to persist submission").WithRecord(record.ID)
	}

	s.spawnMonitor(record.ID, signedTx.Hash())
	return txRef, nil
}

// recordAttemptFailure absorbs a retryable ledger failure into record
// state: attempts+1, lastError set, status unchanged (PENDING).
func (s *LedgerSubmitter) recordAttemptFailure(ctx context.Context, id string, cause error) error {
	if _, err := s.store.UpdatePayload(ctx, id, types.StatusPending, func(r *types.PayloadRecord) error {
		r.Attempts++
		r.LastError = cause.Error()
		return nil
	}); err != nil {
		s.logger.Sugar().Errorw("Failed to record attempt failure", "record", id, "error", err)
	}
	return types.LedgerRetryableError(cause, "submission attempt failed").WithRecord(id)
}

// Retry re-submits a PENDING record that previously failed a send
// attempt. The identical signed content is reused: same nonce, same
// hashes, same signature. Exhausted attempts move the record to
// terminal FAILED.
func (s *LedgerSubmitter) Retry(ctx context.Context, record *types.PayloadRecord) (string, error) {
	if record.Status != types.StatusPending {
		return "", types.ConflictError("record is %s, only PENDING records can be retried", record.Status).WithRecord(record.ID)
	}

	if record.Attempts >= s.cfg.MaxAttempts {
		if _, err := s.store.UpdatePayload(ctx, record.ID, types.StatusPending, func(r *types.PayloadRecord) error {
			r.Status = types.StatusFailed
			r.LastError = "max retries exceeded"
			return nil
		}); err != nil {
			return "", types.StoreError(err, "failed to mark record dead-lettered").WithRecord(record.ID)
		}
		return "", types.LedgerTerminalError(nil, "max retries exceeded (%d attempts)", record.Attempts).WithRecord(record.ID)
	}

	fresh := record.Clone()
	fresh.LastError = ""
	return s.Submit(ctx, fresh)
}

// spawnMonitor dispatches the detached confirmation watcher for one
// txRef. Each monitor is independent: its failures are logged, never
// propagated to the submit caller or to sibling monitors.
func (s *LedgerSubmitter) spawnMonitor(recordID string, txHash common.Hash) {
	s.monitorWg.Add(1)
	go func() {
		defer s.monitorWg.Done()
		s.monitor(recordID, txHash)
	}()
}

// monitor polls for the transaction receipt until it is mined or the
// monitor deadline passes. RPC errors retry the wait, never the
// submission. Outcome is communicated only via persisted state.
func (s *LedgerSubmitter) monitor(recordID string, txHash common.Hash) {
	deadline := time.Now().Add(s.cfg.MonitorDeadline)
	ticker := time.NewTicker(s.cfg.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		if time.Now().After(deadline) {
			s.logger.Sugar().Warnw("Monitor deadline exceeded, record left SUBMITTED for reconciliation",
				"record", recordID, "txRef", txHash.Hex())
			return
		}
		<-ticker.C

		rctx, cancel := context.WithTimeout(context.Background(), s.cfg.RPCTimeout)
		receipt, err := s.client.TransactionReceipt(rctx, txHash)
		cancel()
		if err != nil {
			// Not mined yet, or a transient RPC failure. Keep waiting.
			s.logger.Sugar().Debugw("Receipt not available yet", "record", recordID, "txRef", txHash.Hex(), "error", err)
			continue
		}

		if receipt.Status == ethereumTypes.ReceiptStatusSuccessful {
			s.awaitConfirmations(receipt, deadline)
			s.persistConfirmed(recordID, receipt)
		} else {
			s.persistReverted(recordID, receipt)
		}
		return
	}
}

// awaitConfirmations waits until the receipt's block is buried under
// the configured confirmation depth.
func (s *LedgerSubmitter) awaitConfirmations(receipt *ethereumTypes.Receipt, deadline time.Time) {
	if s.cfg.Confirmations <= 1 {
		return
	}
	target := new(big.Int).Add(receipt.BlockNumber, big.NewInt(int64(s.cfg.Confirmations-1)))

	ticker := time.NewTicker(s.cfg.ReceiptPollInterval)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		<-ticker.C
		rctx, cancel := context.WithTimeout(context.Background(), s.cfg.RPCTimeout)
		header, err := s.client.HeaderByNumber(rctx, nil)
		cancel()
		if err != nil {
			continue
		}
		if header.Number.Cmp(target) >= 0 {
			return
		}
	}
}

func (s *LedgerSubmitter) persistConfirmed(recordID string, receipt *ethereumTypes.Receipt) {
	confirmedAt := time.Now().UTC()
	if _, err := s.store.UpdatePayload(context.Background(), recordID, types.StatusSubmitted, func(r *types.PayloadRecord) error {
		r.Status = types.StatusConfirmed
		r.BlockRef = receipt.BlockNumber.Uint64()
		r.LastError = ""
		r.ConfirmedAt = &confirmedAt
		return nil
	}); err != nil {
		s.logger.Sugar().Errorw("Failed to persist confirmation", "record", recordID, "error", err)
		return
	}
	s.logger.Sugar().Infow("Payload confirmed",
		"record", recordID, "txRef", receipt.TxHash.Hex(), "block", receipt.BlockNumber.Uint64())
}

func (s *LedgerSubmitter) persistReverted(recordID string, receipt *ethereumTypes.Receipt) {
	if _, err := s.store.UpdatePayload(context.Background(), recordID, types.StatusSubmitted, func(r *types.PayloadRecord) error {
		r.Status = types.StatusFailed
		r.BlockRef = receipt.BlockNumber.Uint64()
		r.LastError = "transaction reverted on-chain"
		return nil
	}); err != nil {
		s.logger.Sugar().Errorw("Failed to persist revert", "record", recordID, "error", err)
		return
	}
	s.logger.Sugar().Warnw("Payload transaction reverted",
		"record", recordID, "txRef", receipt.TxHash.Hex(), "block", receipt.BlockNumber.Uint64())
}

// VerifyOnChain mirrors the off-chain signature check through the
// verifying contract's view function.
func (s *LedgerSubmitter) VerifyOnChain(ctx context.Context, record *types.PayloadRecord, expectedSigner string) (bool, error) {
	structuredHash, err := hexutil.Decode(record.StructuredHash)
	if err != nil || len(structuredHash) != 32 {
		return false, types.ValidationError("malformed structured hash %q", record.StructuredHash).WithRecord(record.ID)
	}
	var hash32 [32]byte
	copy(hash32[:], structuredHash)

	calldata, err := s.registryABI.Pack("verifyPayload", hash32, record.Signature, common.HexToAddress(expectedSigner))
	if err != nil {
		return false, types.ValidationError("cannot build verify calldata: %v", err).WithRecord(record.ID)
	}

	rctx, cancel := context.WithTimeout(ctx, s.cfg.RPCTimeout)
	defer cancel()
	result, err := s.client.CallContract(rctx, ethereum.CallMsg{To: &s.contractAddr, Data: calldata}, nil)
	if err != nil {
		return false, types.LedgerRetryableError(err, "on-chain verification call failed").WithRecord(record.ID)
	}

	values, err := s.registryABI.Unpack("verifyPayload", result)
	if err != nil {
		return false, types.LedgerRetryableError(err, "cannot decode verification result").WithRecord(record.ID)
	}
	valid, ok := values[0].(bool)
	if !ok {
		return false, types.LedgerRetryableError(nil, "unexpected verification result type").WithRecord(record.ID)
	}
	return valid, nil
}

// ReconcileSubmitted re-arms monitors for records a previous process
// left SUBMITTED (crash mid-monitor, or a send whose outcome was
// unknown at the time).
func (s *LedgerSubmitter) ReconcileSubmitted(ctx context.Context) error {
	records, err := s.store.ListByStatus(ctx, types.StatusSubmitted)
	if err != nil {
		return types.StoreError(err, "failed to list submitted records")
	}

	for _, record := range records {
		if record.TxRef == "" {
			s.logger.Sugar().Warnw("Submitted record has no txRef, cannot reconcile", "record", record.ID)
			continue
		}
		s.logger.Sugar().Infow("Re-arming monitor", "record", record.ID, "txRef", record.TxRef)
		s.spawnMonitor(record.ID, common.HexToHash(record.TxRef))
	}
	return nil
}

// WaitForMonitors blocks until all in-flight monitors finish. Used in
// shutdown and tests.
func (s *LedgerSubmitter) WaitForMonitors() {
	s.monitorWg.Wait()
}
