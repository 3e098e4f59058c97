package anchor

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/fraudproof/fraudproof/internal/circuitbreaker"
	"github.com/fraudproof/fraudproof/internal/metrics"
	"github.com/fraudproof/fraudproof/internal/retry"
	"github.com/fraudproof/fraudproof/internal/syncutil"
	"github.com/fraudproof/fraudproof/internal/traces"
)

// nonceRetryDelay is the backoff before resending with a fresh nonce.
const nonceRetryDelay = 250 * time.Millisecond

// WriterConfig configures a Writer.
type WriterConfig struct {
	PrivateKey     string // hex, with or without 0x
	ChainID        int64
	GasLimit       uint64
	ConfirmTimeout time.Duration
}

// Option configures a Writer.
type Option func(*Writer)

// WithLogger sets the writer's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Writer) { w.logger = logger }
}

// WithBreaker guards RPC use with a circuit breaker keyed by breakerKey.
func WithBreaker(b *circuitbreaker.Breaker, breakerKey string) Option {
	return func(w *Writer) {
		w.breaker = b
		w.breakerKey = breakerKey
	}
}

// WithPollInterval overrides the receipt poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(w *Writer) { w.pollInterval = d }
}

// Writer anchors scores by calling logFraud on the ledger contract.
type Writer struct {
	client         EthClient
	contract       *Contract
	privateKey     *ecdsa.PrivateKey
	address        common.Address
	chainID        *big.Int
	gasLimit       uint64
	confirmTimeout time.Duration
	pollInterval   time.Duration
	locks          *syncutil.KeyedMutex
	breaker        *circuitbreaker.Breaker
	breakerKey     string
	logger         *slog.Logger
}

// NewWriter creates a Writer that signs with cfg.PrivateKey.
func NewWriter(client EthClient, contract *Contract, cfg WriterConfig, opts ...Option) (*Writer, error) {
	key, err := ParsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	if cfg.ChainID <= 0 {
		return nil, fmt.Errorf("anchor: chain ID required")
	}
	if client == nil || contract == nil {
		return nil, fmt.Errorf("anchor: client and contract required")
	}

	w := &Writer{
		client:         client,
		contract:       contract,
		privateKey:     key,
		address:        crypto.PubkeyToAddress(key.PublicKey),
		chainID:        big.NewInt(cfg.ChainID),
		gasLimit:       cfg.GasLimit,
		confirmTimeout: cfg.ConfirmTimeout,
		pollInterval:   ConfirmationPollInterval,
		locks:          new(syncutil.KeyedMutex),
		logger:         slog.Default(),
	}
	if w.gasLimit == 0 {
		w.gasLimit = DefaultGasLimit
	}
	if w.confirmTimeout <= 0 {
		w.confirmTimeout = DefaultConfirmTimeout
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// ParsePrivateKey decodes a 64 hex character secp256k1 key.
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if len(key) != 64 {
		return nil, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	pk, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return pk, nil
}

// Address returns the signing account.
func (w *Writer) Address() string {
	return w.address.Hex()
}

// Write submits the score and blocks until it is confirmed or the
// confirmation timeout elapses.
func (w *Writer) Write(ctx context.Context, score int, modelVersion, reference string) (*WriteResult, error) {
	sub, err := w.Submit(ctx, score, modelVersion, reference)
	if err != nil {
		return nil, err
	}
	return w.Confirm(ctx, sub.TxHash)
}

// Submit signs and sends a logFraud transaction. The fetch-nonce, sign and
// send sequence holds the signing address lock; a nonce conflict is retried
// once with a freshly fetched nonce.
func (w *Writer) Submit(ctx context.Context, score int, modelVersion, reference string) (*WriteResult, error) {
	ctx, span := traces.StartSpan(ctx, "anchor.Submit", traces.Reference(reference), traces.Score(score))
	defer span.End()

	if w.breaker != nil && !w.breaker.Allow(w.breakerKey) {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnavailable, w.breakerKey, circuitbreaker.ErrOpen)
	}

	data, err := w.contract.packLogFraud(score, modelVersion, reference)
	if err != nil {
		return nil, &TxError{Op: "pack", Err: err}
	}

	unlock, err := w.locks.LockContext(ctx, w.address.Hex())
	if err != nil {
		return nil, &TxError{Op: "lock", Err: err}
	}
	defer unlock()

	var result *WriteResult
	policy := retry.Policy{
		Attempts:  2,
		BaseDelay: nonceRetryDelay,
		Retryable: func(err error) bool { return errors.Is(err, ErrNonceConflict) },
	}
	err = policy.Do(ctx, func(attempt int) error {
		if attempt > 0 {
			metrics.NonceRetriesTotal.Inc()
			w.logger.Warn("retrying anchor with fresh nonce", "reference", reference)
		}
		res, err := w.send(ctx, data)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	w.record(err)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(traces.TxHash(result.TxHash))
	w.logger.Info("anchor submitted", "reference", reference, "tx", result.TxHash, "nonce", result.Nonce)
	return result, nil
}

func (w *Writer) send(ctx context.Context, data []byte) (*WriteResult, error) {
	nonce, err := w.client.PendingNonceAt(ctx, w.address)
	if err != nil {
		return nil, &TxError{Op: "nonce", Err: fmt.Errorf("%w: %v", ErrRPCConnection, err)}
	}

	gasPrice, err := w.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &TxError{Op: "gas_price", Err: fmt.Errorf("%w: %v", ErrRPCConnection, err)}
	}

	to := w.contract.Address()
	gasLimit, err := w.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  w.address,
		To:    &to,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil || gasLimit == 0 {
		gasLimit = w.gasLimit
	}

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(w.chainID), w.privateKey)
	if err != nil {
		return nil, &TxError{Op: "sign", Err: err}
	}

	hash := signed.Hash().Hex()
	if err := w.client.SendTransaction(ctx, signed); err != nil {
		if isNonceConflict(err) {
			return nil, &TxError{Op: "send", TxHash: hash, Err: fmt.Errorf("%w: %v", ErrNonceConflict, err)}
		}
		return nil, &TxError{Op: "send", TxHash: hash, Err: fmt.Errorf("%w: %v", ErrRPCConnection, err)}
	}

	return &WriteResult{TxHash: hash, Nonce: nonce}, nil
}

// Confirm polls for the receipt of txHash until it is mined, reverted or
// the confirmation timeout elapses. It never resubmits.
func (w *Writer) Confirm(ctx context.Context, txHash string) (*WriteResult, error) {
	ctx, cancel := context.WithTimeout(ctx, w.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		res, err := w.CheckReceipt(ctx, txHash)
		switch {
		case errors.Is(err, ErrReverted), errors.Is(err, ErrInvalidTxHash):
			return nil, err
		case err != nil:
			w.logger.Debug("receipt check failed, will retry", "tx", txHash, "error", err)
		case res != nil:
			return res, nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, &TxError{Op: "confirm", TxHash: txHash, Err: ErrTimeout}
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// CheckReceipt looks up the receipt once. It returns nil, nil while the
// transaction is not yet mined.
func (w *Writer) CheckReceipt(ctx context.Context, txHash string) (*WriteResult, error) {
	hash, err := parseTxHash(txHash)
	if err != nil {
		return nil, err
	}
	receipt, err := w.client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &TxError{Op: "receipt", TxHash: txHash, Err: fmt.Errorf("%w: %v", ErrRPCConnection, err)}
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return nil, &TxError{Op: "confirm", TxHash: txHash, Err: ErrReverted}
	}

	res := &WriteResult{TxHash: txHash, GasUsed: receipt.GasUsed}
	if receipt.BlockNumber != nil {
		res.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return res, nil
}

func (w *Writer) record(err error) {
	if w.breaker == nil {
		return
	}
	if err == nil || !errors.Is(err, ErrRPCConnection) {
		w.breaker.RecordSuccess(w.breakerKey)
		return
	}
	w.breaker.RecordFailure(w.breakerKey)
}

var nonceConflictMessages = []string{
	"nonce too low",
	"already known",
	"replacement transaction underpriced",
	"known transaction",
}

func isNonceConflict(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, m := range nonceConflictMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
