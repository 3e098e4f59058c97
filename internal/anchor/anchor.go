// Package anchor records fraud scores on an EVM ledger and reads them back.
//
// Writer builds, signs, submits and confirms logFraud transactions, serialising
// nonce use per signing address. Reader decodes FraudLogged events from a
// receipt. Dispatcher moves the confirmation wait off the request path and
// Reconciler finishes anchors that were submitted but never confirmed.
package anchor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/fraudproof/fraudproof/internal/traces"
)

var (
	ErrInvalidPrivateKey = errors.New("anchor: invalid private key")
	ErrInvalidAddress    = errors.New("anchor: invalid contract address")
	ErrInvalidTxHash     = errors.New("anchor: invalid transaction hash")
	ErrRPCConnection     = errors.New("anchor: RPC connection failed")
	ErrTimeout           = errors.New("anchor: confirmation timed out")
	ErrReverted          = errors.New("anchor: transaction reverted")
	ErrNonceConflict     = errors.New("anchor: nonce conflict")
	ErrUnavailable       = errors.New("anchor: anchoring unavailable")
	ErrQueueFull         = errors.New("anchor: queue full")
)

// TxError wraps ledger failures with the operation and transaction hash.
type TxError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *TxError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("anchor: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("anchor: %s failed: %v", e.Op, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

var _ EthClient = (*ethclient.Client)(nil)

// Dial connects to a JSON-RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (EthClient, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	var opts []rpc.ClientOption
	if strings.HasPrefix(rpcURL, "http://") || strings.HasPrefix(rpcURL, "https://") {
		opts = append(opts, rpc.WithHTTPClient(traces.HTTPClient()))
	}
	rc, err := rpc.DialOptions(ctx, rpcURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
	}
	return ethclient.NewClient(rc), nil
}

const (
	// DefaultGasLimit is used when gas estimation fails.
	DefaultGasLimit = uint64(2_000_000)

	// DefaultConfirmTimeout bounds the wait for a receipt.
	DefaultConfirmTimeout = 2 * time.Minute

	// ConfirmationPollInterval between receipt checks.
	ConfirmationPollInterval = 2 * time.Second
)

// ChainEvent is a FraudLogged event decoded from a confirmed transaction.
type ChainEvent struct {
	TxHash        string    `json:"txHash"`
	Contract      string    `json:"contract"`
	Reporter      string    `json:"reporter"`
	Reference     string    `json:"referenceId"`
	ReferenceHash string    `json:"referenceHash"`
	Score         int       `json:"fraudScore"`
	ModelVersion  string    `json:"modelVersion"`
	BlockNumber   uint64    `json:"blockNumber"`
	BlockTime     time.Time `json:"blockTime"`
	GasUsed       uint64    `json:"gasUsed"`
}

// WriteResult describes a submitted, and possibly confirmed, transaction.
type WriteResult struct {
	TxHash      string `json:"txHash"`
	Nonce       uint64 `json:"nonce"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
	GasUsed     uint64 `json:"gasUsed,omitempty"`
}
