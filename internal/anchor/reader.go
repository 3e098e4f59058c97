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
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/fraudproof/fraudproof/internal/metrics"
)

// Reader decodes anchored scores back from the ledger. It is read-only and
// safe for concurrent use.
type Reader struct {
	client   EthClient
	contract *Contract
}

// NewReader creates a Reader for the given contract.
func NewReader(client EthClient, contract *Contract) *Reader {
	return &Reader{client: client, contract: contract}
}

// Read returns the FraudLogged event emitted by txHash. A missing receipt,
// a reverted transaction or a receipt without the event all yield nil, nil.
func (r *Reader) Read(ctx context.Context, txHash string) (*ChainEvent, error) {
	hash, err := parseTxHash(txHash)
	if err != nil {
		return nil, err
	}

	receipt, err := r.client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		metrics.ChainReadsTotal.WithLabelValues("absent").Inc()
		return nil, nil
	}
	if err != nil {
		metrics.ChainReadsTotal.WithLabelValues("error").Inc()
		return nil, &TxError{Op: "receipt", TxHash: txHash, Err: fmt.Errorf("%w: %v", ErrRPCConnection, err)}
	}
	if receipt.Status == types.ReceiptStatusFailed {
		metrics.ChainReadsTotal.WithLabelValues("absent").Inc()
		return nil, nil
	}

	var ev *ChainEvent
	for _, lg := range receipt.Logs {
		if decoded, ok := r.contract.decode(lg); ok {
			ev = decoded
			break
		}
	}
	if ev == nil {
		metrics.ChainReadsTotal.WithLabelValues("absent").Inc()
		return nil, nil
	}

	ev.TxHash = hash.Hex()
	ev.GasUsed = receipt.GasUsed
	if receipt.BlockNumber != nil {
		ev.BlockNumber = receipt.BlockNumber.Uint64()
		blockTime, err := r.blockTime(ctx, receipt.BlockNumber)
		if err != nil {
			metrics.ChainReadsTotal.WithLabelValues("error").Inc()
			return nil, &TxError{Op: "header", TxHash: txHash, Err: err}
		}
		ev.BlockTime = blockTime
	}

	metrics.ChainReadsTotal.WithLabelValues("found").Inc()
	return ev, nil
}

// FindByReference scans FraudLogged events for reference from fromBlock to
// the chain head.
func (r *Reader) FindByReference(ctx context.Context, reference string, fromBlock uint64) ([]ChainEvent, error) {
	head, err := r.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get block number: %v", ErrRPCConnection, err)
	}
	if fromBlock > head {
		return nil, nil
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{r.contract.Address()},
		Topics: [][]common.Hash{
			{r.contract.eventID},
			{ReferenceHash(reference)},
		},
	}
	logs, err := r.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to filter logs: %v", ErrRPCConnection, err)
	}

	times := make(map[uint64]time.Time)
	var events []ChainEvent
	for i := range logs {
		ev, ok := r.contract.decode(&logs[i])
		if !ok || ev.Reference != reference {
			continue
		}
		bt, seen := times[ev.BlockNumber]
		if !seen {
			bt, err = r.blockTime(ctx, new(big.Int).SetUint64(ev.BlockNumber))
			if err != nil {
				return nil, err
			}
			times[ev.BlockNumber] = bt
		}
		ev.BlockTime = bt
		events = append(events, *ev)
	}
	return events, nil
}

func (r *Reader) blockTime(ctx context.Context, number *big.Int) (time.Time, error) {
	header, err := r.client.HeaderByNumber(ctx, number)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrRPCConnection, err)
	}
	return time.Unix(int64(header.Time), 0).UTC(), nil // #nosec G115 -- block timestamps fit in int64
}

// IsTxHash reports whether s is a 0x-prefixed 32 byte hex hash.
func IsTxHash(s string) bool {
	_, err := parseTxHash(s)
	return err == nil
}

func parseTxHash(s string) (common.Hash, error) {
	s = strings.TrimSpace(s)
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: %q", ErrInvalidTxHash, s)
	}
	return common.BytesToHash(b), nil
}
