package anchor

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

const (
	testChainID   = int64(11155111)
	testContract  = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	testBlockTime = uint64(1_700_000_000)
	testGasUsed   = uint64(48_213)
)

// fakeChain is an in-memory ledger implementing EthClient. Sent
// transactions are checked for nonce reuse and, when mine is set, mined
// immediately with a FraudLogged log decoded from the calldata.
type fakeChain struct {
	mu       sync.Mutex
	contract *Contract
	signer   types.Signer

	nonce      uint64
	used       map[uint64]bool
	sent       []*types.Transaction
	receipts   map[common.Hash]*types.Receipt
	block      uint64
	mine       bool
	revert     bool
	stale      []uint64 // nonces handed out before the real one
	sendErrs   []error  // returned by SendTransaction before normal processing
	nonceErr   error
	receiptErr error
	headerErr  error
}

func newFakeChain(t *testing.T) *fakeChain {
	t.Helper()
	c, err := NewContract(testContract)
	require.NoError(t, err)
	return &fakeChain{
		contract: c,
		signer:   types.NewEIP155Signer(big.NewInt(testChainID)),
		used:     make(map[uint64]bool),
		receipts: make(map[common.Hash]*types.Receipt),
		block:    100,
		mine:     true,
	}
}

func (f *fakeChain) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nonceErr != nil {
		return 0, f.nonceErr
	}
	if len(f.stale) > 0 {
		n := f.stale[0]
		f.stale = f.stale[1:]
		return n, nil
	}
	return f.nonce, nil
}

func (f *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeChain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 0, errors.New("execution reverted: estimation unsupported")
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		return err
	}
	if f.used[tx.Nonce()] {
		return fmt.Errorf("nonce too low: next nonce %d, tx nonce %d", f.nonce, tx.Nonce())
	}
	f.used[tx.Nonce()] = true
	if tx.Nonce() >= f.nonce {
		f.nonce = tx.Nonce() + 1
	}
	f.sent = append(f.sent, tx)

	if f.mine {
		f.mineLocked(tx)
	}
	return nil
}

func (f *fakeChain) mineLocked(tx *types.Transaction) {
	f.block++
	receipt := &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(f.block),
		GasUsed:     testGasUsed,
	}
	if f.revert {
		receipt.Status = types.ReceiptStatusFailed
		f.receipts[tx.Hash()] = receipt
		return
	}

	from, err := types.Sender(f.signer, tx)
	if err != nil {
		panic(err)
	}
	args, err := f.contract.abi.Methods[methodLogFraud].Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		panic(err)
	}
	lg := fraudLoggedLog(f.contract, from, args[0].(*big.Int).Int64(), args[1].(string), args[2].(string))
	lg.TxHash = tx.Hash()
	lg.BlockNumber = f.block
	receipt.Logs = []*types.Log{lg}
	f.receipts[tx.Hash()] = receipt
}

func (f *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	r, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeChain) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	if f.headerErr != nil {
		return nil, f.headerErr
	}
	return &types.Header{Number: number, Time: testBlockTime + number.Uint64()}, nil
}

func (f *fakeChain) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Log
	for _, r := range f.receipts {
		for _, lg := range r.Logs {
			if len(q.Topics) > 1 && len(q.Topics[1]) > 0 && lg.Topics[1] != q.Topics[1][0] {
				continue
			}
			out = append(out, *lg)
		}
	}
	return out, nil
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.block, nil
}

func (f *fakeChain) Close() {}

// addReceipt mines a synthetic receipt carrying logs.
func (f *fakeChain) addReceipt(hash common.Hash, status uint64, logs ...*types.Log) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block++
	for _, lg := range logs {
		lg.TxHash = hash
		lg.BlockNumber = f.block
	}
	f.receipts[hash] = &types.Receipt{
		Status:      status,
		TxHash:      hash,
		BlockNumber: new(big.Int).SetUint64(f.block),
		GasUsed:     testGasUsed,
		Logs:        logs,
	}
}

// mineSent mines every sent transaction that has no receipt yet.
func (f *fakeChain) mineSent() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tx := range f.sent {
		if _, ok := f.receipts[tx.Hash()]; !ok {
			f.mineLocked(tx)
		}
	}
}

func (f *fakeChain) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func fraudLoggedLog(c *Contract, reporter common.Address, score int64, version, reference string) *types.Log {
	data, err := c.abi.Events[eventFraudLogged].Inputs.NonIndexed().Pack(big.NewInt(score), version, reference)
	if err != nil {
		panic(err)
	}
	return &types.Log{
		Address: c.Address(),
		Topics: []common.Hash{
			c.eventID,
			ReferenceHash(reference),
			common.BytesToHash(reporter.Bytes()),
		},
		Data: data,
	}
}

func testKey(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key, hex.EncodeToString(crypto.FromECDSA(key))
}
