package anchor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReader_RoundTrip(t *testing.T) {
	chain := newFakeChain(t)
	w := newTestWriter(t, chain)
	r := NewReader(chain, chain.contract)
	ctx := context.Background()

	res, err := w.Write(ctx, 87, "vehicle-rf-2024.1", "veh_42")
	require.NoError(t, err)

	ev, err := r.Read(ctx, res.TxHash)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, res.TxHash, ev.TxHash)
	assert.Equal(t, 87, ev.Score)
	assert.Equal(t, "vehicle-rf-2024.1", ev.ModelVersion)
	assert.Equal(t, "veh_42", ev.Reference)
	assert.Equal(t, ReferenceHash("veh_42").Hex(), ev.ReferenceHash)
	assert.Equal(t, w.Address(), ev.Reporter)
	assert.Equal(t, chain.contract.Address().Hex(), ev.Contract)
	assert.Equal(t, res.BlockNumber, ev.BlockNumber)
	assert.Equal(t, testGasUsed, ev.GasUsed)
	assert.Equal(t, time.Unix(int64(testBlockTime+res.BlockNumber), 0).UTC(), ev.BlockTime)

	again, err := r.Read(ctx, res.TxHash)
	require.NoError(t, err)
	assert.Equal(t, ev, again)
}

func TestReader_UnknownTransactionIsAbsent(t *testing.T) {
	chain := newFakeChain(t)
	r := NewReader(chain, chain.contract)

	ev, err := r.Read(context.Background(), crypto.Keccak256Hash([]byte("never submitted")).Hex())
	assert.NoError(t, err)
	assert.Nil(t, ev)
}

func TestReader_RevertedIsAbsent(t *testing.T) {
	chain := newFakeChain(t)
	hash := common.HexToHash("0x01")
	chain.addReceipt(hash, types.ReceiptStatusFailed)

	ev, err := NewReader(chain, chain.contract).Read(context.Background(), hash.Hex())
	assert.NoError(t, err)
	assert.Nil(t, ev)
}

func TestReader_IgnoresForeignLogs(t *testing.T) {
	chain := newFakeChain(t)
	other, err := NewContract("0x000000000000000000000000000000000000dEaD")
	require.NoError(t, err)

	hash := common.HexToHash("0x02")
	chain.addReceipt(hash, types.ReceiptStatusSuccessful,
		fraudLoggedLog(other, common.HexToAddress("0x01"), 50, "v", "ref"),
		&types.Log{Address: chain.contract.Address(), Topics: []common.Hash{common.HexToHash("0xbeef")}},
	)

	ev, err := NewReader(chain, chain.contract).Read(context.Background(), hash.Hex())
	assert.NoError(t, err)
	assert.Nil(t, ev)
}

func TestReader_Errors(t *testing.T) {
	chain := newFakeChain(t)
	r := NewReader(chain, chain.contract)
	ctx := context.Background()

	for _, bad := range []string{"", "abc", "0x1234", "0xzz"} {
		_, err := r.Read(ctx, bad)
		assert.ErrorIs(t, err, ErrInvalidTxHash, bad)
	}

	chain.receiptErr = errors.New("rpc down")
	_, err := r.Read(ctx, common.HexToHash("0x03").Hex())
	assert.ErrorIs(t, err, ErrRPCConnection)
	chain.receiptErr = nil

	hash := common.HexToHash("0x04")
	chain.addReceipt(hash, types.ReceiptStatusSuccessful,
		fraudLoggedLog(chain.contract, common.HexToAddress("0x01"), 50, "v", "ref"))
	chain.headerErr = errors.New("header unavailable")
	_, err = r.Read(ctx, hash.Hex())
	var txErr *TxError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, "header", txErr.Op)
}

func TestReader_FindByReference(t *testing.T) {
	chain := newFakeChain(t)
	w := newTestWriter(t, chain)
	r := NewReader(chain, chain.contract)
	ctx := context.Background()

	_, err := w.Write(ctx, 91, "eth-v2", "wallet-1")
	require.NoError(t, err)
	_, err = w.Write(ctx, 55, "eth-v2", "wallet-2")
	require.NoError(t, err)

	events, err := r.FindByReference(ctx, "wallet-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 91, events[0].Score)
	assert.False(t, events[0].BlockTime.IsZero())

	events, err = r.FindByReference(ctx, "wallet-1", 10_000)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestNewContract_InvalidAddress(t *testing.T) {
	_, err := NewContract("not-an-address")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestIsTxHash(t *testing.T) {
	assert.True(t, IsTxHash(common.HexToHash("0xabc").Hex()))
	assert.False(t, IsTxHash("pending"))
	assert.False(t, IsTxHash(""))
}
