package anchor

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const ledgerABI = `[
	{"inputs":[{"name":"fraudScore","type":"uint256"},{"name":"modelVersion","type":"string"},{"name":"referenceId","type":"string"}],"name":"logFraud","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"referenceHash","type":"bytes32"},{"indexed":true,"name":"reporter","type":"address"},{"indexed":false,"name":"fraudScore","type":"uint256"},{"indexed":false,"name":"modelVersion","type":"string"},{"indexed":false,"name":"referenceId","type":"string"}],"name":"FraudLogged","type":"event"}
]`

const (
	methodLogFraud   = "logFraud"
	eventFraudLogged = "FraudLogged"
)

// Contract binds the fraud ledger ABI to a deployed address.
type Contract struct {
	address common.Address
	abi     abi.ABI
	eventID common.Hash
}

// NewContract parses the ledger ABI for the contract at address.
func NewContract(address string) (*Contract, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	parsed, err := abi.JSON(strings.NewReader(ledgerABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ledger ABI: %w", err)
	}
	return &Contract{
		address: common.HexToAddress(address),
		abi:     parsed,
		eventID: parsed.Events[eventFraudLogged].ID,
	}, nil
}

// Address returns the contract address.
func (c *Contract) Address() common.Address { return c.address }

// ReferenceHash is the indexed topic under which a reference is logged.
func ReferenceHash(reference string) common.Hash {
	return crypto.Keccak256Hash([]byte(reference))
}

func (c *Contract) packLogFraud(score int, modelVersion, reference string) ([]byte, error) {
	if score < 0 {
		return nil, fmt.Errorf("negative score %d", score)
	}
	return c.abi.Pack(methodLogFraud, big.NewInt(int64(score)), modelVersion, reference)
}

// decode returns the FraudLogged event carried by lg, if any.
func (c *Contract) decode(lg *types.Log) (*ChainEvent, bool) {
	if lg == nil || lg.Address != c.address || len(lg.Topics) < 3 || lg.Topics[0] != c.eventID {
		return nil, false
	}
	values, err := c.abi.Unpack(eventFraudLogged, lg.Data)
	if err != nil || len(values) != 3 {
		return nil, false
	}
	score, ok1 := values[0].(*big.Int)
	version, ok2 := values[1].(string)
	reference, ok3 := values[2].(string)
	if !ok1 || !ok2 || !ok3 || !score.IsInt64() {
		return nil, false
	}
	return &ChainEvent{
		TxHash:        lg.TxHash.Hex(),
		Contract:      lg.Address.Hex(),
		Reporter:      common.BytesToAddress(lg.Topics[2].Bytes()).Hex(),
		Reference:     reference,
		ReferenceHash: lg.Topics[1].Hex(),
		Score:         int(score.Int64()),
		ModelVersion:  version,
		BlockNumber:   lg.BlockNumber,
	}, true
}
