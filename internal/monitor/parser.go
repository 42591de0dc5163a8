// File: internal/monitor/parser.go
package monitor

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jfld/web3-fk/internal/models"
	"github.com/jfld/web3-fk/pkg/utils"
)

const erc20TransferABI = `[{
	"anonymous": false,
	"type": "event",
	"name": "Transfer",
	"inputs": [
		{"indexed": true, "name": "from", "type": "address"},
		{"indexed": true, "name": "to", "type": "address"},
		{"indexed": false, "name": "value", "type": "uint256"}
	]
}]`

// TransferTopic is the topic0 of Transfer(address,address,uint256)
var TransferTopic = utils.EventTopic("Transfer(address,address,uint256)")

// TransferParser decodes ERC-20 Transfer logs of one network
type TransferParser struct {
	network string
	event   abi.Event
	now     func() time.Time
}

// NewTransferParser creates a parser for network
func NewTransferParser(network string) *TransferParser {
	parsed, err := abi.JSON(strings.NewReader(erc20TransferABI))
	if err != nil {
		panic(fmt.Sprintf("invalid transfer abi: %v", err))
	}
	return &TransferParser{
		network: network,
		event:   parsed.Events["Transfer"],
		now:     time.Now,
	}
}

// Query returns the log filter for Transfer events on any contract
func (tp *TransferParser) Query() ethereum.FilterQuery {
	return ethereum.FilterQuery{Topics: [][]common.Hash{{TransferTopic}}}
}

// ParseLog decodes l. ERC-721 transfers share the topic but index the token
// id, so they fail the topic count check.
func (tp *TransferParser) ParseLog(l types.Log) (*models.TokenTransfer, error) {
	if len(l.Topics) == 0 || l.Topics[0] != tp.event.ID {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Not a Transfer log", l.TxHash.Hex())
	}
	if len(l.Topics) != 3 {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Unexpected Transfer topic count",
			fmt.Sprintf("%d topics", len(l.Topics)))
	}

	var nonIndexed abi.Arguments
	for _, input := range tp.event.Inputs {
		if !input.Indexed {
			nonIndexed = append(nonIndexed, input)
		}
	}
	values, err := nonIndexed.Unpack(l.Data)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeValidation, "Failed to unpack Transfer data", err)
	}
	amount, ok := values[0].(*big.Int)
	if !ok {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Transfer value is not uint256", l.TxHash.Hex())
	}

	return &models.TokenTransfer{
		TransactionHash: l.TxHash.Hex(),
		BlockNumber:     l.BlockNumber,
		BlockHash:       l.BlockHash.Hex(),
		LogIndex:        l.Index,
		ContractAddress: topicAddress(l.Address.Bytes()),
		FromAddress:     topicAddress(l.Topics[1].Bytes()),
		ToAddress:       topicAddress(l.Topics[2].Bytes()),
		TokenAmount:     amount,
		Removed:         l.Removed,
		Network:         tp.network,
		ObservedAt:      tp.now().UTC(),
	}, nil
}

func topicAddress(b []byte) string {
	return utils.NormalizeAddress(common.BytesToAddress(b).Hex())
}
