package clients

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheikhcoders/SheikhPay/types"
)

var (
	testFrom = common.HexToAddress("0x8Ba1f109551bD432803012645Ac136ddd64DBA72")
	testTo   = common.HexToAddress("0x742d35Cc6634C0532925a3b8D098f69DB22B6b8B")
	testUSDC = types.Asset{
		Symbol:   "USDC",
		Contract: "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
		Decimals: 6,
	}
)

func transferLog(value *big.Int) ethtypes.Log {
	return ethtypes.Log{
		Address: common.HexToAddress(testUSDC.Contract),
		Topics: []common.Hash{
			transferTopic,
			common.BytesToHash(testFrom.Bytes()),
			common.BytesToHash(testTo.Bytes()),
		},
		Data:        common.LeftPadBytes(value.Bytes(), 32),
		BlockNumber: 4512,
		TxHash:      common.HexToHash("0xabc1"),
		Index:       7,
	}
}

func TestTransferTopicSignature(t *testing.T) {
	// keccak256("Transfer(address,address,uint256)")
	assert.Equal(t,
		common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"),
		transferTopic,
	)
}

func TestDecodeTransferLog(t *testing.T) {
	transfer, ok := decodeTransferLog(types.ChainPolygon, testUSDC, transferLog(big.NewInt(100030009)))
	require.True(t, ok)

	assert.Equal(t, types.ChainPolygon, transfer.Chain)
	assert.Equal(t, "100.030009", transfer.Amount.String())
	assert.Equal(t, testFrom.Hex(), transfer.From)
	assert.Equal(t, testTo.Hex(), transfer.To)
	assert.Equal(t, testUSDC, transfer.Asset)
	assert.Equal(t, uint64(4512), transfer.BlockNumber)
	assert.Equal(t, uint(7), transfer.LogIndex)
	assert.True(t, transfer.BlockTime.IsZero())
}

func TestDecodeTransferLogScalesByDecimals(t *testing.T) {
	weth := types.Asset{Symbol: "WETH", Contract: "0x7ceB23fD6bC0adD59E62ac25578270cFf1b9f619", Decimals: 18}
	value, _ := new(big.Int).SetString("50000000000000000", 10)

	transfer, ok := decodeTransferLog(types.ChainPolygon, weth, transferLog(value))
	require.True(t, ok)
	assert.Equal(t, "0.05", transfer.Amount.String())
}

func TestDecodeTransferLogSkipsRemoved(t *testing.T) {
	lg := transferLog(big.NewInt(100))
	lg.Removed = true

	_, ok := decodeTransferLog(types.ChainPolygon, testUSDC, lg)
	assert.False(t, ok)
}

func TestDecodeTransferLogSkipsMissingTopics(t *testing.T) {
	lg := transferLog(big.NewInt(100))
	lg.Topics = lg.Topics[:2]

	_, ok := decodeTransferLog(types.ChainPolygon, testUSDC, lg)
	assert.False(t, ok)
}
