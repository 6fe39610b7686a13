package clients

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/sheikhcoders/SheikhPay/types"
)

var _ ChainClient = (*EVMClient)(nil)

// transferTopic is keccak256("Transfer(address,address,uint256)"), the ERC-20
// Transfer event signature.
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// EVMClient implements ChainClient over a JSON-RPC endpoint via ethclient.
// ERC-20 transfers come from event logs; native coin transfers come from
// block scanning.
type EVMClient struct {
	chain   types.Chain
	rpcURL  string
	client  *ethclient.Client
	chainID *big.Int
	limiter *rate.Limiter

	mu        sync.Mutex
	blockTime map[uint64]time.Time
}

// NewEVMClient dials the RPC endpoint and resolves the chain id. rateLimit
// caps RPC calls per second; zero disables the cap.
func NewEVMClient(chain types.Chain, rpcURL string, rateLimit float64) (*EVMClient, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, adapterErr(chain, "dial", err)
	}

	limit := rate.Inf
	if rateLimit > 0 {
		limit = rate.Limit(rateLimit)
	}

	c := &EVMClient{
		chain:     chain,
		rpcURL:    rpcURL,
		client:    client,
		chainID:   new(big.Int).SetUint64(chain.ChainID()),
		limiter:   rate.NewLimiter(limit, 1),
		blockTime: make(map[uint64]time.Time),
	}
	return c, nil
}

func (c *EVMClient) Chain() types.Chain {
	return c.chain
}

func (c *EVMClient) Close() {
	c.client.Close()
}

func (c *EVMClient) GetBlockHeight(ctx context.Context) (uint64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, adapterErr(c.chain, "block height", err)
	}
	height, err := c.client.BlockNumber(ctx)
	if err != nil {
		return 0, adapterErr(c.chain, "block height", err)
	}
	return height, nil
}

func (c *EVMClient) GetReceipt(ctx context.Context, txHash string) (types.Receipt, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return types.Receipt{}, adapterErr(c.chain, "receipt", err)
	}
	receipt, err := c.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return types.Receipt{Found: false}, nil
		}
		return types.Receipt{}, adapterErr(c.chain, "receipt", err)
	}
	return types.Receipt{
		BlockNumber: receipt.BlockNumber.Uint64(),
		Status:      receipt.Status,
		Found:       true,
	}, nil
}

func (c *EVMClient) GetTransfers(ctx context.Context, address string, asset types.Asset, fromBlock uint64) ([]types.Transfer, error) {
	if asset.Native() {
		return c.nativeTransfers(ctx, address, asset, fromBlock)
	}
	return c.tokenTransfers(ctx, address, asset, fromBlock)
}

// tokenTransfers queries ERC-20 Transfer logs with the recipient as the
// indexed `to` topic.
func (c *EVMClient) tokenTransfers(ctx context.Context, address string, asset types.Asset, fromBlock uint64) ([]types.Transfer, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, adapterErr(c.chain, "filter logs", err)
	}

	recipient := common.HexToAddress(address)
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		Addresses: []common.Address{common.HexToAddress(asset.Contract)},
		Topics: [][]common.Hash{
			{transferTopic},
			nil,
			{common.BytesToHash(recipient.Bytes())},
		},
	}

	logs, err := c.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, adapterErr(c.chain, "filter logs", err)
	}

	transfers := make([]types.Transfer, 0, len(logs))
	for _, lg := range logs {
		transfer, ok := decodeTransferLog(c.chain, asset, lg)
		if !ok {
			continue
		}
		blockTime, err := c.blockTimestamp(ctx, lg.BlockNumber)
		if err != nil {
			return nil, err
		}
		transfer.BlockTime = blockTime
		transfers = append(transfers, transfer)
	}
	return transfers, nil
}

// decodeTransferLog converts an ERC-20 Transfer log into a Transfer, scaling
// the raw uint256 value by the asset's decimals. Removed logs and logs
// missing the indexed from/to topics are dropped. BlockTime is left for the
// caller to fill.
func decodeTransferLog(chain types.Chain, asset types.Asset, lg ethtypes.Log) (types.Transfer, bool) {
	if lg.Removed || len(lg.Topics) < 3 {
		return types.Transfer{}, false
	}
	value := new(big.Int).SetBytes(lg.Data)
	return types.Transfer{
		Chain:       chain,
		TxHash:      lg.TxHash.Hex(),
		LogIndex:    lg.Index,
		From:        common.BytesToAddress(lg.Topics[1].Bytes()).Hex(),
		To:          common.BytesToAddress(lg.Topics[2].Bytes()).Hex(),
		Asset:       asset,
		Amount:      decimal.NewFromBigInt(value, -int32(asset.Decimals)),
		BlockNumber: lg.BlockNumber,
	}, true
}

// nativeTransfers scans full blocks for value transfers to the address.
// Native sends carry no log, so the transaction index stands in for the
// log index in the claim ledger key.
func (c *EVMClient) nativeTransfers(ctx context.Context, address string, asset types.Asset, fromBlock uint64) ([]types.Transfer, error) {
	height, err := c.GetBlockHeight(ctx)
	if err != nil {
		return nil, err
	}
	if fromBlock > height {
		return nil, nil
	}

	signer := ethtypes.LatestSignerForChainID(c.chainID)
	var transfers []types.Transfer
	for number := fromBlock; number <= height; number++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, adapterErr(c.chain, "block scan", err)
		}
		block, err := c.client.BlockByNumber(ctx, new(big.Int).SetUint64(number))
		if err != nil {
			return nil, adapterErr(c.chain, "block scan", err)
		}
		blockTime := time.Unix(int64(block.Time()), 0).UTC()
		c.rememberBlockTime(number, blockTime)

		for index, tx := range block.Transactions() {
			to := tx.To()
			if to == nil || tx.Value().Sign() <= 0 {
				continue
			}
			if !strings.EqualFold(to.Hex(), address) {
				continue
			}
			from := ""
			if sender, err := ethtypes.Sender(signer, tx); err == nil {
				from = sender.Hex()
			}
			transfers = append(transfers, types.Transfer{
				Chain:       c.chain,
				TxHash:      tx.Hash().Hex(),
				LogIndex:    uint(index),
				From:        from,
				To:          to.Hex(),
				Asset:       asset,
				Amount:      decimal.NewFromBigInt(tx.Value(), -int32(asset.Decimals)),
				BlockNumber: number,
				BlockTime:   blockTime,
			})
		}
	}
	return transfers, nil
}

func (c *EVMClient) blockTimestamp(ctx context.Context, number uint64) (time.Time, error) {
	c.mu.Lock()
	if ts, ok := c.blockTime[number]; ok {
		c.mu.Unlock()
		return ts, nil
	}
	c.mu.Unlock()

	if err := c.limiter.Wait(ctx); err != nil {
		return time.Time{}, adapterErr(c.chain, "header", err)
	}
	header, err := c.client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return time.Time{}, adapterErr(c.chain, "header", err)
	}
	ts := time.Unix(int64(header.Time), 0).UTC()
	c.rememberBlockTime(number, ts)
	return ts, nil
}

func (c *EVMClient) rememberBlockTime(number uint64, ts time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.blockTime) > 4096 {
		c.blockTime = make(map[uint64]time.Time)
	}
	c.blockTime[number] = ts
}
