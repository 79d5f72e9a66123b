package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"OpenBounty-Chain/internal/settlement"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// transferTopic is the keccak256 hash of Transfer(address,address,uint256).
var transferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// transferMethodID is the 4-byte selector of transfer(address,uint256).
var transferMethodID = []byte{0xa9, 0x05, 0x9c, 0xbb}

const defaultTransferGasLimit = 100_000

// Config describes how to construct an EVM settlement gateway.
type Config struct {
	Name             string
	RPCURL           string
	TokenAddress     string
	TreasuryAddress  string
	PrivateKey       string
	MinConfirmations uint64
	Notes            string
}

// Client implements settlement.Gateway against an ERC-20 token (USDC) on an
// EVM compatible chain. Deposits are verified by decoding Transfer logs on the
// token contract; payouts and refunds are transfer calls signed with the
// treasury key.
type Client struct {
	name     string
	notes    string
	eth      *ethclient.Client
	rpc      *gethrpc.Client
	token    common.Address
	treasury common.Address
	key      *ecdsa.PrivateKey
	sender   common.Address
	minConf  uint64
	chainID  *big.Int

	// serializes nonce acquisition for outbound transfers
	sendMu sync.Mutex
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use gateway.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	if !common.IsHexAddress(cfg.TokenAddress) {
		return nil, errors.New("USDC 合约地址非法")
	}
	if !common.IsHexAddress(cfg.TreasuryAddress) {
		return nil, errors.New("金库地址非法")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	chainID, err := eth.ChainID(ctx)
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}

	minConf := cfg.MinConfirmations
	if minConf == 0 {
		minConf = 6
	}

	client := &Client{
		name:     cfg.Name,
		notes:    cfg.Notes,
		eth:      eth,
		rpc:      rpcClient,
		token:    common.HexToAddress(cfg.TokenAddress),
		treasury: common.HexToAddress(cfg.TreasuryAddress),
		minConf:  minConf,
		chainID:  chainID,
	}

	if keyHex := strings.TrimSpace(strings.TrimPrefix(cfg.PrivateKey, "0x")); keyHex != "" {
		key, err := crypto.HexToECDSA(keyHex)
		if err != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("解析金库私钥失败: %w", err)
		}
		client.key = key
		client.sender = crypto.PubkeyToAddress(key.PublicKey)
	}
	return client, nil
}

// VerifyDeposit checks that txRef moved at least expectedUnits of the token
// to the treasury address, with enough confirmations.
func (c *Client) VerifyDeposit(ctx context.Context, txRef string, expectedUnits int64) (*settlement.Deposit, error) {
	hash := common.HexToHash(txRef)
	receipt, err := c.eth.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, gethcore.NotFound) {
			return nil, settlement.ErrDepositNotFound
		}
		return nil, fmt.Errorf("查询交易回执失败: %w", err)
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return nil, settlement.ErrDepositRejected
	}

	sender, units, found := c.sumTransfersToTreasury(receipt.Logs)
	if !found {
		return nil, settlement.ErrDepositRejected
	}

	head, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	confirmations := uint64(0)
	if receipt.BlockNumber != nil && head >= receipt.BlockNumber.Uint64() {
		confirmations = head - receipt.BlockNumber.Uint64() + 1
	}
	if confirmations < c.minConf {
		return nil, settlement.ErrNotConfirmed
	}
	if units < expectedUnits {
		return nil, settlement.ErrInsufficientAmount
	}

	return &settlement.Deposit{
		TxRef:         hash.Hex(),
		Sender:        sender.Hex(),
		Units:         units,
		Confirmations: confirmations,
	}, nil
}

// sumTransfersToTreasury aggregates token Transfer logs whose recipient is the
// treasury. The sender of the first matching log is reported for refunds.
func (c *Client) sumTransfersToTreasury(logs []*coretypes.Log) (common.Address, int64, bool) {
	var sender common.Address
	total := new(big.Int)
	found := false
	for _, entry := range logs {
		if entry.Address != c.token || len(entry.Topics) != 3 || entry.Topics[0] != transferTopic {
			continue
		}
		to := common.BytesToAddress(entry.Topics[2].Bytes())
		if to != c.treasury {
			continue
		}
		if !found {
			sender = common.BytesToAddress(entry.Topics[1].Bytes())
			found = true
		}
		total.Add(total, new(big.Int).SetBytes(entry.Data))
	}
	if !found || !total.IsInt64() {
		return common.Address{}, 0, false
	}
	return sender, total.Int64(), true
}

// Send transfers units of the token from the treasury to destination and
// waits for the transaction to be mined.
func (c *Client) Send(ctx context.Context, destination string, units int64) (string, error) {
	if c.key == nil {
		return "", errors.New("未配置金库私钥，无法发起转账")
	}
	if !common.IsHexAddress(destination) {
		return "", fmt.Errorf("收款地址非法: %s", destination)
	}
	if units <= 0 {
		return "", fmt.Errorf("转出金额必须为正数: %d", units)
	}

	c.sendMu.Lock()
	signedTx, err := c.buildTransfer(ctx, common.HexToAddress(destination), units)
	if err != nil {
		c.sendMu.Unlock()
		return "", err
	}
	err = c.eth.SendTransaction(ctx, signedTx)
	c.sendMu.Unlock()
	if err != nil {
		return "", fmt.Errorf("%w: %v", settlement.ErrTransferFailed, err)
	}

	receipt, err := bind.WaitMined(ctx, c.eth, signedTx)
	if err != nil {
		return "", fmt.Errorf("等待交易上链失败: %w", err)
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return "", settlement.ErrTransferFailed
	}
	return signedTx.Hash().Hex(), nil
}

func (c *Client) buildTransfer(ctx context.Context, destination common.Address, units int64) (*coretypes.Transaction, error) {
	nonce, err := c.eth.PendingNonceAt(ctx, c.sender)
	if err != nil {
		return nil, fmt.Errorf("查询 nonce 失败: %w", err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询 gas price 失败: %w", err)
	}

	data := make([]byte, 0, 4+32+32)
	data = append(data, transferMethodID...)
	data = append(data, common.LeftPadBytes(destination.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(new(big.Int).SetInt64(units).Bytes(), 32)...)

	tx := coretypes.NewTransaction(nonce, c.token, big.NewInt(0), defaultTransferGasLimit, gasPrice, data)
	signer := coretypes.LatestSignerForChainID(c.chainID)
	signedTx, err := coretypes.SignTx(tx, signer, c.key)
	if err != nil {
		return nil, fmt.Errorf("签名交易失败: %w", err)
	}
	return signedTx, nil
}

// Close releases network connections held by the gateway.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.rpc != nil {
		c.rpc.Close()
		c.rpc = nil
	}
	return nil
}

var _ settlement.Gateway = (*Client)(nil)
