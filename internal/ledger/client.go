// Package ledger is the adapter over the CraftAnchor contract. It exposes
// exactly two operations, anchor(bytes32,string) and isAnchored(bytes32),
// and classifies failures so the batcher can apply the retry policy.
package ledger

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/masterip/craftanchor/internal/config"
)

// Minimal ABI for CraftAnchor (anchor + isAnchored view).
const craftAnchorABI = `[
  {
    "inputs":[{"internalType":"bytes32","name":"h","type":"bytes32"},{"internalType":"string","name":"publicId","type":"string"}],
    "name":"anchor",
    "outputs":[],
    "stateMutability":"nonpayable",
    "type":"function"
  },
  {
    "inputs":[{"internalType":"bytes32","name":"h","type":"bytes32"}],
    "name":"isAnchored",
    "outputs":[{"internalType":"bool","name":"","type":"bool"},{"internalType":"uint256","name":"","type":"uint256"}],
    "stateMutability":"view",
    "type":"function"
  }
]`

const receiptPollInterval = 2 * time.Second

// Ledger is the contract surface the pipeline relies on.
type Ledger interface {
	// Anchor broadcasts anchor(hash, publicId) and, when waitForReceipt is
	// set, blocks until the transaction is mined or the receipt window
	// elapses. Returns the transaction hash.
	Anchor(ctx context.Context, hashHex, publicID string, waitForReceipt bool) (string, error)
	// IsAnchored reports whether the exact 32-byte key is recorded and the
	// unix timestamp of its first anchoring.
	IsAnchored(ctx context.Context, hashHex string) (bool, uint64, error)
}

// Client talks to the contract through a JSON-RPC endpoint.
type Client struct {
	eth            *ethclient.Client
	abi            abi.ABI
	contract       common.Address
	key            *ecdsa.PrivateKey
	from           common.Address
	chainID        *big.Int
	gasLimit       uint64
	receiptTimeout time.Duration
}

// NewClient dials the RPC endpoint and loads the anchorer key. Missing or
// unreadable key material aborts startup; the error never includes the
// material itself.
func NewClient(ctx context.Context, cfg config.Web3Config) (*Client, error) {
	if cfg.RPCURL == "" || cfg.ContractAddress == "" || cfg.PrivateKey == "" {
		return nil, invalidInput("new", errors.New("rpc url, contract address, and anchorer key are required"))
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, invalidInput("new", errors.New("contract address is not a hex address"))
	}

	key, err := loadAnchorerKey(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}

	parsed, err := abi.JSON(strings.NewReader(craftAnchorABI))
	if err != nil {
		return nil, invalidInput("new", err)
	}

	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, transport("dial", err)
	}

	gasLimit := cfg.GasLimit
	if gasLimit == 0 {
		gasLimit = 200000
	}
	receiptTimeout := cfg.ReceiptTimeout
	if receiptTimeout <= 0 {
		receiptTimeout = 120 * time.Second
	}

	return &Client{
		eth:            eth,
		abi:            parsed,
		contract:       common.HexToAddress(cfg.ContractAddress),
		key:            key,
		from:           crypto.PubkeyToAddress(key.PublicKey),
		chainID:        big.NewInt(cfg.ChainID),
		gasLimit:       gasLimit,
		receiptTimeout: receiptTimeout,
	}, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	if c.eth != nil {
		c.eth.Close()
	}
}

// Anchor sends anchor(hash, publicId) and returns the transaction hash hex.
func (c *Client) Anchor(ctx context.Context, hashHex, publicID string, waitForReceipt bool) (string, error) {
	h, err := ToHash32(hashHex)
	if err != nil {
		return "", err
	}

	data, err := c.abi.Pack("anchor", h, publicID)
	if err != nil {
		return "", invalidInput("anchor", err)
	}

	// Latest account nonce per call: single-writer assumption. Parallel
	// senders on the same account need a local nonce cache instead.
	nonce, err := c.eth.PendingNonceAt(ctx, c.from)
	if err != nil {
		return "", transport("anchor: nonce", err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return "", transport("anchor: gas price", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &c.contract,
		Gas:      c.gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return "", invalidInput("anchor: sign", err)
	}

	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return "", transport("anchor: send", err)
	}
	txHash := signed.Hash()

	if !waitForReceipt {
		return txHash.Hex(), nil
	}
	if err := c.waitMined(ctx, txHash); err != nil {
		return "", err
	}
	return txHash.Hex(), nil
}

// waitMined polls for the receipt at a fixed interval until it is found,
// reverted, or the receipt window elapses.
func (c *Client) waitMined(ctx context.Context, txHash common.Hash) error {
	deadline := time.Now().Add(c.receiptTimeout)
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.eth.TransactionReceipt(ctx, txHash)
		switch {
		case err == nil:
			if receipt.Status == types.ReceiptStatusFailed {
				return &Error{Kind: KindTxRejected, Op: "anchor", Err: fmt.Errorf("tx %s reverted", txHash.Hex())}
			}
			return nil
		case errors.Is(err, ethereum.NotFound):
			// not mined yet
		default:
			return transport("anchor: receipt", err)
		}

		if time.Now().After(deadline) {
			return &Error{Kind: KindReceiptTimeout, Op: "anchor", Err: fmt.Errorf("tx %s not mined within %s", txHash.Hex(), c.receiptTimeout)}
		}
		select {
		case <-ctx.Done():
			return transport("anchor: receipt", ctx.Err())
		case <-ticker.C:
		}
	}
}

// IsAnchored performs the view call.
func (c *Client) IsAnchored(ctx context.Context, hashHex string) (bool, uint64, error) {
	h, err := ToHash32(hashHex)
	if err != nil {
		return false, 0, err
	}

	data, err := c.abi.Pack("isAnchored", h)
	if err != nil {
		return false, 0, invalidInput("isAnchored", err)
	}

	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return false, 0, transport("isAnchored", err)
	}

	vals, err := c.abi.Unpack("isAnchored", out)
	if err != nil || len(vals) != 2 {
		return false, 0, transport("isAnchored: unpack", err)
	}
	anchored, ok1 := vals[0].(bool)
	ts, ok2 := vals[1].(*big.Int)
	if !ok1 || !ok2 {
		return false, 0, transport("isAnchored: unpack", errors.New("unexpected return types"))
	}
	return anchored, ts.Uint64(), nil
}

// ToHash32 converts a 64-hex string (with or without 0x) into a bytes32
// value, left-padding short input. Anything longer than 64 nibbles or
// non-hex is rejected.
func ToHash32(hashHex string) ([32]byte, error) {
	var h [32]byte
	s := strings.TrimPrefix(strings.TrimSpace(hashHex), "0x")
	if s == "" {
		return h, invalidInput("hash", errors.New("empty hash"))
	}
	if len(s) > 64 {
		return h, invalidInput("hash", fmt.Errorf("hash too long: %d nibbles", len(s)))
	}
	if len(s) < 64 {
		s = strings.Repeat("0", 64-len(s)) + s
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, invalidInput("hash", err)
	}
	copy(h[:], raw)
	return h, nil
}

// loadAnchorerKey accepts raw hex key material or a path to a file holding
// it. Failure messages never echo the input.
func loadAnchorerKey(material string) (*ecdsa.PrivateKey, error) {
	s := strings.TrimSpace(material)
	if info, err := os.Stat(s); err == nil && !info.IsDir() {
		raw, err := os.ReadFile(s)
		if err != nil {
			return nil, invalidInput("key", errors.New("anchorer key file unreadable"))
		}
		s = strings.TrimSpace(string(raw))
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, invalidInput("key", errors.New("anchorer key material is not valid hex"))
	}
	return key, nil
}

// Compile-time check to ensure Client implements Ledger.
var _ Ledger = (*Client)(nil)
