// Package escrow releases escrowed tokens to buyers through the marketplace escrow contract.
package escrow

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"sync"
	"time"

	core "github.com/DomeLiquid/escrowmarket"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/facebookgo/clock"
	"github.com/pkg/errors"
)

var _ core.EscrowReleaser = (*EVMReleaser)(nil)

const releaseMethod = "releaseToBuyer"

// escrowABI covers the only state-changing call settlement makes on-chain.
const escrowABI = `[{"type":"function","name":"releaseToBuyer","stateMutability":"nonpayable","inputs":[{"name":"listingId","type":"uint256"},{"name":"buyer","type":"address"}],"outputs":[]}]`

const (
	defaultPollInterval = 2 * time.Second
	gasHeadroomPercent  = 20
)

var ErrReverted = errors.New("escrow release reverted")

// EVMClient is the subset of the Ethereum RPC the releaser needs; *ethclient.Client satisfies it.
type EVMClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

type EVMReleaser struct {
	clk      clock.Clock
	client   EVMClient
	contract common.Address
	key      *ecdsa.PrivateKey
	from     common.Address
	abi      abi.ABI

	pollInterval time.Duration

	nonceMu   sync.Mutex
	nextNonce uint64
}

func Dial(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, errors.New("escrow rpc endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// NewEVMReleaser builds a releaser signing with the hex-encoded admin key.
func NewEVMReleaser(clk clock.Clock, client EVMClient, contractAddress, adminKeyHex string) (*EVMReleaser, error) {
	if !common.IsHexAddress(contractAddress) {
		return nil, errors.Errorf("invalid escrow contract address %q", contractAddress)
	}
	key, err := gethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(adminKeyHex), "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "parse escrow admin key")
	}
	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, errors.Wrap(err, "parse escrow abi")
	}
	return &EVMReleaser{
		clk:          clk,
		client:       client,
		contract:     common.HexToAddress(contractAddress),
		key:          key,
		from:         gethcrypto.PubkeyToAddress(key.PublicKey),
		abi:          parsed,
		pollInterval: defaultPollInterval,
	}, nil
}

// From is the admin account paying for release transactions.
func (r *EVMReleaser) From() common.Address {
	return r.from
}

// Release sends releaseToBuyer(listingId, buyer) and waits for a successful receipt. When the
// transaction was broadcast but its receipt never arrived, the hash is returned with the error.
func (r *EVMReleaser) Release(ctx context.Context, listingId, buyerAddress string) (string, error) {
	id, ok := new(big.Int).SetString(strings.TrimSpace(listingId), 10)
	if !ok || id.Sign() < 0 {
		return "", errors.Errorf("listing id %q is not a uint256", listingId)
	}
	if !common.IsHexAddress(buyerAddress) {
		return "", errors.Errorf("invalid buyer address %q", buyerAddress)
	}
	data, err := r.abi.Pack(releaseMethod, id, common.HexToAddress(buyerAddress))
	if err != nil {
		return "", errors.Wrap(err, "pack release call")
	}

	signed, err := r.send(ctx, data)
	if err != nil {
		return "", err
	}
	hash := signed.Hash().Hex()

	receipt, err := r.waitMined(ctx, signed.Hash())
	if err != nil {
		return hash, err
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return "", errors.Wrapf(ErrReverted, "tx %s", hash)
	}
	return hash, nil
}

// send signs and broadcasts under nonceMu. Releases for different listings share the admin
// account, so each one reserves the next nonce above both the node's view and the last one sent.
func (r *EVMReleaser) send(ctx context.Context, data []byte) (*gethtypes.Transaction, error) {
	r.nonceMu.Lock()
	defer r.nonceMu.Unlock()

	nonce, err := r.client.PendingNonceAt(ctx, r.from)
	if err != nil {
		return nil, errors.Wrap(err, "pending nonce")
	}
	if nonce < r.nextNonce {
		nonce = r.nextNonce
	}
	signed, err := r.buildTx(ctx, nonce, data)
	if err != nil {
		return nil, err
	}
	if err := r.client.SendTransaction(ctx, signed); err != nil {
		return nil, errors.Wrap(err, "send release tx")
	}
	r.nextNonce = nonce + 1
	return signed, nil
}

func (r *EVMReleaser) buildTx(ctx context.Context, nonce uint64, data []byte) (*gethtypes.Transaction, error) {
	chainId, err := r.client.ChainID(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "chain id")
	}
	gasPrice, err := r.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "gas price")
	}
	gas, err := r.client.EstimateGas(ctx, ethereum.CallMsg{From: r.from, To: &r.contract, Data: data})
	if err != nil {
		return nil, errors.Wrap(err, "estimate gas")
	}
	gas += gas * gasHeadroomPercent / 100

	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &r.contract,
		Value:    big.NewInt(0),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(chainId), r.key)
	if err != nil {
		return nil, errors.Wrap(err, "sign release tx")
	}
	return signed, nil
}

func (r *EVMReleaser) waitMined(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	for {
		receipt, err := r.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, errors.Wrapf(err, "receipt %s", hash.Hex())
		}

		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "wait for %s", hash.Hex())
		case <-r.clk.After(r.pollInterval):
		}
	}
}
