package token

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"p2pramp/internal/contracts"
	"p2pramp/internal/ledger"
)

// EthProvider moves real ERC20 balances through a JSON-RPC node. Each
// configured key is a custody account (escrow, orchestrator) the service can
// sign transfers for.
type EthProvider struct {
	client    *ethclient.Client
	abi       abi.ABI
	chainID   *big.Int
	transacts map[common.Address]*bind.TransactOpts
	log       *zap.Logger
}

type EthProviderConfig struct {
	RPCURL         string
	PrivateKeysHex []string
}

func NewEthProvider(ctx context.Context, cfg EthProviderConfig, log *zap.Logger) (*EthProvider, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if len(cfg.PrivateKeysHex) == 0 {
		return nil, fmt.Errorf("at least one custody key is required")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(contracts.ERC20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	transacts := make(map[common.Address]*bind.TransactOpts, len(cfg.PrivateKeysHex))
	for _, hexKey := range cfg.PrivateKeysHex {
		pk, err := parsePrivateKey(hexKey)
		if err != nil {
			return nil, err
		}
		opts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
		if err != nil {
			return nil, fmt.Errorf("transactor: %w", err)
		}
		opts.GasLimit = 0 // let node estimate
		transacts[opts.From] = opts
	}

	return &EthProvider{
		client:    cli,
		abi:       parsedABI,
		chainID:   chainID,
		transacts: transacts,
		log:       log,
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func (p *EthProvider) ChainID() *big.Int { return new(big.Int).Set(p.chainID) }

func (p *EthProvider) Ping(ctx context.Context) error {
	if p.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := p.client.BlockNumber(ctx)
	return err
}

func (p *EthProvider) Token(address common.Address) (Token, error) {
	if address == (common.Address{}) {
		return nil, fmt.Errorf("%w: zero address", ErrUnknownToken)
	}
	return &EthToken{
		provider: p,
		address:  address,
		contract: bind.NewBoundContract(address, p.abi, p.client, p.client, p.client),
	}, nil
}

const compensationTimeout = 2 * time.Minute

// EthToken is one ERC20 contract seen through an EthProvider.
type EthToken struct {
	provider *EthProvider
	address  common.Address
	contract *bind.BoundContract
}

func (t *EthToken) Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error {
	if err := t.transact(ctx, from, "transfer", to, amount); err != nil {
		return err
	}
	t.compensateOnRollback(ctx, from, to, amount)
	return nil
}

func (t *EthToken) TransferFrom(ctx context.Context, spender, from, to common.Address, amount *big.Int) error {
	if err := t.transact(ctx, spender, "transferFrom", from, to, amount); err != nil {
		return err
	}
	t.compensateOnRollback(ctx, from, to, amount)
	return nil
}

// compensateOnRollback sends amount back from to when the ledger transaction
// carried by ctx rolls back. Mined transfers cannot be undone, so a receiver
// the provider holds no key for is only reported.
func (t *EthToken) compensateOnRollback(ctx context.Context, from, to common.Address, amount *big.Int) {
	moved := new(big.Int).Set(amount)
	ledger.OnRollback(ctx, func() {
		log := t.provider.log.With(
			zap.String("token", t.address.Hex()),
			zap.String("from", to.Hex()),
			zap.String("to", from.Hex()),
			zap.String("amount", moved.String()))
		if _, ok := t.provider.transacts[to]; !ok {
			log.Error("transfer cannot be compensated, receiver is not a custodian")
			return
		}
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
		defer cancel()
		if err := t.transact(cctx, to, "transfer", from, moved); err != nil {
			log.Error("compensating transfer failed", zap.Error(err))
			return
		}
		log.Warn("transfer compensated after rollback")
	})
}

func (t *EthToken) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	var out []interface{}
	if err := t.contract.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", account); err != nil {
		return nil, fmt.Errorf("balanceOf: %w", err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("balanceOf: unexpected output")
	}
	bal, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf: unexpected type %T", out[0])
	}
	return bal, nil
}

func (t *EthToken) transact(ctx context.Context, signer common.Address, method string, params ...interface{}) error {
	base, ok := t.provider.transacts[signer]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotCustodian, signer.Hex())
	}
	opts := *base
	opts.Context = ctx

	tx, err := t.contract.Transact(&opts, method, params...)
	if err != nil {
		return fmt.Errorf("%s tx: %w", method, err)
	}
	t.provider.log.Info("token tx submitted",
		zap.String("token", t.address.Hex()),
		zap.String("method", method),
		zap.String("tx", tx.Hash().Hex()),
	)

	receipt, err := WaitForReceipt(ctx, t.provider.client, tx)
	if err != nil {
		return fmt.Errorf("%s receipt: %w", method, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: %s reverted in tx %s", ErrTransferRejected, method, tx.Hash().Hex())
	}
	return nil
}

// WaitForReceipt polls until the transaction is mined or context cancelled.
func WaitForReceipt(ctx context.Context, client *ethclient.Client, tx *types.Transaction) (*types.Receipt, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, tx.Hash())
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
