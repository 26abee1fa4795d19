package token

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrUnknownToken          = errors.New("unknown token")
	ErrInsufficientBalance   = errors.New("insufficient token balance")
	ErrInsufficientAllowance = errors.New("insufficient token allowance")
	ErrNotCustodian          = errors.New("account is not a custodian")
	ErrTransferRejected      = errors.New("token transfer rejected")
)

// Token abstracts the ERC20 operations the escrow and orchestrator rely on.
// from/spender must be an account the implementation can act for.
type Token interface {
	Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error
	TransferFrom(ctx context.Context, spender, from, to common.Address, amount *big.Int) error
	BalanceOf(ctx context.Context, account common.Address) (*big.Int, error)
}

// Provider resolves a token contract address to its Token.
type Provider interface {
	Token(address common.Address) (Token, error)
}
