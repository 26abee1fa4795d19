package token

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"p2pramp/internal/ledger"
)

type allowanceKey struct {
	owner   common.Address
	spender common.Address
}

// Bank is an in-memory multi-token ledger with ERC20 semantics. Used for
// local runs and tests.
type Bank struct {
	mu         sync.Mutex
	balances   map[common.Address]map[common.Address]*big.Int
	allowances map[common.Address]map[allowanceKey]*big.Int
	blocked    map[common.Address]bool
}

func NewBank() *Bank {
	return &Bank{
		balances:   make(map[common.Address]map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[allowanceKey]*big.Int),
		blocked:    make(map[common.Address]bool),
	}
}

// Register makes tokenAddr resolvable without minting.
func (b *Bank) Register(tokenAddr common.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensure(tokenAddr)
}

func (b *Bank) ensure(tokenAddr common.Address) {
	if _, ok := b.balances[tokenAddr]; !ok {
		b.balances[tokenAddr] = make(map[common.Address]*big.Int)
		b.allowances[tokenAddr] = make(map[allowanceKey]*big.Int)
	}
}

func (b *Bank) Mint(tokenAddr, to common.Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensure(tokenAddr)
	b.credit(tokenAddr, to, amount)
}

func (b *Bank) Approve(tokenAddr, owner, spender common.Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensure(tokenAddr)
	b.allowances[tokenAddr][allowanceKey{owner, spender}] = new(big.Int).Set(amount)
}

// Block makes every transfer to account fail, emulating a reverting receiver.
func (b *Bank) Block(account common.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blocked[account] = true
}

func (b *Bank) Unblock(account common.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blocked, account)
}

// Balance is a convenience accessor that never fails.
func (b *Bank) Balance(tokenAddr, account common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bal, ok := b.balances[tokenAddr][account]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

func (b *Bank) Token(tokenAddr common.Address) (Token, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.balances[tokenAddr]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, tokenAddr.Hex())
	}
	return &bankToken{bank: b, address: tokenAddr}, nil
}

func (b *Bank) credit(tokenAddr, to common.Address, amount *big.Int) {
	bal, ok := b.balances[tokenAddr][to]
	if !ok {
		bal = new(big.Int)
		b.balances[tokenAddr][to] = bal
	}
	bal.Add(bal, amount)
}

func (b *Bank) move(tokenAddr, from, to common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("%w: negative amount", ErrTransferRejected)
	}
	if b.blocked[to] {
		return fmt.Errorf("%w: receiver %s", ErrTransferRejected, to.Hex())
	}
	bal := b.balances[tokenAddr][from]
	if bal == nil || bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %v, needs %s", ErrInsufficientBalance, from.Hex(), bal, amount)
	}
	bal.Sub(bal, amount)
	b.credit(tokenAddr, to, amount)
	return nil
}

// revert undoes a move made by move. The receiver is debited even below the
// amount it would need for a regular transfer; later moves that spent the
// credit are reverted first.
func (b *Bank) revert(tokenAddr, from, to common.Address, amount *big.Int) {
	b.balances[tokenAddr][to].Sub(b.balances[tokenAddr][to], amount)
	b.credit(tokenAddr, from, amount)
}

type bankToken struct {
	bank    *Bank
	address common.Address
}

// Transfer and TransferFrom join the ledger transaction carried by ctx: a
// rolled back transaction undoes the move.
func (t *bankToken) Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error {
	t.bank.mu.Lock()
	defer t.bank.mu.Unlock()
	if err := t.bank.move(t.address, from, to, amount); err != nil {
		return err
	}
	moved := new(big.Int).Set(amount)
	ledger.OnRollback(ctx, func() {
		t.bank.mu.Lock()
		defer t.bank.mu.Unlock()
		t.bank.revert(t.address, from, to, moved)
	})
	return nil
}

func (t *bankToken) TransferFrom(ctx context.Context, spender, from, to common.Address, amount *big.Int) error {
	t.bank.mu.Lock()
	defer t.bank.mu.Unlock()

	key := allowanceKey{owner: from, spender: spender}
	allowance := t.bank.allowances[t.address][key]
	if allowance == nil || allowance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s -> %s", ErrInsufficientAllowance, from.Hex(), spender.Hex())
	}
	if err := t.bank.move(t.address, from, to, amount); err != nil {
		return err
	}
	allowance.Sub(allowance, amount)

	moved := new(big.Int).Set(amount)
	ledger.OnRollback(ctx, func() {
		t.bank.mu.Lock()
		defer t.bank.mu.Unlock()
		t.bank.revert(t.address, from, to, moved)
		if cur := t.bank.allowances[t.address][key]; cur != nil {
			cur.Add(cur, moved)
		}
	})
	return nil
}

func (t *bankToken) BalanceOf(_ context.Context, account common.Address) (*big.Int, error) {
	t.bank.mu.Lock()
	defer t.bank.mu.Unlock()
	if bal, ok := t.bank.balances[t.address][account]; ok {
		return new(big.Int).Set(bal), nil
	}
	return new(big.Int), nil
}
