package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore keeps the ledger in process memory. Writers are serialized by
// writeMu and stage changes in a copy-on-write overlay; readers only contend
// with the short commit step.
type MemoryStore struct {
	writeMu sync.Mutex

	mu         sync.RWMutex
	deposits   map[uint64]*Deposit
	intents    map[common.Hash]*Intent
	depositSeq uint64
	intentSeq  uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deposits: make(map[uint64]*Deposit),
		intents:  make(map[common.Hash]*Intent),
	}
}

func (m *MemoryStore) Update(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if joined, err := joinUpdate(ctx, fn); joined {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.RLock()
	tx := &memTx{
		store:      m,
		writable:   true,
		deposits:   make(map[uint64]*Deposit),
		intents:    make(map[common.Hash]*Intent),
		depositSeq: m.depositSeq,
		intentSeq:  m.intentSeq,
	}
	m.mu.RUnlock()

	if err := fn(withTx(ctx, tx, true), tx); err != nil {
		rollback(tx.onRollback)
		return err
	}
	m.commit(tx)
	for _, cb := range tx.afterCommit {
		cb()
	}
	return nil
}

func (m *MemoryStore) View(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if joined, err := joinView(ctx, fn); joined {
		return err
	}
	tx := &memTx{store: m}
	return fn(withTx(ctx, tx, false), tx)
}

func (m *MemoryStore) commit(tx *memTx) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, d := range tx.deposits {
		if d == nil {
			delete(m.deposits, id)
			continue
		}
		m.deposits[id] = d
	}
	for h, in := range tx.intents {
		if in == nil {
			delete(m.intents, h)
			continue
		}
		m.intents[h] = in
	}
	m.depositSeq = tx.depositSeq
	m.intentSeq = tx.intentSeq
}

// memTx is a transaction overlay. A nil map value marks a deletion.
type memTx struct {
	store       *MemoryStore
	writable    bool
	deposits    map[uint64]*Deposit
	intents     map[common.Hash]*Intent
	depositSeq  uint64
	intentSeq   uint64
	afterCommit []func()
	onRollback  []func()
}

func (t *memTx) Deposit(_ context.Context, id uint64) (*Deposit, error) {
	if d, ok := t.deposits[id]; ok {
		if d == nil {
			return nil, fmt.Errorf("%w: %d", ErrDepositNotFound, id)
		}
		return d.Clone(), nil
	}
	t.store.mu.RLock()
	d, ok := t.store.deposits[id]
	t.store.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrDepositNotFound, id)
	}
	return d.Clone(), nil
}

func (t *memTx) PutDeposit(_ context.Context, d *Deposit) error {
	if !t.writable {
		return ErrReadOnlyTx
	}
	t.deposits[d.ID] = d.Clone()
	return nil
}

func (t *memTx) DeleteDeposit(_ context.Context, id uint64) error {
	if !t.writable {
		return ErrReadOnlyTx
	}
	t.deposits[id] = nil
	return nil
}

func (t *memTx) DepositIDs(_ context.Context, depositor common.Address) ([]uint64, error) {
	seen := make(map[uint64]bool)
	var ids []uint64
	for id, d := range t.deposits {
		seen[id] = true
		if d != nil && d.Depositor == depositor {
			ids = append(ids, id)
		}
	}
	t.store.mu.RLock()
	for id, d := range t.store.deposits {
		if !seen[id] && d.Depositor == depositor {
			ids = append(ids, id)
		}
	}
	t.store.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (t *memTx) NextDepositID(_ context.Context) (uint64, error) {
	if !t.writable {
		return 0, ErrReadOnlyTx
	}
	t.depositSeq++
	return t.depositSeq, nil
}

func (t *memTx) Intent(_ context.Context, hash common.Hash) (*Intent, error) {
	if in, ok := t.intents[hash]; ok {
		if in == nil {
			return nil, fmt.Errorf("%w: %s", ErrIntentNotFound, hash.Hex())
		}
		return in.Clone(), nil
	}
	t.store.mu.RLock()
	in, ok := t.store.intents[hash]
	t.store.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIntentNotFound, hash.Hex())
	}
	return in.Clone(), nil
}

func (t *memTx) PutIntent(_ context.Context, in *Intent) error {
	if !t.writable {
		return ErrReadOnlyTx
	}
	t.intents[in.Hash] = in.Clone()
	return nil
}

func (t *memTx) DeleteIntent(_ context.Context, hash common.Hash) error {
	if !t.writable {
		return ErrReadOnlyTx
	}
	t.intents[hash] = nil
	return nil
}

func (t *memTx) IntentHashes(_ context.Context, owner common.Address) ([]common.Hash, error) {
	seen := make(map[common.Hash]bool)
	var owned []*Intent
	for h, in := range t.intents {
		seen[h] = true
		if in != nil && in.Owner == owner {
			owned = append(owned, in)
		}
	}
	t.store.mu.RLock()
	for h, in := range t.store.intents {
		if !seen[h] && in.Owner == owner {
			owned = append(owned, in)
		}
	}
	t.store.mu.RUnlock()
	sort.Slice(owned, func(i, j int) bool { return owned[i].Nonce < owned[j].Nonce })
	out := make([]common.Hash, len(owned))
	for i, in := range owned {
		out[i] = in.Hash
	}
	return out, nil
}

func (t *memTx) NextIntentNonce(_ context.Context) (uint64, error) {
	if !t.writable {
		return 0, ErrReadOnlyTx
	}
	n := t.intentSeq
	t.intentSeq++
	return n, nil
}

func (t *memTx) AfterCommit(fn func()) {
	t.afterCommit = append(t.afterCommit, fn)
}

func (t *memTx) OnRollback(fn func()) {
	t.onRollback = append(t.onRollback, fn)
}
