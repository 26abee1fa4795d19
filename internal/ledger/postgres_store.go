package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists the ledger in PostgreSQL. Deposits and intents are
// stored as JSONB documents; a writable transaction locks each deposit row it
// reads, which serializes competing mutations of the same deposit.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const ledgerSchemaSQL = `
CREATE TABLE IF NOT EXISTS ramp_deposits (
    id BIGINT PRIMARY KEY,
    depositor TEXT NOT NULL,
    body JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS ramp_deposits_depositor_idx ON ramp_deposits (depositor);
CREATE TABLE IF NOT EXISTS ramp_intents (
    hash TEXT PRIMARY KEY,
    owner TEXT NOT NULL,
    nonce BIGINT NOT NULL,
    body JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS ramp_intents_owner_idx ON ramp_intents (owner, nonce);
CREATE TABLE IF NOT EXISTS ramp_sequences (
    name TEXT PRIMARY KEY,
    value BIGINT NOT NULL
);
INSERT INTO ramp_sequences (name, value) VALUES ('deposit', 0), ('intent', 0)
ON CONFLICT (name) DO NOTHING;
`

// NewPostgresStore connects to Postgres using the DSN and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, ledgerSchemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create ledger schema: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Update(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if joined, err := joinUpdate(ctx, fn); joined {
		return err
	}
	return p.run(ctx, true, fn)
}

func (p *PostgresStore) View(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if joined, err := joinView(ctx, fn); joined {
		return err
	}
	return p.run(ctx, false, fn)
}

func (p *PostgresStore) run(ctx context.Context, writable bool, fn func(ctx context.Context, tx Tx) error) error {
	opts := pgx.TxOptions{AccessMode: pgx.ReadOnly}
	if writable {
		opts.AccessMode = pgx.ReadWrite
	}
	pgTx, err := p.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer pgTx.Rollback(ctx)

	tx := &pgLedgerTx{tx: pgTx, writable: writable}
	if err := fn(withTx(ctx, tx, writable), tx); err != nil {
		rollback(tx.onRollback)
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		rollback(tx.onRollback)
		return fmt.Errorf("tx commit failed: %w", err)
	}
	for _, cb := range tx.afterCommit {
		cb()
	}
	return nil
}

type pgLedgerTx struct {
	tx          pgx.Tx
	writable    bool
	afterCommit []func()
	onRollback  []func()
}

func (t *pgLedgerTx) Deposit(ctx context.Context, id uint64) (*Deposit, error) {
	query := `SELECT body FROM ramp_deposits WHERE id = $1`
	if t.writable {
		query += ` FOR UPDATE`
	}
	var body []byte
	if err := t.tx.QueryRow(ctx, query, int64(id)).Scan(&body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrDepositNotFound, id)
		}
		return nil, fmt.Errorf("load deposit %d: %w", id, err)
	}
	var d Deposit
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, fmt.Errorf("decode deposit %d: %w", id, err)
	}
	return &d, nil
}

func (t *pgLedgerTx) PutDeposit(ctx context.Context, d *Deposit) error {
	if !t.writable {
		return ErrReadOnlyTx
	}
	body, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
INSERT INTO ramp_deposits (id, depositor, body)
VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE
SET depositor = EXCLUDED.depositor,
    body = EXCLUDED.body
`, int64(d.ID), d.Depositor.Hex(), body)
	if err != nil {
		return fmt.Errorf("save deposit %d: %w", d.ID, err)
	}
	return nil
}

func (t *pgLedgerTx) DeleteDeposit(ctx context.Context, id uint64) error {
	if !t.writable {
		return ErrReadOnlyTx
	}
	_, err := t.tx.Exec(ctx, `DELETE FROM ramp_deposits WHERE id = $1`, int64(id))
	return err
}

func (t *pgLedgerTx) DepositIDs(ctx context.Context, depositor common.Address) ([]uint64, error) {
	rows, err := t.tx.Query(ctx, `SELECT id FROM ramp_deposits WHERE depositor = $1 ORDER BY id`, depositor.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uint64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, uint64(id))
	}
	return ids, rows.Err()
}

func (t *pgLedgerTx) NextDepositID(ctx context.Context) (uint64, error) {
	if !t.writable {
		return 0, ErrReadOnlyTx
	}
	var v int64
	err := t.tx.QueryRow(ctx, `UPDATE ramp_sequences SET value = value + 1 WHERE name = 'deposit' RETURNING value`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("next deposit id: %w", err)
	}
	return uint64(v), nil
}

func (t *pgLedgerTx) Intent(ctx context.Context, hash common.Hash) (*Intent, error) {
	var body []byte
	if err := t.tx.QueryRow(ctx, `SELECT body FROM ramp_intents WHERE hash = $1`, hash.Hex()).Scan(&body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrIntentNotFound, hash.Hex())
		}
		return nil, fmt.Errorf("load intent %s: %w", hash.Hex(), err)
	}
	var in Intent
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("decode intent %s: %w", hash.Hex(), err)
	}
	return &in, nil
}

func (t *pgLedgerTx) PutIntent(ctx context.Context, in *Intent) error {
	if !t.writable {
		return ErrReadOnlyTx
	}
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
INSERT INTO ramp_intents (hash, owner, nonce, body)
VALUES ($1, $2, $3, $4)
ON CONFLICT (hash) DO UPDATE
SET owner = EXCLUDED.owner,
    nonce = EXCLUDED.nonce,
    body = EXCLUDED.body
`, in.Hash.Hex(), in.Owner.Hex(), int64(in.Nonce), body)
	if err != nil {
		return fmt.Errorf("save intent %s: %w", in.Hash.Hex(), err)
	}
	return nil
}

func (t *pgLedgerTx) DeleteIntent(ctx context.Context, hash common.Hash) error {
	if !t.writable {
		return ErrReadOnlyTx
	}
	_, err := t.tx.Exec(ctx, `DELETE FROM ramp_intents WHERE hash = $1`, hash.Hex())
	return err
}

func (t *pgLedgerTx) IntentHashes(ctx context.Context, owner common.Address) ([]common.Hash, error) {
	rows, err := t.tx.Query(ctx, `SELECT hash FROM ramp_intents WHERE owner = $1 ORDER BY nonce`, owner.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []common.Hash
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out = append(out, common.HexToHash(h))
	}
	return out, rows.Err()
}

func (t *pgLedgerTx) NextIntentNonce(ctx context.Context) (uint64, error) {
	if !t.writable {
		return 0, ErrReadOnlyTx
	}
	var v int64
	err := t.tx.QueryRow(ctx, `UPDATE ramp_sequences SET value = value + 1 WHERE name = 'intent' RETURNING value - 1`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("next intent nonce: %w", err)
	}
	return uint64(v), nil
}

func (t *pgLedgerTx) AfterCommit(fn func()) {
	t.afterCommit = append(t.afterCommit, fn)
}

func (t *pgLedgerTx) OnRollback(fn func()) {
	t.onRollback = append(t.onRollback, fn)
}
