// Package storage implements the durable local store: four logical stores
// — metadata, wrapped keys, the audit log, and leases — each supporting
// get/put/delete/list, plus a transactional, gap-free append for the audit
// store. It is backed by modernc.org/sqlite (pure Go, no cgo), standing in
// for the browser's durable extension storage.
package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/lukium/kms-enclave/internal/kmserrors"
)

// Store enumerates the four logical stores this package keeps.
type Store string

const (
	StoreMeta   Store = "meta"
	StoreKeys   Store = "keys"
	StoreAudit  Store = "audit"
	StoreLeases Store = "leases"
)

// DB wraps a sqlite connection and exposes the per-store KV operations plus
// transactional audit append.
type DB struct {
	sql *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path and runs
// the idempotent schema migration. path may be ":memory:" for tests.
func Open(ctx context.Context, path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, kmserrors.Wrap(kmserrors.KindStorageUnavailable, "open sqlite database", err)
	}
	// sqlite only supports one writer at a time; the dispatcher already
	// serializes mutations, but cap the pool defensively so two accidental
	// concurrent writers wait for the single connection in turn.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{sql: sqlDB}
	if err := db.migrate(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Close releases the underlying database handle.
func (d *DB) Close() error { return d.sql.Close() }

func (d *DB) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS kv (
	store TEXT NOT NULL,
	key   TEXT NOT NULL,
	value BLOB NOT NULL,
	PRIMARY KEY (store, key)
);
CREATE TABLE IF NOT EXISTS audit_log (
	seq       INTEGER PRIMARY KEY,
	value     BLOB NOT NULL
);
`
	if _, err := d.sql.ExecContext(ctx, schema); err != nil {
		return kmserrors.Wrap(kmserrors.KindStorageUnavailable, "migrate schema", err)
	}
	return nil
}

// Get fetches the raw value stored under key in store. It reports
// kmserrors.KindNotFound if absent.
func (d *DB) Get(ctx context.Context, store Store, key string) ([]byte, error) {
	var value []byte
	err := d.sql.QueryRowContext(ctx, `SELECT value FROM kv WHERE store = ? AND key = ?`, string(store), key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, kmserrors.New(kmserrors.KindNotFound, fmt.Sprintf("%s:%s", store, key))
	}
	if err != nil {
		return nil, kmserrors.Wrap(kmserrors.KindStorageUnavailable, "get", err)
	}
	return value, nil
}

// Put upserts value under key in store.
func (d *DB) Put(ctx context.Context, store Store, key string, value []byte) error {
	_, err := d.sql.ExecContext(ctx,
		`INSERT INTO kv (store, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(store, key) DO UPDATE SET value = excluded.value`,
		string(store), key, value)
	if err != nil {
		return kmserrors.Wrap(kmserrors.KindStorageUnavailable, "put", err)
	}
	return nil
}

// Delete removes key from store. Deleting an absent key is not an error.
func (d *DB) Delete(ctx context.Context, store Store, key string) error {
	_, err := d.sql.ExecContext(ctx, `DELETE FROM kv WHERE store = ? AND key = ?`, string(store), key)
	if err != nil {
		return kmserrors.Wrap(kmserrors.KindStorageUnavailable, "delete", err)
	}
	return nil
}

// List returns every key currently stored in store, in no particular order.
func (d *DB) List(ctx context.Context, store Store) ([]string, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT key FROM kv WHERE store = ?`, string(store))
	if err != nil {
		return nil, kmserrors.Wrap(kmserrors.KindStorageUnavailable, "list", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, kmserrors.Wrap(kmserrors.KindStorageUnavailable, "list scan", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, kmserrors.Wrap(kmserrors.KindStorageUnavailable, "list rows", err)
	}
	return keys, nil
}

// ListValues returns every (key, value) pair currently stored in store.
func (d *DB) ListValues(ctx context.Context, store Store) (map[string][]byte, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT key, value FROM kv WHERE store = ?`, string(store))
	if err != nil {
		return nil, kmserrors.Wrap(kmserrors.KindStorageUnavailable, "list values", err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, kmserrors.Wrap(kmserrors.KindStorageUnavailable, "list values scan", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, kmserrors.Wrap(kmserrors.KindStorageUnavailable, "list values rows", err)
	}
	return out, nil
}

// AppendAudit reads the current tail, calls build(seq) to produce the
// entry's serialized bytes now that the assigned sequence number is known
// (the audit entry's own canonical encoding embeds seq), stores the
// result, and runs mutate inside the same transaction (spec: "writes to
// audit and the triggering record occur in a single transaction so that
// failure leaves neither"). mutate receives the tx-scoped helper and the
// assigned sequence number; if either build or mutate returns an error the
// whole transaction (including the audit append) rolls back.
func (d *DB) AppendAudit(ctx context.Context, build func(seq int64) ([]byte, error), mutate func(tx *Tx, seq int64) error) (int64, error) {
	sqlTx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return 0, kmserrors.Wrap(kmserrors.KindStorageUnavailable, "begin tx", err)
	}
	defer sqlTx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	var maxSeq sql.NullInt64
	if err := sqlTx.QueryRowContext(ctx, `SELECT MAX(seq) FROM audit_log`).Scan(&maxSeq); err != nil {
		return 0, kmserrors.Wrap(kmserrors.KindStorageUnavailable, "read audit tail", err)
	}
	seq := int64(1)
	if maxSeq.Valid {
		seq = maxSeq.Int64 + 1
	}

	value, err := build(seq)
	if err != nil {
		return 0, err
	}

	if _, err := sqlTx.ExecContext(ctx, `INSERT INTO audit_log (seq, value) VALUES (?, ?)`, seq, value); err != nil {
		return 0, kmserrors.Wrap(kmserrors.KindStorageUnavailable, "append audit entry", err)
	}

	tx := &Tx{ctx: ctx, tx: sqlTx}
	if mutate != nil {
		if err := mutate(tx, seq); err != nil {
			return 0, err
		}
	}

	if err := sqlTx.Commit(); err != nil {
		return 0, kmserrors.Wrap(kmserrors.KindStorageUnavailable, "commit audit append", err)
	}
	return seq, nil
}

// GetAudit fetches the audit entry at seq.
func (d *DB) GetAudit(ctx context.Context, seq int64) ([]byte, error) {
	var value []byte
	err := d.sql.QueryRowContext(ctx, `SELECT value FROM audit_log WHERE seq = ?`, seq).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, kmserrors.New(kmserrors.KindNotFound, fmt.Sprintf("audit seq %d", seq))
	}
	if err != nil {
		return nil, kmserrors.Wrap(kmserrors.KindStorageUnavailable, "get audit", err)
	}
	return value, nil
}

// DeleteAudit removes the audit entry at seq. Used only by tests exercising
// tamper detection — production code never deletes audit entries.
func (d *DB) DeleteAudit(ctx context.Context, seq int64) error {
	_, err := d.sql.ExecContext(ctx, `DELETE FROM audit_log WHERE seq = ?`, seq)
	if err != nil {
		return kmserrors.Wrap(kmserrors.KindStorageUnavailable, "delete audit", err)
	}
	return nil
}

// PutAudit overwrites the audit entry at seq in place. Used only by tests
// exercising tamper detection.
func (d *DB) PutAudit(ctx context.Context, seq int64, value []byte) error {
	_, err := d.sql.ExecContext(ctx, `UPDATE audit_log SET value = ? WHERE seq = ?`, value, seq)
	if err != nil {
		return kmserrors.Wrap(kmserrors.KindStorageUnavailable, "put audit", err)
	}
	return nil
}

// ListAuditSeqs returns every sequence number actually present in the
// audit log, ascending. Gaps (e.g. from a deleted entry in a tamper-test
// scenario) are visible as non-contiguous values, not errors.
func (d *DB) ListAuditSeqs(ctx context.Context) ([]int64, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT seq FROM audit_log ORDER BY seq ASC`)
	if err != nil {
		return nil, kmserrors.Wrap(kmserrors.KindStorageUnavailable, "list audit seqs", err)
	}
	defer rows.Close()

	var seqs []int64
	for rows.Next() {
		var s int64
		if err := rows.Scan(&s); err != nil {
			return nil, kmserrors.Wrap(kmserrors.KindStorageUnavailable, "list audit seqs scan", err)
		}
		seqs = append(seqs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, kmserrors.Wrap(kmserrors.KindStorageUnavailable, "list audit seqs rows", err)
	}
	return seqs, nil
}

// MaxAuditSeq returns the highest sequence number currently stored, or 0 if
// the audit log is empty.
func (d *DB) MaxAuditSeq(ctx context.Context) (int64, error) {
	var maxSeq sql.NullInt64
	if err := d.sql.QueryRowContext(ctx, `SELECT MAX(seq) FROM audit_log`).Scan(&maxSeq); err != nil {
		return 0, kmserrors.Wrap(kmserrors.KindStorageUnavailable, "max audit seq", err)
	}
	if !maxSeq.Valid {
		return 0, nil
	}
	return maxSeq.Int64, nil
}

// ResetAll deletes every store, including the audit log. There is no
// partial reset — a caller that wants to keep the audit trail should not
// call this.
func (d *DB) ResetAll(ctx context.Context) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return kmserrors.Wrap(kmserrors.KindStorageUnavailable, "begin reset tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM kv`); err != nil {
		return kmserrors.Wrap(kmserrors.KindStorageUnavailable, "reset kv", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM audit_log`); err != nil {
		return kmserrors.Wrap(kmserrors.KindStorageUnavailable, "reset audit", err)
	}
	if err := tx.Commit(); err != nil {
		return kmserrors.Wrap(kmserrors.KindStorageUnavailable, "commit reset", err)
	}
	return nil
}

// Tx is the transaction-scoped handle passed to AppendAudit's mutate
// callback, letting the triggering record write (e.g. a new enrollment, a
// new lease) share the audit append's transaction.
type Tx struct {
	ctx context.Context
	tx  *sql.Tx
}

// Put upserts value under key in store within the enclosing transaction.
func (t *Tx) Put(store Store, key string, value []byte) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO kv (store, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(store, key) DO UPDATE SET value = excluded.value`,
		string(store), key, value)
	if err != nil {
		return kmserrors.Wrap(kmserrors.KindStorageUnavailable, "tx put", err)
	}
	return nil
}

// Delete removes key from store within the enclosing transaction.
func (t *Tx) Delete(store Store, key string) error {
	_, err := t.tx.ExecContext(t.ctx, `DELETE FROM kv WHERE store = ? AND key = ?`, string(store), key)
	if err != nil {
		return kmserrors.Wrap(kmserrors.KindStorageUnavailable, "tx delete", err)
	}
	return nil
}

// Get fetches key from store within the enclosing transaction.
func (t *Tx) Get(store Store, key string) ([]byte, error) {
	var value []byte
	err := t.tx.QueryRowContext(t.ctx, `SELECT value FROM kv WHERE store = ? AND key = ?`, string(store), key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, kmserrors.New(kmserrors.KindNotFound, fmt.Sprintf("%s:%s", store, key))
	}
	if err != nil {
		return nil, kmserrors.Wrap(kmserrors.KindStorageUnavailable, "tx get", err)
	}
	return value, nil
}
