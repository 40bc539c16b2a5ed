package storage_test

import (
	"context"
	"testing"

	"github.com/lukium/kms-enclave/internal/kmserrors"
	"github.com/lukium/kms-enclave/internal/storage"
)

func openTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPutGetDelete(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Put(ctx, storage.StoreMeta, "k1", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	v, err := db.Get(ctx, storage.StoreMeta, "k1")
	if err != nil {
		t.Fatal(err)
	}
	if string(v) != "v1" {
		t.Fatalf("got %q want v1", v)
	}

	if err := db.Delete(ctx, storage.StoreMeta, "k1"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Get(ctx, storage.StoreMeta, "k1"); kmserrors.KindOf(err) != kmserrors.KindNotFound {
		t.Fatalf("expected not-found after delete, got %v", err)
	}
}

func TestListIsolatedByStore(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	db.Put(ctx, storage.StoreMeta, "a", []byte("1"))
	db.Put(ctx, storage.StoreKeys, "b", []byte("2"))

	metaKeys, err := db.List(ctx, storage.StoreMeta)
	if err != nil {
		t.Fatal(err)
	}
	if len(metaKeys) != 1 || metaKeys[0] != "a" {
		t.Fatalf("unexpected meta keys: %v", metaKeys)
	}
}

func TestAppendAuditGapFree(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		seq, err := db.AppendAudit(ctx, func(seq int64) ([]byte, error) {
			return []byte("entry"), nil
		}, nil)
		if err != nil {
			t.Fatal(err)
		}
		if seq != int64(i+1) {
			t.Fatalf("expected seq %d, got %d", i+1, seq)
		}
	}
	max, err := db.MaxAuditSeq(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if max != 5 {
		t.Fatalf("expected max seq 5, got %d", max)
	}
}

func TestAppendAuditRollsBackOnMutateError(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.AppendAudit(ctx, func(seq int64) ([]byte, error) {
		return []byte("entry"), nil
	}, func(tx *storage.Tx, seq int64) error {
		return kmserrors.New(kmserrors.KindInternal, "boom")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	max, err := db.MaxAuditSeq(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if max != 0 {
		t.Fatalf("expected no audit entries after rollback, got max seq %d", max)
	}
}

func TestAppendAuditTransactionalWithTriggeringWrite(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	seq, err := db.AppendAudit(ctx, func(seq int64) ([]byte, error) {
		return []byte("entry"), nil
	}, func(tx *storage.Tx, seq int64) error {
		return tx.Put(storage.StoreLeases, "lease-1", []byte("data"))
	})
	if err != nil {
		t.Fatal(err)
	}
	if seq != 1 {
		t.Fatalf("expected seq 1, got %d", seq)
	}
	v, err := db.Get(ctx, storage.StoreLeases, "lease-1")
	if err != nil {
		t.Fatal(err)
	}
	if string(v) != "data" {
		t.Fatalf("unexpected lease data: %q", v)
	}
}

func TestListAuditSeqsReflectsGaps(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := db.AppendAudit(ctx, func(seq int64) ([]byte, error) {
			return []byte("entry"), nil
		}, nil); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.DeleteAudit(ctx, 3); err != nil {
		t.Fatal(err)
	}
	seqs, err := db.ListAuditSeqs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []int64{1, 2, 4, 5}
	if len(seqs) != len(want) {
		t.Fatalf("got %v, want %v", seqs, want)
	}
	for i := range want {
		if seqs[i] != want[i] {
			t.Fatalf("got %v, want %v", seqs, want)
		}
	}
}

func TestResetAllClearsEverything(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	db.Put(ctx, storage.StoreMeta, "a", []byte("1"))
	db.AppendAudit(ctx, func(seq int64) ([]byte, error) {
		return []byte("entry"), nil
	}, nil)

	if err := db.ResetAll(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Get(ctx, storage.StoreMeta, "a"); kmserrors.KindOf(err) != kmserrors.KindNotFound {
		t.Fatal("expected meta cleared")
	}
	max, err := db.MaxAuditSeq(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if max != 0 {
		t.Fatal("expected audit log cleared")
	}
}
