package mysql

import (
	"context"
	"database/sql/driver"
	"errors"
	"math/big"
	"testing"
	"time"

	gomysql "github.com/go-sql-driver/mysql"

	"CryptoReason-Chain/internal/escrow"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, ops []mockOperation) (*EscrowStore, *queueDriver) {
	t.Helper()
	db, drv := newMockDB(t, ops)
	t.Cleanup(func() { db.Close() })
	return &EscrowStore{db: db, now: func() time.Time { return fixedNow }}, drv
}

func recordColumns() []string {
	return []string{"id", "obligor", "wallet", "tx_hash", "amount", "denom", "created_at"}
}

func TestEscrowStoreCreate(t *testing.T) {
	t.Parallel()

	store, drv := newTestStore(t, []mockOperation{
		beginOp(),
		execOp(insertUsedTxSQL, mockResult{rowsAffected: 1}),
		execOp(insertRecordSQL, mockResult{lastInsertID: 1, rowsAffected: 1}),
		commitOp(),
	})
	defer drv.assertConsumed(t)

	rec := escrow.Record{Obligor: "agent://orchestrator", Wallet: "0xabc", TxHash: "0xFEED", Amount: big.NewInt(6), Denom: "atestfet", CreatedAt: fixedNow}
	if err := store.Create(context.Background(), rec); err != nil {
		t.Fatalf("create failed: %v", err)
	}
}

func TestEscrowStoreCreateDuplicate(t *testing.T) {
	t.Parallel()

	store, drv := newTestStore(t, []mockOperation{
		beginOp(),
		execErrOp(insertUsedTxSQL, &gomysql.MySQLError{Number: mysqlDuplicateEntry, Message: "Duplicate entry"}),
		rollbackOp(),
	})
	defer drv.assertConsumed(t)

	err := store.Create(context.Background(), escrow.Record{Obligor: "a", TxHash: "0x01", Amount: big.NewInt(1)})
	if !errors.Is(err, escrow.ErrDuplicateReceipt) {
		t.Fatalf("expected duplicate receipt, got %v", err)
	}
}

func TestEscrowStoreConsumeOldest(t *testing.T) {
	t.Parallel()

	rows := mockRowsData{
		columns: recordColumns(),
		values:  [][]driver.Value{{int64(9), "agent://orchestrator", "0xabc", "0xfeed", "6000000000000000000", "atestfet", fixedNow.UnixNano()}},
	}
	store, drv := newTestStore(t, []mockOperation{
		beginOp(),
		queryOp(selectOldestSQL, rows),
		execOp(deleteRecordSQL, mockResult{rowsAffected: 1}),
		commitOp(),
	})
	defer drv.assertConsumed(t)

	rec, err := store.ConsumeOldest(context.Background(), "agent://orchestrator")
	if err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	if rec.TxHash != "0xfeed" || rec.Amount.String() != "6000000000000000000" || !rec.CreatedAt.Equal(fixedNow) {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestEscrowStoreConsumeOldestEmpty(t *testing.T) {
	t.Parallel()

	store, drv := newTestStore(t, []mockOperation{
		beginOp(),
		queryOp(selectOldestSQL, mockRowsData{columns: recordColumns()}),
		rollbackOp(),
	})
	defer drv.assertConsumed(t)

	if _, err := store.ConsumeOldest(context.Background(), "nobody"); !errors.Is(err, escrow.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestEscrowStoreList(t *testing.T) {
	t.Parallel()

	rows := mockRowsData{
		columns: recordColumns(),
		values: [][]driver.Value{
			{int64(1), "a", "w", "0x01", "6", "atestfet", int64(10)},
			{int64(2), "a", "w", "0x02", "6", "atestfet", int64(20)},
		},
	}
	store, drv := newTestStore(t, []mockOperation{
		queryOp(listRecordsSQL+` WHERE obligor = ? ORDER BY created_at ASC, id ASC`, rows),
	})
	defer drv.assertConsumed(t)

	list, err := store.List(context.Background(), "a")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 2 || list[1].TxHash != "0x02" {
		t.Fatalf("unexpected list %+v", list)
	}
}

func TestRunMigrations(t *testing.T) {
	t.Parallel()

	migrations, err := loadMigrationFiles()
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if len(migrations) == 0 {
		t.Fatal("expected embedded migrations")
	}

	ops := []mockOperation{
		execOp(createVersionTableSQL, mockResult{}),
		queryOp(selectVersionsSQL, mockRowsData{columns: []string{"version"}}),
	}
	for _, m := range migrations {
		ops = append(ops, beginOp())
		for _, stmt := range m.statements {
			ops = append(ops, execOp(stmt, mockResult{}))
		}
		ops = append(ops,
			execOp(insertVersionSQL, mockResult{rowsAffected: 1}),
			commitOp())
	}

	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	if err := runMigrations(context.Background(), db); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestSplitSQLStatements(t *testing.T) {
	got := splitSQLStatements("-- 注释\nCREATE TABLE a (x INT);\n\n CREATE TABLE b (y INT); ")
	if len(got) != 2 || got[1] != "CREATE TABLE b (y INT)" {
		t.Fatalf("unexpected statements %q", got)
	}
	if v := parseMigrationVersion("0001_create_escrow.sql"); v != "0001" {
		t.Fatalf("unexpected version %s", v)
	}
}
