package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	gomysql "github.com/go-sql-driver/mysql"

	"CryptoReason-Chain/internal/escrow"
	xerrors "CryptoReason-Chain/internal/errors"
)

// mysqlDuplicateEntry 是主键或唯一索引冲突的错误号。
const mysqlDuplicateEntry = 1062

const (
	insertUsedTxSQL = `INSERT INTO escrow_used_tx (tx_hash, used_at) VALUES (?, ?)`
	insertRecordSQL = `INSERT INTO escrow_records
    (obligor, wallet, tx_hash, amount, denom, created_at)
    VALUES (?, ?, ?, ?, ?, ?)`
	selectOldestSQL = `SELECT id, obligor, wallet, tx_hash, amount, denom, created_at
    FROM escrow_records WHERE obligor = ? ORDER BY created_at ASC, id ASC LIMIT 1 FOR UPDATE`
	deleteRecordSQL = `DELETE FROM escrow_records WHERE id = ?`
	listRecordsSQL  = `SELECT id, obligor, wallet, tx_hash, amount, denom, created_at
    FROM escrow_records`
)

// EscrowStore 使用 MySQL 保存托管记录，escrow_used_tx 表保证同一交易哈希只能使用一次。
type EscrowStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewEscrowStore 创建连接池并执行迁移。
func NewEscrowStore(ctx context.Context, cfg Config) (*EscrowStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开托管数据库失败")
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行托管表迁移失败")
	}
	return &EscrowStore{db: db, now: time.Now}, nil
}

// Create 在同一事务中占用交易哈希并写入记录。
func (s *EscrowStore) Create(ctx context.Context, rec escrow.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageError(err, "开启事务失败")
	}

	hash := strings.ToLower(rec.TxHash)
	if _, err := tx.ExecContext(ctx, insertUsedTxSQL, hash, s.now().UnixNano()); err != nil {
		tx.Rollback()
		var myErr *gomysql.MySQLError
		if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
			return escrow.ErrDuplicateReceipt
		}
		return storageError(err, "登记交易哈希失败")
	}
	if _, err := tx.ExecContext(ctx, insertRecordSQL, rec.Obligor, rec.Wallet, hash, amountText(rec.Amount), rec.Denom, rec.CreatedAt.UnixNano()); err != nil {
		tx.Rollback()
		return storageError(err, "写入托管记录失败")
	}
	if err := tx.Commit(); err != nil {
		return storageError(err, "提交事务失败")
	}
	return nil
}

// ConsumeOldest 以行锁取出并删除付款方最早的一条记录。
func (s *EscrowStore) ConsumeOldest(ctx context.Context, obligor string) (escrow.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return escrow.Record{}, storageError(err, "开启事务失败")
	}

	var id int64
	rec, err := scanRecord(tx.QueryRowContext(ctx, selectOldestSQL, obligor), &id)
	if errors.Is(err, sql.ErrNoRows) {
		tx.Rollback()
		return escrow.Record{}, escrow.ErrNotFound
	}
	if err != nil {
		tx.Rollback()
		return escrow.Record{}, storageError(err, "查询托管记录失败")
	}
	if _, err := tx.ExecContext(ctx, deleteRecordSQL, id); err != nil {
		tx.Rollback()
		return escrow.Record{}, storageError(err, "删除托管记录失败")
	}
	if err := tx.Commit(); err != nil {
		return escrow.Record{}, storageError(err, "提交事务失败")
	}
	return rec, nil
}

// Restore 重新写入记录，保留原创建时间，交易哈希的占用不受影响。
func (s *EscrowStore) Restore(ctx context.Context, rec escrow.Record) error {
	if _, err := s.db.ExecContext(ctx, insertRecordSQL, rec.Obligor, rec.Wallet, strings.ToLower(rec.TxHash), amountText(rec.Amount), rec.Denom, rec.CreatedAt.UnixNano()); err != nil {
		return storageError(err, "恢复托管记录失败")
	}
	return nil
}

// List 按创建时间返回未消费的记录。
func (s *EscrowStore) List(ctx context.Context, obligor string) ([]escrow.Record, error) {
	query := listRecordsSQL
	var args []any
	if obligor != "" {
		query += ` WHERE obligor = ?`
		args = append(args, obligor)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageError(err, "查询托管记录失败")
	}
	defer rows.Close()

	var records []escrow.Record
	for rows.Next() {
		var id int64
		rec, err := scanRecord(rows, &id)
		if err != nil {
			return nil, storageError(err, "解析托管记录失败")
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历托管记录失败")
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *EscrowStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner, id *int64) (escrow.Record, error) {
	var (
		rec       escrow.Record
		amount    string
		createdAt int64
	)
	if err := row.Scan(id, &rec.Obligor, &rec.Wallet, &rec.TxHash, &amount, &rec.Denom, &createdAt); err != nil {
		return escrow.Record{}, err
	}
	value, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return escrow.Record{}, fmt.Errorf("无效的金额 %q", amount)
	}
	rec.Amount = value
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	return rec, nil
}

func amountText(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func storageError(err error, message string) error {
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, message)
}

var _ escrow.Store = (*EscrowStore)(nil)
