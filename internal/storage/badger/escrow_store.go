// Package badger 使用嵌入式 BadgerDB 保存托管记录，适合不依赖外部数据库的单机部署。
package badger

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"CryptoReason-Chain/internal/escrow"
	xerrors "CryptoReason-Chain/internal/errors"
	"CryptoReason-Chain/pkg/logger"
)

const (
	recordPrefix = "escrow:rec:"
	usedTxPrefix = "escrow:tx:"

	// conflictRetries 是乐观事务冲突时的重试次数。
	conflictRetries = 5
	gcInterval      = 5 * time.Minute
)

// Config 描述 Badger 存储位置。InMemory 为 true 时忽略 Path。
type Config struct {
	Path     string
	InMemory bool
}

// EscrowStore 以 "escrow:rec:<obligor>:<created_at>:<tx>" 为键保存记录，
// 键的字典序即同一付款方的先进先出顺序。
type EscrowStore struct {
	db     *badger.DB
	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
	log    *slog.Logger
}

// NewEscrowStore 打开数据库并启动值日志回收。
func NewEscrowStore(cfg Config) (*EscrowStore, error) {
	var opts badger.Options
	switch {
	case cfg.InMemory:
		opts = badger.DefaultOptions("").WithInMemory(true)
	case strings.TrimSpace(cfg.Path) != "":
		opts = badger.DefaultOptions(cfg.Path)
	default:
		return nil, errors.New("badger 存储路径不能为空")
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开 BadgerDB 失败")
	}
	s := &EscrowStore{db: db, stop: make(chan struct{}), log: logger.Named("escrow-badger")}
	if !cfg.InMemory {
		go s.runGC()
	}
	return s, nil
}

func (s *EscrowStore) Create(ctx context.Context, rec escrow.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("序列化托管记录失败: %w", err)
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		usedKey := []byte(usedTxPrefix + strings.ToLower(rec.TxHash))
		if _, err := txn.Get(usedKey); err == nil {
			return escrow.ErrDuplicateReceipt
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(usedKey, []byte(rec.CreatedAt.UTC().Format(time.RFC3339Nano))); err != nil {
			return err
		}
		return txn.Set(recordKey(rec), data)
	})
}

func (s *EscrowStore) ConsumeOldest(ctx context.Context, obligor string) (escrow.Record, error) {
	var rec escrow.Record
	err := s.update(ctx, func(txn *badger.Txn) error {
		prefix := []byte(obligorPrefix(obligor))
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: false})
		defer it.Close()

		it.Seek(prefix)
		if !it.ValidForPrefix(prefix) {
			return escrow.ErrNotFound
		}
		item := it.Item()
		key := item.KeyCopy(nil)
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return fmt.Errorf("解析托管记录失败: %w", err)
		}
		return txn.Delete(key)
	})
	if err != nil {
		return escrow.Record{}, err
	}
	return rec, nil
}

func (s *EscrowStore) Restore(ctx context.Context, rec escrow.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("序列化托管记录失败: %w", err)
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		if err := txn.Set([]byte(usedTxPrefix+strings.ToLower(rec.TxHash)), []byte(rec.CreatedAt.UTC().Format(time.RFC3339Nano))); err != nil {
			return err
		}
		return txn.Set(recordKey(rec), data)
	})
}

func (s *EscrowStore) List(ctx context.Context, obligor string) ([]escrow.Record, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	defer s.mu.RUnlock()

	prefix := []byte(recordPrefix)
	if obligor != "" {
		prefix = []byte(obligorPrefix(obligor))
	}
	var out []escrow.Record
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 64})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec escrow.Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("解析托管记录失败: %w", err)
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历托管记录失败")
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Close 停止回收协程并关闭数据库。
func (s *EscrowStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.stop)
	return s.db.Close()
}

// update 在读写事务中执行 fn，遇到乐观锁冲突时重试。业务错误原样返回。
func (s *EscrowStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	defer s.mu.RUnlock()

	var err error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, escrow.ErrNotFound), errors.Is(err, escrow.ErrDuplicateReceipt):
		return err
	default:
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 BadgerDB 失败")
	}
}

// ready 在成功时持有读锁，由调用方释放。
func (s *EscrowStore) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return xerrors.New(xerrors.CodeStorageFailure, "存储已关闭")
	}
	return nil
}

func (s *EscrowStore) runGC() {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.RLock()
			if s.closed {
				s.mu.RUnlock()
				return
			}
			err := s.db.RunValueLogGC(0.7)
			s.mu.RUnlock()
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.log.Warn("BadgerDB 值日志回收失败", slog.Any("error", err))
			}
		}
	}
}

func obligorPrefix(obligor string) string {
	return recordPrefix + hex.EncodeToString([]byte(obligor)) + ":"
}

func recordKey(rec escrow.Record) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", obligorPrefix(rec.Obligor), rec.CreatedAt.UnixNano(), strings.ToLower(rec.TxHash)))
}

var _ escrow.Store = (*EscrowStore)(nil)
