package escrow

import (
	"context"
	"math/big"
	"sort"
	"strings"
	"sync"
)

// MemoryStore 是进程内的托管记录存储。
type MemoryStore struct {
	mu      sync.Mutex
	records map[string][]Record
	used    map[string]struct{}
}

// NewMemoryStore 创建空的内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string][]Record),
		used:    make(map[string]struct{}),
	}
}

func (s *MemoryStore) Create(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(rec.TxHash)
	if _, ok := s.used[key]; ok {
		return ErrDuplicateReceipt
	}
	s.used[key] = struct{}{}
	s.records[rec.Obligor] = append(s.records[rec.Obligor], cloneRecord(rec))
	return nil
}

func (s *MemoryStore) ConsumeOldest(ctx context.Context, obligor string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.records[obligor]
	if len(queue) == 0 {
		return Record{}, ErrNotFound
	}
	rec := queue[0]
	if len(queue) == 1 {
		delete(s.records, obligor)
	} else {
		s.records[obligor] = queue[1:]
	}
	return rec, nil
}

func (s *MemoryStore) Restore(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.used[strings.ToLower(rec.TxHash)] = struct{}{}
	queue := append([]Record{cloneRecord(rec)}, s.records[rec.Obligor]...)
	sort.SliceStable(queue, func(i, j int) bool { return queue[i].CreatedAt.Before(queue[j].CreatedAt) })
	s.records[rec.Obligor] = queue
	return nil
}

func (s *MemoryStore) List(ctx context.Context, obligor string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for owner, queue := range s.records {
		if obligor != "" && owner != obligor {
			continue
		}
		for _, rec := range queue {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

func cloneRecord(rec Record) Record {
	if rec.Amount != nil {
		rec.Amount = new(big.Int).Set(rec.Amount)
	}
	return rec
}

var _ Store = (*MemoryStore)(nil)
