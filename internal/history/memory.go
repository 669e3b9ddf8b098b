package history

import (
	"context"
	"sort"
	"sync"
	"time"
)

// record 内存历史库的一条记录。
type record struct {
	args       AppendArgs
	convID     string
	seq        int64
	recordedAt time.Time
}

// MemoryStore 内存历史库实现，用于开发验证与测试。
type MemoryStore struct {
	mu      sync.RWMutex
	byRelay map[string]*record
	seqs    map[string]int64 // convID -> 最后分配的序号

	// 故障注入：测试用
	appendErr error
}

// NewMemoryStore 创建内存历史库。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byRelay: make(map[string]*record),
		seqs:    make(map[string]int64),
	}
}

// FailAppends 让后续 Append 调用返回指定错误（测试用）。
func (s *MemoryStore) FailAppends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendErr = err
}

// Exists 判断某信封是否已有对应历史记录。
func (s *MemoryStore) Exists(_ context.Context, relayMessageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byRelay[relayMessageID]
	return ok, nil
}

// Append 追加历史记录（对同一 relayMessageID 幂等）。
func (s *MemoryStore) Append(_ context.Context, args AppendArgs) (string, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.appendErr != nil {
		return "", 0, s.appendErr
	}

	if existing, ok := s.byRelay[args.RelayMessageID]; ok {
		return existing.convID, existing.seq, nil
	}

	convID := ConvID(args.From, args.To)
	s.seqs[convID]++
	rec := &record{
		args:       args,
		convID:     convID,
		seq:        s.seqs[convID],
		recordedAt: time.Now().UTC(),
	}
	s.byRelay[args.RelayMessageID] = rec
	return rec.convID, rec.seq, nil
}

// ListLinks 游标式遍历历史记录的外键。
func (s *MemoryStore) ListLinks(_ context.Context, cursor string, limit int) ([]Link, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.byRelay))
	for id := range s.byRelay {
		if id > cursor {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	next := ""
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
		next = ids[len(ids)-1]
	}

	links := make([]Link, 0, len(ids))
	for _, id := range ids {
		rec := s.byRelay[id]
		links = append(links, Link{RelayMessageID: id, ConvID: rec.convID, Seq: rec.seq, To: rec.args.To})
	}
	return links, next, nil
}

// Delete 删除一条历史记录（测试用，模拟历史侧漂移）。
func (s *MemoryStore) Delete(relayMessageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byRelay, relayMessageID)
}

// Health 内存实现永远健康。
func (s *MemoryStore) Health() error {
	return nil
}

// Close 关闭存储。
func (s *MemoryStore) Close() error {
	return nil
}
