package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultPerCaller = 200

// InMemoryStore keeps history in process. It is bounded per caller.
type InMemoryStore struct {
	mu        sync.RWMutex
	records   map[string][]TurnRecord
	perCaller int
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string][]TurnRecord), perCaller: defaultPerCaller}
}

func (s *InMemoryStore) SaveTurn(_ context.Context, record TurnRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	arr := append(s.records[record.Caller], record)
	if over := len(arr) - s.perCaller; over > 0 {
		arr = append([]TurnRecord(nil), arr[over:]...)
	}
	s.records[record.Caller] = arr
	return nil
}

func (s *InMemoryStore) RecentContext(_ context.Context, caller string, limit int) ([]TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.records[caller]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]TurnRecord, limit)
	copy(out, arr[len(arr)-limit:])
	return out, nil
}

func (s *InMemoryStore) Backend() string { return "in-memory" }

func (s *InMemoryStore) Close() error { return nil }
