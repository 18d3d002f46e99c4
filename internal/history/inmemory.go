package history

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultPerUser  = 200
	defaultMaxUsers = 1000
)

type userLog struct {
	userID  string
	records []Record
}

// InMemoryStore keeps the most recent translations per user in process. Users
// beyond maxUsers are evicted, least recently written first.
type InMemoryStore struct {
	mu       sync.RWMutex
	perUser  int
	maxUsers int
	byUser   map[string]*list.Element
	order    *list.List // front is the most recently written user
}

// NewInMemoryStore retains at most perUser records for each of at most
// maxUsers users. Zero or less selects the defaults.
func NewInMemoryStore(perUser, maxUsers int) *InMemoryStore {
	if perUser <= 0 {
		perUser = defaultPerUser
	}
	if maxUsers <= 0 {
		maxUsers = defaultMaxUsers
	}
	return &InMemoryStore{
		perUser:  perUser,
		maxUsers: maxUsers,
		byUser:   make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (s *InMemoryStore) SaveTranslation(_ context.Context, record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	el, ok := s.byUser[record.UserID]
	if ok {
		s.order.MoveToFront(el)
	} else {
		el = s.order.PushFront(&userLog{userID: record.UserID})
		s.byUser[record.UserID] = el
		for s.order.Len() > s.maxUsers {
			oldest := s.order.Back()
			s.order.Remove(oldest)
			delete(s.byUser, oldest.Value.(*userLog).userID)
		}
	}

	ul := el.Value.(*userLog)
	arr := append(ul.records, record)
	if over := len(arr) - s.perUser; over > 0 {
		arr = append([]Record(nil), arr[over:]...)
	}
	ul.records = arr
	return nil
}

func (s *InMemoryStore) Recent(_ context.Context, userID string, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	el, ok := s.byUser[userID]
	if !ok {
		return nil, nil
	}
	arr := el.Value.(*userLog).records
	limit = min(clampLimit(limit), len(arr))
	out := make([]Record, limit)
	copy(out, arr[len(arr)-limit:])
	return out, nil
}

// Users is the number of users with retained records.
func (s *InMemoryStore) Users() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.order.Len()
}

func (s *InMemoryStore) Close() error { return nil }
