package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cropdoc/pkg/domain"
)

type quotaKey struct {
	userID    string
	monthYear string
}

// MemoryStore keeps quotas and diagnoses in-process.
type MemoryStore struct {
	mu        sync.RWMutex
	quotas    map[quotaKey]domain.SubmissionQuota
	diagnoses map[string]domain.DiagnosisRecord
	orders    []string
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		quotas:    make(map[quotaKey]domain.SubmissionQuota),
		diagnoses: make(map[string]domain.DiagnosisRecord),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) GetQuota(_ context.Context, userID, monthYear string) (domain.SubmissionQuota, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.quotas[quotaKey{userID, monthYear}]
	return q, ok, nil
}

// IncrementQuota counts one submission under the write lock.
func (m *MemoryStore) IncrementQuota(_ context.Context, userID, monthYear string, defaultMax int) (domain.SubmissionQuota, error) {
	if defaultMax <= 0 {
		defaultMax = domain.DefaultMaxSubmissions
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := quotaKey{userID, monthYear}
	q, ok := m.quotas[key]
	if !ok {
		q = domain.SubmissionQuota{UserID: userID, MonthYear: monthYear, MaxSubmissions: defaultMax}
	}
	if q.SubmissionCount >= q.MaxSubmissions {
		return domain.SubmissionQuota{}, ErrQuotaExhausted
	}
	q.SubmissionCount++
	m.quotas[key] = q
	return q, nil
}

func (m *MemoryStore) SetQuotaMax(_ context.Context, userID, monthYear string, max int) (domain.SubmissionQuota, error) {
	if max < 1 {
		return domain.SubmissionQuota{}, fmt.Errorf("max submissions must be >= 1")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := quotaKey{userID, monthYear}
	q, ok := m.quotas[key]
	if !ok {
		q = domain.SubmissionQuota{UserID: userID, MonthYear: monthYear}
	}
	q.MaxSubmissions = max
	m.quotas[key] = q
	return q, nil
}

func (m *MemoryStore) SaveDiagnosis(_ context.Context, rec domain.DiagnosisRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.diagnoses[rec.ID]; exists {
		return fmt.Errorf("diagnosis %s already exists", rec.ID)
	}
	rec.Result.Normalize()
	m.diagnoses[rec.ID] = rec
	m.orders = append(m.orders, rec.ID)
	return nil
}

func (m *MemoryStore) GetDiagnosis(_ context.Context, id string) (domain.DiagnosisRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.diagnoses[id]
	return rec, ok, nil
}

// ListDiagnosesByUser returns a user's diagnoses, newest first.
func (m *MemoryStore) ListDiagnosesByUser(_ context.Context, userID string, limit int) ([]domain.DiagnosisRecord, error) {
	m.mu.RLock()
	res := make([]domain.DiagnosisRecord, 0)
	for i := len(m.orders) - 1; i >= 0; i-- {
		if rec, ok := m.diagnoses[m.orders[i]]; ok && rec.UserID == userID {
			res = append(res, rec)
		}
	}
	m.mu.RUnlock()
	sort.SliceStable(res, func(i, j int) bool {
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (m *MemoryStore) DeleteDiagnosis(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.diagnoses[id]; !ok {
		return nil
	}
	delete(m.diagnoses, id)
	for i, existing := range m.orders {
		if existing == id {
			m.orders = append(m.orders[:i], m.orders[i+1:]...)
			break
		}
	}
	return nil
}
