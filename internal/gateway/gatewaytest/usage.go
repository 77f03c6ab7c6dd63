package gatewaytest

import (
	"context"
	"sync"

	"github.com/mrmushfiq/llm0-credit-gateway/internal/shared/models"
)

// UsageStore keeps usage rows in memory
type UsageStore struct {
	mu   sync.Mutex
	rows []models.UsageRecord
	Err  error
}

func (s *UsageStore) InsertUsage(_ context.Context, rec *models.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.rows = append(s.rows, *rec)
	return nil
}

// Rows returns a copy of every stored row in insertion order
func (s *UsageStore) Rows() []models.UsageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.UsageRecord(nil), s.rows...)
}
