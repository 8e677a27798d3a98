package storage

import (
	"context"
	"sync"

	"github.com/xilidan/transcriber/services/session/entity"
)

type Storage interface {
	SaveIngestion(ctx context.Context, result *entity.IngestionResult) error
	ListIngestions(ctx context.Context, sessionID string) ([]*entity.IngestionResult, error)
	Close() error
}

type storage struct {
	mu         sync.RWMutex
	ingestions map[string][]*entity.IngestionResult
}

// New returns the in-memory storage used when no database is configured.
func New() Storage {
	return &storage{
		ingestions: make(map[string][]*entity.IngestionResult),
	}
}

func (s *storage) SaveIngestion(ctx context.Context, result *entity.IngestionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := *result
	s.ingestions[result.SessionID] = append(s.ingestions[result.SessionID], &r)
	return nil
}

func (s *storage) ListIngestions(ctx context.Context, sessionID string) ([]*entity.IngestionResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.ingestions[sessionID]
	out := make([]*entity.IngestionResult, len(stored))
	for i, r := range stored {
		c := *r
		out[i] = &c
	}
	return out, nil
}

func (s *storage) Close() error {
	return nil
}
