package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/centromex/photo-relay/internal/models"
)

// Memory is a process-local Store used for development and tests.
type Memory struct {
	mu       sync.RWMutex
	requests []models.Request
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Create(ctx context.Context, req *models.Request) (string, error) {
	if err := prepare(req); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.requests {
		if r.ID == req.ID {
			return "", persistErr("create", fmt.Errorf("duplicate request id %s", req.ID))
		}
		if r.Status == models.StatusProcessing && req.Status == models.StatusProcessing &&
			r.ForwardedMessageID == req.ForwardedMessageID {
			return "", persistErr("create", fmt.Errorf("forwarded message %d already outstanding", req.ForwardedMessageID))
		}
	}
	m.requests = append(m.requests, *req)
	return req.ID, nil
}

func (m *Memory) FindLatestByRequester(ctx context.Context, chatID int64) (*models.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *models.Request
	for i := range m.requests {
		r := &m.requests[i]
		if r.RequesterChatID != chatID {
			continue
		}
		if latest == nil || newer(r, latest) {
			latest = r
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	out := *latest
	return &out, nil
}

func (m *Memory) FindByForwardedMessageID(ctx context.Context, forwardedID int) (*models.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var match *models.Request
	for i := range m.requests {
		r := &m.requests[i]
		if r.ForwardedMessageID != forwardedID {
			continue
		}
		switch {
		case match == nil:
			match = r
		case r.Status == models.StatusProcessing && match.Status != models.StatusProcessing:
			match = r
		case r.Status == match.Status && newer(r, match):
			match = r
		}
	}
	if match == nil {
		return nil, ErrNotFound
	}
	out := *match
	return &out, nil
}

func (m *Memory) MarkCompleted(ctx context.Context, forwardedID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	found := false
	for i := range m.requests {
		r := &m.requests[i]
		if r.ForwardedMessageID != forwardedID {
			continue
		}
		found = true
		if r.Status == models.StatusProcessing {
			now := time.Now().UTC()
			r.Status = models.StatusCompleted
			r.CompletedAt = &now
		}
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

func (m *Memory) CountOutstanding(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, r := range m.requests {
		if r.Status == models.StatusProcessing && r.CreatedAt.Before(cutoff) {
			count++
		}
	}
	return count, nil
}

func (m *Memory) Close() error { return nil }

// newer orders by creation time, then by the time-ordered ID.
func newer(a, b *models.Request) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}
