package storage

import (
	"context"
	"sync"
	"time"

	"imageforge/internal/models"
)

// Memory is a process-local Registry used when no database is configured.
type Memory struct {
	mu     sync.RWMutex
	nextID int64
	images map[int64]models.ImageRecord
	now    func() time.Time
}

var _ Registry = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{images: make(map[int64]models.ImageRecord), now: time.Now}
}

func (m *Memory) Create(_ context.Context, originalName, mimeType string, size int64, artifactID string) (models.ImageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	now := m.now().UTC()
	rec := models.ImageRecord{
		ID:            m.nextID,
		OriginalName:  originalName,
		MimeType:      mimeType,
		Size:          size,
		ArtifactID:    artifactID,
		LastOperation: models.OpPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.images[rec.ID] = rec
	return clone(rec), nil
}

func (m *Memory) Get(_ context.Context, id int64) (models.ImageRecord, error) {
	const op = "storage.Memory.Get"

	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.images[id]
	if !ok {
		return models.ImageRecord{}, models.NewError(models.KindNotFound, op, models.ErrNotFound)
	}
	return clone(rec), nil
}

func (m *Memory) Update(_ context.Context, id int64, patch models.ImagePatch) (models.ImageRecord, error) {
	const op = "storage.Memory.Update"

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.images[id]
	if !ok {
		return models.ImageRecord{}, models.NewError(models.KindNotFound, op, models.ErrNotFound)
	}
	rec = patch.Apply(rec)
	rec.UpdatedAt = m.now().UTC()
	m.images[id] = rec
	return clone(rec), nil
}

func clone(rec models.ImageRecord) models.ImageRecord {
	if rec.LastParams != nil {
		rec.LastParams = append([]byte(nil), rec.LastParams...)
	}
	return rec
}
