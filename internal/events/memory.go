package events

import (
	"context"
	"sync"

	"MailGateway/internal/models"
)

// MemoryRepository is an in-process ledger used by tests of the pipelines.
type MemoryRepository struct {
	mu     sync.Mutex
	nextID int64
	events []models.Event

	// Err, when set, is returned by CreateEvent.
	Err error
}

func (r *MemoryRepository) CreateEvent(_ context.Context, e *models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Err != nil {
		return r.Err
	}
	r.nextID++
	e.ID = r.nextID
	r.events = append(r.events, *e)
	return nil
}

func (r *MemoryRepository) Events() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Event(nil), r.events...)
}

func (r *MemoryRepository) ForMailbox(id int64) []models.Event {
	var out []models.Event
	for _, e := range r.Events() {
		if e.MailboxID == id {
			out = append(out, e)
		}
	}
	return out
}
