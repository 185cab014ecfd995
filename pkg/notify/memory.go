package notify

import (
	"context"
	"sync"
)

// MemoryDeliverer captures notifications for tests and dev environments.
type MemoryDeliverer struct {
	mu       sync.Mutex
	captured []Notification
}

func NewMemoryDeliverer() *MemoryDeliverer {
	return &MemoryDeliverer{}
}

func (d *MemoryDeliverer) Deliver(_ context.Context, n Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.captured = append(d.captured, n)
	return nil
}

// Captured returns a copy of everything delivered so far.
func (d *MemoryDeliverer) Captured() []Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Notification, len(d.captured))
	copy(out, d.captured)
	return out
}

// Reset clears captured notifications.
func (d *MemoryDeliverer) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.captured = nil
}
