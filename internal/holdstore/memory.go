package holdstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iliyamo/bus-ticketing/internal/clock"
	"github.com/iliyamo/bus-ticketing/internal/model"
)

// Memory is a process-local Store.  Each hold is evicted by a clock timer
// at its expiry, so entries never outlive the remote lock.
type Memory struct {
	clock clock.Clock

	mu      sync.Mutex
	holds   map[string]memEntry
	pending map[string]model.PendingConfirmation
}

type memEntry struct {
	hold  model.Hold
	timer *clock.Timer
}

// NewMemory returns an empty Memory store.
func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.Real()
	}
	return &Memory{
		clock:   clk,
		holds:   map[string]memEntry{},
		pending: map[string]model.PendingConfirmation{},
	}
}

func (m *Memory) Put(_ context.Context, h model.Hold) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.holds[h.Token]; ok {
		old.timer.Stop()
		delete(m.holds, h.Token)
	}
	ttl := h.ExpiresAt.Sub(m.clock.Now())
	if ttl <= 0 {
		return nil
	}
	token, expiresAt := h.Token, h.ExpiresAt
	m.holds[token] = memEntry{
		hold:  h,
		timer: m.clock.AfterFunc(ttl, func() { m.evict(token, expiresAt) }),
	}
	return nil
}

// evict drops token if it still holds the entry that scheduled the timer.
func (m *Memory) evict(token string, expiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.holds[token]; ok && e.hold.ExpiresAt.Equal(expiresAt) {
		delete(m.holds, token)
	}
}

func (m *Memory) Get(_ context.Context, token string) (model.Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.holds[token]
	if !ok || e.hold.Expired(m.clock.Now()) {
		return model.Hold{}, ErrNotFound
	}
	return e.hold, nil
}

func (m *Memory) Delete(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.holds[token]; ok {
		e.timer.Stop()
		delete(m.holds, token)
	}
	return nil
}

// Len returns the number of cached holds.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.holds)
}

func (m *Memory) PutPending(_ context.Context, p model.PendingConfirmation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[p.Hold.Token] = p
	return nil
}

func (m *Memory) GetPending(_ context.Context, token string) (model.PendingConfirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[token]
	if !ok {
		return model.PendingConfirmation{}, ErrNotFound
	}
	return p, nil
}

func (m *Memory) ListPending(_ context.Context) ([]model.PendingConfirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.PendingConfirmation, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, p)
	}
	sortPending(out)
	return out, nil
}

func (m *Memory) DeletePending(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, token)
	return nil
}

func sortPending(ps []model.PendingConfirmation) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].ConfirmedAt.Before(ps[j].ConfirmedAt) })
}
