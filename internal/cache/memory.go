package cache

import (
	"context"
	"sync"
)

type MemoryCorrelations struct {
	mu   sync.RWMutex
	byId map[string]SessionCorrelation
}

func NewMemoryCorrelations() *MemoryCorrelations {
	return &MemoryCorrelations{byId: map[string]SessionCorrelation{}}
}

func (m *MemoryCorrelations) Create(_ context.Context, c SessionCorrelation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byId[c.SessionId]; ok {
		return ErrCorrelationExists
	}
	m.byId[c.SessionId] = c
	return nil
}

func (m *MemoryCorrelations) Get(_ context.Context, sessionId string) (SessionCorrelation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byId[sessionId]
	return c, ok, nil
}

func (m *MemoryCorrelations) SetStopProvider(_ context.Context, sessionId, providerId string) error {
	return m.update(sessionId, func(c *SessionCorrelation) { c.ProviderIdStop = providerId })
}

func (m *MemoryCorrelations) Complete(_ context.Context, sessionId string) error {
	return m.update(sessionId, func(c *SessionCorrelation) { c.Completed = true })
}

func (m *MemoryCorrelations) update(sessionId string, fn func(*SessionCorrelation)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byId[sessionId]
	if !ok {
		return ErrNoCorrelation
	}
	if c.Completed {
		return ErrCorrelationFrozen
	}
	fn(&c)
	m.byId[sessionId] = c
	return nil
}

type MemoryDelivered struct {
	mu        sync.RWMutex
	delivered map[string]struct{}
	filtered  map[string]struct{}
	claimed   map[string]struct{}
}

func NewMemoryDelivered() *MemoryDelivered {
	return &MemoryDelivered{
		delivered: map[string]struct{}{},
		filtered:  map[string]struct{}{},
		claimed:   map[string]struct{}{},
	}
}

func (m *MemoryDelivered) Claim(_ context.Context, sessionId string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return addId(m.claimed, sessionId), nil
}

func (m *MemoryDelivered) Release(_ context.Context, sessionId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claimed, sessionId)
	return nil
}

func (m *MemoryDelivered) Add(_ context.Context, sessionId string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claimed[sessionId] = struct{}{}
	return addId(m.delivered, sessionId), nil
}

func (m *MemoryDelivered) MarkFiltered(_ context.Context, sessionId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filtered[sessionId] = struct{}{}
	return nil
}

func (m *MemoryDelivered) Lookup(_ context.Context, sessionId string) (Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lookup(
		has(m.delivered, sessionId),
		has(m.filtered, sessionId),
		has(m.claimed, sessionId),
	), nil
}

func addId(set map[string]struct{}, id string) bool {
	if _, ok := set[id]; ok {
		return false
	}
	set[id] = struct{}{}
	return true
}

func has(set map[string]struct{}, id string) bool {
	_, ok := set[id]
	return ok
}

func lookup(delivered, filtered, claimed bool) Delivery {
	switch {
	case delivered:
		return Delivered
	case filtered:
		return Filtered
	case claimed:
		return Claimed
	default:
		return Undelivered
	}
}
