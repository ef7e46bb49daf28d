package network

import (
	"context"
	"fmt"
	"sort"
	"time"

	"evroaming/internal/models"

	"github.com/shopspring/decimal"
)

func (n *Network) StartSession(ctx context.Context, s models.ChargingSession) error {
	if s.SessionId == "" {
		return fmt.Errorf("session: empty id")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.evses[s.EvseId]; !ok {
		return fmt.Errorf("session %s: evse %s not found", s.SessionId, s.EvseId)
	}
	if _, ok := n.sessions[s.SessionId]; ok {
		return fmt.Errorf("session %s already exists", s.SessionId)
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = n.now()
	}
	s.EndedAt = nil
	n.sessions[s.SessionId] = s
	return nil
}

// RestoreSession puts back a persisted session as is, without notifying
// anyone.
func (n *Network) RestoreSession(s models.ChargingSession) error {
	if s.SessionId == "" {
		return fmt.Errorf("session: empty id")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sessions[s.SessionId] = s
	return nil
}

// CompleteSession ends a running session and publishes OnSessionCompleted.
// Completing an already completed session is a no-op.
func (n *Network) CompleteSession(ctx context.Context, sessionId string, endedAt time.Time, energyWh int64, cost decimal.Decimal, currency string) error {
	n.mu.Lock()
	s, ok := n.sessions[sessionId]
	if !ok {
		n.mu.Unlock()
		return fmt.Errorf("session %s not found", sessionId)
	}
	if s.IsCompleted() {
		n.mu.Unlock()
		return nil
	}
	if endedAt.IsZero() {
		endedAt = n.now()
	}
	s.EndedAt = &endedAt
	s.EnergyWh = energyWh
	s.CostAmount = cost
	if currency != "" {
		s.CostCurrency = currency
	}
	n.sessions[sessionId] = s
	n.mu.Unlock()

	n.OnSessionCompleted.Publish(ctx, s)
	return nil
}

func (n *Network) Session(id string) (models.ChargingSession, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s, ok := n.sessions[id]
	return s, ok
}

// CompletedSessions returns completed sessions ordered by end time.
func (n *Network) CompletedSessions() []models.ChargingSession {
	n.mu.RLock()
	var out []models.ChargingSession
	for _, s := range n.sessions {
		if s.IsCompleted() {
			out = append(out, s)
		}
	}
	n.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EndedAt.Equal(*out[j].EndedAt) {
			return out[i].EndedAt.Before(*out[j].EndedAt)
		}
		return out[i].SessionId < out[j].SessionId
	})
	return out
}

func (n *Network) RegisterRoamingProvider(p RoamingProvider) {
	n.providersMu.Lock()
	defer n.providersMu.Unlock()
	n.providers = append(n.providers, p)
}

func (n *Network) roamingProviders() []RoamingProvider {
	n.providersMu.RLock()
	defer n.providersMu.RUnlock()
	return append([]RoamingProvider(nil), n.providers...)
}

// AuthorizeStart asks every registered roaming provider in registration
// order and returns the first authorization. Without an authorization the
// last answer is returned.
func (n *Network) AuthorizeStart(ctx context.Context, req models.AuthorizeStartRequest) models.AuthorizationResult {
	res := models.AuthorizationResult{Result: models.AuthNotAuthorized, Description: "no roaming provider"}
	for _, p := range n.roamingProviders() {
		res = p.AuthorizeStart(ctx, req)
		if res.Authorized() {
			return res
		}
	}
	return res
}

func (n *Network) AuthorizeStop(ctx context.Context, req models.AuthorizeStopRequest) models.AuthorizationResult {
	res := models.AuthorizationResult{Result: models.AuthInvalidSession, SessionId: req.SessionId, Description: "no roaming provider"}
	for _, p := range n.roamingProviders() {
		res = p.AuthorizeStop(ctx, req)
		if res.Authorized() {
			return res
		}
	}
	return res
}

// SendChargeDetailRecord hands a completed session to every roaming provider.
func (n *Network) SendChargeDetailRecord(ctx context.Context, sessionId string) ([]models.CDRResult, error) {
	s, ok := n.Session(sessionId)
	if !ok {
		return nil, fmt.Errorf("session %s not found", sessionId)
	}
	if !s.IsCompleted() {
		return nil, fmt.Errorf("session %s is not completed", sessionId)
	}
	var out []models.CDRResult
	for _, p := range n.roamingProviders() {
		out = append(out, p.SendChargeDetailRecord(ctx, s))
	}
	return out, nil
}
