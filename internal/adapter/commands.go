package adapter

import (
	"context"
	"errors"

	"evroaming/internal/cache"
	"evroaming/internal/models"
	"evroaming/internal/party"
	"evroaming/internal/protocol"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func rejected(sessionId, text string) protocol.CommandResponse {
	return protocol.CommandResponse{
		Result:    protocol.CommandRejected,
		SessionId: sessionId,
		Message:   &protocol.DisplayText{Language: "en", Text: text},
	}
}

// StartSession starts a session on the EVSE the caller names. The caller has
// authorized the token itself, so no authorization source is asked.
func (a *Adapter) StartSession(ctx context.Context, caller party.Binding, req protocol.StartSession) protocol.CommandResponse {
	if a.flags.ShuttingDown() {
		return rejected("", "shutting down")
	}
	if req.EvseUid == "" {
		return rejected("", "evse_uid is required")
	}
	evseId, ok := a.mapper.Identities().DomainEVSEId(req.LocationId, req.EvseUid)
	if !ok {
		return rejected("", "unknown evse")
	}
	evse, ok := a.net.EVSE(evseId)
	if !ok {
		return rejected("", "unknown evse")
	}
	if evse.Status != models.EVSEStatusAvailable {
		return rejected("", "evse is "+string(evse.Status))
	}

	sessionId := uuid.NewString()
	corr := cache.SessionCorrelation{
		SessionId:              sessionId,
		ProtocolSessionId:      sessionId,
		ProviderIdStart:        caller.ProviderId(),
		AuthorizationReference: req.AuthorizationReference,
		Token:                  req.Token.Uid,
		PoolId:                 evse.PoolId,
		EvseId:                 evseId,
		ViaCommand:             true,
		CreatedAt:              a.now(),
	}
	if err := a.correlations.Create(ctx, corr); err != nil {
		a.logger.Error("create session correlation", zap.String("session_id", sessionId), zap.Error(err))
		return rejected("", "session could not be registered")
	}

	s := models.ChargingSession{
		SessionId:       sessionId,
		EvseId:          evseId,
		AuthToken:       req.Token.Uid,
		ProviderIdStart: caller.ProviderId(),
		StartedAt:       a.now(),
		CostCurrency:    a.cfg.Currency,
	}
	if err := a.net.StartSession(ctx, s); err != nil {
		a.logger.Warn("start session", zap.String("session_id", sessionId), zap.Error(err))
		// the correlation stays; it is frozen so it cannot be reused
		_ = a.correlations.Complete(ctx, sessionId)
		return rejected("", "session could not be started")
	}
	a.saveSession(ctx, s)
	return protocol.CommandResponse{Result: protocol.CommandAccepted, SessionId: sessionId}
}

// StopSession ends a session the caller started. Sessions of other parties
// are reported as unknown.
func (a *Adapter) StopSession(ctx context.Context, caller party.Binding, req protocol.StopSession) protocol.CommandResponse {
	if a.flags.ShuttingDown() {
		return rejected(req.SessionId, "shutting down")
	}
	unknown := protocol.CommandResponse{Result: protocol.CommandUnknownSession, SessionId: req.SessionId}

	s, ok := a.net.Session(req.SessionId)
	if !ok {
		return unknown
	}
	owner := s.ProviderIdStart
	corr, hasCorr, err := a.correlations.Get(ctx, req.SessionId)
	if err != nil {
		a.logger.Error("get session correlation", zap.String("session_id", req.SessionId), zap.Error(err))
		return rejected(req.SessionId, "session lookup failed")
	}
	if hasCorr {
		owner = corr.ProviderIdStart
	}
	if owner != caller.ProviderId() {
		return unknown
	}
	if s.IsCompleted() {
		return rejected(req.SessionId, "session already completed")
	}

	if hasCorr {
		if err := a.correlations.SetStopProvider(ctx, req.SessionId, caller.ProviderId()); err != nil &&
			!errors.Is(err, cache.ErrCorrelationFrozen) {
			a.logger.Warn("record stop provider", zap.String("session_id", req.SessionId), zap.Error(err))
		}
	}
	err = a.net.CompleteSession(ctx, req.SessionId, a.now(), s.EnergyWh, s.CostAmount, s.CostCurrency)
	if err != nil {
		a.logger.Warn("stop session", zap.String("session_id", req.SessionId), zap.Error(err))
		return rejected(req.SessionId, "session could not be stopped")
	}
	return protocol.CommandResponse{Result: protocol.CommandAccepted, SessionId: req.SessionId}
}
