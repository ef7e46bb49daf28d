// Package cdr turns completed charging sessions into charge detail records and
// delivers each of them at most once to the provider that authorized the
// session.
package cdr

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"evroaming/internal/apperrors"
	"evroaming/internal/cache"
	"evroaming/internal/mapper"
	"evroaming/internal/metrics"
	"evroaming/internal/models"
	"evroaming/internal/options"
	"evroaming/internal/protocol"
	"evroaming/internal/store"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Sink receives the CDRs of one provider. *remote.Client is one.
type Sink interface {
	ProviderId() string
	PostCDR(ctx context.Context, cdr protocol.CDR) error
}

type Config struct {
	Filter options.CDRFilter
	// Timeout bounds each delivery.
	Timeout time.Duration
}

type Deps struct {
	Mapper       *mapper.Mapper
	Store        *store.Store
	Correlations cache.CorrelationStore
	Delivered    cache.DeliveredSet
	Sinks        []Sink
	Flags        *options.Flags
	Metrics      *metrics.Metrics
}

// errDeliveryInDoubt reports a claimed CDR without a recorded outcome. It is
// not sent again automatically.
var errDeliveryInDoubt = errors.New("cdr was claimed for delivery before; outcome unknown")

type Forwarder struct {
	cfg      Config
	deps     Deps
	sinks    map[string]Sink
	validate *validator.Validate
	inflight singleflight.Group
	logger   *zap.Logger
	now      func() time.Time
}

func New(cfg Config, deps Deps, logger *zap.Logger) *Forwarder {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	sinks := make(map[string]Sink, len(deps.Sinks))
	for _, s := range deps.Sinks {
		sinks[s.ProviderId()] = s
	}
	return &Forwarder{
		cfg:      cfg,
		deps:     deps,
		sinks:    sinks,
		validate: validator.New(),
		logger:   logger.Named("cdr"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Forward delivers the CDR of a completed session. Concurrent calls for the
// same session share one delivery.
func (f *Forwarder) Forward(ctx context.Context, session models.ChargingSession) models.CDRResult {
	if f.deps.Flags.ShuttingDown() || f.deps.Flags.SendCDRsDisabled() {
		return f.done(models.CDRResult{SessionId: session.SessionId, Outcome: models.CDRDisabled, Description: "sending CDRs is disabled"})
	}
	v, _, _ := f.inflight.Do(session.SessionId, func() (any, error) {
		return f.forward(ctx, session), nil
	})
	return v.(models.CDRResult)
}

func (f *Forwarder) done(res models.CDRResult) models.CDRResult {
	f.deps.Metrics.CDRTotal.WithLabelValues(string(res.Outcome)).Inc()
	return res
}

func (f *Forwarder) fail(session models.ChargingSession, err error) models.CDRResult {
	f.logger.Warn("forward cdr", zap.String("session_id", session.SessionId), zap.Error(err))
	return f.done(models.CDRResult{SessionId: session.SessionId, Outcome: models.CDRError, Description: err.Error()})
}

func (f *Forwarder) forward(ctx context.Context, session models.ChargingSession) models.CDRResult {
	res := models.CDRResult{SessionId: session.SessionId}
	state, err := f.deps.Delivered.Lookup(ctx, session.SessionId)
	if err != nil {
		return f.fail(session, err)
	}
	switch state {
	case cache.Delivered:
		res.Outcome, res.AlreadyDelivered = models.CDRSuccess, true
		return f.done(res)
	case cache.Filtered:
		res.Outcome, res.Description = models.CDRFiltered, "excluded by filter"
		return f.done(res)
	case cache.Claimed:
		return f.fail(session, errDeliveryInDoubt)
	}

	corr, hasCorr, err := f.deps.Correlations.Get(ctx, session.SessionId)
	if err != nil {
		return f.fail(session, err)
	}
	if hasCorr && !corr.Completed {
		if err := f.deps.Correlations.Complete(ctx, session.SessionId); err != nil && !errors.Is(err, cache.ErrCorrelationFrozen) {
			f.logger.Warn("complete session correlation", zap.String("session_id", session.SessionId), zap.Error(err))
		}
	}

	providerId := session.ProviderIdStart
	if hasCorr {
		providerId = corr.ProviderIdStart
	}
	sink, ok := f.sinks[providerId]
	if !ok {
		return f.fail(session, apperrors.NewValidationError("UNKNOWN_PROVIDER",
			fmt.Sprintf("no counterparty for provider %q", providerId)))
	}

	cdr, err := f.Build(session, corr, hasCorr)
	if err != nil {
		return f.fail(session, err)
	}
	if f.cfg.Filter != nil && !f.cfg.Filter(session, cdr) {
		if err := f.deps.Delivered.MarkFiltered(ctx, session.SessionId); err != nil {
			f.logger.Warn("mark cdr filtered", zap.String("session_id", session.SessionId), zap.Error(err))
		}
		res.Outcome, res.Description = models.CDRFiltered, "excluded by filter"
		return f.done(res)
	}

	err = f.deps.Store.AddCDR(ctx, store.StoredCDR{ProviderId: providerId, CDR: cdr})
	if err != nil && !errors.Is(err, apperrors.ErrDuplicateCDR) {
		return f.fail(session, err)
	}

	claimed, err := f.deps.Delivered.Claim(ctx, session.SessionId)
	if err != nil {
		return f.fail(session, err)
	}
	if !claimed {
		return f.fail(session, errDeliveryInDoubt)
	}

	sendCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()
	if err := sink.PostCDR(sendCtx, cdr); err != nil {
		if rerr := f.deps.Delivered.Release(ctx, session.SessionId); rerr != nil {
			f.logger.Error("release cdr claim", zap.String("session_id", session.SessionId), zap.Error(rerr))
		}
		return f.fail(session, err)
	}

	if _, err := f.deps.Delivered.Add(ctx, session.SessionId); err != nil {
		// the claim still stands, so the CDR is not sent twice
		f.logger.Error("mark cdr delivered", zap.String("session_id", session.SessionId), zap.Error(err))
	}
	f.logger.Info("cdr delivered",
		zap.String("session_id", session.SessionId), zap.String("cdr_id", cdr.Id), zap.String("provider_id", providerId))
	res.Outcome = models.CDRSuccess
	return f.done(res)
}

// Build assembles and validates the CDR of a completed session.
func (f *Forwarder) Build(session models.ChargingSession, corr cache.SessionCorrelation, hasCorr bool) (protocol.CDR, error) {
	if !session.IsCompleted() {
		return protocol.CDR{}, apperrors.NewValidationError("SESSION_RUNNING", "session "+session.SessionId+" is not completed")
	}
	m := f.deps.Mapper
	id, ok := m.Identities().EVSE(session.EvseId)
	if !ok {
		return protocol.CDR{}, apperrors.NewMappingError(apperrors.ErrOrphanEntity.Code,
			fmt.Sprintf("session %s: evse %s is not mapped", session.SessionId, session.EvseId))
	}
	loc, ok := f.deps.Store.TryGetLocation(id.LocationId)
	if !ok {
		return protocol.CDR{}, apperrors.NewValidationError("UNKNOWN_LOCATION",
			fmt.Sprintf("session %s: location %s is not published", session.SessionId, id.LocationId))
	}
	evse, ok := loc.EVSE(id.EvseUid)
	if !ok {
		return protocol.CDR{}, apperrors.NewValidationError("UNKNOWN_EVSE",
			fmt.Sprintf("session %s: evse %s is not published", session.SessionId, id.EvseUid))
	}
	conn, err := chargingConnector(session, evse)
	if err != nil {
		return protocol.CDR{}, err
	}

	token := session.AuthToken
	authMethod := protocol.AuthMethodWhitelist
	protocolSessionId := session.SessionId
	var authRef string
	if hasCorr {
		authMethod = protocol.AuthMethodAuthRequest
		if corr.ViaCommand {
			authMethod = protocol.AuthMethodCommand
		}
		authRef = corr.AuthorizationReference
		if corr.ProtocolSessionId != "" {
			protocolSessionId = corr.ProtocolSessionId
		}
		if token == "" {
			token = corr.Token
		}
	}

	end := *session.EndedAt
	cdr := protocol.CDR{
		CountryCode:            m.CountryCode(),
		PartyId:                m.PartyId(),
		Id:                     session.SessionId,
		StartDateTime:          session.StartedAt,
		EndDateTime:            end,
		SessionId:              protocolSessionId,
		CDRToken:               protocol.CDRToken{Uid: token, Type: protocol.TokenRFID, ContractId: token},
		AuthMethod:             authMethod,
		AuthorizationReference: authRef,
		CDRLocation: protocol.CDRLocation{
			Id:                 loc.Id,
			Name:               loc.Name,
			Address:            loc.Address,
			City:               loc.City,
			PostalCode:         loc.PostalCode,
			Country:            loc.Country,
			Coordinates:        loc.Coordinates,
			EvseUid:            evse.Uid,
			EvseId:             evse.EvseId,
			ConnectorId:        conn.Id,
			ConnectorStandard:  conn.Standard,
			ConnectorFormat:    conn.Format,
			ConnectorPowerType: conn.PowerType,
		},
		Currency:    session.CostCurrency,
		TotalCost:   session.CostAmount,
		TotalEnergy: decimal.New(session.EnergyWh, -3),
		TotalTime:   hours(end.Sub(session.StartedAt)),
		LastUpdated: f.now(),
	}
	cdr = m.ConvertCDR(session, cdr)

	if err := f.validate.Struct(cdr); err != nil {
		return protocol.CDR{}, apperrors.NewValidationError("INVALID_CDR", "cdr "+cdr.Id).WithCause(err)
	}
	return cdr, nil
}

// chargingConnector picks the connector the session used: the one named by
// the session, or the only connector of the EVSE.
func chargingConnector(session models.ChargingSession, evse protocol.EVSE) (protocol.Connector, error) {
	var candidates []protocol.Connector
	for _, c := range evse.Connectors {
		if session.ConnectorId == nil || c.Id == strconv.Itoa(*session.ConnectorId) {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) != 1 {
		return protocol.Connector{}, apperrors.NewValidationError(apperrors.ErrAmbiguousConnector.Code,
			fmt.Sprintf("session %s: %d connector candidates on evse %s", session.SessionId, len(candidates), evse.Uid))
	}
	return candidates[0], nil
}

func hours(d time.Duration) decimal.Decimal {
	if d < 0 {
		d = 0
	}
	return decimal.NewFromInt(int64(d / time.Second)).Div(decimal.NewFromInt(3600)).Round(4)
}
