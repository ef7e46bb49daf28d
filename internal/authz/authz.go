// Package authz forwards start and stop authorizations of the charging
// network to the roaming counterparties and remembers who authorized which
// session.
package authz

import (
	"context"
	"errors"
	"net"
	"sort"
	"time"

	"evroaming/internal/cache"
	"evroaming/internal/mapper"
	"evroaming/internal/metrics"
	"evroaming/internal/models"
	"evroaming/internal/options"
	"evroaming/internal/protocol"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Source is a counterparty able to authorize tokens. *remote.Client is one.
type Source interface {
	ProviderId() string
	Priority() int
	AuthorizeToken(ctx context.Context, tokenUid string, ref protocol.LocationReferences) (protocol.AuthorizationInfo, error)
}

type Config struct {
	// Timeout bounds each counterparty call.
	Timeout time.Duration
}

type Bridge struct {
	timeout      time.Duration
	sources      []Source
	mapper       *mapper.Mapper
	correlations cache.CorrelationStore
	flags        *options.Flags
	metrics      *metrics.Metrics
	logger       *zap.Logger
	now          func() time.Time
}

func New(cfg Config, sources []Source, m *mapper.Mapper, correlations cache.CorrelationStore,
	flags *options.Flags, met *metrics.Metrics, logger *zap.Logger) *Bridge {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	ordered := append([]Source(nil), sources...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority() != ordered[j].Priority() {
			return ordered[i].Priority() < ordered[j].Priority()
		}
		return ordered[i].ProviderId() < ordered[j].ProviderId()
	})
	return &Bridge{
		timeout:      cfg.Timeout,
		sources:      ordered,
		mapper:       m,
		correlations: correlations,
		flags:        flags,
		metrics:      met,
		logger:       logger.Named("authz"),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Sources returns the fan-out order: priority, then provider id.
func (b *Bridge) Sources() []Source { return append([]Source(nil), b.sources...) }

func (b *Bridge) record(op string, res models.AuthorizationResult) models.AuthorizationResult {
	b.metrics.AuthTotal.WithLabelValues(op, string(res.Result)).Inc()
	return res
}

// AuthorizeStart asks the counterparties in order until one authorizes the
// token. On success the session is correlated with the authorizing provider.
func (b *Bridge) AuthorizeStart(ctx context.Context, req models.AuthorizeStartRequest) models.AuthorizationResult {
	if res, stop := b.gate(req.SessionId); stop {
		return b.record("start", res)
	}

	ref := b.locationReferences(req)
	var (
		blocked  bool
		timeouts int
	)
	for _, src := range b.order(req.PreferredProviderId) {
		result, info := b.ask(ctx, src, req.Token, ref)
		switch result {
		case models.AuthAuthorized:
			return b.correlate(ctx, req, src.ProviderId(), info)
		case models.AuthBlocked:
			blocked = true
		case models.AuthTimeout:
			timeouts++
		}
	}

	res := models.AuthorizationResult{Result: models.AuthNotAuthorized, SessionId: req.SessionId}
	switch {
	case len(b.sources) == 0:
		res.Description = "no counterparty configured"
	case blocked:
		res.Result = models.AuthBlocked
	case timeouts == len(b.sources):
		res.Result = models.AuthTimeout
	}
	b.logger.Info("start not authorized",
		zap.String("evse_id", req.EvseId), zap.String("result", string(res.Result)))
	return b.record("start", res)
}

func (b *Bridge) correlate(ctx context.Context, req models.AuthorizeStartRequest, providerId string, info protocol.AuthorizationInfo) models.AuthorizationResult {
	sessionId := req.SessionId
	if sessionId == "" {
		sessionId = uuid.NewString()
	}
	res := models.AuthorizationResult{
		Result:                 models.AuthAuthorized,
		SessionId:              sessionId,
		ProviderId:             providerId,
		AuthorizationReference: info.AuthorizationReference,
	}
	err := b.correlations.Create(ctx, cache.SessionCorrelation{
		SessionId:              sessionId,
		ProtocolSessionId:      sessionId,
		ProviderIdStart:        providerId,
		AuthorizationReference: info.AuthorizationReference,
		Token:                  req.Token,
		PoolId:                 req.PoolId,
		EvseId:                 req.EvseId,
		CreatedAt:              b.now(),
	})
	switch {
	case errors.Is(err, cache.ErrCorrelationExists):
		return b.record("start", models.AuthorizationResult{
			Result: models.AuthNotAuthorized, SessionId: sessionId, Description: "session id already in use",
		})
	case err != nil:
		// the authorization stands; CDRs fall back to the session's own provider id
		b.logger.Error("store session correlation", zap.String("session_id", sessionId), zap.Error(err))
	}
	b.logger.Info("start authorized",
		zap.String("session_id", sessionId), zap.String("provider_id", providerId))
	return b.record("start", res)
}

// AuthorizeStop authorizes the stop of a correlated session. The token that
// started the session may always stop it; any other token is checked with the
// provider that authorized the start.
func (b *Bridge) AuthorizeStop(ctx context.Context, req models.AuthorizeStopRequest) models.AuthorizationResult {
	if res, stop := b.gate(req.SessionId); stop {
		return b.record("stop", res)
	}

	corr, ok, err := b.correlations.Get(ctx, req.SessionId)
	if err != nil {
		b.logger.Error("load session correlation", zap.String("session_id", req.SessionId), zap.Error(err))
		return b.record("stop", models.AuthorizationResult{
			Result: models.AuthNotAuthorized, SessionId: req.SessionId, Description: "session lookup failed",
		})
	}
	if !ok || corr.Completed {
		return b.record("stop", models.AuthorizationResult{
			Result: models.AuthInvalidSession, SessionId: req.SessionId, Description: "unknown session",
		})
	}

	res := models.AuthorizationResult{
		Result:                 models.AuthNotAuthorized,
		SessionId:              req.SessionId,
		ProviderId:             corr.ProviderIdStart,
		AuthorizationReference: corr.AuthorizationReference,
	}
	if req.Token == corr.Token {
		res.Result = models.AuthAuthorized
	} else if src := b.source(corr.ProviderIdStart); src != nil {
		ref := protocol.LocationReferences{}
		if id, ok := b.mapper.Identities().EVSE(corr.EvseId); ok {
			ref = protocol.LocationReferences{LocationId: id.LocationId, EvseUids: []string{id.EvseUid}}
		}
		if result, _ := b.ask(ctx, src, req.Token, ref); result == models.AuthAuthorized {
			res.Result = result
		}
	} else {
		res.Description = "start provider is no longer configured"
	}

	if res.Authorized() {
		if err := b.correlations.SetStopProvider(ctx, req.SessionId, corr.ProviderIdStart); err != nil {
			b.logger.Warn("record stop provider", zap.String("session_id", req.SessionId), zap.Error(err))
		}
	}
	return b.record("stop", res)
}

func (b *Bridge) gate(sessionId string) (models.AuthorizationResult, bool) {
	switch {
	case b.flags.ShuttingDown():
		return models.AuthorizationResult{Result: models.AuthNotAuthorized, SessionId: sessionId, Description: "shutting down"}, true
	case b.flags.AuthenticationDisabled():
		return models.AuthorizationResult{Result: models.AuthNotAuthorized, SessionId: sessionId, Description: "authentication disabled"}, true
	}
	return models.AuthorizationResult{}, false
}

// ask performs one bounded call and classifies its answer.
func (b *Bridge) ask(ctx context.Context, src Source, token string, ref protocol.LocationReferences) (models.AuthResult, protocol.AuthorizationInfo) {
	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	info, err := src.AuthorizeToken(callCtx, token, ref)
	if err != nil {
		result := classify(err)
		b.logger.Warn("authorize token",
			zap.String("provider_id", src.ProviderId()), zap.String("result", string(result)), zap.Error(err))
		return result, info
	}
	switch info.Allowed {
	case protocol.AllowedAllowed:
		return models.AuthAuthorized, info
	case protocol.AllowedBlocked:
		return models.AuthBlocked, info
	default:
		return models.AuthNotAuthorized, info
	}
}

func classify(err error) models.AuthResult {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.AuthTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return models.AuthTimeout
	}
	return models.AuthNotAuthorized
}

func (b *Bridge) order(preferred string) []Source {
	if preferred == "" {
		return b.sources
	}
	out := make([]Source, 0, len(b.sources))
	for _, s := range b.sources {
		if s.ProviderId() == preferred {
			out = append(out, s)
		}
	}
	for _, s := range b.sources {
		if s.ProviderId() != preferred {
			out = append(out, s)
		}
	}
	return out
}

func (b *Bridge) source(providerId string) Source {
	for _, s := range b.sources {
		if s.ProviderId() == providerId {
			return s
		}
	}
	return nil
}

func (b *Bridge) locationReferences(req models.AuthorizeStartRequest) protocol.LocationReferences {
	ids := b.mapper.Identities()
	if id, ok := ids.EVSE(req.EvseId); ok {
		return protocol.LocationReferences{LocationId: id.LocationId, EvseUids: []string{id.EvseUid}}
	}
	if loc, ok := ids.LocationOf(req.PoolId); ok {
		return protocol.LocationReferences{LocationId: loc}
	}
	return protocol.LocationReferences{}
}
