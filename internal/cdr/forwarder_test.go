package cdr

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"evroaming/internal/apperrors"
	"evroaming/internal/cache"
	"evroaming/internal/mapper"
	"evroaming/internal/metrics"
	"evroaming/internal/models"
	"evroaming/internal/options"
	"evroaming/internal/protocol"
	"evroaming/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type fakeSink struct {
	id    string
	posts atomic.Int32
	gate  chan struct{}

	mu   sync.Mutex
	err  error
	last protocol.CDR
}

func (s *fakeSink) ProviderId() string { return s.id }

func (s *fakeSink) PostCDR(ctx context.Context, cdr protocol.CDR) error {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.posts.Add(1)
	s.last = cdr
	return nil
}

func (s *fakeSink) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

type fixture struct {
	fwd          *Forwarder
	store        *store.Store
	correlations *cache.MemoryCorrelations
	delivered    *cache.MemoryDelivered
	flags        *options.Flags
	sink         *fakeSink
	deps         Deps
}

func newFixture(t *testing.T, cfg Config) fixture {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	m := mapper.New(mapper.Config{CountryCode: "DE", PartyId: "GEF"}, nil, logger)
	loc, err := m.MapPool(models.ChargingPool{
		PoolId: "P1", Name: "Depot", TimeZone: "Europe/Berlin",
		Address: models.Address{Street: "Hauptstr. 1", PostalCode: "99084", City: "Erfurt", Country: "DEU"},
	})
	require.NoError(t, err)
	_, evse, err := m.MapEVSE(models.EVSE{
		EvseId: "DE*GEF*E1", StationId: "S1", PoolId: "P1", Status: models.EVSEStatusCharging, LastChange: t0,
		Connectors: []models.ChargingConnector{
			{ConnectorId: 1, Plug: models.PlugTypeType2Outlet, PowerType: models.PowerTypeAC3Phase, MaxVoltage: 400, MaxAmperage: 32},
			{ConnectorId: 2, Plug: models.PlugTypeCCSCombo2, CableAttached: true, PowerType: models.PowerTypeDC, MaxVoltage: 920, MaxAmperage: 200},
		},
	})
	require.NoError(t, err)

	st := store.New(nil, logger)
	_, err = st.UpsertLocation(ctx, loc)
	require.NoError(t, err)
	_, err = st.UpsertEVSE(ctx, "P1", evse)
	require.NoError(t, err)

	f := fixture{
		store:        st,
		correlations: cache.NewMemoryCorrelations(),
		delivered:    cache.NewMemoryDelivered(),
		flags:        &options.Flags{},
		sink:         &fakeSink{id: "NL*EMP"},
	}
	f.deps = Deps{
		Mapper:       m,
		Store:        st,
		Correlations: f.correlations,
		Delivered:    f.delivered,
		Sinks:        []Sink{f.sink},
		Flags:        f.flags,
		Metrics:      metrics.NewNop(),
	}
	f.fwd = New(cfg, f.deps, logger)
	return f
}

func completedSession(id string, connectorId *int) models.ChargingSession {
	end := t0.Add(90 * time.Minute)
	return models.ChargingSession{
		SessionId:       id,
		EvseId:          "DE*GEF*E1",
		ConnectorId:     connectorId,
		AuthToken:       "04A2B3",
		ProviderIdStart: "NL*EMP",
		StartedAt:       t0,
		EndedAt:         &end,
		EnergyWh:        12345,
		CostAmount:      decimal.RequireFromString("5.79"),
		CostCurrency:    "EUR",
	}
}

func connector(id int) *int { return &id }

func TestForwardDeliversOnce(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	s := completedSession("S-1", connector(2))

	res := f.fwd.Forward(ctx, s)
	require.Equal(t, models.CDRSuccess, res.Outcome, res.Description)
	assert.False(t, res.AlreadyDelivered)

	res = f.fwd.Forward(ctx, s)
	assert.Equal(t, models.CDRSuccess, res.Outcome)
	assert.True(t, res.AlreadyDelivered)
	assert.Equal(t, int32(1), f.sink.posts.Load())

	stored, ok := f.store.TryGetCDR("S-1")
	require.True(t, ok)
	assert.Equal(t, "NL*EMP", stored.ProviderId)

	cdr := f.sink.last
	assert.Equal(t, "2", cdr.CDRLocation.ConnectorId)
	assert.Equal(t, protocol.ConnectorIEC62196T2Combo, cdr.CDRLocation.ConnectorStandard)
	assert.Equal(t, "Erfurt", cdr.CDRLocation.City)
	assert.True(t, decimal.RequireFromString("12.345").Equal(cdr.TotalEnergy))
	assert.True(t, decimal.RequireFromString("1.5").Equal(cdr.TotalTime))
	assert.Equal(t, protocol.AuthMethodWhitelist, cdr.AuthMethod)
}

func TestConcurrentForwardsSendOnce(t *testing.T) {
	f := newFixture(t, Config{})
	f.sink.gate = make(chan struct{})
	s := completedSession("S-1", connector(1))

	var wg sync.WaitGroup
	results := make([]models.CDRResult, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.fwd.Forward(context.Background(), s)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(f.sink.gate)
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, models.CDRSuccess, r.Outcome)
	}
	assert.Equal(t, int32(1), f.sink.posts.Load())
}

func TestConnectorMustBeUnambiguous(t *testing.T) {
	f := newFixture(t, Config{})

	res := f.fwd.Forward(context.Background(), completedSession("S-1", nil))
	assert.Equal(t, models.CDRError, res.Outcome)
	assert.Contains(t, res.Description, "2 connector candidates")

	res = f.fwd.Forward(context.Background(), completedSession("S-2", connector(7)))
	assert.Equal(t, models.CDRError, res.Outcome)
	assert.Contains(t, res.Description, "0 connector candidates")
	assert.Zero(t, f.sink.posts.Load())

	_, err := f.fwd.Build(completedSession("S-3", nil), cache.SessionCorrelation{}, false)
	assert.ErrorIs(t, err, apperrors.ErrAmbiguousConnector)
}

func TestFilteredIsDecidedOnce(t *testing.T) {
	var checked atomic.Int32
	f := newFixture(t, Config{Filter: func(s models.ChargingSession, _ protocol.CDR) bool {
		checked.Add(1)
		return s.EnergyWh > 100000
	}})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res := f.fwd.Forward(ctx, completedSession("S-1", connector(1)))
		assert.Equal(t, models.CDRFiltered, res.Outcome)
	}
	assert.Equal(t, int32(1), checked.Load())
	assert.Zero(t, f.sink.posts.Load())

	state, err := f.delivered.Lookup(ctx, "S-1")
	require.NoError(t, err)
	assert.Equal(t, cache.Filtered, state)
	_, stored := f.store.TryGetCDR("S-1")
	assert.False(t, stored)
}

func TestFailedDeliveryIsRetried(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	s := completedSession("S-1", connector(1))

	f.sink.setErr(errors.New("connection reset"))
	res := f.fwd.Forward(ctx, s)
	assert.Equal(t, models.CDRError, res.Outcome)
	state, err := f.delivered.Lookup(ctx, "S-1")
	require.NoError(t, err)
	assert.Equal(t, cache.Undelivered, state, "a failed send releases its claim")

	f.sink.setErr(nil)
	res = f.fwd.Forward(ctx, s)
	assert.Equal(t, models.CDRSuccess, res.Outcome, res.Description)
	assert.False(t, res.AlreadyDelivered)
	assert.Equal(t, int32(1), f.sink.posts.Load())
}

// forgetfulDeliveries cannot record a delivery.
type forgetfulDeliveries struct {
	*cache.MemoryDelivered
}

func (forgetfulDeliveries) Add(context.Context, string) (bool, error) {
	return false, errors.New("connection reset")
}

func TestUnrecordedDeliveryIsNotResent(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	deps := f.deps
	deps.Delivered = forgetfulDeliveries{f.delivered}
	fwd := New(Config{}, deps, zaptest.NewLogger(t))
	s := completedSession("S-1", connector(1))

	res := fwd.Forward(ctx, s)
	require.Equal(t, models.CDRSuccess, res.Outcome, res.Description)

	res = fwd.Forward(ctx, s)
	assert.Equal(t, models.CDRError, res.Outcome)
	assert.Contains(t, res.Description, "outcome unknown")
	assert.Equal(t, int32(1), f.sink.posts.Load())

	state, err := f.delivered.Lookup(ctx, "S-1")
	require.NoError(t, err)
	assert.Equal(t, cache.Claimed, state)
}

func TestDisabledAndShuttingDown(t *testing.T) {
	f := newFixture(t, Config{})
	s := completedSession("S-1", connector(1))

	f.flags.SetDisableSendCDRs(true)
	assert.Equal(t, models.CDRDisabled, f.fwd.Forward(context.Background(), s).Outcome)

	f.flags.SetDisableSendCDRs(false)
	f.flags.MarkShuttingDown()
	assert.Equal(t, models.CDRDisabled, f.fwd.Forward(context.Background(), s).Outcome)
	assert.Zero(t, f.sink.posts.Load())
}

func TestCorrelationDecidesProvider(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	require.NoError(t, f.correlations.Create(ctx, cache.SessionCorrelation{
		SessionId: "S-1", ProtocolSessionId: "P-S-1", ProviderIdStart: "NL*EMP",
		AuthorizationReference: "REF-9", Token: "04A2B3", EvseId: "DE*GEF*E1",
	}))

	s := completedSession("S-1", connector(1))
	s.ProviderIdStart = ""
	res := f.fwd.Forward(ctx, s)
	require.Equal(t, models.CDRSuccess, res.Outcome, res.Description)

	cdr := f.sink.last
	assert.Equal(t, protocol.AuthMethodAuthRequest, cdr.AuthMethod)
	assert.Equal(t, "REF-9", cdr.AuthorizationReference)
	assert.Equal(t, "P-S-1", cdr.SessionId)

	corr, _, err := f.correlations.Get(ctx, "S-1")
	require.NoError(t, err)
	assert.True(t, corr.Completed)
}

func TestCommandSessionsReportCommandAuth(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	require.NoError(t, f.correlations.Create(ctx, cache.SessionCorrelation{
		SessionId: "S-2", ProviderIdStart: "NL*EMP", Token: "04A2B3", EvseId: "DE*GEF*E1", ViaCommand: true,
	}))

	res := f.fwd.Forward(ctx, completedSession("S-2", connector(1)))
	require.Equal(t, models.CDRSuccess, res.Outcome, res.Description)
	assert.Equal(t, protocol.AuthMethodCommand, f.sink.last.AuthMethod)
}

func TestUnknownProviderIsAnError(t *testing.T) {
	f := newFixture(t, Config{})
	s := completedSession("S-1", connector(1))
	s.ProviderIdStart = "FR*XYZ"

	res := f.fwd.Forward(context.Background(), s)
	assert.Equal(t, models.CDRError, res.Outcome)
	assert.Contains(t, res.Description, "FR*XYZ")
}

func TestInvalidCDRIsRejected(t *testing.T) {
	f := newFixture(t, Config{})
	s := completedSession("S-1", connector(1))
	s.CostCurrency = "EURO"

	res := f.fwd.Forward(context.Background(), s)
	assert.Equal(t, models.CDRError, res.Outcome)
	assert.Contains(t, res.Description, "Currency")
}
