package network

import (
	"context"
	"testing"
	"time"

	"evroaming/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func seeded(t *testing.T) *Network {
	t.Helper()
	ctx := context.Background()
	n := New()
	clock := t0
	n.SetClock(func() time.Time { clock = clock.Add(time.Second); return clock })

	require.NoError(t, n.AddChargingPool(ctx, models.ChargingPool{PoolId: "P1", Name: "One"}))
	require.NoError(t, n.AddChargingPool(ctx, models.ChargingPool{PoolId: "P2", Name: "Two"}))
	require.NoError(t, n.AddChargingStation(ctx, models.ChargingStation{StationId: "S1", PoolId: "P1"}))
	require.NoError(t, n.AddChargingStation(ctx, models.ChargingStation{StationId: "S2", PoolId: "P1"}))
	require.NoError(t, n.AddChargingStation(ctx, models.ChargingStation{StationId: "S3", PoolId: "P2"}))
	for _, e := range []models.EVSE{
		{EvseId: "E1", StationId: "S1"},
		{EvseId: "E2", StationId: "S1"},
		{EvseId: "E3", StationId: "S2"},
		{EvseId: "E4", StationId: "S3"},
	} {
		require.NoError(t, n.AddEVSE(ctx, e))
	}
	return n
}

func TestAddEVSEInheritsPoolFromStation(t *testing.T) {
	n := seeded(t)

	e, ok := n.EVSE("E4")
	require.True(t, ok)
	assert.Equal(t, "P2", e.PoolId)
	assert.Equal(t, models.EVSEStatusUnknown, e.Status)
	assert.False(t, e.StatusChangedAt.IsZero())

	assert.Len(t, n.EVSEsOfPool("P1"), 3)
	assert.Len(t, n.EVSEsOfStation("S1"), 2)

	err := n.AddEVSE(context.Background(), models.EVSE{EvseId: "E9", StationId: "nope"})
	assert.Error(t, err)
}

func TestUpdateChargingPoolPublishesPerProperty(t *testing.T) {
	n := seeded(t)
	var got []PoolDataChanged
	n.OnChargingPoolDataChanged.Subscribe(func(_ context.Context, ev PoolDataChanged) { got = append(got, ev) })

	region := "TH"
	require.NoError(t, n.UpdateChargingPool(context.Background(), "P1", func(p *models.ChargingPool) {
		p.Name = "Renamed"
		p.Region = &region
	}))
	require.Len(t, got, 2)
	assert.Equal(t, "Name", got[0].Property)
	assert.Equal(t, "One", got[0].OldValue)
	assert.Equal(t, "Region", got[1].Property)

	got = nil
	require.NoError(t, n.UpdateChargingPool(context.Background(), "P1", func(p *models.ChargingPool) {}))
	assert.Empty(t, got, "no-op update must not publish")
}

func TestMovingStationMovesEVSEs(t *testing.T) {
	n := seeded(t)
	var moved []EVSEDataChanged
	n.OnEVSEDataChanged.Subscribe(func(_ context.Context, ev EVSEDataChanged) { moved = append(moved, ev) })

	require.NoError(t, n.UpdateChargingStation(context.Background(), "S2", func(s *models.ChargingStation) { s.PoolId = "P2" }))

	require.Len(t, moved, 1)
	assert.Equal(t, "E3", moved[0].EVSE.EvseId)
	assert.Equal(t, "P2", moved[0].NewValue)
	assert.Len(t, n.EVSEsOfPool("P2"), 2)
}

func TestSetEVSEStatusIgnoresOlderObservations(t *testing.T) {
	n := seeded(t)
	var updates []models.EVSEStatusUpdate
	n.OnEVSEStatusChanged.Subscribe(func(_ context.Context, u models.EVSEStatusUpdate) { updates = append(updates, u) })
	ctx := context.Background()

	later := t0.Add(time.Hour)
	require.NoError(t, n.SetEVSEStatus(ctx, "E1", models.EVSEStatusCharging, later))
	require.NoError(t, n.SetEVSEStatus(ctx, "E1", models.EVSEStatusAvailable, later.Add(-time.Minute)))

	e, _ := n.EVSE("E1")
	assert.Equal(t, models.EVSEStatusCharging, e.Status)
	require.Len(t, updates, 1)
	assert.Equal(t, models.EVSEStatusUnknown, updates[0].OldStatus)
}

func TestRemoveChargingPoolCascades(t *testing.T) {
	n := seeded(t)
	var removed []string
	n.OnEVSERemoved.Subscribe(func(_ context.Context, e models.EVSE) { removed = append(removed, e.EvseId) })

	require.NoError(t, n.RemoveChargingPool(context.Background(), "P1"))

	assert.ElementsMatch(t, []string{"E1", "E2", "E3"}, removed)
	assert.Len(t, n.ChargingStations(), 1)
	_, ok := n.ChargingPool("P1")
	assert.False(t, ok)
}

type stubProvider struct {
	id      string
	start   models.AuthResult
	calls   int
	cdrSeen []string
}

func (p *stubProvider) Id() string { return p.id }

func (p *stubProvider) AuthorizeStart(context.Context, models.AuthorizeStartRequest) models.AuthorizationResult {
	p.calls++
	return models.AuthorizationResult{Result: p.start, ProviderId: p.id}
}

func (p *stubProvider) AuthorizeStop(_ context.Context, req models.AuthorizeStopRequest) models.AuthorizationResult {
	return models.AuthorizationResult{Result: models.AuthInvalidSession, SessionId: req.SessionId}
}

func (p *stubProvider) SendChargeDetailRecord(_ context.Context, s models.ChargingSession) models.CDRResult {
	p.cdrSeen = append(p.cdrSeen, s.SessionId)
	return models.CDRResult{SessionId: s.SessionId, Outcome: models.CDRSuccess}
}

func TestAuthorizeStartStopsAtFirstProviderThatAuthorizes(t *testing.T) {
	n := seeded(t)
	a := &stubProvider{id: "a", start: models.AuthNotAuthorized}
	b := &stubProvider{id: "b", start: models.AuthAuthorized}
	c := &stubProvider{id: "c", start: models.AuthAuthorized}
	n.RegisterRoamingProvider(a)
	n.RegisterRoamingProvider(b)
	n.RegisterRoamingProvider(c)

	res := n.AuthorizeStart(context.Background(), models.AuthorizeStartRequest{Token: "T"})
	assert.True(t, res.Authorized())
	assert.Equal(t, "b", res.ProviderId)
	assert.Equal(t, 0, c.calls)
}

func TestCompleteSessionIsIdempotent(t *testing.T) {
	n := seeded(t)
	ctx := context.Background()
	p := &stubProvider{id: "p"}
	n.RegisterRoamingProvider(p)
	completed := 0
	n.OnSessionCompleted.Subscribe(func(context.Context, models.ChargingSession) { completed++ })

	require.NoError(t, n.StartSession(ctx, models.ChargingSession{SessionId: "S-1", EvseId: "E1"}))
	_, err := n.SendChargeDetailRecord(ctx, "S-1")
	assert.Error(t, err, "running session has no CDR")

	end := t0.Add(2 * time.Hour)
	require.NoError(t, n.CompleteSession(ctx, "S-1", end, 12000, decimal.RequireFromString("4.20"), "EUR"))
	require.NoError(t, n.CompleteSession(ctx, "S-1", end.Add(time.Hour), 1, decimal.Zero, "EUR"))
	assert.Equal(t, 1, completed)

	s, _ := n.Session("S-1")
	assert.Equal(t, int64(12000), s.EnergyWh)
	assert.Len(t, n.CompletedSessions(), 1)

	res, err := n.SendChargeDetailRecord(ctx, "S-1")
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, []string{"S-1"}, p.cdrSeen)
}
