// Package network is the in-process charging network: pools, stations, EVSEs
// and sessions, plus the change notifications the roaming adapter listens to.
package network

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"evroaming/internal/events"
	"evroaming/internal/models"
)

type PoolDataChanged struct {
	Pool      models.ChargingPool
	Property  string
	OldValue  any
	NewValue  any
	Timestamp time.Time
}

type StationDataChanged struct {
	Station   models.ChargingStation
	Property  string
	OldValue  any
	NewValue  any
	Timestamp time.Time
}

type EVSEDataChanged struct {
	EVSE      models.EVSE
	Property  string
	OldValue  any
	NewValue  any
	Timestamp time.Time
}

// RoamingProvider is anything the network hands authorization and CDR traffic to.
type RoamingProvider interface {
	Id() string
	AuthorizeStart(ctx context.Context, req models.AuthorizeStartRequest) models.AuthorizationResult
	AuthorizeStop(ctx context.Context, req models.AuthorizeStopRequest) models.AuthorizationResult
	SendChargeDetailRecord(ctx context.Context, session models.ChargingSession) models.CDRResult
}

type Network struct {
	mu       sync.RWMutex
	pools    map[string]models.ChargingPool
	stations map[string]models.ChargingStation
	evses    map[string]models.EVSE
	sessions map[string]models.ChargingSession

	providersMu sync.RWMutex
	providers   []RoamingProvider

	now func() time.Time

	OnChargingPoolAdded          events.Registry[models.ChargingPool]
	OnChargingPoolRemoved        events.Registry[models.ChargingPool]
	OnChargingPoolDataChanged    events.Registry[PoolDataChanged]
	OnChargingStationDataChanged events.Registry[StationDataChanged]
	OnEVSEAdded                  events.Registry[models.EVSE]
	OnEVSERemoved                events.Registry[models.EVSE]
	OnEVSEDataChanged            events.Registry[EVSEDataChanged]
	OnEVSEStatusChanged          events.Registry[models.EVSEStatusUpdate]
	OnSessionCompleted           events.Registry[models.ChargingSession]
}

func New() *Network {
	return &Network{
		pools:    map[string]models.ChargingPool{},
		stations: map[string]models.ChargingStation{},
		evses:    map[string]models.EVSE{},
		sessions: map[string]models.ChargingSession{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source used for LastChange stamps.
func (n *Network) SetClock(now func() time.Time) { n.now = now }

func (n *Network) AddChargingPool(ctx context.Context, p models.ChargingPool) error {
	if p.PoolId == "" {
		return fmt.Errorf("charging pool: empty id")
	}
	n.mu.Lock()
	if _, ok := n.pools[p.PoolId]; ok {
		n.mu.Unlock()
		return fmt.Errorf("charging pool %s already exists", p.PoolId)
	}
	if p.LastChange.IsZero() {
		p.LastChange = n.now()
	}
	n.pools[p.PoolId] = p
	n.mu.Unlock()

	n.OnChargingPoolAdded.Publish(ctx, p)
	return nil
}

// UpdateChargingPool applies mutate to a copy of the pool and publishes one
// change event per property that actually changed.
func (n *Network) UpdateChargingPool(ctx context.Context, poolId string, mutate func(*models.ChargingPool)) error {
	n.mu.Lock()
	old, ok := n.pools[poolId]
	if !ok {
		n.mu.Unlock()
		return fmt.Errorf("charging pool %s not found", poolId)
	}
	updated := old
	mutate(&updated)
	updated.PoolId = poolId
	changes := diffPool(old, updated)
	if len(changes) == 0 {
		n.mu.Unlock()
		return nil
	}
	updated.LastChange = n.now()
	n.pools[poolId] = updated
	n.mu.Unlock()

	for _, c := range changes {
		n.OnChargingPoolDataChanged.Publish(ctx, PoolDataChanged{
			Pool: updated, Property: c.property, OldValue: c.old, NewValue: c.new, Timestamp: updated.LastChange,
		})
	}
	return nil
}

// RemoveChargingPool removes the pool together with its stations and EVSEs.
func (n *Network) RemoveChargingPool(ctx context.Context, poolId string) error {
	n.mu.Lock()
	p, ok := n.pools[poolId]
	if !ok {
		n.mu.Unlock()
		return fmt.Errorf("charging pool %s not found", poolId)
	}
	var removed []models.EVSE
	for id, e := range n.evses {
		if e.PoolId == poolId {
			removed = append(removed, e)
			delete(n.evses, id)
		}
	}
	for id, s := range n.stations {
		if s.PoolId == poolId {
			delete(n.stations, id)
		}
	}
	delete(n.pools, poolId)
	n.mu.Unlock()

	for _, e := range removed {
		n.OnEVSERemoved.Publish(ctx, e)
	}
	n.OnChargingPoolRemoved.Publish(ctx, p)
	return nil
}

func (n *Network) AddChargingStation(ctx context.Context, s models.ChargingStation) error {
	if s.StationId == "" {
		return fmt.Errorf("charging station: empty id")
	}
	n.mu.Lock()
	if _, ok := n.pools[s.PoolId]; !ok {
		n.mu.Unlock()
		return fmt.Errorf("charging station %s: pool %s not found", s.StationId, s.PoolId)
	}
	if _, ok := n.stations[s.StationId]; ok {
		n.mu.Unlock()
		return fmt.Errorf("charging station %s already exists", s.StationId)
	}
	if s.LastChange.IsZero() {
		s.LastChange = n.now()
	}
	n.stations[s.StationId] = s
	n.mu.Unlock()
	return nil
}

// UpdateChargingStation applies mutate to the station. Moving a station to
// another pool moves its EVSEs along and publishes their PoolId change.
func (n *Network) UpdateChargingStation(ctx context.Context, stationId string, mutate func(*models.ChargingStation)) error {
	n.mu.Lock()
	old, ok := n.stations[stationId]
	if !ok {
		n.mu.Unlock()
		return fmt.Errorf("charging station %s not found", stationId)
	}
	updated := old
	mutate(&updated)
	updated.StationId = stationId
	if updated.PoolId != old.PoolId {
		if _, ok := n.pools[updated.PoolId]; !ok {
			n.mu.Unlock()
			return fmt.Errorf("charging station %s: pool %s not found", stationId, updated.PoolId)
		}
	}
	var changes []change
	if old.Name != updated.Name {
		changes = append(changes, change{"Name", old.Name, updated.Name})
	}
	if old.PoolId != updated.PoolId {
		changes = append(changes, change{"PoolId", old.PoolId, updated.PoolId})
	}
	if len(changes) == 0 {
		n.mu.Unlock()
		return nil
	}
	now := n.now()
	updated.LastChange = now
	n.stations[stationId] = updated

	var moved []models.EVSE
	if old.PoolId != updated.PoolId {
		for id, e := range n.evses {
			if e.StationId == stationId {
				e.PoolId = updated.PoolId
				e.LastChange = now
				n.evses[id] = e
				moved = append(moved, e)
			}
		}
	}
	n.mu.Unlock()

	for _, c := range changes {
		n.OnChargingStationDataChanged.Publish(ctx, StationDataChanged{
			Station: updated, Property: c.property, OldValue: c.old, NewValue: c.new, Timestamp: now,
		})
	}
	for _, e := range moved {
		n.OnEVSEDataChanged.Publish(ctx, EVSEDataChanged{
			EVSE: e, Property: "PoolId", OldValue: old.PoolId, NewValue: e.PoolId, Timestamp: now,
		})
	}
	return nil
}

func (n *Network) AddEVSE(ctx context.Context, e models.EVSE) error {
	if e.EvseId == "" {
		return fmt.Errorf("evse: empty id")
	}
	n.mu.Lock()
	st, ok := n.stations[e.StationId]
	if !ok {
		n.mu.Unlock()
		return fmt.Errorf("evse %s: station %s not found", e.EvseId, e.StationId)
	}
	if _, ok := n.evses[e.EvseId]; ok {
		n.mu.Unlock()
		return fmt.Errorf("evse %s already exists", e.EvseId)
	}
	e.PoolId = st.PoolId
	now := n.now()
	if e.LastChange.IsZero() {
		e.LastChange = now
	}
	if e.Status == "" {
		e.Status = models.EVSEStatusUnknown
	}
	if e.StatusChangedAt.IsZero() {
		e.StatusChangedAt = now
	}
	n.evses[e.EvseId] = e
	n.mu.Unlock()

	n.OnEVSEAdded.Publish(ctx, e)
	return nil
}

func (n *Network) UpdateEVSE(ctx context.Context, evseId string, mutate func(*models.EVSE)) error {
	n.mu.Lock()
	old, ok := n.evses[evseId]
	if !ok {
		n.mu.Unlock()
		return fmt.Errorf("evse %s not found", evseId)
	}
	updated := old
	updated.Connectors = append([]models.ChargingConnector(nil), old.Connectors...)
	mutate(&updated)
	// identity, placement and status are not data properties
	updated.EvseId, updated.StationId, updated.PoolId = old.EvseId, old.StationId, old.PoolId
	updated.Status, updated.StatusChangedAt = old.Status, old.StatusChangedAt
	changes := diffEVSE(old, updated)
	if len(changes) == 0 {
		n.mu.Unlock()
		return nil
	}
	updated.LastChange = n.now()
	n.evses[evseId] = updated
	n.mu.Unlock()

	for _, c := range changes {
		n.OnEVSEDataChanged.Publish(ctx, EVSEDataChanged{
			EVSE: updated, Property: c.property, OldValue: c.old, NewValue: c.new, Timestamp: updated.LastChange,
		})
	}
	return nil
}

// SetEVSEStatus records a status observed at ts. Observations not newer than
// the current one are ignored.
func (n *Network) SetEVSEStatus(ctx context.Context, evseId string, status models.EVSEStatus, ts time.Time) error {
	n.mu.Lock()
	e, ok := n.evses[evseId]
	if !ok {
		n.mu.Unlock()
		return fmt.Errorf("evse %s not found", evseId)
	}
	if !ts.After(e.StatusChangedAt) {
		n.mu.Unlock()
		return nil
	}
	upd := models.EVSEStatusUpdate{EvseId: evseId, OldStatus: e.Status, NewStatus: status, Timestamp: ts}
	e.Status = status
	e.StatusChangedAt = ts
	n.evses[evseId] = e
	n.mu.Unlock()

	n.OnEVSEStatusChanged.Publish(ctx, upd)
	return nil
}

func (n *Network) RemoveEVSE(ctx context.Context, evseId string) error {
	n.mu.Lock()
	e, ok := n.evses[evseId]
	if !ok {
		n.mu.Unlock()
		return fmt.Errorf("evse %s not found", evseId)
	}
	delete(n.evses, evseId)
	n.mu.Unlock()

	n.OnEVSERemoved.Publish(ctx, e)
	return nil
}

func (n *Network) ChargingPool(id string) (models.ChargingPool, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	p, ok := n.pools[id]
	return p, ok
}

func (n *Network) ChargingStation(id string) (models.ChargingStation, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s, ok := n.stations[id]
	return s, ok
}

func (n *Network) EVSE(id string) (models.EVSE, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	e, ok := n.evses[id]
	return e, ok
}

// ChargingPools returns all pools ordered by id.
func (n *Network) ChargingPools() []models.ChargingPool {
	n.mu.RLock()
	out := make([]models.ChargingPool, 0, len(n.pools))
	for _, p := range n.pools {
		out = append(out, p)
	}
	n.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PoolId < out[j].PoolId })
	return out
}

func (n *Network) ChargingStations() []models.ChargingStation {
	n.mu.RLock()
	out := make([]models.ChargingStation, 0, len(n.stations))
	for _, s := range n.stations {
		out = append(out, s)
	}
	n.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StationId < out[j].StationId })
	return out
}

func (n *Network) EVSEs() []models.EVSE {
	return n.filterEVSEs(func(models.EVSE) bool { return true })
}

func (n *Network) EVSEsOfPool(poolId string) []models.EVSE {
	return n.filterEVSEs(func(e models.EVSE) bool { return e.PoolId == poolId })
}

func (n *Network) EVSEsOfStation(stationId string) []models.EVSE {
	return n.filterEVSEs(func(e models.EVSE) bool { return e.StationId == stationId })
}

func (n *Network) filterEVSEs(keep func(models.EVSE) bool) []models.EVSE {
	n.mu.RLock()
	var out []models.EVSE
	for _, e := range n.evses {
		if keep(e) {
			out = append(out, e)
		}
	}
	n.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].EvseId < out[j].EvseId })
	return out
}

type change struct {
	property string
	old, new any
}

func diffPool(a, b models.ChargingPool) []change {
	var out []change
	if a.Name != b.Name {
		out = append(out, change{"Name", a.Name, b.Name})
	}
	if a.OperatorId != b.OperatorId {
		out = append(out, change{"OperatorId", a.OperatorId, b.OperatorId})
	}
	if a.Address != b.Address {
		out = append(out, change{"Address", a.Address, b.Address})
	}
	if a.Geo != b.Geo {
		out = append(out, change{"Geo", a.Geo, b.Geo})
	}
	if a.TimeZone != b.TimeZone {
		out = append(out, change{"TimeZone", a.TimeZone, b.TimeZone})
	}
	if !equalStringPtr(a.Region, b.Region) {
		out = append(out, change{"Region", a.Region, b.Region})
	}
	if !equalOpeningTimes(a.OpeningTimes, b.OpeningTimes) {
		out = append(out, change{"OpeningTimes", a.OpeningTimes, b.OpeningTimes})
	}
	return out
}

func diffEVSE(a, b models.EVSE) []change {
	var out []change
	if !equalStringPtr(a.FloorLevel, b.FloorLevel) {
		out = append(out, change{"FloorLevel", a.FloorLevel, b.FloorLevel})
	}
	if !equalStringPtr(a.PhysicalReference, b.PhysicalReference) {
		out = append(out, change{"PhysicalReference", a.PhysicalReference, b.PhysicalReference})
	}
	if !equalConnectors(a.Connectors, b.Connectors) {
		out = append(out, change{"Connectors", a.Connectors, b.Connectors})
	}
	return out
}

func equalStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalOpeningTimes(a, b *models.OpeningTimes) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Twentyfourseven != b.Twentyfourseven || len(a.RegularHours) != len(b.RegularHours) {
		return false
	}
	for i := range a.RegularHours {
		if a.RegularHours[i] != b.RegularHours[i] {
			return false
		}
	}
	return true
}

func equalConnectors(a, b []models.ChargingConnector) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.ConnectorId != y.ConnectorId || x.Plug != y.Plug || x.CableAttached != y.CableAttached ||
			x.PowerType != y.PowerType || x.MaxVoltage != y.MaxVoltage || x.MaxAmperage != y.MaxAmperage ||
			!equalStringPtr(x.TariffId, y.TariffId) {
			return false
		}
	}
	return true
}
