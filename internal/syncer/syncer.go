// Package syncer pushes charging-network changes into the local protocol store
// as they happen.
package syncer

import (
	"context"
	"sync"

	"evroaming/internal/mapper"
	"evroaming/internal/metrics"
	"evroaming/internal/models"
	"evroaming/internal/network"
	"evroaming/internal/options"
	"evroaming/internal/protocol"
	"evroaming/internal/store"
	"evroaming/internal/syncstate"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

type Config struct {
	Filters options.Filters
	// Concurrency bounds the number of pushes in flight.
	Concurrency int
}

// Syncer turns domain events into store writes. Every event is handled on its
// own goroutine; entities are independent and ordered only by timestamps.
type Syncer struct {
	net     *network.Network
	mapper  *mapper.Mapper
	store   *store.Store
	state   *syncstate.Table
	flags   *options.Flags
	filters options.Filters
	metrics *metrics.Metrics
	logger  *zap.Logger

	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	unsubs []func()
}

func New(cfg Config, net *network.Network, m *mapper.Mapper, st *store.Store, state *syncstate.Table,
	flags *options.Flags, met *metrics.Metrics, logger *zap.Logger) *Syncer {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &Syncer{
		net:     net,
		mapper:  m,
		store:   st,
		state:   state,
		flags:   flags,
		filters: cfg.Filters,
		metrics: met,
		logger:  logger.Named("syncer"),
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
	}
}

// Subscribe attaches the syncer to the network's change notifications.
func (s *Syncer) Subscribe() {
	n := s.net
	s.unsubs = append(s.unsubs,
		n.OnChargingPoolAdded.Subscribe(func(ctx context.Context, p models.ChargingPool) {
			s.dispatch(ctx, func(ctx context.Context) { s.PushPool(ctx, p.PoolId) })
		}),
		n.OnChargingPoolDataChanged.Subscribe(func(ctx context.Context, ev network.PoolDataChanged) {
			s.dispatch(ctx, func(ctx context.Context) { s.PushPool(ctx, ev.Pool.PoolId) })
		}),
		n.OnChargingPoolRemoved.Subscribe(func(ctx context.Context, p models.ChargingPool) {
			s.dispatch(ctx, func(ctx context.Context) { s.RemovePool(ctx, p.PoolId) })
		}),
		n.OnChargingStationDataChanged.Subscribe(func(ctx context.Context, ev network.StationDataChanged) {
			for _, e := range n.EVSEsOfStation(ev.Station.StationId) {
				evseId := e.EvseId
				s.dispatch(ctx, func(ctx context.Context) { s.PushEVSE(ctx, evseId) })
			}
		}),
		n.OnEVSEAdded.Subscribe(func(ctx context.Context, e models.EVSE) {
			s.dispatch(ctx, func(ctx context.Context) { s.PushEVSE(ctx, e.EvseId) })
		}),
		n.OnEVSEDataChanged.Subscribe(func(ctx context.Context, ev network.EVSEDataChanged) {
			s.dispatch(ctx, func(ctx context.Context) { s.PushEVSE(ctx, ev.EVSE.EvseId) })
		}),
		n.OnEVSERemoved.Subscribe(func(ctx context.Context, e models.EVSE) {
			s.dispatch(ctx, func(ctx context.Context) { s.RemoveEVSE(ctx, e.EvseId) })
		}),
		n.OnEVSEStatusChanged.Subscribe(func(ctx context.Context, u models.EVSEStatusUpdate) {
			s.dispatch(ctx, func(ctx context.Context) { s.PushStatus(ctx, u) })
		}),
	)
}

// Unsubscribe detaches from the network. Pushes already dispatched still run.
func (s *Syncer) Unsubscribe() {
	for _, u := range s.unsubs {
		u()
	}
	s.unsubs = nil
}

// Wait blocks until every dispatched push has finished.
func (s *Syncer) Wait() { s.wg.Wait() }

func (s *Syncer) dispatch(ctx context.Context, fn func(context.Context)) {
	ctx = context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer s.sem.Release(1)
		fn(ctx)
	}()
}

func (s *Syncer) count(kind, result string) {
	s.metrics.PushTotal.WithLabelValues(kind, result).Inc()
}

// PushPool maps the pool's current state and writes its location.
func (s *Syncer) PushPool(ctx context.Context, poolId string) {
	if s.flags.PushDataDisabled() {
		s.count("location", "disabled")
		return
	}
	p, ok := s.net.ChargingPool(poolId)
	if !ok {
		return
	}
	if !s.filters.PoolIncluded(p) {
		s.count("location", "filtered")
		return
	}
	s.pushLocation(ctx, p)
}

func (s *Syncer) pushLocation(ctx context.Context, p models.ChargingPool) bool {
	loc, err := s.mapper.MapPool(p)
	if err != nil {
		s.logger.Error("map charging pool", zap.String("pool_id", p.PoolId), zap.Error(err))
		s.count("location", "mapping_error")
		return false
	}
	key := syncstate.LocationKey(p.PoolId)
	decision := s.state.TryAdvance(key, loc.LastUpdated, mapper.LocationHash(loc))
	if decision != syncstate.Apply {
		if _, ok := s.store.TryGetLocation(loc.Id); ok {
			s.count("location", decision.String())
			return true
		}
		// known to the state table but missing in the store
		s.state.Record(key, loc.LastUpdated, mapper.LocationHash(loc))
	}
	applied, err := s.store.UpsertLocation(ctx, loc)
	if err != nil {
		s.logger.Error("store location", zap.String("location_id", loc.Id), zap.Error(err))
		s.state.MarkPending(key, loc.LastUpdated)
		s.count("location", "store_error")
		return false
	}
	if !applied {
		s.count("location", syncstate.Stale.String())
		return true
	}
	s.count("location", "applied")
	return true
}

// ensureLocation makes sure the EVSE's location exists before the EVSE is
// written. Pool and EVSE pushes race freely.
func (s *Syncer) ensureLocation(ctx context.Context, poolId string) bool {
	if loc, ok := s.mapper.Identities().LocationOf(poolId); ok {
		if _, ok := s.store.TryGetLocation(loc); ok {
			return true
		}
	}
	p, ok := s.net.ChargingPool(poolId)
	if !ok || !s.filters.PoolIncluded(p) {
		return false
	}
	return s.pushLocation(ctx, p)
}

// PushEVSE maps the EVSE's current state and writes it, moving it between
// locations when its pool changed.
func (s *Syncer) PushEVSE(ctx context.Context, evseId string) {
	if s.flags.PushDataDisabled() {
		s.count("evse", "disabled")
		return
	}
	e, ok := s.net.EVSE(evseId)
	if !ok {
		return
	}
	pool, ok := s.net.ChargingPool(e.PoolId)
	if !ok || !s.filters.PoolIncluded(pool) || !s.filters.EVSEIncluded(e) {
		s.count("evse", "filtered")
		return
	}
	if !s.ensureLocation(ctx, e.PoolId) {
		s.count("evse", "orphan")
		return
	}
	s.pushEVSE(ctx, e)
}

func (s *Syncer) pushEVSE(ctx context.Context, e models.EVSE) {
	prev, hadPrev := s.mapper.Identities().EVSE(e.EvseId)
	id, pe, err := s.mapper.MapEVSE(e)
	if err != nil {
		s.logger.Error("map evse", zap.String("evse_id", e.EvseId), zap.Error(err))
		s.count("evse", "mapping_error")
		return
	}
	if hadPrev && prev.LocationId != id.LocationId {
		if _, err := s.store.RemoveEVSE(ctx, prev.LocationId, prev.EvseUid); err != nil {
			s.logger.Error("remove moved evse", zap.String("evse_id", e.EvseId),
				zap.String("location_id", prev.LocationId), zap.Error(err))
		}
	}

	key := syncstate.EVSEKey(e.EvseId)
	hash := mapper.EVSEHash(pe) + "@" + id.LocationId
	decision := s.state.TryAdvance(key, pe.LastUpdated, hash)
	if decision != syncstate.Apply {
		if _, ok := s.store.TryGetEVSE(id.LocationId, id.EvseUid); ok {
			s.count("evse", decision.String())
			return
		}
		s.state.Record(key, pe.LastUpdated, hash)
	}
	applied, err := s.store.UpsertEVSE(ctx, id.LocationId, pe)
	if err != nil {
		s.logger.Error("store evse", zap.String("evse_id", e.EvseId), zap.String("location_id", id.LocationId), zap.Error(err))
		s.state.MarkPending(key, pe.LastUpdated)
		s.count("evse", "store_error")
		return
	}
	if !applied {
		s.count("evse", syncstate.Stale.String())
		return
	}
	// the written record carries the status as of the snapshot
	s.state.Record(syncstate.StatusKey(e.EvseId), pe.StatusUpdated, "")
	s.count("evse", "applied")
}

// PushStatus applies a status change unless a newer one was already applied.
func (s *Syncer) PushStatus(ctx context.Context, u models.EVSEStatusUpdate) {
	if s.flags.PushStatusDisabled() {
		s.count("status", "disabled")
		return
	}
	e, ok := s.net.EVSE(u.EvseId)
	if !ok {
		return
	}
	pool, ok := s.net.ChargingPool(e.PoolId)
	if !ok || !s.filters.PoolIncluded(pool) || !s.filters.EVSEIncluded(e) {
		s.count("status", "filtered")
		return
	}
	s.ApplyStatus(ctx, u)
}

// ApplyStatus runs a status update through the staleness guard and writes it.
// It reports whether the store changed.
func (s *Syncer) ApplyStatus(ctx context.Context, u models.EVSEStatusUpdate) bool {
	upd, err := s.mapper.MapStatusUpdate(u)
	if err != nil {
		// EVSE not mapped yet; its first push carries the current status
		s.logger.Debug("status for unmapped evse", zap.String("evse_id", u.EvseId), zap.Error(err))
		s.count("status", "mapping_error")
		return false
	}
	key := syncstate.StatusKey(u.EvseId)
	decision := s.state.TryAdvance(key, u.Timestamp, "")
	if decision != syncstate.Apply {
		s.count("status", decision.String())
		return false
	}
	applied, err := s.store.UpdateEVSEStatus(ctx, upd)
	if err != nil {
		s.logger.Error("store evse status", zap.String("evse_id", u.EvseId),
			zap.String("status", string(upd.Status)), zap.Time("timestamp", u.Timestamp), zap.Error(err))
		s.state.MarkPending(key, u.Timestamp)
		s.count("status", "store_error")
		return false
	}
	if !applied {
		s.count("status", syncstate.Stale.String())
		return false
	}
	s.count("status", "applied")
	return true
}

// RemovePool drops the pool's location and retires its identifiers.
func (s *Syncer) RemovePool(ctx context.Context, poolId string) {
	if s.flags.PushDataDisabled() {
		s.count("location", "disabled")
		return
	}
	loc, ok := s.mapper.Identities().LocationOf(poolId)
	if !ok {
		return
	}
	if stored, ok := s.store.TryGetLocation(loc); ok {
		for _, ev := range stored.EVSEs {
			if evseId, ok := s.mapper.Identities().DomainEVSEId(loc, ev.Uid); ok {
				s.forgetEVSE(evseId)
			}
		}
	}
	if _, err := s.store.RemoveLocation(ctx, loc); err != nil {
		s.logger.Error("remove location", zap.String("location_id", loc), zap.Error(err))
		s.count("location", "store_error")
		return
	}
	s.mapper.Identities().UnbindPool(poolId)
	s.state.Forget(syncstate.LocationKey(poolId))
	s.count("location", "removed")
}

func (s *Syncer) RemoveEVSE(ctx context.Context, evseId string) {
	if s.flags.PushDataDisabled() {
		s.count("evse", "disabled")
		return
	}
	id, ok := s.mapper.Identities().EVSE(evseId)
	if !ok {
		return
	}
	if _, err := s.store.RemoveEVSE(ctx, id.LocationId, id.EvseUid); err != nil {
		s.logger.Error("remove evse", zap.String("evse_id", evseId), zap.Error(err))
		s.count("evse", "store_error")
		return
	}
	s.forgetEVSE(evseId)
	s.count("evse", "removed")
}

func (s *Syncer) forgetEVSE(evseId string) {
	s.mapper.Identities().UnbindEVSE(evseId)
	s.state.Forget(syncstate.EVSEKey(evseId))
	s.state.Forget(syncstate.StatusKey(evseId))
}

// StoredEVSE returns the protocol record of a domain EVSE, if written.
func (s *Syncer) StoredEVSE(evseId string) (protocol.EVSE, bool) {
	id, ok := s.mapper.Identities().EVSE(evseId)
	if !ok {
		return protocol.EVSE{}, false
	}
	return s.store.TryGetEVSE(id.LocationId, id.EvseUid)
}
