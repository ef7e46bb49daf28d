package reconcile

import (
	"context"
	"sort"
	"sync"
	"time"

	"evroaming/internal/mapper"
	"evroaming/internal/models"
	"evroaming/internal/syncstate"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RunDataSweep maps every included pool and EVSE, writes whatever differs from
// the store and removes store entries without a domain counterpart. Pools
// with a pending write go first.
func (r *Reconciler) RunDataSweep(ctx context.Context) SweepReport {
	started := time.Now()
	rep := SweepReport{Sweep: "data"}
	if r.flags.PushDataDisabled() {
		rep.Skipped = true
		return r.finish(rep, started)
	}

	var (
		mu      sync.Mutex
		desired = map[string]struct{}{}
	)
	pending := r.pendingPools()
	rep.Pending = len(pending)
	pools := r.net.ChargingPools()
	sort.SliceStable(pools, func(i, j int) bool {
		_, pi := pending[pools[i].PoolId]
		_, pj := pending[pools[j].PoolId]
		return pi && !pj
	})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, p := range pools {
		if !r.cfg.Filters.PoolIncluded(p) {
			continue
		}
		p := p
		g.Go(func() error {
			res := r.reconcilePool(gctx, p)
			mu.Lock()
			defer mu.Unlock()
			if res.locationId != "" {
				desired[res.locationId] = struct{}{}
			}
			rep.Examined += res.Examined
			rep.Applied += res.Applied
			rep.Removed += res.Removed
			rep.Failed += res.Failed
			return nil
		})
	}
	_ = g.Wait()

	for _, loc := range r.store.GetLocations() {
		if _, ok := desired[loc.Id]; ok {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		if _, err := r.store.RemoveLocation(ctx, loc.Id); err != nil {
			r.logger.Error("remove location", zap.String("location_id", loc.Id), zap.Error(err))
			rep.Failed++
			continue
		}
		rep.Removed++
		ids := r.mapper.Identities()
		for _, ev := range loc.EVSEs {
			evseId, ok := ids.DomainEVSEId(loc.Id, ev.Uid)
			if !ok {
				continue
			}
			r.state.Forget(syncstate.EVSEKey(evseId))
			r.state.Forget(syncstate.StatusKey(evseId))
			if _, exists := r.net.EVSE(evseId); !exists {
				ids.UnbindEVSE(evseId)
			}
		}
		if poolId, ok := ids.PoolOf(loc.Id); ok {
			r.state.Forget(syncstate.LocationKey(poolId))
			if _, exists := r.net.ChargingPool(poolId); !exists {
				ids.UnbindPool(poolId)
			}
		}
	}
	return r.finish(rep, started)
}

// pendingPools names the pools owning a location or EVSE write the store
// refused.
func (r *Reconciler) pendingPools() map[string]struct{} {
	pools := map[string]struct{}{}
	for _, key := range r.state.Pending() {
		kind, id := syncstate.SplitKey(key)
		switch kind {
		case syncstate.KindLocation:
			pools[id] = struct{}{}
		case syncstate.KindEVSE:
			if e, ok := r.net.EVSE(id); ok {
				pools[e.PoolId] = struct{}{}
			}
		}
	}
	return pools
}

// settle clears a pending mark once the store holds the domain's content.
func (r *Reconciler) settle(key string, ts time.Time, hash string) {
	if st, ok := r.state.Get(key); ok && st.Pending {
		r.state.Record(key, ts, hash)
	}
}

type poolResult struct {
	SweepReport
	locationId string
}

func (r *Reconciler) reconcilePool(ctx context.Context, p models.ChargingPool) poolResult {
	var res poolResult
	res.Examined++
	loc, err := r.mapper.MapPool(p)
	if err != nil {
		r.logger.Error("map charging pool", zap.String("pool_id", p.PoolId), zap.Error(err))
		res.Failed++
		return res
	}
	res.locationId = loc.Id

	hash := mapper.LocationHash(loc)
	stored, ok := r.store.TryGetLocation(loc.Id)
	if ok && mapper.LocationHash(stored) == hash {
		r.settle(syncstate.LocationKey(p.PoolId), loc.LastUpdated, hash)
	} else {
		applied, err := r.store.UpsertLocation(ctx, loc)
		if err != nil {
			r.logger.Error("repair location", zap.String("location_id", loc.Id), zap.Error(err))
			res.Failed++
			return res
		}
		// a push newer than this snapshot already landed otherwise
		if applied {
			r.state.Record(syncstate.LocationKey(p.PoolId), loc.LastUpdated, hash)
			res.Applied++
		}
	}

	ids := r.mapper.Identities()
	want := map[string]struct{}{}
	for _, e := range r.net.EVSEsOfPool(p.PoolId) {
		if !r.cfg.Filters.EVSEIncluded(e) {
			continue
		}
		res.Examined++
		prev, hadPrev := ids.EVSE(e.EvseId)
		id, pe, err := r.mapper.MapEVSE(e)
		if err != nil {
			r.logger.Error("map evse", zap.String("evse_id", e.EvseId), zap.Error(err))
			res.Failed++
			continue
		}
		want[id.EvseUid] = struct{}{}
		if hadPrev && prev.LocationId != id.LocationId {
			if _, err := r.store.RemoveEVSE(ctx, prev.LocationId, prev.EvseUid); err != nil {
				r.logger.Error("remove moved evse", zap.String("evse_id", e.EvseId), zap.Error(err))
			}
		}
		evseHash := mapper.EVSEHash(pe) + "@" + id.LocationId
		cur, ok := r.store.TryGetEVSE(id.LocationId, id.EvseUid)
		if ok && mapper.EVSEHash(cur)+"@"+id.LocationId == evseHash {
			r.settle(syncstate.EVSEKey(e.EvseId), pe.LastUpdated, evseHash)
			continue
		}
		applied, err := r.store.UpsertEVSE(ctx, id.LocationId, pe)
		if err != nil {
			r.logger.Error("repair evse", zap.String("evse_id", e.EvseId), zap.Error(err))
			res.Failed++
			continue
		}
		if !applied {
			continue
		}
		r.state.Record(syncstate.EVSEKey(e.EvseId), pe.LastUpdated, evseHash)
		r.state.Record(syncstate.StatusKey(e.EvseId), pe.StatusUpdated, "")
		res.Applied++
	}

	stored, ok = r.store.TryGetLocation(loc.Id)
	if !ok {
		return res
	}
	for _, ev := range stored.EVSEs {
		if _, keep := want[ev.Uid]; keep {
			continue
		}
		if _, err := r.store.RemoveEVSE(ctx, loc.Id, ev.Uid); err != nil {
			r.logger.Error("remove evse", zap.String("location_id", loc.Id), zap.String("evse_uid", ev.Uid), zap.Error(err))
			res.Failed++
			continue
		}
		res.Removed++
		evseId, ok := ids.DomainEVSEId(loc.Id, ev.Uid)
		if !ok {
			continue
		}
		r.state.Forget(syncstate.EVSEKey(evseId))
		r.state.Forget(syncstate.StatusKey(evseId))
		if _, exists := r.net.EVSE(evseId); !exists {
			ids.UnbindEVSE(evseId)
		}
	}
	return res
}
