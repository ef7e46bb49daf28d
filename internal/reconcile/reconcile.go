// Package reconcile periodically compares the charging network with the local
// protocol store and repairs whatever the push path missed.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"evroaming/internal/cache"
	"evroaming/internal/mapper"
	"evroaming/internal/metrics"
	"evroaming/internal/models"
	"evroaming/internal/network"
	"evroaming/internal/options"
	"evroaming/internal/store"
	"evroaming/internal/syncer"
	"evroaming/internal/syncstate"

	"go.uber.org/zap"
)

// CDRForwarder submits the CDR of a completed session.
type CDRForwarder interface {
	Forward(ctx context.Context, session models.ChargingSession) models.CDRResult
}

// DeliveredSet tells what became of a session's CDR.
type DeliveredSet interface {
	Lookup(ctx context.Context, sessionId string) (cache.Delivery, error)
}

type Config struct {
	DataEvery   time.Duration
	StatusEvery time.Duration
	CDREvery    time.Duration
	Filters     options.Filters
	// Concurrency bounds the pools reconciled in parallel.
	Concurrency int
}

type SweepReport struct {
	Sweep   string
	Skipped bool
	// Pending counts the pools taken first for an earlier refused write.
	Pending  int
	Examined int
	Applied  int
	Removed  int
	Failed   int
	Duration time.Duration
}

var ErrAlreadyRunning = errors.New("reconciler already running")

type Reconciler struct {
	cfg       Config
	net       *network.Network
	mapper    *mapper.Mapper
	store     *store.Store
	state     *syncstate.Table
	syncer    *syncer.Syncer
	forwarder CDRForwarder
	delivered DeliveredSet
	flags     *options.Flags
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

type Deps struct {
	Network   *network.Network
	Mapper    *mapper.Mapper
	Store     *store.Store
	State     *syncstate.Table
	Syncer    *syncer.Syncer
	Forwarder CDRForwarder
	Delivered DeliveredSet
	Flags     *options.Flags
	Metrics   *metrics.Metrics
}

func New(cfg Config, d Deps, logger *zap.Logger) *Reconciler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Reconciler{
		cfg:       cfg,
		net:       d.Network,
		mapper:    d.Mapper,
		store:     d.Store,
		state:     d.State,
		syncer:    d.Syncer,
		forwarder: d.Forwarder,
		delivered: d.Delivered,
		flags:     d.Flags,
		metrics:   d.Metrics,
		logger:    logger.Named("reconcile"),
	}
}

// Start schedules the sweeps whose interval is positive. Each sweep waits a
// full interval after its previous pass finished.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return ErrAlreadyRunning
	}
	r.running = true
	r.stop = make(chan struct{})

	schedule := func(every time.Duration, pass func(context.Context) SweepReport) {
		if every <= 0 {
			return
		}
		r.wg.Add(1)
		go r.loop(ctx, r.stop, every, pass)
	}
	schedule(r.cfg.DataEvery, r.RunDataSweep)
	schedule(r.cfg.StatusEvery, r.RunStatusSweep)
	schedule(r.cfg.CDREvery, r.RunCDRSweep)
	r.logger.Info("reconciler started",
		zap.Duration("data_every", r.cfg.DataEvery),
		zap.Duration("status_every", r.cfg.StatusEvery),
		zap.Duration("cdr_every", r.cfg.CDREvery))
	return nil
}

// Stop cancels future passes and waits for running ones to finish.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stop)
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("reconciler stopped")
}

func (r *Reconciler) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Reconciler) loop(ctx context.Context, stop <-chan struct{}, every time.Duration, pass func(context.Context) SweepReport) {
	defer r.wg.Done()
	t := time.NewTimer(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-t.C:
			pass(ctx)
			t.Reset(every)
		}
	}
}

func (r *Reconciler) finish(rep SweepReport, started time.Time) SweepReport {
	rep.Duration = time.Since(started)
	result := "ok"
	switch {
	case rep.Skipped:
		result = "skipped"
	case rep.Failed > 0:
		result = "failed"
	}
	r.metrics.SweepTotal.WithLabelValues(rep.Sweep, result).Inc()
	r.metrics.SweepDuration.WithLabelValues(rep.Sweep).Observe(rep.Duration.Seconds())
	if !rep.Skipped {
		r.logger.Debug("sweep finished",
			zap.String("sweep", rep.Sweep),
			zap.Int("pending", rep.Pending),
			zap.Int("examined", rep.Examined),
			zap.Int("applied", rep.Applied),
			zap.Int("removed", rep.Removed),
			zap.Int("failed", rep.Failed),
			zap.Duration("took", rep.Duration))
	}
	return rep
}

// RunStatusSweep recomputes the status of every mapped EVSE and reapplies it
// through the staleness guard.
func (r *Reconciler) RunStatusSweep(ctx context.Context) SweepReport {
	started := time.Now()
	rep := SweepReport{Sweep: "status"}
	if r.flags.PushStatusDisabled() {
		rep.Skipped = true
		return r.finish(rep, started)
	}
	for _, id := range r.mapper.Identities().MappedEVSEs() {
		e, ok := r.net.EVSE(id.EvseId)
		if !ok || !r.included(e) {
			continue
		}
		rep.Examined++
		u := models.EVSEStatusUpdate{EvseId: e.EvseId, NewStatus: e.Status, Timestamp: e.StatusChangedAt}
		if r.syncer.ApplyStatus(ctx, u) {
			rep.Applied++
			continue
		}
		stored, ok := r.store.TryGetEVSE(id.LocationId, id.EvseUid)
		if !ok {
			// the data sweep owns missing EVSEs
			continue
		}
		if !stored.StatusUpdated.Before(e.StatusChangedAt) {
			continue
		}
		upd, err := r.mapper.MapStatusUpdate(u)
		if err != nil {
			rep.Failed++
			continue
		}
		applied, err := r.store.UpdateEVSEStatus(ctx, upd)
		if err != nil {
			r.logger.Error("repair evse status", zap.String("evse_id", e.EvseId), zap.Error(err))
			rep.Failed++
			continue
		}
		if applied {
			r.state.Record(syncstate.StatusKey(e.EvseId), e.StatusChangedAt, "")
			rep.Applied++
		}
	}
	return r.finish(rep, started)
}

// RunCDRSweep resubmits completed sessions whose CDR was neither delivered nor
// filtered. Claimed sessions are left alone.
func (r *Reconciler) RunCDRSweep(ctx context.Context) SweepReport {
	started := time.Now()
	rep := SweepReport{Sweep: "cdr"}
	if r.flags.SendCDRsDisabled() || r.forwarder == nil {
		rep.Skipped = true
		return r.finish(rep, started)
	}
	for _, s := range r.net.CompletedSessions() {
		if ctx.Err() != nil {
			break
		}
		if r.delivered != nil {
			state, err := r.delivered.Lookup(ctx, s.SessionId)
			if err != nil {
				r.logger.Warn("delivered set lookup", zap.String("session_id", s.SessionId), zap.Error(err))
				rep.Failed++
				continue
			}
			if state != cache.Undelivered {
				r.logger.Debug("cdr sweep skips session", zap.String("session_id", s.SessionId), zap.Stringer("delivery", state))
				continue
			}
		}
		rep.Examined++
		res := r.forwarder.Forward(ctx, s)
		switch res.Outcome {
		case models.CDRSuccess:
			if !res.AlreadyDelivered {
				rep.Applied++
			}
		case models.CDRError:
			rep.Failed++
		}
	}
	return r.finish(rep, started)
}

func (r *Reconciler) included(e models.EVSE) bool {
	p, ok := r.net.ChargingPool(e.PoolId)
	return ok && r.cfg.Filters.PoolIncluded(p) && r.cfg.Filters.EVSEIncluded(e)
}
