// Package adapter assembles the roaming core around one charging network: the
// push synchronizer, the reconciler, the authorization bridge and the CDR
// forwarder. The adapter registers itself with the network as a roaming
// provider and executes remote commands for the HTTP surface.
package adapter

import (
	"context"
	"errors"
	"sync"
	"time"

	"evroaming/internal/authz"
	"evroaming/internal/cache"
	"evroaming/internal/cdr"
	"evroaming/internal/mapper"
	"evroaming/internal/metrics"
	"evroaming/internal/models"
	"evroaming/internal/network"
	"evroaming/internal/options"
	"evroaming/internal/reconcile"
	"evroaming/internal/store"
	"evroaming/internal/syncer"
	"evroaming/internal/syncstate"

	"go.uber.org/zap"
)

// Counterparty is a remote provider that authorizes tokens and receives CDRs.
// *remote.Client is one.
type Counterparty interface {
	authz.Source
	cdr.Sink
}

// SessionSaver persists charging sessions. *repo.SessionsRepo is one.
type SessionSaver interface {
	Save(ctx context.Context, s models.ChargingSession) error
}

// Config is fixed at construction. The Disable flags only set the initial
// state; they can be flipped later through the adapter's setters.
type Config struct {
	CountryCode string
	PartyId     string
	// Currency is charged for sessions started by remote command.
	Currency string

	DisablePushData       bool
	DisablePushStatus     bool
	DisableAuthentication bool
	DisableSendCDRs       bool

	ServiceCheckEvery time.Duration
	StatusCheckEvery  time.Duration
	CDRCheckEvery     time.Duration

	Filters    options.Filters
	CDRFilter  options.CDRFilter
	Converters mapper.Converters

	RequestTimeout  time.Duration
	PushConcurrency int
}

type Deps struct {
	Network        *network.Network
	Store          *store.Store
	Counterparties []Counterparty
	// Correlations and Delivered default to in-memory implementations.
	Correlations cache.CorrelationStore
	Delivered    cache.DeliveredSet
	// Sessions is optional.
	Sessions SessionSaver
	Metrics  *metrics.Metrics
}

var ErrNotRunning = errors.New("adapter is not running")

type Adapter struct {
	cfg          Config
	net          *network.Network
	store        *store.Store
	mapper       *mapper.Mapper
	flags        *options.Flags
	correlations cache.CorrelationStore
	sessions     SessionSaver

	syncer     *syncer.Syncer
	reconciler *reconcile.Reconciler
	authz      *authz.Bridge
	forwarder  *cdr.Forwarder

	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	started  bool
	unsubs   []func()
	inflight sync.WaitGroup
}

func New(cfg Config, d Deps, logger *zap.Logger) *Adapter {
	logger = logger.Named("adapter")
	if d.Correlations == nil {
		d.Correlations = cache.NewMemoryCorrelations()
	}
	if d.Delivered == nil {
		d.Delivered = cache.NewMemoryDelivered()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NewNop()
	}

	flags := &options.Flags{}
	flags.SetDisablePushData(cfg.DisablePushData)
	flags.SetDisablePushStatus(cfg.DisablePushStatus)
	flags.SetDisableAuthentication(cfg.DisableAuthentication)
	flags.SetDisableSendCDRs(cfg.DisableSendCDRs)

	m := mapper.New(mapper.Config{
		CountryCode: cfg.CountryCode,
		PartyId:     cfg.PartyId,
		Converters:  cfg.Converters,
	}, mapper.NewIdentities(), logger)
	state := syncstate.New()

	sources := make([]authz.Source, 0, len(d.Counterparties))
	sinks := make([]cdr.Sink, 0, len(d.Counterparties))
	for _, cp := range d.Counterparties {
		sources = append(sources, cp)
		sinks = append(sinks, cp)
	}

	s := syncer.New(syncer.Config{Filters: cfg.Filters, Concurrency: cfg.PushConcurrency},
		d.Network, m, d.Store, state, flags, d.Metrics, logger)
	fwd := cdr.New(cdr.Config{Filter: cfg.CDRFilter, Timeout: cfg.RequestTimeout}, cdr.Deps{
		Mapper:       m,
		Store:        d.Store,
		Correlations: d.Correlations,
		Delivered:    d.Delivered,
		Sinks:        sinks,
		Flags:        flags,
		Metrics:      d.Metrics,
	}, logger)
	rec := reconcile.New(reconcile.Config{
		DataEvery:   cfg.ServiceCheckEvery,
		StatusEvery: cfg.StatusCheckEvery,
		CDREvery:    cfg.CDRCheckEvery,
		Filters:     cfg.Filters,
	}, reconcile.Deps{
		Network:   d.Network,
		Mapper:    m,
		Store:     d.Store,
		State:     state,
		Syncer:    s,
		Forwarder: fwd,
		Delivered: d.Delivered,
		Flags:     flags,
		Metrics:   d.Metrics,
	}, logger)

	return &Adapter{
		cfg:          cfg,
		net:          d.Network,
		store:        d.Store,
		mapper:       m,
		flags:        flags,
		correlations: d.Correlations,
		sessions:     d.Sessions,
		syncer:       s,
		reconciler:   rec,
		authz:        authz.New(authz.Config{Timeout: cfg.RequestTimeout}, sources, m, d.Correlations, flags, d.Metrics, logger),
		forwarder:    fwd,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Id names the adapter among the network's roaming providers.
func (a *Adapter) Id() string { return "roaming:" + a.cfg.CountryCode + "*" + a.cfg.PartyId }

func (a *Adapter) Mapper() *mapper.Mapper { return a.mapper }

func (a *Adapter) Reconciler() *reconcile.Reconciler { return a.reconciler }

func (a *Adapter) SetDisablePushData(v bool)       { a.flags.SetDisablePushData(v) }
func (a *Adapter) SetDisablePushStatus(v bool)     { a.flags.SetDisablePushStatus(v) }
func (a *Adapter) SetDisableAuthentication(v bool) { a.flags.SetDisableAuthentication(v) }
func (a *Adapter) SetDisableSendCDRs(v bool)       { a.flags.SetDisableSendCDRs(v) }

// Start attaches the adapter to the network, publishes what the network
// already holds and schedules the sweeps. An adapter starts once.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return reconcile.ErrAlreadyRunning
	}
	if a.flags.ShuttingDown() {
		return ErrNotRunning
	}
	a.started = true

	a.net.RegisterRoamingProvider(a)
	a.syncer.Subscribe()
	a.unsubs = append(a.unsubs, a.net.OnSessionCompleted.Subscribe(a.sessionCompleted))

	rep := a.reconciler.RunDataSweep(ctx)
	a.logger.Info("initial publication",
		zap.Int("examined", rep.Examined), zap.Int("applied", rep.Applied), zap.Int("failed", rep.Failed))
	return a.reconciler.Start(ctx)
}

// Shutdown rejects new authorization and CDR work, stops the sweeps and
// waits for pushes and deliveries in flight, or for ctx.
func (a *Adapter) Shutdown(ctx context.Context) error {
	a.flags.MarkShuttingDown()

	a.mu.Lock()
	for _, u := range a.unsubs {
		u()
	}
	a.unsubs = nil
	a.mu.Unlock()

	a.reconciler.Stop()
	a.syncer.Unsubscribe()

	done := make(chan struct{})
	go func() {
		a.syncer.Wait()
		a.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.logger.Info("adapter stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until pushes and CDR deliveries dispatched so far are done.
func (a *Adapter) Wait() {
	a.syncer.Wait()
	a.inflight.Wait()
}

func (a *Adapter) AuthorizeStart(ctx context.Context, req models.AuthorizeStartRequest) models.AuthorizationResult {
	return a.authz.AuthorizeStart(ctx, req)
}

func (a *Adapter) AuthorizeStop(ctx context.Context, req models.AuthorizeStopRequest) models.AuthorizationResult {
	return a.authz.AuthorizeStop(ctx, req)
}

func (a *Adapter) SendChargeDetailRecord(ctx context.Context, session models.ChargingSession) models.CDRResult {
	return a.forwarder.Forward(ctx, session)
}

// sessionCompleted persists the session and hands it to the forwarder on
// its own goroutine. A failed delivery is picked up by the CDR sweep.
func (a *Adapter) sessionCompleted(ctx context.Context, s models.ChargingSession) {
	ctx = context.WithoutCancel(ctx)
	a.inflight.Add(1)
	go func() {
		defer a.inflight.Done()
		a.saveSession(ctx, s)
		res := a.forwarder.Forward(ctx, s)
		if res.Outcome == models.CDRError {
			a.logger.Info("cdr left for the sweep",
				zap.String("session_id", s.SessionId), zap.String("reason", res.Description))
		}
	}()
}

func (a *Adapter) saveSession(ctx context.Context, s models.ChargingSession) {
	if a.sessions == nil {
		return
	}
	if err := a.sessions.Save(ctx, s); err != nil {
		a.logger.Error("save session", zap.String("session_id", s.SessionId), zap.Error(err))
	}
}
