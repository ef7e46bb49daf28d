package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"evroaming/internal/adapter"
	"evroaming/internal/cache"
	"evroaming/internal/config"
	"evroaming/internal/db"
	"evroaming/internal/httpapi"
	"evroaming/internal/logging"
	"evroaming/internal/metrics"
	"evroaming/internal/network"
	"evroaming/internal/options"
	"evroaming/internal/party"
	"evroaming/internal/protocol"
	"evroaming/internal/remote"
	"evroaming/internal/repo"
	"evroaming/internal/security"
	"evroaming/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const partyReloadEvery = time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("bridge stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	met := metrics.New(reg)

	var (
		d        *db.DB
		sessions *repo.SessionsRepo
		loader   party.Loader
		st       *store.Store
		net      = network.New()
	)
	if cfg.Database.URL != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		var err error
		d, err = db.Connect(connectCtx, cfg.Database.URL, cfg.Database.MaxConns)
		if err == nil {
			err = d.EnsureSchema(connectCtx)
		}
		cancel()
		if err != nil {
			d.Close()
			return err
		}
		defer d.Close()
		sessions = repo.NewSessionsRepo(d.Pool)
		loader = repo.NewPartyBindingsRepo(d.Pool)
	} else {
		logger.Warn("no database configured; state is kept in memory only")
	}

	correlations, delivered, closeRedis, err := bookkeeping(ctx, cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer closeRedis()

	if d != nil {
		st = store.New(repo.NewPersister(d.Pool), logger)
		// completed sessions are only worth loading when the delivered set
		// survived the restart; otherwise every CDR would go out again
		restoreSessions := sessions
		if cfg.Redis.Addr == "" {
			restoreSessions = nil
		}
		if err := restore(ctx, d, st, net, restoreSessions); err != nil {
			return err
		}
	} else {
		st = store.New(nil, logger)
	}

	parties := party.NewRegistry(bindingSources{static: staticBindings(cfg.Parties), db: loader}, logger)
	if err := parties.Reload(ctx); err != nil {
		return err
	}
	if parties.Len() == 0 {
		logger.Warn("no party bindings; every inbound request will be rejected")
	}
	go reloadParties(ctx, parties, logger)

	counterparties := make([]adapter.Counterparty, 0, len(cfg.Counterparties))
	for _, cp := range cfg.Counterparties {
		counterparties = append(counterparties, remote.New(remote.Counterparty{
			Name:        cp.Name,
			CountryCode: cp.CountryCode,
			PartyId:     cp.PartyId,
			BaseURL:     cp.BaseURL,
			Token:       cp.Token,
			Priority:    cp.Priority,
		}, remote.Options{
			SelfCountryCode: cfg.Roaming.CountryCode,
			SelfPartyId:     cfg.Roaming.PartyId,
			Timeout:         cfg.Roaming.RequestTimeout,
			BreakerFailures: cfg.Roaming.BreakerFailures,
			BreakerOpenFor:  cfg.Roaming.BreakerOpenFor,
		}, met, logger))
	}

	a := adapter.New(adapter.Config{
		CountryCode:           cfg.Roaming.CountryCode,
		PartyId:               cfg.Roaming.PartyId,
		Currency:              cfg.Roaming.Currency,
		DisablePushData:       cfg.Sync.DisablePushData,
		DisablePushStatus:     cfg.Sync.DisablePushStatus,
		DisableAuthentication: cfg.Sync.DisableAuthentication,
		DisableSendCDRs:       cfg.Sync.DisableSendCDRs,
		ServiceCheckEvery:     cfg.Sync.ServiceCheckEvery,
		StatusCheckEvery:      cfg.Sync.StatusCheckEvery,
		CDRCheckEvery:         cfg.Sync.CDRCheckEvery,
		Filters: options.Filters{
			IncludeEVSEIds:         options.IdSet(cfg.Sync.IncludeEVSEIds),
			IncludeChargingPoolIds: options.IdSet(cfg.Sync.IncludeChargingPoolIds),
		},
		RequestTimeout:  cfg.Roaming.RequestTimeout,
		PushConcurrency: cfg.Sync.PushConcurrency,
	}, adapter.Deps{
		Network:        net,
		Store:          st,
		Counterparties: counterparties,
		Correlations:   correlations,
		Delivered:      delivered,
		Sessions:       optionalSessions(sessions),
		Metrics:        met,
	}, logger)
	if err := a.Start(ctx); err != nil {
		return err
	}

	api := httpapi.NewServer(st, parties, a, met, reg, httpapi.Limits{
		RequestsPerSecond: cfg.Server.RateLimit.RequestsPerSecond,
		Burst:             cfg.Server.RateLimit.Burst,
	}, logger)
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("bridge listening",
			zap.String("addr", cfg.Server.Addr),
			zap.String("operator", cfg.Roaming.CountryCode+"*"+cfg.Roaming.PartyId),
			zap.Int("counterparties", len(counterparties)))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error("http server", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := a.Shutdown(shutdownCtx); err != nil {
		logger.Warn("adapter shutdown", zap.Error(err))
	}
	logger.Info("bridge shutdown complete")
	return nil
}

// bookkeeping returns the Redis-backed correlation store and delivered set,
// or nil for both when Redis is not configured.
func bookkeeping(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (cache.CorrelationStore, cache.DeliveredSet, func(), error) {
	if cfg.Addr == "" {
		logger.Warn("no redis configured; delivered CDRs are remembered in memory only")
		return nil, nil, func() {}, nil
	}
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	client, err := cache.NewRedisClient(connectCtx, cache.RedisOptions{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	closeFn := func() {
		if err := client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			logger.Warn("close redis", zap.Error(err))
		}
	}
	return cache.NewRedisCorrelations(client), cache.NewRedisDelivered(client), closeFn, nil
}

// restore loads the published store and the charging network from the
// database. sessions may be nil.
func restore(ctx context.Context, d *db.DB, st *store.Store, net *network.Network, sessions *repo.SessionsRepo) error {
	locs, err := repo.NewLocationsRepo(d.Pool).List(ctx)
	if err != nil {
		return fmt.Errorf("restore locations: %w", err)
	}
	st.Restore(locs)
	cdrs, err := repo.NewCDRsRepo(d.Pool).List(ctx)
	if err != nil {
		return fmt.Errorf("restore cdrs: %w", err)
	}
	st.RestoreCDRs(cdrs)
	return repo.NewNetworkRepo(d.Pool).LoadInto(ctx, net, sessions)
}

func optionalSessions(s *repo.SessionsRepo) adapter.SessionSaver {
	if s == nil {
		return nil
	}
	return s
}

func reloadParties(ctx context.Context, parties *party.Registry, logger *zap.Logger) {
	t := time.NewTicker(partyReloadEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := parties.Reload(ctx); err != nil {
				logger.Warn("reload party bindings", zap.Error(err))
			}
		}
	}
}

// bindingSources serves the bindings from the config file next to the ones in
// the database.
type bindingSources struct {
	static []party.Binding
	db     party.Loader
}

func (b bindingSources) ListPartyBindings(ctx context.Context) ([]party.Binding, error) {
	out := append([]party.Binding(nil), b.static...)
	if b.db == nil {
		return out, nil
	}
	stored, err := b.db.ListPartyBindings(ctx)
	if err != nil {
		return nil, err
	}
	return append(out, stored...), nil
}

func staticBindings(parties []config.PartyConfig) []party.Binding {
	out := make([]party.Binding, 0, len(parties))
	for _, p := range parties {
		out = append(out, party.Binding{
			TokenHash:   security.HashSecretSHA256(p.Token),
			CountryCode: p.CountryCode,
			PartyId:     p.PartyId,
			Role:        protocol.Role(p.Role),
			Status:      party.StatusActive,
		})
	}
	return out
}
