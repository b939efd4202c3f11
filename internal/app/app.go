// Package app wires the courier daemon together: config, logging,
// registry, agent pool, delivery orchestrator, and background maintenance.
package app

import (
	"context"
	"fmt"
	"time"

	"courier/internal/config"
	"courier/internal/delivery"
	"courier/internal/notifier"
	"courier/internal/platform"
	"courier/internal/platform/botapi"
	"courier/internal/platform/userapi"
	"courier/internal/pool"
	"courier/internal/registry"
	rtsup "courier/internal/runtime/supervisor"
	"courier/internal/selector"
	"courier/internal/stats"
	"courier/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	store   *registry.Store
	tracker *stats.Tracker
	pool    *pool.Pool
	sel     *selector.Selector
	orch    *delivery.Orchestrator
	notif   *notifier.Service

	healthInterval time.Duration

	maint *maintenance
	sup   *rtsup.Supervisor
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Admin: logx.AdminConfig{
			Enabled:    cfg.Logging.Admin.Enabled,
			ChatID:     cfg.Notifier.ChatID,
			MinLevel:   cfg.Logging.Admin.MinLevel,
			RatePerSec: cfg.Logging.Admin.RatePerSec,
		},
	})
	log = log.With(logx.String("component", "app"))
	cfgm.SetLogger(logSvc.Logger().With(logx.String("component", "config")))

	busyTimeout, err := config.Duration("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := registry.Open(registry.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, logSvc.Logger().With(logx.String("component", "registry")))
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}

	notif, err := notifier.New(notifier.Config{
		BotToken: cfg.Notifier.BotToken,
		ChatID:   cfg.Notifier.ChatID,
	}, logSvc.Logger())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build notifier: %w", err)
	}

	pingTimeout, err := config.DurationOr("pool.ping_timeout", cfg.Pool.PingTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	healthInterval, err := config.DurationOr("pool.health_interval", cfg.Pool.HealthInterval, 30*time.Second)
	if err != nil {
		return nil, err
	}
	settleDelay, err := config.DurationOr("pool.settle_delay", cfg.Pool.SettleDelay, 3*time.Second)
	if err != nil {
		return nil, err
	}
	dialTimeout, err := config.DurationOr("gateway.dial_timeout", cfg.Gateway.DialTimeout, 15*time.Second)
	if err != nil {
		return nil, err
	}
	sendTimeout, err := config.DurationOr("pool.send_timeout", cfg.Pool.SendTimeout, 45*time.Second)
	if err != nil {
		return nil, err
	}

	sendsPerMinute := cfg.Pool.SendsPerMinute
	if sendsPerMinute <= 0 {
		sendsPerMinute = 20
	}

	tracker := stats.New(store, logSvc.Logger())

	factory := clientFactory(cfg.Gateway.URL, dialTimeout, sendTimeout, logSvc.Logger())
	agentPool := pool.New(pool.Config{
		SendsPerMinute: sendsPerMinute,
		PingTimeout:    pingTimeout,
	}, store, tracker, factory, logSvc.Logger())

	sel := selector.New(logSvc.Logger())
	orch := delivery.New(delivery.Config{
		SettleDelay: settleDelay,
		ItemDelay:   500 * time.Millisecond,
	}, store, agentPool, sel, tracker, logSvc.Logger())

	a := &App{
		cfgm:           cfgm,
		logs:           logSvc,
		log:            log,
		store:          store,
		tracker:        tracker,
		pool:           agentPool,
		sel:            sel,
		orch:           orch,
		notif:          notif,
		healthInterval: healthInterval,
	}
	a.maint, err = newMaintenance(cfg.Maintenance, store, tracker, notif, logSvc.Logger())
	if err != nil {
		store.Close()
		return nil, err
	}
	return a, nil
}

// clientFactory selects the client implementation by agent transport:
// personal-gateway accounts get the secret-capable websocket client, bot
// accounts get the Bot API client (session token doubles as the bot token).
func clientFactory(gatewayURL string, dialTimeout, sendTimeout time.Duration, log logx.Logger) pool.ClientFactory {
	return func(a registry.Agent) (platform.Client, error) {
		switch a.Transport {
		case registry.TransportBot:
			return botapi.New(botapi.Config{Token: a.SessionToken, Timeout: sendTimeout}, log)
		default:
			return userapi.New(userapi.Config{
				URL:          gatewayURL,
				SessionToken: a.SessionToken,
				APIID:        a.APIID,
				APIHash:      a.APIHash,
				DialTimeout:  dialTimeout,
				CallTimeout:  sendTimeout,
			}, log)
		}
	}
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.logs.Logger().With(logx.String("component", "supervisor"))))

	if err := a.notif.Start(ctx); err != nil {
		a.log.Warn("notifier start failed, admin notifications disabled", logx.Err(err))
	} else if a.notif != nil {
		a.logs.SetSender(a.notif)
	}

	if err := a.pool.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize pool: %w", err)
	}
	a.tracker.Prime(ctx, a.pool.ConnectedIDs())

	a.sup.GoRestart("pool.monitor", func(c context.Context) error {
		return a.pool.Monitor(c, pool.MonitorConfig{
			Interval:      a.healthInterval,
			AutoReconnect: a.autoReconnect,
		})
	}, time.Second, time.Minute)

	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	}, time.Second, time.Minute)
	a.sup.Go0("config.reload", a.reloadLoop)

	a.maint.start(a.sup)
	a.startSystemd()

	a.log.Info("courier started",
		logx.Int("agents_connected", len(a.pool.ConnectedIDs())))
	a.notif.Notify(ctx, "Courier started.")
	return nil
}

// autoReconnect consults the admin-tunable registry setting on each sweep.
func (a *App) autoReconnect(ctx context.Context) bool {
	st, err := a.store.GlobalSettings(ctx)
	if err != nil {
		return true
	}
	return st.AutoReconnect
}

// reloadLoop applies config file changes that are safe to swap at runtime.
// Structural settings (storage path, gateway URL) need a restart.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
				Admin: logx.AdminConfig{
					Enabled:    cfg.Logging.Admin.Enabled,
					ChatID:     cfg.Notifier.ChatID,
					MinLevel:   cfg.Logging.Admin.MinLevel,
					RatePerSec: cfg.Logging.Admin.RatePerSec,
				},
			})
			a.log.Info("configuration reloaded", logx.String("level", cfg.Logging.Level))
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	a.log.Info("courier stopping")
	a.stopSystemd()
	a.maint.stop()

	if a.sup != nil {
		a.sup.Cancel()
		wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := a.sup.Wait(wctx); err != nil {
			a.log.Warn("supervisor drain", logx.Err(err))
		}
		cancel()
	}

	a.pool.DisconnectAll(ctx)
	a.notif.Notify(ctx, "Courier stopped.")
	a.notif.Stop(ctx)
	if err := a.store.Close(); err != nil {
		a.log.Warn("registry close", logx.Err(err))
	}
	return a.logs.Close()
}

// Orchestrator exposes the delivery entry point to the embedding caller.
func (a *App) Orchestrator() *delivery.Orchestrator { return a.orch }

// Registry exposes agent administration (add/enable/priority/etc).
func (a *App) Registry() *registry.Store { return a.store }

// Pool exposes connection management for admin tooling.
func (a *App) Pool() *pool.Pool { return a.pool }

// Stats exposes the delivery counters.
func (a *App) Stats() *stats.Tracker { return a.tracker }
