package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"courier/internal/config"
	"courier/internal/notifier"
	"courier/internal/registry"
	rtsup "courier/internal/runtime/supervisor"
	"courier/internal/stats"
	"courier/pkg/logx"
)

// maintenance owns the background cron jobs: delivery-history pruning and
// the hourly stats summary.
type maintenance struct {
	cron      *cron.Cron
	store     *registry.Store
	tracker   *stats.Tracker
	notif     *notifier.Service
	log       logx.Logger
	retention time.Duration
}

func newMaintenance(cfg config.MaintenanceConfig, store *registry.Store, tracker *stats.Tracker, notif *notifier.Service, log logx.Logger) (*maintenance, error) {
	retention, err := config.DurationOr("maintenance.history_retention", cfg.HistoryRetention, 720*time.Hour)
	if err != nil {
		return nil, err
	}
	pruneSpec := cfg.PruneSpec
	if pruneSpec == "" {
		pruneSpec = "0 4 * * *"
	}
	summarySpec := cfg.SummarySpec
	if summarySpec == "" {
		summarySpec = "0 * * * *"
	}

	m := &maintenance{
		cron:      cron.New(),
		store:     store,
		tracker:   tracker,
		notif:     notif,
		log:       log.With(logx.String("component", "maintenance")),
		retention: retention,
	}
	if _, err := m.cron.AddFunc(pruneSpec, m.prune); err != nil {
		return nil, fmt.Errorf("maintenance.prune_spec: %w", err)
	}
	if _, err := m.cron.AddFunc(summarySpec, m.summary); err != nil {
		return nil, fmt.Errorf("maintenance.summary_spec: %w", err)
	}
	return m, nil
}

func (m *maintenance) start(sup *rtsup.Supervisor) {
	m.cron.Start()
	sup.Go0("maintenance.cron_stop", func(ctx context.Context) {
		<-ctx.Done()
		m.cron.Stop()
	})
}

func (m *maintenance) stop() {
	ctx := m.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		m.log.Warn("maintenance jobs still running at shutdown")
	}
}

func (m *maintenance) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-m.retention)
	n, err := m.store.PruneDeliveries(ctx, cutoff)
	if err != nil {
		m.log.Error("history prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		m.log.Info("delivery history pruned",
			logx.Int64("removed", n), logx.Time("cutoff", cutoff))
	}
}

func (m *maintenance) summary() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	o, err := m.tracker.Overall(ctx)
	if err != nil {
		m.log.Error("stats summary failed", logx.Err(err))
		return
	}
	m.log.Info("delivery summary",
		logx.Int("agents", o.Agents),
		logx.Int("connected", o.ConnectedAgents),
		logx.Int64("total", o.Total),
		logx.Int64("succeeded", o.Succeeded),
		logx.Int64("failed", o.Failed),
		logx.Int64("last_24h", o.Last24h),
		logx.Float64("success_rate", o.SuccessRate()))
}

// ---- systemd integration ----

// startSystemd signals readiness and, when the unit configures a watchdog,
// keeps petting it at half the configured interval. No-ops outside
// systemd.
func (a *App) startSystemd() {
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	a.sup.Go0("systemd.watchdog", func(ctx context.Context) {
		ticker := time.NewTicker(interval / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
}

func (a *App) stopSystemd() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
}
