package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"jobweave/internal/app"
	logx "jobweave/pkg/logx"
)

var stopTimeout time.Duration

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduler in the foreground",
	Long: `Run loads the config, recovers the ledger and schedules jobs until
SIGINT or SIGTERM. Under systemd (Type=notify) readiness, stopping and
watchdog pings are reported through sd_notify.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd.Context())
	},
}

func init() {
	runCmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 15*time.Second, "upper bound for graceful shutdown")
}

func runDaemon(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}
	log := a.Logger().With(logx.String("comp", "main"))

	if err := a.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
		defer stopCancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return errors.Wrap(err, "start")
	}
	notify(log, daemon.SdNotifyReady)
	go watchdog(ctx, a, log)

	reason := app.StopUnknown
	select {
	case sig := <-sigs:
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		} else {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	notify(log, daemon.SdNotifyStopping)
	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	if reason == app.StopFatalError {
		if err := a.Err(); err != nil {
			return errors.Wrap(err, "fatal")
		}
	}
	return nil
}

func notify(log logx.Logger, state string) {
	ok, err := daemon.SdNotify(false, state)
	switch {
	case err != nil:
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	case ok:
		log.Debug("sd_notify sent", logx.String("state", state))
	}
}

// watchdog pings systemd at half the configured WatchdogSec while the
// scheduler has ticked recently.
func watchdog(ctx context.Context, a *app.App, log logx.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("watchdog config invalid", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	period := interval / 2
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			snap := a.Scheduler().Snapshot()
			if !snap.Started {
				continue
			}
			if !snap.LastTick.IsZero() && time.Since(snap.LastTick) > interval {
				log.Warn("scheduler loop stalled; skipping watchdog ping", logx.Time("last_tick", snap.LastTick))
				continue
			}
			notify(log, daemon.SdNotifyWatchdog)
		}
	}
}
