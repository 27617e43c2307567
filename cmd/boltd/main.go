// boltd is the privileged host daemon that authorizes hot-pluggable
// Thunderbolt/USB4 peripherals (SPEC_FULL.md). Wiring follows the
// teacher's cli_main.go shape: package-level flags parsed by
// urfave/cli, a root logger configured before anything else runs, and
// a signal-driven shutdown path.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/gicmo/bolt-sub000/bconfig"
	"github.com/gicmo/bolt-sub000/blog"
	"github.com/gicmo/bolt-sub000/manager"
)

var log = blog.For("boltd")

func main() {
	app := cli.NewApp()
	app.Name = "boltd"
	app.Usage = "authorize Thunderbolt and USB4 peripherals"
	app.Version = "1.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config",
			Usage: "path to boltd.toml",
		},
		cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug logging",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.Bool("debug") {
		blog.SetLevel(logrus.DebugLevel)
	}

	cfg, err := bconfig.Load(c.String("config"))
	if err != nil {
		return err
	}
	log.WithField("config", cfg.String()).Info("starting boltd")

	m, err := manager.New(cfg)
	if err != nil {
		// Inability to create the store root at startup is one of
		// spec.md §7's three fatal conditions.
		log.WithError(err).Fatal("failed to initialize manager")
	}

	conn, err := dbus.SystemBus()
	if err != nil {
		log.WithError(err).Fatal("failed to connect to system bus")
	}
	defer conn.Close()

	if err := m.Start(conn); err != nil {
		log.WithError(err).Fatal("failed to start manager")
	}

	if cfg.Daemon.DbusAuthHelper != "" {
		m.SetPolicyCheck(execPolicyChecker(cfg.Daemon.DbusAuthHelper))
	}

	notifyReady()
	stopWatchdog := startWatchdog(cfg)
	defer stopWatchdog()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("received shutdown signal")
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		log.WithError(err).Debug("sd_notify stopping failed")
	}

	if err := m.Stop(); err != nil {
		log.WithError(err).Warn("errors during shutdown")
	}
	return nil
}

// execPolicyChecker shells out to an external polkit-style helper
// binary for every action-id check rather than linking a policy engine
// in-process: the helper is invoked as "helper <actionID>" and its exit
// status decides the outcome.
func execPolicyChecker(helper string) manager.PolicyChecker {
	return func(ctx context.Context, actionID string) (bool, error) {
		err := exec.CommandContext(ctx, helper, actionID).Run()
		if err == nil {
			return true, nil
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return false, nil
		}
		return false, err
	}
}

// notifyReady tells an sd_notify-aware supervisor that startup is
// complete (spec.md §6 Environment: "optional socket path in the
// service-notify variable").
func notifyReady() {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.WithError(err).Debug("sd_notify not available")
	}
}

// startWatchdog pings the supervisor's watchdog at half its configured
// interval, if one is configured (spec.md §6: "optional watchdog
// microsecond count"). WATCHDOG_USEC from the environment takes
// precedence; cfg.Store.WatchdogUs is a manual override for
// supervisors that enable watchdog pinging without setting it (e.g. a
// non-systemd process manager). The returned func stops the ticker.
func startWatchdog(cfg *bconfig.Config) func() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.WithError(err).Debug("watchdog environment unreadable")
	}
	if interval == 0 && cfg.Store.WatchdogUs > 0 {
		interval = time.Duration(cfg.Store.WatchdogUs) * time.Microsecond
	}
	if interval == 0 {
		return func() {}
	}

	ticker := time.NewTicker(interval / 2)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
					log.WithError(err).Debug("watchdog notify failed")
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		ticker.Stop()
		close(done)
	}
}
