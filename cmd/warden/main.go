package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"warden/internal/app"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./warden.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if pid := a.Pid(); pid != "" {
		if err := writePidFile(pid); err != nil {
			fmt.Println("fatal:", err)
			os.Exit(1)
		}
		defer os.Remove(pid)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}

	// SIGHUP re-reads the config; a broken file keeps the previous one.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	keepalive := watchdogTicker()
	if keepalive != nil {
		defer keepalive.Stop()
	}

	for {
		select {
		case <-hup:
			a.Reload()
		case <-tick(keepalive):
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		case <-a.Done():
			_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
			err := a.Stop(stopCtx)
			stopCancel()
			if err == nil {
				err = a.Err()
			}
			if err != nil && err != context.Canceled {
				fmt.Println("fatal:", err)
				os.Exit(1)
			}
			return
		}
	}
}

func writePidFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// watchdogTicker returns a ticker at half the systemd watchdog interval, or
// nil when WatchdogSec is not set.
func watchdogTicker() *time.Ticker {
	iv, err := daemon.SdWatchdogEnabled(false)
	if err != nil || iv == 0 {
		return nil
	}
	return time.NewTicker(iv / 2)
}

func tick(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
