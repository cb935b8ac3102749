package app

import (
	"strings"
	"time"

	"warden/internal/config"
	"warden/internal/notify"
	"warden/internal/storage"
	logx "warden/pkg/logx"
)

func logConfig(cfg *config.Config) logx.Config {
	console := true
	if cfg.Logging.Console != nil {
		console = *cfg.Logging.Console
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func storageConfig(cfg *config.Config) storage.Config {
	out := storage.Config{}
	if cfg.Storage == nil {
		return out
	}
	out.Path = cfg.Storage.Path
	if raw := strings.TrimSpace(cfg.Storage.BusyTimeout); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			out.BusyTimeout = d
		}
	}
	return out
}

func notifyConfig(cfg *config.Config) notify.Config {
	if cfg.Notify == nil {
		return notify.Config{}
	}
	return notify.Config{
		RatePerSec: cfg.Notify.RatePerSec,
		QueueSize:  cfg.Notify.QueueSize,
	}
}

// buildSinks assembles the sink list from the notify section: a mail sink
// when at least one recipient is set, a telegram sink when the token is. A
// sink that fails to construct is skipped with a warning, not fatal.
func buildSinks(cfg *config.Config, log logx.Logger) []notify.Sink {
	nc := cfg.Notify
	if nc == nil {
		return nil
	}
	var sinks []notify.Sink

	var rcpts []string
	for _, addr := range []string{nc.Admin, nc.NotifyEmail} {
		if a := strings.TrimSpace(addr); a != "" {
			rcpts = append(rcpts, a)
		}
	}
	if len(rcpts) > 0 {
		mc := notify.MailConfig{From: nc.FromEmail, To: rcpts}
		if mc.From == "" {
			mc.From = "warden@localhost"
		}
		if nc.SMTP != nil {
			mc.Host = nc.SMTP.Host
			mc.Port = nc.SMTP.Port
			mc.Username = nc.SMTP.Username
			mc.Password = nc.SMTP.Password
		}
		sinks = append(sinks, notify.NewMailSink(mc))
	}

	if nc.Telegram != nil && nc.Telegram.Token != "" {
		tg, err := notify.NewTelegramSink(nc.Telegram.Token, nc.Telegram.ChatID)
		if err != nil {
			log.Warn("telegram sink disabled", logx.Err(err))
		} else {
			sinks = append(sinks, tg)
		}
	}
	return sinks
}
