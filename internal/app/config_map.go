package app

import (
	"errors"
	"strings"
	"time"

	"pushbot/internal/api"
	"pushbot/internal/config"
	"pushbot/internal/dispatch"
	"pushbot/internal/events"
	"pushbot/internal/scheduler"
	"pushbot/internal/storage"
	"pushbot/internal/transport/telegram"
	logx "pushbot/pkg/logx"
)

// The map* helpers turn on-disk config into service configs. They are also
// the reload validator, so every error here rejects a hot reload.

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       strings.TrimSpace(cfg.Telegram.Token),
		PollTimeout: poll,
		Proxy:       strings.TrimSpace(cfg.Telegram.Proxy),
		SendOnly:    cfg.Telegram.SendOnly,
	}, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Telegram.LogChatID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:       strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:         strings.TrimSpace(sc.Path),
		DSN:          strings.TrimSpace(sc.DSN),
		BusyTimeout:  busy,
		MaxOpenConns: sc.MaxOpenConns,
	}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	d := cfg.Dispatch
	out := dispatch.Config{
		Enabled:       cfg.DispatchEnabled(),
		Workers:       d.Workers,
		RatePerSec:    d.RatePerSec,
		Burst:         d.Burst,
		MaxAttempts:   d.MaxAttempts,
		RetryJitter:   d.RetryJitter,
		ProgressEvery: d.ProgressEvery,
	}
	var errs []error
	for _, f := range []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"dispatch.per_recipient_interval", d.PerRecipientInterval, &out.PerRecipientInterval},
		{"dispatch.retry_base", d.RetryBase, &out.RetryBase},
		{"dispatch.retry_max_delay", d.RetryMaxDelay, &out.RetryMaxDelay},
		{"dispatch.send_timeout", d.SendTimeout, &out.SendTimeout},
		{"dispatch.directory_backoff", d.DirectoryBackoff, &out.DirectoryBackoff},
		{"dispatch.directory_max_backoff", d.DirectoryMaxBackoff, &out.DirectoryMaxBackoff},
	} {
		v, err := config.ParseDurationField(f.path, f.raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*f.dst = v
	}
	return out, errors.Join(errs...)
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	tick, err := config.ParseDurationField("scheduler.tick", cfg.Scheduler.Tick)
	if err != nil {
		return scheduler.Config{}, err
	}
	sc := scheduler.Config{
		Enabled:   cfg.Scheduler.Enabled,
		Tick:      tick,
		Spec:      strings.TrimSpace(cfg.Scheduler.Spec),
		Timezone:  strings.TrimSpace(cfg.Scheduler.Timezone),
		BatchSize: cfg.Scheduler.BatchSize,
	}
	if err := scheduler.Validate(sc); err != nil {
		return scheduler.Config{}, err
	}
	return sc, nil
}

func mapEventsConfig(cfg *config.Config) (events.ConsumerConfig, error) {
	ec := cfg.Events
	lo, err := config.ParseDurationField("events.reconnect_min", ec.ReconnectMin)
	if err != nil {
		return events.ConsumerConfig{}, err
	}
	hi, err := config.ParseDurationField("events.reconnect_max", ec.ReconnectMax)
	if err != nil {
		return events.ConsumerConfig{}, err
	}
	return events.ConsumerConfig{
		Enabled:      ec.Enabled,
		URL:          strings.TrimSpace(ec.URL),
		Queue:        strings.TrimSpace(ec.Queue),
		Prefetch:     ec.Prefetch,
		ReconnectMin: lo,
		ReconnectMax: hi,
	}, nil
}

func mapAPIConfig(cfg *config.Config) (api.Config, error) {
	ac := cfg.API
	out := api.Config{
		Enabled:       ac.Enabled,
		Addr:          strings.TrimSpace(ac.Addr),
		Token:         strings.TrimSpace(ac.Token),
		AllowInsecure: ac.AllowInsecure,
		Pprof:         ac.Pprof,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("api.read_timeout", ac.ReadTimeout, 15*time.Second); err != nil {
		return api.Config{}, err
	}
	// WriteTimeout stays 0 unless set so /debug/pprof/profile (30s+) works.
	if out.WriteTimeout, err = config.ParseDurationField("api.write_timeout", ac.WriteTimeout); err != nil {
		return api.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("api.idle_timeout", ac.IdleTimeout, time.Minute); err != nil {
		return api.Config{}, err
	}
	if out.Addr != "" && !strings.Contains(out.Addr, ":") {
		return api.Config{}, errors.New("api.addr must be host:port")
	}
	return out, nil
}

// validate runs every mapper; it backs the config manager's reload validator.
func validate(cfg *config.Config) error {
	_, e1 := mapTelegramConfig(cfg)
	_, e2 := mapStorageConfig(cfg)
	_, e3 := mapDispatchConfig(cfg)
	_, e4 := mapSchedulerConfig(cfg)
	_, e5 := mapEventsConfig(cfg)
	_, e6 := mapAPIConfig(cfg)
	return errors.Join(e1, e2, e3, e4, e5, e6)
}
