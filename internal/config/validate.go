package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate rejects configs that would fail at start or on hot reload.
// Service-specific checks (cron syntax, listen address) run in the app's
// validator on top of this.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		check(err)
	}
	nonNeg := func(path string, v int) {
		if v < 0 {
			check(fmt.Errorf("%s must be >= 0", path))
		}
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		check(fmt.Errorf("telegram.token is required (or set %s)", EnvTelegramToken))
	}
	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	if cfg.Logging.Telegram.Enabled && cfg.Telegram.LogChatID == 0 {
		check(errors.New("logging.telegram.enabled requires telegram.log_chat_id"))
	}
	nonNeg("logging.telegram.rate_per_sec", cfg.Logging.Telegram.RatePerSec)
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		check(errors.New("logging.file.path is required when logging.file.enabled"))
	}

	check(validateStorage(cfg.Storage))

	d := cfg.Dispatch
	nonNeg("dispatch.workers", d.Workers)
	nonNeg("dispatch.rate_per_sec", d.RatePerSec)
	nonNeg("dispatch.burst", d.Burst)
	nonNeg("dispatch.max_attempts", d.MaxAttempts)
	nonNeg("dispatch.progress_every", d.ProgressEvery)
	if d.RetryJitter < 0 || d.RetryJitter > 1 {
		check(errors.New("dispatch.retry_jitter must be within [0, 1]"))
	}
	dur("dispatch.per_recipient_interval", d.PerRecipientInterval)
	dur("dispatch.retry_base", d.RetryBase)
	dur("dispatch.retry_max_delay", d.RetryMaxDelay)
	dur("dispatch.send_timeout", d.SendTimeout)
	dur("dispatch.directory_backoff", d.DirectoryBackoff)
	dur("dispatch.directory_max_backoff", d.DirectoryMaxBackoff)

	dur("scheduler.tick", cfg.Scheduler.Tick)
	nonNeg("scheduler.batch_size", cfg.Scheduler.BatchSize)

	if cfg.Events.Enabled && strings.TrimSpace(cfg.Events.URL) == "" {
		check(fmt.Errorf("events.url is required when events.enabled (or set %s)", EnvAMQPURL))
	}
	nonNeg("events.prefetch", cfg.Events.Prefetch)
	dur("events.reconnect_min", cfg.Events.ReconnectMin)
	dur("events.reconnect_max", cfg.Events.ReconnectMax)

	dur("api.read_timeout", cfg.API.ReadTimeout)
	dur("api.write_timeout", cfg.API.WriteTimeout)
	dur("api.idle_timeout", cfg.API.IdleTimeout)

	return errors.Join(errs...)
}

func validateStorage(sc StorageConfig) error {
	switch strings.ToLower(strings.TrimSpace(sc.Driver)) {
	case "memory", "mem":
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(sc.Path) == "" {
			return errors.New("storage.path is required when storage.driver=sqlite")
		}
		if _, err := ParseDurationField("storage.busy_timeout", sc.BusyTimeout); err != nil {
			return err
		}
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(sc.DSN) == "" {
			return fmt.Errorf("storage.dsn is required when storage.driver=postgres (or set %s)", EnvStorageDSN)
		}
		if sc.MaxOpenConns < 0 {
			return errors.New("storage.max_open_conns must be >= 0")
		}
	default:
		return fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return nil
}
