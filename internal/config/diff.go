package config

import (
	"reflect"
	"sort"
	"strings"

	logx "pushbot/pkg/logx"
)

// SummarizeConfigChange returns the sorted list of changed sections and safe
// structured attrs for logging. Secrets (tokens, DSN, AMQP URL) only ever
// show up as *_set booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	trim := strings.TrimSpace
	set := func(s string) bool { return trim(s) != "" }

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 24)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if trim(ot.PollTimeout) != trim(nt.PollTimeout) ||
		trim(ot.Proxy) != trim(nt.Proxy) ||
		ot.LogChatID != nt.LogChatID ||
		ot.SendOnly != nt.SendOnly ||
		ot.Token != nt.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", trim(nt.PollTimeout)),
			logx.Bool("telegram.proxy_set", set(nt.Proxy)),
			logx.Bool("telegram.log_chat_set", nt.LogChatID != 0),
			logx.Bool("telegram.send_only", nt.SendOnly),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	oldS, newS := oldCfg.Storage, newCfg.Storage
	if !strings.EqualFold(trim(oldS.Driver), trim(newS.Driver)) ||
		trim(oldS.Path) != trim(newS.Path) ||
		oldS.DSN != newS.DSN ||
		trim(oldS.BusyTimeout) != trim(newS.BusyTimeout) ||
		oldS.MaxOpenConns != newS.MaxOpenConns {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", trim(newS.Driver)),
			logx.Bool("storage.path_set", set(newS.Path)),
			logx.Bool("storage.dsn_set", set(newS.DSN)),
		)
	}

	if oldCfg.DispatchEnabled() != newCfg.DispatchEnabled() ||
		!reflect.DeepEqual(derefDispatch(oldCfg.Dispatch), derefDispatch(newCfg.Dispatch)) {
		nd := newCfg.Dispatch
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Bool("dispatch.enabled", newCfg.DispatchEnabled()),
			logx.Int("dispatch.workers", nd.Workers),
			logx.Int("dispatch.rate_per_sec", nd.RatePerSec),
			logx.Int("dispatch.burst", nd.Burst),
			logx.String("dispatch.per_recipient_interval", trim(nd.PerRecipientInterval)),
			logx.Int("dispatch.max_attempts", nd.MaxAttempts),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.tick", trim(newCfg.Scheduler.Tick)),
			logx.String("scheduler.spec", trim(newCfg.Scheduler.Spec)),
			logx.String("scheduler.timezone", trim(newCfg.Scheduler.Timezone)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Events, newCfg.Events) {
		changed = append(changed, "events")
		attrs = append(attrs,
			logx.Bool("events.enabled", newCfg.Events.Enabled),
			logx.Bool("events.url_set", set(newCfg.Events.URL)),
			logx.String("events.queue", trim(newCfg.Events.Queue)),
		)
	}

	if !reflect.DeepEqual(oldCfg.API, newCfg.API) {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", newCfg.API.Enabled),
			logx.String("api.addr", trim(newCfg.API.Addr)),
			logx.Bool("api.token_set", set(newCfg.API.Token)),
			logx.Bool("api.allow_insecure", newCfg.API.AllowInsecure),
			logx.Bool("api.pprof", newCfg.API.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// derefDispatch drops the Enabled pointer so DeepEqual compares values.
func derefDispatch(d DispatchConfig) DispatchConfig {
	d.Enabled = nil
	return d
}
