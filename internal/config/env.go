package config

import (
	"os"
	"strings"
)

// Environment variables that override file values. Secrets belong here rather
// than in the config file.
const (
	EnvTelegramToken = "TELEGRAM_BOT_TOKEN"
	EnvHTTPProxy     = "HTTP_PROXY"
	EnvStorageDSN    = "PUSHBOT_STORAGE_DSN"
	EnvAMQPURL       = "PUSHBOT_AMQP_URL"
	EnvAPIToken      = "PUSHBOT_API_TOKEN"
)

// overlayEnv copies non-empty environment values into cfg. HTTP_PROXY only
// fills telegram.proxy when the file leaves it empty.
func overlayEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil {
		return
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&cfg.Telegram.Token, EnvTelegramToken)
	set(&cfg.Storage.DSN, EnvStorageDSN)
	set(&cfg.Events.URL, EnvAMQPURL)
	set(&cfg.API.Token, EnvAPIToken)
	if strings.TrimSpace(cfg.Telegram.Proxy) == "" {
		set(&cfg.Telegram.Proxy, EnvHTTPProxy)
	}
}
