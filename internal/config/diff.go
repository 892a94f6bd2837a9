package config

import (
	logx "oppcast/pkg/logx"
	"reflect"
	"strings"
)

// SummarizeConfigChange returns the changed sections, log fields that never
// carry secrets (tokens, DSNs), and the changed keys that only take effect
// after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	o, n := oldCfg, newCfg
	ts := strings.TrimSpace

	if !reflect.DeepEqual(o.Telegram.OwnerUserIDs, n.Telegram.OwnerUserIDs) ||
		o.Telegram.OpsChatID != n.Telegram.OpsChatID ||
		o.Telegram.WelcomeText != n.Telegram.WelcomeText ||
		ts(o.Telegram.PollTimeout) != ts(n.Telegram.PollTimeout) ||
		o.Telegram.Token != n.Telegram.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int("telegram.owner_count", len(n.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.ops_chat_set", n.Telegram.OpsChatID != 0),
			logx.Bool("telegram.welcome_custom", ts(n.Telegram.WelcomeText) != ""),
		)
		if o.Telegram.Token != n.Telegram.Token {
			restart = append(restart, "telegram.token")
		}
		if ts(o.Telegram.PollTimeout) != ts(n.Telegram.PollTimeout) {
			restart = append(restart, "telegram.poll_timeout")
		}
	}

	if o.Logging != n.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", n.Logging.Level),
			logx.Bool("logging.console", n.Logging.Console),
			logx.Bool("logging.file_enabled", n.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", n.Logging.Telegram.Enabled),
		)
	}

	if o.Storage != n.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", n.Storage.Driver),
			logx.String("storage.path", n.Storage.Path),
			logx.Bool("storage.dsn_set", ts(n.Storage.DSN) != ""),
		)
		restart = append(restart, "storage")
	}

	if o.Feed.IsEnabled() != n.Feed.IsEnabled() ||
		ts(o.Feed.URL) != ts(n.Feed.URL) ||
		ts(o.Feed.Schedule) != ts(n.Feed.Schedule) ||
		ts(o.Feed.InitialDelay) != ts(n.Feed.InitialDelay) ||
		ts(o.Feed.Timeout) != ts(n.Feed.Timeout) {
		changed = append(changed, "feed")
		attrs = append(attrs,
			logx.Bool("feed.enabled", n.Feed.IsEnabled()),
			logx.String("feed.schedule", ts(n.Feed.Schedule)),
			logx.String("feed.timeout", ts(n.Feed.Timeout)),
		)
		if o.Feed.IsEnabled() != n.Feed.IsEnabled() {
			restart = append(restart, "feed.enabled")
		}
	}

	if !reflect.DeepEqual(o.Webhook, n.Webhook) {
		changed = append(changed, "webhook")
		attrs = append(attrs,
			logx.Bool("webhook.enabled", n.Webhook.IsEnabled()),
			logx.String("webhook.addr", n.Webhook.Addr),
			logx.Bool("webhook.pprof", n.Webhook.Pprof.Enabled),
			logx.Bool("webhook.pprof_token_set", ts(n.Webhook.Pprof.Token) != ""),
		)
		restart = append(restart, "webhook")
	}

	if o.Broadcast != n.Broadcast {
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.Int("broadcast.concurrency", n.Broadcast.Concurrency),
			logx.Int("broadcast.rate_per_sec", n.Broadcast.RatePerSec),
			logx.String("broadcast.send_timeout", n.Broadcast.SendTimeout),
		)
	}
	return changed, attrs, restart
}
