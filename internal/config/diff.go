package config

import (
	"reflect"

	logx "followback/pkg/logx"
)

// SummarizeChange lists the sections that differ between two configs and
// returns log fields describing the new values. Secrets (tokens, consumer
// keys, DSNs) are reported only as "set" flags.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		fields  []logx.Field
	)
	section := func(name string, a, b any, f ...logx.Field) {
		if reflect.DeepEqual(a, b) {
			return
		}
		changed = append(changed, name)
		fields = append(fields, f...)
	}

	section("logging", oldCfg.Logging, newCfg.Logging,
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.console", newCfg.Logging.Console),
		logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
	)
	section("telegram", oldCfg.Telegram, newCfg.Telegram,
		logx.Bool("telegram.token_set", newCfg.Telegram.Token != ""),
		logx.Int64("telegram.chat_id", newCfg.Telegram.ChatID),
	)
	section("directory", oldCfg.Directory, newCfg.Directory,
		logx.String("directory.base_url", newCfg.Directory.BaseURL),
		logx.Float64("directory.rate_per_sec", newCfg.Directory.RatePerSec),
		logx.Bool("directory.consumer_key_set", newCfg.Directory.ConsumerKey != ""),
	)
	section("storage", oldCfg.Storage, newCfg.Storage,
		logx.String("storage.driver", newCfg.Storage.Driver),
		logx.Bool("storage.dsn_set", newCfg.Storage.DSN != ""),
	)
	section("idsync", oldCfg.IDSync, newCfg.IDSync,
		logx.Bool("idsync.enabled", newCfg.IDSync.Enabled),
		logx.String("idsync.min_cycle", newCfg.IDSync.MinCycle),
	)
	section("followback", oldCfg.FollowBack, newCfg.FollowBack,
		logx.Bool("followback.enabled", newCfg.FollowBack.Enabled),
		logx.String("followback.pause", newCfg.FollowBack.Pause),
		logx.Bool("followback.dry_run", newCfg.FollowBack.DryRun),
	)
	section("maintenance", oldCfg.Maintenance, newCfg.Maintenance,
		logx.String("maintenance.prune_schedule", newCfg.Maintenance.PruneSchedule),
		logx.String("maintenance.retention", newCfg.Maintenance.Retention),
	)
	section("ops", oldCfg.Ops, newCfg.Ops,
		logx.Bool("ops.enabled", newCfg.Ops.Enabled),
		logx.String("ops.addr", newCfg.Ops.Addr),
		logx.Bool("ops.token_set", newCfg.Ops.Token != ""),
		logx.Bool("ops.pprof", newCfg.Ops.Pprof),
	)
	return changed, fields
}

// RestartRequired lists changed sections that only take effect after a
// process restart.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if !reflect.DeepEqual(oldCfg.Directory, newCfg.Directory) {
		out = append(out, "directory")
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		out = append(out, "storage")
	}
	if !reflect.DeepEqual(oldCfg.IDSync, newCfg.IDSync) {
		out = append(out, "idsync")
	}
	if oldCfg.FollowBack.Enabled != newCfg.FollowBack.Enabled ||
		oldCfg.FollowBack.DryRun != newCfg.FollowBack.DryRun ||
		oldCfg.FollowBack.Quantum != newCfg.FollowBack.Quantum ||
		oldCfg.FollowBack.IdleDelay != newCfg.FollowBack.IdleDelay {
		out = append(out, "followback")
	}
	if !reflect.DeepEqual(oldCfg.Maintenance, newCfg.Maintenance) {
		out = append(out, "maintenance")
	}
	if oldCfg.Telegram.Token != newCfg.Telegram.Token {
		out = append(out, "telegram")
	}
	return out
}
