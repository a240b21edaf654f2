package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"followback/internal/config"
	"followback/internal/directory/twitter"
	"followback/internal/notify/telegram"
	"followback/internal/observability/metrics"
	"followback/internal/observability/ops"
	"followback/internal/storage"
	logx "followback/pkg/logx"
)

// LoadConfig parses path and resolves its durations without the full daemon
// validation; subcommands validate what they need.
func LoadConfig(path string) (*config.Manager, *config.Config, config.Runtime, error) {
	cfgm := config.NewManager(path)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, nil, config.Runtime{}, fmt.Errorf("load config: %w", err)
	}
	rt, err := cfg.Resolve()
	if err != nil {
		return nil, nil, config.Runtime{}, err
	}
	return cfgm, cfg, rt, nil
}

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// newLogging builds the logging service, with a Telegram alert sink when a
// bot token and chat are configured.
func newLogging(cfg *config.Config, rt config.Runtime) (*logx.Service, logx.Logger, error) {
	var sender logx.Sender
	if cfg.Telegram.Token != "" && cfg.Telegram.ChatID != 0 {
		n, err := telegram.New(telegram.Config{
			Token:    cfg.Telegram.Token,
			ChatID:   cfg.Telegram.ChatID,
			ThreadID: cfg.Telegram.ThreadID,
			Timeout:  rt.TelegramTimeout,
		})
		if err != nil {
			return nil, logx.Logger{}, fmt.Errorf("telegram: %w", err)
		}
		sender = n
	}
	svc, log := logx.New(logConfig(cfg), sender)
	return svc, log, nil
}

// OpenStore opens the configured store.
func OpenStore(ctx context.Context, cfg *config.Config, rt config.Runtime, log logx.Logger) (storage.Store, error) {
	if err := cfg.ValidateStorage(); err != nil {
		return nil, err
	}
	return storage.Open(ctx, storage.Config{
		Driver:      cfg.Storage.Driver,
		DSN:         cfg.Storage.DSN,
		BusyTimeout: rt.BusyTimeout,
		MaxConns:    cfg.Storage.MaxConns,
	}, log)
}

// NewClient builds the directory API client. A non-nil reg instruments the
// transport with request metrics.
func NewClient(cfg *config.Config, rt config.Runtime, reg prometheus.Registerer, log logx.Logger) (*twitter.Client, error) {
	if cfg.Directory.ConsumerKey == "" || cfg.Directory.ConsumerSecret == "" {
		return nil, config.ErrMissingCredentials
	}
	var tr http.RoundTripper = http.DefaultTransport
	if reg != nil {
		var err error
		if tr, err = metrics.InstrumentTransport(reg, tr); err != nil {
			return nil, err
		}
	}
	return twitter.New(twitter.Config{
		BaseURL:        cfg.Directory.BaseURL,
		ConsumerKey:    cfg.Directory.ConsumerKey,
		ConsumerSecret: cfg.Directory.ConsumerSecret,
		Timeout:        rt.DirectoryTimeout,
		RatePerSec:     cfg.Directory.RatePerSec,
		Burst:          cfg.Directory.Burst,
		UserAgent:      cfg.Directory.UserAgent,
		Transport:      tr,
	}, log)
}

func opsConfig(cfg *config.Config, rt config.Runtime) ops.Config {
	return ops.Config{
		Enabled:              cfg.Ops.Enabled,
		Addr:                 cfg.Ops.Addr,
		Token:                cfg.Ops.Token,
		AllowInsecure:        cfg.Ops.AllowInsecure,
		Pprof:                cfg.Ops.Pprof,
		ReadTimeout:          rt.OpsReadTimeout,
		WriteTimeout:         rt.OpsWriteTimeout,
		IdleTimeout:          rt.OpsIdleTimeout,
		MutexProfileFraction: cfg.Ops.MutexProfileFraction,
		BlockProfileRate:     cfg.Ops.BlockProfileRate,
	}
}

// withTimeout bounds a stop step.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < d {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
