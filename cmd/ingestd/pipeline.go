package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/siteflux/ingest/adapter"
	"github.com/siteflux/ingest/adapter/httppoll"
	"github.com/siteflux/ingest/adapter/mqtt"
	"github.com/siteflux/ingest/adapter/natsio"
	"github.com/siteflux/ingest/adapter/wsclient"
	"github.com/siteflux/ingest/config"
	"github.com/siteflux/ingest/datapoint"
	"github.com/siteflux/ingest/dualwrite"
	"github.com/siteflux/ingest/errors"
	"github.com/siteflux/ingest/journal"
	"github.com/siteflux/ingest/metric"
	"github.com/siteflux/ingest/monitor"
	"github.com/siteflux/ingest/retry"
	"github.com/siteflux/ingest/storage/postgres"
	"github.com/siteflux/ingest/storage/tdhttp"
	"github.com/siteflux/ingest/validator"
	"github.com/siteflux/ingest/verifier"
)

// Pipeline owns the wired ingestion graph: stores, dual-write adapter,
// validator, protocol adapters, monitor, and verifier.
type Pipeline struct {
	cfg    config.Config
	logger *slog.Logger

	Registry *metric.Registry
	Journal  *journal.Journal
	Monitor  *monitor.Monitor

	timeSeries *tdhttp.Client
	legacy     *postgres.Client
	dual       *dualwrite.Adapter
	validator  *validator.Validator
	verifier   *verifier.Verifier
	runners    []*adapter.Runner
}

// buildPipeline wires every component from configuration. Nothing is
// started; Start launches the adapters and background loops.
func buildPipeline(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Pipeline, error) {
	p := &Pipeline{
		cfg:      cfg,
		logger:   logger,
		Registry: metric.NewRegistry(),
		Journal:  journal.New(cfg.Journal.Capacity),
	}

	strategy, err := retry.ParseStrategy(cfg.Retry.Strategy)
	if err != nil {
		return nil, err
	}
	retryCfg := retry.Config{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		Multiplier:   cfg.Retry.Multiplier,
		Strategy:     strategy,
	}
	retryMgr := retry.NewManager(p.Journal)

	p.timeSeries, err = tdhttp.New(tdhttp.Config{
		URL:      cfg.TimeSeries.URL,
		Database: cfg.TimeSeries.Database,
		Username: cfg.TimeSeries.Username,
		Password: cfg.TimeSeries.Password,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("time-series store: %w", err)
	}

	dualConfig := dualwrite.NewConfigManager(dualwrite.DefaultGlobalConfig())
	if cfg.Postgres.DSN != "" {
		p.legacy, err = postgres.Open(ctx, postgres.Config{
			DSN:             cfg.Postgres.DSN,
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnLifetime,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("legacy store: %w", err)
		}
		if err := dualConfig.Load(ctx, p.legacy); err != nil {
			return nil, fmt.Errorf("dual-write config: %w", err)
		}
	} else {
		// No legacy store configured: primary-only operation.
		global := dualConfig.Global()
		global.WriteToOld = false
		dualConfig.SetGlobal(global)
		logger.Info("no legacy store configured, writing to time-series store only")
	}

	dualDeps := dualwrite.Deps{
		NewStore: p.timeSeries,
		Config:   dualConfig,
		Journal:  p.Journal,
		Retries:  retryMgr,
		RetryCfg: retryCfg,
		Registry: p.Registry,
		Logger:   logger,
	}
	if p.legacy != nil {
		dualDeps.OldStore = p.legacy
	}
	p.dual, err = dualwrite.NewAdapter(dualDeps)
	if err != nil {
		return nil, err
	}

	schemas := map[string]*validator.CategorySchema{}
	if cfg.Validation.DefinitionsFile != "" {
		schemas, err = validator.LoadDefinitionsFile(cfg.Validation.DefinitionsFile)
		if err != nil {
			return nil, fmt.Errorf("signal definitions: %w", err)
		}
	}
	var valOpts []validator.Option
	if cfg.Validation.StrictMode {
		valOpts = append(valOpts, validator.WithStrictMode())
	}
	valOpts = append(valOpts, validator.WithLogger(logger))
	p.validator = validator.New(schemas, valOpts...)

	p.Monitor = monitor.New(monitor.Config{
		CheckInterval:  cfg.Monitor.CheckInterval,
		RecentErrorAge: cfg.Monitor.RecentErrorAge,
		StartupGrace:   cfg.Monitor.StartupGrace,
	}, logger, p.Registry)

	if p.legacy != nil {
		p.verifier, err = verifier.New(verifier.Deps{
			TimeSeries: p.timeSeries,
			Relational: p.legacy,
			DualWrite:  dualConfig,
			Logger:     logger,
		}, verifier.Config{
			SampleRate:    cfg.Verify.SampleRate,
			MaxMismatches: cfg.Verify.MaxMismatches,
			Workers:       cfg.Verify.Workers,
		})
		if err != nil {
			return nil, err
		}
	}

	for _, ac := range cfg.Adapters {
		if !ac.IsEnabled() {
			logger.Info("adapter disabled, skipping", "adapter", ac.Name)
			continue
		}
		driver, err := buildDriver(ac)
		if err != nil {
			return nil, fmt.Errorf("adapter %s: %w", ac.Name, err)
		}
		runner, err := adapter.NewRunner(ac.Name, driver, adapter.Deps{
			Logger:      logger,
			Metrics:     p.Registry,
			Retry:       retryMgr,
			Journal:     p.Journal,
			RetryConfig: retryCfg,
		})
		if err != nil {
			return nil, fmt.Errorf("adapter %s: %w", ac.Name, err)
		}
		runner.OnData(p.ingestCallback(ac.Category))
		p.Monitor.Register(runner)
		p.runners = append(p.runners, runner)
	}

	return p, nil
}

// buildDriver decodes the protocol-specific settings and constructs the
// matching driver.
func buildDriver(ac config.AdapterConfig) (adapter.Driver, error) {
	switch ac.Protocol {
	case "mqtt":
		var cfg mqtt.Config
		if err := ac.DecodeSettings(&cfg); err != nil {
			return nil, err
		}
		return mqtt.New(ac.Name, cfg), nil
	case "http":
		var cfg httppoll.Config
		if err := ac.DecodeSettings(&cfg); err != nil {
			return nil, err
		}
		return httppoll.New(ac.Name, cfg), nil
	case "nats":
		var cfg natsio.Config
		if err := ac.DecodeSettings(&cfg); err != nil {
			return nil, err
		}
		return natsio.New(ac.Name, cfg), nil
	case "websocket":
		var cfg wsclient.Config
		if err := ac.DecodeSettings(&cfg); err != nil {
			return nil, err
		}
		return wsclient.New(ac.Name, cfg), nil
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("unknown protocol %q", ac.Protocol),
			"ingestd", "buildDriver", "protocol dispatch")
	}
}

// ingestCallback validates a data point against its category schema and
// dual-writes the surviving signals.
func (p *Pipeline) ingestCallback(categoryCode string) adapter.DataCallback {
	return func(ctx context.Context, dp *datapoint.DataPoint) {
		result, err := p.validator.Validate(dp, categoryCode)
		if err != nil {
			p.Journal.Append(fmt.Sprintf("validate:%s", categoryCode), "validation",
				err.Error(), 0, map[string]any{"asset_code": dp.AssetCode})
			return
		}
		if len(result.Errors) > 0 {
			p.Journal.Append(fmt.Sprintf("validate:%s", categoryCode), "validation",
				fmt.Sprintf("point rejected: %v", result.Errors), 0,
				map[string]any{"asset_code": dp.AssetCode})
			return
		}
		if len(result.InvalidSignals) > 0 {
			p.Journal.Append(fmt.Sprintf("validate:%s", categoryCode), "validation",
				fmt.Sprintf("signals rejected: %v", result.InvalidSignals), 0,
				map[string]any{"asset_code": dp.AssetCode})
		}
		if len(result.ValidSignals) == 0 {
			return
		}

		p.dual.WriteAssetData(ctx, categoryCode, dp.AssetCode, result.ValidSignals, dp.Timestamp)
	}
}

// Start launches every adapter. A failed start is logged and the adapter
// left in its error state for the monitor to surface; one bad endpoint must
// not hold back the rest of the plant.
func (p *Pipeline) Start(ctx context.Context) {
	for _, runner := range p.runners {
		if err := runner.Start(ctx); err != nil {
			p.logger.Error("adapter failed to start",
				"adapter", runner.Name(), "error", err)
		}
	}
}

// RunVerification runs one verification pass over every known dual-write
// category for the configured window.
func (p *Pipeline) RunVerification(ctx context.Context) {
	if p.verifier == nil {
		return
	}
	end := time.Now()
	start := end.Add(-p.cfg.Verify.Window)
	for _, cat := range p.dual.Config().Categories() {
		if !cat.VerifyEnabled {
			continue
		}
		if _, err := p.verifier.VerifyCategory(ctx, cat.CategoryCode, start, end); err != nil {
			p.logger.Error("verification run failed",
				"category", cat.CategoryCode, "error", err)
		}
	}
}

// Stop shuts down the adapters and closes the stores.
func (p *Pipeline) Stop(ctx context.Context, timeout time.Duration) {
	for _, runner := range p.runners {
		if err := runner.Stop(timeout); err != nil {
			p.logger.Warn("adapter stop reported error",
				"adapter", runner.Name(), "error", err)
		}
	}
	if p.legacy != nil {
		if p.dual != nil {
			if err := p.dual.Config().Save(ctx, p.legacy); err != nil {
				p.logger.Warn("failed to persist dual-write config", "error", err)
			}
		}
		if err := p.legacy.Close(); err != nil {
			p.logger.Warn("legacy store close reported error", "error", err)
		}
	}
}
