package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/davidahmann/shomer/core/caseindex"
	"github.com/davidahmann/shomer/core/classify"
	"github.com/davidahmann/shomer/core/config"
	"github.com/davidahmann/shomer/core/custody"
	coreerrors "github.com/davidahmann/shomer/core/errors"
	"github.com/davidahmann/shomer/core/fetch"
	"github.com/davidahmann/shomer/core/pack"
	"github.com/davidahmann/shomer/core/pii"
	"github.com/davidahmann/shomer/core/pipeline"
	"github.com/davidahmann/shomer/core/sign"
	"github.com/davidahmann/shomer/core/vault"
	"github.com/davidahmann/shomer/internal/telemetry"
)

// ingestRuntime wires every component an ingestion needs from one config.
type ingestRuntime struct {
	config   config.Config
	keys     sign.KeyPair
	pipeline *pipeline.Pipeline
	registry *prometheus.Registry
	shutdown func(context.Context) error
}

func (c *cli) loadConfig(validate bool) (config.Config, error) {
	path := config.Path(c.configPath)
	if validate {
		return config.Load(path, true)
	}
	return config.Read(path, true, nil)
}

// cleanupStack releases resources in reverse order of acquisition.
type cleanupStack []func()

func (s *cleanupStack) push(fn func()) {
	*s = append(*s, fn)
}

func (s *cleanupStack) run() {
	for index := len(*s) - 1; index >= 0; index-- {
		(*s)[index]()
	}
	*s = nil
}

func (c *cli) openIngestRuntime(ctx context.Context) (_ *ingestRuntime, err error) {
	cfg, err := c.loadConfig(true)
	if err != nil {
		return nil, err
	}
	logger := c.logger()

	var cleanup cleanupStack
	defer func() {
		if err != nil {
			cleanup.run()
		}
	}()

	shutdown, err := telemetry.Setup(ctx, "shomer", version, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return nil, coreerrors.Wrap(fmt.Errorf("set up tracing: %w", err), coreerrors.CategoryConfiguration, "telemetry_setup_failed", "check telemetry.otlp_endpoint", false)
	}
	cleanup.push(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(shutdownCtx)
	})
	keys, err := sign.GetOrCreateKeyPair(cfg.Crypto.KeyPath, cfg.Crypto.KeyName)
	if err != nil {
		return nil, err
	}
	pseudonymizer, err := pii.NewPseudonymizer(cfg.PII.HMACKey)
	if err != nil {
		return nil, err
	}
	fetchTimeout, err := cfg.FetchTimeout()
	if err != nil {
		return nil, err
	}
	classifyTimeout, err := cfg.ClassifyTimeout()
	if err != nil {
		return nil, err
	}
	cases, err := caseindex.Open(ctx, cfg.Storage.SQLitePath)
	if err != nil {
		return nil, err
	}
	cleanup.push(func() {
		_ = cases.Close()
	})
	store, err := vault.Open(cfg.Storage.VaultPath, vault.Options{Logger: logger})
	if err != nil {
		return nil, err
	}
	custodyLog, err := custody.Open(cfg.Storage.CustodyLog, custody.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	assembler, err := pack.NewAssembler(cfg.Storage.BasePath, keys, pack.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	detector := pii.NewDetector(ctx, pii.DetectorOptions{
		AnalyzerURL: cfg.PII.AnalyzerURL,
		Language:    cfg.Language(),
		Logger:      logger,
	})
	registry := prometheus.NewRegistry()
	runner, err := pipeline.New(pipeline.Options{
		Fetcher: fetch.New(fetch.Options{
			Timeout:   fetchTimeout,
			UserAgent: cfg.Fetch.UserAgent,
			Logger:    logger,
		}),
		Classifier: classify.New(classify.Options{
			Endpoint: cfg.Classify.Endpoint,
			Timeout:  classifyTimeout,
			Logger:   logger,
		}),
		Cases:      cases,
		Vault:      store,
		Custody:    custodyLog,
		PII:        pii.NewEngine(detector, pseudonymizer),
		Packer:     assembler,
		BaseDir:    cfg.Storage.BasePath,
		MaxImages:  cfg.Fetch.MaxImages,
		Logger:     logger,
		Registerer: registry,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("ingest runtime ready", "pii_strategy", string(detector.Strategy()), "key_id", sign.KeyID(keys.Public))
	return &ingestRuntime{config: cfg, keys: keys, pipeline: runner, registry: registry, shutdown: shutdown}, nil
}

func (r *ingestRuntime) Close() error {
	err := r.pipeline.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if shutdownErr := r.shutdown(ctx); shutdownErr != nil && err == nil {
		err = shutdownErr
	}
	return err
}

func (c *cli) openCustody() (*custody.Log, error) {
	cfg, err := c.loadConfig(false)
	if err != nil {
		return nil, err
	}
	return custody.Open(cfg.Storage.CustodyLog, custody.WithLogger(c.logger()))
}

func (c *cli) openVault() (*vault.Vault, error) {
	cfg, err := c.loadConfig(false)
	if err != nil {
		return nil, err
	}
	return vault.Open(cfg.Storage.VaultPath, vault.Options{Logger: c.logger()})
}

func (c *cli) openCaseIndex(ctx context.Context) (*caseindex.Store, error) {
	cfg, err := c.loadConfig(false)
	if err != nil {
		return nil, err
	}
	store, err := caseindex.Open(ctx, cfg.Storage.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open case index: %w", err)
	}
	return store, nil
}
