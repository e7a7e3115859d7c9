// Package cli holds the command implementations of the parley binary.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	backend "github.com/redis/go-redis/v9"

	"github.com/aretw0/parley"
	"github.com/aretw0/parley/internal/config"
	"github.com/aretw0/parley/internal/telemetry"
	"github.com/aretw0/parley/pkg/adapters/anthropic"
	"github.com/aretw0/parley/pkg/adapters/bleve"
	"github.com/aretw0/parley/pkg/adapters/file"
	"github.com/aretw0/parley/pkg/adapters/memory"
	natsadapter "github.com/aretw0/parley/pkg/adapters/nats"
	"github.com/aretw0/parley/pkg/adapters/openai"
	redisadapter "github.com/aretw0/parley/pkg/adapters/redis"
	"github.com/aretw0/parley/pkg/adapters/sqlite"
	"github.com/aretw0/parley/pkg/domain"
	"github.com/aretw0/parley/pkg/persistence/middleware"
	"github.com/aretw0/parley/pkg/ports"
)

// Runtime is an Engine together with the resources backing it.
type Runtime struct {
	Engine  *parley.Engine
	Loader  *file.Loader
	Metrics *telemetry.Metrics

	closers []func() error
}

// Close releases the store, index and broker connections.
func (r *Runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// NewRuntime builds an Engine following cfg. A nil provider is allowed for
// commands that never chat, such as validate.
func NewRuntime(cfg *config.Config, logger *slog.Logger, withProvider bool) (rt *Runtime, err error) {
	rt = &Runtime{Metrics: telemetry.NewMetrics()}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()

	rt.Loader = file.NewLoader(cfg.Agents.Dir, file.WithLogger(logger))
	hooks := rt.Metrics.Hooks()
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		hooks = hooks.Merge(createDebugHooks(logger))
	}

	opts := []parley.Option{
		parley.WithLoader(rt.Loader),
		parley.WithLogger(logger),
		parley.WithTimeouts(cfg.LLM.AttemptTimeout.Duration, cfg.LLM.TotalTimeout.Duration),
		parley.WithBackoff(cfg.LLM.BackoffInitial.Duration, cfg.LLM.BackoffMax.Duration),
	}
	if cfg.LLM.Model != "" {
		opts = append(opts, parley.WithModel(cfg.LLM.Model))
	}
	if cfg.LLM.Temperature != nil {
		opts = append(opts, parley.WithTemperature(*cfg.LLM.Temperature))
	}

	store, storeOpts, err := rt.createStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	opts = append(opts, storeOpts...)
	opts = append(opts, parley.WithPersistence(store))

	if withProvider {
		providerOpts, err := createProvider(cfg)
		if err != nil {
			return nil, err
		}
		opts = append(opts, providerOpts...)
	}

	if cfg.Retrieval.IndexPath != "" {
		idx, err := bleve.Open(cfg.Retrieval.IndexPath)
		if err != nil {
			return nil, fmt.Errorf("open retrieval index: %w", err)
		}
		rt.closers = append(rt.closers, idx.Close)
		opts = append(opts, parley.WithRetriever(idx))
	}

	if cfg.NATS.URL != "" {
		nc, err := natsadapter.Connect(cfg.NATS.URL)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		rt.closers = append(rt.closers, func() error {
			return nc.Drain()
		})
		pub := natsadapter.NewPublisher(nc, cfg.NATS.SubjectPrefix, natsadapter.WithLogger(logger))
		hooks = hooks.Merge(pub.Hooks())
	}

	opts = append(opts, parley.WithLifecycleHooks(hooks))

	engine, err := parley.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("error initializing engine: %w", err)
	}
	rt.Engine = engine
	return rt, nil
}

func (rt *Runtime) createStore(cfg *config.Config, logger *slog.Logger) (ports.Persistence, []parley.Option, error) {
	var (
		store ports.Persistence
		opts  []parley.Option
	)
	switch cfg.Storage.Driver {
	case "sqlite":
		s, err := sqlite.Open(cfg.Storage.SQLite.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		rt.closers = append(rt.closers, s.Close)
		store = s
	case "redis":
		rc := cfg.Storage.Redis
		client := backend.NewClient(&backend.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})
		rt.closers = append(rt.closers, client.Close)
		store = redisadapter.NewFromClient(client,
			redisadapter.WithPrefix(rc.Prefix),
			redisadapter.WithTTL(rc.TTL.Duration),
		)
		if rc.Lock {
			opts = append(opts, parley.WithLocker(redisadapter.NewLocker(client, rc.Prefix), rc.LockTTL.Duration))
		}
	default:
		store = memory.NewStore()
	}

	var mws []middleware.Middleware
	if len(cfg.PII.Patterns) > 0 {
		pii, err := middleware.NewPIIMiddleware(cfg.PII.Patterns)
		if err != nil {
			return nil, nil, err
		}
		mws = append(mws, pii)
	}
	active, fallback, ok, err := cfg.EncryptionKeys()
	if err != nil {
		return nil, nil, err
	}
	if ok {
		enc, err := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{
			ActiveKey:    active,
			FallbackKeys: fallback,
		})
		if err != nil {
			return nil, nil, err
		}
		mws = append(mws, enc)
	}
	if len(mws) > 0 {
		logger.Debug("Persistence middleware enabled", "pii", len(cfg.PII.Patterns) > 0, "encryption", ok)
	}
	return middleware.Chain(store, mws...), opts, nil
}

func createProvider(cfg *config.Config) ([]parley.Option, error) {
	key := cfg.APIKey()
	if key == "" {
		return nil, fmt.Errorf("no API key: set %s", apiKeyEnv(cfg))
	}

	var (
		provider ports.LLMProvider
		speaker  *openai.Provider
	)
	switch cfg.LLM.Provider {
	case "anthropic":
		var opts []anthropic.Option
		if cfg.LLM.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.LLM.BaseURL))
		}
		if cfg.LLM.Model != "" {
			opts = append(opts, anthropic.WithModel(cfg.LLM.Model))
		}
		provider = anthropic.New(key, opts...)
	default:
		var opts []openai.Option
		if cfg.LLM.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.LLM.BaseURL))
		}
		if cfg.LLM.Model != "" {
			opts = append(opts, openai.WithModel(cfg.LLM.Model))
		}
		p := openai.New(key, opts...)
		provider, speaker = p, p
	}
	out := []parley.Option{parley.WithProvider(provider)}

	if cfg.Voice.Enabled {
		if speaker == nil {
			openaiKey := os.Getenv(config.DefaultAPIKeyEnv("openai"))
			if openaiKey == "" {
				return nil, fmt.Errorf("voice requires %s", config.DefaultAPIKeyEnv("openai"))
			}
			speaker = openai.New(openaiKey)
		}
		out = append(out, parley.WithSynthesizer(speaker, &domain.VoiceConfig{
			Model:  cfg.Voice.Model,
			Voice:  cfg.Voice.Voice,
			Format: cfg.Voice.Format,
		}))
	}
	return out, nil
}

func apiKeyEnv(cfg *config.Config) string {
	if cfg.LLM.APIKeyEnv != "" {
		return cfg.LLM.APIKeyEnv
	}
	return config.DefaultAPIKeyEnv(cfg.LLM.Provider)
}
