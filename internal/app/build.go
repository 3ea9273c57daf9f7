package app

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/antoniostano/converse/internal/config"
	"github.com/antoniostano/converse/internal/httpapi"
	"github.com/antoniostano/converse/internal/llm"
	"github.com/antoniostano/converse/internal/logging"
	"github.com/antoniostano/converse/internal/memory"
	"github.com/antoniostano/converse/internal/observability"
	"github.com/antoniostano/converse/internal/store"
	"github.com/antoniostano/converse/internal/stream"
)

type BuildResult struct {
	Config  config.Config
	API     *httpapi.Server
	Store   store.Store
	Metrics *observability.Metrics
	Logger  *zap.Logger

	// Resolved backend names, for the startup log line.
	StoreBackend string
	LLMProvider  string

	// Cleanup should be called on shutdown to release external resources
	// (DB pools, pebble handles, buffered log output).
	Cleanup func() error
}

// Build wires the whole service from configuration: logger, metrics, the
// persistence backend, the conversation window, the completion provider and
// the HTTP API.
func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	log, err := logging.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	st, err := store.NewStore(ctx, cfg.StoreBackend, cfg.DatabaseURL, cfg.PebblePath)
	if err != nil {
		return nil, fmt.Errorf("store init failed: %w", err)
	}

	mem, err := memory.New(st, cfg.MaxWindowMessages)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("conversation window init failed: %w", err)
	}

	provider, resolvedProvider, err := llm.NewProvider(cfg.LLMProvider, cfg.AnthropicAPIKey, cfg.AnthropicModel)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("llm provider init failed: %w", err)
	}

	coordinator := stream.NewCoordinator(st, mem, provider, provider, metrics, log)
	api := httpapi.New(cfg, st, coordinator, metrics, log)

	cleanup := func() error {
		var errs []string
		if err := st.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		_ = log.Sync()
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Store:        st,
		Metrics:      metrics,
		Logger:       log,
		StoreBackend: storeBackendName(cfg),
		LLMProvider:  resolvedProvider,
		Cleanup:      cleanup,
	}, nil
}

func storeBackendName(cfg config.Config) string {
	backend := strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	if backend != "auto" && backend != "" {
		return backend
	}
	switch {
	case strings.TrimSpace(cfg.DatabaseURL) != "":
		return "postgres"
	case strings.TrimSpace(cfg.PebblePath) != "":
		return "pebble"
	default:
		return "memory"
	}
}
