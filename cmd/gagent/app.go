package main

import (
	"github.com/yiyabo/gagent/internal/assembler"
	"github.com/yiyabo/gagent/internal/config"
	"github.com/yiyabo/gagent/internal/decomposer"
	"github.com/yiyabo/gagent/internal/executor"
	"github.com/yiyabo/gagent/internal/llm"
	"github.com/yiyabo/gagent/internal/logging"
	"github.com/yiyabo/gagent/internal/memory"
	"github.com/yiyabo/gagent/internal/orchestrator"
	"github.com/yiyabo/gagent/internal/scheduler"
	"github.com/yiyabo/gagent/internal/server"
	"github.com/yiyabo/gagent/internal/store"
	"github.com/yiyabo/gagent/internal/tools"
)

// app holds the wired component graph for one process.
type app struct {
	cfg     *config.Config
	store   store.Store
	backend llm.Backend
	orch    *orchestrator.Orchestrator
	server  *server.Server
	logger  logging.Logger
}

// buildApp wires every component from the configuration. The same graph
// backs the HTTP server and the direct CLI commands.
func buildApp(cfg *config.Config) (*app, error) {
	logger := logging.NewComponentLogger("gagent")

	st, err := store.NewSQLite(store.Options{
		DataDir:  cfg.DataDir,
		MaxDepth: cfg.MaxDecomposeDepth,
		Logger:   logging.NewComponentLogger("store"),
	})
	if err != nil {
		return nil, err
	}

	backend, err := llm.NewFromConfig(cfg, logging.NewComponentLogger("llm"))
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	embedder, err := llm.NewEmbedder(backend, cfg.EmbeddingCacheSize, logging.NewComponentLogger("embedder"))
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	var mem memory.Service
	if cfg.MemoryEnabled {
		chromem, err := memory.NewChromemService(memory.Options{
			Dir:      cfg.MemoryDir,
			Embedder: embedder,
			Logger:   logging.NewComponentLogger("memory"),
		})
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		mem = chromem
	}

	registry := tools.NewRegistry(logging.NewComponentLogger("tools"))
	if err := registry.Register(tools.NewWebFetch()); err != nil {
		_ = st.Close()
		return nil, err
	}
	if err := registry.Register(tools.NewFileWrite(cfg.DataDir)); err != nil {
		_ = st.Close()
		return nil, err
	}
	if cfg.TavilyAPIKey != "" {
		if err := registry.Register(tools.NewWebSearch(cfg.TavilyAPIKey)); err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	cachedTools, err := tools.NewCachedRegistry(registry, tools.CacheConfig{
		MaxSize: cfg.ToolCacheSize,
		TTL:     cfg.ToolCacheTTL,
	}, logging.NewComponentLogger("tools"))
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	asm := assembler.New(st, embedder, mem, logging.NewComponentLogger("assembler"))
	exec := executor.New(st, backend, asm, cachedTools, mem, store.NewLockTable(), cfg.EvalCacheSize, logging.NewComponentLogger("executor"))
	dec := decomposer.New(st, backend, cachedTools, cfg.LLMRetries, logging.NewComponentLogger("decomposer"))
	sched := scheduler.New(st, logging.NewComponentLogger("scheduler"))

	orch := orchestrator.New(st, backend, dec, sched, exec, nil, nil, logging.NewComponentLogger("orchestrator"))
	srv := server.New(cfg, st, backend, orch, asm, logging.NewComponentLogger("http"))

	return &app{
		cfg:     cfg,
		store:   st,
		backend: backend,
		orch:    orch,
		server:  srv,
		logger:  logger,
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing store: %v", err)
	}
}
