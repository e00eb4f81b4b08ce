package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/chatrecall/chatrecall/internal/config"
	"github.com/chatrecall/chatrecall/internal/convo"
	"github.com/chatrecall/chatrecall/internal/embed"
	recallerr "github.com/chatrecall/chatrecall/internal/errors"
	"github.com/chatrecall/chatrecall/internal/index"
	"github.com/chatrecall/chatrecall/internal/judge"
	"github.com/chatrecall/chatrecall/internal/logging"
	"github.com/chatrecall/chatrecall/internal/retrieval"
	"github.com/chatrecall/chatrecall/internal/store"
	"github.com/chatrecall/chatrecall/internal/telemetry"
)

// Data files under the data directory.
const (
	messagesDBFile = "chatrecall.db"
	vectorsFile    = "vectors.gob"
)

// app holds the wired component graph shared by the commands.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	sink      *telemetry.RecordingSink
	messages  *store.MessageStore
	vectors   store.VectorStore
	embedder  embed.Embedder
	judge     judge.RelevanceJudge
	retriever *retrieval.Retriever
	orch      *index.Orchestrator

	lock     *index.DataLock
	cleanups []func()
}

// appOptions controls which parts of the graph are built.
type appOptions struct {
	// withLock acquires the single-writer data-dir lock. Required by
	// anything that mutates the indexes (serve, reindex, import).
	withLock bool
}

// buildApp loads config and wires the component graph bottom-up.
// Callers must Close the returned app.
func buildApp(ctx context.Context, dataDir string, opts appOptions) (*app, error) {
	cfg, err := config.Load(dataDir)
	if err != nil {
		return nil, err
	}

	logCfg := logging.DefaultConfig(cfg.DataDir)
	logCfg.Level = cfg.Server.LogLevel
	if cfg.Server.LogFile != "" {
		logCfg.FilePath = cfg.Server.LogFile
	}
	logger, logCleanup, err := logging.Setup(logCfg)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, sink: telemetry.NewRecordingSink()}
	a.cleanups = append(a.cleanups, logCleanup)

	if opts.withLock {
		lock, err := index.AcquireDataLock(cfg.DataDir)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.lock = lock
	}

	a.messages, err = store.NewMessageStore(filepath.Join(cfg.DataDir, messagesDBFile))
	if err != nil {
		a.Close()
		return nil, err
	}

	a.embedder, err = buildEmbedder(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.vectors, err = buildVectorStore(cfg, a.embedder.Dimensions())
	if err != nil {
		a.Close()
		return nil, err
	}

	if cfg.Judge.Enabled {
		a.judge = judge.NewOllamaJudge(judge.OllamaConfig{
			Host:    judgeHost(cfg),
			Model:   cfg.Judge.Model,
			Timeout: cfg.Judge.TimeoutDuration(),
		})
	}

	a.retriever, err = retrieval.NewRetriever(retrieval.RetrieverConfig{
		Embedder: a.embedder,
		Vectors:  a.vectors,
		Judge:    a.judge,
		Windows:  a.messages,
		Sink:     a.sink,
		Logger:   logger,
		FusionK:  cfg.Retrieval.RRFConstant,
		Gate: retrieval.GateConfig{
			HighThreshold:   cfg.Retrieval.HighThreshold,
			MediumThreshold: cfg.Retrieval.MediumThreshold,
		},
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	segmenter := convo.NewSegmenter(convo.SegmenterConfig{
		DialogGap:       cfg.Segmenter.GapDuration(),
		MinWindowSize:   cfg.Segmenter.MinWindowSize,
		MaxWindowSize:   cfg.Segmenter.MaxWindowSize,
		Step:            cfg.Segmenter.Step,
		MinMessageChars: cfg.Segmenter.MinMessageChars,
	})
	a.orch, err = index.NewOrchestrator(index.OrchestratorConfig{
		Config: index.Config{
			PollInterval: cfg.Indexing.PollIntervalDuration(),
			BatchSize:    cfg.Indexing.BatchSize,
			Backoff:      cfg.Indexing.BackoffDuration(),
			MaxBackoff:   cfg.Indexing.MaxBackoffDuration(),
		},
		Handlers: []index.Handler{
			index.NewMessageHandler(a.messages),
			index.NewWindowHandler(a.messages, a.messages, segmenter),
		},
		Cursors:  a.messages,
		Status:   a.messages,
		Embedder: a.embedder,
		Vectors:  a.vectors,
		Sink:     a.sink,
		Logger:   logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	return a, nil
}

// buildEmbedder creates the configured provider wrapped with retry and
// an LRU cache, so repeated questions skip the embed call and transient
// provider failures are retried with backoff.
func buildEmbedder(ctx context.Context, cfg *config.Config, logger *slog.Logger) (embed.Embedder, error) {
	var base embed.Embedder
	switch strings.ToLower(cfg.Embeddings.Provider) {
	case "static":
		base = embed.NewStaticEmbedder()
	case "ollama":
		var err error
		base, err = embed.NewOllamaEmbedder(ctx, embed.OllamaConfig{
			Host:       cfg.Embeddings.OllamaHost,
			Model:      cfg.Embeddings.Model,
			Dimensions: cfg.Embeddings.Dimensions,
			BatchSize:  cfg.Embeddings.BatchSize,
		})
		if err != nil {
			return nil, err
		}
	default:
		return nil, recallerr.ConfigError(
			fmt.Sprintf("unknown embeddings provider %q", cfg.Embeddings.Provider), nil)
	}

	retrying := embed.NewRetryingEmbedder(base, cfg.Embeddings.MaxRetries, logger)
	return embed.NewCachedEmbedder(retrying, cfg.Embeddings.CacheSize), nil
}

func buildVectorStore(cfg *config.Config, dimensions int) (store.VectorStore, error) {
	switch strings.ToLower(cfg.Vectors.Backend) {
	case "hnsw":
		return store.NewHNSWStore(store.HNSWConfig{
			Dimensions: dimensions,
			Path:       filepath.Join(cfg.DataDir, vectorsFile),
		})
	case "qdrant":
		return store.NewQdrantStore(store.QdrantConfig{
			URL:              cfg.Vectors.QdrantURL,
			APIKey:           cfg.Vectors.QdrantAPIKey,
			CollectionPrefix: cfg.Vectors.CollectionPrefix,
			Dimensions:       dimensions,
		})
	case "memory":
		return store.NewMemoryStore(dimensions), nil
	default:
		return nil, recallerr.ConfigError(
			fmt.Sprintf("unknown vector backend %q", cfg.Vectors.Backend), nil)
	}
}

func judgeHost(cfg *config.Config) string {
	if cfg.Judge.OllamaHost != "" {
		return cfg.Judge.OllamaHost
	}
	return cfg.Embeddings.OllamaHost
}

// Close releases everything in reverse wiring order.
func (a *app) Close() {
	if a.judge != nil {
		_ = a.judge.Close()
	}
	if a.vectors != nil {
		if err := a.vectors.Close(); err != nil {
			a.logger.Error("closing vector store failed", slog.String("error", err.Error()))
		}
	}
	if a.embedder != nil {
		_ = a.embedder.Close()
	}
	if a.messages != nil {
		_ = a.messages.Close()
	}
	if a.lock != nil {
		_ = a.lock.Release()
	}
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
}
