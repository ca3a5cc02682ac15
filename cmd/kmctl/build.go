package main

import (
	"fmt"
	"log/slog"
	"time"

	natslib "github.com/nats-io/nats.go"

	"github.com/kernelmemory/km/docstore"
	"github.com/kernelmemory/km/embedding"
	embeddingopenai "github.com/kernelmemory/km/embedding/openai"
	embeddingmock "github.com/kernelmemory/km/embedding/mock"
	"github.com/kernelmemory/km/generator"
	generatoropenai "github.com/kernelmemory/km/generator/openai"
	generatormock "github.com/kernelmemory/km/generator/mock"
	"github.com/kernelmemory/km/internal/config"
	"github.com/kernelmemory/km/internal/resilience"
	"github.com/kernelmemory/km/memory"
	"github.com/kernelmemory/km/orchestrator/distributed"
	"github.com/kernelmemory/km/partition"
	"github.com/kernelmemory/km/queue"
	natsqueue "github.com/kernelmemory/km/queue/nats"
	"github.com/kernelmemory/km/recordstore"
	"github.com/kernelmemory/km/recordstore/qdrant"
	"github.com/kernelmemory/km/retrieval"
)

// collaborators builds every MemoryBuilder dependency from cfg, the way
// cmd/api/main.go's run() dials its own collaborators from a Config
// struct before wiring a service together. closeAll tears down any
// connections opened along the way (nats, qdrant) and should run after
// the Memory built from the returned builder is closed.
func collaborators(cfg config.Config, logger *slog.Logger) (*memory.MemoryBuilder, func(), error) {
	var closers []func() error

	ds, err := docstore.NewLocalDocStore(cfg.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("document store: %w", err)
	}

	rs, closeStore, err := buildRecordStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	if closeStore != nil {
		closers = append(closers, closeStore)
	}

	embedder := buildEmbedder(cfg)
	gen := buildGenerator(cfg)

	splitter, err := partition.New(partition.DefaultChunkSize, partition.DefaultOverlap)
	if err != nil {
		return nil, nil, fmt.Errorf("splitter: %w", err)
	}

	searchTimeout, err := time.ParseDuration(cfg.SearchTimeout)
	if err != nil {
		searchTimeout = 10 * time.Second
	}

	b := memory.NewBuilder().
		WithDocumentStore(ds).
		WithRecordStore(rs).
		WithEmbedder(embedder).
		WithGenerator(gen).
		WithSplitter(splitter).
		WithLogger(logger).
		WithRetrievalOptions(retrieval.Options{
			TopK:          5,
			SearchTimeout: searchTimeout,
			EmptyAnswer:   cfg.EmptyAnswer,
		})

	if cfg.QueueBackend == "nats" {
		nc, err := natslib.Connect(cfg.NatsURL)
		if err != nil {
			closeAll(closers)
			return nil, nil, fmt.Errorf("nats connect: %w", err)
		}
		closers = append(closers, func() error { nc.Close(); return nil })
		b = b.WithQueueFactory(func(step string) (queue.Queue, error) {
			return natsqueue.New(nc), nil
		}).WithDistributedOptions(distributed.Options{
			MaxRetries: cfg.MaxRetries,
			DequeueOpts: queue.DequeueOpts{
				VisibilityTimeout: queue.DefaultDequeueOpts().VisibilityTimeout,
				MaxAttempts:       cfg.MaxRetries,
			},
			Logger: logger,
		})
	}

	return b, func() { closeAll(closers) }, nil
}

// breakerOpts turns cfg's resilience settings into a BreakerOpts,
// falling back to resilience.DefaultBreakerOpts on a bad duration.
func breakerOpts(cfg config.Config) resilience.BreakerOpts {
	timeout, err := time.ParseDuration(cfg.BreakerTimeout)
	if err != nil {
		timeout = resilience.DefaultBreakerOpts.Timeout
	}
	return resilience.BreakerOpts{
		FailThreshold: cfg.BreakerFailThreshold,
		Timeout:       timeout,
		HalfOpenMax:   resilience.DefaultBreakerOpts.HalfOpenMax,
	}
}

func buildRecordStore(cfg config.Config) (recordstore.RecordStore, func() error, error) {
	switch cfg.RecordStoreBackend {
	case "qdrant":
		store, err := qdrant.New(cfg.QdrantAddr, qdrant.WithBreakerOpts(breakerOpts(cfg)))
		if err != nil {
			return nil, nil, fmt.Errorf("qdrant connect: %w", err)
		}
		return store, store.Close, nil
	default:
		return recordstore.NewMemoryStore(), nil, nil
	}
}

func buildEmbedder(cfg config.Config) embedding.Generator {
	switch cfg.EmbeddingBackend {
	case "openai":
		return embeddingopenai.New(cfg.OpenAIAPIKey, cfg.OpenAIEmbedModel,
			embeddingopenai.WithBreakerOpts(breakerOpts(cfg)),
			embeddingopenai.WithRateLimit(cfg.CollaboratorRateLimit, cfg.CollaboratorBurst))
	default:
		return embeddingmock.New(cfg.VectorSize)
	}
}

func buildGenerator(cfg config.Config) generator.Generator {
	switch cfg.GeneratorBackend {
	case "openai":
		return generatoropenai.New(cfg.OpenAIAPIKey, cfg.OpenAIChatModel,
			generatoropenai.WithBreakerOpts(breakerOpts(cfg)),
			generatoropenai.WithRateLimit(cfg.CollaboratorRateLimit, cfg.CollaboratorBurst))
	default:
		return generatormock.New()
	}
}

func closeAll(closers []func() error) {
	for i := len(closers) - 1; i >= 0; i-- {
		_ = closers[i]()
	}
}
