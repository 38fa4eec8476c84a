package memory

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/easeaico/memory-journal/internal/config"
)

// Collections holds the two independent collections backing long-term memory.
type Collections struct {
	Episodic Collection
	Semantic Collection

	closers []func() error
}

// Close releases both collections and the backend behind them.
func (c *Collections) Close() error {
	var errs []error
	for _, col := range []Collection{c.Episodic, c.Semantic} {
		if col != nil {
			errs = append(errs, col.Close())
		}
	}
	for _, fn := range c.closers {
		errs = append(errs, fn())
	}
	return errors.Join(errs...)
}

// OpenCollections connects to the configured vector backend and opens the
// episodic and semantic collections with dim-sized vectors.
func OpenCollections(ctx context.Context, cfg config.VectorConfig, dim int, logger *zap.Logger) (*Collections, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "vector"), zap.String("backend", cfg.Backend))

	switch cfg.Backend {
	case "", "chromem":
		db, err := NewChromemDB(cfg.ChromemPath)
		if err != nil {
			return nil, err
		}
		episodic, err := db.Collection(cfg.EpisodicCollection, dim)
		if err != nil {
			return nil, err
		}
		semantic, err := db.Collection(cfg.SemanticCollection, dim)
		if err != nil {
			return nil, err
		}
		logger.Info("vector store ready", zap.String("path", cfg.ChromemPath))
		return &Collections{Episodic: episodic, Semantic: semantic}, nil

	case "qdrant":
		client, err := NewQdrantClient(QdrantConfig{
			Host:   cfg.QdrantHost,
			Port:   cfg.QdrantPort,
			APIKey: cfg.QdrantAPIKey,
			UseTLS: cfg.QdrantTLS,
		})
		if err != nil {
			return nil, err
		}
		episodic, err := NewQdrantCollection(ctx, client, cfg.EpisodicCollection, dim)
		if err != nil {
			client.Close()
			return nil, err
		}
		semantic, err := NewQdrantCollection(ctx, client, cfg.SemanticCollection, dim)
		if err != nil {
			client.Close()
			return nil, err
		}
		logger.Info("vector store ready", zap.String("host", cfg.QdrantHost), zap.Int("port", cfg.QdrantPort))
		return &Collections{Episodic: episodic, Semantic: semantic, closers: []func() error{client.Close}}, nil

	case "postgres":
		store, err := NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		episodic, err := store.Collection(ctx, cfg.EpisodicCollection, dim)
		if err != nil {
			store.Close()
			return nil, err
		}
		semantic, err := store.Collection(ctx, cfg.SemanticCollection, dim)
		if err != nil {
			store.Close()
			return nil, err
		}
		logger.Info("vector store ready")
		return &Collections{Episodic: episodic, Semantic: semantic, closers: []func() error{store.Close}}, nil

	case "sqlite":
		store, err := NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		episodic, err := store.Collection(ctx, cfg.EpisodicCollection)
		if err != nil {
			store.Close()
			return nil, err
		}
		semantic, err := store.Collection(ctx, cfg.SemanticCollection)
		if err != nil {
			store.Close()
			return nil, err
		}
		logger.Info("vector store ready", zap.String("path", cfg.SQLitePath))
		return &Collections{Episodic: episodic, Semantic: semantic, closers: []func() error{store.Close}}, nil

	default:
		return nil, fmt.Errorf("unknown vector backend %q", cfg.Backend)
	}
}
