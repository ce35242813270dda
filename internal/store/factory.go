package store

import (
	"context"

	"go.uber.org/zap"

	"github.com/feedline/feedline-backend/internal/config"
)

// New selects the store backend from configuration. Without a DSN the
// service still runs, backed by the in-memory store.
func New(ctx context.Context, cfg config.DBConfig, logger *zap.Logger) (Store, error) {
	if cfg.InMemory || cfg.PostgresDSN == "" {
		logger.Info("using in-memory entry store")
		return NewMemoryStore(), nil
	}

	logger.Info("connecting to postgres entry store")
	s, err := NewPostgresStore(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	return s, nil
}
