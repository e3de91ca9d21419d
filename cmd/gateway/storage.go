package main

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/agentlab/agentlab/internal/common/config"
	"github.com/agentlab/agentlab/internal/common/logger"
	"github.com/agentlab/agentlab/internal/db"
	"github.com/agentlab/agentlab/internal/store"
)

// newStore opens the configured database, applies the schema, and returns
// the store plus a close function.
func newStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (store.Store, func(), error) {
	switch cfg.Database.Driver {
	case "sqlite":
		writer, err := db.OpenSQLite(cfg.Database.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite writer: %w", err)
		}
		reader, err := db.OpenSQLiteReader(cfg.Database.Path)
		if err != nil {
			_ = writer.Close()
			return nil, nil, fmt.Errorf("open sqlite reader: %w", err)
		}
		st := store.NewSQLStore(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"), log)
		if err := st.InitSchema(ctx); err != nil {
			_ = writer.Close()
			_ = reader.Close()
			return nil, nil, fmt.Errorf("init schema: %w", err)
		}
		log.Info("SQLite storage initialized", zap.String("path", cfg.Database.Path))
		return st, func() {
			_ = reader.Close()
			_ = writer.Close()
		}, nil

	case "postgres":
		pool, err := db.OpenPostgres(cfg.Database.DSN(), cfg.Database.MaxConns)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		st := store.NewSQLStore(sqlx.NewDb(pool, "pgx"), nil, log)
		if err := st.InitSchema(ctx); err != nil {
			_ = pool.Close()
			return nil, nil, fmt.Errorf("init schema: %w", err)
		}
		log.Info("PostgreSQL storage initialized",
			zap.String("host", cfg.Database.Host),
			zap.String("db", cfg.Database.DBName))
		return st, func() { _ = pool.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
}
