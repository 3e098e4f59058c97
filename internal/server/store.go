package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/fraudproof/fraudproof/internal/audit"
	"github.com/fraudproof/fraudproof/internal/config"
	"github.com/fraudproof/fraudproof/internal/logging"
	"github.com/fraudproof/fraudproof/internal/metrics"
	"github.com/fraudproof/fraudproof/internal/retry"
	"github.com/fraudproof/fraudproof/migrations"
)

// openStore opens the correlation store selected by STORE_DRIVER.
func (s *Server) openStore(ctx context.Context) error {
	switch s.cfg.StoreDriver {
	case config.StorePostgres:
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := pingDatabase(ctx, db); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to migrate database: %w", err)
		}

		if err := metrics.RegisterDBStats(db, "audit"); err != nil {
			s.logger.Warn("failed to export database pool metrics", "error", err)
		}
		s.db = db
		s.store = audit.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", logging.MaskDSN(s.cfg.DatabaseURL))

	case config.StoreSQLite:
		store, err := audit.OpenSQLite(ctx, s.cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("failed to open sqlite store: %w", err)
		}
		s.store = store
		s.logger.Info("using SQLite storage", "path", s.cfg.SQLitePath)

	case config.StoreRedis:
		store, err := audit.NewRedisStore(ctx, s.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.store = store
		s.logger.Info("using Redis storage", "url", logging.MaskDSN(s.cfg.RedisURL))

	default:
		s.store = audit.NewMemoryStore()
		s.logger.Warn("using in-memory storage; audit records are lost on restart")
	}
	return nil
}

// pingDatabase waits for PostgreSQL to accept connections. A database that
// is still starting is retried; rejected credentials or a missing database
// fail immediately.
func pingDatabase(ctx context.Context, db *sql.DB) error {
	return retry.Do(ctx, 5, time.Second, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		err := db.PingContext(pingCtx)
		if fatalPingError(err) {
			return retry.Permanent(err)
		}
		return err
	})
}

func fatalPingError(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	// 28xxx: invalid authorization, 3D000: invalid catalog name.
	return pqErr.Code.Class() == "28" || pqErr.Code == "3D000"
}
