package db

import (
	"context"
	"embed"
	"path"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/teranos/tally/errors"
	"github.com/teranos/tally/sym"
)

//go:embed postgres/migrations/*.sql
var pgMigrations embed.FS

// OpenPostgres creates a pgx connection pool and verifies connectivity
func OpenPostgres(ctx context.Context, dsn string, logger *zap.SugaredLogger) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create connection pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}

	if logger != nil {
		cfg := pool.Config().ConnConfig
		logger.Infow("PostgreSQL pool opened",
			"host", cfg.Host,
			"database", cfg.Database,
			"symbol", sym.DB,
		)
	}
	return pool, nil
}

// MigratePostgres applies pending PostgreSQL migrations
func MigratePostgres(ctx context.Context, pool *pgxpool.Pool, logger *zap.SugaredLogger) error {
	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return errors.Wrap(err, "create schema_migrations")
	}

	files, err := migrationFiles(pgMigrations, "postgres/migrations")
	if err != nil {
		return err
	}

	for _, filename := range files {
		version := strings.Split(filename, "_")[0]

		var exists bool
		if err := pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", version).Scan(&exists); err != nil {
			return errors.Wrapf(err, "check %s", filename)
		}
		if exists {
			continue
		}

		sqlBytes, err := pgMigrations.ReadFile(path.Join("postgres/migrations", filename))
		if err != nil {
			return errors.Wrapf(err, "read %s", filename)
		}

		if logger != nil {
			logger.Infow("Applying migration", "migration", filename, "version", version)
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return errors.Wrapf(err, "begin tx for %s", filename)
		}
		if _, err := tx.Exec(ctx, string(sqlBytes)); err != nil {
			tx.Rollback(ctx)
			return errors.Wrapf(err, "execute %s", filename)
		}
		if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
			tx.Rollback(ctx)
			return errors.Wrapf(err, "record %s", filename)
		}
		if err := tx.Commit(ctx); err != nil {
			return errors.Wrapf(err, "commit %s", filename)
		}
	}
	return nil
}
