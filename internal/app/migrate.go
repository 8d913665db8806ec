package app

import (
	"context"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// dbSchema is the Postgres schema owned by the embedded migrations.
const dbSchema = "chatmate"

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Migrate applies the embedded goose migrations through the shared pool.
func Migrate(ctx context.Context, pool *pgxpool.Pool, log Logger) error {
	db := stdlib.OpenDBFromPool(pool)
	defer func() { _ = db.Close() }()

	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}

	version, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return fmt.Errorf("goose version: %w", err)
	}
	log.Info("db.migrated", "schema", dbSchema, "version", version)
	return nil
}
