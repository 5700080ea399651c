package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed payments/*.sql
var paymentsMigrations embed.FS

//go:embed tokens/*.sql
var tokensMigrations embed.FS

// RunPayments applies the payments-database schema.
func RunPayments(db *sql.DB) error {
	return run(db, paymentsMigrations, "payments", "payments_schema_migrations")
}

// RunTokens applies the token-store schema. The token store lives in its own
// database so the two schemas version independently.
func RunTokens(db *sql.DB) error {
	return run(db, tokensMigrations, "tokens", "tokens_schema_migrations")
}

func run(db *sql.DB, fsys embed.FS, dir, table string) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: table})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}
