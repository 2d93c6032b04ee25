package pgstore

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

const (
	migrationsDirectory = "migrations"
	migrationDriverName = "pgx5"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrate applies every pending schema migration. A database already at the
// latest version is not an error.
func Migrate(databaseURL string) error {
	source, err := iofs.New(migrationFiles, migrationsDirectory)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	migrator, err := migrate.NewWithSourceInstance("iofs", source, migrationURL(databaseURL))
	if err != nil {
		return fmt.Errorf("init migrator: %w", err)
	}
	defer migrator.Close()
	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// migrationURL rewrites a postgres URL to the scheme the pgx/v5 migrate driver registers.
func migrationURL(databaseURL string) string {
	for _, prefix := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(databaseURL, prefix) {
			return migrationDriverName + "://" + strings.TrimPrefix(databaseURL, prefix)
		}
	}
	return databaseURL
}
