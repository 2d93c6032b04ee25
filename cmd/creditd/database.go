package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarkoPoloResearchLab/creditledger/internal/config"
	"github.com/MarkoPoloResearchLab/creditledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/creditledger/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	driverPostgres    = "postgres"
	driverSQLite      = "sqlite"
	defaultSQLiteFile = "creditledger.db"
)

// openStore prepares the schema and returns the configured credits.Store.
func openStore(ctx context.Context, cfg *config.Config) (credits.Store, func() error, error) {
	if cfg.Store == config.StorePgx {
		if err := pgstore.Migrate(cfg.DatabaseURL); err != nil {
			return nil, nil, err
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("pgx pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("pgx ping: %w", err)
		}
		cleanup := func() error {
			pool.Close()
			return nil
		}
		return pgstore.New(pool), cleanup, nil
	}

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := prepareSchema(gormDB, driver, cfg.DatabaseURL); err != nil {
		_ = cleanup()
		return nil, nil, err
	}
	return gormstore.New(gormDB), cleanup, nil
}

// migrateDatabase applies the schema without starting the service.
func migrateDatabase(ctx context.Context, dsn string) error {
	gormDB, cleanup, driver, err := openDatabase(ctx, dsn)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()
	return prepareSchema(gormDB, driver, dsn)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	cfg := &gorm.Config{}
	switch driver {
	case driverPostgres:
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	case driverSQLite:
		db, err = gorm.Open(sqlite.Open(sqlitePath), cfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	if driver == driverSQLite {
		// Row locks are unavailable; a single connection serializes writers.
		sqlDB.SetMaxOpenConns(1)
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if config.IsPostgresURL(dsn) {
		return driverPostgres, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = defaultSQLiteFile
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return driverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

// prepareSchema runs versioned migrations on postgres and AutoMigrate on sqlite.
func prepareSchema(db *gorm.DB, driver string, dsn string) error {
	if driver == driverPostgres {
		return pgstore.Migrate(dsn)
	}
	if err := gormstore.AutoMigrate(db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
