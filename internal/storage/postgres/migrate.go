package postgres

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // registers the pgx5:// scheme
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// MigrationStatus reports the schema version after a migration run.
type MigrationStatus struct {
	Version uint
	Dirty   bool
}

// MigrateUp applies every pending migration.
func MigrateUp(dsn string) (MigrationStatus, error) {
	return runMigrations(dsn, func(m *migrate.Migrate) error { return m.Up() })
}

// MigrateDown rolls back the given number of migrations.
func MigrateDown(dsn string, steps int) (MigrationStatus, error) {
	if steps <= 0 {
		return MigrationStatus{}, errors.New("steps must be > 0")
	}
	return runMigrations(dsn, func(m *migrate.Migrate) error { return m.Steps(-steps) })
}

func runMigrations(dsn string, apply func(*migrate.Migrate) error) (MigrationStatus, error) {
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return MigrationStatus{}, fmt.Errorf("create iofs source: %w", err)
	}
	url, err := migrateURL(dsn)
	if err != nil {
		return MigrationStatus{}, err
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, url)
	if err != nil {
		return MigrationStatus{}, fmt.Errorf("create migrate instance: %w", err)
	}
	defer func() {
		_, _ = m.Close()
	}()

	if err := apply(m); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return MigrationStatus{}, fmt.Errorf("run migrations: %w", err)
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return MigrationStatus{}, nil
	}
	if err != nil {
		return MigrationStatus{}, fmt.Errorf("read migration version: %w", err)
	}
	return MigrationStatus{Version: version, Dirty: dirty}, nil
}

// migrateURL rewrites a libpq URL onto the pgx5 migrate driver scheme.
func migrateURL(dsn string) (string, error) {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if rest, ok := strings.CutPrefix(dsn, prefix); ok {
			return "pgx5://" + rest, nil
		}
	}
	if strings.HasPrefix(dsn, "pgx5://") {
		return dsn, nil
	}
	return "", fmt.Errorf("migrations need a URL-style dsn, got %q", redact(dsn))
}

// redact drops everything after the scheme so passwords never reach logs.
func redact(dsn string) string {
	if i := strings.Index(dsn, "://"); i >= 0 {
		return dsn[:i+3] + "..."
	}
	return "..."
}
