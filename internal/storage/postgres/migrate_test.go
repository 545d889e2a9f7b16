package postgres

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsArePaired(t *testing.T) {
	t.Parallel()

	entries, err := fs.ReadDir(migrationFS, "migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		default:
			t.Fatalf("unexpected migration file %s", name)
		}
	}
	require.Equal(t, ups, downs)
}

func TestMigrationsCreateEveryTable(t *testing.T) {
	t.Parallel()

	raw, err := fs.ReadFile(migrationFS, "migrations/000001_init.up.sql")
	require.NoError(t, err)
	for _, table := range []string{"accounts", "sessions", "targets", "tasks", "quality_metrics", "cooldowns", "abort_log"} {
		assert.Contains(t, string(raw), "CREATE TABLE IF NOT EXISTS "+table+" ")
	}
}

func TestMigrateURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		dsn     string
		want    string
		wantErr bool
	}{
		{dsn: "postgres://u:p@db:5432/harvest?sslmode=disable", want: "pgx5://u:p@db:5432/harvest?sslmode=disable"},
		{dsn: "postgresql://db/harvest", want: "pgx5://db/harvest"},
		{dsn: "pgx5://db/harvest", want: "pgx5://db/harvest"},
		{dsn: "host=db user=u password=secret", wantErr: true},
	}
	for _, tc := range tests {
		got, err := migrateURL(tc.dsn)
		if tc.wantErr {
			require.Error(t, err)
			assert.NotContains(t, err.Error(), "secret")
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}
