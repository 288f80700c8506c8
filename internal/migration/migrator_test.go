package migration

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	_ "modernc.org/sqlite" // register pure-Go SQLite driver for schema inspection

	appconfig "github.com/BaSui01/agentcoord/config"
)

func TestParseDatabaseType(t *testing.T) {
	tests := []struct {
		input    string
		expected DatabaseType
		wantErr  bool
	}{
		{"postgres", DatabaseTypePostgres, false},
		{"postgresql", DatabaseTypePostgres, false},
		{"pg", DatabaseTypePostgres, false},
		{"mysql", DatabaseTypeMySQL, false},
		{"mariadb", DatabaseTypeMySQL, false},
		{"sqlite", DatabaseTypeSQLite, false},
		{"sqlite3", DatabaseTypeSQLite, false},
		{"POSTGRES", DatabaseTypePostgres, false},
		{"invalid", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result, err := ParseDatabaseType(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestBuildDatabaseURL(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/coord?sslmode=disable",
		BuildDatabaseURL(DatabaseTypePostgres, "db", 5432, "coord", "u", "p", "disable"))
	assert.Equal(t, "postgres://u:p@db:5432/coord?sslmode=require",
		BuildDatabaseURL(DatabaseTypePostgres, "db", 5432, "coord", "u", "p", ""))
	assert.Equal(t, "u:p@tcp(db:3306)/coord?parseTime=true&multiStatements=true",
		BuildDatabaseURL(DatabaseTypeMySQL, "db", 3306, "coord", "u", "p", ""))
	assert.Equal(t, "file:/var/lib/coord.db?mode=rwc&_foreign_keys=on",
		BuildDatabaseURL(DatabaseTypeSQLite, "", 0, "/var/lib/coord.db", "", "", ""))
	assert.Empty(t, BuildDatabaseURL("oracle", "", 0, "", "", "", ""))
}

func TestAvailableMigrations_EveryDialectShipsTheSameVersions(t *testing.T) {
	var versions [][]uint
	for _, dt := range []DatabaseType{DatabaseTypePostgres, DatabaseTypeMySQL, DatabaseTypeSQLite} {
		files, err := availableMigrations(dt)
		require.NoError(t, err, dt)
		require.NotEmpty(t, files, dt)

		var vs []uint
		for i, f := range files {
			if i > 0 {
				assert.Greater(t, f.version, files[i-1].version)
			}
			vs = append(vs, f.version)
		}
		versions = append(versions, vs)
		assert.Equal(t, "create_directory", files[0].name)
	}
	assert.Equal(t, versions[0], versions[1])
	assert.Equal(t, versions[0], versions[2])
}

func TestNewMigrator_InvalidConfig(t *testing.T) {
	_, err := NewMigrator(nil, nil)
	assert.ErrorContains(t, err, "config is required")

	_, err = NewMigrator(&Config{DatabaseType: DatabaseTypeSQLite}, nil)
	assert.ErrorContains(t, err, "database URL is required")

	_, err = NewMigrator(&Config{DatabaseType: "oracle", DatabaseURL: "x"}, nil)
	assert.ErrorContains(t, err, "unsupported database type")
}

func TestNewMigratorFromDatabaseConfig_RejectsUnknownDriver(t *testing.T) {
	_, err := NewMigratorFromDatabaseConfig(appconfig.DatabaseConfig{Driver: "oracle"}, nil)
	assert.ErrorContains(t, err, "invalid database type")

	_, err = NewMigratorFromConfig(nil, nil)
	assert.Error(t, err)
}

func TestMigrator_SQLite_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping test that requires CGO in short mode")
	}

	dbPath := filepath.Join(t.TempDir(), "coord.db")
	migrator, err := NewMigratorFromDatabaseConfig(appconfig.DatabaseConfig{Driver: "sqlite", Name: dbPath}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer migrator.Close()

	ctx := context.Background()

	version, dirty, err := migrator.Version(ctx)
	require.NoError(t, err)
	assert.Zero(t, version)
	assert.False(t, dirty)

	require.NoError(t, migrator.Up(ctx))
	require.NoError(t, migrator.Up(ctx), "no change is not an error")

	info, err := migrator.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(2), info.CurrentVersion)
	assert.Equal(t, info.TotalMigrations, info.AppliedMigrations)
	assert.Zero(t, info.PendingMigrations)

	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	defer db.Close()
	for _, table := range []string{"nodes", "node_capabilities", "performance_outcomes"} {
		var name string
		require.NoError(t, db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name), table)
	}

	require.NoError(t, migrator.Down(ctx))
	version, _, err = migrator.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	statuses, err := migrator.Status(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].Applied)
	assert.False(t, statuses[1].Applied)

	require.NoError(t, migrator.DownAll(ctx))
	version, _, err = migrator.Version(ctx)
	require.NoError(t, err)
	assert.Zero(t, version)
}

func TestMigrator_CanceledContext(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping test that requires CGO in short mode")
	}

	migrator, err := NewMigratorFromURL("sqlite", BuildDatabaseURL(DatabaseTypeSQLite, "", 0, filepath.Join(t.TempDir(), "c.db"), "", "", ""), nil)
	require.NoError(t, err)
	defer migrator.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, migrator.Up(ctx), context.Canceled)
}

// fakeMigrator records calls for CLI tests.
type fakeMigrator struct {
	version uint
	dirty   bool
	calls   []string
}

func (f *fakeMigrator) Up(context.Context) error {
	f.calls = append(f.calls, "up")
	f.version = 2
	return nil
}
func (f *fakeMigrator) Down(context.Context) error {
	f.calls = append(f.calls, "down")
	f.version--
	return nil
}
func (f *fakeMigrator) DownAll(context.Context) error {
	f.calls = append(f.calls, "down_all")
	f.version = 0
	return nil
}
func (f *fakeMigrator) Steps(_ context.Context, n int) error {
	f.calls = append(f.calls, "steps")
	f.version = uint(int(f.version) + n)
	return nil
}
func (f *fakeMigrator) Goto(_ context.Context, v uint) error {
	f.calls = append(f.calls, "goto")
	f.version = v
	return nil
}
func (f *fakeMigrator) Force(_ context.Context, v int) error {
	f.calls = append(f.calls, "force")
	f.version, f.dirty = uint(v), false
	return nil
}
func (f *fakeMigrator) Version(context.Context) (uint, bool, error) { return f.version, f.dirty, nil }
func (f *fakeMigrator) Status(context.Context) ([]MigrationStatus, error) {
	return []MigrationStatus{
		{Version: 1, Name: "create_directory", Applied: f.version >= 1},
		{Version: 2, Name: "create_performance_outcomes", Applied: f.version >= 2, Dirty: f.dirty && f.version == 2},
	}, nil
}
func (f *fakeMigrator) Info(context.Context) (*MigrationInfo, error) {
	return &MigrationInfo{CurrentVersion: f.version, Dirty: f.dirty, TotalMigrations: 2}, nil
}
func (f *fakeMigrator) Close() error { return nil }

func TestCLI_Output(t *testing.T) {
	m := &fakeMigrator{}
	cli := NewCLI(m)
	var out bytes.Buffer
	cli.SetOutput(&out)
	ctx := context.Background()

	require.NoError(t, cli.RunVersion(ctx))
	assert.Contains(t, out.String(), "No migrations applied yet")

	out.Reset()
	require.NoError(t, cli.RunUp(ctx))
	assert.Contains(t, out.String(), "Migrations complete. Current version: 2")

	out.Reset()
	require.NoError(t, cli.RunStatus(ctx))
	assert.Contains(t, out.String(), "create_performance_outcomes")
	assert.Contains(t, out.String(), "Total: 2, Applied: 2, Pending: 0")

	out.Reset()
	m.dirty = true
	require.NoError(t, cli.RunDown(ctx))
	assert.Contains(t, out.String(), "Rollback complete. Current version: 1 (dirty)")

	out.Reset()
	require.NoError(t, cli.RunForce(ctx, 1))
	assert.Contains(t, out.String(), "Version forced to 1")

	out.Reset()
	require.NoError(t, cli.RunInfo(ctx))
	assert.Contains(t, out.String(), "Current Version:")

	assert.Equal(t, []string{"up", "down", "force"}, m.calls)
}

func TestCLI_DirtySchemaBlocksForwardMigrations(t *testing.T) {
	m := &fakeMigrator{version: 2, dirty: true}
	cli := NewCLI(m)
	var out bytes.Buffer
	cli.SetOutput(&out)
	ctx := context.Background()

	assert.ErrorIs(t, cli.RunUp(ctx), ErrDirtySchema)
	assert.ErrorIs(t, cli.RunGoto(ctx, 3), ErrDirtySchema)
	assert.ErrorIs(t, cli.RunSteps(ctx, 1), ErrDirtySchema)
	assert.Empty(t, m.calls)

	require.NoError(t, cli.RunStatus(ctx))
	assert.Contains(t, out.String(), "dirty")
	assert.Contains(t, out.String(), "migrate force")

	require.NoError(t, cli.RunSteps(ctx, -1), "rolling back is allowed on a dirty schema")
	assert.Equal(t, []string{"steps"}, m.calls)
}

func TestCLI_RunStepsZero(t *testing.T) {
	cli := NewCLI(&fakeMigrator{})
	cli.SetOutput(io.Discard)
	assert.Error(t, cli.RunSteps(context.Background(), 0))
}
