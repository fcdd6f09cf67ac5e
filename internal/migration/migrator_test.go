package migration

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/BaSui01/agentgate/agent/approval"
	"github.com/BaSui01/agentgate/agent/checkpoint"
	"github.com/BaSui01/agentgate/config"
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
		{"oracle", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDatabaseType(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestBuildDatabaseURL(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/gate?sslmode=disable",
		BuildDatabaseURL(DatabaseTypePostgres, "db", 5432, "gate", "u", "p", "disable"))
	assert.Equal(t, "postgres://u:p@db:5432/gate?sslmode=require",
		BuildDatabaseURL(DatabaseTypePostgres, "db", 5432, "gate", "u", "p", ""))
	assert.Equal(t, "u:p@tcp(db:3306)/gate?parseTime=true&multiStatements=true",
		BuildDatabaseURL(DatabaseTypeMySQL, "db", 3306, "gate", "u", "p", ""))
	assert.Equal(t, "file:/var/lib/agentgate.db?mode=rwc",
		BuildDatabaseURL(DatabaseTypeSQLite, "", 0, "/var/lib/agentgate.db", "", "", ""))
	assert.Empty(t, BuildDatabaseURL("oracle", "", 0, "", "", "", ""))
}

func TestAvailableMigrations_AllDialectsMatch(t *testing.T) {
	var reference []migrationFile
	for i, dt := range []DatabaseType{DatabaseTypePostgres, DatabaseTypeMySQL, DatabaseTypeSQLite} {
		files, err := availableMigrations(dt)
		require.NoError(t, err, dt)
		require.NotEmpty(t, files, dt)
		for j := 1; j < len(files); j++ {
			assert.Greater(t, files[j].version, files[j-1].version)
		}
		if i == 0 {
			reference = files
			continue
		}
		assert.Equal(t, reference, files, "dialect %s out of sync", dt)
	}
}

func TestNewMigrator_InvalidConfig(t *testing.T) {
	_, err := NewMigrator(nil)
	assert.ErrorContains(t, err, "config is required")

	_, err = NewMigrator(&Config{DatabaseType: DatabaseTypeSQLite})
	assert.ErrorContains(t, err, "database URL is required")

	_, err = NewMigrator(&Config{DatabaseType: "oracle", DatabaseURL: "x"})
	assert.ErrorContains(t, err, "unsupported database type")

	_, err = NewMigratorFromConfig(config.DatabaseConfig{})
	assert.Error(t, err)
}

func newSQLiteMigrator(t *testing.T) (*DefaultMigrator, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentgate.db")
	m, err := NewMigratorFromConfig(config.DatabaseConfig{Driver: "sqlite", Name: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, path
}

func TestMigrator_SQLite_UpDown(t *testing.T) {
	ctx := context.Background()
	m, _ := newSQLiteMigrator(t)

	v, dirty, err := m.Version(ctx)
	require.NoError(t, err)
	assert.Zero(t, v)
	assert.False(t, dirty)

	require.NoError(t, m.Up(ctx))
	require.NoError(t, m.Up(ctx), "second up is a no-op")

	info, err := m.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(2), info.CurrentVersion)
	assert.Equal(t, info.TotalMigrations, info.AppliedMigrations)
	assert.Zero(t, info.PendingMigrations)

	require.NoError(t, m.Down(ctx))
	v, _, err = m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(1), v)

	statuses, err := m.Status(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].Applied)
	assert.False(t, statuses[1].Applied)
	assert.Equal(t, "create_approval_status", statuses[1].Name)

	require.NoError(t, m.Goto(ctx, 2))
	require.NoError(t, m.DownAll(ctx))
	v, _, err = m.Version(ctx)
	require.NoError(t, err)
	assert.Zero(t, v)
}

// 迁移出的表必须能直接被 gorm 存储使用（不依赖 AutoMigrate）。
func TestMigrator_SQLite_SchemaMatchesStores(t *testing.T) {
	ctx := context.Background()
	m, path := newSQLiteMigrator(t)
	require.NoError(t, m.Up(ctx))

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	saver := checkpoint.NewSQLSaver(db, nil, nil)
	cp := &checkpoint.Checkpoint{
		V:             1,
		ID:            "cp-1",
		TS:            time.Now().UTC(),
		ChannelValues: map[string]any{checkpoint.ChannelNext: "tools"},
	}
	key, err := saver.Put(ctx, "T1", "", cp, checkpoint.Metadata{"source": "input", "step": 0}, "")
	require.NoError(t, err)
	require.NoError(t, saver.PutWrites(ctx, key, "tools:cp-1", []checkpoint.Write{{Channel: "tool", Value: "ok"}}))

	got, err := saver.GetLatest(ctx, "T1", "")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "cp-1", got.Checkpoint.ID)
	assert.Len(t, got.PendingWrites, 1)

	store := approval.NewSQLStore(db)
	require.NoError(t, store.Set(ctx, "T1", approval.PhaseAskPermission, []string{"call_1"}))
	st, err := store.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, approval.PhaseAskPermission, st.Phase)
	assert.Equal(t, []string{"call_1"}, st.PendingToolCallIDs)
}

type stubMigrator struct {
	Migrator
	version uint
	dirty   bool
	steps   []int
	forced  []int
	err     error
}

func (s *stubMigrator) Up(context.Context) error { s.version = 2; return s.err }
func (s *stubMigrator) Steps(_ context.Context, n int) error {
	s.steps = append(s.steps, n)
	return s.err
}
func (s *stubMigrator) Force(_ context.Context, v int) error {
	s.forced = append(s.forced, v)
	return s.err
}
func (s *stubMigrator) Version(context.Context) (uint, bool, error) {
	return s.version, s.dirty, nil
}
func (s *stubMigrator) Status(context.Context) ([]MigrationStatus, error) {
	return []MigrationStatus{
		{Version: 1, Name: "create_checkpoints", Applied: true},
		{Version: 2, Name: "create_approval_status", Applied: s.version >= 2, Dirty: s.dirty},
	}, nil
}

func TestCLI_Run(t *testing.T) {
	ctx := context.Background()

	t.Run("version before any migration", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, NewCLI(&stubMigrator{}, &buf).Run(ctx, []string{"version"}))
		assert.Contains(t, buf.String(), "No migrations applied yet")
	})

	t.Run("dirty version", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, NewCLI(&stubMigrator{version: 2, dirty: true}, &buf).Run(ctx, []string{"version"}))
		assert.Contains(t, buf.String(), "Current version: 2 (dirty)")
	})

	t.Run("up prints new version", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, NewCLI(&stubMigrator{}, &buf).Run(ctx, []string{"up"}))
		assert.Contains(t, buf.String(), "Current version: 2")
	})

	t.Run("steps and force parse numbers", func(t *testing.T) {
		m := &stubMigrator{}
		cli := NewCLI(m, &bytes.Buffer{})
		require.NoError(t, cli.Run(ctx, []string{"steps", "-1"}))
		require.NoError(t, cli.Run(ctx, []string{"force", "1"}))
		assert.Equal(t, []int{-1}, m.steps)
		assert.Equal(t, []int{1}, m.forced)
	})

	t.Run("status table", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, NewCLI(&stubMigrator{version: 1}, &buf).Run(ctx, []string{"status"}))
		out := buf.String()
		assert.Contains(t, out, "000001")
		assert.Contains(t, out, "create_checkpoints")
		assert.Contains(t, out, "pending")
		assert.Contains(t, out, "Total: 2, Applied: 1, Pending: 1")
	})

	t.Run("bad input", func(t *testing.T) {
		cli := NewCLI(&stubMigrator{}, &bytes.Buffer{})
		assert.ErrorContains(t, cli.Run(ctx, nil), "missing migrate command")
		assert.ErrorContains(t, cli.Run(ctx, []string{"sideways"}), "unknown migrate command")
		assert.ErrorContains(t, cli.Run(ctx, []string{"goto"}), "exactly one numeric argument")
		assert.ErrorContains(t, cli.Run(ctx, []string{"force", "x"}), "invalid number")
		assert.ErrorContains(t, cli.Run(ctx, []string{"goto", "-3"}), "must not be negative")
	})

	t.Run("migrator error propagates", func(t *testing.T) {
		boom := errors.New("boom")
		err := NewCLI(&stubMigrator{err: boom}, &bytes.Buffer{}).Run(ctx, []string{"up"})
		assert.ErrorIs(t, err, boom)
	})
}
