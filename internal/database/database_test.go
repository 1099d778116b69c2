package database

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/dcdl-sim/controller/internal/config"
	"github.com/dcdl-sim/controller/internal/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSqlite_MemoryDatabasesAreIsolated(t *testing.T) {
	a, err := OpenSqlite("")
	require.NoError(t, err)
	b, err := OpenSqlite("")
	require.NoError(t, err)

	require.NoError(t, Setup(a, zerolog.Nop()))
	require.NoError(t, a.Create(&model.Run{RunID: "only-in-a"}).Error)

	assert.False(t, b.Migrator().HasTable(&model.Run{}))
}

func TestSetup_Idempotent(t *testing.T) {
	db, err := OpenSqlite("")
	require.NoError(t, err)

	require.NoError(t, Setup(db, zerolog.Nop()))
	require.NoError(t, Setup(db, zerolog.Nop()))

	var count int64
	require.NoError(t, db.Model(&model.ControllerInfo{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	for _, m := range model.DatabaseModels {
		assert.True(t, db.Migrator().HasTable(m), "%T", m)
	}
}

func TestDumpMemoryDBToDisk(t *testing.T) {
	db, err := OpenSqlite("")
	require.NoError(t, err)
	require.NoError(t, Setup(db, zerolog.Nop()))
	require.NoError(t, db.Create(&model.Run{RunID: "dumped", ControlMode: "custom"}).Error)

	dir := t.TempDir()
	path := filepath.Join(dir, "run.db")
	require.NoError(t, DumpMemoryDBToDisk(db, path))
	// a second dump replaces the first
	require.NoError(t, DumpMemoryDBToDisk(db, path))

	disk, err := OpenSqlite(path)
	require.NoError(t, err)
	var run model.Run
	require.NoError(t, disk.Where("run_id = ?", "dumped").First(&run).Error)
	assert.Equal(t, "custom", run.ControlMode)

	sqlDB, err := disk.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())
}

func TestDumpMemoryDBToDisk_NoPath(t *testing.T) {
	db, err := OpenSqlite("")
	require.NoError(t, err)
	assert.Error(t, DumpMemoryDBToDisk(db, ""))
}

func TestGetBackupDBPaths(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.db", "b.db", "notes.txt", "db"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.db"), 0o755))

	paths, err := GetBackupDBPaths(dir)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{filepath.Join(dir, "a.db"), filepath.Join(dir, "b.db")}, paths)

	_, err = GetBackupDBPaths(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestManager_ConnectFallsBackToSqlite(t *testing.T) {
	m := NewManager(zerolog.New(io.Discard))
	err := m.Connect(config.DBConfig{Host: "127.0.0.1", Port: "1", Username: "x", Password: "x", Database: "x"})
	require.NoError(t, err)
	defer m.Close()

	assert.True(t, m.IsValid)
	assert.True(t, m.ShouldSaveLocal)
	assert.Equal(t, "sqlite", m.DB.Dialector.Name())
	require.NoError(t, Setup(m.DB, m.Logger))

	path := filepath.Join(t.TempDir(), "fallback.db")
	require.NoError(t, m.DumpMemoryToDisk(path))
	_, err = os.Stat(path)
	assert.NoError(t, err)
}
