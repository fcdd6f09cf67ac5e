package checkpoint

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/BaSui01/agentgate/types"
)

func newSQLiteSaver(t *testing.T) *SQLSaver {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "checkpoints.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	s := NewSQLSaver(db, testSerializer(t), nil)
	require.NoError(t, s.AutoMigrate(context.Background()))
	return s
}

func TestSQLSaver(t *testing.T) {
	runSaverSuite(t, func(t *testing.T) Saver {
		return newSQLiteSaver(t)
	})
}

func TestSQLSaver_StorageFailure(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT \* FROM "checkpoints"`).WillReturnError(assert.AnError)

	s := NewSQLSaver(db, nil, nil)
	_, err = s.GetLatest(context.Background(), "T1", "")
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrStorageFailure))
	assert.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())
}
