package hashdb_test

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tyemirov/threadrun/internal/hashdb"
	"github.com/tyemirov/threadrun/pkg/taskrunner"
)

const testDatabaseFileNameConstant = "session.sqlite"

func openTestDatabase(testInstance *testing.T) (*hashdb.Database, string) {
	testInstance.Helper()
	databasePath := filepath.Join(testInstance.TempDir(), testDatabaseFileNameConstant)
	database, openError := hashdb.Open(databasePath, zap.NewNop())
	require.NoError(testInstance, openError)
	testInstance.Cleanup(func() {
		_ = database.CloseAll()
	})
	return database, databasePath
}

func TestHashKeyIsStableAndPositive(testInstance *testing.T) {
	for _, key := range []string{"", "http://127.0.0.1/", "status:http://example.test/a"} {
		identifier := hashdb.HashKey(key)
		require.GreaterOrEqual(testInstance, identifier, int64(0))
		require.Equal(testInstance, identifier, hashdb.HashKey(key))
	}
	require.NotEqual(testInstance, hashdb.HashKey("a"), hashdb.HashKey("b"))
}

func TestDatabaseRetrievePrefersCache(testInstance *testing.T) {
	database, _ := openTestDatabase(testInstance)

	require.NoError(testInstance, database.Write("target", "200"))
	value, found, retrieveError := database.Retrieve(context.Background(), "target")
	require.NoError(testInstance, retrieveError)
	require.True(testInstance, found)
	require.Equal(testInstance, "200", value)

	_, found, retrieveError = database.Retrieve(context.Background(), "absent")
	require.NoError(testInstance, retrieveError)
	require.False(testInstance, found)
}

func TestDatabaseFlushThreshold(testInstance *testing.T) {
	testCases := []struct {
		name            string
		writes          int
		force           bool
		expectedPending int
	}{
		{name: "below_threshold_kept", writes: hashdb.FlushThreshold - 1, expectedPending: hashdb.FlushThreshold - 1},
		{name: "threshold_reached", writes: hashdb.FlushThreshold, expectedPending: 0},
		{name: "forced_flush", writes: 3, force: true, expectedPending: 0},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			database, _ := openTestDatabase(testInstance)
			for writeIndex := 0; writeIndex < testCase.writes; writeIndex++ {
				require.NoError(testInstance, database.Write(fmt.Sprintf("key-%d", writeIndex), "value"))
			}

			require.NoError(testInstance, database.Flush(testCase.force))
			require.Equal(testInstance, testCase.expectedPending, database.Pending())
		})
	}
}

func TestDatabaseCloseIsNonForcedFlush(testInstance *testing.T) {
	database, _ := openTestDatabase(testInstance)
	require.NoError(testInstance, database.Write("key", "value"))

	require.NoError(testInstance, database.Close())
	require.Equal(testInstance, 1, database.Pending())
}

func TestDatabaseValuesSurviveReopen(testInstance *testing.T) {
	databasePath := filepath.Join(testInstance.TempDir(), testDatabaseFileNameConstant)
	observedCore, observedLogs := observer.New(zapcore.DebugLevel)

	firstSession, openError := hashdb.Open(databasePath, zap.New(observedCore))
	require.NoError(testInstance, openError)
	require.NoError(testInstance, firstSession.Write("http://example.test/", "200 1024"))
	require.NoError(testInstance, firstSession.CloseAll())
	require.Equal(testInstance, 1, observedLogs.FilterMessage("hash database flushed").Len())

	require.ErrorIs(testInstance, firstSession.Write("late", "value"), hashdb.ErrClosed)
	require.NoError(testInstance, firstSession.CloseAll())

	secondSession, reopenError := hashdb.Open(databasePath, zap.NewNop())
	require.NoError(testInstance, reopenError)
	defer func() {
		require.NoError(testInstance, secondSession.CloseAll())
	}()

	value, found, retrieveError := secondSession.Retrieve(context.Background(), "http://example.test/")
	require.NoError(testInstance, retrieveError)
	require.True(testInstance, found)
	require.Equal(testInstance, "200 1024", value)
}

func TestDatabaseFlushFailureIsFatal(testInstance *testing.T) {
	database, databasePath := openTestDatabase(testInstance)
	require.NoError(testInstance, database.Write("key", "value"))

	saboteur, openError := sql.Open("sqlite3", databasePath)
	require.NoError(testInstance, openError)
	_, dropError := saboteur.Exec("DROP TABLE storage")
	require.NoError(testInstance, dropError)
	require.NoError(testInstance, saboteur.Close())

	flushError := database.Flush(true)
	require.Error(testInstance, flushError)
	require.Equal(testInstance, taskrunner.KindFatalPersistence, taskrunner.Classify(flushError))
	require.Equal(testInstance, 1, database.Pending())
}

func TestOpenFailureIsFatal(testInstance *testing.T) {
	databasePath := filepath.Join(testInstance.TempDir(), "missing", "nested", testDatabaseFileNameConstant)

	_, openError := hashdb.Open(databasePath, nil)
	require.Error(testInstance, openError)
	require.Equal(testInstance, taskrunner.KindFatalPersistence, taskrunner.Classify(openError))
}
