// Package hashdb persists probe results in a SQLite key/value table fronted by a write cache.
package hashdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tyemirov/threadrun/pkg/taskrunner"
)

const (
	// FlushThreshold is the number of cached writes that triggers a non-forced flush.
	FlushThreshold = 32

	driverNameConstant           = "sqlite3"
	busyTimeoutParameterConstant = "?_busy_timeout=5000"
	createTableStatementConstant = "CREATE TABLE IF NOT EXISTS storage (id INTEGER PRIMARY KEY, value TEXT)"
	upsertStatementConstant      = "INSERT OR REPLACE INTO storage (id, value) VALUES (?, ?)"
	selectStatementConstant      = "SELECT value FROM storage WHERE id = ?"
	keyMaskConstant              = uint64(1)<<63 - 1

	openErrorTemplateConstant     = "open hash database %s: %w"
	schemaErrorTemplateConstant   = "prepare hash database schema: %w"
	flushErrorTemplateConstant    = "flush hash database: %w"
	retrieveErrorTemplateConstant = "retrieve %q from hash database: %w"
	closeErrorTemplateConstant    = "close hash database: %w"
	flushedMessageConstant        = "hash database flushed"
	entriesLogFieldConstant       = "entries"
	pathLogFieldConstant          = "path"
)

// ErrClosed is returned by operations on a database that was already closed.
var ErrClosed = errors.New("hash database is closed")

// Database is a SQLite-backed key/value store with a shared write cache.
type Database struct {
	path       string
	database   *sql.DB
	logger     *zap.Logger
	cacheMutex sync.Mutex
	writeCache map[int64]string
	closed     bool
	flushMutex sync.Mutex
}

// Open opens or creates the database at path.
func Open(path string, logger *zap.Logger) (*Database, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	database, openError := sql.Open(driverNameConstant, path+busyTimeoutParameterConstant)
	if openError != nil {
		return nil, taskrunner.NewFatalPersistenceError(fmt.Errorf(openErrorTemplateConstant, path, openError))
	}
	database.SetMaxOpenConns(1)

	if _, schemaError := database.Exec(createTableStatementConstant); schemaError != nil {
		_ = database.Close()
		return nil, taskrunner.NewFatalPersistenceError(fmt.Errorf(schemaErrorTemplateConstant, schemaError))
	}

	return &Database{
		path:       path,
		database:   database,
		logger:     logger,
		writeCache: make(map[int64]string),
	}, nil
}

// HashKey maps a key onto the 63-bit identifier used as the table primary key.
func HashKey(key string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(key))
	return int64(hasher.Sum64() & keyMaskConstant)
}

// Write caches the value for key until the next flush.
func (database *Database) Write(key string, value string) error {
	database.cacheMutex.Lock()
	defer database.cacheMutex.Unlock()
	if database.closed {
		return ErrClosed
	}
	database.writeCache[HashKey(key)] = value
	return nil
}

// Retrieve returns the value stored for key, preferring unflushed writes.
func (database *Database) Retrieve(ctx context.Context, key string) (string, bool, error) {
	identifier := HashKey(key)

	database.cacheMutex.Lock()
	if database.closed {
		database.cacheMutex.Unlock()
		return "", false, ErrClosed
	}
	cachedValue, cached := database.writeCache[identifier]
	database.cacheMutex.Unlock()
	if cached {
		return cachedValue, true, nil
	}

	var storedValue string
	queryError := database.database.QueryRowContext(ctx, selectStatementConstant, identifier).Scan(&storedValue)
	switch {
	case queryError == nil:
		return storedValue, true, nil
	case errors.Is(queryError, sql.ErrNoRows):
		return "", false, nil
	default:
		return "", false, taskrunner.NewFatalPersistenceError(fmt.Errorf(retrieveErrorTemplateConstant, key, queryError))
	}
}

// Pending reports the number of cached writes not yet flushed.
func (database *Database) Pending() int {
	database.cacheMutex.Lock()
	defer database.cacheMutex.Unlock()
	return len(database.writeCache)
}

// Flush writes the cache in a single transaction when forced or when the cache reached FlushThreshold.
// Entries that fail to persist are returned to the cache unless a newer write replaced them.
func (database *Database) Flush(force bool) error {
	database.flushMutex.Lock()
	defer database.flushMutex.Unlock()

	database.cacheMutex.Lock()
	if database.closed {
		database.cacheMutex.Unlock()
		return nil
	}
	if !force && len(database.writeCache) < FlushThreshold {
		database.cacheMutex.Unlock()
		return nil
	}
	snapshot := database.writeCache
	database.writeCache = make(map[int64]string, len(snapshot))
	database.cacheMutex.Unlock()

	if len(snapshot) == 0 {
		return nil
	}

	if persistError := database.persist(snapshot); persistError != nil {
		database.restore(snapshot)
		return taskrunner.NewFatalPersistenceError(fmt.Errorf(flushErrorTemplateConstant, persistError))
	}

	database.logger.Debug(flushedMessageConstant, zap.Int(entriesLogFieldConstant, len(snapshot)), zap.String(pathLogFieldConstant, database.path))
	return nil
}

// Close ends a worker session. Cached writes are flushed only when the threshold was reached.
func (database *Database) Close() error {
	return database.Flush(false)
}

// CloseAll flushes every cached write and closes the underlying database.
func (database *Database) CloseAll() error {
	flushError := database.Flush(true)

	database.cacheMutex.Lock()
	if database.closed {
		database.cacheMutex.Unlock()
		return flushError
	}
	database.closed = true
	database.cacheMutex.Unlock()

	var closeError error
	if sqlCloseError := database.database.Close(); sqlCloseError != nil {
		closeError = taskrunner.NewFatalPersistenceError(fmt.Errorf(closeErrorTemplateConstant, sqlCloseError))
	}
	return multierr.Append(flushError, closeError)
}

func (database *Database) persist(snapshot map[int64]string) (persistError error) {
	transaction, beginError := database.database.Begin()
	if beginError != nil {
		return beginError
	}
	defer func() {
		if persistError == nil {
			return
		}
		if rollbackError := transaction.Rollback(); rollbackError != nil && !errors.Is(rollbackError, sql.ErrTxDone) {
			persistError = multierr.Append(persistError, rollbackError)
		}
	}()

	statement, prepareError := transaction.Prepare(upsertStatementConstant)
	if prepareError != nil {
		return prepareError
	}
	defer statement.Close()

	for identifier, value := range snapshot {
		if _, execError := statement.Exec(identifier, value); execError != nil {
			return execError
		}
	}
	return transaction.Commit()
}

func (database *Database) restore(snapshot map[int64]string) {
	database.cacheMutex.Lock()
	defer database.cacheMutex.Unlock()
	for identifier, value := range snapshot {
		if _, replaced := database.writeCache[identifier]; replaced {
			continue
		}
		database.writeCache[identifier] = value
	}
}
