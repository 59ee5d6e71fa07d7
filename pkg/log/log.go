// Package log provides the process-wide zerolog logger. It writes to the
// console by default and can be switched to a JSON sink stored in SQLite so the
// management socket can replay recent entries.
package log

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"overlay-go/pkg/appdir"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

var (
	writesSinceInit atomic.Int64
	pkgLogger       = zerolog.Nop()
	dbWriter        *sqliteWriter
	dbHandle        *sql.DB
	mu              sync.RWMutex

	timeFieldFormat = time.RFC3339Nano

	ErrNotInitialized = errors.New("log: sqlite sink not initialized, call log.Init() first")
)

type sqliteWriter struct {
	mu   sync.Mutex
	db   *sql.DB
	stmt *sql.Stmt
}

const schema = `
CREATE TABLE IF NOT EXISTS logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    inserted_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP NOT NULL,
    log_data TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_logs_json_time ON logs (json_extract(log_data, '$.time'));
CREATE INDEX IF NOT EXISTS idx_logs_json_level ON logs (json_extract(log_data, '$.level'));`

func openSQLiteWriter(dbPath string) (*sqliteWriter, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode=wal&_pragma=busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db %s: %w", dbPath, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite db %s: %w", dbPath, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create logs table: %w", err)
	}
	stmt, err := db.Prepare(`INSERT INTO logs (log_data) VALUES (?)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare insert statement: %w", err)
	}
	return &sqliteWriter{db: db, stmt: stmt}, nil
}

func (w *sqliteWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.stmt.Exec(string(p)); err != nil {
		stdlog.Printf("ERROR writing log to SQLite: %v", err)
		return 0, err
	}
	writesSinceInit.Add(1)
	return len(p), nil
}

func (w *sqliteWriter) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return errors.Join(w.stmt.Close(), w.db.Close())
}

// SetStd routes logs to a human readable console writer on stdout.
func SetStd() {
	SetOutput(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
}

// SetOutput routes logs to w. Used by tests to capture output.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	pkgLogger = zerolog.New(w).With().Timestamp().Logger()
}

// SetLevel parses a zerolog level name ("debug", "info", ...) and applies it globally.
func SetLevel(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("log: %w", err)
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

// Init opens (or creates) dbFile inside the application directory and sends
// every subsequent log event there as a JSON row.
func Init(dbFile string) error {
	if dbFile == "" {
		return errors.New("log: an explicit database file name is required")
	}
	dbPath := dbFile
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(appdir.AppDir(), dbFile)
	}

	mu.Lock()
	defer mu.Unlock()
	if dbWriter != nil {
		return errors.New("log: sqlite sink already initialized")
	}
	w, err := openSQLiteWriter(dbPath)
	if err != nil {
		return err
	}
	dbWriter = w
	dbHandle = w.db
	writesSinceInit.Store(0)

	zerolog.TimeFieldFormat = timeFieldFormat
	pkgLogger = zerolog.New(w).With().Timestamp().Logger()
	return nil
}

// MustInit calls Init with "<app>.db" and aborts the process on failure.
func MustInit(app string) {
	if err := Init(app + ".db"); err != nil {
		stdlog.Fatalf("FATAL: failed to initialize logger: %v", err)
	}
}

// Close flushes and detaches the sqlite sink. The logger becomes a no-op.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if dbWriter == nil {
		return nil
	}
	w := dbWriter
	dbWriter, dbHandle = nil, nil
	pkgLogger = zerolog.Nop()
	if err := w.close(); err != nil {
		return fmt.Errorf("error closing sqlite logger: %w", err)
	}
	return nil
}

func logger() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	l := pkgLogger
	return &l
}

func Debug() *zerolog.Event { return logger().Debug() }
func Info() *zerolog.Event  { return logger().Info() }
func Warn() *zerolog.Event  { return logger().Warn() }
func Error() *zerolog.Event { return logger().Error() }
func Fatal() *zerolog.Event { return logger().Fatal() }

// Printf sends an info level event formatted in the manner of fmt.Printf.
func Printf(format string, v ...any) {
	logger().Info().CallerSkipFrame(1).Msgf(format, v...)
}

// Print sends an info level event formatted in the manner of fmt.Print.
func Print(v ...any) {
	logger().Info().CallerSkipFrame(1).Msg(fmt.Sprint(v...))
}

func Fatalf(format string, v ...any) {
	logger().Fatal().Msgf(format, v...)
}
