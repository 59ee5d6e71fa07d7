package log

import (
	"database/sql"
	"fmt"
	"time"
)

// Entry is a stored log row. LogData holds the raw JSON event.
type Entry struct {
	ID         int64
	InsertedAt time.Time
	LogData    string
}

const DefaultLimit = 100

func handle() (*sql.DB, error) {
	mu.RLock()
	defer mu.RUnlock()
	if dbHandle == nil {
		return nil, ErrNotInitialized
	}
	return dbHandle, nil
}

var dbTimestampFormats = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999",
}

func parseDBTimestamp(ts string) time.Time {
	for _, format := range dbTimestampFormats {
		if t, err := time.Parse(format, ts); err == nil {
			return t
		}
	}
	return time.Time{}
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var e Entry
		var insertedAt string
		if err := rows.Scan(&e.ID, &insertedAt, &e.LogData); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		e.InsertedAt = parseDBTimestamp(insertedAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating log rows: %w", err)
	}
	return entries, nil
}

// GetLogsSinceInit returns every entry written since Init.
func GetLogsSinceInit() ([]Entry, error) {
	return GetLastNLogs(int(writesSinceInit.Load()))
}

// GetLastNLogs returns the n most recent entries, oldest first.
func GetLastNLogs(n int) ([]Entry, error) {
	db, err := handle()
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return []Entry{}, nil
	}
	rows, err := db.Query(`SELECT id, inserted_at, log_data FROM logs ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query last %d logs: %w", n, err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// GetLogsBetween returns entries whose event time lies in [start, end], in
// event order. A limit <= 0 means DefaultLimit.
func GetLogsBetween(start, end time.Time, limit int) ([]Entry, error) {
	db, err := handle()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := db.Query(`
        SELECT id, inserted_at, log_data
        FROM logs
        WHERE json_extract(log_data, '$.time') >= ? AND json_extract(log_data, '$.time') <= ?
        ORDER BY json_extract(log_data, '$.time') ASC, id ASC
        LIMIT ?`,
		start.Format(timeFieldFormat), end.Format(timeFieldFormat), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs between %s and %s: %w", start, end, err)
	}
	return scanEntries(rows)
}

func GetLogsSince(start time.Time, limit int) ([]Entry, error) {
	return GetLogsBetween(start, time.Now(), limit)
}
