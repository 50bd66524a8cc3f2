package repository

import "time"

// sqliteTimeFormat is the canonical UTC timestamp layout stored in TEXT
// timestamp columns.
const sqliteTimeFormat = "2006-01-02 15:04:05"

// boolToInt converts a boolean to an integer (1 or 0) for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// fmtTime formats a timestamp for storage.
func fmtTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeFormat)
}

// fmtTimePtr formats an optional timestamp for storage, mapping nil to NULL.
func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

// nullIfEmpty maps an empty string to NULL for nullable TEXT columns.
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// scanner abstracts *sql.Row and *sql.Rows for shared scan helpers.
type scanner interface {
	Scan(dest ...any) error
}
