// Package sqlite provides a SQLite-backed conflict queue.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"geoconflict/internal/record"
	"geoconflict/internal/storage"
	"geoconflict/internal/storage/sqlite/migrations"
)

// Queue persists outstanding conflicts in SQLite.
type Queue struct {
	sqlDB *sql.DB
}

var _ storage.ConflictQueue = (*Queue)(nil)

// Open opens a SQLite conflict queue and applies embedded migrations.
func Open(path string) (*Queue, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Regions enqueue concurrently; one connection keeps writers from
	// tripping over SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Queue{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (q *Queue) Close() error {
	if q == nil || q.sqlDB == nil {
		return nil
	}
	return q.sqlDB.Close()
}

// Enqueue implements storage.ConflictQueue.
func (q *Queue) Enqueue(ctx context.Context, c record.Conflict) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if strings.TrimSpace(c.ID) == "" {
		return false, fmt.Errorf("conflict id is required")
	}
	content, err := json.Marshal(c.Content)
	if err != nil {
		return false, fmt.Errorf("encode conflict content: %w", err)
	}

	_, err = q.sqlDB.ExecContext(
		ctx,
		`INSERT INTO conflicts (id, kind, record_key, content, detected_in, detected_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID,
		c.Kind.String(),
		c.Content.Key().String(),
		string(content),
		c.DetectedIn,
		time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("enqueue conflict: %w", err)
	}
	return true, nil
}

// List implements storage.ConflictQueue.
func (q *Queue) List(ctx context.Context, afterSeq int64, limit int) ([]record.Conflict, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := q.sqlDB.QueryContext(
		ctx,
		`SELECT seq, id, kind, content, detected_in
		 FROM conflicts
		 WHERE seq > ?
		 ORDER BY seq
		 LIMIT ?`,
		afterSeq,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var out []record.Conflict
	for rows.Next() {
		var (
			c       record.Conflict
			kind    string
			content string
		)
		if err := rows.Scan(&c.Seq, &c.ID, &kind, &content, &c.DetectedIn); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		if c.Kind, err = record.ParseOperationKind(kind); err != nil {
			return nil, fmt.Errorf("conflict %s: %w", c.ID, err)
		}
		if err := json.Unmarshal([]byte(content), &c.Content); err != nil {
			return nil, fmt.Errorf("decode conflict %s: %w", c.ID, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conflicts: %w", err)
	}
	return out, nil
}

// Delete implements storage.ConflictQueue.
func (q *Queue) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := q.sqlDB.ExecContext(ctx, `DELETE FROM conflicts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete conflict: %w", err)
	}
	return nil
}

// Len implements storage.ConflictQueue.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM conflicts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count conflicts: %w", err)
	}
	return n, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint failed") &&
		strings.Contains(message, "conflicts.id")
}

const migrationTable = "schema_migrations"

// applyMigrations executes the Up section of every embedded .sql file at most
// once, in name order.
func applyMigrations(sqlDB *sql.DB, migrationFS fs.FS) error {
	entries, err := fs.ReadDir(migrationFS, ".")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	if _, err := sqlDB.Exec(`CREATE TABLE IF NOT EXISTS ` + migrationTable + ` (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, file := range files {
		var applied int
		if err := sqlDB.QueryRow(`SELECT COUNT(*) FROM `+migrationTable+` WHERE name = ?`, file).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", file, err)
		}
		if applied > 0 {
			continue
		}

		content, err := fs.ReadFile(migrationFS, file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		upSQL := extractUp(string(content))
		if strings.TrimSpace(upSQL) == "" {
			continue
		}

		tx, err := sqlDB.BeginTx(context.Background(), nil)
		if err != nil {
			return fmt.Errorf("begin migration transaction %s: %w", file, err)
		}
		if _, err := tx.Exec(upSQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", file, err)
		}
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO `+migrationTable+` (name, applied_at) VALUES (?, ?)`,
			file,
			time.Now().UTC().UnixMilli(),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}
	return nil
}

// extractUp returns the SQL in the -- +migrate Up section.
func extractUp(content string) string {
	upIdx := strings.Index(content, "-- +migrate Up")
	if upIdx == -1 {
		return content
	}
	downIdx := strings.Index(content, "-- +migrate Down")
	if downIdx == -1 {
		return content[upIdx+len("-- +migrate Up"):]
	}
	return content[upIdx+len("-- +migrate Up") : downIdx]
}
