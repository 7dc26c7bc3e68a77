package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/joseph-ayodele/fsqueue/constants"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS queue_index (
	seq  INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE
);`

// sqliteIndex persists the order as rows keyed by an increasing sequence.
type sqliteIndex struct {
	db    *sql.DB
	path  string
	count int
}

func openSQLiteIndex(ctx context.Context, root string) (*sqliteIndex, error) {
	path := filepath.Join(root, constants.IndexSQLiteFile)
	dsn := "file:" + (&url.URL{Path: path}).EscapedPath() +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite index: %w", err)
	}
	// One writer; avoids SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sqlite index: %w", err)
	}
	idx := &sqliteIndex{db: db, path: path}
	if err := idx.refreshCount(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

func (s *sqliteIndex) refreshCount(ctx context.Context) error {
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_index`).Scan(&s.count); err != nil {
		return fmt.Errorf("count sqlite index: %w", err)
	}
	return nil
}

func (s *sqliteIndex) Load(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM queue_index ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query sqlite index: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan sqlite index: %w", err)
		}
		names = append(names, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error after scan: %w", err)
	}
	s.count = len(names)
	return names, nil
}

func (s *sqliteIndex) Append(ctx context.Context, names ...string) error {
	if len(names) == 0 {
		return nil
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO queue_index (name) VALUES (?)`)
		if err != nil {
			return fmt.Errorf("prepare append: %w", err)
		}
		defer stmt.Close()
		for _, n := range names {
			if _, err := stmt.ExecContext(ctx, n); err != nil {
				return fmt.Errorf("append %s: %w", n, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.count += len(names)
	return nil
}

func (s *sqliteIndex) PopFront(ctx context.Context) (string, bool, error) {
	var name string
	var ok bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var seq int64
		err := tx.QueryRowContext(ctx, `SELECT seq, name FROM queue_index ORDER BY seq LIMIT 1`).Scan(&seq, &name)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select head: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM queue_index WHERE seq = ?`, seq); err != nil {
			return fmt.Errorf("delete head: %w", err)
		}
		ok = true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	if ok {
		s.count--
	}
	return name, ok, nil
}

// PushFront inserts below the smallest sequence; seq may go to zero or negative.
func (s *sqliteIndex) PushFront(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queue_index (seq, name) SELECT COALESCE(MIN(seq), 1) - 1, ? FROM queue_index`, name)
	if err != nil {
		return fmt.Errorf("push front %s: %w", name, err)
	}
	s.count++
	return nil
}

func (s *sqliteIndex) Remove(ctx context.Context, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue_index WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("remove %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	s.count -= int(n)
	return n > 0, nil
}

func (s *sqliteIndex) Replace(ctx context.Context, names []string) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM queue_index`); err != nil {
			return fmt.Errorf("clear index: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO queue_index (name) VALUES (?)`)
		if err != nil {
			return fmt.Errorf("prepare replace: %w", err)
		}
		defer stmt.Close()
		for _, n := range names {
			if _, err := stmt.ExecContext(ctx, n); err != nil {
				return fmt.Errorf("insert %s: %w", n, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.count = len(names)
	return nil
}

func (s *sqliteIndex) Len() int { return s.count }

func (s *sqliteIndex) Close() error { return s.db.Close() }

func (s *sqliteIndex) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
