package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cbodonnell/theyr/pkg/tree"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	saved_at INTEGER NOT NULL,
	data BLOB NOT NULL
);
`

type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteRepository(ctx context.Context, path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to execute migration: %v", err)
	}

	return &SQLiteRepository{
		db:  db,
		now: time.Now,
	}, nil
}

func (r *SQLiteRepository) Close(ctx context.Context) error {
	return r.db.Close()
}

func (r *SQLiteRepository) Save(ctx context.Context, root tree.Value) error {
	data, err := encodeSnapshot(root)
	if err != nil {
		return err
	}

	q := `
	INSERT OR REPLACE INTO snapshots (id, saved_at, data)
	VALUES (1, ?, ?);
	`
	if _, err := r.db.ExecContext(ctx, q, r.now().UnixMilli(), data); err != nil {
		return fmt.Errorf("failed to insert snapshot: %v", err)
	}
	return nil
}

func (r *SQLiteRepository) Load(ctx context.Context) (tree.Value, error) {
	q := `
	SELECT data FROM snapshots WHERE id = 1;
	`
	var data []byte
	if err := r.db.QueryRowContext(ctx, q).Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return tree.Value{}, &ErrNotFound{}
		}
		return tree.Value{}, fmt.Errorf("failed to scan snapshot: %v", err)
	}
	return decodeSnapshot(data)
}
