package repositories

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cbodonnell/theyr/pkg/log"
	"github.com/cbodonnell/theyr/pkg/tree"
	"github.com/jackc/pgx/v5"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS theyr_snapshots (
	id SMALLINT PRIMARY KEY CHECK (id = 1),
	saved_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	data BYTEA NOT NULL
);
`

// PostgresRepository keeps the snapshot in a single row. A pgx.Conn is not
// safe for concurrent use, so calls are serialized.
type PostgresRepository struct {
	lock sync.Mutex
	conn *pgx.Conn
}

// NewPostgresRepository connects to the database and creates the snapshot
// table if needed. The caller is responsible for calling Close() on the
// repository.
func NewPostgresRepository(ctx context.Context, connStr string) (*PostgresRepository, error) {
	conn, err := pgx.Connect(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %v", err)
	}

	var username string
	var database string
	if err := conn.QueryRow(ctx, "SELECT current_user, current_database()").Scan(&username, &database); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("unable to query database: %v", err)
	}
	log.Info("Connected to %s as %s", database, username)

	if _, err := conn.Exec(ctx, postgresSchema); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to execute migration: %v", err)
	}

	return &PostgresRepository{
		conn: conn,
	}, nil
}

func (r *PostgresRepository) Close(ctx context.Context) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.conn.Close(ctx)
}

func (r *PostgresRepository) Save(ctx context.Context, root tree.Value) error {
	data, err := encodeSnapshot(root)
	if err != nil {
		return err
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	q := `
	INSERT INTO theyr_snapshots (id, data) VALUES (1, $1)
	ON CONFLICT (id) DO UPDATE SET saved_at = now(), data = $1;
	`
	if _, err := r.conn.Exec(ctx, q, data); err != nil {
		return fmt.Errorf("failed to upsert snapshot: %v", err)
	}
	return nil
}

func (r *PostgresRepository) Load(ctx context.Context) (tree.Value, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	var data []byte
	if err := r.conn.QueryRow(ctx, "SELECT data FROM theyr_snapshots WHERE id = 1").Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return tree.Value{}, &ErrNotFound{}
		}
		return tree.Value{}, fmt.Errorf("failed to query snapshot: %v", err)
	}
	return decodeSnapshot(data)
}
