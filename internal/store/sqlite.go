package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"snipewatch/internal/record"
)

var ErrNotFound = errors.New("auction not found")

// Open opens (creating if needed) the SQLite file at path.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	return db, nil
}

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS auctions (
  id TEXT PRIMARY KEY,
  record BLOB NOT NULL,
  ended INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_auctions_ended ON auctions(ended, updated_at);
`
	_, err := db.Exec(schema)
	return err
}

// Repository stores one XML record per auction.
type Repository interface {
	Save(ctx context.Context, rec record.Auction) error
	Get(ctx context.Context, id string) (record.Auction, error)
	List(ctx context.Context) ([]record.Auction, error)
	Delete(ctx context.Context, id string) error
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

func (r *sqliteRepo) Save(ctx context.Context, rec record.Auction) error {
	data, err := record.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO auctions (id, record, ended, created_at, updated_at)
VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
ON CONFLICT(id) DO UPDATE SET record=excluded.record, ended=excluded.ended, updated_at=CURRENT_TIMESTAMP
`, rec.ID, data, rec.Complete != nil)
	if err != nil {
		return fmt.Errorf("save auction %s: %w", rec.ID, err)
	}
	return nil
}

func (r *sqliteRepo) Get(ctx context.Context, id string) (record.Auction, error) {
	var data []byte
	err := r.db.QueryRowContext(ctx, `SELECT record FROM auctions WHERE id=?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Auction{}, ErrNotFound
	}
	if err != nil {
		return record.Auction{}, err
	}
	return record.Unmarshal(data)
}

// List returns running auctions first, then ended ones.
func (r *sqliteRepo) List(ctx context.Context) ([]record.Auction, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, record FROM auctions ORDER BY ended, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []record.Auction
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		rec, err := record.Unmarshal(data)
		if err != nil {
			return nil, fmt.Errorf("auction %s: %w", id, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *sqliteRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM auctions WHERE id=?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
