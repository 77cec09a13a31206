package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/ftprelay/ftprelay/internal/catalog/migrations"
	"github.com/ftprelay/ftprelay/internal/fault"
	"github.com/ftprelay/ftprelay/internal/metrics"
)

const uniqueViolation = "23505"

const recordColumns = `file_id, owner_id, owner_username, owner_display_name, original_filename, remote_path, uploaded_at, size_bytes`

// PostgresStore persists records in the uploads table.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to databaseURL and verifies the connection.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return NewPostgresStore(db), nil
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies the embedded schema migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Append(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO uploads (`+recordColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.OwnerID, rec.OwnerUsername, rec.OwnerDisplayName,
		rec.OriginalFilename, rec.RemotePath, rec.UploadedAt.UTC(), rec.SizeBytes)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrDuplicateID
		}
		return fmt.Errorf("insert upload %s: %w", rec.ID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM uploads WHERE file_id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fault.NotFound("catalog get "+id, nil)
	}
	if err != nil {
		return Record{}, fmt.Errorf("get upload %s: %w", id, err)
	}
	return rec, nil
}

func (s *PostgresStore) ListByOwner(ctx context.Context, ownerID int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM uploads WHERE owner_id = $1 ORDER BY uploaded_at DESC, seq DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list uploads by owner: %w", err)
	}
	return collect(rows)
}

func (s *PostgresStore) Page(ctx context.Context, page, limit int) (Page, error) {
	page, limit = NormalizePage(page, limit)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM uploads`).Scan(&total); err != nil {
		return Page{}, fmt.Errorf("count uploads: %w", err)
	}
	metrics.SetCatalogRecords(total)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM uploads ORDER BY uploaded_at DESC, seq DESC LIMIT $1 OFFSET $2`,
		limit, (page-1)*limit)
	if err != nil {
		return Page{}, fmt.Errorf("page uploads: %w", err)
	}
	files, err := collect(rows)
	if err != nil {
		return Page{}, err
	}

	return Page{
		TotalFiles:  total,
		TotalPages:  TotalPages(total, limit),
		CurrentPage: page,
		Files:       files,
	}, nil
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	st := Stats{UploadsPerUser: make(map[string]int)}
	if err := s.db.QueryRowContext(ctx,
		`SELECT count(*), COALESCE(sum(size_bytes), 0) FROM uploads`).Scan(&st.TotalUploads, &st.TotalSize); err != nil {
		return Stats{}, fmt.Errorf("aggregate uploads: %w", err)
	}
	metrics.SetCatalogRecords(st.TotalUploads)

	rows, err := s.db.QueryContext(ctx,
		`SELECT owner_display_name, count(*) FROM uploads GROUP BY owner_display_name`)
	if err != nil {
		return Stats{}, fmt.Errorf("uploads per user: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return Stats{}, fmt.Errorf("scan uploads per user: %w", err)
		}
		st.UploadsPerUser[name] = n
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("iterate uploads per user: %w", err)
	}
	return st, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var r Record
	err := sc.Scan(&r.ID, &r.OwnerID, &r.OwnerUsername, &r.OwnerDisplayName,
		&r.OriginalFilename, &r.RemotePath, &r.UploadedAt, &r.SizeBytes)
	r.UploadedAt = r.UploadedAt.UTC()
	return r, err
}

func collect(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan upload: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate uploads: %w", err)
	}
	return out, nil
}
