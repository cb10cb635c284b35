// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/refill/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with SQLite, PostgreSQL and MySQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite", "":
		cfg.Driver = "sqlite"
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	case "mysql":
		db, err = openMySQL(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range Schemas(r.driver) {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// Driver returns the configured driver name.
func (r *SQLRepository) Driver() string {
	return r.driver
}

// SaveTransactions stores a batch of transactions in one database
// transaction and returns how many rows were written. Rows that fail
// validation reject the whole batch.
func (r *SQLRepository) SaveTransactions(ctx context.Context, txs []domain.Transaction) (int, error) {
	if len(txs) == 0 {
		return 0, nil
	}
	for i, tx := range txs {
		if tx.CustomerID == "" || tx.ProductID == "" {
			return 0, fmt.Errorf("%w: row %d: customer and product are required", ErrInvalidInput, i)
		}
		if tx.Date.IsZero() {
			return 0, fmt.Errorf("%w: row %d: date is required", ErrInvalidInput, i)
		}
	}

	dbtx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer dbtx.Rollback()

	query := `
		INSERT INTO transactions (
			id, batch_id, customer_id, product_id, order_id,
			tx_date, quantity, unit_price, total, is_refund, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	stmt, err := dbtx.PrepareContext(ctx, r.rebind(query))
	if err != nil {
		return 0, fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	batch := uuid.NewString()
	now := time.Now().UTC()

	for _, tx := range txs {
		refund := 0
		if tx.IsRefund {
			refund = 1
		}
		if _, err := stmt.ExecContext(ctx,
			uuid.NewString(), batch, tx.CustomerID, tx.ProductID, tx.OrderID,
			tx.Date.UTC(), tx.Quantity, tx.UnitPrice, tx.Total, refund, now,
		); err != nil {
			return 0, fmt.Errorf("insert: %w", err)
		}
	}

	if err := dbtx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(txs), nil
}

// ListTransactions returns every non-refund transaction ordered by date.
func (r *SQLRepository) ListTransactions(ctx context.Context) ([]domain.Transaction, error) {
	query := `
		SELECT customer_id, product_id, order_id, tx_date, quantity, unit_price, total, is_refund
		FROM transactions
		WHERE is_refund = 0
		ORDER BY tx_date, order_id, customer_id, product_id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []domain.Transaction
	for rows.Next() {
		var tx domain.Transaction
		var refund int

		if err := rows.Scan(
			&tx.CustomerID, &tx.ProductID, &tx.OrderID, &tx.Date,
			&tx.Quantity, &tx.UnitPrice, &tx.Total, &refund,
		); err != nil {
			return nil, err
		}

		tx.Date = tx.Date.UTC()
		tx.IsRefund = refund == 1
		transactions = append(transactions, tx)
	}

	return transactions, rows.Err()
}

// CountTransactions returns the number of stored rows, refunds included.
func (r *SQLRepository) CountTransactions(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions`).Scan(&n)
	return n, err
}

// SaveSegment inserts or updates a segment by ID.
func (r *SQLRepository) SaveSegment(ctx context.Context, seg *domain.Segment) error {
	if seg == nil || seg.ID == "" {
		return fmt.Errorf("%w: segment id is required", ErrInvalidInput)
	}

	outreach, enabled := 0, 0
	if seg.Outreach {
		outreach = 1
	}
	if seg.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()
	if seg.CreatedAt.IsZero() {
		seg.CreatedAt = now
	}

	query := `
		INSERT INTO segments (
			id, name, description, expression, outreach, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	` + r.upsert("id", "name", "description", "expression", "outreach", "enabled", "updated_at")

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		seg.ID, seg.Name, seg.Description, seg.Expression,
		outreach, enabled, seg.CreatedAt.UTC(), now,
	)
	return err
}

// GetSegment retrieves a segment by ID.
func (r *SQLRepository) GetSegment(ctx context.Context, id string) (*domain.Segment, error) {
	query := `
		SELECT id, name, description, expression, outreach, enabled, created_at
		FROM segments
		WHERE id = ?
	`

	seg, err := scanSegment(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return seg, nil
}

// ListSegments returns every stored segment ordered by ID.
func (r *SQLRepository) ListSegments(ctx context.Context) ([]*domain.Segment, error) {
	query := `
		SELECT id, name, description, expression, outreach, enabled, created_at
		FROM segments
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var segments []*domain.Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}

	return segments, rows.Err()
}

// DeleteSegment removes a segment.
func (r *SQLRepository) DeleteSegment(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM segments WHERE id = ?`), id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSegment(row rowScanner) (*domain.Segment, error) {
	var seg domain.Segment
	var description sql.NullString
	var outreach, enabled int

	if err := row.Scan(
		&seg.ID, &seg.Name, &description, &seg.Expression,
		&outreach, &enabled, &seg.CreatedAt,
	); err != nil {
		return nil, err
	}

	seg.Description = description.String
	seg.Outreach = outreach == 1
	seg.Enabled = enabled == 1
	seg.CreatedAt = seg.CreatedAt.UTC()
	return &seg, nil
}

// upsert returns the conflict clause updating cols for the driver.
func (r *SQLRepository) upsert(key string, cols ...string) string {
	sets := make([]string, len(cols))
	if r.driver == "mysql" {
		for i, c := range cols {
			sets[i] = fmt.Sprintf("%s = VALUES(%s)", c, c)
		}
		return " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
	}
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = excluded.%s", c, c)
	}
	return fmt.Sprintf(" ON CONFLICT(%s) DO UPDATE SET %s", key, strings.Join(sets, ", "))
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

var _ domain.Repository = (*SQLRepository)(nil)
