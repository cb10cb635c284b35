// Package domain defines the core interfaces and types for the refill engine.
package domain

import (
	"context"
	"time"
)

// Repository is the Transaction Source backed by a database, plus the
// stored outreach segments.
type Repository interface {
	// Transaction operations
	SaveTransactions(ctx context.Context, txs []Transaction) (int, error)
	ListTransactions(ctx context.Context) ([]Transaction, error)
	CountTransactions(ctx context.Context) (int, error)

	// Segment operations
	SaveSegment(ctx context.Context, seg *Segment) error
	GetSegment(ctx context.Context, id string) (*Segment, error)
	ListSegments(ctx context.Context) ([]*Segment, error)
	DeleteSegment(ctx context.Context, id string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite", "postgres" or "mysql"
	Driver string `json:"driver" yaml:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath" yaml:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `json:"postgresHost" yaml:"postgresHost"`
	PostgresPort     int    `json:"postgresPort" yaml:"postgresPort"`
	PostgresUser     string `json:"postgresUser" yaml:"postgresUser"`
	PostgresPassword string `json:"postgresPassword" yaml:"postgresPassword"`
	PostgresDB       string `json:"postgresDb" yaml:"postgresDb"`
	PostgresSSLMode  string `json:"postgresSslMode" yaml:"postgresSslMode"`

	// MySQL/MariaDB specific: a mysql:// or mariadb:// URL, or a native DSN
	MySQLDSN string `json:"mysqlDsn" yaml:"mysqlDsn"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns" yaml:"maxOpenConns"`
	MaxIdleConns    int           `json:"maxIdleConns" yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" yaml:"connMaxLifetime"`
}
