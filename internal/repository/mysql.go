package repository

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/opensource-finance/refill/internal/domain"
)

// openMySQL opens a MySQL or MariaDB connection.
func openMySQL(cfg domain.RepositoryConfig) (*sql.DB, error) {
	dsn, err := mysqlDSN(cfg.MySQLDSN)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql database: %w", err)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping mysql database: %w", err)
	}

	return db, nil
}

// mysqlDSN converts a mysql:// or mariadb:// URL to a driver DSN. Native
// DSNs are parsed and get parseTime and UTC forced on.
func mysqlDSN(dsn string) (string, error) {
	if dsn == "" {
		return "", fmt.Errorf("%w: mysql dsn is required", ErrInvalidInput)
	}

	var c *mysql.Config
	if strings.HasPrefix(dsn, "mariadb://") || strings.HasPrefix(dsn, "mysql://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("parse dsn: %w", err)
		}

		c = mysql.NewConfig()
		if u.User != nil {
			c.User = u.User.Username()
			c.Passwd, _ = u.User.Password()
		}
		c.Net = "tcp"
		c.Addr = u.Host
		c.DBName = strings.TrimPrefix(u.Path, "/")
		if c.User == "" || c.Addr == "" || c.DBName == "" {
			return "", fmt.Errorf("%w: incomplete dsn (user/host/db)", ErrInvalidInput)
		}
	} else {
		parsed, err := mysql.ParseDSN(dsn)
		if err != nil {
			return "", fmt.Errorf("parse dsn: %w", err)
		}
		c = parsed
	}

	c.ParseTime = true
	c.Loc = time.UTC
	c.InterpolateParams = true

	return c.FormatDSN(), nil
}
