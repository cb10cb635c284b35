package repository

// Schema definitions for the refill database, one statement per entry so
// every driver can run them without multi-statement support.

const sqliteTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    batch_id TEXT NOT NULL,
    customer_id TEXT NOT NULL,
    product_id TEXT NOT NULL,
    order_id TEXT NOT NULL,
    tx_date TIMESTAMP NOT NULL,
    quantity REAL NOT NULL,
    unit_price REAL NOT NULL,
    total REAL NOT NULL,
    is_refund INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
)`

const sqliteSegments = `
CREATE TABLE IF NOT EXISTS segments (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    expression TEXT NOT NULL,
    outreach INTEGER NOT NULL DEFAULT 0,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`

const postgresTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    batch_id TEXT NOT NULL,
    customer_id TEXT NOT NULL,
    product_id TEXT NOT NULL,
    order_id TEXT NOT NULL,
    tx_date TIMESTAMP NOT NULL,
    quantity DOUBLE PRECISION NOT NULL,
    unit_price DOUBLE PRECISION NOT NULL,
    total DOUBLE PRECISION NOT NULL,
    is_refund INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
)`

const postgresSegments = `
CREATE TABLE IF NOT EXISTS segments (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    expression TEXT NOT NULL,
    outreach INTEGER NOT NULL DEFAULT 0,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`

const mysqlTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id VARCHAR(64) PRIMARY KEY,
    batch_id VARCHAR(64) NOT NULL,
    customer_id VARCHAR(191) NOT NULL,
    product_id VARCHAR(191) NOT NULL,
    order_id VARCHAR(191) NOT NULL,
    tx_date DATETIME(6) NOT NULL,
    quantity DOUBLE NOT NULL,
    unit_price DOUBLE NOT NULL,
    total DOUBLE NOT NULL,
    is_refund TINYINT NOT NULL DEFAULT 0,
    created_at DATETIME(6) NOT NULL,
    INDEX idx_transactions_pair (customer_id, product_id),
    INDEX idx_transactions_date (tx_date)
)`

const mysqlSegments = `
CREATE TABLE IF NOT EXISTS segments (
    id VARCHAR(64) PRIMARY KEY,
    name VARCHAR(191) NOT NULL,
    description TEXT,
    expression TEXT NOT NULL,
    outreach TINYINT NOT NULL DEFAULT 0,
    enabled TINYINT NOT NULL DEFAULT 1,
    created_at DATETIME(6) NOT NULL,
    updated_at DATETIME(6) NOT NULL
)`

// Shared by SQLite and PostgreSQL; MySQL declares its indexes inline.
var commonIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_transactions_pair ON transactions(customer_id, product_id)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_date ON transactions(tx_date)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_batch ON transactions(batch_id)`,
}

// Schemas returns the schema statements for a driver, in order.
func Schemas(driver string) []string {
	switch driver {
	case "postgres":
		return append([]string{postgresTransactions, postgresSegments}, commonIndexes...)
	case "mysql":
		return []string{mysqlTransactions, mysqlSegments}
	default:
		return append([]string{sqliteTransactions, sqliteSegments}, commonIndexes...)
	}
}
