package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	_ "github.com/lib/pq"
)

// ErrNoVectorExtension is reported by Health when pgvector is not installed.
var ErrNoVectorExtension = errors.New("pgvector extension not installed")

// PostgresConfig holds PostgreSQL connection configuration.
type PostgresConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Database     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
	// StatementTimeout caps every query server-side; 0 leaves the server default.
	StatementTimeout time.Duration
}

// DSN returns a lib/pq connection URL. Sessions are read-only: the
// evaluator never writes to an index.
func (cfg PostgresConfig) DSN() string {
	q := url.Values{}
	if cfg.SSLMode != "" {
		q.Set("sslmode", cfg.SSLMode)
	}
	q.Set("application_name", "legal-rag-eval")
	q.Set("default_transaction_read_only", "on")
	if cfg.StatementTimeout > 0 {
		q.Set("statement_timeout", strconv.FormatInt(cfg.StatementTimeout.Milliseconds(), 10))
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:     "/" + cfg.Database,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// PostgresDB wraps the database connection pool.
type PostgresDB struct {
	*sql.DB
	config PostgresConfig
}

// NewPostgres opens a pool and verifies it can reach the server.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresDB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	lifetime := cfg.MaxLifetime
	if lifetime <= 0 {
		lifetime = 30 * time.Minute
	}
	db.SetConnMaxLifetime(lifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database %s@%s:%d: %w", cfg.Database, cfg.Host, cfg.Port, err)
	}

	return &PostgresDB{DB: db, config: cfg}, nil
}

// VectorExtension returns the installed pgvector version.
func (db *PostgresDB) VectorExtension(ctx context.Context) (string, error) {
	var version string
	err := db.QueryRowContext(ctx, `SELECT extversion FROM pg_extension WHERE extname = 'vector'`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoVectorExtension
	}
	if err != nil {
		return "", fmt.Errorf("failed to query extensions: %w", err)
	}
	return version, nil
}

// Health checks connectivity and that pgvector is available.
func (db *PostgresDB) Health(ctx context.Context) error {
	if err := db.PingContext(ctx); err != nil {
		return err
	}
	_, err := db.VectorExtension(ctx)
	return err
}

// Close closes the database connection pool.
func (db *PostgresDB) Close() error {
	return db.DB.Close()
}
