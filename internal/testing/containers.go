//go:build integration

// Package testing starts throwaway pgvector and Redis containers for the
// integration tests.
package testing

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/alqutdigital/legal-rag-eval/internal/storage"
)

type ContainerConfig struct {
	PostgresImage string
	RedisImage    string
	// Database, User and Password are used for the pgvector container.
	Database, User, Password string
	// EmbeddingDim sizes the vector column of the chunk table.
	EmbeddingDim int
	Timeout      time.Duration
}

func DefaultContainerConfig() ContainerConfig {
	return ContainerConfig{
		PostgresImage: "pgvector/pgvector:pg16",
		RedisImage:    "redis:7-alpine",
		Database:      "evaldb",
		User:          "evaluser",
		Password:      "evalpass",
		EmbeddingDim:  8,
		Timeout:       time.Minute,
	}
}

// TestContainers starts containers on demand and terminates whatever it
// started in Cleanup.
type TestContainers struct {
	cfg ContainerConfig
	log *slog.Logger

	pg  *postgres.PostgresContainer
	rdb *redis.RedisContainer
}

func NewTestContainers(cfg ContainerConfig, logger *slog.Logger) *TestContainers {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultContainerConfig().Timeout
	}
	return &TestContainers{cfg: cfg, log: logger.With("component", "testcontainers")}
}

// StartPostgres runs pgvector and creates the chunk table the retrievers
// read from.
func (tc *TestContainers) StartPostgres(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, tc.cfg.Timeout)
	defer cancel()

	start := time.Now()
	c, err := postgres.Run(ctx, tc.cfg.PostgresImage,
		postgres.WithDatabase(tc.cfg.Database),
		postgres.WithUsername(tc.cfg.User),
		postgres.WithPassword(tc.cfg.Password),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return fmt.Errorf("run %s: %w", tc.cfg.PostgresImage, err)
	}
	tc.pg = c
	tc.log.Info("postgres ready", "image", tc.cfg.PostgresImage, "elapsed", time.Since(start))

	return tc.withDB(ctx, func(db *sql.DB) error {
		for _, stmt := range schema(tc.cfg.EmbeddingDim) {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply schema: %w", err)
			}
		}
		return nil
	})
}

func (tc *TestContainers) StartRedis(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, tc.cfg.Timeout)
	defer cancel()

	start := time.Now()
	c, err := redis.Run(ctx, tc.cfg.RedisImage)
	if err != nil {
		return fmt.Errorf("run %s: %w", tc.cfg.RedisImage, err)
	}
	tc.rdb = c
	tc.log.Info("redis ready", "image", tc.cfg.RedisImage, "elapsed", time.Since(start))
	return nil
}

// PostgresConfig points storage.NewPostgres at the running container.
func (tc *TestContainers) PostgresConfig(ctx context.Context) (storage.PostgresConfig, error) {
	if tc.pg == nil {
		return storage.PostgresConfig{}, errors.New("postgres container not started")
	}
	host, port, err := endpoint(ctx, tc.pg, func() (int, error) {
		p, err := tc.pg.MappedPort(ctx, "5432/tcp")
		return p.Int(), err
	})
	if err != nil {
		return storage.PostgresConfig{}, err
	}
	return storage.PostgresConfig{
		Host:         host,
		Port:         port,
		User:         tc.cfg.User,
		Password:     tc.cfg.Password,
		Database:     tc.cfg.Database,
		SSLMode:      "disable",
		MaxOpenConns: 4,
		MaxIdleConns: 2,
	}, nil
}

func (tc *TestContainers) RedisConfig(ctx context.Context) (storage.RedisConfig, error) {
	if tc.rdb == nil {
		return storage.RedisConfig{}, errors.New("redis container not started")
	}
	host, port, err := endpoint(ctx, tc.rdb, func() (int, error) {
		p, err := tc.rdb.MappedPort(ctx, "6379/tcp")
		return p.Int(), err
	})
	if err != nil {
		return storage.RedisConfig{}, err
	}
	return storage.RedisConfig{Host: host, Port: port}, nil
}

// endpoint resolves the host and mapped port of a running container.
func endpoint(ctx context.Context, c testcontainers.Container, mapped func() (int, error)) (string, int, error) {
	host, err := c.Host(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("container host: %w", err)
	}
	port, err := mapped()
	if err != nil {
		return "", 0, fmt.Errorf("container port: %w", err)
	}
	return host, port, nil
}

// Cleanup terminates the started containers. Calling it twice is harmless.
func (tc *TestContainers) Cleanup(context.Context) error {
	var errs []error
	if tc.pg != nil {
		errs = append(errs, testcontainers.TerminateContainer(tc.pg))
		tc.pg = nil
	}
	if tc.rdb != nil {
		errs = append(errs, testcontainers.TerminateContainer(tc.rdb))
		tc.rdb = nil
	}
	return errors.Join(errs...)
}

// withDB opens a read-write connection; storage.NewPostgres sessions are
// read-only.
func (tc *TestContainers) withDB(ctx context.Context, fn func(*sql.DB) error) error {
	dsn, err := tc.pg.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return fmt.Errorf("postgres connection string: %w", err)
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db)
}

func schema(dim int) []string {
	t := storage.DefaultChunkTable
	return []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id         TEXT PRIMARY KEY,
			collection TEXT NOT NULL,
			content    TEXT NOT NULL,
			metadata   JSONB NOT NULL DEFAULT '{}',
			embedding  vector(%d)
		)`, t, dim),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_collection_idx ON %[1]s (collection)`, t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_content_fts_idx ON %[1]s USING GIN (to_tsvector('english', content))`, t),
	}
}

// SeedChunk is one row of the chunk table.
type SeedChunk struct {
	ID         string
	Collection string
	Content    string
	Metadata   map[string]any
	Embedding  []float32
}

// Seed bulk-loads chunks with COPY in a single transaction.
func (tc *TestContainers) Seed(ctx context.Context, chunks []SeedChunk) error {
	if tc.pg == nil {
		return errors.New("postgres container not started")
	}
	return tc.withDB(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck

		stmt, err := tx.PrepareContext(ctx, pq.CopyIn(storage.DefaultChunkTable, "id", "collection", "content", "metadata", "embedding"))
		if err != nil {
			return fmt.Errorf("prepare copy: %w", err)
		}
		for _, c := range chunks {
			meta, err := json.Marshal(c.Metadata)
			if err != nil {
				return fmt.Errorf("chunk %s metadata: %w", c.ID, err)
			}
			var vec any
			if len(c.Embedding) > 0 {
				vec = vectorLiteral(c.Embedding)
			}
			if _, err := stmt.ExecContext(ctx, c.ID, c.Collection, c.Content, string(meta), vec); err != nil {
				return fmt.Errorf("copy chunk %s: %w", c.ID, err)
			}
		}
		if _, err := stmt.ExecContext(ctx); err != nil {
			return fmt.Errorf("flush copy: %w", err)
		}
		if err := stmt.Close(); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// vectorLiteral renders v in pgvector's text input format.
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(x), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
