package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"dev.helix.rag/internal/config"
)

// PostgresDB wraps a pgx connection pool for the document and memory stores.
type PostgresDB struct {
	pool *pgxpool.Pool
	log  *logrus.Logger
}

func NewPostgresDB(cfg *config.DatabaseConfig, logger *logrus.Logger) (*PostgresDB, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database config is required")
	}
	if logger == nil {
		logger = logrus.New()
	}

	pool, err := pgxpool.New(context.Background(), cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := pool.Ping(ctx); err != nil {
		logger.WithError(err).Warn("Database connection test failed")
	} else {
		logger.WithField("database", cfg.Name).Info("Connected to PostgreSQL")
	}

	return &PostgresDB{pool: pool, log: logger}, nil
}

func (p *PostgresDB) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresDB) Close() error {
	p.pool.Close()
	return nil
}

// GetPool returns the underlying connection pool
func (p *PostgresDB) GetPool() *pgxpool.Pool {
	return p.pool
}

// HealthCheck performs a health check on the database.
func (p *PostgresDB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return p.pool.Ping(ctx)
}

// Migrate applies the schema migrations in order.
func (p *PostgresDB) Migrate(ctx context.Context) error {
	for i, migration := range migrations {
		if _, err := p.pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", i, err)
		}
	}

	p.log.WithField("count", len(migrations)).Info("Migrations applied")
	return nil
}

var migrations = []string{
	`CREATE EXTENSION IF NOT EXISTS "uuid-ossp"`,

	`CREATE TABLE IF NOT EXISTS documents (
		id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		source VARCHAR(1000) NOT NULL,
		content_hash VARCHAR(64) NOT NULL,
		chunk_count INTEGER NOT NULL DEFAULT 0,
		metadata JSONB DEFAULT '{}',
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS document_chunks (
		id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		document_id UUID REFERENCES documents(id) ON DELETE CASCADE,
		chunk_index INTEGER NOT NULL,
		content TEXT NOT NULL,
		start_char INTEGER NOT NULL DEFAULT 0,
		end_char INTEGER NOT NULL DEFAULT 0,
		metadata JSONB DEFAULT '{}',
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		UNIQUE (document_id, chunk_index)
	)`,

	`CREATE TABLE IF NOT EXISTS memory_items (
		id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		tier VARCHAR(20) NOT NULL,
		owner_id VARCHAR(255) NOT NULL DEFAULT '',
		conversation_id VARCHAR(255) NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		embedding JSONB,
		importance DOUBLE PRECISION NOT NULL DEFAULT 0.5,
		metadata JSONB DEFAULT '{}',
		access_count INTEGER NOT NULL DEFAULT 0,
		last_accessed TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		expires_at TIMESTAMP WITH TIME ZONE,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_documents_source ON documents(source)`,
	`CREATE INDEX IF NOT EXISTS idx_documents_content_hash ON documents(content_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_document_chunks_document_id ON document_chunks(document_id)`,
	`CREATE INDEX IF NOT EXISTS idx_document_chunks_content_tsv
		ON document_chunks USING GIN (to_tsvector('english', content))`,
	`CREATE INDEX IF NOT EXISTS idx_memory_items_tier ON memory_items(tier)`,
	`CREATE INDEX IF NOT EXISTS idx_memory_items_owner_id ON memory_items(owner_id)`,
	`CREATE INDEX IF NOT EXISTS idx_memory_items_conversation_id ON memory_items(conversation_id)`,
	`CREATE INDEX IF NOT EXISTS idx_memory_items_expires_at ON memory_items(expires_at)`,
	`CREATE INDEX IF NOT EXISTS idx_memory_items_importance ON memory_items(importance)`,
}
