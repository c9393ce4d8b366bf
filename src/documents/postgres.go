// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package documents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const DefaultTable = "documents"

// PostgresStore keeps documents in a Postgres table.
type PostgresStore struct {
	db    *sql.DB
	table string
}

// NewPostgresStore uses db as is; call EnsureSchema once before use.
func NewPostgresStore(db *sql.DB, table string) *PostgresStore {
	if table == "" {
		table = DefaultTable
	}
	return &PostgresStore{db: db, table: pq.QuoteIdentifier(table)}
}

// OpenPostgres opens and pings a lib/pq connection.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+p.table+` (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			mime_type  TEXT NOT NULL,
			data       BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("create %s: %w", p.table, err)
	}
	return nil
}

func (p *PostgresStore) Put(ctx context.Context, doc Document) (Document, error) {
	doc.ID = ContentID(doc.Data)
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO `+p.table+` (id, name, mime_type, data) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING`,
		doc.ID, doc.Name, doc.MimeType, doc.Data)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			return Document{}, fmt.Errorf("store document (%s): %w", pqErr.Code.Name(), err)
		}
		return Document{}, fmt.Errorf("store document: %w", err)
	}
	return p.meta(ctx, doc.ID)
}

func (p *PostgresStore) Get(ctx context.Context, id string) (Document, error) {
	var doc Document
	err := p.db.QueryRowContext(ctx,
		`SELECT id, name, mime_type, data, created_at FROM `+p.table+` WHERE id = $1`, id,
	).Scan(&doc.ID, &doc.Name, &doc.MimeType, &doc.Data, &doc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("load document %s: %w", id, err)
	}
	return doc, nil
}

func (p *PostgresStore) meta(ctx context.Context, id string) (Document, error) {
	var doc Document
	err := p.db.QueryRowContext(ctx,
		`SELECT id, name, mime_type, created_at FROM `+p.table+` WHERE id = $1`, id,
	).Scan(&doc.ID, &doc.Name, &doc.MimeType, &doc.CreatedAt)
	if err != nil {
		return Document{}, fmt.Errorf("load document %s: %w", id, err)
	}
	return doc, nil
}
