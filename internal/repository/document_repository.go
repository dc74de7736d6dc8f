package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type Dialect string

const (
	DialectMySQL  Dialect = "mysql"
	DialectSQLite Dialect = "sqlite"
)

type Document struct {
	Collection string
	ID         string
	Data       []byte
	Revision   int64
	UpdatedAt  time.Time
}

type DocumentRepository struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

func NewDocumentRepository(db *sql.DB, dialect Dialect) *DocumentRepository {
	return &DocumentRepository{db: db, dialect: dialect, now: time.Now}
}

func (r *DocumentRepository) DB() *sql.DB {
	return r.db
}

func (r *DocumentRepository) Find(ctx context.Context, collection, id string) (*Document, error) {
	const query = `
SELECT data, revision, updated_at FROM documents
WHERE collection = ? AND doc_id = ?`
	row := r.db.QueryRowContext(ctx, query, collection, id)
	doc, err := scanDocument(row, collection, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find document: %w", err)
	}
	return doc, nil
}

// Modify applies fn to the current document body (nil when absent) inside a
// transaction and stores the result with the next revision.
func (r *DocumentRepository) Modify(ctx context.Context, collection, id string, fn func(current []byte) ([]byte, error)) (*Document, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	query := `
SELECT data, revision, updated_at FROM documents
WHERE collection = ? AND doc_id = ?`
	if r.dialect == DialectMySQL {
		query += ` FOR UPDATE`
	}

	var current []byte
	var revision int64
	existing, err := scanDocument(tx.QueryRowContext(ctx, query, collection, id), collection, id)
	switch {
	case err == nil:
		current = existing.Data
		revision = existing.Revision
	case errors.Is(err, sql.ErrNoRows):
	default:
		return nil, fmt.Errorf("lock document: %w", err)
	}

	data, err := fn(current)
	if err != nil {
		return nil, err
	}

	doc := &Document{
		Collection: collection,
		ID:         id,
		Data:       data,
		Revision:   revision + 1,
		UpdatedAt:  r.now().UTC(),
	}
	stamp := doc.UpdatedAt.UnixMilli()

	if existing == nil {
		const insert = `
INSERT INTO documents (collection, doc_id, data, revision, updated_at)
VALUES (?, ?, ?, ?, ?)`
		if _, err := tx.ExecContext(ctx, insert, collection, id, string(data), doc.Revision, stamp); err != nil {
			return nil, fmt.Errorf("insert document: %w", err)
		}
	} else {
		const update = `
UPDATE documents SET data = ?, revision = ?, updated_at = ?
WHERE collection = ? AND doc_id = ?`
		if _, err := tx.ExecContext(ctx, update, string(data), doc.Revision, stamp, collection, id); err != nil {
			return nil, fmt.Errorf("update document: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit document tx: %w", err)
	}
	doc.UpdatedAt = time.UnixMilli(stamp).UTC()
	return doc, nil
}

func (r *DocumentRepository) Put(ctx context.Context, collection, id string, data []byte) (*Document, error) {
	return r.Modify(ctx, collection, id, func([]byte) ([]byte, error) {
		return data, nil
	})
}

func scanDocument(row *sql.Row, collection, id string) (*Document, error) {
	var data []byte
	var revision, stamp int64
	if err := row.Scan(&data, &revision, &stamp); err != nil {
		return nil, err
	}
	return &Document{
		Collection: collection,
		ID:         id,
		Data:       data,
		Revision:   revision,
		UpdatedAt:  time.UnixMilli(stamp).UTC(),
	}, nil
}
