// Package storage provides SQLite implementation of the Storage interface.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/hyperjump/kioku/internal/models"
)

// pageSize bounds how many rows a lazy iterator reads per query.
const pageSize = 256

const itemColumns = `id, image_path, captured_at, description, tags, status, last_error, attempts, created_at, updated_at`

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

var _ Storage = (*SQLiteStorage)(nil)

// NewSQLiteStorage opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	memory := dbPath == ":memory:"
	if !memory {
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if memory {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// newWithDB wraps an already initialized handle.
func newWithDB(db *sql.DB) *SQLiteStorage {
	return &SQLiteStorage{db: db}
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		image_path TEXT NOT NULL UNIQUE,
		captured_at INTEGER NOT NULL,
		description TEXT,
		tags TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		last_error TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_items_status ON items(status, id);
	CREATE INDEX IF NOT EXISTS idx_items_captured_at ON items(captured_at);

	CREATE TABLE IF NOT EXISTS vectors (
		item_id TEXT PRIMARY KEY,
		codeword BLOB NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (item_id) REFERENCES items(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS index_meta (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		scheme TEXT,
		dimension INTEGER,
		generation INTEGER NOT NULL DEFAULT 0
	);

	INSERT OR IGNORE INTO index_meta (id, generation) VALUES (1, 0);
	`
	_, err := db.Exec(schema)
	return err
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, models.ErrStorage, err)
}

func notFound(id string) error {
	return fmt.Errorf("item %s: %w", id, models.ErrNotFound)
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// CreateItem inserts a new item and returns its id. A fresh time-ordered id is
// assigned when item.ID is empty; ids are never reused.
func (s *SQLiteStorage) CreateItem(ctx context.Context, item *models.Item) (string, error) {
	if strings.TrimSpace(item.ImagePath) == "" {
		return "", fmt.Errorf("%w: image path cannot be empty", models.ErrValidation)
	}
	if item.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("generate id: %w", err)
		}
		item.ID = id.String()
	}
	if item.Status == "" {
		item.Status = models.StatusPending
	}
	if item.CapturedAt.IsZero() {
		item.CapturedAt = time.Now().UTC()
	}
	now := time.Now().UTC()
	item.CreatedAt = now
	item.UpdatedAt = now

	tagsJSON, err := encodeTags(item.Tags)
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO items (id, image_path, captured_at, description, tags, status, last_error, attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.ImagePath, item.CapturedAt.UTC().UnixNano(), nullString(item.Description), tagsJSON,
		string(item.Status), item.LastError, item.Attempts, item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("%w: item already exists for %s", models.ErrValidation, item.ImagePath)
		}
		return "", storageErr("create item", err)
	}
	return item.ID, nil
}

// GetItem returns an item by ID.
func (s *SQLiteStorage) GetItem(ctx context.Context, id string) (*models.Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, storageErr("get item", err)
	}
	return item, nil
}

// GetItemByImagePath returns the item referencing path.
func (s *SQLiteStorage) GetItemByImagePath(ctx context.Context, path string) (*models.Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE image_path = ?`, path)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("item for %s: %w", path, models.ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get item by path", err)
	}
	return item, nil
}

// GetItems returns the items among ids that exist, keyed by id. Missing ids are
// simply absent from the result.
func (s *SQLiteStorage) GetItems(ctx context.Context, ids []string) (map[string]*models.Item, error) {
	out := make(map[string]*models.Item, len(ids))
	for start := 0; start < len(ids); start += pageSize {
		end := min(start+pageSize, len(ids))
		chunk := ids[start:end]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		items, err := s.queryItems(ctx, `SELECT `+itemColumns+` FROM items WHERE id IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, storageErr("get items", err)
		}
		for _, item := range items {
			out[item.ID] = item
		}
	}
	return out, nil
}

// UpdateItem applies a partial update in a single statement.
func (s *SQLiteStorage) UpdateItem(ctx context.Context, id string, update models.ItemUpdate) error {
	var (
		sets []string
		args []any
	)
	if update.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *update.Description)
	}
	if update.Tags != nil {
		tagsJSON, err := encodeTags(models.NormalizeTags(*update.Tags))
		if err != nil {
			return err
		}
		sets = append(sets, "tags = ?")
		args = append(args, tagsJSON)
	}
	if update.Status != nil {
		if _, err := models.ParseStatus(string(*update.Status)); err != nil {
			return err
		}
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, *update.LastError)
	}
	if update.CapturedAt != nil {
		sets = append(sets, "captured_at = ?")
		args = append(args, update.CapturedAt.UTC().UnixNano())
	}
	if len(sets) == 0 {
		_, err := s.GetItem(ctx, id)
		return err
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	result, err := s.db.ExecContext(ctx, `UPDATE items SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return storageErr("update item", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return notFound(id)
	}
	return nil
}

// DeleteItem removes an item and its vector in one transaction.
func (s *SQLiteStorage) DeleteItem(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin delete", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM vectors WHERE item_id = ?`, id); err != nil {
		return storageErr("delete vector", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, id)
	if err != nil {
		return storageErr("delete item", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return notFound(id)
	}
	if err := bumpGeneration(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit delete", err)
	}
	return nil
}

// ListByStatus lazily yields items with the given status in id order. Each range
// over the returned sequence re-runs the query, so it is restartable.
func (s *SQLiteStorage) ListByStatus(ctx context.Context, status models.Status) iter.Seq2[*models.Item, error] {
	return func(yield func(*models.Item, error) bool) {
		after := ""
		for {
			page, err := s.queryItems(ctx,
				`SELECT `+itemColumns+` FROM items WHERE status = ? AND id > ? ORDER BY id LIMIT ?`,
				string(status), after, pageSize)
			if err != nil {
				yield(nil, storageErr("list by status", err))
				return
			}
			for _, item := range page {
				if !yield(item, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			after = page[len(page)-1].ID
		}
	}
}

// ListItems returns a page of items, newest capture first.
func (s *SQLiteStorage) ListItems(ctx context.Context, filter models.ItemFilter) (*models.ItemList, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if tags := models.NormalizeTags(filter.Tags); len(tags) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(tags)), ",")
		where = append(where, `EXISTS (SELECT 1 FROM json_each(items.tags) WHERE json_each.value IN (`+placeholders+`))`)
		for _, t := range tags {
			args = append(args, t)
		}
	}
	if !filter.From.IsZero() {
		where = append(where, "captured_at >= ?")
		args = append(args, filter.From.UTC().UnixNano())
	}
	if !filter.To.IsZero() {
		where = append(where, "captured_at <= ?")
		args = append(args, filter.To.UTC().UnixNano())
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM items`+clause, args...).Scan(&total); err != nil {
		return nil, storageErr("count items", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = models.DefaultSearchLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	items, err := s.queryItems(ctx,
		`SELECT `+itemColumns+` FROM items`+clause+` ORDER BY captured_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, storageErr("list items", err)
	}
	if items == nil {
		items = []*models.Item{}
	}
	return &models.ItemList{Items: items, Total: total, Offset: offset, Limit: limit}, nil
}

// CommitEmbedding atomically stores the pipeline output: description, tags,
// status=embedded and the codeword. Either all of it becomes visible or none.
func (s *SQLiteStorage) CommitEmbedding(ctx context.Context, id string, description string, tags []string, codeword []byte) error {
	if len(codeword) == 0 {
		return fmt.Errorf("%w: empty codeword", models.ErrValidation)
	}
	tagsJSON, err := encodeTags(models.NormalizeTags(tags))
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin commit", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE items SET description = ?, tags = ?, status = ?, last_error = '', updated_at = ? WHERE id = ?`,
		description, tagsJSON, string(models.StatusEmbedded), now, id,
	)
	if err != nil {
		return storageErr("commit item", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return notFound(id)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO vectors (item_id, codeword, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(item_id) DO UPDATE SET codeword = excluded.codeword, updated_at = excluded.updated_at`,
		id, codeword, now,
	); err != nil {
		return storageErr("commit vector", err)
	}
	if err := bumpGeneration(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit embedding", err)
	}
	return nil
}

// MarkFailed moves an item to failed and records reason. Description and tags are untouched.
func (s *SQLiteStorage) MarkFailed(ctx context.Context, id string, reason string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE items SET status = ?, last_error = ?, attempts = attempts + 1, updated_at = ? WHERE id = ?`,
		string(models.StatusFailed), reason, time.Now().UTC(), id,
	)
	if err != nil {
		return storageErr("mark failed", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return notFound(id)
	}
	return nil
}

// RecordError stores reason without changing the status.
func (s *SQLiteStorage) RecordError(ctx context.Context, id string, reason string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE items SET last_error = ?, attempts = attempts + 1, updated_at = ? WHERE id = ?`,
		reason, time.Now().UTC(), id,
	)
	if err != nil {
		return storageErr("record error", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return notFound(id)
	}
	return nil
}

// EnsureVectorScheme records the codec scheme on first use and rejects a
// different scheme or dimension afterwards.
func (s *SQLiteStorage) EnsureVectorScheme(ctx context.Context, scheme string, dimension int) error {
	var (
		stored    sql.NullString
		storedDim sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `SELECT scheme, dimension FROM index_meta WHERE id = 1`).Scan(&stored, &storedDim)
	if err != nil {
		return storageErr("read vector scheme", err)
	}
	if !stored.Valid {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE index_meta SET scheme = ?, dimension = ? WHERE id = 1`, scheme, dimension); err != nil {
			return storageErr("write vector scheme", err)
		}
		return nil
	}
	if stored.String != scheme || int(storedDim.Int64) != dimension {
		return fmt.Errorf("%w: store holds %s/%d codewords, codec is %s/%d",
			models.ErrValidation, stored.String, storedDim.Int64, scheme, dimension)
	}
	return nil
}

// GetVector returns the codeword of an item.
func (s *SQLiteStorage) GetVector(ctx context.Context, id string) ([]byte, error) {
	var cw []byte
	err := s.db.QueryRowContext(ctx, `SELECT codeword FROM vectors WHERE item_id = ?`, id).Scan(&cw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("vector for item %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get vector", err)
	}
	return cw, nil
}

// Vectors lazily yields every persisted codeword in item id order.
func (s *SQLiteStorage) Vectors(ctx context.Context) iter.Seq2[VectorRecord, error] {
	return func(yield func(VectorRecord, error) bool) {
		after := ""
		for {
			page, err := s.vectorPage(ctx, after)
			if err != nil {
				yield(VectorRecord{}, storageErr("list vectors", err))
				return
			}
			for _, rec := range page {
				if !yield(rec, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			after = page[len(page)-1].ItemID
		}
	}
}

func (s *SQLiteStorage) vectorPage(ctx context.Context, after string) ([]VectorRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id, codeword FROM vectors WHERE item_id > ? ORDER BY item_id LIMIT ?`, after, pageSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var page []VectorRecord
	for rows.Next() {
		var rec VectorRecord
		if err := rows.Scan(&rec.ItemID, &rec.Codeword); err != nil {
			return nil, err
		}
		page = append(page, rec)
	}
	return page, rows.Err()
}

// VectorGeneration returns a counter bumped by every vector write or delete.
// Snapshots of the in-memory index record it to detect staleness.
func (s *SQLiteStorage) VectorGeneration(ctx context.Context) (int64, error) {
	var gen int64
	if err := s.db.QueryRowContext(ctx, `SELECT generation FROM index_meta WHERE id = 1`).Scan(&gen); err != nil {
		return 0, storageErr("read generation", err)
	}
	return gen, nil
}

func bumpGeneration(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `UPDATE index_meta SET generation = generation + 1 WHERE id = 1`); err != nil {
		return storageErr("bump generation", err)
	}
	return nil
}

// Counts returns the number of items per status.
func (s *SQLiteStorage) Counts(ctx context.Context) (map[models.Status]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM items GROUP BY status`)
	if err != nil {
		return nil, storageErr("count by status", err)
	}
	defer rows.Close()

	counts := map[models.Status]int64{
		models.StatusPending:  0,
		models.StatusEmbedded: 0,
		models.StatusFailed:   0,
	}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, storageErr("count by status", err)
		}
		counts[models.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("count by status", err)
	}
	return counts, nil
}

// CountVectors returns the number of persisted codewords.
func (s *SQLiteStorage) CountVectors(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vectors`).Scan(&count); err != nil {
		return 0, storageErr("count vectors", err)
	}
	return count, nil
}

// TagCounts returns every tag in use with its item count, most used first.
func (s *SQLiteStorage) TagCounts(ctx context.Context) ([]models.TagCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT j.value, COUNT(*) FROM items, json_each(items.tags) AS j
		 GROUP BY j.value ORDER BY COUNT(*) DESC, j.value`)
	if err != nil {
		return nil, storageErr("tag counts", err)
	}
	defer rows.Close()

	out := []models.TagCount{}
	for rows.Next() {
		var tc models.TagCount
		if err := rows.Scan(&tc.Tag, &tc.Count); err != nil {
			return nil, storageErr("tag counts", err)
		}
		out = append(out, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("tag counts", err)
	}
	return out, nil
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) queryItems(ctx context.Context, query string, args ...any) ([]*models.Item, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*models.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (*models.Item, error) {
	var (
		item        models.Item
		capturedAt  int64
		description sql.NullString
		tags        sql.NullString
		status      string
	)
	err := row.Scan(&item.ID, &item.ImagePath, &capturedAt, &description, &tags, &status,
		&item.LastError, &item.Attempts, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, err
	}
	item.CapturedAt = time.Unix(0, capturedAt).UTC()
	item.Status = models.Status(status)
	if description.Valid {
		d := description.String
		item.Description = &d
	}
	if tags.Valid {
		if err := json.Unmarshal([]byte(tags.String), &item.Tags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
		}
		if item.Tags == nil {
			item.Tags = []string{}
		}
	}
	return &item, nil
}

func encodeTags(tags []string) (any, error) {
	if tags == nil {
		return nil, nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tags: %w", err)
	}
	return string(b), nil
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
