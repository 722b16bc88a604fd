// Package storage defines the persistence interface for screenshot items and their codewords.
package storage

import (
	"context"
	"iter"

	"github.com/hyperjump/kioku/internal/models"
)

// VectorRecord is a persisted codeword and the item it belongs to.
type VectorRecord struct {
	ItemID   string
	Codeword []byte
}

// Storage is the durable source of truth. The vector index, similarity graph and
// keyword index are all derived from it and can be rebuilt from it.
type Storage interface {
	// Item operations
	CreateItem(ctx context.Context, item *models.Item) (string, error)
	GetItem(ctx context.Context, id string) (*models.Item, error)
	GetItemByImagePath(ctx context.Context, path string) (*models.Item, error)
	GetItems(ctx context.Context, ids []string) (map[string]*models.Item, error)
	UpdateItem(ctx context.Context, id string, update models.ItemUpdate) error
	DeleteItem(ctx context.Context, id string) error
	ListByStatus(ctx context.Context, status models.Status) iter.Seq2[*models.Item, error]
	ListItems(ctx context.Context, filter models.ItemFilter) (*models.ItemList, error)

	// Pipeline transitions
	CommitEmbedding(ctx context.Context, id string, description string, tags []string, codeword []byte) error
	MarkFailed(ctx context.Context, id string, reason string) error
	RecordError(ctx context.Context, id string, reason string) error

	// Vector operations
	EnsureVectorScheme(ctx context.Context, scheme string, dimension int) error
	GetVector(ctx context.Context, id string) ([]byte, error)
	Vectors(ctx context.Context) iter.Seq2[VectorRecord, error]
	VectorGeneration(ctx context.Context) (int64, error)

	// Stats
	Counts(ctx context.Context) (map[models.Status]int64, error)
	CountVectors(ctx context.Context) (int64, error)
	TagCounts(ctx context.Context) ([]models.TagCount, error)

	Close() error
}
