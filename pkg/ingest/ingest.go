// Package ingest admits raw content into a dataset. Ingestion is the only
// way items come into existence; the pipeline later drives them through
// extraction.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loomkg/loom/internal/storage"
	"github.com/loomkg/loom/pkg/classify"
	"github.com/loomkg/loom/pkg/common"
	"github.com/loomkg/loom/pkg/logger"
	"github.com/loomkg/loom/pkg/permission"
	"github.com/loomkg/loom/pkg/store"
)

// BlobStore persists raw item content outside the relational store.
type BlobStore interface {
	Put(ctx context.Context, key string, content []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// HashContent computes the content fingerprint used for deduplication:
// lowercase hex SHA-256 over the normalized bytes.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Service admits content into datasets for one tenant.
type Service struct {
	bundle *store.Bundle
	guard  *permission.Guard
	blobs  BlobStore
	now    func() time.Time
}

// NewServiceParams configures a Service.
type NewServiceParams struct {
	Bundle *store.Bundle
	Guard  *permission.Guard
	Blobs  BlobStore
	// Now overrides the clock; nil means time.Now. Tests use it for stable
	// timestamps.
	Now func() time.Time
}

// NewService creates a Service and ensures the items table exists.
func NewService(ctx context.Context, params NewServiceParams) (*Service, error) {
	s := &Service{
		bundle: params.Bundle,
		guard:  params.Guard,
		blobs:  params.Blobs,
		now:    params.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if err := EnsureItemsTable(ctx, s.bundle.Relational, s.bundle.Table(ItemsTable)); err != nil {
		return nil, fmt.Errorf("failed to create items table: %w", err)
	}
	return s, nil
}

// AddOptions are the recognized ingestion options.
type AddOptions struct {
	// Label overrides the derived display name.
	Label string
	// NodeSet tags the item for downstream graph partitioning.
	NodeSet []string
}

// Add admits content into a dataset on behalf of subject.
//
// Content identical to an already ingested item of the same dataset
// collapses to the existing item: the stored row is returned unchanged, no
// error, no status change. New content is persisted as an unprocessed item
// row plus a raw-content blob.
func (s *Service) Add(ctx context.Context, subject string, content []byte, datasetID string, opts AddOptions) (common.Item, error) {
	if err := s.guard.Authorize(ctx, subject, datasetID, common.PermissionWrite); err != nil {
		return common.Item{}, err
	}

	detected := classify.Detect(content)
	normalized := content
	if detected.Category == classify.CategoryText {
		normalized = classify.Normalize(content)
	}
	hash := HashContent(normalized)

	table := s.bundle.Table(ItemsTable)
	existing, err := s.bundle.Relational.QueryRows(ctx, table, store.Row{
		"content_hash": hash,
		"dataset_id":   datasetID,
	})
	if err != nil {
		return common.Item{}, fmt.Errorf("failed to check for duplicate content: %w", err)
	}
	if len(existing) > 0 {
		item, err := RowToItem(existing[0])
		if err != nil {
			return common.Item{}, err
		}
		logger.Debug("[Ingest] duplicate content collapsed to existing item", "item", item.ID, "dataset", datasetID)
		return item, nil
	}

	now := s.now().UTC()
	item := common.Item{
		ID:          uuid.NewString(),
		ContentHash: hash,
		Label:       opts.Label,
		Status:      common.StatusUnprocessed,
		DatasetID:   datasetID,
		TenantID:    s.bundle.TenantID(),
		NodeSet:     opts.NodeSet,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if item.Label == "" {
		item.Label = deriveLabel(normalized, hash)
	}

	row, err := ItemToRow(item)
	if err != nil {
		return common.Item{}, err
	}
	if err := s.bundle.Relational.AddRows(ctx, table, []store.Row{row}); err != nil {
		return common.Item{}, &store.WriteError{Backend: "relational", Reason: "failed to persist item row", Err: err}
	}

	key := storage.ContentKey(item.TenantID, item.DatasetID, item.ID)
	if err := s.blobs.Put(ctx, key, normalized); err != nil {
		// The row without its blob would poison later runs; roll it back.
		if delErr := s.bundle.Relational.DeleteRow(ctx, table, item.ID); delErr != nil {
			logger.Error("[Ingest] failed to roll back item row after blob failure", "item", item.ID, "error", delErr)
		}
		return common.Item{}, &store.WriteError{Backend: "blob", Reason: "failed to persist raw content", Err: err}
	}

	logger.Info("[Ingest] item admitted", "item", item.ID, "dataset", datasetID, "label", item.Label)
	return item, nil
}

// Content returns the raw normalized content of an item, subject to read
// permission on its dataset.
func (s *Service) Content(ctx context.Context, subject string, item common.Item) ([]byte, error) {
	if err := s.guard.Authorize(ctx, subject, item.DatasetID, common.PermissionRead); err != nil {
		return nil, err
	}
	return s.blobs.Get(ctx, storage.ContentKey(item.TenantID, item.DatasetID, item.ID))
}

// deriveLabel builds a display name from the first words of the content,
// falling back to a hash prefix for non-textual input.
func deriveLabel(content []byte, hash string) string {
	const maxLabel = 48
	text := string(content)
	label := make([]rune, 0, maxLabel)
	for _, r := range text {
		if r == '\n' || r == '\r' {
			break
		}
		if len(label) == maxLabel {
			break
		}
		label = append(label, r)
	}
	if len(label) == 0 {
		return "item-" + hash[:8]
	}
	return string(label)
}
