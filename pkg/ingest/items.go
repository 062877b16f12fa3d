package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomkg/loom/pkg/common"
	"github.com/loomkg/loom/pkg/store"
)

// ItemsTable is the logical relational table holding item rows.
const ItemsTable = "items"

// EnsureItemsTable creates the items table if it does not exist. The table
// argument is the physical name, already mapped through the tenant bundle.
func EnsureItemsTable(ctx context.Context, rel store.Relational, table string) error {
	return rel.CreateTable(ctx, table, []store.Column{
		{Name: "id", Type: "text"},
		{Name: "content_hash", Type: "text"},
		{Name: "label", Type: "text"},
		{Name: "processing_status", Type: "text"},
		{Name: "status_reason", Type: "text"},
		{Name: "dataset_id", Type: "text"},
		{Name: "tenant_id", Type: "text"},
		{Name: "node_set", Type: "text"},
		{Name: "created_at", Type: "timestamptz"},
		{Name: "updated_at", Type: "timestamptz"},
	})
}

// ItemToRow maps an item to its relational row. The status enum value is
// stored verbatim so it round-trips without loss.
func ItemToRow(item common.Item) (store.Row, error) {
	nodeSet, err := json.Marshal(item.NodeSet)
	if err != nil {
		return nil, fmt.Errorf("failed to encode node set: %w", err)
	}
	return store.Row{
		"id":                item.ID,
		"content_hash":      item.ContentHash,
		"label":             item.Label,
		"processing_status": string(item.Status),
		"status_reason":     item.StatusReason,
		"dataset_id":        item.DatasetID,
		"tenant_id":         item.TenantID,
		"node_set":          string(nodeSet),
		"created_at":        item.CreatedAt,
		"updated_at":        item.UpdatedAt,
	}, nil
}

// RowToItem maps a relational row back to an item. Unknown status values are
// an error; a desynced status column must surface, not be coerced.
func RowToItem(row store.Row) (common.Item, error) {
	item := common.Item{
		ID:           rowString(row, "id"),
		ContentHash:  rowString(row, "content_hash"),
		Label:        rowString(row, "label"),
		StatusReason: rowString(row, "status_reason"),
		DatasetID:    rowString(row, "dataset_id"),
		TenantID:     rowString(row, "tenant_id"),
	}

	status := common.ProcessingStatus(rowString(row, "processing_status"))
	if !status.Valid() {
		return common.Item{}, fmt.Errorf("item %q has unknown processing status %q", item.ID, status)
	}
	item.Status = status

	if raw := rowString(row, "node_set"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &item.NodeSet); err != nil {
			return common.Item{}, fmt.Errorf("item %q has malformed node set: %w", item.ID, err)
		}
	}

	if t, ok := row["created_at"].(time.Time); ok {
		item.CreatedAt = t
	}
	if t, ok := row["updated_at"].(time.Time); ok {
		item.UpdatedAt = t
	}
	return item, nil
}

func rowString(row store.Row, key string) string {
	s, _ := row[key].(string)
	return s
}
