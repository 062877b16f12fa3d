package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/loomkg/loom/pkg/common"
	"github.com/loomkg/loom/pkg/store"
)

// RunsTable is the logical relational table holding run records.
const RunsTable = "pipeline_runs"

// EnsureRunsTable creates the runs table if it does not exist.
func EnsureRunsTable(ctx context.Context, rel store.Relational, table string) error {
	return rel.CreateTable(ctx, table, []store.Column{
		{Name: "id", Type: "text"},
		{Name: "dataset_id", Type: "text"},
		{Name: "started_at", Type: "timestamptz"},
		{Name: "finished_at", Type: "timestamptz"},
		{Name: "processed", Type: "integer"},
		{Name: "failed", Type: "integer"},
		{Name: "skipped", Type: "integer"},
		{Name: "cancelled", Type: "integer"},
	})
}

func runToRow(record common.RunRecord) store.Row {
	return store.Row{
		"id":          record.RunID,
		"dataset_id":  record.DatasetID,
		"started_at":  record.StartedAt,
		"finished_at": record.FinishedAt,
		"processed":   record.Processed,
		"failed":      record.Failed,
		"skipped":     record.Skipped,
		"cancelled":   record.Cancelled,
	}
}

func rowToRun(row store.Row) common.RunRecord {
	record := common.RunRecord{
		RunID:     rowStr(row, "id"),
		DatasetID: rowStr(row, "dataset_id"),
	}
	if t, ok := row["started_at"].(time.Time); ok {
		record.StartedAt = t
	}
	if t, ok := row["finished_at"].(time.Time); ok {
		record.FinishedAt = t
	}
	record.Processed = rowInt(row, "processed")
	record.Failed = rowInt(row, "failed")
	record.Skipped = rowInt(row, "skipped")
	record.Cancelled = rowInt(row, "cancelled")
	return record
}

func saveRun(ctx context.Context, rel store.Relational, table string, record common.RunRecord) error {
	if err := rel.AddRows(ctx, table, []store.Row{runToRow(record)}); err != nil {
		return fmt.Errorf("failed to persist run record: %w", err)
	}
	return nil
}

// Runs returns the recorded runs for a dataset.
func Runs(ctx context.Context, rel store.Relational, table string, datasetID string) ([]common.RunRecord, error) {
	rows, err := rel.QueryRows(ctx, table, store.Row{"dataset_id": datasetID})
	if err != nil {
		return nil, fmt.Errorf("failed to query run records: %w", err)
	}
	records := make([]common.RunRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, rowToRun(row))
	}
	return records, nil
}

func rowStr(row store.Row, key string) string {
	s, _ := row[key].(string)
	return s
}

func rowInt(row store.Row, key string) int {
	switch v := row[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	}
	return 0
}
