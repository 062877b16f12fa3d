// Package pipeline drives ingested items through classification, chunking,
// extraction, resolution, and storage, tracking per-item status throughout.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/loomkg/loom/internal/storage"
	"github.com/loomkg/loom/internal/util"
	"github.com/loomkg/loom/pkg/chunk"
	"github.com/loomkg/loom/pkg/classify"
	"github.com/loomkg/loom/pkg/common"
	"github.com/loomkg/loom/pkg/extract"
	"github.com/loomkg/loom/pkg/ingest"
	"github.com/loomkg/loom/pkg/logger"
	"github.com/loomkg/loom/pkg/permission"
	"github.com/loomkg/loom/pkg/resolve"
	"github.com/loomkg/loom/pkg/store"
)

// EntitiesCollection is the logical vector collection holding entity
// embeddings.
const EntitiesCollection = "entities"

// Orchestrator drives pipeline runs for one tenant. Construct one per bound
// tenant session; it holds no process-wide state.
type Orchestrator struct {
	bundle    *store.Bundle
	guard     *permission.Guard
	blobs     ingest.BlobStore
	extractor *extract.Bounded
	embedder  extract.Embedder
	schema    extract.Schema
	tracker   *StatusTracker

	encoder         string
	maxTokens       int
	itemWorkers     int
	segmentWorkers  int
	extractAttempts int
	dimensions      int
	now             func() time.Time
}

// NewOrchestratorParams configures an Orchestrator.
type NewOrchestratorParams struct {
	Bundle    *store.Bundle
	Guard     *permission.Guard
	Blobs     ingest.BlobStore
	Extractor extract.Extractor
	Embedder  extract.Embedder
	Schema    extract.Schema

	// Encoder is the tiktoken encoding used for segment budgets.
	Encoder string
	// MaxSegmentTokens bounds one extraction request.
	MaxSegmentTokens int
	// ItemWorkers bounds concurrent items per run.
	ItemWorkers int
	// SegmentWorkers bounds concurrent extraction calls per item.
	SegmentWorkers int
	// ExtractionTimeout bounds one extraction call.
	ExtractionTimeout time.Duration
	// ExtractionAttempts is the per-segment attempt budget.
	ExtractionAttempts int
	// EmbeddingDimensions sizes the entity vector collection.
	EmbeddingDimensions int

	Now func() time.Time
}

// NewOrchestrator creates an Orchestrator and ensures its tables exist.
func NewOrchestrator(ctx context.Context, params NewOrchestratorParams) (*Orchestrator, error) {
	o := &Orchestrator{
		bundle:          params.Bundle,
		guard:           params.Guard,
		blobs:           params.Blobs,
		extractor:       extract.NewBounded(params.Extractor, params.ExtractionTimeout),
		embedder:        params.Embedder,
		schema:          params.Schema,
		encoder:         params.Encoder,
		maxTokens:       params.MaxSegmentTokens,
		itemWorkers:     params.ItemWorkers,
		segmentWorkers:  params.SegmentWorkers,
		extractAttempts: params.ExtractionAttempts,
		dimensions:      params.EmbeddingDimensions,
		now:             params.Now,
	}
	if o.encoder == "" {
		o.encoder = "o200k_base"
	}
	if o.maxTokens <= 0 {
		o.maxTokens = 512
	}
	if o.itemWorkers <= 0 {
		o.itemWorkers = 4
	}
	if o.segmentWorkers <= 0 {
		o.segmentWorkers = 4
	}
	if o.extractAttempts <= 0 {
		o.extractAttempts = 2
	}
	if o.dimensions <= 0 {
		o.dimensions = 1536
	}
	if o.now == nil {
		o.now = time.Now
	}

	itemsTable := o.bundle.Table(ingest.ItemsTable)
	if err := ingest.EnsureItemsTable(ctx, o.bundle.Relational, itemsTable); err != nil {
		return nil, fmt.Errorf("failed to create items table: %w", err)
	}
	if err := EnsureRunsTable(ctx, o.bundle.Relational, o.bundle.Table(RunsTable)); err != nil {
		return nil, fmt.Errorf("failed to create runs table: %w", err)
	}
	if err := o.bundle.Vector.CreateCollection(ctx, o.bundle.Collection(EntitiesCollection), o.dimensions); err != nil {
		return nil, fmt.Errorf("failed to create entities collection: %w", err)
	}

	o.tracker = NewStatusTracker(o.bundle.Relational, itemsTable, o.now)
	return o, nil
}

// RunOptions tune one pipeline run.
type RunOptions struct {
	// Force reprocesses items that are already processed and unchanged.
	Force bool
	// Temporal stamps graph edges with their observation time.
	Temporal bool
}

type runCounts struct {
	mu        sync.Mutex
	processed int
	failed    int
	skipped   int
	cancelled int
}

func (c *runCounts) add(field *int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	*field++
}

// Run drives every item of a dataset to a terminal status and returns the
// run record. A single item's failure never aborts the run. Cancelling ctx
// stops dispatching new items; items already in flight finish to a terminal
// status, pending ones are left at processing and counted as cancelled.
func (o *Orchestrator) Run(ctx context.Context, subject string, datasetID string, opts RunOptions) (common.RunRecord, error) {
	if err := o.guard.Authorize(ctx, subject, datasetID, common.PermissionWrite); err != nil {
		return common.RunRecord{}, err
	}

	runID, err := gonanoid.New()
	if err != nil {
		return common.RunRecord{}, err
	}

	itemsTable := o.bundle.Table(ingest.ItemsTable)
	rows, err := o.bundle.Relational.QueryRows(ctx, itemsTable, store.Row{"dataset_id": datasetID})
	if err != nil {
		return common.RunRecord{}, fmt.Errorf("failed to list dataset items: %w", err)
	}

	items := make([]common.Item, 0, len(rows))
	for _, row := range rows {
		item, err := ingest.RowToItem(row)
		if err != nil {
			return common.RunRecord{}, err
		}
		items = append(items, item)
	}

	record := common.RunRecord{
		RunID:     runID,
		DatasetID: datasetID,
		StartedAt: o.now().UTC(),
	}
	logger.Info("[Pipeline] run started", "run", runID, "dataset", datasetID, "items", len(items))

	counts := &runCounts{}
	var group errgroup.Group
	group.SetLimit(o.itemWorkers)

	for _, item := range items {
		if ctx.Err() != nil {
			counts.add(&counts.cancelled)
			continue
		}
		group.Go(func() error {
			o.processItem(ctx, item, opts, counts)
			return nil
		})
	}
	_ = group.Wait()

	record.FinishedAt = o.now().UTC()
	record.Processed = counts.processed
	record.Failed = counts.failed
	record.Skipped = counts.skipped
	record.Cancelled = counts.cancelled

	// The record is persisted even for cancelled runs so aborted passes stay
	// visible.
	saveCtx := ctx
	if saveCtx.Err() != nil {
		var cancel context.CancelFunc
		saveCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}
	if err := saveRun(saveCtx, o.bundle.Relational, o.bundle.Table(RunsTable), record); err != nil {
		return record, err
	}

	logger.Info("[Pipeline] run finished", "run", runID,
		"processed", record.Processed, "failed", record.Failed,
		"skipped", record.Skipped, "cancelled", record.Cancelled)
	return record, nil
}

// processItem drives one item to a terminal status. All failures are
// absorbed into the item's status; only cancellation leaves it at
// processing.
func (o *Orchestrator) processItem(ctx context.Context, item common.Item, opts RunOptions, counts *runCounts) {
	if item.Status == common.StatusProcessed && !opts.Force {
		counts.add(&counts.skipped)
		return
	}

	if err := o.tracker.Set(ctx, item.ID, common.StatusProcessing, ""); err != nil {
		if ctx.Err() != nil {
			counts.add(&counts.cancelled)
			return
		}
		logger.Error("[Pipeline] failed to mark item processing", "item", item.ID, "error", err)
		counts.add(&counts.failed)
		return
	}

	fail := func(reason string, err error) {
		if ctx.Err() != nil {
			// Cancelled mid-item: leave the retryable processing status.
			counts.add(&counts.cancelled)
			return
		}
		logger.Error("[Pipeline] item failed", "item", item.ID, "reason", reason, "error", err)
		if setErr := o.tracker.Set(ctx, item.ID, common.StatusError, reason); setErr != nil {
			logger.Error("[Pipeline] failed to record item error", "item", item.ID, "error", setErr)
		}
		counts.add(&counts.failed)
	}

	content, err := o.blobs.Get(ctx, storage.ContentKey(item.TenantID, item.DatasetID, item.ID))
	if err != nil {
		fail("failed to load raw content", err)
		return
	}

	detected := classify.Detect(content)
	if detected.Category == classify.CategoryBinary {
		fail("binary content cannot be chunked", nil)
		return
	}
	text := string(classify.Normalize(content))

	segments, err := chunk.Segments(text, o.encoder, o.maxTokens)
	if err != nil {
		fail("failed to segment content", err)
		return
	}

	triplets, err := o.extractSegments(ctx, item, segments)
	if err != nil {
		fail(err.Error(), err)
		return
	}

	delta := resolve.Triplets(triplets)

	if err := o.writeDelta(ctx, item, delta, opts); err != nil {
		fail(err.Error(), err)
		return
	}

	if err := o.tracker.Set(ctx, item.ID, common.StatusProcessed, ""); err != nil {
		logger.Error("[Pipeline] failed to mark item processed", "item", item.ID, "error", err)
		counts.add(&counts.failed)
		return
	}

	logger.Info("[Pipeline] item processed", "item", item.ID,
		"segments", len(segments), "nodes", len(delta.Nodes), "edges", len(delta.Edges))
	counts.add(&counts.processed)
}

// extractSegments dispatches segment extraction concurrently and joins the
// results in sequence order. Per-segment failures are logged and tolerated;
// only all segments failing fails the item.
func (o *Orchestrator) extractSegments(ctx context.Context, item common.Item, segments []chunk.Segment) ([]common.Triplet, error) {
	if len(segments) == 0 {
		return nil, nil
	}

	type segmentResult struct {
		sequenceIndex int
		triplets      []common.Triplet
		err           error
	}
	results := make([]segmentResult, len(segments))

	var group errgroup.Group
	group.SetLimit(o.segmentWorkers)

	for i, segment := range segments {
		group.Go(func() error {
			triplets, err := util.RetryWithContext(ctx, o.extractAttempts, func(ctx context.Context) ([]common.Triplet, error) {
				return o.extractor.Extract(ctx, segment.Text, o.schema)
			})
			results[i] = segmentResult{
				sequenceIndex: segment.SequenceIndex,
				triplets:      triplets,
				err:           err,
			}
			return nil
		})
	}
	_ = group.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	// Extraction completes out of order; resolver input must not.
	sort.Slice(results, func(i, j int) bool {
		return results[i].sequenceIndex < results[j].sequenceIndex
	})

	var joined []common.Triplet
	var lastErr error
	failures := 0
	for _, res := range results {
		if res.err != nil {
			failures++
			lastErr = res.err
			logger.Warn("[Pipeline] segment extraction failed", "item", item.ID,
				"sequence_index", res.sequenceIndex, "error", res.err)
			continue
		}
		joined = append(joined, res.triplets...)
	}

	if failures == len(segments) {
		return nil, fmt.Errorf("all segments failed extraction: %w", lastErr)
	}
	return joined, nil
}

// writeDelta persists one item's graph delta across the three backend
// families. Any write failure is fatal to the item.
func (o *Orchestrator) writeDelta(ctx context.Context, item common.Item, delta *common.GraphDelta, opts RunOptions) error {
	collection := o.bundle.Collection(EntitiesCollection)
	partition := o.bundle.Partition(item.DatasetID)
	nodeSet := strings.Join(item.NodeSet, ",")

	var observedAt string
	if opts.Temporal {
		observedAt = o.now().UTC().Format(time.RFC3339)
	}

	for _, node := range delta.Nodes {
		props := make(map[string]string, len(node.Properties)+1)
		for k, v := range node.Properties {
			props[k] = v
		}
		if nodeSet != "" {
			props["node_set"] = nodeSet
		}

		embedding, err := o.embedder.GenerateEmbedding(ctx, embeddingInput(node))
		if err != nil {
			return &store.WriteError{Backend: "vector", Reason: "failed to embed entity " + node.ID, Err: err}
		}
		if err := o.bundle.Vector.UpsertEmbedding(ctx, collection, node.ID, embedding, props); err != nil {
			return &store.WriteError{Backend: "vector", Reason: "failed to upsert entity " + node.ID, Err: err}
		}

		if err := o.bundle.Graph.UpsertNode(ctx, partition, common.EntityNode{ID: node.ID, Properties: props}); err != nil {
			return &store.WriteError{Backend: "graph", Reason: "failed to upsert node " + node.ID, Err: err}
		}
	}

	for _, edge := range delta.Edges {
		graphEdge := store.GraphEdge{
			Node1ID:      delta.Nodes[edge.Node1].ID,
			Relationship: edge.Relationship,
			Node2ID:      delta.Nodes[edge.Node2].ID,
		}
		if observedAt != "" {
			graphEdge.Properties = map[string]string{"observed_at": observedAt}
		}
		if err := o.bundle.Graph.UpsertEdge(ctx, partition, graphEdge); err != nil {
			return &store.WriteError{Backend: "graph", Reason: "failed to upsert edge", Err: err}
		}
	}

	return nil
}

// embeddingInput renders an entity for embedding: its id plus properties in
// a stable order, so identical entities embed identically.
func embeddingInput(node common.EntityNode) []byte {
	keys := make([]string, 0, len(node.Properties))
	for k := range node.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(node.ID)
	for _, k := range keys {
		b.WriteString("\n")
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(node.Properties[k])
	}
	return []byte(b.String())
}

// ItemStatus returns an item's persisted status, subject to read permission
// on its dataset.
func (o *Orchestrator) ItemStatus(ctx context.Context, subject string, itemID string) (common.ProcessingStatus, error) {
	row, err := o.bundle.Relational.GetRow(ctx, o.bundle.Table(ingest.ItemsTable), itemID)
	if err != nil {
		return "", fmt.Errorf("failed to load item %q: %w", itemID, err)
	}
	item, err := ingest.RowToItem(row)
	if err != nil {
		return "", err
	}
	if err := o.guard.Authorize(ctx, subject, item.DatasetID, common.PermissionRead); err != nil {
		return "", err
	}
	return item.Status, nil
}

// DatasetStatus returns the persisted status of every item in a dataset,
// keyed by item id.
func (o *Orchestrator) DatasetStatus(ctx context.Context, subject string, datasetID string) (map[string]common.ProcessingStatus, error) {
	if err := o.guard.Authorize(ctx, subject, datasetID, common.PermissionRead); err != nil {
		return nil, err
	}
	rows, err := o.bundle.Relational.QueryRows(ctx, o.bundle.Table(ingest.ItemsTable), store.Row{"dataset_id": datasetID})
	if err != nil {
		return nil, fmt.Errorf("failed to list dataset items: %w", err)
	}
	statuses := make(map[string]common.ProcessingStatus, len(rows))
	for _, row := range rows {
		item, err := ingest.RowToItem(row)
		if err != nil {
			return nil, err
		}
		statuses[item.ID] = item.Status
	}
	return statuses, nil
}
