package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/loomkg/loom/internal/storage"
	"github.com/loomkg/loom/pkg/common"
	"github.com/loomkg/loom/pkg/extract"
	"github.com/loomkg/loom/pkg/extract/mock"
	"github.com/loomkg/loom/pkg/ingest"
	"github.com/loomkg/loom/pkg/permission"
	"github.com/loomkg/loom/pkg/pipeline"
	"github.com/loomkg/loom/pkg/store"
	"github.com/loomkg/loom/pkg/store/memory"
)

type fixture struct {
	bundle  *store.Bundle
	guard   *permission.Guard
	blobs   *storage.MemoryBlobStore
	service *ingest.Service

	rel   *memory.RelationalStore
	vec   *memory.VectorStore
	graph *memory.GraphStore
}

var fixtureSeq int

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		rel:   memory.NewRelationalStore(true),
		vec:   memory.NewVectorStore(true),
		graph: memory.NewGraphStore(true),
		blobs: storage.NewMemoryBlobStore(),
	}

	fixtureSeq++
	name := fmt.Sprintf("memory-pipeline-%d", fixtureSeq)
	store.RegisterRelational(name, func(context.Context, string) (store.Relational, error) { return f.rel, nil })
	store.RegisterVector(name, func(context.Context, string) (store.Vector, error) { return f.vec, nil })
	store.RegisterGraph(name, func(context.Context, string) (store.Graph, error) { return f.graph, nil })

	bundle, err := store.Bind(ctx, store.Config{
		RelationalProvider: name,
		VectorProvider:     name,
		GraphProvider:      name,
	}, "tenant-1")
	if err != nil {
		t.Fatalf("failed to bind providers: %v", err)
	}
	f.bundle = bundle

	f.guard, err = permission.NewGuard(ctx, permission.NewGuardParams{
		Relational: bundle.Relational,
		Table:      bundle.Table(permission.GrantsTable),
		Owner:      "owner",
	})
	if err != nil {
		t.Fatalf("failed to create guard: %v", err)
	}

	f.service, err = ingest.NewService(ctx, ingest.NewServiceParams{
		Bundle: bundle,
		Guard:  f.guard,
		Blobs:  f.blobs,
	})
	if err != nil {
		t.Fatalf("failed to create ingest service: %v", err)
	}
	return f
}

func (f *fixture) orchestrator(t *testing.T, extractor extract.Extractor) *pipeline.Orchestrator {
	t.Helper()
	orch, err := pipeline.NewOrchestrator(context.Background(), pipeline.NewOrchestratorParams{
		Bundle:              f.bundle,
		Guard:               f.guard,
		Blobs:               f.blobs,
		Extractor:           extractor,
		Embedder:            &mock.Embedder{Dimensions: 8},
		EmbeddingDimensions: 8,
		ItemWorkers:         2,
		SegmentWorkers:      2,
		ExtractionAttempts:  1,
		ExtractionTimeout:   time.Second,
	})
	if err != nil {
		t.Fatalf("failed to create orchestrator: %v", err)
	}
	return orch
}

func (f *fixture) add(t *testing.T, content string, dataset string) common.Item {
	t.Helper()
	item, err := f.service.Add(context.Background(), "owner", []byte(content), dataset, ingest.AddOptions{})
	if err != nil {
		t.Fatalf("failed to add item: %v", err)
	}
	return item
}

func wordPairExtractor() extract.Extractor {
	return mock.NewExtractor(func(ctx context.Context, text string, schema extract.Schema) ([]common.Triplet, error) {
		return mock.TripletsFromWords(text), nil
	})
}

func TestRunProcessesAllItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.add(t, "alpha beta gamma delta", "dataset-1")
	f.add(t, "epsilon zeta", "dataset-1")

	orch := f.orchestrator(t, wordPairExtractor())
	record, err := orch.Run(ctx, "owner", "dataset-1", pipeline.RunOptions{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if record.Processed != 2 || record.Failed != 0 || record.Skipped != 0 {
		t.Fatalf("unexpected run counts: %+v", record)
	}

	statuses, err := orch.DatasetStatus(ctx, "owner", "dataset-1")
	if err != nil {
		t.Fatalf("failed to query statuses: %v", err)
	}
	for id, status := range statuses {
		if status != common.StatusProcessed {
			t.Fatalf("item %q ended at %q, want processed", id, status)
		}
	}

	partition := f.bundle.Partition("dataset-1")
	if f.graph.NodeCount(partition) == 0 {
		t.Fatalf("expected graph nodes after a successful run")
	}
	if f.vec.WriteCount() == 0 {
		t.Fatalf("expected vector writes after a successful run")
	}
}

func TestRerunOnUnchangedDatasetIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.add(t, "alpha beta gamma delta", "dataset-1")
	orch := f.orchestrator(t, wordPairExtractor())

	if _, err := orch.Run(ctx, "owner", "dataset-1", pipeline.RunOptions{}); err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	vecWrites := f.vec.WriteCount()
	graphWrites := f.graph.WriteCount()

	record, err := orch.Run(ctx, "owner", "dataset-1", pipeline.RunOptions{})
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if record.Skipped != 1 || record.Processed != 0 {
		t.Fatalf("unchanged processed item must be skipped, got %+v", record)
	}
	if f.vec.WriteCount() != vecWrites {
		t.Fatalf("second run must not write to the vector store")
	}
	if f.graph.WriteCount() != graphWrites {
		t.Fatalf("second run must not write to the graph store")
	}
}

func TestForceReprocessesProcessedItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.add(t, "alpha beta", "dataset-1")
	orch := f.orchestrator(t, wordPairExtractor())

	if _, err := orch.Run(ctx, "owner", "dataset-1", pipeline.RunOptions{}); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	record, err := orch.Run(ctx, "owner", "dataset-1", pipeline.RunOptions{Force: true})
	if err != nil {
		t.Fatalf("forced run failed: %v", err)
	}
	if record.Processed != 1 || record.Skipped != 0 {
		t.Fatalf("force must reprocess, got %+v", record)
	}
}

func TestAllSegmentsFailingMarksItemError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	item := f.add(t, "alpha beta", "dataset-1")
	boom := extract.NewError(extract.KindProviderError, errors.New("model unavailable"))
	orch := f.orchestrator(t, mock.Failing(boom))

	record, err := orch.Run(ctx, "owner", "dataset-1", pipeline.RunOptions{})
	if err != nil {
		t.Fatalf("run itself must not fail: %v", err)
	}
	if record.Failed != 1 {
		t.Fatalf("expected 1 failed item, got %+v", record)
	}

	row, err := f.rel.GetRow(ctx, f.bundle.Table(ingest.ItemsTable), item.ID)
	if err != nil {
		t.Fatalf("failed to load item row: %v", err)
	}
	stored, err := ingest.RowToItem(row)
	if err != nil {
		t.Fatalf("failed to map row: %v", err)
	}
	if stored.Status != common.StatusError {
		t.Fatalf("expected error status, got %q", stored.Status)
	}
	if stored.StatusReason == "" {
		t.Fatalf("error status must carry a reason")
	}
}

func TestOneItemFailureDoesNotAbortTheRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	good := f.add(t, "alpha beta", "dataset-1")
	bad := f.add(t, "POISON gamma", "dataset-1")

	extractor := mock.NewExtractor(func(ctx context.Context, text string, schema extract.Schema) ([]common.Triplet, error) {
		if len(text) > 0 && text[0] == 'P' {
			return nil, extract.NewError(extract.KindMalformedResponse, errors.New("unparseable"))
		}
		return mock.TripletsFromWords(text), nil
	})
	orch := f.orchestrator(t, extractor)

	record, err := orch.Run(ctx, "owner", "dataset-1", pipeline.RunOptions{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if record.Processed != 1 || record.Failed != 1 {
		t.Fatalf("unexpected counts: %+v", record)
	}

	goodStatus, err := orch.ItemStatus(ctx, "owner", good.ID)
	if err != nil {
		t.Fatalf("failed to query status: %v", err)
	}
	if goodStatus != common.StatusProcessed {
		t.Fatalf("healthy item must finish processed, got %q", goodStatus)
	}
	badStatus, err := orch.ItemStatus(ctx, "owner", bad.ID)
	if err != nil {
		t.Fatalf("failed to query status: %v", err)
	}
	if badStatus != common.StatusError {
		t.Fatalf("failing item must finish error, got %q", badStatus)
	}
}

func TestStorageWriteFailureNeverLeavesProcessed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	item := f.add(t, "alpha beta", "dataset-1")
	f.graph.SetWriteHook(func(op, target string) error {
		return errors.New("graph store down")
	})
	orch := f.orchestrator(t, wordPairExtractor())

	record, err := orch.Run(ctx, "owner", "dataset-1", pipeline.RunOptions{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if record.Failed != 1 {
		t.Fatalf("expected 1 failed item, got %+v", record)
	}

	status, err := orch.ItemStatus(ctx, "owner", item.ID)
	if err != nil {
		t.Fatalf("failed to query status: %v", err)
	}
	if status == common.StatusProcessed {
		t.Fatalf("item with a failed backend write must not be processed")
	}
}

func TestCancelledRunLeavesPendingItemsRetryable(t *testing.T) {
	f := newFixture(t)

	f.add(t, "alpha beta", "dataset-1")
	f.add(t, "gamma delta", "dataset-1")
	orch := f.orchestrator(t, wordPairExtractor())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	record, err := orch.Run(ctx, "owner", "dataset-1", pipeline.RunOptions{})
	if err != nil {
		t.Fatalf("cancelled run must still return its record: %v", err)
	}
	if record.Cancelled != 2 || record.Processed != 0 || record.Failed != 0 {
		t.Fatalf("unexpected counts for cancelled run: %+v", record)
	}

	statuses, err := orch.DatasetStatus(context.Background(), "owner", "dataset-1")
	if err != nil {
		t.Fatalf("failed to query statuses: %v", err)
	}
	for id, status := range statuses {
		if status == common.StatusError {
			t.Fatalf("cancellation must not push item %q to error", id)
		}
	}
}

func TestRunDeniedWithoutWritePermission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.add(t, "alpha beta", "dataset-1")
	orch := f.orchestrator(t, wordPairExtractor())

	_, err := orch.Run(ctx, "stranger", "dataset-1", pipeline.RunOptions{})
	if !errors.Is(err, permission.ErrDenied) {
		t.Fatalf("expected ErrDenied, got %v", err)
	}
}

func TestSwappingVectorProviderDoesNotChangeGraphBehavior(t *testing.T) {
	runWith := func(t *testing.T, vec store.Vector) (*memory.GraphStore, string) {
		f := newFixture(t)
		replaced := vec
		fixtureSeq++
		name := fmt.Sprintf("memory-pipeline-%d", fixtureSeq)
		store.RegisterRelational(name, func(context.Context, string) (store.Relational, error) { return f.rel, nil })
		store.RegisterVector(name, func(context.Context, string) (store.Vector, error) { return replaced, nil })
		store.RegisterGraph(name, func(context.Context, string) (store.Graph, error) { return f.graph, nil })

		bundle, err := store.Bind(context.Background(), store.Config{
			RelationalProvider: name,
			VectorProvider:     name,
			GraphProvider:      name,
		}, "tenant-1")
		if err != nil {
			t.Fatalf("failed to bind providers: %v", err)
		}
		f.bundle = bundle

		f.add(t, "alpha beta gamma delta", "dataset-1")
		orch := f.orchestrator(t, wordPairExtractor())
		if _, err := orch.Run(context.Background(), "owner", "dataset-1", pipeline.RunOptions{}); err != nil {
			t.Fatalf("run failed: %v", err)
		}
		return f.graph, bundle.Partition("dataset-1")
	}

	graphA, partA := runWith(t, memory.NewVectorStore(true))
	graphB, partB := runWith(t, memory.NewVectorStore(false))

	if graphA.NodeCount(partA) != graphB.NodeCount(partB) {
		t.Fatalf("vector provider choice leaked into graph behavior: %d vs %d",
			graphA.NodeCount(partA), graphB.NodeCount(partB))
	}
}

func TestBinaryContentFailsWithReason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	item, err := f.service.Add(ctx, "owner", []byte{0x7F, 0x45, 0x4C, 0x46, 0x00, 0x01, 0x02}, "dataset-1", ingest.AddOptions{})
	if err != nil {
		t.Fatalf("failed to add binary item: %v", err)
	}

	orch := f.orchestrator(t, wordPairExtractor())
	record, err := orch.Run(ctx, "owner", "dataset-1", pipeline.RunOptions{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if record.Failed != 1 {
		t.Fatalf("binary item must fail, got %+v", record)
	}

	status, err := orch.ItemStatus(ctx, "owner", item.ID)
	if err != nil {
		t.Fatalf("failed to query status: %v", err)
	}
	if status != common.StatusError {
		t.Fatalf("expected error status, got %q", status)
	}
}
