package ingest_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loomkg/loom/internal/storage"
	"github.com/loomkg/loom/pkg/common"
	"github.com/loomkg/loom/pkg/ingest"
	"github.com/loomkg/loom/pkg/permission"
	"github.com/loomkg/loom/pkg/store"
	"github.com/loomkg/loom/pkg/store/memory"
)

type fixture struct {
	service *ingest.Service
	rel     *memory.RelationalStore
	blobs   *storage.MemoryBlobStore
	guard   *permission.Guard
	bundle  *store.Bundle
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	rel := memory.NewRelationalStore(true)
	vec := memory.NewVectorStore(true)
	graph := memory.NewGraphStore(true)

	store.RegisterRelational("memory-ingest", func(context.Context, string) (store.Relational, error) { return rel, nil })
	store.RegisterVector("memory-ingest", func(context.Context, string) (store.Vector, error) { return vec, nil })
	store.RegisterGraph("memory-ingest", func(context.Context, string) (store.Graph, error) { return graph, nil })

	bundle, err := store.Bind(ctx, store.Config{
		RelationalProvider: "memory-ingest",
		VectorProvider:     "memory-ingest",
		GraphProvider:      "memory-ingest",
	}, "tenant-1")
	if err != nil {
		t.Fatalf("failed to bind providers: %v", err)
	}

	guard, err := permission.NewGuard(ctx, permission.NewGuardParams{
		Relational: bundle.Relational,
		Table:      bundle.Table(permission.GrantsTable),
		Owner:      "owner",
	})
	if err != nil {
		t.Fatalf("failed to create guard: %v", err)
	}

	blobs := storage.NewMemoryBlobStore()
	service, err := ingest.NewService(ctx, ingest.NewServiceParams{
		Bundle: bundle,
		Guard:  guard,
		Blobs:  blobs,
		Now:    func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	return &fixture{service: service, rel: rel, blobs: blobs, guard: guard, bundle: bundle}
}

func TestAddCreatesUnprocessedItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	item, err := f.service.Add(ctx, "owner", []byte("The quick brown fox."), "dataset-1", ingest.AddOptions{
		Label:   "fox",
		NodeSet: []string{"animals"},
	})
	if err != nil {
		t.Fatalf("failed to add: %v", err)
	}
	if item.Status != common.StatusUnprocessed {
		t.Fatalf("expected status %q, got %q", common.StatusUnprocessed, item.Status)
	}
	if item.ContentHash != ingest.HashContent([]byte("The quick brown fox.")) {
		t.Fatalf("content hash mismatch")
	}
	if item.TenantID != "tenant-1" {
		t.Fatalf("expected tenant id on item, got %q", item.TenantID)
	}

	// Row and blob must both exist, and the status must round-trip exactly.
	row, err := f.rel.GetRow(ctx, f.bundle.Table(ingest.ItemsTable), item.ID)
	if err != nil {
		t.Fatalf("item row missing: %v", err)
	}
	stored, err := ingest.RowToItem(row)
	if err != nil {
		t.Fatalf("failed to map row: %v", err)
	}
	if stored.Status != common.StatusUnprocessed || stored.Label != "fox" {
		t.Fatalf("row round-trip mismatch: %+v", stored)
	}
	if len(stored.NodeSet) != 1 || stored.NodeSet[0] != "animals" {
		t.Fatalf("node set round-trip mismatch: %v", stored.NodeSet)
	}
	if f.blobs.Len() != 1 {
		t.Fatalf("expected 1 blob, got %d", f.blobs.Len())
	}
}

func TestAddCollapsesDuplicateContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.service.Add(ctx, "owner", []byte("same content"), "dataset-1", ingest.AddOptions{})
	if err != nil {
		t.Fatalf("failed to add: %v", err)
	}
	second, err := f.service.Add(ctx, "owner", []byte("same content"), "dataset-1", ingest.AddOptions{})
	if err != nil {
		t.Fatalf("duplicate content must not error: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate content created a second item: %q vs %q", second.ID, first.ID)
	}
	if f.blobs.Len() != 1 {
		t.Fatalf("duplicate content wrote a second blob")
	}
}

func TestAddSameContentDifferentDatasetIsDistinct(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.service.Add(ctx, "owner", []byte("shared"), "dataset-1", ingest.AddOptions{})
	if err != nil {
		t.Fatalf("failed to add: %v", err)
	}
	second, err := f.service.Add(ctx, "owner", []byte("shared"), "dataset-2", ingest.AddOptions{})
	if err != nil {
		t.Fatalf("failed to add: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("content hash uniqueness is scoped per dataset, not global")
	}
}

func TestAddDeniedForReadOnlySubject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.guard.Grant(ctx, "owner", common.Grant{
		Subject: "reader", Resource: "dataset-1", Permission: common.PermissionRead,
	})
	if err != nil {
		t.Fatalf("failed to grant read: %v", err)
	}

	before := f.rel.WriteCount()
	_, err = f.service.Add(ctx, "reader", []byte("not allowed"), "dataset-1", ingest.AddOptions{})
	if !errors.Is(err, permission.ErrDenied) {
		t.Fatalf("expected ErrDenied, got %v", err)
	}
	if f.rel.WriteCount() != before {
		t.Fatalf("denied add must cause no writes")
	}
	if f.blobs.Len() != 0 {
		t.Fatalf("denied add must not persist content")
	}
}

func TestAddNormalizesBOMBeforeHashing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	plain, err := f.service.Add(ctx, "owner", []byte("hello bom"), "dataset-1", ingest.AddOptions{})
	if err != nil {
		t.Fatalf("failed to add: %v", err)
	}
	withBOM, err := f.service.Add(ctx, "owner", append([]byte{0xEF, 0xBB, 0xBF}, []byte("hello bom")...), "dataset-1", ingest.AddOptions{})
	if err != nil {
		t.Fatalf("failed to add: %v", err)
	}
	if plain.ID != withBOM.ID {
		t.Fatalf("BOM variant must hash to the same item")
	}
}

func TestAddRollsBackRowOnBlobFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	failing := &failingBlobStore{}
	service, err := ingest.NewService(ctx, ingest.NewServiceParams{
		Bundle: f.bundle,
		Guard:  f.guard,
		Blobs:  failing,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	_, err = service.Add(ctx, "owner", []byte("doomed"), "dataset-1", ingest.AddOptions{})
	var writeErr *store.WriteError
	if !errors.As(err, &writeErr) || writeErr.Backend != "blob" {
		t.Fatalf("expected a blob write error, got %v", err)
	}

	rows, err := f.rel.QueryRows(ctx, f.bundle.Table(ingest.ItemsTable), store.Row{"dataset_id": "dataset-1"})
	if err != nil {
		t.Fatalf("failed to query rows: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("failed blob write must not leave an item row behind")
	}
}

type failingBlobStore struct{}

func (f *failingBlobStore) Put(context.Context, string, []byte) error {
	return errors.New("disk full")
}
func (f *failingBlobStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("disk full")
}
func (f *failingBlobStore) Delete(context.Context, string) error { return nil }
