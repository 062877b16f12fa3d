package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/loomkg/loom/pkg/common"
	"github.com/loomkg/loom/pkg/store"
)

func TestRelationalRoundTrip(t *testing.T) {
	ctx := context.Background()
	rel := NewRelationalStore(true)

	if err := rel.CreateTable(ctx, "things", []store.Column{{Name: "id", Type: "text"}}); err != nil {
		t.Fatalf("failed to create table: %v", err)
	}
	if err := rel.AddRows(ctx, "things", []store.Row{
		{"id": "a", "kind": "first"},
		{"id": "b", "kind": "second"},
		{"id": "c", "kind": "first"},
	}); err != nil {
		t.Fatalf("failed to add rows: %v", err)
	}

	row, err := rel.GetRow(ctx, "things", "b")
	if err != nil {
		t.Fatalf("failed to get row: %v", err)
	}
	if row["kind"] != "second" {
		t.Fatalf("unexpected row: %v", row)
	}

	rows, err := rel.QueryRows(ctx, "things", store.Row{"kind": "first"})
	if err != nil {
		t.Fatalf("failed to query rows: %v", err)
	}
	if len(rows) != 2 || rows[0]["id"] != "a" || rows[1]["id"] != "c" {
		t.Fatalf("filter query returned %v", rows)
	}

	if err := rel.UpdateRow(ctx, "things", "a", store.Row{"kind": "updated"}); err != nil {
		t.Fatalf("failed to update row: %v", err)
	}
	row, err = rel.GetRow(ctx, "things", "a")
	if err != nil {
		t.Fatalf("failed to get row: %v", err)
	}
	if row["kind"] != "updated" {
		t.Fatalf("update not applied: %v", row)
	}

	if err := rel.DeleteRow(ctx, "things", "a"); err != nil {
		t.Fatalf("failed to delete row: %v", err)
	}
	if _, err := rel.GetRow(ctx, "things", "a"); !errors.Is(err, store.ErrRowNotFound) {
		t.Fatalf("expected ErrRowNotFound, got %v", err)
	}
}

func TestRelationalGetRowCopies(t *testing.T) {
	ctx := context.Background()
	rel := NewRelationalStore(true)

	if err := rel.CreateTable(ctx, "things", nil); err != nil {
		t.Fatalf("failed to create table: %v", err)
	}
	if err := rel.AddRows(ctx, "things", []store.Row{{"id": "a", "kind": "x"}}); err != nil {
		t.Fatalf("failed to add row: %v", err)
	}

	row, _ := rel.GetRow(ctx, "things", "a")
	row["kind"] = "mutated"

	fresh, _ := rel.GetRow(ctx, "things", "a")
	if fresh["kind"] != "x" {
		t.Fatalf("caller mutation leaked into the store: %v", fresh)
	}
}

func TestWriteHookFailsWrites(t *testing.T) {
	ctx := context.Background()
	rel := NewRelationalStore(true)
	if err := rel.CreateTable(ctx, "things", nil); err != nil {
		t.Fatalf("failed to create table: %v", err)
	}

	boom := errors.New("injected")
	rel.SetWriteHook(func(op, target string) error { return boom })

	err := rel.AddRows(ctx, "things", []store.Row{{"id": "a"}})
	if !errors.Is(err, boom) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	if rel.WriteCount() != 0 {
		t.Fatalf("failed write must not count")
	}
}

func TestVectorSearchOrdersBySimilarity(t *testing.T) {
	ctx := context.Background()
	vec := NewVectorStore(true)

	if err := vec.CreateCollection(ctx, "entities", 2); err != nil {
		t.Fatalf("failed to create collection: %v", err)
	}
	entries := map[string][]float32{
		"east":      {1, 0},
		"north":     {0, 1},
		"northeast": {1, 1},
	}
	for id, v := range entries {
		if err := vec.UpsertEmbedding(ctx, "entities", id, v, map[string]string{"name": id}); err != nil {
			t.Fatalf("failed to upsert %q: %v", id, err)
		}
	}

	neighbors, err := vec.SearchNearest(ctx, "entities", []float32{1, 0}, 2)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(neighbors) != 2 {
		t.Fatalf("expected 2 neighbors, got %d", len(neighbors))
	}
	if neighbors[0].ID != "east" {
		t.Fatalf("expected exact match first, got %q", neighbors[0].ID)
	}
	if neighbors[1].ID != "northeast" {
		t.Fatalf("expected closest non-exact match second, got %q", neighbors[1].ID)
	}
	if neighbors[0].Payload["name"] != "east" {
		t.Fatalf("payload not returned: %v", neighbors[0].Payload)
	}
}

func TestGraphTraverseRespectsDepthAndPartition(t *testing.T) {
	ctx := context.Background()
	graph := NewGraphStore(true)

	nodes := []string{"a", "b", "c", "d"}
	for _, id := range nodes {
		if err := graph.UpsertNode(ctx, "p1", common.EntityNode{ID: id}); err != nil {
			t.Fatalf("failed to upsert node: %v", err)
		}
	}
	edges := []store.GraphEdge{
		{Node1ID: "a", Relationship: "r", Node2ID: "b"},
		{Node1ID: "b", Relationship: "r", Node2ID: "c"},
		{Node1ID: "c", Relationship: "r", Node2ID: "d"},
	}
	for _, e := range edges {
		if err := graph.UpsertEdge(ctx, "p1", e); err != nil {
			t.Fatalf("failed to upsert edge: %v", err)
		}
	}

	if err := graph.UpsertNode(ctx, "p2", common.EntityNode{ID: "x"}); err != nil {
		t.Fatalf("failed to upsert node: %v", err)
	}

	found, err := graph.Traverse(ctx, "p1", "a", 2)
	if err != nil {
		t.Fatalf("traverse failed: %v", err)
	}
	if len(found) != 3 {
		t.Fatalf("depth 2 from a must reach a,b,c; got %d nodes", len(found))
	}
	for _, node := range found {
		if node.ID == "x" {
			t.Fatalf("traverse crossed partitions")
		}
	}

	none, err := graph.Traverse(ctx, "p1", "missing", 2)
	if err != nil {
		t.Fatalf("traverse failed: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("unknown start node must yield nothing, got %v", none)
	}
}

func TestGraphEdgeUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	graph := NewGraphStore(true)

	if err := graph.UpsertNode(ctx, "p1", common.EntityNode{ID: "a"}); err != nil {
		t.Fatalf("failed to upsert node: %v", err)
	}
	if err := graph.UpsertNode(ctx, "p1", common.EntityNode{ID: "b"}); err != nil {
		t.Fatalf("failed to upsert node: %v", err)
	}

	edge := store.GraphEdge{Node1ID: "a", Relationship: "r", Node2ID: "b"}
	for i := 0; i < 3; i++ {
		if err := graph.UpsertEdge(ctx, "p1", edge); err != nil {
			t.Fatalf("failed to upsert edge: %v", err)
		}
	}

	found, err := graph.Traverse(ctx, "p1", "a", 1)
	if err != nil {
		t.Fatalf("traverse failed: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("repeated edge upsert changed the graph: %v", found)
	}
}
