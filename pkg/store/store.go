package store

import (
	"context"

	"github.com/loomkg/loom/pkg/common"
)

// Row is one relational record, keyed by column name. Rows are identified by
// their "id" column.
type Row map[string]any

// Column describes one column of a relational table. Type is the provider's
// own type name; the memory provider ignores it.
type Column struct {
	Name string
	Type string
}

// Capabilities advertises what a concrete provider can do. MultiUser means
// the provider isolates tenants inside one physical store via namespaces;
// providers without it need one physical store per tenant.
type Capabilities struct {
	MultiUser bool
}

// Relational is the capability contract for row stores. The pipeline keeps
// item rows, permission grants, and run records behind this interface and
// never depends on a concrete provider.
type Relational interface {
	Capabilities() Capabilities
	CreateDatabase(ctx context.Context, name string) error
	CreateTable(ctx context.Context, table string, columns []Column) error
	AddRows(ctx context.Context, table string, rows []Row) error
	GetRow(ctx context.Context, table string, id string) (Row, error)
	QueryRows(ctx context.Context, table string, filter Row) ([]Row, error)
	UpdateRow(ctx context.Context, table string, id string, values Row) error
	DeleteRow(ctx context.Context, table string, id string) error
}

// Neighbor is one nearest-neighbor search hit.
type Neighbor struct {
	ID      string
	Score   float32
	Payload map[string]string
}

// Vector is the capability contract for embedding stores.
type Vector interface {
	Capabilities() Capabilities
	CreateCollection(ctx context.Context, collection string, dimensions int) error
	UpsertEmbedding(ctx context.Context, collection string, id string, vector []float32, payload map[string]string) error
	SearchNearest(ctx context.Context, collection string, vector []float32, limit int) ([]Neighbor, error)
}

// GraphEdge is one persisted relationship between two entity nodes,
// referenced by node id.
type GraphEdge struct {
	Node1ID      string
	Relationship string
	Node2ID      string
	Properties   map[string]string
}

// Graph is the capability contract for graph stores. Partition scopes nodes
// and edges to one dataset's graph.
type Graph interface {
	Capabilities() Capabilities
	UpsertNode(ctx context.Context, partition string, node common.EntityNode) error
	UpsertEdge(ctx context.Context, partition string, edge GraphEdge) error
	Traverse(ctx context.Context, partition string, startID string, depth int) ([]common.EntityNode, error)
}
