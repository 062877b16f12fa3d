// Package neo4j implements the graph capability contract on a Neo4j server.
package neo4j

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/loomkg/loom/pkg/common"
	"github.com/loomkg/loom/pkg/store"
)

// GraphStore implements store.Graph. Nodes carry a partition property so one
// Neo4j deployment serves all tenants (multi-user); edges are MERGE-d so
// re-running a pipeline over unchanged content is idempotent.
type GraphStore struct {
	driver   neo4j.DriverWithContext
	database string
}

// NewGraphStoreParams configures a GraphStore.
type NewGraphStoreParams struct {
	URI      string
	Username string
	Password string
	Database string
}

// NewGraphStore connects to Neo4j and verifies connectivity.
func NewGraphStore(ctx context.Context, params NewGraphStoreParams) (*GraphStore, error) {
	driver, err := neo4j.NewDriverWithContext(
		params.URI,
		neo4j.BasicAuth(params.Username, params.Password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("failed to reach neo4j: %w", err)
	}
	return &GraphStore{driver: driver, database: params.Database}, nil
}

// NewGraphStoreWithDriver wraps an existing driver, mainly for tests.
func NewGraphStoreWithDriver(driver neo4j.DriverWithContext, database string) *GraphStore {
	return &GraphStore{driver: driver, database: database}
}

// Close releases the underlying driver.
func (s *GraphStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

func (s *GraphStore) Capabilities() store.Capabilities {
	return store.Capabilities{MultiUser: true}
}

func (s *GraphStore) UpsertNode(ctx context.Context, partition string, node common.EntityNode) error {
	if node.ID == "" {
		return fmt.Errorf("node with empty id")
	}

	props := make(map[string]any, len(node.Properties))
	for k, v := range node.Properties {
		props[k] = v
	}

	_, err := neo4j.ExecuteQuery(ctx, s.driver, `
		MERGE (n:Entity {id: $id, partition: $partition})
		SET n += $props`,
		map[string]any{
			"id":        node.ID,
			"partition": partition,
			"props":     props,
		},
		neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(s.database),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert node %q: %w", node.ID, err)
	}
	return nil
}

func (s *GraphStore) UpsertEdge(ctx context.Context, partition string, edge store.GraphEdge) error {
	if edge.Node1ID == "" || edge.Node2ID == "" {
		return fmt.Errorf("edge with empty endpoint")
	}

	props := make(map[string]any, len(edge.Properties))
	for k, v := range edge.Properties {
		props[k] = v
	}

	// Relationship types cannot be parameterized in Cypher; the type is kept
	// as a property on a fixed RELATED relationship instead of interpolating
	// untrusted input into the query.
	_, err := neo4j.ExecuteQuery(ctx, s.driver, `
		MATCH (a:Entity {id: $node1, partition: $partition})
		MATCH (b:Entity {id: $node2, partition: $partition})
		MERGE (a)-[r:RELATED {type: $relationship}]->(b)
		SET r += $props`,
		map[string]any{
			"node1":        edge.Node1ID,
			"node2":        edge.Node2ID,
			"partition":    partition,
			"relationship": edge.Relationship,
			"props":        props,
		},
		neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(s.database),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert edge %q-[%s]->%q: %w", edge.Node1ID, edge.Relationship, edge.Node2ID, err)
	}
	return nil
}

func (s *GraphStore) Traverse(ctx context.Context, partition string, startID string, depth int) ([]common.EntityNode, error) {
	if depth <= 0 {
		depth = 1
	}

	// Path length bounds cannot be parameterized; depth is an int under the
	// caller's control, never raw input.
	query := fmt.Sprintf(`
		MATCH (s:Entity {id: $id, partition: $partition})
		OPTIONAL MATCH (s)-[:RELATED*1..%d]-(m:Entity {partition: $partition})
		WITH s, collect(DISTINCT m) AS reached
		RETURN [s] + reached AS nodes`, depth)

	result, err := neo4j.ExecuteQuery(ctx, s.driver, query,
		map[string]any{
			"id":        startID,
			"partition": partition,
		},
		neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(s.database),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to traverse from %q: %w", startID, err)
	}

	if len(result.Records) == 0 {
		return nil, nil
	}
	raw, found := result.Records[0].Get("nodes")
	if !found {
		return nil, nil
	}
	rawNodes, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected traverse result shape")
	}

	out := make([]common.EntityNode, 0, len(rawNodes))
	for _, rn := range rawNodes {
		n, ok := rn.(neo4j.Node)
		if !ok {
			continue
		}
		node := common.EntityNode{Properties: make(map[string]string)}
		for k, v := range n.Props {
			sv, ok := v.(string)
			if !ok {
				continue
			}
			switch k {
			case "id":
				node.ID = sv
			case "partition":
				// Internal scoping property, not part of the node.
			default:
				node.Properties[k] = sv
			}
		}
		if node.ID != "" {
			out = append(out, node)
		}
	}
	return out, nil
}
