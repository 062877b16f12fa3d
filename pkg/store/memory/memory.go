// Package memory provides in-process implementations of the storage
// capability contracts. They back the test suite and local development; the
// multi-user flag is configurable so tenancy branching is testable against
// both provider shapes.
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/loomkg/loom/pkg/common"
	"github.com/loomkg/loom/pkg/store"
)

// WriteHook runs before every mutating call. Returning an error fails the
// write, which lets tests inject backend failures.
type WriteHook func(op string, target string) error

// RelationalStore is an in-memory store.Relational.
type RelationalStore struct {
	mu        sync.RWMutex
	multiUser bool
	tables    map[string]map[string]store.Row
	writes    int
	hook      WriteHook
}

// NewRelationalStore creates an empty relational store.
func NewRelationalStore(multiUser bool) *RelationalStore {
	return &RelationalStore{
		multiUser: multiUser,
		tables:    make(map[string]map[string]store.Row),
	}
}

// SetWriteHook installs a failure-injection hook for tests.
func (s *RelationalStore) SetWriteHook(hook WriteHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

// WriteCount reports the number of successful mutating calls.
func (s *RelationalStore) WriteCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

func (s *RelationalStore) Capabilities() store.Capabilities {
	return store.Capabilities{MultiUser: s.multiUser}
}

func (s *RelationalStore) CreateDatabase(ctx context.Context, name string) error {
	// One process-wide store; databases have no physical counterpart here.
	return nil
}

func (s *RelationalStore) CreateTable(ctx context.Context, table string, columns []store.Column) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[table]; !ok {
		s.tables[table] = make(map[string]store.Row)
	}
	return nil
}

func (s *RelationalStore) AddRows(ctx context.Context, table string, rows []store.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.runHook("add_rows", table); err != nil {
		return err
	}
	t, ok := s.tables[table]
	if !ok {
		return fmt.Errorf("table %q does not exist", table)
	}
	for _, row := range rows {
		id, ok := row["id"].(string)
		if !ok || id == "" {
			return fmt.Errorf("row in table %q has no string id", table)
		}
		t[id] = copyRow(row)
	}
	s.writes++
	return nil
}

func (s *RelationalStore) GetRow(ctx context.Context, table string, id string) (store.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[table]
	if !ok {
		return nil, fmt.Errorf("table %q does not exist", table)
	}
	row, ok := t[id]
	if !ok {
		return nil, store.ErrRowNotFound
	}
	return copyRow(row), nil
}

func (s *RelationalStore) QueryRows(ctx context.Context, table string, filter store.Row) ([]store.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[table]
	if !ok {
		return nil, fmt.Errorf("table %q does not exist", table)
	}

	ids := make([]string, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []store.Row
	for _, id := range ids {
		row := t[id]
		if rowMatches(row, filter) {
			out = append(out, copyRow(row))
		}
	}
	return out, nil
}

func (s *RelationalStore) UpdateRow(ctx context.Context, table string, id string, values store.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.runHook("update_row", table); err != nil {
		return err
	}
	t, ok := s.tables[table]
	if !ok {
		return fmt.Errorf("table %q does not exist", table)
	}
	row, ok := t[id]
	if !ok {
		return store.ErrRowNotFound
	}
	for k, v := range values {
		row[k] = v
	}
	s.writes++
	return nil
}

func (s *RelationalStore) DeleteRow(ctx context.Context, table string, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.runHook("delete_row", table); err != nil {
		return err
	}
	t, ok := s.tables[table]
	if !ok {
		return fmt.Errorf("table %q does not exist", table)
	}
	delete(t, id)
	s.writes++
	return nil
}

func (s *RelationalStore) runHook(op, target string) error {
	if s.hook == nil {
		return nil
	}
	return s.hook(op, target)
}

func copyRow(row store.Row) store.Row {
	out := make(store.Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

func rowMatches(row, filter store.Row) bool {
	for k, want := range filter {
		if row[k] != want {
			return false
		}
	}
	return true
}

type vectorEntry struct {
	vector  []float32
	payload map[string]string
}

// VectorStore is an in-memory store.Vector using cosine similarity.
type VectorStore struct {
	mu          sync.RWMutex
	multiUser   bool
	collections map[string]map[string]vectorEntry
	writes      int
	hook        WriteHook
}

// NewVectorStore creates an empty vector store.
func NewVectorStore(multiUser bool) *VectorStore {
	return &VectorStore{
		multiUser:   multiUser,
		collections: make(map[string]map[string]vectorEntry),
	}
}

// SetWriteHook installs a failure-injection hook for tests.
func (s *VectorStore) SetWriteHook(hook WriteHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

// WriteCount reports the number of successful mutating calls.
func (s *VectorStore) WriteCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

func (s *VectorStore) Capabilities() store.Capabilities {
	return store.Capabilities{MultiUser: s.multiUser}
}

func (s *VectorStore) CreateCollection(ctx context.Context, collection string, dimensions int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[collection]; !ok {
		s.collections[collection] = make(map[string]vectorEntry)
	}
	return nil
}

func (s *VectorStore) UpsertEmbedding(ctx context.Context, collection string, id string, vector []float32, payload map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hook != nil {
		if err := s.hook("upsert_embedding", collection); err != nil {
			return err
		}
	}
	c, ok := s.collections[collection]
	if !ok {
		return fmt.Errorf("collection %q does not exist", collection)
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)
	pl := make(map[string]string, len(payload))
	for k, v := range payload {
		pl[k] = v
	}
	c[id] = vectorEntry{vector: vec, payload: pl}
	s.writes++
	return nil
}

func (s *VectorStore) SearchNearest(ctx context.Context, collection string, vector []float32, limit int) ([]store.Neighbor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[collection]
	if !ok {
		return nil, fmt.Errorf("collection %q does not exist", collection)
	}

	neighbors := make([]store.Neighbor, 0, len(c))
	for id, entry := range c {
		neighbors = append(neighbors, store.Neighbor{
			ID:      id,
			Score:   cosineSimilarity(vector, entry.vector),
			Payload: entry.payload,
		})
	}
	sort.Slice(neighbors, func(i, j int) bool {
		if neighbors[i].Score != neighbors[j].Score {
			return neighbors[i].Score > neighbors[j].Score
		}
		return neighbors[i].ID < neighbors[j].ID
	})
	if limit > 0 && len(neighbors) > limit {
		neighbors = neighbors[:limit]
	}
	return neighbors, nil
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

type graphPartition struct {
	nodes map[string]common.EntityNode
	edges map[string]store.GraphEdge
}

// GraphStore is an in-memory store.Graph.
type GraphStore struct {
	mu         sync.RWMutex
	multiUser  bool
	partitions map[string]*graphPartition
	writes     int
	hook       WriteHook
}

// NewGraphStore creates an empty graph store.
func NewGraphStore(multiUser bool) *GraphStore {
	return &GraphStore{
		multiUser:  multiUser,
		partitions: make(map[string]*graphPartition),
	}
}

// SetWriteHook installs a failure-injection hook for tests.
func (s *GraphStore) SetWriteHook(hook WriteHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

// WriteCount reports the number of successful mutating calls.
func (s *GraphStore) WriteCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

// NodeCount reports the number of nodes in a partition.
func (s *GraphStore) NodeCount(partition string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.partitions[partition]
	if !ok {
		return 0
	}
	return len(p.nodes)
}

func (s *GraphStore) Capabilities() store.Capabilities {
	return store.Capabilities{MultiUser: s.multiUser}
}

func (s *GraphStore) partition(name string) *graphPartition {
	p, ok := s.partitions[name]
	if !ok {
		p = &graphPartition{
			nodes: make(map[string]common.EntityNode),
			edges: make(map[string]store.GraphEdge),
		}
		s.partitions[name] = p
	}
	return p
}

func (s *GraphStore) UpsertNode(ctx context.Context, partition string, node common.EntityNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hook != nil {
		if err := s.hook("upsert_node", partition); err != nil {
			return err
		}
	}
	if node.ID == "" {
		return fmt.Errorf("node with empty id")
	}
	p := s.partition(partition)
	props := make(map[string]string, len(node.Properties))
	for k, v := range node.Properties {
		props[k] = v
	}
	p.nodes[node.ID] = common.EntityNode{ID: node.ID, Properties: props}
	s.writes++
	return nil
}

func (s *GraphStore) UpsertEdge(ctx context.Context, partition string, edge store.GraphEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hook != nil {
		if err := s.hook("upsert_edge", partition); err != nil {
			return err
		}
	}
	if edge.Node1ID == "" || edge.Node2ID == "" {
		return fmt.Errorf("edge with empty endpoint")
	}
	p := s.partition(partition)
	key := edge.Node1ID + "|" + edge.Relationship + "|" + edge.Node2ID
	p.edges[key] = edge
	s.writes++
	return nil
}

func (s *GraphStore) Traverse(ctx context.Context, partition string, startID string, depth int) ([]common.EntityNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.partitions[partition]
	if !ok {
		return nil, nil
	}
	if _, ok := p.nodes[startID]; !ok {
		return nil, nil
	}

	visited := map[string]bool{startID: true}
	frontier := []string{startID}
	order := []string{startID}

	for d := 0; d < depth; d++ {
		var next []string
		for _, id := range frontier {
			for _, edge := range p.edges {
				var neighbor string
				switch id {
				case edge.Node1ID:
					neighbor = edge.Node2ID
				case edge.Node2ID:
					neighbor = edge.Node1ID
				default:
					continue
				}
				if visited[neighbor] {
					continue
				}
				if _, ok := p.nodes[neighbor]; !ok {
					continue
				}
				visited[neighbor] = true
				next = append(next, neighbor)
			}
		}
		sort.Strings(next)
		order = append(order, next...)
		frontier = next
	}

	out := make([]common.EntityNode, 0, len(order))
	for _, id := range order {
		out = append(out, p.nodes[id])
	}
	return out, nil
}
