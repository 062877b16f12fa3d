package common

import "time"

// ProcessingStatus tracks an item through the ingestion pipeline. The string
// values are persisted as-is and must never be renamed; stored rows written
// by earlier deployments carry the same values.
type ProcessingStatus string

const (
	StatusUnprocessed ProcessingStatus = "unprocessed"
	StatusProcessing  ProcessingStatus = "processing"
	StatusProcessed   ProcessingStatus = "processed"
	StatusError       ProcessingStatus = "error"
)

// Valid reports whether s is one of the four known statuses.
func (s ProcessingStatus) Valid() bool {
	switch s {
	case StatusUnprocessed, StatusProcessing, StatusProcessed, StatusError:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal status for a pipeline run.
func (s ProcessingStatus) Terminal() bool {
	return s == StatusProcessed || s == StatusError
}

// Item is one ingestible unit of raw content tracked through the pipeline.
//
// ContentHash is unique within a dataset; ingesting identical content twice
// collapses to the existing item. Status and Label round-trip through the
// relational store unchanged.
type Item struct {
	ID           string           `json:"id"`
	ContentHash  string           `json:"content_hash"`
	Label        string           `json:"label"`
	Status       ProcessingStatus `json:"processing_status"`
	StatusReason string           `json:"status_reason"`
	DatasetID    string           `json:"dataset_id"`
	TenantID     string           `json:"tenant_id"`
	NodeSet      []string         `json:"node_set"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// BoundaryKind classifies the boundary that terminated a chunk.
type BoundaryKind string

const (
	BoundaryWord         BoundaryKind = "word"
	BoundarySentenceEnd  BoundaryKind = "sentence_end"
	BoundaryParagraphEnd BoundaryKind = "paragraph_end"
)

// Chunk is an ordered text segment belonging to an item. Chunks are
// ephemeral; they exist only for the duration of a pipeline run.
type Chunk struct {
	Text          string       `json:"text"`
	Boundary      BoundaryKind `json:"boundary_kind"`
	SequenceIndex int          `json:"sequence_index"`
}

// TripletNode is one end of an extracted triplet: an entity identity plus
// whatever descriptive attributes the extractor produced for it.
type TripletNode struct {
	ID         string            `json:"id"`
	Attributes map[string]string `json:"attributes"`
}

// Triplet is one extracted (entity, relationship, entity) fact. Triplets are
// not persisted directly; the resolver derives graph nodes and edges from
// them.
type Triplet struct {
	Node1        TripletNode `json:"node1"`
	Relationship string      `json:"relationship"`
	Node2        TripletNode `json:"node2"`
}

// EntityNode is a deduplicated graph vertex. Its ID is the extracted
// identity and is stable across re-runs of the same content.
type EntityNode struct {
	ID         string            `json:"id"`
	Properties map[string]string `json:"properties"`
}

// Edge connects two nodes of a GraphDelta by arena index, not by pointer, so
// cyclic structures are representable without ownership hazards.
type Edge struct {
	Node1        int    `json:"node1"`
	Relationship string `json:"relationship"`
	Node2        int    `json:"node2"`
}

// GraphDelta is the deduplicated node/edge set derived from one item's
// triplets. Nodes form an arena; edges reference nodes by arena index.
type GraphDelta struct {
	Nodes []EntityNode `json:"nodes"`
	Edges []Edge       `json:"edges"`
}

// Permission is one of the four grantable actions on a resource.
type Permission string

const (
	PermissionRead   Permission = "read"
	PermissionWrite  Permission = "write"
	PermissionDelete Permission = "delete"
	PermissionShare  Permission = "share"
)

// Valid reports whether p is one of the four grantable permissions.
func (p Permission) Valid() bool {
	switch p {
	case PermissionRead, PermissionWrite, PermissionDelete, PermissionShare:
		return true
	}
	return false
}

// Grant is an explicit (subject, resource, permission) tuple. Grants are
// additive; revocation removes the specific tuple.
type Grant struct {
	Subject    string     `json:"subject"`
	Resource   string     `json:"resource"`
	Permission Permission `json:"permission"`
}

// RunRecord tracks one orchestration pass over a dataset.
type RunRecord struct {
	RunID      string    `json:"run_id"`
	DatasetID  string    `json:"dataset_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Processed  int       `json:"processed"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	Cancelled  int       `json:"cancelled"`
}
