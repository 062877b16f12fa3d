// Package pgvector implements the vector capability contract on PostgreSQL
// with the pgvector extension.
package pgvector

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"github.com/loomkg/loom/pkg/store"
)

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
}

var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// VectorStore implements store.Vector. Each collection is one table with a
// pgvector column; cosine distance drives nearest-neighbor search. The
// provider is multi-user: tenant isolation happens through collection
// naming inside one physical database.
type VectorStore struct {
	conn   pgxIConn
	dbLock sync.Mutex
}

// NewVectorStore wraps an existing pgx connection or pool. The pool must
// have pgvector types registered (pgxvec.RegisterTypes).
func NewVectorStore(conn pgxIConn) *VectorStore {
	return &VectorStore{conn: conn}
}

func (s *VectorStore) Capabilities() store.Capabilities {
	return store.Capabilities{MultiUser: true}
}

func quoteIdent(name string) (string, error) {
	if !identPattern.MatchString(name) {
		return "", fmt.Errorf("invalid identifier %q", name)
	}
	return `"` + name + `"`, nil
}

func (s *VectorStore) CreateCollection(ctx context.Context, collection string, dimensions int) error {
	ident, err := quoteIdent(collection)
	if err != nil {
		return err
	}
	if dimensions <= 0 {
		return fmt.Errorf("invalid dimension count %d", dimensions)
	}

	s.dbLock.Lock()
	defer s.dbLock.Unlock()
	if _, err := s.conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to enable pgvector: %w", err)
	}
	query := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (id text PRIMARY KEY, embedding vector(%d), payload jsonb)",
		ident, dimensions,
	)
	if _, err := s.conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create collection %q: %w", collection, err)
	}
	return nil
}

func (s *VectorStore) UpsertEmbedding(ctx context.Context, collection string, id string, vector []float32, payload map[string]string) error {
	ident, err := quoteIdent(collection)
	if err != nil {
		return err
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	s.dbLock.Lock()
	defer s.dbLock.Unlock()
	query := fmt.Sprintf(`
		INSERT INTO %s (id, embedding, payload) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET embedding = EXCLUDED.embedding, payload = EXCLUDED.payload`,
		ident,
	)
	if _, err := s.conn.Exec(ctx, query, id, pgvector.NewVector(vector), payloadJSON); err != nil {
		return fmt.Errorf("failed to upsert embedding in %q: %w", collection, err)
	}
	return nil
}

func (s *VectorStore) SearchNearest(ctx context.Context, collection string, vector []float32, limit int) ([]store.Neighbor, error) {
	ident, err := quoteIdent(collection)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}

	query := fmt.Sprintf(`
		SELECT id, 1 - (embedding <=> $1) AS score, payload
		FROM %s
		ORDER BY embedding <=> $1
		LIMIT $2`,
		ident,
	)
	rows, err := s.conn.Query(ctx, query, pgvector.NewVector(vector), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search %q: %w", collection, err)
	}
	defer rows.Close()

	var out []store.Neighbor
	for rows.Next() {
		var (
			id          string
			score       float64
			payloadJSON []byte
		)
		if err := rows.Scan(&id, &score, &payloadJSON); err != nil {
			return nil, err
		}
		payload := make(map[string]string)
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &payload); err != nil {
				return nil, fmt.Errorf("failed to decode payload for %q: %w", id, err)
			}
		}
		out = append(out, store.Neighbor{ID: id, Score: float32(score), Payload: payload})
	}
	return out, rows.Err()
}
