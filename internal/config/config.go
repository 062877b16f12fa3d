// Package config assembles the worker configuration from the environment.
package config

import (
	"strings"
	"time"

	"github.com/loomkg/loom/internal/util"
	"github.com/loomkg/loom/pkg/store"
)

// Config holds every tunable of the pipeline worker. Values come from the
// environment; nothing is hardcoded to a concrete provider.
type Config struct {
	RelationalProvider string
	VectorProvider     string
	GraphProvider      string

	Encoder             string
	MaxSegmentTokens    int
	ItemWorkers         int
	SegmentWorkers      int
	ExtractionTimeout   time.Duration
	ExtractionAttempts  int
	EmbeddingDimensions int

	ManagementRoles []string

	RetryTTLMS int
}

// Load reads the configuration from the environment.
func Load() Config {
	cfg := Config{
		RelationalProvider: util.GetEnvString("STORE_RELATIONAL", "pgx"),
		VectorProvider:     util.GetEnvString("STORE_VECTOR", "pgvector"),
		GraphProvider:      util.GetEnvString("STORE_GRAPH", "neo4j"),

		Encoder:             util.GetEnvString("CHUNK_ENCODER", "o200k_base"),
		MaxSegmentTokens:    util.GetEnvInt("CHUNK_MAX_TOKENS", 512),
		ItemWorkers:         util.GetEnvInt("PIPELINE_ITEM_WORKERS", 4),
		SegmentWorkers:      util.GetEnvInt("PIPELINE_SEGMENT_WORKERS", 4),
		ExtractionTimeout:   time.Duration(util.GetEnvInt("EXTRACTION_TIMEOUT_MS", 60000)) * time.Millisecond,
		ExtractionAttempts:  util.GetEnvInt("EXTRACTION_ATTEMPTS", 2),
		EmbeddingDimensions: util.GetEnvInt("AI_EMBED_DIMENSIONS", 1536),

		RetryTTLMS: util.GetEnvInt("QUEUE_RETRY_TTL_MS", 10000),
	}

	roles := util.GetEnvString("MANAGEMENT_ROLES", "tenant_admin")
	for _, role := range strings.Split(roles, ",") {
		role = strings.TrimSpace(role)
		if role != "" {
			cfg.ManagementRoles = append(cfg.ManagementRoles, role)
		}
	}

	return cfg
}

// StoreConfig returns the provider selection for store.Bind.
func (c Config) StoreConfig() store.Config {
	return store.Config{
		RelationalProvider: c.RelationalProvider,
		VectorProvider:     c.VectorProvider,
		GraphProvider:      c.GraphProvider,
	}
}
