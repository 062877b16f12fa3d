package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loomkg/loom/internal/config"
	"github.com/loomkg/loom/pkg/extract"
	"github.com/loomkg/loom/pkg/ingest"
	"github.com/loomkg/loom/pkg/logger"
	"github.com/loomkg/loom/pkg/permission"
	"github.com/loomkg/loom/pkg/pipeline"
	"github.com/loomkg/loom/pkg/store"
)

// Deps holds the external collaborators message handlers need. The caller
// owns their lifecycle; handlers only borrow them.
type Deps struct {
	Blobs     ingest.BlobStore
	Extractor extract.Extractor
	Embedder  extract.Embedder
	Schema    extract.Schema
	Config    config.Config
}

// session is the per-tenant object graph for one message: bound storage
// providers, the permission guard, and the pipeline entry points.
type session struct {
	bundle       *store.Bundle
	guard        *permission.Guard
	ingest       *ingest.Service
	orchestrator *pipeline.Orchestrator
}

// bindSession constructs the tenant session for one message. The tenant id
// doubles as the tenant owner subject; front-ends resolve real user ids to
// subjects before publishing.
func bindSession(ctx context.Context, deps Deps, tenantID string) (*session, error) {
	bundle, err := store.Bind(ctx, deps.Config.StoreConfig(), tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to bind storage providers: %w", err)
	}

	guard, err := permission.NewGuard(ctx, permission.NewGuardParams{
		Relational:      bundle.Relational,
		Table:           bundle.Table(permission.GrantsTable),
		Owner:           tenantID,
		ManagementRoles: deps.Config.ManagementRoles,
	})
	if err != nil {
		return nil, err
	}

	service, err := ingest.NewService(ctx, ingest.NewServiceParams{
		Bundle: bundle,
		Guard:  guard,
		Blobs:  deps.Blobs,
	})
	if err != nil {
		return nil, err
	}

	orchestrator, err := pipeline.NewOrchestrator(ctx, pipeline.NewOrchestratorParams{
		Bundle:    bundle,
		Guard:     guard,
		Blobs:     deps.Blobs,
		Extractor: deps.Extractor,
		Embedder:  deps.Embedder,
		Schema:    deps.Schema,

		Encoder:             deps.Config.Encoder,
		MaxSegmentTokens:    deps.Config.MaxSegmentTokens,
		ItemWorkers:         deps.Config.ItemWorkers,
		SegmentWorkers:      deps.Config.SegmentWorkers,
		ExtractionTimeout:   deps.Config.ExtractionTimeout,
		ExtractionAttempts:  deps.Config.ExtractionAttempts,
		EmbeddingDimensions: deps.Config.EmbeddingDimensions,
	})
	if err != nil {
		return nil, err
	}

	return &session{
		bundle:       bundle,
		guard:        guard,
		ingest:       service,
		orchestrator: orchestrator,
	}, nil
}

// ProcessIngestMessage admits one piece of content into a dataset.
func ProcessIngestMessage(ctx context.Context, deps Deps, body []byte) error {
	var msg IngestMsg
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("failed to decode ingest message: %w", err)
	}
	if msg.TenantID == "" || msg.DatasetID == "" {
		return fmt.Errorf("ingest message missing tenant or dataset id")
	}

	sess, err := bindSession(ctx, deps, msg.TenantID)
	if err != nil {
		return err
	}

	item, err := sess.ingest.Add(ctx, msg.Subject, msg.Content, msg.DatasetID, ingest.AddOptions{
		Label:   msg.Label,
		NodeSet: msg.NodeSet,
	})
	if err != nil {
		return err
	}

	logger.Info("[Queue] ingest handled", "tenant", msg.TenantID, "dataset", msg.DatasetID, "item", item.ID)
	return nil
}

// ProcessRunMessage drives one dataset through the pipeline. A run with
// failed items is still a handled message; failures live in item statuses
// and are retried by a later run, not by message redelivery.
func ProcessRunMessage(ctx context.Context, deps Deps, body []byte) error {
	var msg RunMsg
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("failed to decode run message: %w", err)
	}
	if msg.TenantID == "" || msg.DatasetID == "" {
		return fmt.Errorf("run message missing tenant or dataset id")
	}

	sess, err := bindSession(ctx, deps, msg.TenantID)
	if err != nil {
		return err
	}

	record, err := sess.orchestrator.Run(ctx, msg.Subject, msg.DatasetID, pipeline.RunOptions{
		Force:    msg.Force,
		Temporal: msg.Temporal,
	})
	if err != nil {
		return err
	}

	if record.Failed > 0 {
		logger.Warn("[Queue] run finished with failed items", "run", record.RunID, "failed", record.Failed)
	}
	logger.Info("[Queue] run handled", "tenant", msg.TenantID, "dataset", msg.DatasetID,
		"run", record.RunID, "processed", record.Processed, "skipped", record.Skipped)
	return nil
}
