// internal/ingest/pipeline.go
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/neo-alexandria/alexandria/internal/config"
	"github.com/neo-alexandria/alexandria/internal/embeddings"
	"github.com/neo-alexandria/alexandria/internal/eventbus"
	"github.com/neo-alexandria/alexandria/internal/index/dense"
	"github.com/neo-alexandria/alexandria/internal/index/lexical"
	"github.com/neo-alexandria/alexandria/internal/kernel"
	"github.com/neo-alexandria/alexandria/internal/logging"
	"github.com/neo-alexandria/alexandria/internal/resource"
	"github.com/neo-alexandria/alexandria/internal/taskqueue"
)

// embedBodyChars caps how much archive text feeds the embedders.
const embedBodyChars = 4096

// Pipeline drives a resource from pending to completed: fetch, extract,
// archive, embed, index, and hand the rest to queued tasks.
type Pipeline struct {
	db      *kernel.DB
	repo    *resource.Repository
	fetcher Fetcher
	dense   embeddings.Provider
	sparse  embeddings.SparseEncoder
	lexical *lexical.Index
	vectors dense.Index
	queue   *taskqueue.Queue
	bus     *eventbus.Bus
	logger  *logging.Logger
	cfg     config.IngestConfig
}

// NewPipeline wires the ingestion pipeline.
func NewPipeline(db *kernel.DB, repo *resource.Repository, fetcher Fetcher,
	provider embeddings.Provider, sparseEnc embeddings.SparseEncoder,
	lex *lexical.Index, vectors dense.Index, queue *taskqueue.Queue,
	bus *eventbus.Bus, cfg config.IngestConfig, logger *logging.Logger) *Pipeline {
	return &Pipeline{
		db: db, repo: repo, fetcher: fetcher, dense: provider, sparse: sparseEnc,
		lexical: lex, vectors: vectors, queue: queue, bus: bus, cfg: cfg,
		logger: logger.Named("ingest"),
	}
}

// Process handles one ingest task. Transient failures propagate so the
// queue retries with backoff; permanent failures and exhausted retries
// fail the resource and settle the task.
func (p *Pipeline) Process(ctx context.Context, task *taskqueue.Task) error {
	resourceID, _ := task.Payload["resource_id"].(string)
	if resourceID == "" {
		return &PermanentError{Reason: "ingest task without resource_id"}
	}
	res, err := p.repo.Get(ctx, resourceID)
	if errors.Is(err, resource.ErrNotFound) {
		return nil // deleted while queued
	}
	if err != nil {
		return err
	}
	if res.IngestionStatus == resource.StatusCompleted || res.IngestionStatus == resource.StatusFailed {
		return nil // settled by an earlier attempt
	}

	lastAttempt := task.Attempts+1 >= task.MaxAttempts
	err = p.run(ctx, res)
	switch {
	case err == nil:
		return nil
	case Permanent(err) || lastAttempt:
		if failErr := p.fail(ctx, res.ID, err.Error()); failErr != nil {
			p.logger.Error(ctx, "failed to settle ingestion failure",
				zap.String("resource_id", res.ID), zap.Error(failErr))
		}
		return nil
	default:
		return err
	}
}

func (p *Pipeline) run(ctx context.Context, res *resource.Resource) error {
	fetchCtx := ctx
	if timeout := p.cfg.FetchTimeout.Duration(); timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	page, err := p.fetcher.Fetch(fetchCtx, res.URL)
	if err != nil {
		return err
	}
	doc, err := ExtractDocument(page)
	if err != nil {
		return err
	}

	// Archive first. A crash after this point replays the task, which
	// re-extracts identical content into identical rows.
	err = p.db.InTx(ctx, func(tx *kernel.Tx) error {
		if res.IngestionStatus == resource.StatusPending {
			if err := p.repo.MarkProcessing(ctx, tx, res.ID); err != nil {
				return err
			}
		}
		if err := p.repo.SetArchiveTx(ctx, tx, res.ID, doc.Text); err != nil {
			return err
		}
		if err := p.repo.ApplyExtractedTx(ctx, tx, res.ID, doc.Meta); err != nil {
			return err
		}
		tx.OnCommit(func() {
			p.bus.Emit(ctx, eventbus.ResourceContentChanged, map[string]any{
				"resource_id": res.ID,
			})
		})
		return nil
	})
	if err != nil {
		return err
	}

	res, err = p.repo.Get(ctx, res.ID)
	if err != nil {
		return err
	}
	return p.enrich(ctx, res, doc.Text)
}

// enrich computes both vector representations, updates the indices, and
// completes the resource. Downstream analysis rides the task queue.
func (p *Pipeline) enrich(ctx context.Context, res *resource.Resource, body string) error {
	text := embedText(res.Title, res.Description, body)
	denseVecs, err := p.dense.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return fmt.Errorf("dense embedding: %w", err)
	}
	sparseVec, err := p.sparse.EncodeDocument(ctx, text)
	if err != nil {
		return fmt.Errorf("sparse encoding: %w", err)
	}

	id := res.ID
	err = p.db.InTx(ctx, func(tx *kernel.Tx) error {
		if err := p.repo.SaveDenseVectorTx(ctx, tx, resource.DenseVector{
			ResourceID: id, Vector: denseVecs[0], ModelVersion: p.dense.ModelVersion(),
		}); err != nil {
			return err
		}
		if err := p.repo.SaveSparseVectorTx(ctx, tx, resource.SparseVector{
			ResourceID: id, Vector: sparseVec, ModelVersion: p.sparse.ModelVersion(),
		}); err != nil {
			return err
		}
		if err := p.lexical.UpsertTx(ctx, tx, id, res.Title, res.Description, body); err != nil {
			return err
		}
		if err := p.repo.MarkCompleted(ctx, tx, id); err != nil {
			return err
		}
		for _, taskType := range []string{
			taskqueue.TypeClassifyResource,
			taskqueue.TypeQualityRecompute,
			taskqueue.TypeCitationExtract,
			taskqueue.TypeGraphUpdateEdges,
		} {
			if err := p.queue.EnqueueTx(ctx, tx, taskType, map[string]any{
				"resource_id": id,
			}); err != nil {
				return err
			}
		}
		tx.OnCommit(func() {
			if err := p.vectors.Upsert(ctx, id, denseVecs[0]); err != nil {
				p.logger.Warn(ctx, "dense index upsert failed",
					zap.String("resource_id", id), zap.Error(err))
			}
			p.bus.Emit(ctx, eventbus.IngestionCompleted, map[string]any{
				"resource_id": id,
			})
		})
		return nil
	})
	if err != nil {
		return err
	}
	p.logger.Info(ctx, "resource ingested", zap.String("resource_id", id))
	return nil
}

// fail moves the resource to failed and records why.
func (p *Pipeline) fail(ctx context.Context, id, reason string) error {
	res, err := p.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	return p.db.InTx(ctx, func(tx *kernel.Tx) error {
		if res.IngestionStatus == resource.StatusPending {
			if err := p.repo.MarkProcessing(ctx, tx, id); err != nil {
				return err
			}
		}
		if err := p.repo.MarkFailed(ctx, tx, id, reason); err != nil {
			return err
		}
		tx.OnCommit(func() {
			p.bus.Emit(ctx, eventbus.IngestionFailed, map[string]any{
				"resource_id": id,
				"reason":      reason,
			})
		})
		return nil
	})
}

// Reindex replays every completed resource through the embedding and
// index upserts. Derived data is rebuildable from the canonical rows.
func (p *Pipeline) Reindex(ctx context.Context) (int, error) {
	ids, err := p.repo.CompletedIDs(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, id := range ids {
		if err := p.ReindexResource(ctx, id); err != nil {
			if errors.Is(err, resource.ErrNotFound) {
				continue
			}
			return count, err
		}
		count++
	}
	p.logger.Info(ctx, "reindex finished", zap.Int("resources", count))
	return count, nil
}

// ReindexResource regenerates the vectors and the lexical document for a
// single resource from its archived body.
func (p *Pipeline) ReindexResource(ctx context.Context, id string) error {
	res, err := p.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	body, err := p.repo.ArchiveText(ctx, id)
	if err != nil {
		return err
	}
	text := embedText(res.Title, res.Description, body)
	denseVecs, err := p.dense.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return fmt.Errorf("dense embedding for %s: %w", id, err)
	}
	sparseVec, err := p.sparse.EncodeDocument(ctx, text)
	if err != nil {
		return fmt.Errorf("sparse encoding for %s: %w", id, err)
	}
	err = p.db.InTx(ctx, func(tx *kernel.Tx) error {
		if err := p.repo.SaveDenseVectorTx(ctx, tx, resource.DenseVector{
			ResourceID: id, Vector: denseVecs[0], ModelVersion: p.dense.ModelVersion(),
		}); err != nil {
			return err
		}
		if err := p.repo.SaveSparseVectorTx(ctx, tx, resource.SparseVector{
			ResourceID: id, Vector: sparseVec, ModelVersion: p.sparse.ModelVersion(),
		}); err != nil {
			return err
		}
		return p.lexical.UpsertTx(ctx, tx, id, res.Title, res.Description, body)
	})
	if err != nil {
		return err
	}
	if err := p.vectors.Upsert(ctx, id, denseVecs[0]); err != nil {
		p.logger.Warn(ctx, "dense index upsert failed",
			zap.String("resource_id", id), zap.Error(err))
	}
	return nil
}

func embedText(title, description, body string) string {
	if runes := []rune(body); len(runes) > embedBodyChars {
		body = string(runes[:embedBodyChars])
	}
	return strings.TrimSpace(title + " " + description + " " + body)
}
