// Package taskqueue implements the durable background work system.
//
// Tasks are rows in the canonical store, enqueued atomically with the
// transaction that caused them. Workers pull by priority within a queue,
// FIFO on ties; failures are rescheduled with exponential backoff until
// max_attempts, then dead-lettered. Handlers must be idempotent: the queue
// retries but never deduplicates.
package taskqueue

import "time"

// Task statuses.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusDead      = "dead"
)

// Named queues, ordered by their default priority.
const (
	QueueUrgent       = "urgent"        // p9
	QueueHighPriority = "high_priority" // p7
	QueueDefault      = "default"       // p5
	QueueMLTasks      = "ml_tasks"      // p5
	QueueBatch        = "batch"         // p3
)

// Standard task types.
const (
	TypeIngestProcess      = "ingest.process"
	TypeEmbeddingRegen     = "embedding.regenerate"
	TypeQualityRecompute   = "quality.recompute"
	TypeLexicalUpdate      = "lexical.update_index"
	TypeGraphUpdateEdges   = "graph.update_edges"
	TypeCitationExtract    = "citation.extract"
	TypeCitationResolve    = "citation.resolve"
	TypeCitationPageRank   = "citation.pagerank"
	TypeClassifyResource   = "classify.resource"
	TypeClassifierTrain    = "classify.train"
	TypeCacheInvalidate    = "cache.invalidate"
	TypeRefreshUserProfile = "recommendation.refresh_profile"
	TypeCollectionAggr     = "collection.recompute_aggregate"
)

// route describes where a task type goes by default.
type route struct {
	queue     string
	priority  int
	countdown time.Duration
}

// routes maps task types to their declared queue, priority, and countdown.
var routes = map[string]route{
	TypeIngestProcess:      {QueueHighPriority, 7, 0},
	TypeEmbeddingRegen:     {QueueHighPriority, 7, 5 * time.Second},
	TypeQualityRecompute:   {QueueDefault, 5, 10 * time.Second},
	TypeLexicalUpdate:      {QueueUrgent, 9, time.Second},
	TypeGraphUpdateEdges:   {QueueDefault, 5, 30 * time.Second},
	TypeCitationExtract:    {QueueDefault, 5, 0},
	TypeCitationResolve:    {QueueBatch, 3, 0},
	TypeCitationPageRank:   {QueueBatch, 3, 0},
	TypeClassifyResource:   {QueueDefault, 5, 20 * time.Second},
	TypeClassifierTrain:    {QueueMLTasks, 5, 0},
	TypeCacheInvalidate:    {QueueUrgent, 9, 0},
	TypeRefreshUserProfile: {QueueBatch, 3, 0},
	TypeCollectionAggr:     {QueueDefault, 5, 0},
}

// routeFor returns the route for a task type, defaulting to the default
// queue at priority 5.
func routeFor(taskType string) route {
	if r, ok := routes[taskType]; ok {
		return r
	}
	return route{QueueDefault, 5, 0}
}

// Backoff policy: exponential from 10s, capped at 10min.
const (
	backoffBase = 10 * time.Second
	backoffCap  = 10 * time.Minute

	// DefaultMaxAttempts is applied when the enqueuer does not override it.
	DefaultMaxAttempts = 3
)

// backoffFor returns the delay before retry number attempt (1-based).
func backoffFor(attempt int) time.Duration {
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	if d > backoffCap {
		return backoffCap
	}
	return d
}

// Task is a queued unit of work.
type Task struct {
	ID            int64          `json:"id"`
	Type          string         `json:"type"`
	Queue         string         `json:"queue"`
	Payload       map[string]any `json:"payload"`
	Priority      int            `json:"priority"`
	EarliestRunAt time.Time      `json:"earliest_run_at"`
	Attempts      int            `json:"attempts"`
	MaxAttempts   int            `json:"max_attempts"`
	Status        string         `json:"status"`
	LastError     string         `json:"last_error,omitempty"`
}
