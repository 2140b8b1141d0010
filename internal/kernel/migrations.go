// internal/kernel/migrations.go
package kernel

import "fmt"

// migrations are applied in order exactly once. Never edit an entry that has
// shipped; append a new one.
var migrations = []string{
	// 1: canonical resource rows and blobs
	`CREATE TABLE IF NOT EXISTS resources (
		id TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		creator TEXT NOT NULL DEFAULT '',
		publisher TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL DEFAULT '',
		subjects TEXT NOT NULL DEFAULT '[]',
		classification_code TEXT NOT NULL DEFAULT '',
		read_status TEXT NOT NULL DEFAULT 'unread',
		ingestion_status TEXT NOT NULL DEFAULT 'pending',
		ingestion_error TEXT NOT NULL DEFAULT '',
		archive_text TEXT NOT NULL DEFAULT '',
		doi TEXT NOT NULL DEFAULT '',
		publication_date TEXT,
		authors TEXT NOT NULL DEFAULT '[]',
		has_equations INTEGER NOT NULL DEFAULT 0,
		has_tables INTEGER NOT NULL DEFAULT 0,
		has_figures INTEGER NOT NULL DEFAULT 0,
		dense_model_version TEXT NOT NULL DEFAULT '',
		sparse_model_version TEXT NOT NULL DEFAULT '',
		classifier_model_version TEXT NOT NULL DEFAULT '',
		quality_overall REAL,
		quality_accuracy REAL,
		quality_completeness REAL,
		quality_consistency REAL,
		quality_timeliness REAL,
		quality_relevance REAL,
		needs_quality_review INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_resources_status ON resources(ingestion_status)`,
	`CREATE INDEX IF NOT EXISTS idx_resources_class ON resources(classification_code)`,
	`CREATE INDEX IF NOT EXISTS idx_resources_url ON resources(url)`,

	// 2: per-resource vector sidecars (canonical; indices are projections)
	`CREATE TABLE IF NOT EXISTS dense_vectors (
		resource_id TEXT PRIMARY KEY REFERENCES resources(id) ON DELETE CASCADE,
		vector BLOB NOT NULL,
		dim INTEGER NOT NULL,
		model_version TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sparse_vectors (
		resource_id TEXT PRIMARY KEY REFERENCES resources(id) ON DELETE CASCADE,
		vector TEXT NOT NULL,
		model_version TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,

	// 3: sparse index posting list projection
	`CREATE TABLE IF NOT EXISTS sparse_postings (
		term_id INTEGER NOT NULL,
		resource_id TEXT NOT NULL,
		weight REAL NOT NULL,
		PRIMARY KEY (term_id, resource_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sparse_postings_term ON sparse_postings(term_id)`,

	// 4: lexical full-text index (title > description > body via bm25 weights)
	`CREATE VIRTUAL TABLE IF NOT EXISTS lexical_fts USING fts5(
		resource_id UNINDEXED,
		title,
		description,
		body,
		tokenize = 'porter unicode61'
	)`,

	// 5: annotations
	`CREATE TABLE IF NOT EXISTS annotations (
		id TEXT PRIMARY KEY,
		resource_id TEXT NOT NULL REFERENCES resources(id) ON DELETE CASCADE,
		start_offset INTEGER NOT NULL,
		end_offset INTEGER NOT NULL,
		highlighted_text TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '[]',
		color TEXT NOT NULL DEFAULT '',
		note_embedding BLOB,
		owner TEXT NOT NULL,
		shared INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_annotations_resource ON annotations(resource_id)`,

	// 6: collections
	`CREATE TABLE IF NOT EXISTS collections (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		visibility TEXT NOT NULL DEFAULT 'private',
		parent_id TEXT REFERENCES collections(id),
		owner TEXT NOT NULL,
		aggregate_embedding BLOB,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS collection_members (
		collection_id TEXT NOT NULL REFERENCES collections(id) ON DELETE CASCADE,
		resource_id TEXT NOT NULL REFERENCES resources(id) ON DELETE CASCADE,
		added_at TEXT NOT NULL,
		PRIMARY KEY (collection_id, resource_id)
	)`,

	// 7: taxonomy tree with materialized paths
	`CREATE TABLE IF NOT EXISTS taxonomy_nodes (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		slug TEXT NOT NULL,
		parent_id TEXT REFERENCES taxonomy_nodes(id),
		level INTEGER NOT NULL,
		path TEXT NOT NULL,
		keywords TEXT NOT NULL DEFAULT '[]',
		allow_resources INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_taxonomy_sibling_slug
		ON taxonomy_nodes(COALESCE(parent_id, ''), slug)`,
	`CREATE INDEX IF NOT EXISTS idx_taxonomy_path ON taxonomy_nodes(path)`,
	`CREATE TABLE IF NOT EXISTS taxonomy_assignments (
		resource_id TEXT NOT NULL REFERENCES resources(id) ON DELETE CASCADE,
		node_id TEXT NOT NULL REFERENCES taxonomy_nodes(id) ON DELETE CASCADE,
		confidence REAL NOT NULL,
		source TEXT NOT NULL,
		model_version TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		PRIMARY KEY (resource_id, node_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_assignments_node ON taxonomy_assignments(node_id)`,
	`CREATE TABLE IF NOT EXISTS training_examples (
		id TEXT PRIMARY KEY,
		resource_id TEXT NOT NULL,
		node_ids TEXT NOT NULL,
		created_at TEXT NOT NULL,
		consumed INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS classifier_models (
		version TEXT PRIMARY KEY,
		metrics TEXT NOT NULL DEFAULT '{}',
		active INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	)`,

	// 8: citations
	`CREATE TABLE IF NOT EXISTS citations (
		id TEXT PRIMARY KEY,
		source_resource_id TEXT NOT NULL REFERENCES resources(id) ON DELETE CASCADE,
		target_url TEXT NOT NULL,
		normalized_url TEXT NOT NULL,
		target_resource_id TEXT,
		type TEXT NOT NULL,
		context TEXT NOT NULL DEFAULT '',
		position INTEGER NOT NULL,
		importance REAL,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_citations_source ON citations(source_resource_id)`,
	`CREATE INDEX IF NOT EXISTS idx_citations_target ON citations(target_resource_id)`,
	`CREATE INDEX IF NOT EXISTS idx_citations_normalized ON citations(normalized_url)`,

	// 9: interactions and derived profiles
	`CREATE TABLE IF NOT EXISTS interactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		strength REAL NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_interactions_user ON interactions(user_id)`,
	`CREATE TABLE IF NOT EXISTS user_profiles (
		user_id TEXT PRIMARY KEY,
		vector BLOB,
		topics TEXT NOT NULL DEFAULT '{}',
		updated_at TEXT NOT NULL
	)`,

	// 10: durable task queue
	`CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		queue TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		priority INTEGER NOT NULL DEFAULT 5,
		earliest_run_at TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		status TEXT NOT NULL DEFAULT 'queued',
		last_error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(status, priority DESC, earliest_run_at, id)`,

	// 11: derived knowledge graph edges (rebuildable projection)
	`CREATE TABLE IF NOT EXISTS graph_edges (
		a_id TEXT NOT NULL,
		b_id TEXT NOT NULL,
		score REAL NOT NULL,
		vector_sim REAL NOT NULL,
		subject_sim REAL NOT NULL,
		class_match INTEGER NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (a_id, b_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_graph_edges_score ON graph_edges(score DESC)`,

	// 12: quality score history for degradation monitoring
	`CREATE TABLE IF NOT EXISTS quality_history (
		resource_id TEXT NOT NULL,
		overall REAL NOT NULL,
		accuracy REAL NOT NULL,
		completeness REAL NOT NULL,
		consistency REAL NOT NULL,
		timeliness REAL NOT NULL,
		relevance REAL NOT NULL,
		computed_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_quality_history ON quality_history(resource_id, computed_at)`,
}

// migrate applies pending migrations.
func (d *DB) migrate() error {
	if _, err := d.sql.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	var current int
	if err := d.sql.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		if _, err := d.sql.Exec(migrations[i]); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
		if _, err := d.sql.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			i+1, d.clock.Now().Format("2006-01-02T15:04:05Z07:00")); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", i+1, err)
		}
	}
	return nil
}
