// internal/resource/repo.go
package resource

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/neo-alexandria/alexandria/internal/embeddings"
	"github.com/neo-alexandria/alexandria/internal/kernel"
)

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// Repository persists resources and their vector sidecars.
type Repository struct {
	db *kernel.DB
}

// NewRepository creates a repository over the canonical store.
func NewRepository(db *kernel.DB) *Repository {
	return &Repository{db: db}
}

// NewID mints a resource id.
func NewID() string { return uuid.NewString() }

const resourceColumns = `id, url, title, description, creator, publisher, language, type,
	subjects, classification_code, read_status, ingestion_status, ingestion_error,
	doi, publication_date, authors, has_equations, has_tables, has_figures,
	dense_model_version, sparse_model_version, classifier_model_version,
	quality_overall, quality_accuracy, quality_completeness, quality_consistency,
	quality_timeliness, quality_relevance, needs_quality_review,
	created_at, updated_at, started_at, completed_at`

// CreateTx inserts a new pending resource inside the caller's transaction.
func (r *Repository) CreateTx(ctx context.Context, tx *kernel.Tx, res *Resource) error {
	if res.URL == "" {
		return fmt.Errorf("%w: url is required", ErrValidation)
	}
	if res.ID == "" {
		res.ID = NewID()
	}
	now := r.db.Clock().Now().UTC()
	res.CreatedAt = now
	res.UpdatedAt = now
	if res.IngestionStatus == "" {
		res.IngestionStatus = StatusPending
	}
	if res.ReadStatus == "" {
		res.ReadStatus = ReadStatusUnread
	}

	_, err := tx.ExecContext(ctx, `INSERT INTO resources (
		id, url, title, description, creator, publisher, language, type,
		subjects, classification_code, read_status, ingestion_status,
		doi, publication_date, authors, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.ID, res.URL, res.Title, res.Description, res.Creator, res.Publisher,
		res.Language, res.Type, marshalStrings(res.Subjects), res.ClassificationCode,
		res.ReadStatus, res.IngestionStatus, res.DOI, formatTimePtr(res.PublicationDate),
		marshalStrings(res.Authors), now.Format(timeLayout), now.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to insert resource: %w", err)
	}
	return nil
}

// Get loads one resource by id, without the archive text.
func (r *Repository) Get(ctx context.Context, id string) (*Resource, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+resourceColumns+` FROM resources WHERE id = ?`, id)
	res, err := scanResource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return res, err
}

// GetMany loads a batch of resources keyed by id. Missing ids are absent
// from the result, not an error.
func (r *Repository) GetMany(ctx context.Context, ids []string) (map[string]*Resource, error) {
	out := make(map[string]*Resource, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE id IN (` + placeholders(len(ids)) + `)`
	rows, err := r.db.QueryContext(ctx, query, anySlice(ids)...)
	if err != nil {
		return nil, fmt.Errorf("failed to load resources: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		res, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		out[res.ID] = res
	}
	return out, rows.Err()
}

// ArchiveText loads the archived body of a resource.
func (r *Repository) ArchiveText(ctx context.Context, id string) (string, error) {
	var text string
	err := r.db.QueryRowContext(ctx,
		`SELECT archive_text FROM resources WHERE id = ?`, id).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return text, err
}

// SetArchiveTx stores the extracted body text.
func (r *Repository) SetArchiveTx(ctx context.Context, tx *kernel.Tx, id, text string) error {
	return r.execOne(ctx, tx,
		`UPDATE resources SET archive_text = ?, updated_at = ? WHERE id = ?`,
		text, r.now(), id)
}

// ApplyExtractedTx merges metadata derived from fetched content. Caller
// overrides win: descriptive fields only fill columns that are still
// blank, while the scholarly and multimodal signals always refresh.
func (r *Repository) ApplyExtractedTx(ctx context.Context, tx *kernel.Tx, id string, ext Extracted) error {
	return r.execOne(ctx, tx, `UPDATE resources SET
		title       = CASE WHEN title = ''       THEN ? ELSE title END,
		description = CASE WHEN description = '' THEN ? ELSE description END,
		creator     = CASE WHEN creator = ''     THEN ? ELSE creator END,
		publisher   = CASE WHEN publisher = ''   THEN ? ELSE publisher END,
		language    = CASE WHEN language = ''    THEN ? ELSE language END,
		type        = CASE WHEN type = ''        THEN ? ELSE type END,
		subjects    = CASE WHEN subjects = '[]'  THEN ? ELSE subjects END,
		doi = ?, publication_date = ?, authors = ?,
		has_equations = ?, has_tables = ?, has_figures = ?,
		updated_at = ?
		WHERE id = ?`,
		ext.Title, ext.Description, ext.Creator, ext.Publisher, ext.Language,
		ext.Type, marshalStrings(ext.Subjects), ext.DOI,
		formatTimePtr(ext.PublicationDate), marshalStrings(ext.Authors),
		boolInt(ext.HasEquations), boolInt(ext.HasTables), boolInt(ext.HasFigures),
		r.now(), id)
}

// UpdateTx applies a partial metadata update and returns the changed column
// names. ErrNotFound if the resource does not exist.
func (r *Repository) UpdateTx(ctx context.Context, tx *kernel.Tx, id string, upd Update) ([]string, error) {
	sets := []string{}
	args := []any{}
	changed := []string{}
	add := func(col string, val any) {
		sets = append(sets, col+" = ?")
		args = append(args, val)
		changed = append(changed, col)
	}

	if upd.Title != nil {
		add("title", *upd.Title)
	}
	if upd.Description != nil {
		add("description", *upd.Description)
	}
	if upd.Creator != nil {
		add("creator", *upd.Creator)
	}
	if upd.Publisher != nil {
		add("publisher", *upd.Publisher)
	}
	if upd.Language != nil {
		add("language", *upd.Language)
	}
	if upd.Type != nil {
		add("type", *upd.Type)
	}
	if upd.Subjects != nil {
		add("subjects", marshalStrings(*upd.Subjects))
	}
	if upd.ClassificationCode != nil {
		add("classification_code", *upd.ClassificationCode)
	}
	if upd.ReadStatus != nil {
		switch *upd.ReadStatus {
		case ReadStatusUnread, ReadStatusInProgress, ReadStatusCompleted:
		default:
			return nil, fmt.Errorf("%w: unknown read_status %q", ErrValidation, *upd.ReadStatus)
		}
		add("read_status", *upd.ReadStatus)
	}
	if len(sets) == 0 {
		return nil, nil
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, r.now(), id)
	if err := r.execOne(ctx, tx,
		`UPDATE resources SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...); err != nil {
		return nil, err
	}
	return changed, nil
}

// DeleteTx removes the resource row. Foreign keys cascade the sidecars,
// annotations, assignments, outbound citations and collection memberships.
func (r *Repository) DeleteTx(ctx context.Context, tx *kernel.Tx, id string) error {
	return r.execOne(ctx, tx, `DELETE FROM resources WHERE id = ?`, id)
}

// MarkProcessing transitions pending -> processing and stamps started_at.
func (r *Repository) MarkProcessing(ctx context.Context, tx *kernel.Tx, id string) error {
	return r.transition(ctx, tx, id, StatusPending, StatusProcessing,
		`started_at = ?`, r.now())
}

// MarkCompleted transitions processing -> completed and stamps completed_at.
func (r *Repository) MarkCompleted(ctx context.Context, tx *kernel.Tx, id string) error {
	return r.transition(ctx, tx, id, StatusProcessing, StatusCompleted,
		`completed_at = ?, ingestion_error = ''`, r.now())
}

// MarkFailed transitions processing -> failed and records the error.
func (r *Repository) MarkFailed(ctx context.Context, tx *kernel.Tx, id, reason string) error {
	return r.transition(ctx, tx, id, StatusProcessing, StatusFailed,
		`ingestion_error = ?`, reason)
}

func (r *Repository) transition(ctx context.Context, tx *kernel.Tx, id, from, to, extraSet string, extraArg any) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE resources SET ingestion_status = ?, `+extraSet+`, updated_at = ?
		 WHERE id = ? AND ingestion_status = ?`,
		to, extraArg, r.now(), id, from)
	if err != nil {
		return fmt.Errorf("failed to transition resource: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var current string
		err := tx.QueryRowContext(ctx,
			`SELECT ingestion_status FROM resources WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: cannot move %s from %s to %s", ErrConflict, id, current, to)
	}
	return nil
}

// SetQualityTx stores a fresh quality assessment and appends to history.
func (r *Repository) SetQualityTx(ctx context.Context, tx *kernel.Tx, id string, overall, accuracy, completeness, consistency, timeliness, relevance float64, needsReview bool) error {
	now := r.now()
	if err := r.execOne(ctx, tx, `UPDATE resources SET
		quality_overall = ?, quality_accuracy = ?, quality_completeness = ?,
		quality_consistency = ?, quality_timeliness = ?, quality_relevance = ?,
		needs_quality_review = ?, updated_at = ?
		WHERE id = ?`,
		overall, accuracy, completeness, consistency, timeliness, relevance,
		boolInt(needsReview), now, id); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO quality_history
		(resource_id, overall, accuracy, completeness, consistency, timeliness, relevance, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, overall, accuracy, completeness, consistency, timeliness, relevance, now)
	if err != nil {
		return fmt.Errorf("failed to append quality history: %w", err)
	}
	return nil
}

// SetClassificationTx updates the dominant classification code.
func (r *Repository) SetClassificationTx(ctx context.Context, tx *kernel.Tx, id, code, modelVersion string) error {
	return r.execOne(ctx, tx, `UPDATE resources SET
		classification_code = ?, classifier_model_version = ?, updated_at = ?
		WHERE id = ?`, code, modelVersion, r.now(), id)
}

// SaveDenseVectorTx upserts the canonical dense sidecar.
func (r *Repository) SaveDenseVectorTx(ctx context.Context, tx *kernel.Tx, v DenseVector) error {
	now := r.now()
	_, err := tx.ExecContext(ctx, `INSERT INTO dense_vectors (resource_id, vector, dim, model_version, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(resource_id) DO UPDATE SET
			vector = excluded.vector, dim = excluded.dim,
			model_version = excluded.model_version, updated_at = excluded.updated_at`,
		v.ResourceID, embeddings.EncodeVector(v.Vector), len(v.Vector), v.ModelVersion, now)
	if err != nil {
		return fmt.Errorf("failed to save dense vector: %w", err)
	}
	return r.execOne(ctx, tx,
		`UPDATE resources SET dense_model_version = ?, updated_at = ? WHERE id = ?`,
		v.ModelVersion, now, v.ResourceID)
}

// DenseVectorFor loads the dense sidecar of one resource.
func (r *Repository) DenseVectorFor(ctx context.Context, id string) (*DenseVector, error) {
	var blob []byte
	var version string
	err := r.db.QueryRowContext(ctx,
		`SELECT vector, model_version FROM dense_vectors WHERE resource_id = ?`, id).
		Scan(&blob, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	vec, err := embeddings.DecodeVector(blob)
	if err != nil {
		return nil, fmt.Errorf("corrupt dense vector for %s: %w", id, err)
	}
	return &DenseVector{ResourceID: id, Vector: vec, ModelVersion: version}, nil
}

// DenseVectors streams every dense sidecar. The graph builder uses this to
// recompute edges against the whole corpus.
func (r *Repository) DenseVectors(ctx context.Context) ([]DenseVector, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT resource_id, vector, model_version FROM dense_vectors`)
	if err != nil {
		return nil, fmt.Errorf("failed to load dense vectors: %w", err)
	}
	defer rows.Close()

	var out []DenseVector
	for rows.Next() {
		var id, version string
		var blob []byte
		if err := rows.Scan(&id, &blob, &version); err != nil {
			return nil, err
		}
		vec, err := embeddings.DecodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("corrupt dense vector for %s: %w", id, err)
		}
		out = append(out, DenseVector{ResourceID: id, Vector: vec, ModelVersion: version})
	}
	return out, rows.Err()
}

// SaveSparseVectorTx upserts the canonical sparse sidecar.
func (r *Repository) SaveSparseVectorTx(ctx context.Context, tx *kernel.Tx, v SparseVector) error {
	encoded, err := json.Marshal(v.Vector)
	if err != nil {
		return fmt.Errorf("failed to encode sparse vector: %w", err)
	}
	now := r.now()
	_, err = tx.ExecContext(ctx, `INSERT INTO sparse_vectors (resource_id, vector, model_version, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(resource_id) DO UPDATE SET
			vector = excluded.vector, model_version = excluded.model_version,
			updated_at = excluded.updated_at`,
		v.ResourceID, string(encoded), v.ModelVersion, now)
	if err != nil {
		return fmt.Errorf("failed to save sparse vector: %w", err)
	}
	return r.execOne(ctx, tx,
		`UPDATE resources SET sparse_model_version = ?, updated_at = ? WHERE id = ?`,
		v.ModelVersion, now, v.ResourceID)
}

// SparseVectorFor loads the sparse sidecar of one resource.
func (r *Repository) SparseVectorFor(ctx context.Context, id string) (*SparseVector, error) {
	var encoded, version string
	err := r.db.QueryRowContext(ctx,
		`SELECT vector, model_version FROM sparse_vectors WHERE resource_id = ?`, id).
		Scan(&encoded, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var vec embeddings.SparseVector
	if err := json.Unmarshal([]byte(encoded), &vec); err != nil {
		return nil, fmt.Errorf("corrupt sparse vector for %s: %w", id, err)
	}
	return &SparseVector{ResourceID: id, Vector: vec, ModelVersion: version}, nil
}

// Sort options accepted by List.
var sortColumns = map[string]string{
	"created_at": "created_at",
	"updated_at": "updated_at",
	"title":      "title",
	"quality":    "quality_overall",
}

// List returns a filtered, sorted page of resources plus the total count
// before paging.
func (r *Repository) List(ctx context.Context, f Filters, sortBy string, descending bool, limit, offset int) ([]*Resource, int, error) {
	where, args := buildWhere(f)
	col, ok := sortColumns[sortBy]
	if !ok {
		col = "created_at"
		descending = true
	}
	dir := "ASC"
	if descending {
		dir = "DESC"
	}
	if limit <= 0 || limit > 500 {
		limit = 25
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM resources`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count resources: %w", err)
	}

	query := `SELECT ` + resourceColumns + ` FROM resources` + where +
		fmt.Sprintf(` ORDER BY %s %s, id ASC LIMIT ? OFFSET ?`, col, dir)
	rows, err := r.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	var out []*Resource
	for rows.Next() {
		res, err := scanResource(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, res)
	}
	return out, total, rows.Err()
}

// CompletedIDs returns the ids of every completed resource, for full
// reindex jobs.
func (r *Repository) CompletedIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM resources WHERE ingestion_status = ? ORDER BY id`, StatusCompleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// StatusCounts reports resources grouped by ingestion status.
func (r *Repository) StatusCounts(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT ingestion_status, COUNT(*) FROM resources GROUP BY ingestion_status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func buildWhere(f Filters) (string, []any) {
	var conds []string
	var args []any
	eq := func(col, val string) {
		if val != "" {
			conds = append(conds, col+" = ?")
			args = append(args, val)
		}
	}
	eq("classification_code", f.ClassificationCode)
	eq("type", f.Type)
	eq("language", f.Language)
	eq("read_status", f.ReadStatus)
	if f.MinQuality != nil {
		conds = append(conds, "quality_overall >= ?")
		args = append(args, *f.MinQuality)
	}
	if f.CreatedFrom != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.CreatedFrom.UTC().Format(timeLayout))
	}
	if f.CreatedTo != nil {
		conds = append(conds, "created_at <= ?")
		args = append(args, f.CreatedTo.UTC().Format(timeLayout))
	}
	if f.UpdatedFrom != nil {
		conds = append(conds, "updated_at >= ?")
		args = append(args, f.UpdatedFrom.UTC().Format(timeLayout))
	}
	if f.UpdatedTo != nil {
		conds = append(conds, "updated_at <= ?")
		args = append(args, f.UpdatedTo.UTC().Format(timeLayout))
	}
	// Subjects are a JSON array; a quoted LIKE match is exact enough because
	// values are stored with json.Marshal's quoting.
	for _, s := range f.SubjectAll {
		conds = append(conds, "subjects LIKE ?")
		args = append(args, "%"+jsonQuoted(s)+"%")
	}
	if len(f.SubjectAny) > 0 {
		ors := make([]string, len(f.SubjectAny))
		for i, s := range f.SubjectAny {
			ors[i] = "subjects LIKE ?"
			args = append(args, "%"+jsonQuoted(s)+"%")
		}
		conds = append(conds, "("+strings.Join(ors, " OR ")+")")
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResource(row rowScanner) (*Resource, error) {
	var res Resource
	var subjects, authors string
	var pubDate, startedAt, completedAt sql.NullString
	var createdAt, updatedAt string
	var hasEq, hasTab, hasFig, needsReview int

	err := row.Scan(
		&res.ID, &res.URL, &res.Title, &res.Description, &res.Creator, &res.Publisher,
		&res.Language, &res.Type, &subjects, &res.ClassificationCode, &res.ReadStatus,
		&res.IngestionStatus, &res.IngestionError, &res.DOI, &pubDate, &authors,
		&hasEq, &hasTab, &hasFig,
		&res.DenseModelVersion, &res.SparseModelVersion, &res.ClassifierModelVersion,
		&res.QualityOverall, &res.QualityAccuracy, &res.QualityCompleteness,
		&res.QualityConsistency, &res.QualityTimeliness, &res.QualityRelevance,
		&needsReview, &createdAt, &updatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	res.Subjects = unmarshalStrings(subjects)
	res.Authors = unmarshalStrings(authors)
	res.HasEquations = hasEq != 0
	res.HasTables = hasTab != 0
	res.HasFigures = hasFig != 0
	res.NeedsQualityReview = needsReview != 0
	res.CreatedAt = parseTime(createdAt)
	res.UpdatedAt = parseTime(updatedAt)
	res.PublicationDate = parseTimePtr(pubDate)
	res.StartedAt = parseTimePtr(startedAt)
	res.CompletedAt = parseTimePtr(completedAt)
	return &res, nil
}

func (r *Repository) now() string {
	return r.db.Clock().Now().UTC().Format(timeLayout)
}

func (r *Repository) execOne(ctx context.Context, tx *kernel.Tx, query string, args ...any) error {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("resource write failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func marshalStrings(s []string) string {
	if len(s) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(s)
	return string(b)
}

func unmarshalStrings(s string) []string {
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil || out == nil {
		return []string{}
	}
	return out
}

func jsonQuoted(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func anySlice(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
