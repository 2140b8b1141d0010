// internal/annotations/service.go
package annotations

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/neo-alexandria/alexandria/internal/cache"
	"github.com/neo-alexandria/alexandria/internal/embeddings"
	"github.com/neo-alexandria/alexandria/internal/eventbus"
	"github.com/neo-alexandria/alexandria/internal/kernel"
	"github.com/neo-alexandria/alexandria/internal/logging"
	"github.com/neo-alexandria/alexandria/internal/resource"
)

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// Annotation is a highlight over a slice of a resource's archived text,
// optionally carrying a note. Offsets are rune offsets into the archive
// as it existed at creation time and never change afterwards.
type Annotation struct {
	ID              string    `json:"id"`
	ResourceID      string    `json:"resource_id"`
	StartOffset     int       `json:"start_offset"`
	EndOffset       int       `json:"end_offset"`
	HighlightedText string    `json:"highlighted_text"`
	Note            string    `json:"note,omitempty"`
	Tags            []string  `json:"tags"`
	Color           string    `json:"color,omitempty"`
	Owner           string    `json:"owner"`
	Shared          bool      `json:"shared"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`

	noteVector []float32
}

// CreateRequest carries the fields of a new annotation.
type CreateRequest struct {
	ResourceID  string   `json:"resource_id"`
	StartOffset int      `json:"start_offset"`
	EndOffset   int      `json:"end_offset"`
	Note        string   `json:"note"`
	Tags        []string `json:"tags"`
	Color       string   `json:"color"`
	Owner       string   `json:"owner"`
	Shared      bool     `json:"shared"`
}

// Update carries the mutable fields. Offsets and highlighted text are
// frozen after creation; requests that try to move them are rejected.
type Update struct {
	Note   *string   `json:"note"`
	Tags   *[]string `json:"tags"`
	Color  *string   `json:"color"`
	Shared *bool     `json:"shared"`
}

// SearchHit is one annotation matched by a note search.
type SearchHit struct {
	Annotation Annotation `json:"annotation"`
	Score      float64    `json:"score"`
}

// Service owns the annotation store.
type Service struct {
	db       *kernel.DB
	repo     *resource.Repository
	provider embeddings.Provider
	cache    *cache.Cache
	bus      *eventbus.Bus
	logger   *logging.Logger
}

// NewService wires the annotation service. The embedding provider may be
// nil, in which case note search falls back to substring matching.
func NewService(db *kernel.DB, repo *resource.Repository, provider embeddings.Provider, c *cache.Cache, bus *eventbus.Bus, logger *logging.Logger) *Service {
	return &Service{db: db, repo: repo, provider: provider, cache: c, bus: bus, logger: logger.Named("annotations")}
}

// Create validates the offsets against the resource's archived text,
// freezes the highlighted slice, and stores the annotation. The note is
// embedded when a provider is available.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Annotation, error) {
	if req.Owner == "" {
		return nil, fmt.Errorf("%w: owner is required", resource.ErrValidation)
	}
	archive, err := s.repo.ArchiveText(ctx, req.ResourceID)
	if err != nil {
		return nil, err
	}
	runes := []rune(archive)
	if req.StartOffset < 0 || req.StartOffset >= req.EndOffset || req.EndOffset > len(runes) {
		return nil, fmt.Errorf("%w: offsets [%d, %d) outside archived text of length %d",
			resource.ErrValidation, req.StartOffset, req.EndOffset, len(runes))
	}
	highlighted := string(runes[req.StartOffset:req.EndOffset])

	var noteBlob []byte
	if req.Note != "" && s.provider != nil {
		vecs, err := s.provider.EmbedDocuments(ctx, []string{req.Note})
		if err != nil {
			s.logger.Warn(ctx, "note embedding failed",
				zap.String("resource_id", req.ResourceID), zap.Error(err))
		} else {
			noteBlob = embeddings.EncodeVector(vecs[0])
		}
	}

	ann := &Annotation{
		ID:              uuid.NewString(),
		ResourceID:      req.ResourceID,
		StartOffset:     req.StartOffset,
		EndOffset:       req.EndOffset,
		HighlightedText: highlighted,
		Note:            req.Note,
		Tags:            req.Tags,
		Color:           req.Color,
		Owner:           req.Owner,
		Shared:          req.Shared,
		CreatedAt:       s.db.Clock().Now().UTC(),
		UpdatedAt:       s.db.Clock().Now().UTC(),
	}
	if ann.Tags == nil {
		ann.Tags = []string{}
	}
	tagsJSON, _ := json.Marshal(ann.Tags)

	err = s.db.InTx(ctx, func(tx *kernel.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO annotations
			(id, resource_id, start_offset, end_offset, highlighted_text,
			 note, tags, color, note_embedding, owner, shared, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ann.ID, ann.ResourceID, ann.StartOffset, ann.EndOffset, ann.HighlightedText,
			ann.Note, string(tagsJSON), ann.Color, noteBlob, ann.Owner,
			boolInt(ann.Shared), ann.CreatedAt.Format(timeLayout), ann.UpdatedAt.Format(timeLayout))
		if err != nil {
			return err
		}
		tx.OnCommit(func() {
			s.cache.Invalidate("user:" + ann.Owner + ":*")
			s.bus.Emit(ctx, eventbus.AnnotationCreated, map[string]any{
				"annotation_id": ann.ID,
				"resource_id":   ann.ResourceID,
				"owner":         ann.Owner,
			})
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug(ctx, "annotation created",
		zap.String("annotation_id", ann.ID), zap.String("resource_id", ann.ResourceID))
	return ann, nil
}

// Get returns one annotation.
func (s *Service) Get(ctx context.Context, id string) (*Annotation, error) {
	row := s.db.QueryRowContext(ctx, annotationSelect+` WHERE id = ?`, id)
	ann, err := scanAnnotation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: annotation %s", resource.ErrNotFound, id)
	}
	return ann, err
}

// Apply mutates the mutable fields. Offsets stay frozen, so the archived
// slice the annotation points at remains valid even if the text drifts.
func (s *Service) Apply(ctx context.Context, id string, upd Update) (*Annotation, error) {
	ann, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if upd.Note != nil {
		ann.Note = *upd.Note
	}
	if upd.Tags != nil {
		ann.Tags = *upd.Tags
	}
	if upd.Color != nil {
		ann.Color = *upd.Color
	}
	if upd.Shared != nil {
		ann.Shared = *upd.Shared
	}
	ann.UpdatedAt = s.db.Clock().Now().UTC()

	var noteBlob []byte
	if upd.Note != nil && ann.Note != "" && s.provider != nil {
		if vecs, err := s.provider.EmbedDocuments(ctx, []string{ann.Note}); err == nil {
			noteBlob = embeddings.EncodeVector(vecs[0])
		}
	}
	tagsJSON, _ := json.Marshal(ann.Tags)

	err = s.db.InTx(ctx, func(tx *kernel.Tx) error {
		query := `UPDATE annotations SET note = ?, tags = ?, color = ?, shared = ?, updated_at = ?`
		args := []any{ann.Note, string(tagsJSON), ann.Color, boolInt(ann.Shared),
			ann.UpdatedAt.Format(timeLayout)}
		if upd.Note != nil {
			query += `, note_embedding = ?`
			args = append(args, noteBlob)
		}
		query += ` WHERE id = ?`
		args = append(args, id)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
		tx.OnCommit(func() {
			s.cache.Invalidate("user:" + ann.Owner + ":*")
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ann, nil
}

// Delete removes one annotation.
func (s *Service) Delete(ctx context.Context, id string) error {
	ann, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.db.InTx(ctx, func(tx *kernel.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM annotations WHERE id = ?`, id); err != nil {
			return err
		}
		tx.OnCommit(func() {
			s.cache.Invalidate("user:" + ann.Owner + ":*")
		})
		return nil
	})
}

// ForResource lists a resource's annotations in document order.
func (s *Service) ForResource(ctx context.Context, resourceID string) ([]Annotation, error) {
	if _, err := s.repo.Get(ctx, resourceID); err != nil {
		return nil, err
	}
	return s.list(ctx, annotationSelect+` WHERE resource_id = ? ORDER BY start_offset, id`, resourceID)
}

// ForUser lists a user's annotations, newest first.
func (s *Service) ForUser(ctx context.Context, owner string, limit int) ([]Annotation, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.list(ctx, annotationSelect+` WHERE owner = ? ORDER BY created_at DESC, id LIMIT ?`,
		owner, limit)
}

// SearchNotes ranks annotations with notes against the query. With an
// embedding provider the score is note-vector cosine mapped to [0,1];
// otherwise case-insensitive substring matching scores 1.0.
func (s *Service) SearchNotes(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: empty query", resource.ErrValidation)
	}
	if limit <= 0 {
		limit = 20
	}
	anns, err := s.list(ctx, annotationSelect+` WHERE note != ''`)
	if err != nil {
		return nil, err
	}

	var queryVec []float32
	if s.provider != nil {
		if v, err := s.provider.EmbedQuery(ctx, query); err == nil {
			queryVec = v
		} else {
			s.logger.Warn(ctx, "query embedding failed", zap.Error(err))
		}
	}

	hits := make([]SearchHit, 0, len(anns))
	lowered := strings.ToLower(query)
	for _, ann := range anns {
		var score float64
		switch {
		case queryVec != nil && ann.noteVector != nil:
			score = (embeddings.Cosine(queryVec, ann.noteVector) + 1) / 2
		case strings.Contains(strings.ToLower(ann.Note), lowered):
			score = 1.0
		default:
			continue
		}
		hits = append(hits, SearchHit{Annotation: ann, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Annotation.ID < hits[j].Annotation.ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

const annotationSelect = `SELECT id, resource_id, start_offset, end_offset,
	highlighted_text, note, tags, color, note_embedding, owner, shared,
	created_at, updated_at FROM annotations`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnnotation(row rowScanner) (*Annotation, error) {
	var ann Annotation
	var tagsJSON, created, updated string
	var shared int
	var noteBlob []byte
	err := row.Scan(&ann.ID, &ann.ResourceID, &ann.StartOffset, &ann.EndOffset,
		&ann.HighlightedText, &ann.Note, &tagsJSON, &ann.Color, &noteBlob,
		&ann.Owner, &shared, &created, &updated)
	if err != nil {
		return nil, err
	}
	ann.Shared = shared != 0
	_ = json.Unmarshal([]byte(tagsJSON), &ann.Tags)
	if ann.Tags == nil {
		ann.Tags = []string{}
	}
	if len(noteBlob) > 0 {
		if vec, err := embeddings.DecodeVector(noteBlob); err == nil {
			ann.noteVector = vec
		}
	}
	ann.CreatedAt, _ = time.Parse(timeLayout, created)
	ann.UpdatedAt, _ = time.Parse(timeLayout, updated)
	return &ann, nil
}

func (s *Service) list(ctx context.Context, query string, args ...any) ([]Annotation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Annotation
	for rows.Next() {
		ann, err := scanAnnotation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ann)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
