// Package resource owns the canonical resource rows and their blobs: the
// archived text and the dense/sparse vector sidecars. Everything else in the
// system (indices, graph edges, recommendations) is a projection that can be
// rebuilt from this package's tables.
package resource

import (
	"errors"
	"time"

	"github.com/neo-alexandria/alexandria/internal/embeddings"
)

// Ingestion statuses. Transitions only move forward:
// pending -> processing -> (completed | failed).
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Read statuses tracked per resource.
const (
	ReadStatusUnread     = "unread"
	ReadStatusInProgress = "in_progress"
	ReadStatusCompleted  = "completed"
)

// Sentinel errors.
var (
	ErrNotFound   = errors.New("resource not found")
	ErrConflict   = errors.New("resource state conflict")
	ErrValidation = errors.New("resource validation failed")
)

// Resource is the primary aggregate.
type Resource struct {
	ID                 string     `json:"id"`
	URL                string     `json:"url"`
	Title              string     `json:"title"`
	Description        string     `json:"description"`
	Creator            string     `json:"creator"`
	Publisher          string     `json:"publisher"`
	Language           string     `json:"language"`
	Type               string     `json:"type"`
	Subjects           []string   `json:"subjects"`
	ClassificationCode string     `json:"classification_code"`
	ReadStatus         string     `json:"read_status"`
	IngestionStatus    string     `json:"ingestion_status"`
	IngestionError     string     `json:"ingestion_error,omitempty"`
	ArchiveText        string     `json:"-"`
	DOI                string     `json:"doi,omitempty"`
	PublicationDate    *time.Time `json:"publication_date,omitempty"`
	Authors            []string   `json:"authors"`
	HasEquations       bool       `json:"has_equations"`
	HasTables          bool       `json:"has_tables"`
	HasFigures         bool       `json:"has_figures"`

	DenseModelVersion      string `json:"dense_model_version,omitempty"`
	SparseModelVersion     string `json:"sparse_model_version,omitempty"`
	ClassifierModelVersion string `json:"classifier_model_version,omitempty"`

	QualityOverall      *float64 `json:"quality_overall,omitempty"`
	QualityAccuracy     *float64 `json:"quality_accuracy,omitempty"`
	QualityCompleteness *float64 `json:"quality_completeness,omitempty"`
	QualityConsistency  *float64 `json:"quality_consistency,omitempty"`
	QualityTimeliness   *float64 `json:"quality_timeliness,omitempty"`
	QualityRelevance    *float64 `json:"quality_relevance,omitempty"`
	NeedsQualityReview  bool     `json:"needs_quality_review"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// DenseVector is the canonical dense sidecar.
type DenseVector struct {
	ResourceID   string
	Vector       []float32
	ModelVersion string
}

// SparseVector is the canonical sparse sidecar.
type SparseVector struct {
	ResourceID   string
	Vector       embeddings.SparseVector
	ModelVersion string
}

// Extracted is metadata derived from fetched content. Descriptive fields
// fill in around caller overrides; the rest always refresh.
type Extracted struct {
	Title           string
	Description     string
	Creator         string
	Publisher       string
	Language        string
	Type            string
	Subjects        []string
	DOI             string
	PublicationDate *time.Time
	Authors         []string
	HasEquations    bool
	HasTables       bool
	HasFigures      bool
}

// Overrides are caller-supplied metadata that beat extracted values.
type Overrides struct {
	Title              string   `json:"title,omitempty"`
	Description        string   `json:"description,omitempty"`
	Creator            string   `json:"creator,omitempty"`
	Publisher          string   `json:"publisher,omitempty"`
	Language           string   `json:"language,omitempty"`
	Type               string   `json:"type,omitempty"`
	Subjects           []string `json:"subjects,omitempty"`
	ClassificationCode string   `json:"classification_code,omitempty"`
}

// Update is a partial update of mutable metadata fields. Nil pointers are
// left unchanged.
type Update struct {
	Title              *string   `json:"title,omitempty"`
	Description        *string   `json:"description,omitempty"`
	Creator            *string   `json:"creator,omitempty"`
	Publisher          *string   `json:"publisher,omitempty"`
	Language           *string   `json:"language,omitempty"`
	Type               *string   `json:"type,omitempty"`
	Subjects           *[]string `json:"subjects,omitempty"`
	ClassificationCode *string   `json:"classification_code,omitempty"`
	ReadStatus         *string   `json:"read_status,omitempty"`
}

// Filters narrow list and search results.
type Filters struct {
	Query              string
	ClassificationCode string
	Type               string
	Language           string
	ReadStatus         string
	MinQuality         *float64
	CreatedFrom        *time.Time
	CreatedTo          *time.Time
	UpdatedFrom        *time.Time
	UpdatedTo          *time.Time
	SubjectAny         []string
	SubjectAll         []string
}

// Matches applies the filters to an in-memory resource. The hybrid search
// engine filters post-retrieval to preserve ranking, so this must agree
// with the SQL predicates in List.
func (f Filters) Matches(r *Resource) bool {
	if f.ClassificationCode != "" && r.ClassificationCode != f.ClassificationCode {
		return false
	}
	if f.Type != "" && r.Type != f.Type {
		return false
	}
	if f.Language != "" && r.Language != f.Language {
		return false
	}
	if f.ReadStatus != "" && r.ReadStatus != f.ReadStatus {
		return false
	}
	if f.MinQuality != nil {
		if r.QualityOverall == nil || *r.QualityOverall < *f.MinQuality {
			return false
		}
	}
	if f.CreatedFrom != nil && r.CreatedAt.Before(*f.CreatedFrom) {
		return false
	}
	if f.CreatedTo != nil && r.CreatedAt.After(*f.CreatedTo) {
		return false
	}
	if f.UpdatedFrom != nil && r.UpdatedAt.Before(*f.UpdatedFrom) {
		return false
	}
	if f.UpdatedTo != nil && r.UpdatedAt.After(*f.UpdatedTo) {
		return false
	}
	if len(f.SubjectAny) > 0 && !hasAny(r.Subjects, f.SubjectAny) {
		return false
	}
	if len(f.SubjectAll) > 0 && !hasAll(r.Subjects, f.SubjectAll) {
		return false
	}
	return true
}

func hasAny(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, s := range have {
		set[s] = struct{}{}
	}
	for _, s := range want {
		if _, ok := set[s]; ok {
			return true
		}
	}
	return false
}

func hasAll(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, s := range have {
		set[s] = struct{}{}
	}
	for _, s := range want {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}
