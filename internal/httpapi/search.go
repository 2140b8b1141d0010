// internal/httpapi/search.go
package httpapi

import (
	"net/http"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/neo-alexandria/alexandria/internal/resource"
	"github.com/neo-alexandria/alexandria/internal/search"
)

type searchRequest struct {
	Text            string        `json:"text"`
	Limit           int           `json:"limit"`
	Offset          int           `json:"offset"`
	Filters         searchFilters `json:"filters"`
	EnableReranking *bool         `json:"enable_reranking"`
	AdaptiveWeights *bool         `json:"adaptive_weighting"`
}

type searchFilters struct {
	ClassificationCode string   `json:"classification_code"`
	Type               string   `json:"type"`
	Language           string   `json:"language"`
	ReadStatus         string   `json:"read_status"`
	MinQuality         *float64 `json:"min_quality"`
	SubjectAny         []string `json:"subject_any"`
	SubjectAll         []string `json:"subject_all"`
}

func (f searchFilters) toFilters() resource.Filters {
	return resource.Filters{
		ClassificationCode: f.ClassificationCode,
		Type:               f.Type,
		Language:           f.Language,
		ReadStatus:         f.ReadStatus,
		MinQuality:         f.MinQuality,
		SubjectAny:         f.SubjectAny,
		SubjectAll:         f.SubjectAll,
	}
}

func (s *Server) handleSearch(c echo.Context) error {
	var req searchRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	if strings.TrimSpace(req.Text) == "" {
		return badRequest("text is required")
	}
	enableRerank := true
	if req.EnableReranking != nil {
		enableRerank = *req.EnableReranking
	}
	adaptive := true
	if req.AdaptiveWeights != nil {
		adaptive = *req.AdaptiveWeights
	}
	resp, err := s.svc.Search.Search(c.Request().Context(), search.Request{
		Query:           req.Text,
		Limit:           req.Limit,
		Offset:          req.Offset,
		Filters:         req.Filters.toFilters(),
		EnableReranking: enableRerank,
		AdaptiveWeights: adaptive,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleThreeWaySearch(c echo.Context) error {
	query := c.QueryParam("query")
	if strings.TrimSpace(query) == "" {
		return badRequest("query is required")
	}
	filters, err := filtersFromQuery(c)
	if err != nil {
		return err
	}
	resp, err := s.svc.Search.Search(c.Request().Context(), search.Request{
		Query:           query,
		Limit:           intQuery(c, "limit", 0),
		Offset:          intQuery(c, "offset", 0),
		Filters:         filters,
		EnableReranking: boolQuery(c, "enable_reranking", true),
		AdaptiveWeights: boolQuery(c, "adaptive_weighting", true),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"results":              resp.Results,
		"total":                resp.Total,
		"latency_ms":           resp.Diagnostics.RetrievalMillis + resp.Diagnostics.FusionMillis + resp.Diagnostics.RerankMillis,
		"method_contributions": methodContributions(resp.Results),
		"weights_used":         resp.Diagnostics.Weights,
		"facets":               resp.Facets,
		"diagnostics":          resp.Diagnostics,
	})
}

// handleCompareMethods reruns the fused query and regroups hits by the
// retrieval method that scored them, for side-by-side inspection.
func (s *Server) handleCompareMethods(c echo.Context) error {
	query := c.QueryParam("query")
	if strings.TrimSpace(query) == "" {
		return badRequest("query is required")
	}
	resp, err := s.svc.Search.Search(c.Request().Context(), search.Request{
		Query:           query,
		Limit:           intQuery(c, "limit", 10),
		EnableReranking: false,
		AdaptiveWeights: boolQuery(c, "adaptive_weighting", true),
	})
	if err != nil {
		return err
	}

	perMethod := map[string][]map[string]any{}
	for _, result := range resp.Results {
		for method, score := range result.MethodScores {
			perMethod[method] = append(perMethod[method], map[string]any{
				"resource_id": result.Resource.ID,
				"score":       score,
			})
		}
	}
	for _, hits := range perMethod {
		sort.Slice(hits, func(i, j int) bool {
			return hits[i]["score"].(float64) > hits[j]["score"].(float64)
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"query":   query,
		"fused":   resp.Results,
		"methods": perMethod,
		"weights": resp.Diagnostics.Weights,
	})
}

type evaluateRequest struct {
	Query     string             `json:"query"`
	Judgments map[string]float64 `json:"judgments"`
	K         int                `json:"k"`
}

func (s *Server) handleEvaluate(c echo.Context) error {
	var req evaluateRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	if strings.TrimSpace(req.Query) == "" {
		return badRequest("query is required")
	}
	if len(req.Judgments) == 0 {
		return badRequest("judgments are required")
	}
	metrics, err := s.svc.Search.Evaluate(c.Request().Context(), req.Query, req.Judgments, req.K)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, metrics)
}

func methodContributions(results []search.Result) map[string]int {
	out := map[string]int{}
	for _, r := range results {
		for method := range r.MethodScores {
			out[method]++
		}
	}
	return out
}
