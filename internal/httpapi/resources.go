// internal/httpapi/resources.go
package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/neo-alexandria/alexandria/internal/resource"
)

type createResourceRequest struct {
	URL string `json:"url"`
	resource.Overrides
}

func (s *Server) handleResourceCreate(c echo.Context) error {
	var req createResourceRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	if strings.TrimSpace(req.URL) == "" {
		return badRequest("url is required")
	}
	res, err := s.svc.Resources.Create(c.Request().Context(), req.URL, req.Overrides)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]string{
		"id":     res.ID,
		"status": res.IngestionStatus,
	})
}

func (s *Server) handleResourceGet(c echo.Context) error {
	res, err := s.svc.Resources.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleResourceStatus(c echo.Context) error {
	res, err := s.svc.Resources.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	body := map[string]any{
		"id":               res.ID,
		"ingestion_status": res.IngestionStatus,
	}
	if res.IngestionError != "" {
		body["ingestion_error"] = res.IngestionError
	}
	if res.StartedAt != nil {
		body["started_at"] = res.StartedAt
	}
	if res.CompletedAt != nil {
		body["completed_at"] = res.CompletedAt
	}
	return c.JSON(http.StatusOK, body)
}

func (s *Server) handleResourceUpdate(c echo.Context) error {
	var upd resource.Update
	if err := c.Bind(&upd); err != nil {
		return badRequest("invalid request body")
	}
	res, err := s.svc.Resources.Update(c.Request().Context(), c.Param("id"), upd)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleResourceDelete(c echo.Context) error {
	if err := s.svc.Resources.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleResourceList(c echo.Context) error {
	filters, err := filtersFromQuery(c)
	if err != nil {
		return err
	}
	limit := intQuery(c, "limit", 25)
	if limit < 1 || limit > 100 {
		return badRequest("limit must be between 1 and 100")
	}
	offset := intQuery(c, "offset", 0)
	if offset < 0 {
		return badRequest("offset must not be negative")
	}
	sortBy := c.QueryParam("sort_by")
	descending := strings.EqualFold(c.QueryParam("sort_dir"), "desc")

	items, total, err := s.svc.Resources.List(c.Request().Context(), filters, sortBy, descending, limit, offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items, "total": total})
}

// filtersFromQuery parses the shared filter parameters used by listing
// and search.
func filtersFromQuery(c echo.Context) (resource.Filters, error) {
	f := resource.Filters{
		Query:              c.QueryParam("q"),
		ClassificationCode: c.QueryParam("classification_code"),
		Type:               c.QueryParam("type"),
		Language:           c.QueryParam("language"),
		ReadStatus:         c.QueryParam("read_status"),
		SubjectAny:         c.QueryParams()["subject_any"],
		SubjectAll:         c.QueryParams()["subject_all"],
	}
	if v := c.QueryParam("min_quality"); v != "" {
		q, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return f, badRequest("min_quality must be a number")
		}
		f.MinQuality = &q
	}
	for param, dst := range map[string]**time.Time{
		"created_from": &f.CreatedFrom,
		"created_to":   &f.CreatedTo,
		"updated_from": &f.UpdatedFrom,
		"updated_to":   &f.UpdatedTo,
	} {
		if v := c.QueryParam(param); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, badRequest(param + " must be RFC3339")
			}
			*dst = &t
		}
	}
	return f, nil
}

func intQuery(c echo.Context, name string, fallback int) int {
	v := c.QueryParam(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func floatQuery(c echo.Context, name string, fallback float64) float64 {
	v := c.QueryParam(name)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func boolQuery(c echo.Context, name string, fallback bool) bool {
	v := c.QueryParam(name)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
