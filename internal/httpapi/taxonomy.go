// internal/httpapi/taxonomy.go
package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/neo-alexandria/alexandria/internal/taxonomy"
)

func (s *Server) handleTaxonomyCreate(c echo.Context) error {
	var in taxonomy.NodeInput
	if err := c.Bind(&in); err != nil {
		return badRequest("invalid request body")
	}
	node, err := s.svc.Taxonomy.Store().CreateNode(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, node)
}

func (s *Server) handleTaxonomyUpdate(c echo.Context) error {
	var upd taxonomy.NodeUpdate
	if err := c.Bind(&upd); err != nil {
		return badRequest("invalid request body")
	}
	node, err := s.svc.Taxonomy.Store().UpdateNode(c.Request().Context(), c.Param("id"), upd)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, node)
}

func (s *Server) handleTaxonomyDelete(c echo.Context) error {
	cascade := boolQuery(c, "cascade", false)
	if err := s.svc.Taxonomy.Store().DeleteNode(c.Request().Context(), c.Param("id"), cascade); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleTaxonomyMove(c echo.Context) error {
	var req struct {
		NewParentID string `json:"new_parent_id"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	node, err := s.svc.Taxonomy.Store().MoveNode(c.Request().Context(), c.Param("id"), req.NewParentID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, node)
}

func (s *Server) handleTaxonomyTree(c echo.Context) error {
	tree, err := s.svc.Taxonomy.Store().Tree(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"tree": tree})
}

func (s *Server) handleTaxonomyClassify(c echo.Context) error {
	result, err := s.svc.Taxonomy.ClassifyResource(c.Request().Context(), c.Param("resource_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleTaxonomyAssignments(c echo.Context) error {
	assignments, err := s.svc.Taxonomy.Assignments(c.Request().Context(), c.Param("resource_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"resource_id": c.Param("resource_id"),
		"assignments": assignments,
	})
}

func (s *Server) handleTaxonomyUncertain(c echo.Context) error {
	uncertain, err := s.svc.Taxonomy.Uncertain(c.Request().Context(), intQuery(c, "limit", 0))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"items": uncertain})
}

func (s *Server) handleTaxonomyFeedback(c echo.Context) error {
	var req struct {
		ResourceID string   `json:"resource_id"`
		NodeIDs    []string `json:"node_ids"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	if req.ResourceID == "" || len(req.NodeIDs) == 0 {
		return badRequest("resource_id and node_ids are required")
	}
	if err := s.svc.Taxonomy.SubmitFeedback(c.Request().Context(), req.ResourceID, req.NodeIDs); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleTaxonomyTrain(c echo.Context) error {
	report, err := s.svc.Taxonomy.Train(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}
