// internal/httpapi/library.go
//
// Collection and annotation endpoints.
package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/neo-alexandria/alexandria/internal/annotations"
	"github.com/neo-alexandria/alexandria/internal/collections"
)

func (s *Server) handleCollectionCreate(c echo.Context) error {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Visibility  string `json:"visibility"`
		ParentID    string `json:"parent_id"`
		Owner       string `json:"owner"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	col, err := s.svc.Collections.Create(c.Request().Context(),
		req.Name, req.Description, req.Visibility, req.ParentID, req.Owner)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, col)
}

func (s *Server) handleCollectionList(c echo.Context) error {
	owner := c.QueryParam("owner")
	if owner == "" {
		return badRequest("owner is required")
	}
	cols, err := s.svc.Collections.List(c.Request().Context(), owner)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"collections": cols})
}

func (s *Server) handleCollectionGet(c echo.Context) error {
	ctx := c.Request().Context()
	col, err := s.svc.Collections.Get(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	members, err := s.svc.Collections.Members(ctx, col.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"collection": col,
		"members":    members,
	})
}

func (s *Server) handleCollectionUpdate(c echo.Context) error {
	var upd collections.Update
	if err := c.Bind(&upd); err != nil {
		return badRequest("invalid request body")
	}
	col, err := s.svc.Collections.Apply(c.Request().Context(), c.Param("id"), upd)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, col)
}

func (s *Server) handleCollectionDelete(c echo.Context) error {
	if err := s.svc.Collections.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleCollectionAddMember(c echo.Context) error {
	err := s.svc.Collections.AddMember(c.Request().Context(), c.Param("id"), c.Param("resource_id"))
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleCollectionRemoveMember(c echo.Context) error {
	err := s.svc.Collections.RemoveMember(c.Request().Context(), c.Param("id"), c.Param("resource_id"))
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleCollectionSimilar(c echo.Context) error {
	similar, err := s.svc.Collections.Similar(c.Request().Context(), c.Param("id"),
		intQuery(c, "limit", 0))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"similar": similar})
}

func (s *Server) handleAnnotationCreate(c echo.Context) error {
	var req annotations.CreateRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	ann, err := s.svc.Annotations.Create(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, ann)
}

func (s *Server) handleAnnotationGet(c echo.Context) error {
	ann, err := s.svc.Annotations.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ann)
}

func (s *Server) handleAnnotationUpdate(c echo.Context) error {
	var upd annotations.Update
	if err := c.Bind(&upd); err != nil {
		return badRequest("invalid request body")
	}
	ann, err := s.svc.Annotations.Apply(c.Request().Context(), c.Param("id"), upd)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ann)
}

func (s *Server) handleAnnotationDelete(c echo.Context) error {
	if err := s.svc.Annotations.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleAnnotationsForResource(c echo.Context) error {
	anns, err := s.svc.Annotations.ForResource(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"annotations": anns})
}

func (s *Server) handleAnnotationSearch(c echo.Context) error {
	hits, err := s.svc.Annotations.SearchNotes(c.Request().Context(),
		c.QueryParam("query"), intQuery(c, "limit", 0))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"hits": hits})
}
