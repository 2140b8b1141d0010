// internal/httpapi/recommend.go
package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/neo-alexandria/alexandria/internal/recommend"
)

func (s *Server) handleRecommendations(c echo.Context) error {
	req := recommend.Request{
		UserID:   c.QueryParam("user_id"),
		Limit:    intQuery(c, "limit", 0),
		Strategy: c.QueryParam("strategy"),
	}
	if v := c.QueryParam("diversity"); v != "" {
		d := floatQuery(c, "diversity", 0)
		req.Diversity = &d
	}
	if v := c.QueryParam("min_quality"); v != "" {
		q := floatQuery(c, "min_quality", 0)
		req.MinQuality = &q
	}
	resp, err := s.svc.Recommend.Recommend(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleInteractionCreate(c echo.Context) error {
	var req struct {
		UserID     string  `json:"user_id"`
		ResourceID string  `json:"resource_id"`
		Kind       string  `json:"kind"`
		Strength   float64 `json:"strength"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	err := s.svc.Recommend.RecordInteraction(c.Request().Context(),
		req.UserID, req.ResourceID, req.Kind, req.Strength)
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusCreated)
}

func (s *Server) handleInteractionList(c echo.Context) error {
	interactions, err := s.svc.Recommend.Interactions(c.Request().Context(),
		c.Param("user_id"), intQuery(c, "limit", 0))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"interactions": interactions})
}

func (s *Server) handleUserProfile(c echo.Context) error {
	profile, err := s.svc.Recommend.Profile(c.Request().Context(), c.Param("user_id"))
	if err != nil {
		return err
	}
	if profile == nil {
		return c.JSON(http.StatusOK, map[string]any{
			"user_id": c.Param("user_id"),
			"topics":  map[string]float64{},
		})
	}
	return c.JSON(http.StatusOK, profile)
}
