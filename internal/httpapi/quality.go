// internal/httpapi/quality.go
package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/neo-alexandria/alexandria/internal/quality"
)

func (s *Server) handleQualityCompute(c echo.Context) error {
	var req struct {
		Weights *quality.Weights `json:"weights"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	score, err := s.svc.Quality.ComputeFor(c.Request().Context(), c.Param("id"), req.Weights)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, score)
}

func (s *Server) handleQualityGet(c echo.Context) error {
	score, err := s.svc.Quality.For(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, score)
}

func (s *Server) handleQualityOutliers(c echo.Context) error {
	outliers, err := s.svc.Quality.Outliers(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"outliers": outliers})
}

func (s *Server) handleQualityDegraded(c echo.Context) error {
	degraded, err := s.svc.Quality.Degraded(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"degraded": degraded})
}
