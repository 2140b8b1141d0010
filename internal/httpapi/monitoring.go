// internal/httpapi/monitoring.go
package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

func (s *Server) handleMonitoringStatus(c echo.Context) error {
	ctx := c.Request().Context()
	counts, err := s.svc.Resources.Repo().StatusCounts(ctx)
	if err != nil {
		return err
	}
	depth, err := s.svc.Queue.Depth(ctx)
	if err != nil {
		return err
	}
	dead, err := s.svc.Queue.DeadLetters(ctx, 10)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"resources":    counts,
		"queue_depth":  depth,
		"dead_letters": len(dead),
		"cache":        s.svc.Cache.Stats(),
	})
}

func (s *Server) handleMonitoringEvents(c echo.Context) error {
	records := s.svc.Bus.History(0)
	perType := map[string]int{}
	for _, rec := range records {
		perType[rec.Event.Type]++
	}
	return c.JSON(http.StatusOK, map[string]any{
		"recent_counts": perType,
	})
}

func (s *Server) handleMonitoringEventHistory(c echo.Context) error {
	records := s.svc.Bus.History(intQuery(c, "limit", 50))
	return c.JSON(http.StatusOK, map[string]any{"events": records})
}

func (s *Server) handleAdminReindex(c echo.Context) error {
	count, err := s.svc.Ingest.Reindex(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"reindexed": count})
}
