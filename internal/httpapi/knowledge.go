// internal/httpapi/knowledge.go
//
// Graph and citation endpoints.
package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

func (s *Server) handleGraphNeighbors(c echo.Context) error {
	neighbors, err := s.svc.Graph.Neighbors(c.Request().Context(), c.Param("id"),
		intQuery(c, "limit", 0))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"resource_id": c.Param("id"),
		"neighbors":   neighbors,
	})
}

func (s *Server) handleGraphOverview(c echo.Context) error {
	overview, err := s.svc.Graph.GlobalOverview(c.Request().Context(),
		intQuery(c, "limit", 0), floatQuery(c, "vector_threshold", 0))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, overview)
}

func (s *Server) handleCitationsFor(c echo.Context) error {
	links, err := s.svc.Citations.ForResource(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	switch c.QueryParam("direction") {
	case "outbound":
		return c.JSON(http.StatusOK, map[string]any{
			"outbound": links.Outbound, "outbound_count": links.OutboundCount})
	case "inbound":
		return c.JSON(http.StatusOK, map[string]any{
			"inbound": links.Inbound, "inbound_count": links.InboundCount})
	case "", "both":
		return c.JSON(http.StatusOK, links)
	default:
		return badRequest("direction must be outbound, inbound, or both")
	}
}

func (s *Server) handleCitationSubgraph(c echo.Context) error {
	subgraph, err := s.svc.Citations.SubgraphFor(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, subgraph)
}

func (s *Server) handleCitationExtract(c echo.Context) error {
	count, err := s.svc.Citations.ExtractFor(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"extracted": count})
}

func (s *Server) handleCitationResolve(c echo.Context) error {
	linked, err := s.svc.Citations.Resolve(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"resolved": linked})
}

func (s *Server) handleCitationPageRank(c echo.Context) error {
	ranks, err := s.svc.Citations.ComputePageRank(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"resources_ranked": len(ranks),
	})
}
