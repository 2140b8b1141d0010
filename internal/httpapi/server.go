// Package httpapi exposes the REST surface over echo. Handlers are thin:
// parse, call the owning service, translate sentinel errors to statuses.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/neo-alexandria/alexandria/internal/annotations"
	"github.com/neo-alexandria/alexandria/internal/cache"
	"github.com/neo-alexandria/alexandria/internal/citations"
	"github.com/neo-alexandria/alexandria/internal/collections"
	"github.com/neo-alexandria/alexandria/internal/config"
	"github.com/neo-alexandria/alexandria/internal/eventbus"
	"github.com/neo-alexandria/alexandria/internal/graph"
	"github.com/neo-alexandria/alexandria/internal/ingest"
	"github.com/neo-alexandria/alexandria/internal/logging"
	"github.com/neo-alexandria/alexandria/internal/quality"
	"github.com/neo-alexandria/alexandria/internal/recommend"
	"github.com/neo-alexandria/alexandria/internal/resource"
	"github.com/neo-alexandria/alexandria/internal/search"
	"github.com/neo-alexandria/alexandria/internal/taskqueue"
	"github.com/neo-alexandria/alexandria/internal/taxonomy"
)

// Services collects everything the API serves.
type Services struct {
	Resources   *resource.Service
	Search      *search.Engine
	Graph       *graph.Service
	Citations   *citations.Service
	Taxonomy    *taxonomy.Service
	Quality     *quality.Service
	Recommend   *recommend.Service
	Annotations *annotations.Service
	Collections *collections.Service
	Ingest      *ingest.Pipeline
	Queue       *taskqueue.Queue
	Bus         *eventbus.Bus
	Cache       *cache.Cache
}

// Server is the HTTP front of the system.
type Server struct {
	echo   *echo.Echo
	svc    Services
	logger *logging.Logger
	cfg    config.ServerConfig
}

// NewServer wires routes and middleware.
func NewServer(svc Services, cfg config.ServerConfig, logger *logging.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{echo: e, svc: svc, logger: logger.Named("http"), cfg: cfg}
	e.HTTPErrorHandler = s.errorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestMetrics())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			s.logger.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)))
			return err
		}
	})

	s.registerRoutes()
	return s
}

// Echo exposes the underlying router for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

func (s *Server) registerRoutes() {
	e := s.echo

	e.GET("/health", s.handleHealth)

	e.POST("/resources", s.handleResourceCreate)
	e.GET("/resources", s.handleResourceList)
	e.GET("/resources/:id", s.handleResourceGet)
	e.PUT("/resources/:id", s.handleResourceUpdate)
	e.DELETE("/resources/:id", s.handleResourceDelete)
	e.GET("/resources/:id/status", s.handleResourceStatus)
	e.GET("/resources/:id/annotations", s.handleAnnotationsForResource)

	e.POST("/search", s.handleSearch)
	e.GET("/search/three-way-hybrid", s.handleThreeWaySearch)
	e.GET("/search/compare-methods", s.handleCompareMethods)
	e.POST("/search/evaluate", s.handleEvaluate)

	e.GET("/graph/resource/:id/neighbors", s.handleGraphNeighbors)
	e.GET("/graph/overview", s.handleGraphOverview)

	e.GET("/citations/resources/:id/citations", s.handleCitationsFor)
	e.GET("/citations/graph/citations/:id", s.handleCitationSubgraph)
	e.POST("/citations/resources/:id/citations/extract", s.handleCitationExtract)
	e.POST("/citations/resolve", s.handleCitationResolve)
	e.POST("/citations/importance/compute", s.handleCitationPageRank)

	e.POST("/taxonomy/nodes", s.handleTaxonomyCreate)
	e.PUT("/taxonomy/nodes/:id", s.handleTaxonomyUpdate)
	e.DELETE("/taxonomy/nodes/:id", s.handleTaxonomyDelete)
	e.POST("/taxonomy/nodes/:id/move", s.handleTaxonomyMove)
	e.GET("/taxonomy/tree", s.handleTaxonomyTree)
	e.POST("/taxonomy/classify/:resource_id", s.handleTaxonomyClassify)
	e.GET("/taxonomy/classify/:resource_id", s.handleTaxonomyAssignments)
	e.GET("/taxonomy/active-learning/uncertain", s.handleTaxonomyUncertain)
	e.POST("/taxonomy/active-learning/feedback", s.handleTaxonomyFeedback)
	e.POST("/taxonomy/train", s.handleTaxonomyTrain)

	e.POST("/quality/resources/:id/compute", s.handleQualityCompute)
	e.GET("/quality/resources/:id", s.handleQualityGet)
	e.GET("/quality/outliers", s.handleQualityOutliers)
	e.GET("/quality/degraded", s.handleQualityDegraded)

	e.GET("/recommendations", s.handleRecommendations)
	e.POST("/interactions", s.handleInteractionCreate)
	e.GET("/users/:user_id/interactions", s.handleInteractionList)
	e.GET("/users/:user_id/profile", s.handleUserProfile)

	e.POST("/collections", s.handleCollectionCreate)
	e.GET("/collections", s.handleCollectionList)
	e.GET("/collections/:id", s.handleCollectionGet)
	e.PUT("/collections/:id", s.handleCollectionUpdate)
	e.DELETE("/collections/:id", s.handleCollectionDelete)
	e.POST("/collections/:id/resources/:resource_id", s.handleCollectionAddMember)
	e.DELETE("/collections/:id/resources/:resource_id", s.handleCollectionRemoveMember)
	e.GET("/collections/:id/similar", s.handleCollectionSimilar)

	e.POST("/annotations", s.handleAnnotationCreate)
	e.GET("/annotations/search", s.handleAnnotationSearch)
	e.GET("/annotations/:id", s.handleAnnotationGet)
	e.PUT("/annotations/:id", s.handleAnnotationUpdate)
	e.DELETE("/annotations/:id", s.handleAnnotationDelete)

	e.GET("/monitoring/status", s.handleMonitoringStatus)
	e.GET("/monitoring/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/monitoring/events", s.handleMonitoringEvents)
	e.GET("/monitoring/events/history", s.handleMonitoringEventHistory)

	e.POST("/admin/reindex", s.handleAdminReindex)
}

// Start blocks serving requests until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.logger.Info(context.Background(), "http server listening", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "http server stopping")
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
