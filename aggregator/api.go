package aggregator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/sirupsen/logrus"

	"github.com/arc-archive/arc-datastore/period"
)

// Scopes narrow a query response down to one of the two counts.
const (
	ScopeUsers    = "users"
	ScopeSessions = "sessions"
)

// HTTP status codes used by the record and synchronous rollup endpoints.
const (
	StatusNewSession       = http.StatusNoContent
	StatusContinuedSession = http.StatusResetContent
	StatusRollupDone       = http.StatusNoContent
	StatusAlreadyComputed  = http.StatusResetContent
)

type APIServer struct {
	engine     *Engine
	router     *gin.Engine
	httpServer *http.Server
	port       int
	log        *logrus.Entry
}

// NewAPIServer creates the analytics HTTP API on port.
func NewAPIServer(port int, engine *Engine, log *logrus.Entry) *APIServer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	server := &APIServer{
		engine: engine,
		port:   port,
		log:    log.WithField("component", "api"),
	}

	r := gin.New()
	r.Use(gin.Recovery(), server.loggingMiddleware())
	server.registerRoutes(r)
	server.router = r

	server.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return server
}

func (s *APIServer) registerRoutes(r *gin.Engine) {
	analytics := r.Group("/analytics")
	{
		analytics.POST("/record", s.handleRecord)
		analytics.GET("/query/custom", s.handleQueryCustom)
		analytics.GET("/query/custom/:scope", s.handleQueryCustom)
		analytics.GET("/query/:kind", s.handleQuery)
		analytics.GET("/query/:kind/:scope", s.handleQuery)
	}

	analyser := r.Group("/analyser")
	{
		analyser.POST("/:kind", s.handleRequestRollup)
		analyser.GET("/:kind/:scope", s.handleRunRollup)
		analyser.POST("/:kind/:scope", s.handleRunRollup)
	}

	tasks := r.Group("/tasks")
	{
		tasks.GET("/schedule-analyser", s.handleScheduleEligible)
		tasks.POST("/schedule", s.handleSchedule)
	}

	r.GET("/api/health", s.handleHealth)
}

// Handler exposes the router, mainly for tests.
func (s *APIServer) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called.
func (s *APIServer) Start() error {
	s.log.WithField("port", s.port).Info("Starting analytics API server")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start API server: %w", err)
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}

type recordRequest struct {
	AID string      `json:"aid"`
	TZ  offsetParam `json:"tz"`
}

// offsetParam accepts the time zone offset as a JSON number or string.
type offsetParam string

func (v *offsetParam) UnmarshalJSON(b []byte) error {
	*v = offsetParam(strings.Trim(string(b), `"`))
	return nil
}

// handleRecord handles POST /analytics/record
func (s *APIServer) handleRecord(c *gin.Context) {
	var aid, tz string
	if c.ContentType() == binding.MIMEJSON {
		var req recordRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			s.sendError(c, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
		aid, tz = req.AID, string(req.TZ)
	} else {
		aid, tz = c.PostForm("aid"), c.PostForm("tz")
	}

	var missing []string
	if aid == "" {
		missing = append(missing, "The `aid` (anonymousId) parameter is required.")
	}
	if tz == "" || tz == "null" {
		missing = append(missing, "The `tz` (timeZoneOffset) parameter is required.")
	}
	if len(missing) > 0 {
		s.sendError(c, http.StatusBadRequest, strings.Join(missing, " "))
		return
	}
	offset, err := strconv.Atoi(tz)
	if err != nil {
		s.sendError(c, http.StatusBadRequest, fmt.Sprintf("timeZoneOffset is invalid: %s. Expecting integer.", tz))
		return
	}

	isNew, err := s.engine.RecordHit(c.Request.Context(), aid, offset)
	if err != nil {
		s.sendEngineError(c, err)
		return
	}
	if isNew {
		c.Status(StatusNewSession)
	} else {
		c.Status(StatusContinuedSession)
	}
}

// handleQueryCustom handles GET /analytics/query/custom[/:scope]?start=&end=
func (s *APIServer) handleQueryCustom(c *gin.Context) {
	scope := c.Param("scope")
	if scope != "" && !validScope(scope) {
		s.sendError(c, http.StatusBadRequest, "Unknown path")
		return
	}

	startParam, endParam := c.Query("start"), c.Query("end")
	if startParam == "" || endParam == "" {
		s.sendError(c, http.StatusBadRequest, "The start and end parameters are required.")
		return
	}
	start, err := period.ParseInstant(startParam, time.UTC)
	if err != nil {
		s.sendError(c, http.StatusBadRequest, err.Error())
		return
	}
	end, err := period.ParseInstant(endParam, time.UTC)
	if err != nil {
		s.sendError(c, http.StatusBadRequest, err.Error())
		return
	}
	// A bare day as the upper bound covers that whole day.
	if len(endParam) == len(period.DayLayout) {
		end = period.Day(end).End
	}

	totals, err := s.engine.QueryRange(c.Request.Context(), start, end)
	if err != nil {
		s.sendEngineError(c, err)
		return
	}

	switch scope {
	case ScopeUsers:
		c.JSON(http.StatusOK, gin.H{"users": totals.Users})
	case ScopeSessions:
		c.JSON(http.StatusOK, gin.H{"sessions": totals.Sessions})
	default:
		c.JSON(http.StatusOK, totals)
	}
}

// handleQuery handles GET /analytics/query/:kind[/:scope]?date=
func (s *APIServer) handleQuery(c *gin.Context) {
	kind, scope, ok := s.pathParams(c)
	if !ok {
		return
	}

	agg, err := s.engine.GetPeriodAggregate(c.Request.Context(), kind, c.Query("date"))
	if err != nil {
		s.sendEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, buildAggregateResponse(agg, scope))
}

// handleRequestRollup handles POST /analyser/:kind?date=
func (s *APIServer) handleRequestRollup(c *gin.Context) {
	kind, err := period.ParseKind(c.Param("kind"))
	if err != nil {
		s.sendError(c, http.StatusBadRequest, "Unknown path")
		return
	}
	s.queueRollup(c, kind, c.Query("date"))
}

// handleRunRollup handles /analyser/:kind/:scope?date= and computes the
// rollup before answering. Both counts are always computed, the scope only
// selects the path.
func (s *APIServer) handleRunRollup(c *gin.Context) {
	kind, _, ok := s.pathParams(c)
	if !ok {
		return
	}

	_, outcome, err := s.engine.Rollup(c.Request.Context(), kind, c.Query("date"))
	if err != nil {
		s.sendEngineError(c, err)
		return
	}
	if outcome == OutcomeAlreadyComputed {
		c.Status(StatusAlreadyComputed)
		return
	}
	c.Status(StatusRollupDone)
}

// handleSchedule handles POST /tasks/schedule?type=&date=
func (s *APIServer) handleSchedule(c *gin.Context) {
	kind, err := period.ParseKind(c.Query("type"))
	if err != nil {
		s.sendError(c, http.StatusBadRequest, err.Error())
		return
	}
	s.queueRollup(c, kind, c.Query("date"))
}

// handleScheduleEligible handles GET /tasks/schedule-analyser
func (s *APIServer) handleScheduleEligible(c *gin.Context) {
	queued, err := s.engine.RequestEligible(c.Request.Context())
	if err != nil && len(queued) == 0 {
		s.sendEngineError(c, err)
		return
	}

	names := make([]string, 0, len(queued))
	for _, req := range queued {
		names = append(names, req.String())
	}
	body := gin.H{"queued": names}
	if err != nil {
		body["errors"] = err.Error()
	}
	c.JSON(http.StatusAccepted, body)
}

func (s *APIServer) queueRollup(c *gin.Context, kind period.Kind, key string) {
	req, err := s.engine.RequestRollup(c.Request.Context(), kind, key)
	if err != nil {
		s.sendEngineError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": req.String()})
}

// handleHealth handles GET /api/health
func (s *APIServer) handleHealth(c *gin.Context) {
	health := gin.H{
		"status":    "healthy",
		"namespace": s.engine.Namespace(),
		"time":      time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.engine.Ping(c.Request.Context()); err != nil {
		health["status"] = "unavailable"
		health["error"] = err.Error()
		c.JSON(http.StatusServiceUnavailable, health)
		return
	}
	c.JSON(http.StatusOK, health)
}

// pathParams validates the :kind and optional :scope parameters, answering
// 400 itself when they are unknown.
func (s *APIServer) pathParams(c *gin.Context) (period.Kind, string, bool) {
	kind, err := period.ParseKind(c.Param("kind"))
	scope := c.Param("scope")
	if err != nil || (scope != "" && !validScope(scope)) {
		s.sendError(c, http.StatusBadRequest, "Unknown path")
		return "", "", false
	}
	return kind, scope, true
}

func validScope(scope string) bool {
	return scope == ScopeUsers || scope == ScopeSessions
}

func (s *APIServer) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Info("Request handled")
	}
}

// StatusFor maps an engine error onto an HTTP status code.
func StatusFor(err error) int {
	switch {
	case IsClientError(err):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrStorageUnavailable),
		errors.Is(err, ErrIncomplete),
		errors.Is(err, ErrQueueFull),
		errors.Is(err, ErrQueueClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *APIServer) sendEngineError(c *gin.Context, err error) {
	status := StatusFor(err)
	message := err.Error()
	if status == http.StatusNotFound {
		message = "Not yet computed."
	}
	if status >= http.StatusInternalServerError {
		s.log.WithField("path", c.Request.URL.Path).WithError(err).Error("Request failed")
	}
	s.sendError(c, status, message)
}

func (s *APIServer) sendError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{
		"error":   true,
		"code":    status,
		"message": message,
	})
}

func buildAggregateResponse(agg *PeriodAggregate, scope string) gin.H {
	response := gin.H{
		"kind":  agg.Kind,
		"key":   agg.Key,
		"start": agg.WindowStart.Format(time.RFC3339),
		"end":   agg.WindowEnd.Format(time.RFC3339Nano),
	}

	switch scope {
	case ScopeUsers:
		response["users"] = agg.UserCount
	case ScopeSessions:
		response["sessions"] = agg.SessionCount
	default:
		response["users"] = agg.UserCount
		response["sessions"] = agg.SessionCount
		response["createdAt"] = agg.CreatedAt.Format(time.RFC3339)
	}

	if agg.Kind.Ranged() {
		items := make([]gin.H, 0, len(agg.DailyBreakdown))
		for _, item := range agg.DailyBreakdown {
			entry := gin.H{"day": item.Day}
			if scope != ScopeSessions {
				entry["users"] = item.Users
			}
			if scope != ScopeUsers {
				entry["sessions"] = item.Sessions
			}
			items = append(items, entry)
		}
		response["items"] = items
	}
	return response
}
