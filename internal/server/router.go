package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/maestro/internal/job"
	"github.com/loykin/maestro/internal/metrics"
	"github.com/loykin/maestro/internal/scheduler"
	"github.com/loykin/maestro/internal/service"
	"github.com/loykin/maestro/internal/settings"
	"github.com/loykin/maestro/pkg/client"
)

// Router provides embeddable HTTP handlers for the operator commands.
// Endpoints:
//
//	GET    {basePath}/batches               list batches
//	POST   {basePath}/batches               body: {pattern,label}
//	DELETE {basePath}/batches?ids=1,2
//	POST   {basePath}/kill                  body: {batch_id,name} | {pid} | {batch}
//	POST   {basePath}/dispatcher/start      body: {block,spread,wait}
//	POST   {basePath}/dispatcher/stop
//	GET    {basePath}/dispatcher
//	GET    {basePath}/metrics               prometheus exposition
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	svc      *service.Service
	basePath string
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(svc *service.Service, basePath string) *Router {
	return &Router{svc: svc, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/batches", r.handleList)
	group.POST("/batches", r.handleLoad)
	group.DELETE("/batches", r.handleDelete)
	group.POST("/kill", r.handleKill)
	group.POST("/dispatcher/start", r.handleDispatcherStart)
	group.POST("/dispatcher/stop", r.handleDispatcherStop)
	group.GET("/dispatcher", r.handleDispatcherStatus)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer listens on addr and serves the router in the background. Bind
// errors are returned; the caller owns Shutdown. Gin's debug mode is switched
// to release mode; an explicit GIN_MODE or test mode is kept.
func NewServer(addr, basePath string, svc *service.Service) (*http.Server, error) {
	if gin.Mode() == gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	r := NewRouter(svc, basePath)
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.Serve(ln) }()
	return server, nil
}

// --- Handlers ---

type okResp struct {
	OK bool `json:"ok"`
}

// writeError maps service errors onto status codes.
func writeError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrInvalidArgument):
		code = http.StatusBadRequest
	case errors.Is(err, service.ErrNoMatch), errors.Is(err, job.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, scheduler.ErrAlreadyRunning), errors.Is(err, scheduler.ErrNotRunning),
		errors.Is(err, settings.ErrDispatcherActive):
		code = http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		code = http.StatusServiceUnavailable
	}
	writeJSON(c, code, client.ErrorResponse{Error: err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	writeJSON(c, http.StatusBadRequest, client.ErrorResponse{Error: msg})
}

func (r *Router) handleList(c *gin.Context) {
	batches, err := r.svc.Batches(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, batches)
}

func (r *Router) handleLoad(c *gin.Context) {
	var req client.LoadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON: "+err.Error())
		return
	}
	if !isSafePattern(req.Pattern) {
		badRequest(c, "invalid pattern: must be absolute or start with ~/ and contain no '..'")
		return
	}
	b, err := r.svc.Load(c.Request.Context(), req.Pattern, req.Label)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, b)
}

func (r *Router) handleDelete(c *gin.Context) {
	ids, ok := parseIDs(c.Query("ids"))
	if !ok {
		badRequest(c, "ids query param required: comma-separated batch ids")
		return
	}
	res, err := r.svc.Delete(c.Request.Context(), ids)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (r *Router) handleKill(c *gin.Context) {
	var req client.KillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON: "+err.Error())
		return
	}
	// ensure exactly one selector is provided
	selCount := 0
	if req.BatchID != nil || req.Name != "" {
		selCount++
	}
	if req.PID != 0 {
		selCount++
	}
	if req.Batch != nil {
		selCount++
	}
	if selCount != 1 {
		badRequest(c, "exactly one of {batch_id,name}, pid, batch must be provided")
		return
	}

	ctx := c.Request.Context()
	switch {
	case req.Batch != nil:
		res, err := r.svc.KillBatch(ctx, *req.Batch)
		if err != nil {
			writeError(c, err)
			return
		}
		writeJSON(c, http.StatusOK, res)
	case req.PID != 0:
		res, err := r.svc.KillPID(ctx, req.PID)
		if err != nil {
			writeError(c, err)
			return
		}
		writeJSON(c, http.StatusOK, []service.KillResult{res})
	default:
		if req.BatchID == nil || !isSafeName(req.Name) {
			badRequest(c, "batch_id and a valid name are both required")
			return
		}
		res, err := r.svc.KillProcess(ctx, *req.BatchID, req.Name)
		if err != nil {
			writeError(c, err)
			return
		}
		writeJSON(c, http.StatusOK, []service.KillResult{res})
	}
}

func (r *Router) handleDispatcherStart(c *gin.Context) {
	var req client.DispatcherRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid JSON: "+err.Error())
			return
		}
	}
	params := service.DispatcherParams{Block: req.Block, Spread: req.Spread}
	if req.Wait != "" {
		d, err := time.ParseDuration(req.Wait)
		if err != nil {
			badRequest(c, "invalid wait: "+err.Error())
			return
		}
		params.Wait = d
	}
	if err := r.svc.StartDispatcher(c.Request.Context(), params); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toStatus(r.svc.DispatcherStatus()))
}

func (r *Router) handleDispatcherStop(c *gin.Context) {
	if err := r.svc.StopDispatcher(); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleDispatcherStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, toStatus(r.svc.DispatcherStatus()))
}

func toStatus(s service.DispatcherStatus) client.DispatcherStatus {
	out := client.DispatcherStatus{Running: s.Running, PID: s.PID, InFlight: s.InFlight}
	if s.Running {
		out.Block = s.Params.Block
		out.Spread = s.Params.Spread
		out.Wait = s.Params.Wait.String()
	}
	return out
}
