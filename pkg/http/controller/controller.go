package controller

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go/ext"
	"github.com/tass-io/langworker/pkg/dispatcher"
	"github.com/tass-io/langworker/pkg/dto"
	"github.com/tass-io/langworker/pkg/function"
	"github.com/tass-io/langworker/pkg/host"
	"github.com/tass-io/langworker/pkg/trace"
	"go.uber.org/zap"
)

// DefaultTimeout bounds how long a request waits for a worker
const DefaultTimeout = 30 * time.Second

// Runtimes is the diagnostics view of the dispatcher
type Runtimes interface {
	Snapshot() map[string]dispatcher.Snapshot
	FailedRuntimes() []string
}

// Functions loads and invokes functions, implemented by host.Host
type Functions interface {
	Load(ctx context.Context, metadata function.Metadata) (map[string]interface{}, error)
	Invoke(ctx context.Context, name string, parameters map[string]interface{}) (map[string]interface{}, error)
	Functions() []string
}

type Controller struct {
	runtimes  Runtimes
	functions Functions
	timeout   time.Duration
}

func New(runtimes Runtimes, functions Functions, timeout time.Duration) *Controller {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Controller{runtimes: runtimes, functions: functions, timeout: timeout}
}

// statusOf maps a load or invoke error to its http status
func statusOf(err error) int {
	var failed *dispatcher.RuntimeFailedError
	switch {
	case errors.Is(err, host.ErrFunctionName), errors.Is(err, dispatcher.ErrUnsupportedRuntime):
		return http.StatusBadRequest
	case errors.Is(err, host.ErrFunctionNotFound):
		return http.StatusNotFound
	case errors.Is(err, host.ErrFunctionExists):
		return http.StatusConflict
	case errors.As(err, &failed), errors.Is(err, dispatcher.ErrShutdown):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Runtimes returns the snapshot of every runtime
func (ctl *Controller) Runtimes(c *gin.Context) {
	c.JSON(http.StatusOK, dto.RuntimesResponse{Runtimes: ctl.runtimes.Snapshot()})
}

// Health is 503 while a runtime is failed
func (ctl *Controller) Health(c *gin.Context) {
	failed := ctl.runtimes.FailedRuntimes()
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, dto.HealthResponse{Healthy: false, Failed: failed})
		return
	}
	c.JSON(http.StatusOK, dto.HealthResponse{Healthy: true})
}

// ListFunctions returns the loaded function names
func (ctl *Controller) ListFunctions(c *gin.Context) {
	c.JSON(http.StatusOK, dto.FunctionsResponse{Functions: ctl.functions.Functions()})
}

// Load registers the function of the body on the worker of its runtime
func (ctl *Controller) Load(c *gin.Context) {
	var metadata function.Metadata
	if err := c.BindJSON(&metadata); err != nil {
		zap.S().Errorw("load bind json error", "err", err)
		c.JSON(http.StatusBadRequest, dto.Response{Success: false, Message: err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), ctl.timeout)
	defer cancel()
	result, err := ctl.functions.Load(ctx, metadata)
	if err != nil {
		zap.S().Warnw("load function error", "function", metadata.Name, "runtime", metadata.Runtime, "err", err)
		c.JSON(statusOf(err), dto.Response{Success: false, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, dto.Response{Success: true, Message: "ok", Result: result})
}

// Invoke calls a loaded function with the parameters of the body
func (ctl *Controller) Invoke(c *gin.Context) {
	name := c.Param("name")
	var request dto.InvokeRequest
	if err := c.BindJSON(&request); err != nil {
		zap.S().Errorw("invoke bind json error", "err", err)
		c.JSON(http.StatusBadRequest, dto.Response{Success: false, Message: err.Error()})
		return
	}

	sp := trace.SpanFromHeaders("function.invoke", c.Request.Header)
	sp.SetTag("function", name)
	defer sp.Finish()

	ctx, cancel := context.WithTimeout(c.Request.Context(), ctl.timeout)
	defer cancel()
	result, err := ctl.functions.Invoke(ctx, name, request.Parameters)
	if err != nil {
		ext.Error.Set(sp, true)
		sp.LogKV("err", err.Error())
		c.JSON(statusOf(err), dto.Response{Success: false, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, dto.Response{Success: true, Message: "ok", Result: result})
}
