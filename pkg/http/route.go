package http

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tass-io/langworker/pkg/http/controller"
)

// RegisterRoute registers http routes, pprof handlers are added under /debug/pprof when withPprof is set
func RegisterRoute(r *gin.Engine, ctl *controller.Controller, withPprof bool) {
	r.Use(cors.New(cors.Config{
		AllowMethods:     []string{"PUT", "POST", "GET", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		AllowCredentials: true,
		AllowOriginFunc: func(origin string) bool {
			return true
		},
		MaxAge: 12 * time.Hour,
	}))
	v1 := r.Group("/v1")
	{
		v1.GET("/runtimes", ctl.Runtimes)
		functionRoute := v1.Group("/functions")
		{
			functionRoute.GET("", ctl.ListFunctions)
			functionRoute.POST("", ctl.Load)
			functionRoute.POST("/:name/invoke", ctl.Invoke)
		}
	}
	r.GET("/healthz", ctl.Health)
	r.GET("/metrics", prometheusHandler())
	if withPprof {
		pprof.Register(r)
	}
}

func prometheusHandler() gin.HandlerFunc {
	h := promhttp.Handler()

	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
