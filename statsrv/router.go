// Package statsrv serves the client runtime's counters, pool occupancy and
// Prometheus metrics over HTTP.
package statsrv

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/seb7887/netclient/webclient"
)

type Route struct {
	Method  string
	Path    string
	Handler gin.HandlerFunc
}

// Source is what the routes read from. *webclient.Runtime implements it.
type Source interface {
	Stats() *webclient.Stats
	Pool() *webclient.Pool
	Factory() *webclient.Factory
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	webclient.StatsSnapshot
	Idle map[string]int `json:"idle"`
}

// HealthResponse is the body of GET /health. Status is "starting" with a 503
// until the factory is frozen.
type HealthResponse struct {
	Status  string   `json:"status"`
	Schemes []string `json:"schemes"`
}

// SetupRouter mounts routes on a bare engine. The first middleware is the
// outermost one.
func SetupRouter(routes []Route, middlewares ...gin.HandlerFunc) *gin.Engine {
	engine := gin.New()
	engine.HandleMethodNotAllowed = true
	for i := range middlewares {
		engine.Use(middlewares[len(middlewares)-1-i])
	}
	for _, r := range routes {
		engine.Handle(r.Method, r.Path, r.Handler)
	}
	return engine
}

// Routes returns the health, stats and metrics routes for src. A nil
// gatherer serves the default Prometheus registry.
func Routes(src Source, gatherer prometheus.Gatherer) []Route {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	metrics := promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})

	return []Route{
		{
			Method: http.MethodGet,
			Path:   "/health",
			Handler: func(c *gin.Context) {
				f := src.Factory()
				if !f.Frozen() {
					c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "starting", Schemes: f.Schemes()})
					return
				}
				c.JSON(http.StatusOK, HealthResponse{Status: "ok", Schemes: f.Schemes()})
			},
		},
		{
			Method: http.MethodGet,
			Path:   "/stats",
			Handler: func(c *gin.Context) {
				c.JSON(http.StatusOK, StatsResponse{
					StatsSnapshot: src.Stats().Snapshot(),
					Idle:          src.Pool().Idle(),
				})
			},
		},
		{
			Method:  http.MethodGet,
			Path:    "/metrics",
			Handler: gin.WrapH(metrics),
		},
	}
}
