package api

import (
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"

	_ "bridge-exporter/docs"
	"bridge-exporter/internal/api/handler"
	"bridge-exporter/pkg/router"
)

func RegisterRoutes(r *router.Router, h *handler.RunHandler) {
	r.POST("/api/v1/runs", h.CreateRun)
	r.GET("/api/v1/runs", h.ListRuns)
	r.GET("/api/v1/runs/*/errors", h.GetRunErrors)
	r.GET("/api/v1/runs/*", h.GetRun)

	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/swagger/", httpSwagger.WrapHandler)
}
