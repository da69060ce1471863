// Package api 组装 gin 路由
package api

import (
	"net/http"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/trace"

	_ "github.com/d60-Lab/search-projector/docs"
	"github.com/d60-Lab/search-projector/internal/api/handler"
	"github.com/d60-Lab/search-projector/internal/api/middleware"
	"github.com/d60-Lab/search-projector/pkg/tracing"
)

// Options 路由开关；Handler 为空时只挂 /metrics
type Options struct {
	Handler        *handler.Handler
	Metrics        http.Handler
	AdminSecret    string
	TracerProvider trace.TracerProvider
}

func NewRouter(opts Options) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if opts.TracerProvider != nil {
		r.Use(otelgin.Middleware(tracing.ServiceName, otelgin.WithTracerProvider(opts.TracerProvider)))
	}

	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics))
	}
	h := opts.Handler
	if h == nil {
		return r
	}

	api := r.Group("/", gzip.Gzip(gzip.DefaultCompression))
	api.GET("/healthz", h.Healthz)
	api.GET("/readyz", h.Readyz)
	api.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// 未配置密钥时不暴露运维接口
	if opts.AdminSecret != "" {
		admin := api.Group("/admin/outbox", middleware.JWTAuth(opts.AdminSecret))
		admin.GET("/stats", h.OutboxStats)
		admin.POST("/redrive", h.Redrive)
	}
	return r
}
