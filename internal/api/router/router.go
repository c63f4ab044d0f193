package router

import (
	"github.com/gin-gonic/gin"
	"github.com/not-nullexception/image-reducer/config"
	"github.com/not-nullexception/image-reducer/internal/api/handlers"
	"github.com/not-nullexception/image-reducer/internal/api/middleware"
	"github.com/not-nullexception/image-reducer/internal/artifact"
	"github.com/not-nullexception/image-reducer/internal/session"
	"github.com/not-nullexception/image-reducer/internal/worker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// ArtifactPath is where the memory store serves artifact bytes
const ArtifactPath = "/api/artifacts"

func Setup(
	cfg *config.Config,
	manager *session.Manager,
	store artifact.Store,
	pool *worker.Pool,
) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)

	r := gin.New()

	// Tracing must run before the contextual logger so trace ids are available
	if cfg.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Tracing.ServiceName))
	}
	r.Use(middleware.ContextualLogger("api"))
	r.Use(gin.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.CORS())
	if cfg.Metrics.Enabled {
		r.Use(middleware.Metrics())
	}

	sessionHandler := handlers.NewSessionHandler(manager, pool, cfg.Server.MaxUploadBytes())
	artifactHandler := handlers.NewArtifactHandler(store)
	healthHandler := handlers.NewHealthHandler(store, manager)

	r.GET("/health", healthHandler.Check)

	if cfg.Metrics.Enabled {
		r.GET(cfg.Metrics.Endpoint, gin.WrapH(promhttp.Handler()))
	}

	api := r.Group("/api")
	{
		sessions := api.Group("/sessions")
		{
			sessions.POST("", sessionHandler.CreateSession)
			sessions.GET("/:id", sessionHandler.GetSession)
			sessions.DELETE("/:id", sessionHandler.DeleteSession)
			sessions.POST("/:id/image", sessionHandler.SelectImage)
			sessions.PUT("/:id/params", sessionHandler.UpdateParams)
			sessions.PUT("/:id/format", sessionHandler.SelectFormat)
			sessions.POST("/:id/compress", sessionHandler.Compress)
			sessions.POST("/:id/modal", sessionHandler.OpenModal)
			sessions.DELETE("/:id/modal", sessionHandler.CloseModal)
			sessions.GET("/:id/download", sessionHandler.Download)
		}

		api.GET("/artifacts/:id", artifactHandler.GetArtifact)
	}

	return r
}
