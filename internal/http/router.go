package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/lokus-ai/lokus-auth/internal/config"
	"github.com/lokus-ai/lokus-auth/internal/http/handler"
	httpmiddleware "github.com/lokus-ai/lokus-auth/internal/http/middleware"
	"github.com/lokus-ai/lokus-auth/internal/middleware"
)

// NewRouter wires gin routes and middleware.
func NewRouter(cfg config.Config, oauthHandler *handler.OAuthHandler, rateLimiter *middleware.RateLimiter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(nil))
	if rateLimiter != nil {
		r.Use(rateLimiter.Handler())
	}
	r.Use(middleware.CORS(cfg))
	r.Use(otelgin.Middleware(cfg.ServiceName))

	r.GET("/authorize", oauthHandler.Authorize)
	r.GET("/authorize/complete", oauthHandler.AuthorizeComplete)
	r.POST("/token", oauthHandler.Token)
	r.POST("/refresh", oauthHandler.Refresh)
	r.GET("/profile", oauthHandler.Profile)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}
