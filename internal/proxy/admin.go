package proxy

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/realmpipe/internal/auth"
	"github.com/danmuck/realmpipe/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AdminServer is the read-mostly HTTP surface over a running Service.
type AdminServer struct {
	svc    *Service
	router *gin.Engine
	// guards mutating routes; nil leaves them open
	validator auth.Validator
}

// NewAdminServer builds the admin router. A non-empty token is required as a
// bearer token on routes that change proxy state.
func NewAdminServer(svc *Service, corsOrigins []string, token string) *AdminServer {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(svc.logger))
	r.Use(observability.RequestMetricsMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "PUT", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	a := &AdminServer{svc: svc, router: r}
	if token != "" {
		a.validator = auth.StaticToken{Token: token}
	}
	a.registerRoutes()
	return a
}

func (a *AdminServer) Handler() http.Handler {
	return a.router
}

// ListenAndServe serves on addr until ctx is cancelled.
func (a *AdminServer) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	a.svc.logger.Info().Str("addr", addr).Msg("admin listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type selectServerRequest struct {
	Name string `json:"name"`
}

func (a *AdminServer) registerRoutes() {
	r := a.router
	guard := auth.Require(a.validator)
	r.GET("/health", func(c *gin.Context) {
		stats := a.svc.Stats()
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"uptime":   stats.Uptime.String(),
			"accepted": stats.Accepted,
			"active":   stats.Active,
			"server":   a.svc.Servers().Selected(),
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": a.svc.Sessions()})
	})

	r.GET("/sessions/:id", func(c *gin.Context) {
		sess, ok := a.svc.Session(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusOK, sess.Snapshot())
	})

	r.DELETE("/sessions/:id", guard, func(c *gin.Context) {
		sess, ok := a.svc.Session(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		sess.Close()
		c.JSON(http.StatusOK, gin.H{"status": "closing", "id": sess.ID()})
	})

	r.GET("/servers", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"servers":  a.svc.Servers().List(),
			"selected": a.svc.Servers().Selected(),
		})
	})

	r.PUT("/servers/selected", guard, func(c *gin.Context) {
		var req selectServerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := a.svc.Servers().Select(req.Name); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ErrUnknownServer) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"selected": a.svc.Servers().Selected()})
	})
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
