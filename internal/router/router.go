package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-cbt/internal/config"
	"github.com/stemsi/exstem-cbt/internal/handler"
	"github.com/stemsi/exstem-cbt/internal/metrics"
	"github.com/stemsi/exstem-cbt/internal/middleware"
	"github.com/stemsi/exstem-cbt/internal/response"
	"github.com/stemsi/exstem-cbt/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Auth          *handler.AuthHandler
	StudentPortal *handler.StudentPortalHandler
	Exam          *handler.ExamHandler
	WS            *handler.WSHandler
}

// Deps are the non-handler collaborators the routes need.
type Deps struct {
	Auth         *service.AuthService
	Metrics      *metrics.Metrics
	LoginLimiter *middleware.RateLimiter
	Log          zerolog.Logger
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(deps Deps, handlers *Handlers, cfg *config.Config) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID", "Content-Disposition"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Request ID first so every response, including aborts, carries metadata.
	router.Use(response.RequestIDMiddleware(deps.Log))
	router.Use(deps.Metrics.Middleware())

	// Question images referenced by image_ref, cached for a year.
	mediaGroup := router.Group("/media")
	mediaGroup.Use(middleware.CacheControl(31536000))
	{
		mediaGroup.Static("/", cfg.MediaDir)
	}

	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", deps.Metrics.Handler())

	// ─── 1. Auth Group (Public, Rate Limited) ──────────────────────────
	auth := router.Group("/api/v1/auth")
	{
		auth.POST("/student/login", deps.LoginLimiter.Middleware(), handlers.Auth.StudentLogin)
		auth.POST("/admin/login", deps.LoginLimiter.Middleware(), handlers.Auth.AdminLogin)

		studentAuth := auth.Group("/student")
		studentAuth.Use(
			middleware.RequireStudentJWT(deps.Auth),
			middleware.CheckSingleDeviceLogin(deps.Auth),
		)
		studentAuth.POST("/logout", handlers.Auth.StudentLogout)
		studentAuth.GET("/me", handlers.Auth.GetStudentProfile)
	}

	// ─── 2. Student Group (JWT + Single Device) ────────────────────────
	studentAPI := router.Group("/api/v1/student")
	studentAPI.Use(
		middleware.RequireStudentJWT(deps.Auth),
		middleware.CheckSingleDeviceLogin(deps.Auth),
		middleware.NoStore(),
	)
	{
		studentAPI.GET("/exams", handlers.StudentPortal.GetLobby)
		studentAPI.POST("/exam/enter", middleware.Brotli(), handlers.StudentPortal.EnterExam)
		studentAPI.POST("/exam/autosave", handlers.StudentPortal.Autosave)
		studentAPI.POST("/exam/submit", handlers.StudentPortal.Submit)
	}

	// ─── 3. WebSocket Group (Student WS Auth) ──────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(
		middleware.RequireStudentWSAuth(deps.Auth),
		middleware.CheckSingleDeviceLogin(deps.Auth),
	)
	{
		ws.GET("/student/exams/:subject/stream", handlers.WS.ExamWebSocketStream)
	}

	// ─── 4. Admin Group (Admin JWT) ────────────────────────────────────
	adminAPI := router.Group("/api/v1/admin")
	adminAPI.Use(middleware.RequireAdminJWT(deps.Auth), middleware.NoStore())
	{
		adminAPI.GET("/exams", handlers.Exam.ListExams)
		adminAPI.PUT("/exams", handlers.Exam.UpsertExam)
		adminAPI.PUT("/exams/:subject/:class_level/questions", handlers.Exam.ReplaceQuestions)

		adminAPI.GET("/sessions", handlers.Exam.ListSessions)
		adminAPI.DELETE("/sessions/:student_id/:subject", handlers.Exam.DeleteSession)

		adminAPI.GET("/results/export", middleware.Brotli(), handlers.Exam.ExportResults)

		adminAPI.POST("/students/:id/reset-login", handlers.Exam.ResetStudentLogin)
	}

	return router
}
