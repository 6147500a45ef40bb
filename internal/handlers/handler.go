package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	climatebridge "climate_bridge"
	"climate_bridge/internal/logger"
	"climate_bridge/internal/repository"
)

// Core is the engine surface the HTTP layer consumes.
type Core interface {
	Status() string
	CurrentRateLimit() climatebridge.RateLimit
	CurrentInterval() time.Duration
	ManualPoll(ctx context.Context) error
	StateView() (climatebridge.Snapshot, bool)
	QueueOverlay(zoneID int, overlay climatebridge.Overlay) error
	QueueResume(zoneID int) error
	QueuePresence(presence string) error
	QueueOffset(serial string, celsius float64) error
	QueueBulkOverlay(zoneIDs []int, overlay climatebridge.Overlay) error
	QueueBulkResume(zoneIDs []int) error
	Subscribe() chan climatebridge.Snapshot
	Unsubscribe(ch chan climatebridge.Snapshot)
}

// Authenticator is the account surface the HTTP layer consumes.
type Authenticator interface {
	SignUp(username, password string) (int, error)
	GenerateToken(username, password string) (string, error)
	ParseToken(accessToken string) (int, error)
}

// Handler wires the HTTP layer to the engine, auth and logging.
type Handler struct {
	core    Core
	auth    Authenticator
	events  repository.EventRepo
	metrics http.Handler
	log     *logger.Logger
}

// NewHandler constructs a new HTTP handler with dependencies. metricsHandler
// may be nil to leave /metrics unregistered.
func NewHandler(core Core, auth Authenticator, events repository.EventRepo, metricsHandler http.Handler, log *logger.Logger) *Handler {
	return &Handler{core: core, auth: auth, events: events, metrics: metricsHandler, log: log}
}

// InitRoutes builds and returns the Gin router with all routes registered.
func (h *Handler) InitRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// Health endpoint
	router.GET("/health", h.health)

	if h.metrics != nil {
		router.GET("/metrics", gin.WrapH(h.metrics))
	}

	// Auth endpoints
	h.registerAuthRoutes(router)

	// Versioned API endpoints (protected)
	h.registerAPIRoutes(router)

	// Snapshot push over WebSocket (HTTP upgrade) — same port
	router.GET("/ws", h.wsConnect)

	return router
}

func (h *Handler) registerAuthRoutes(r *gin.Engine) {
	auth := r.Group("/auth")
	{
		auth.POST("/sign-up", h.signUp)
		auth.POST("/sign-in", h.signIn)
	}
}

func (h *Handler) registerAPIRoutes(r *gin.Engine) {
	api := r.Group("/api/v1", h.userIdMiddleware)
	{
		api.GET("/status", h.getStatus)
		api.POST("/poll", h.manualPoll)
		api.GET("/state", h.getState)
		api.GET("/events", h.getEvents)

		zones := api.Group("/zones")
		{
			zones.PUT("/:id/overlay", h.setOverlay)
			zones.DELETE("/:id/overlay", h.resumeSchedule)
			zones.POST("/overlay", h.setBulkOverlay)
			zones.POST("/resume-all", h.resumeAll)
		}

		api.PUT("/presence", h.setPresence)
		api.PUT("/devices/:serial/offset", h.setOffset)
	}
}
