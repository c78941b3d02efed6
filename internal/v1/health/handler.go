package health

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/labcoord/coordinator/internal/v1/bus"
	"github.com/labcoord/coordinator/internal/v1/logging"
	"go.uber.org/zap"
)

// SceneServiceChecker checks the health of the external scene content service.
type SceneServiceChecker interface {
	Check(ctx context.Context, addr string) string
}

// DefaultSceneServiceChecker is the default implementation of SceneServiceChecker.
type DefaultSceneServiceChecker struct{}

// Check verifies gRPC connectivity to the scene content service using the
// standard health check protocol.
func (c *DefaultSceneServiceChecker) Check(ctx context.Context, addr string) string {
	conn, err := grpc.NewClient(
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		logging.Error(ctx, "failed to connect to scene content service for health check", zap.Error(err), zap.String("addr", addr))
		return "unhealthy"
	}
	defer func() { _ = conn.Close() }()

	healthClient := healthpb.NewHealthClient(conn)

	resp, err := healthClient.Check(ctx, &healthpb.HealthCheckRequest{
		Service: "", // empty string checks overall server health
	})
	if err != nil {
		logging.Error(ctx, "scene content service health check RPC failed", zap.Error(err))
		return "unhealthy"
	}

	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		logging.Warn(ctx, "scene content service is not serving", zap.String("status", resp.Status.String()))
		return "unhealthy"
	}

	return "healthy"
}

// Handler manages health check endpoints.
type Handler struct {
	redisService *bus.Service
	sceneAddr    string
	sceneEnabled bool
	sceneChecker SceneServiceChecker
}

// NewHandler creates a new health check handler.
func NewHandler(redisService *bus.Service) *Handler {
	sceneAddr := os.Getenv("SCENE_SERVICE_HEALTH_ADDR")
	if sceneAddr == "" {
		sceneAddr = os.Getenv("SCENE_SERVICE_ADDR")
	}
	if sceneAddr == "" {
		sceneAddr = "localhost:50051"
	}

	enabled := os.Getenv("SCENE_SERVICE_HEALTH_CHECK_ENABLED") != "false"

	return &Handler{
		redisService: redisService,
		sceneAddr:    sceneAddr,
		sceneEnabled: enabled,
		sceneChecker: &DefaultSceneServiceChecker{},
	}
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint.
// GET /health/live
// Returns 200 if the process is alive (no dependency checks).
func (h *Handler) Liveness(c *gin.Context) {
	response := LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(http.StatusOK, response)
}

// Readiness handles the readiness probe endpoint.
// GET /health/ready
// Returns 200 only if all critical dependencies are healthy.
// Returns 503 if any dependency is unhealthy.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	redisStatus := h.checkRedis(ctx)
	checks["redis"] = redisStatus
	if redisStatus != "healthy" {
		allHealthy = false
	}

	if h.sceneEnabled {
		sceneStatus := h.checkSceneService(ctx)
		checks["scene_service"] = sceneStatus
		if sceneStatus != "healthy" {
			allHealthy = false
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(statusCode, response)
}

// checkRedis verifies Redis connectivity using the PING command.
func (h *Handler) checkRedis(ctx context.Context) string {
	if h.redisService == nil {
		return "healthy"
	}

	if err := h.redisService.Ping(ctx); err != nil {
		logging.Error(ctx, "redis health check failed", zap.Error(err))
		return "unhealthy"
	}

	return "healthy"
}

// checkSceneService verifies gRPC connectivity to the scene content service.
func (h *Handler) checkSceneService(ctx context.Context) string {
	if h.sceneChecker == nil {
		return "unhealthy"
	}
	return h.sceneChecker.Check(ctx, h.sceneAddr)
}

// HealthCheckResponse is a generic health check response for backward compatibility.
type HealthCheckResponse struct {
	Status string         `json:"status"`
	Data   map[string]any `json:"data,omitempty"`
}

// MarshalJSON implements custom JSON marshaling for better formatting.
func (r ReadinessResponse) MarshalJSON() ([]byte, error) {
	type Alias ReadinessResponse
	return json.Marshal(&struct {
		*Alias
	}{
		Alias: (*Alias)(&r),
	})
}
