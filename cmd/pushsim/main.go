package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// PushRequest mirrors the dispatcher's delivery attempt payload.
type PushRequest struct {
	RecordID       int64  `json:"record_id" binding:"required"`
	MessageID      int64  `json:"message_id" binding:"required"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	RecipientID    string `json:"recipient_id" binding:"required"`
	DeviceID       string `json:"device_id"`
	PayloadRef     string `json:"payload_ref"`
	Kind           string `json:"kind"`
	Priority       string `json:"priority"`
}

// PushResponse is the per-attempt outcome.
type PushResponse struct {
	RecordID    int64      `json:"record_id"`
	Delivered   bool       `json:"delivered"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ErrorCode   string     `json:"error_code,omitempty"`
	ErrorMsg    string     `json:"error_message,omitempty"`
}

// HealthResponse matches what the region prober expects.
type HealthResponse struct {
	Status        string    `json:"status"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	RegionID      string    `json:"region_id"`
	DeliveryRate  float64   `json:"delivery_rate"`
}

// MockRegion simulates one regional push endpoint: configurable delivery
// rate, a share of permanently-gone devices, and artificial latency.
type MockRegion struct {
	deliveryRate float64
	goneRate     float64
	minDelay     time.Duration
	maxDelay     time.Duration
	regionID     string
	rng          *rand.Rand
}

func NewMockRegion(deliveryRate, goneRate float64, minDelay, maxDelay time.Duration) *MockRegion {
	return &MockRegion{
		deliveryRate: deliveryRate,
		goneRate:     goneRate,
		minDelay:     minDelay,
		maxDelay:     maxDelay,
		regionID:     "MOCK_REGION_" + uuid.New().String()[:8],
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (m *MockRegion) simulateDelivery(req *PushRequest) (int, *PushResponse) {
	delay := m.randomDelay()

	// Safety traffic gets the fast path.
	if req.Priority == "MAX" {
		delay = delay / 2
	}
	time.Sleep(delay)

	response := &PushResponse{RecordID: req.RecordID}

	// A gone device never comes back; signal it with 410 so the caller
	// drops instead of retrying.
	if m.rng.Float64() < m.goneRate {
		response.ErrorCode = "DEVICE_GONE"
		response.ErrorMsg = "The device token is no longer registered"

		log.Warn().
			Int64("record_id", req.RecordID).
			Str("device_id", req.DeviceID).
			Msg("push target permanently gone")
		return http.StatusGone, response
	}

	if m.rng.Float64() < m.deliveryRate {
		now := time.Now()
		response.Delivered = true
		response.DeliveredAt = &now

		log.Info().
			Int64("record_id", req.RecordID).
			Str("recipient", req.RecipientID).
			Dur("delay", delay).
			Msg("push delivered")
		return http.StatusOK, response
	}

	response.ErrorCode = m.randomErrorCode()
	response.ErrorMsg = m.errorMessage(response.ErrorCode)

	log.Warn().
		Int64("record_id", req.RecordID).
		Str("recipient", req.RecipientID).
		Str("error_code", response.ErrorCode).
		Msg("push delivery failed")
	return http.StatusServiceUnavailable, response
}

func (m *MockRegion) randomDelay() time.Duration {
	delta := m.maxDelay - m.minDelay
	randomDelta := time.Duration(m.rng.Int63n(int64(delta)))
	return m.minDelay + randomDelta
}

func (m *MockRegion) randomErrorCode() string {
	errorCodes := []string{
		"CONNECTION_RESET",
		"NETWORK_ERROR",
		"TIMEOUT",
		"DEVICE_BUSY",
	}
	return errorCodes[m.rng.Intn(len(errorCodes))]
}

func (m *MockRegion) errorMessage(code string) string {
	messages := map[string]string{
		"CONNECTION_RESET": "The realtime connection dropped mid-push",
		"NETWORK_ERROR":    "Network connectivity issue inside the region",
		"TIMEOUT":          "Push delivery timed out",
		"DEVICE_BUSY":      "Device connection is saturated",
	}

	if msg, ok := messages[code]; ok {
		return msg
	}
	return "Unknown error occurred"
}

type Handler struct {
	region *MockRegion
}

func NewHandler(region *MockRegion) *Handler {
	return &Handler{region: region}
}

// SendPush handles one delivery attempt.
func (h *Handler) SendPush(c *gin.Context) {
	var req PushRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": err.Error(),
		})
		return
	}

	log.Info().
		Int64("record_id", req.RecordID).
		Int64("message_id", req.MessageID).
		Str("priority", req.Priority).
		Msg("Received push request")

	status, response := h.region.simulateDelivery(&req)
	c.JSON(status, response)
}

// HealthCheck feeds the region prober.
func (h *Handler) HealthCheck(c *gin.Context) {
	// Simulate 5% degradation
	status := "OK"
	if h.region.rng.Float64() < 0.05 {
		status = "DEGRADED"
	}

	c.JSON(http.StatusOK, HealthResponse{
		Status:        status,
		LastHeartbeat: time.Now(),
		RegionID:      h.region.regionID,
		DeliveryRate:  h.region.deliveryRate,
	})
}

// UpdateConfig allows changing region behavior at runtime.
func (h *Handler) UpdateConfig(c *gin.Context) {
	var config struct {
		DeliveryRate *float64 `json:"delivery_rate"`
		GoneRate     *float64 `json:"gone_rate"`
	}

	if err := c.ShouldBindJSON(&config); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": err.Error(),
		})
		return
	}

	if config.DeliveryRate != nil {
		if *config.DeliveryRate >= 0 && *config.DeliveryRate <= 1.0 {
			h.region.deliveryRate = *config.DeliveryRate
			log.Info().Float64("rate", *config.DeliveryRate).Msg("Updated delivery rate")
		}
	}
	if config.GoneRate != nil {
		if *config.GoneRate >= 0 && *config.GoneRate <= 1.0 {
			h.region.goneRate = *config.GoneRate
			log.Info().Float64("rate", *config.GoneRate).Msg("Updated gone rate")
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"message":       "Configuration updated",
		"delivery_rate": h.region.deliveryRate,
		"gone_rate":     h.region.goneRate,
	})
}

func SetupRouter(handler *Handler) *gin.Engine {
	router := gin.Default()

	// Add request logging middleware
	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", duration).
			Msg("Request processed")
	})

	v1 := router.Group("/api/v1")
	{
		v1.POST("/push/send", handler.SendPush)
		v1.GET("/health", handler.HealthCheck)
		v1.PUT("/config", handler.UpdateConfig)
	}

	// Root health check, used by the region prober
	router.GET("/health", handler.HealthCheck)

	return router
}

func main() {
	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Get configuration from environment
	port := getEnv("PORT", "8082")
	deliveryRate := getEnvFloat("DELIVERY_RATE", 1)
	goneRate := getEnvFloat("GONE_RATE", 0)
	minDelay := getEnvDuration("MIN_DELAY", 50*time.Millisecond)
	maxDelay := getEnvDuration("MAX_DELAY", 500*time.Millisecond)

	log.Info().
		Str("port", port).
		Float64("delivery_rate", deliveryRate).
		Float64("gone_rate", goneRate).
		Dur("min_delay", minDelay).
		Dur("max_delay", maxDelay).
		Msg("Starting Mock Push Region")

	region := NewMockRegion(deliveryRate, goneRate, minDelay, maxDelay)
	handler := NewHandler(region)
	router := SetupRouter(handler)

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var f float64
		if _, err := fmt.Sscanf(value, "%f", &f); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
