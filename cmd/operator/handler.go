package main

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type EmailRequest struct {
	MessageID string `json:"message_id" binding:"required"`
	To        string `json:"to" binding:"required,email"`
	Name      string `json:"name"`
	Subject   string `json:"subject" binding:"required"`
	HTML      string `json:"html"`
	Text      string `json:"text"`
}

type SMSRequest struct {
	MessageID   string `json:"message_id" binding:"required"`
	PhoneNumber string `json:"phone_number" binding:"required,e164"`
	Content     string `json:"content" binding:"required"`
	Priority    string `json:"priority"`
}

type WhatsAppRequest struct {
	MessageID string `json:"message_id" binding:"required"`
	To        string `json:"to" binding:"required,e164"`
	Body      string `json:"body" binding:"required"`
}

type PushRequest struct {
	MessageID   string `json:"message_id" binding:"required"`
	DeviceToken string `json:"device_token" binding:"required"`
	Title       string `json:"title"`
	Body        string `json:"body" binding:"required"`
	SentAt      int64  `json:"sent_at"`
}

type HealthResponse struct {
	Status       string    `json:"status"`
	OperatorID   string    `json:"operator_id"`
	Timestamp    time.Time `json:"timestamp"`
	DeliveryRate float64   `json:"delivery_rate"`
	OutageRate   float64   `json:"outage_rate"`
}

type Handler struct {
	operator *MockOperator
	apiKey   string
}

func NewHandler(operator *MockOperator, apiKey string) *Handler {
	return &Handler{operator: operator, apiKey: apiKey}
}

func (h *Handler) SendEmail(c *gin.Context) {
	var req EmailRequest
	if !bind(c, &req) {
		return
	}
	h.deliver(c, "email", req.MessageID, req.To)
}

func (h *Handler) SendSMS(c *gin.Context) {
	var req SMSRequest
	if !bind(c, &req) {
		return
	}
	h.deliver(c, "sms", req.MessageID, req.PhoneNumber)
}

func (h *Handler) SendWhatsApp(c *gin.Context) {
	var req WhatsAppRequest
	if !bind(c, &req) {
		return
	}
	h.deliver(c, "whatsapp", req.MessageID, req.To)
}

func (h *Handler) SendPush(c *gin.Context) {
	var req PushRequest
	if !bind(c, &req) {
		return
	}
	h.deliver(c, "push", req.MessageID, req.DeviceToken)
}

// deliver answers 503 during a simulated outage. Anything else is a 200,
// rejections included (status FAILED). A resubmitted message id gets the
// stored result and an X-Duplicate header.
func (h *Handler) deliver(c *gin.Context, channel, messageID, recipient string) {
	if h.operator.Outage() {
		c.JSON(http.StatusServiceUnavailable, SendResponse{
			MessageID:    messageID,
			Status:       StatusFailed,
			ErrorCode:    "OPERATOR_DOWN",
			ErrorMessage: errorMessages["OPERATOR_DOWN"],
			OperatorID:   h.operator.operatorID,
			Channel:      channel,
			ProcessedAt:  time.Now(),
		})
		return
	}

	resp, first := h.operator.Deliver(channel, messageID, recipient)
	if !first {
		c.Header("X-Duplicate", "true")
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetMessage(c *gin.Context) {
	resp, ok := h.operator.Lookup(c.Param("message_id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) HealthCheck(c *gin.Context) {
	delivery, outage := h.operator.Rates()
	if h.operator.Outage() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unavailable",
			"error":  errorMessages["OPERATOR_DOWN"],
		})
		return
	}

	c.JSON(http.StatusOK, HealthResponse{
		Status:       "healthy",
		OperatorID:   h.operator.operatorID,
		Timestamp:    time.Now(),
		DeliveryRate: delivery,
		OutageRate:   outage,
	})
}

// UpdateConfig changes the failure injection at runtime.
func (h *Handler) UpdateConfig(c *gin.Context) {
	var config struct {
		DeliveryRate *float64 `json:"delivery_rate"`
		OutageRate   *float64 `json:"outage_rate"`
	}
	if !bind(c, &config) {
		return
	}

	h.operator.Configure(config.DeliveryRate, config.OutageRate)
	delivery, outage := h.operator.Rates()
	log.Info().Float64("delivery_rate", delivery).Float64("outage_rate", outage).Msg("Updated operator config")

	c.JSON(http.StatusOK, gin.H{
		"message":       "Configuration updated",
		"delivery_rate": delivery,
		"outage_rate":   outage,
	})
}

func (h *Handler) authenticate(c *gin.Context) {
	if h.apiKey == "" {
		c.Next()
		return
	}
	if strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ") != h.apiKey {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"status":        StatusFailed,
			"error_code":    "AUTH_FAILED",
			"error_message": "invalid api key",
		})
		return
	}
	c.Next()
}

func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": err.Error(),
		})
		return false
	}
	return true
}

func SetupRouter(handler *Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request processed")
	})

	router.GET("/health", handler.HealthCheck)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/health", handler.HealthCheck)
		v1.PUT("/config", handler.UpdateConfig)
		v1.GET("/messages/:message_id", handler.GetMessage)

		send := v1.Group("", handler.authenticate)
		send.POST("/email/send", handler.SendEmail)
		send.POST("/sms/send", handler.SendSMS)
		send.POST("/whatsapp/send", handler.SendWhatsApp)
		send.POST("/push/send", handler.SendPush)
	}

	return router
}
