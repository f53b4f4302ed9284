package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"patient-monitor/internal/database"
	"patient-monitor/internal/models"
)

const (
	recentVitalsLimit  = 100
	patientVitalsLimit = 200
	historyLimit       = 2000

	devHeartRate = 72
	devSpO2      = 98
)

var sinceLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02"}

// Store is the read side the dashboard queries.
type Store interface {
	ActiveAlerts(ctx context.Context) ([]models.Alert, error)
	AlertHistory(ctx context.Context, since *time.Time, limit int) ([]models.Alert, error)
	RecentVitals(ctx context.Context, limit int) ([]models.VitalsReading, error)
	VitalsForPatient(ctx context.Context, patientID string, limit int) ([]models.VitalsReading, error)
	VitalsHistory(ctx context.Context, since *time.Time, limit int) ([]models.VitalsReading, error)
	DashboardStats(ctx context.Context, now time.Time) (*models.DashboardStats, error)
}

type Acknowledger interface {
	Acknowledge(ctx context.Context, id int64) error
}

// BrokerPublisher pushes raw payloads onto the MQTT broker.
type BrokerPublisher interface {
	IsConnected() bool
	TopicFor(patientID string) string
	Publish(ctx context.Context, topic string, payload []byte) error
}

type Handler struct {
	store            Store
	alerts           Acknowledger
	broker           BrokerPublisher
	defaultPatientID string
	logger           *zap.Logger
	now              func() time.Time
}

// NewHandler builds the HTTP handlers. broker may be nil when MQTT is not
// available.
func NewHandler(store Store, alerts Acknowledger, broker BrokerPublisher, defaultPatientID string, logger *zap.Logger) *Handler {
	return &Handler{
		store:            store,
		alerts:           alerts,
		broker:           broker,
		defaultPatientID: defaultPatientID,
		logger:           logger.With(zap.String("component", "api")),
		now:              time.Now,
	}
}

func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) AcknowledgeAlert(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		RespondError(c, http.StatusBadRequest, "invalid_id", fmt.Errorf("invalid alert id %q", c.Param("id")))
		return
	}

	if err := h.alerts.Acknowledge(c.Request.Context(), id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			RespondError(c, http.StatusNotFound, "not_found", fmt.Errorf("alert %d not found", id))
			return
		}
		h.logger.Error("Failed to acknowledge alert", zap.Int64("alert_id", id), zap.Error(err))
		RespondError(c, http.StatusInternalServerError, "internal", errors.New("failed to acknowledge alert"))
		return
	}
	RespondOK(c, gin.H{"message": "Alert acknowledged"})
}

func (h *Handler) ActiveAlerts(c *gin.Context) {
	alerts, err := h.store.ActiveAlerts(c.Request.Context())
	if err != nil {
		h.internalError(c, "Failed to load active alerts", err)
		return
	}
	RespondOK(c, nonNil(alerts))
}

func (h *Handler) AlertHistory(c *gin.Context) {
	since, ok := h.since(c)
	if !ok {
		return
	}
	alerts, err := h.store.AlertHistory(c.Request.Context(), since, historyLimit)
	if err != nil {
		h.internalError(c, "Failed to load alert history", err)
		return
	}
	RespondOK(c, nonNil(alerts))
}

func (h *Handler) RecentVitals(c *gin.Context) {
	vitals, err := h.store.RecentVitals(c.Request.Context(), recentVitalsLimit)
	if err != nil {
		h.internalError(c, "Failed to load vitals", err)
		return
	}
	RespondOK(c, nonNil(vitals))
}

func (h *Handler) PatientVitals(c *gin.Context) {
	vitals, err := h.store.VitalsForPatient(c.Request.Context(), c.Param("patientId"), patientVitalsLimit)
	if err != nil {
		h.internalError(c, "Failed to load patient vitals", err)
		return
	}
	RespondOK(c, nonNil(vitals))
}

func (h *Handler) VitalsHistory(c *gin.Context) {
	since, ok := h.since(c)
	if !ok {
		return
	}
	vitals, err := h.store.VitalsHistory(c.Request.Context(), since, historyLimit)
	if err != nil {
		h.internalError(c, "Failed to load vitals history", err)
		return
	}
	RespondOK(c, nonNil(vitals))
}

func (h *Handler) DashboardStats(c *gin.Context) {
	stats, err := h.store.DashboardStats(c.Request.Context(), h.now())
	if err != nil {
		h.internalError(c, "Failed to compute dashboard stats", err)
		return
	}
	RespondOK(c, stats)
}

type devPublishRequest struct {
	PatientID string   `json:"patient_id"`
	HeartRate *float64 `json:"heart_rate"`
	SpO2      *float64 `json:"spo2"`
}

// DevPublish injects a JSON vitals message through the broker, exercising
// the same path a bedside device would.
func (h *Handler) DevPublish(c *gin.Context) {
	if h.broker == nil || !h.broker.IsConnected() {
		RespondError(c, http.StatusServiceUnavailable, "mqtt_unavailable", errors.New("MQTT not connected"))
		return
	}

	var req devPublishRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			RespondError(c, http.StatusBadRequest, "invalid_body", err)
			return
		}
	}
	patientID := strings.TrimSpace(req.PatientID)
	if patientID == "" {
		patientID = h.defaultPatientID
	}
	heartRate, spo2 := float64(devHeartRate), float64(devSpO2)
	if req.HeartRate != nil {
		heartRate = *req.HeartRate
	}
	if req.SpO2 != nil {
		spo2 = *req.SpO2
	}

	payload := gin.H{"patient_id": patientID, "heart_rate": heartRate, "spo2": spo2}
	body, err := json.Marshal(payload)
	if err != nil {
		h.internalError(c, "Failed to encode dev payload", err)
		return
	}
	topic := h.broker.TopicFor(patientID)
	if err := h.broker.Publish(c.Request.Context(), topic, body); err != nil {
		h.logger.Error("Dev publish failed", zap.String("topic", topic), zap.Error(err))
		RespondError(c, http.StatusInternalServerError, "publish_failed", err)
		return
	}
	RespondOK(c, gin.H{"message": "Published", "topic": topic, "payload": payload})
}

// since reads the optional ?since= filter. It writes a 400 and returns false
// when the value cannot be parsed.
func (h *Handler) since(c *gin.Context) (*time.Time, bool) {
	raw := strings.TrimSpace(c.Query("since"))
	if raw == "" {
		return nil, true
	}
	for _, layout := range sinceLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t, true
		}
	}
	RespondError(c, http.StatusBadRequest, "invalid_since", fmt.Errorf("invalid since %q", raw))
	return nil, false
}

func (h *Handler) internalError(c *gin.Context, msg string, err error) {
	h.logger.Error(msg, zap.Error(err))
	RespondError(c, http.StatusInternalServerError, "internal", errors.New(strings.ToLower(msg[:1])+msg[1:]))
}

// nonNil keeps empty results encoding as [] instead of null.
func nonNil[T any](rows []T) []T {
	if rows == nil {
		return []T{}
	}
	return rows
}
