package models

import "time"

// VitalKind names one of the two scalar sensor streams.
type VitalKind string

const (
	KindHeartRate VitalKind = "heart_rate"
	KindSpO2      VitalKind = "spo2"
)

type AlertType string

const (
	AlertHeartRate AlertType = "heart_rate"
	AlertSpO2      AlertType = "spo2"
	AlertEmergency AlertType = "emergency"
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// VitalsReading is an append-only vitals row. Name and Room are filled only
// by queries that join patients.
type VitalsReading struct {
	ID        int64     `json:"id"`
	PatientID string    `json:"patient_id"`
	HeartRate *int      `json:"heart_rate"`
	SpO2      *int      `json:"spo2"`
	Timestamp time.Time `json:"timestamp"`
	Name      *string   `json:"name,omitempty"`
	Room      *string   `json:"room,omitempty"`
}

type Alert struct {
	ID             int64      `json:"id"`
	PatientID      string     `json:"patient_id"`
	Type           AlertType  `json:"type"`
	Severity       Severity   `json:"severity"`
	Message        string     `json:"message"`
	HeartRate      *int       `json:"heart_rate"`
	SpO2           *int       `json:"spo2"`
	Timestamp      time.Time  `json:"timestamp"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	Name           *string    `json:"name"`
	Room           *string    `json:"room"`
}

// VitalsEvent is the payload of the "vitals" live-update event.
type VitalsEvent struct {
	PatientID string    `json:"patient_id"`
	HeartRate *int      `json:"heart_rate"`
	SpO2      *int      `json:"spo2"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertUpdate is the payload of the "alerts:update" live-update event.
type AlertUpdate struct {
	ID           int64 `json:"id"`
	Acknowledged bool  `json:"acknowledged"`
}

type DashboardStats struct {
	TotalPatients   int    `json:"totalPatients"`
	ActiveMonitors  int    `json:"activeMonitors"`
	CriticalAlerts  int    `json:"criticalAlerts"`
	TotalNurses     int    `json:"totalNurses"`
	AvgResponseTime string `json:"avgResponseTime"`
}

// IntPtr is a convenience for building nullable readings.
func IntPtr(v int) *int {
	return &v
}
