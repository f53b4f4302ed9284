package alerting

import (
	"strings"

	"patient-monitor/internal/models"
)

const (
	DefaultHeartRateHigh = 100
	DefaultSpO2Low       = 90

	highHeartRateMessage = "High heart rate detected"
	lowSpO2Message       = "Low SpO2 detected"
	defaultEmergencyText = "Emergency triggered"
)

// Thresholds holds the numeric alert boundaries. Both are exclusive: a heart
// rate equal to HeartRateHigh or an SpO2 equal to SpO2Low raises nothing.
type Thresholds struct {
	HeartRateHigh int
	SpO2Low       int
}

func DefaultThresholds() Thresholds {
	return Thresholds{HeartRateHigh: DefaultHeartRateHigh, SpO2Low: DefaultSpO2Low}
}

// Evaluate maps one reading to the alerts it triggers. The rules are
// independent, so a single reading can yield both a heart-rate and an SpO2
// alert. Each alert snapshots both values as they were at evaluation time.
func (t Thresholds) Evaluate(patientID string, heartRate, spo2 *int) []models.Alert {
	var alerts []models.Alert
	if heartRate != nil && *heartRate > t.HeartRateHigh {
		alerts = append(alerts, models.Alert{
			PatientID: patientID,
			Type:      models.AlertHeartRate,
			Severity:  models.SeverityWarning,
			Message:   highHeartRateMessage,
			HeartRate: copyInt(heartRate),
			SpO2:      copyInt(spo2),
		})
	}
	if spo2 != nil && *spo2 < t.SpO2Low {
		alerts = append(alerts, models.Alert{
			PatientID: patientID,
			Type:      models.AlertSpO2,
			Severity:  models.SeverityCritical,
			Message:   lowSpO2Message,
			HeartRate: copyInt(heartRate),
			SpO2:      copyInt(spo2),
		})
	}
	return alerts
}

// Emergency builds the critical alert for an explicit emergency signal.
func Emergency(patientID, message string, heartRate, spo2 *int) models.Alert {
	message = strings.TrimSpace(message)
	if message == "" {
		message = defaultEmergencyText
	}
	return models.Alert{
		PatientID: patientID,
		Type:      models.AlertEmergency,
		Severity:  models.SeverityCritical,
		Message:   message,
		HeartRate: copyInt(heartRate),
		SpO2:      copyInt(spo2),
	}
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
