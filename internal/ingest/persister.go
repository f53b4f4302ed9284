package ingest

import (
	"context"
	"time"

	"go.uber.org/zap"

	"patient-monitor/internal/models"
	"patient-monitor/internal/realtime"
)

type VitalsStore interface {
	PatientExists(ctx context.Context, patientID string) (bool, error)
	CreatePatient(ctx context.Context, patientID string) error
	InsertVitals(ctx context.Context, v models.VitalsReading) (int64, error)
}

// VitalsPersister appends vitals rows, creating the patient on first sight
// when policy allows it.
type VitalsPersister struct {
	store                VitalsStore
	publisher            realtime.Publisher
	defaultPatientID     string
	allowDynamicPatients bool
	logger               *zap.Logger
	now                  func() time.Time
}

func NewVitalsPersister(store VitalsStore, publisher realtime.Publisher, defaultPatientID string, allowDynamicPatients bool, logger *zap.Logger) *VitalsPersister {
	return &VitalsPersister{
		store:                store,
		publisher:            publisher,
		defaultPatientID:     defaultPatientID,
		allowDynamicPatients: allowDynamicPatients,
		logger:               logger.With(zap.String("component", "persister")),
		now:                  time.Now,
	}
}

// MayCreate reports whether an unknown patient id may be created implicitly.
func (p *VitalsPersister) MayCreate(patientID string) bool {
	return patientID != "" && (p.allowDynamicPatients || patientID == p.defaultPatientID)
}

// EnsurePatient makes sure the patient row exists. It returns false when the
// patient is unknown and may not be created.
func (p *VitalsPersister) EnsurePatient(ctx context.Context, patientID string) (bool, error) {
	exists, err := p.store.PatientExists(ctx, patientID)
	if err != nil {
		return false, err
	}
	if exists {
		return true, nil
	}
	if !p.MayCreate(patientID) {
		return false, nil
	}
	if err := p.store.CreatePatient(ctx, patientID); err != nil {
		return false, err
	}
	p.logger.Info("Created patient from sensor data", zap.String("patient_id", patientID))
	return true, nil
}

// Persist writes one vitals row and publishes a "vitals" event. A nil
// reading with a nil error means the write was skipped because the patient is
// not allowed.
func (p *VitalsPersister) Persist(ctx context.Context, patientID string, heartRate, spo2 *int) (*models.VitalsReading, error) {
	ok, err := p.EnsurePatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if !ok {
		p.logger.Debug("Skipping vitals for unknown patient", zap.String("patient_id", patientID))
		return nil, nil
	}

	reading := models.VitalsReading{
		PatientID: patientID,
		HeartRate: heartRate,
		SpO2:      spo2,
		Timestamp: p.now().UTC(),
	}
	id, err := p.store.InsertVitals(ctx, reading)
	if err != nil {
		return nil, err
	}
	reading.ID = id

	p.publisher.Publish(ctx, realtime.EventVitals, models.VitalsEvent{
		PatientID: reading.PatientID,
		HeartRate: reading.HeartRate,
		SpO2:      reading.SpO2,
		Timestamp: reading.Timestamp,
	})
	return &reading, nil
}
