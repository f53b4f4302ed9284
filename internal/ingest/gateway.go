package ingest

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"patient-monitor/internal/alerting"
	"patient-monitor/internal/database"
	"patient-monitor/internal/models"
)

type AlertRaiser interface {
	Raise(ctx context.Context, alert models.Alert) (*models.Alert, error)
}

type VitalsHistory interface {
	LatestVitals(ctx context.Context, patientID string) (*models.VitalsReading, error)
}

type Options struct {
	DefaultPatientID     string
	AllowDynamicPatients bool
	SensorPrefix         string
	Thresholds           alerting.Thresholds
}

// Gateway routes broker messages through correlation, persistence and
// threshold evaluation. Nothing it does propagates an error to the transport:
// bad input and storage failures are logged and the message is dropped.
type Gateway struct {
	parser               Parser
	correlator           *Correlator
	persister            *VitalsPersister
	thresholds           alerting.Thresholds
	alerts               AlertRaiser
	history              VitalsHistory
	defaultPatientID     string
	allowDynamicPatients bool
	logger               *zap.Logger
	now                  func() time.Time
}

func NewGateway(opts Options, correlator *Correlator, persister *VitalsPersister, alerts AlertRaiser, history VitalsHistory, logger *zap.Logger) *Gateway {
	return &Gateway{
		parser:               NewParser(opts.SensorPrefix),
		correlator:           correlator,
		persister:            persister,
		thresholds:           opts.Thresholds,
		alerts:               alerts,
		history:              history,
		defaultPatientID:     opts.DefaultPatientID,
		allowDynamicPatients: opts.AllowDynamicPatients,
		logger:               logger.With(zap.String("component", "gateway")),
		now:                  time.Now,
	}
}

// HandleMessage processes one broker delivery end to end.
func (g *Gateway) HandleMessage(ctx context.Context, topic string, payload []byte) {
	defer g.recoverPanic(topic)

	parsed, err := g.parser.Parse(topic, payload)
	if err != nil {
		g.logger.Warn("Dropping malformed message", zap.String("topic", topic), zap.ByteString("payload", payload), zap.Error(err))
		return
	}

	switch r := parsed.(type) {
	case PartialReading:
		g.handlePartial(ctx, r)
	case EmergencyReading:
		g.handleEmergency(ctx, r)
	case UnroutedReading:
		g.persistFreshPair(ctx)
	case FullReading:
		g.handleFull(ctx, r)
	}
}

// HandleJSON processes a JSON-dialect payload that arrived outside MQTT.
func (g *Gateway) HandleJSON(ctx context.Context, payload []byte) {
	defer g.recoverPanic("")

	parsed, err := ParseJSON(payload)
	if err != nil {
		g.logger.Warn("Dropping malformed JSON vitals", zap.ByteString("payload", payload), zap.Error(err))
		return
	}
	g.handleFull(ctx, parsed.(FullReading))
}

func (g *Gateway) recoverPanic(topic string) {
	if rec := recover(); rec != nil {
		g.logger.Error("Message handling panicked", zap.String("topic", topic), zap.Any("panic", rec))
	}
}

func (g *Gateway) handlePartial(ctx context.Context, r PartialReading) {
	pair, ok := g.correlator.Observe(r.Kind, r.Value, g.now())
	if !ok {
		g.logger.Debug("Ignoring non-positive sample", zap.String("kind", string(r.Kind)), zap.Float64("value", r.Value))
		g.persistFreshPair(ctx)
		return
	}
	g.record(ctx, g.defaultPatientID, pair.HeartRate, pair.SpO2, r.Kind)
}

// persistFreshPair writes a combined row when the current message produced
// no row of its own but both stored samples are close together.
func (g *Gateway) persistFreshPair(ctx context.Context) {
	pair, ok := g.correlator.FreshPair()
	if !ok {
		return
	}
	if g.record(ctx, g.defaultPatientID, pair.HeartRate, pair.SpO2, "") {
		g.logger.Info("Stored paired vitals",
			zap.String("patient_id", g.defaultPatientID),
			zap.Intp("heart_rate", pair.HeartRate),
			zap.Intp("spo2", pair.SpO2),
		)
	}
}

func (g *Gateway) handleFull(ctx context.Context, r FullReading) {
	if !g.allowDynamicPatients && r.PatientID != g.defaultPatientID {
		g.logger.Debug("Dropping vitals for disallowed patient", zap.String("patient_id", r.PatientID))
		return
	}
	if g.record(ctx, r.PatientID, r.HeartRate, r.SpO2, "") {
		g.logger.Info("Stored vitals",
			zap.String("patient_id", r.PatientID),
			zap.Intp("heart_rate", r.HeartRate),
			zap.Intp("spo2", r.SpO2),
		)
	}
}

// record persists a reading and raises its alerts. When only is set, only the
// rule for that stream is evaluated, so a paired counterpart does not re-alert
// on every message of the other stream. It reports whether a row was written.
func (g *Gateway) record(ctx context.Context, patientID string, heartRate, spo2 *int, only models.VitalKind) bool {
	reading, err := g.persister.Persist(ctx, patientID, heartRate, spo2)
	if err != nil {
		g.logger.Error("Failed to store vitals", zap.String("patient_id", patientID), zap.Error(err))
		return false
	}
	if reading == nil {
		return false
	}

	for _, alert := range g.thresholds.Evaluate(patientID, reading.HeartRate, reading.SpO2) {
		if only != "" && !ruleMatches(alert.Type, only) {
			continue
		}
		g.raise(ctx, alert)
	}
	return true
}

func ruleMatches(t models.AlertType, kind models.VitalKind) bool {
	switch kind {
	case models.KindHeartRate:
		return t == models.AlertHeartRate
	case models.KindSpO2:
		return t == models.AlertSpO2
	default:
		return false
	}
}

func (g *Gateway) handleEmergency(ctx context.Context, r EmergencyReading) {
	patientID := g.defaultPatientID
	ok, err := g.persister.EnsurePatient(ctx, patientID)
	if err != nil {
		g.logger.Error("Failed to ensure patient for emergency", zap.String("patient_id", patientID), zap.Error(err))
		return
	}
	if !ok {
		return
	}

	// The alert carries the last known values whatever their age; the vitals
	// row only carries values observed within the pair window of each other.
	row := g.correlator.FreshSnapshot()
	snap := g.correlator.Snapshot()
	if snap.HeartRate == nil || snap.SpO2 == nil {
		latest, err := g.history.LatestVitals(ctx, patientID)
		switch {
		case err == nil:
			if snap.HeartRate == nil {
				snap.HeartRate = latest.HeartRate
			}
			if snap.SpO2 == nil {
				snap.SpO2 = latest.SpO2
			}
		case !errors.Is(err, database.ErrNotFound):
			g.logger.Warn("Failed to load latest vitals for emergency", zap.String("patient_id", patientID), zap.Error(err))
		}
	}

	if row.HeartRate != nil || row.SpO2 != nil {
		if _, err := g.persister.Persist(ctx, patientID, row.HeartRate, row.SpO2); err != nil {
			g.logger.Warn("Failed to store emergency vitals snapshot", zap.String("patient_id", patientID), zap.Error(err))
		}
	}

	g.raise(ctx, alerting.Emergency(patientID, r.Message, snap.HeartRate, snap.SpO2))
}

func (g *Gateway) raise(ctx context.Context, alert models.Alert) {
	if _, err := g.alerts.Raise(ctx, alert); err != nil {
		g.logger.Error("Failed to store alert",
			zap.String("patient_id", alert.PatientID),
			zap.String("type", string(alert.Type)),
			zap.Error(err),
		)
	}
}
