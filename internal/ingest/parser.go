package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"patient-monitor/internal/models"
)

var ErrMalformedPayload = errors.New("malformed payload")

const (
	suffixHeartRate = "heartrate"
	suffixSpO2      = "spo2"
	suffixEmergency = "emergency"

	// maxSampleValue bounds both streams; anything above it is sensor noise.
	maxSampleValue = 1000
)

// ParsedReading is the result of decoding one broker message. It is one of
// PartialReading, FullReading, EmergencyReading or UnroutedReading.
type ParsedReading interface {
	isParsedReading()
}

// PartialReading carries a single stream sample from the sensor namespace.
type PartialReading struct {
	Kind  models.VitalKind
	Value float64
}

// FullReading carries both values for an explicit patient.
type FullReading struct {
	PatientID string
	HeartRate *int
	SpO2      *int
}

type EmergencyReading struct {
	Message string
}

// UnroutedReading is a sensor-namespace topic with a suffix nothing handles.
type UnroutedReading struct {
	Suffix string
}

func (PartialReading) isParsedReading()   {}
func (FullReading) isParsedReading()      {}
func (EmergencyReading) isParsedReading() {}
func (UnroutedReading) isParsedReading()  {}

// Parser picks the sensor dialect for topics under sensorPrefix and the JSON
// dialect for everything else.
type Parser struct {
	sensorPrefix string
}

func NewParser(sensorPrefix string) Parser {
	return Parser{sensorPrefix: sensorPrefix}
}

// InSensorNamespace reports whether topic belongs to the structured sensor dialect.
func (p Parser) InSensorNamespace(topic string) bool {
	return p.sensorPrefix != "" && strings.HasPrefix(topic, p.sensorPrefix)
}

func (p Parser) Parse(topic string, payload []byte) (ParsedReading, error) {
	if p.InSensorNamespace(topic) {
		return parseSensor(topic, payload)
	}
	return ParseJSON(payload)
}

func parseSensor(topic string, payload []byte) (ParsedReading, error) {
	text := strings.TrimSpace(string(payload))
	suffix := topic[strings.LastIndex(topic, "/")+1:]

	switch suffix {
	case suffixHeartRate, suffixSpO2:
		value, err := strconv.ParseFloat(text, 64)
		if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
			return nil, fmt.Errorf("%w: %s value %q is not a number", ErrMalformedPayload, suffix, text)
		}
		if value > maxSampleValue {
			return nil, fmt.Errorf("%w: %s value %q out of range", ErrMalformedPayload, suffix, text)
		}
		kind := models.KindHeartRate
		if suffix == suffixSpO2 {
			kind = models.KindSpO2
		}
		return PartialReading{Kind: kind, Value: value}, nil
	case suffixEmergency:
		return EmergencyReading{Message: text}, nil
	default:
		return UnroutedReading{Suffix: suffix}, nil
	}
}

type jsonVitals struct {
	PatientID json.RawMessage `json:"patient_id"`
	HeartRate json.RawMessage `json:"heart_rate"`
	SpO2      json.RawMessage `json:"spo2"`
}

// ParseJSON decodes {patient_id, heart_rate, spo2}. Values may be numbers or
// numeric strings; anything missing, non-numeric or non-positive is null.
func ParseJSON(payload []byte) (ParsedReading, error) {
	var raw jsonVitals
	if err := json.Unmarshal(bytes.TrimSpace(payload), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	patientID := jsonScalar(raw.PatientID)
	if patientID == "" {
		return nil, fmt.Errorf("%w: missing patient_id", ErrMalformedPayload)
	}
	reading := FullReading{
		PatientID: patientID,
		HeartRate: jsonVital(raw.HeartRate),
		SpO2:      jsonVital(raw.SpO2),
	}
	if reading.HeartRate == nil && reading.SpO2 == nil {
		return nil, fmt.Errorf("%w: no usable heart_rate or spo2 for %s", ErrMalformedPayload, patientID)
	}
	return reading, nil
}

// jsonScalar renders a JSON string or number as text; other kinds yield "".
func jsonScalar(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func jsonVital(raw json.RawMessage) *int {
	text := jsonScalar(raw)
	if text == "" {
		return nil
	}
	value, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return nil
	}
	return sanitize(value)
}

// sanitize rounds a sample to an integer, rejecting non-finite, non-positive
// and out-of-range values.
func sanitize(value float64) *int {
	if math.IsNaN(value) || math.IsInf(value, 0) || value <= 0 || value > maxSampleValue {
		return nil
	}
	v := int(math.Round(value))
	if v <= 0 {
		return nil
	}
	return &v
}
