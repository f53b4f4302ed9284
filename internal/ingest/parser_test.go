package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patient-monitor/internal/models"
)

func TestParse_SensorDialect(t *testing.T) {
	p := NewParser("health/vitals/")

	got, err := p.Parse("health/vitals/heartrate", []byte(" 72 \n"))
	require.NoError(t, err)
	assert.Equal(t, PartialReading{Kind: models.KindHeartRate, Value: 72}, got)

	got, err = p.Parse("health/vitals/spo2", []byte("96.5"))
	require.NoError(t, err)
	assert.Equal(t, PartialReading{Kind: models.KindSpO2, Value: 96.5}, got)

	got, err = p.Parse("health/vitals/emergency", []byte("  Patient fell "))
	require.NoError(t, err)
	assert.Equal(t, EmergencyReading{Message: "Patient fell"}, got)

	got, err = p.Parse("health/vitals/temperature", []byte("37.2"))
	require.NoError(t, err)
	assert.Equal(t, UnroutedReading{Suffix: "temperature"}, got)
}

func TestParse_SensorDialectRejectsGarbage(t *testing.T) {
	p := NewParser("health/vitals/")

	for _, payload := range []string{"", "abc", "72bpm", "NaN", "Inf", "1e12", "1e300", "1000.5"} {
		_, err := p.Parse("health/vitals/heartrate", []byte(payload))
		assert.ErrorIs(t, err, ErrMalformedPayload, "payload %q", payload)
	}
}

func TestParse_JSONDialectOutsideNamespace(t *testing.T) {
	p := NewParser("health/vitals/")

	got, err := p.Parse("patient_monitoring/vitals/P002", []byte(`{"patient_id":"P002","heart_rate":"88.4","spo2":0}`))
	require.NoError(t, err)
	full, ok := got.(FullReading)
	require.True(t, ok)
	assert.Equal(t, "P002", full.PatientID)
	require.NotNil(t, full.HeartRate)
	assert.Equal(t, 88, *full.HeartRate)
	assert.Nil(t, full.SpO2)
}

func TestParseJSON(t *testing.T) {
	got, err := ParseJSON([]byte(`{"patient_id":1234,"heart_rate":120,"spo2":"x"}`))
	require.NoError(t, err)
	full := got.(FullReading)
	assert.Equal(t, "1234", full.PatientID)
	assert.Equal(t, 120, *full.HeartRate)
	assert.Nil(t, full.SpO2)

	cases := map[string]string{
		"not json":        `{"patient_id":`,
		"missing patient": `{"heart_rate":80,"spo2":97}`,
		"blank patient":   `{"patient_id":"  ","heart_rate":80}`,
		"no usable value": `{"patient_id":"P001","heart_rate":-1,"spo2":null}`,
	}
	for name, payload := range cases {
		_, err := ParseJSON([]byte(payload))
		assert.ErrorIs(t, err, ErrMalformedPayload, name)
	}
}

func TestParser_EmptyPrefixRoutesEverythingToJSON(t *testing.T) {
	p := NewParser("")
	assert.False(t, p.InSensorNamespace("health/vitals/heartrate"))

	_, err := p.Parse("health/vitals/heartrate", []byte("72"))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestParseJSON_OutOfRangeValuesAreNull(t *testing.T) {
	got, err := ParseJSON([]byte(`{"patient_id":"P001","heart_rate":1e300,"spo2":"96"}`))
	require.NoError(t, err)
	full := got.(FullReading)
	assert.Nil(t, full.HeartRate)
	assert.Equal(t, 96, *full.SpO2)

	_, err = ParseJSON([]byte(`{"patient_id":"P001","heart_rate":1e12}`))
	assert.ErrorIs(t, err, ErrMalformedPayload)

	got, err = ParseJSON([]byte(`{"patient_id":"P001","heart_rate":1000}`))
	require.NoError(t, err)
	assert.Equal(t, 1000, *got.(FullReading).HeartRate)
}
