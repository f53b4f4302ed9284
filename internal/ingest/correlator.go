package ingest

import (
	"sync"
	"time"

	"patient-monitor/internal/models"
)

const (
	DefaultPairWindow     = 15 * time.Second
	DefaultFallbackWindow = 10 * time.Second
)

// Pair is a heart-rate/SpO2 combination; either side may be nil.
type Pair struct {
	HeartRate *int
	SpO2      *int
}

// Correlator keeps the last sample of each stream for one device and pairs
// them when they are fresh enough. It is safe for concurrent use.
type Correlator struct {
	mu             sync.Mutex
	heartRate      *int
	heartRateAt    time.Time
	spo2           *int
	spo2At         time.Time
	pairWindow     time.Duration
	fallbackWindow time.Duration
}

func NewCorrelator(pairWindow, fallbackWindow time.Duration) *Correlator {
	if pairWindow <= 0 {
		pairWindow = DefaultPairWindow
	}
	if fallbackWindow <= 0 {
		fallbackWindow = DefaultFallbackWindow
	}
	return &Correlator{pairWindow: pairWindow, fallbackWindow: fallbackWindow}
}

// Observe records a sample and returns it paired with the other stream's last
// value when that value is younger than the pair window, nil otherwise.
// Non-finite and non-positive samples are rejected and leave the state untouched.
func (c *Correlator) Observe(kind models.VitalKind, value float64, now time.Time) (Pair, bool) {
	v := sanitize(value)
	if v == nil {
		return Pair{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch kind {
	case models.KindHeartRate:
		c.heartRate, c.heartRateAt = v, now
		pair := Pair{HeartRate: copyInt(v)}
		if c.spo2 != nil && now.Sub(c.spo2At) < c.pairWindow {
			pair.SpO2 = copyInt(c.spo2)
		}
		return pair, true
	case models.KindSpO2:
		c.spo2, c.spo2At = v, now
		pair := Pair{SpO2: copyInt(v)}
		if c.heartRate != nil && now.Sub(c.heartRateAt) < c.pairWindow {
			pair.HeartRate = copyInt(c.heartRate)
		}
		return pair, true
	default:
		return Pair{}, false
	}
}

// FreshPair returns both stored values when they were observed within the
// fallback window of each other.
func (c *Correlator) FreshPair() (Pair, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.heartRate == nil || c.spo2 == nil {
		return Pair{}, false
	}
	gap := c.heartRateAt.Sub(c.spo2At)
	if gap < 0 {
		gap = -gap
	}
	if gap >= c.fallbackWindow {
		return Pair{}, false
	}
	return Pair{HeartRate: copyInt(c.heartRate), SpO2: copyInt(c.spo2)}, true
}

// Snapshot returns the last known values regardless of age without
// consuming them.
func (c *Correlator) Snapshot() Pair {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Pair{HeartRate: copyInt(c.heartRate), SpO2: copyInt(c.spo2)}
}

// FreshSnapshot is Snapshot restricted to values that may share a row: when
// both are stored but were observed a pair window or more apart, the older
// one is left out.
func (c *Correlator) FreshSnapshot() Pair {
	c.mu.Lock()
	defer c.mu.Unlock()

	pair := Pair{HeartRate: copyInt(c.heartRate), SpO2: copyInt(c.spo2)}
	if pair.HeartRate == nil || pair.SpO2 == nil {
		return pair
	}
	gap := c.heartRateAt.Sub(c.spo2At)
	switch {
	case gap >= c.pairWindow:
		pair.SpO2 = nil
	case -gap >= c.pairWindow:
		pair.HeartRate = nil
	}
	return pair
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
