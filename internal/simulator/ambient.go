package simulator

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/smart_inspection/internal/model/entities"
)

// random walk step per minute
const (
	tempDriftPerMin  = 0.05
	humDriftPerMin   = 0.3
	pressDriftPerMin = 0.05
)

// AmbientModel is a slowly drifting indoor climate.
type AmbientModel struct {
	mu    sync.Mutex
	rng   *rand.Rand
	last  time.Time
	now   func() time.Time
	temp  float64 // °C
	hum   float64 // %RH
	press float64 // hPa
}

func NewAmbientModel(seed int64) *AmbientModel {
	return &AmbientModel{
		rng:   rand.New(rand.NewSource(seed)),
		now:   time.Now,
		temp:  22,
		hum:   45,
		press: 1013.25,
	}
}

// Set forces the current values, e.g. to simulate a heat anomaly.
func (m *AmbientModel) Set(src entities.SensorSource, v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch src {
	case entities.SourceTemperature:
		m.temp = v
	case entities.SourceHumidity:
		m.hum = v
	case entities.SourcePressure:
		m.press = v
	}
}

// Read advances the walk to now and returns the value for src.
func (m *AmbientModel) Read(src entities.SensorSource) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if !m.last.IsZero() {
		dt := math.Max(0, now.Sub(m.last).Minutes())
		step := func(scale float64) float64 { return (m.rng.Float64()*2 - 1) * scale * dt }
		m.temp += step(tempDriftPerMin)
		m.hum = math.Min(100, math.Max(0, m.hum+step(humDriftPerMin)))
		m.press += step(pressDriftPerMin)
	}
	m.last = now

	switch src {
	case entities.SourceTemperature:
		return m.temp, true
	case entities.SourceHumidity:
		return m.hum, true
	case entities.SourcePressure:
		return m.press, true
	}
	return 0, false
}

// MotionSchedule fires a motion edge every Interval once started.
type MotionSchedule struct {
	Interval time.Duration
}

// Run calls fn on every tick until stop is closed.
func (s MotionSchedule) Run(stop <-chan struct{}, fn func(entities.MotionEvent)) {
	if s.Interval <= 0 {
		<-stop
		return
	}
	t := time.NewTicker(s.Interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-t.C:
			fn(entities.MotionEvent{Active: true, At: now})
		}
	}
}
