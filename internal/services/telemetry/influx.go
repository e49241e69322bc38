package telemetry

import (
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/smart_inspection/internal/model/entities"
)

const ambientMeasurement = "room_ambient"

// InfluxSink writes ambient points through the non-blocking WriteAPI and
// remembers when the last asynchronous write failed.
type InfluxSink struct {
	api     api.WriteAPI
	room    string
	mu      sync.RWMutex
	lastErr time.Time
	points  int64
	log     *zap.Logger
}

func NewInfluxSink(w api.WriteAPI, room string, log *zap.Logger) *InfluxSink {
	if log == nil {
		log = zap.NewNop()
	}
	s := &InfluxSink{
		api:     w,
		room:    room,
		lastErr: time.Now().Add(-24 * time.Hour),
		log:     log,
	}
	// Errors races with Close if called from the goroutine.
	errs := w.Errors()
	go func() {
		for err := range errs {
			if err != nil {
				s.mu.Lock()
				s.lastErr = time.Now()
				s.mu.Unlock()
				log.Warn("influx write error", zap.Error(err))
			}
		}
	}()
	return s
}

// AmbientPoint builds one point with a field per present source.
func AmbientPoint(room string, amb entities.Ambient, at time.Time) *write.Point {
	fields := make(map[string]interface{}, len(amb))
	for _, src := range entities.AmbientSources {
		if v, ok := amb[src]; ok {
			fields[string(src)] = v
		}
	}
	return influxdb2.NewPoint(ambientMeasurement, map[string]string{"room": room}, fields, at)
}

// WriteAmbient queues one point. Empty readings are skipped.
func (s *InfluxSink) WriteAmbient(amb entities.Ambient, at time.Time) {
	if s == nil || len(amb) == 0 {
		return
	}
	s.api.WritePoint(AmbientPoint(s.room, amb, at))
	s.mu.Lock()
	s.points++
	s.mu.Unlock()
}

// LastErrorAge is how long ago the last write error happened.
func (s *InfluxSink) LastErrorAge() time.Duration {
	if s == nil {
		return 99999 * time.Hour
	}
	s.mu.RLock()
	t := s.lastErr
	s.mu.RUnlock()
	return time.Since(t)
}

func (s *InfluxSink) Points() int64 {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.points
}

func (s *InfluxSink) Flush() {
	if s != nil {
		s.api.Flush()
	}
}
