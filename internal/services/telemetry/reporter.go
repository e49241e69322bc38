package telemetry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/smart_inspection/internal/model/entities"
)

// Poller is the part of the sensor hub the reporter needs.
type Poller interface {
	Poll(ctx context.Context) entities.Snapshot
}

// AmbientReporter polls the room on a ticker and exports the ambient values.
type AmbientReporter struct {
	hub      Poller
	sink     *InfluxSink
	metrics  *Metrics
	interval time.Duration
	log      *zap.Logger
}

func NewAmbientReporter(hub Poller, sink *InfluxSink, metrics *Metrics, interval time.Duration, log *zap.Logger) *AmbientReporter {
	if interval <= 0 {
		interval = time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &AmbientReporter{hub: hub, sink: sink, metrics: metrics, interval: interval, log: log}
}

// Start blocks until ctx ends. The first report happens immediately.
func (r *AmbientReporter) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	defer r.sink.Flush()

	r.report(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.report(ctx)
		}
	}
}

func (r *AmbientReporter) report(ctx context.Context) {
	snap := r.hub.Poll(ctx)
	amb := snap.Ambient()
	r.metrics.Ambient(amb)
	r.sink.WriteAmbient(amb, time.Now().UTC())
	r.log.Debug("ambient reported", zap.Int("sources", len(amb)))
}
