package sensorhub

import (
	"context"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/smart_inspection/internal/model/entities"
	"github.com/LeonardoBeccarini/smart_inspection/internal/simulator"
)

// SimAmbient exposes the simulator climate as the three ambient channels.
func SimAmbient(m *simulator.AmbientModel) []Readable {
	out := make([]Readable, 0, len(entities.AmbientSources))
	for _, src := range entities.AmbientSources {
		src := src
		out = append(out, Func{
			Src: src,
			ReadFn: func(context.Context) (any, error) {
				v, ok := m.Read(src)
				if !ok {
					return nil, ErrSensorAbsent
				}
				return v, nil
			},
		})
	}
	return out
}

// SimPIR fires a motion edge every interval. Zero interval never fires.
type SimPIR struct {
	schedule simulator.MotionSchedule

	mu     sync.Mutex
	active bool
}

func NewSimPIR(interval time.Duration) *SimPIR {
	return &SimPIR{schedule: simulator.MotionSchedule{Interval: interval}}
}

func (p *SimPIR) Source() entities.SensorSource { return entities.SourceMotion }
func (p *SimPIR) Init() error                   { return nil }

func (p *SimPIR) Read(context.Context) (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active, nil
}

func (p *SimPIR) Watch(ctx context.Context, emit func(entities.MotionEvent)) error {
	go p.schedule.Run(ctx.Done(), func(ev entities.MotionEvent) {
		p.mu.Lock()
		p.active = ev.Active
		p.mu.Unlock()
		emit(ev)
	})
	return nil
}
