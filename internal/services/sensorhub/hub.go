// Package sensorhub polls the room sensors and streams motion edges.
// Hardware failures never escape: a sensor that fails to initialize is
// absent for the rest of the process, a failed read is absent for that poll.
package sensorhub

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/smart_inspection/internal/model/entities"
)

const (
	DefaultReadTimeout    = 500 * time.Millisecond
	DefaultMotionCooldown = 5 * time.Second
)

type lazySensor struct {
	r       Readable
	once    sync.Once
	initErr error
	failing atomic.Bool
}

func (l *lazySensor) ready(log *zap.Logger) bool {
	l.once.Do(func() {
		l.initErr = l.r.Init()
		if l.initErr != nil {
			log.Warn("sensor init failed, marking absent",
				zap.String("source", string(l.r.Source())), zap.Error(l.initErr))
		} else {
			log.Info("sensor ready", zap.String("source", string(l.r.Source())))
		}
	})
	return l.initErr == nil
}

// Options tune a Hub.
type Options struct {
	ReadTimeout    time.Duration
	MotionCooldown time.Duration // rising edges closer than this are merged
	OnAbsent       func(entities.SensorSource)
	Now            func() time.Time
}

type Hub struct {
	sensors []*lazySensor
	motion  *lazySensor
	opts    Options
	log     *zap.Logger
}

// New builds a hub. motion may be nil when no PIR is wired.
func New(sensors []Readable, motion MotionSensor, opts Options, log *zap.Logger) *Hub {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.MotionCooldown < 0 {
		opts.MotionCooldown = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	h := &Hub{opts: opts, log: log}
	for _, s := range sensors {
		if s != nil {
			h.sensors = append(h.sensors, &lazySensor{r: s})
		}
	}
	if motion != nil {
		h.motion = &lazySensor{r: motion}
		h.sensors = append(h.sensors, h.motion)
	}
	return h
}

// Probe initializes every sensor and returns how many are present.
func (h *Hub) Probe(ctx context.Context) int {
	n := 0
	for _, s := range h.sensors {
		if ctx.Err() != nil {
			break
		}
		if s.ready(h.log) {
			n++
		}
	}
	return n
}

// Sources lists the configured sources in registration order.
func (h *Hub) Sources() []entities.SensorSource {
	out := make([]entities.SensorSource, 0, len(h.sensors))
	for _, s := range h.sensors {
		out = append(out, s.r.Source())
	}
	return out
}

// Poll reads every sensor once. Each read is bounded by ReadTimeout.
func (h *Hub) Poll(ctx context.Context) entities.Snapshot {
	snap := make(entities.Snapshot, len(h.sensors))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, s := range h.sensors {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := h.read(ctx, s)
			mu.Lock()
			snap[r.Source] = r
			mu.Unlock()
		}()
	}
	wg.Wait()
	return snap
}

func (h *Hub) read(ctx context.Context, s *lazySensor) entities.SensorReading {
	src := s.r.Source()
	reading := entities.SensorReading{Source: src, Timestamp: h.opts.Now().UTC()}
	if !s.ready(h.log) {
		h.absent(src)
		return reading
	}

	rctx, cancel := context.WithTimeout(ctx, h.opts.ReadTimeout)
	defer cancel()
	type result struct {
		v   any
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := s.r.Read(rctx)
		done <- result{v, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-rctx.Done():
		res.err = rctx.Err()
	}
	if res.err == nil {
		switch res.v.(type) {
		case float64, bool:
		default:
			res.err = errUnsupportedValue
		}
	}
	if res.err != nil {
		if !s.failing.Swap(true) {
			h.log.Warn("sensor read failed", zap.String("source", string(src)), zap.Error(res.err))
		}
		h.absent(src)
		return reading
	}
	if s.failing.Swap(false) {
		h.log.Info("sensor recovered", zap.String("source", string(src)))
	}
	reading.Value = res.v
	return reading
}

func (h *Hub) absent(src entities.SensorSource) {
	if h.opts.OnAbsent != nil {
		h.opts.OnAbsent(src)
	}
}

// SubscribeMotion streams rising motion edges until ctx ends. Events are
// buffered without limit. With no working PIR the channel only closes.
func (h *Hub) SubscribeMotion(ctx context.Context) <-chan entities.MotionEvent {
	out := make(chan entities.MotionEvent)
	if h.motion == nil || !h.motion.ready(h.log) {
		go func() {
			<-ctx.Done()
			close(out)
		}()
		return out
	}

	in := make(chan entities.MotionEvent, 16)
	var last time.Time
	var lastMu sync.Mutex
	emit := func(ev entities.MotionEvent) {
		if !ev.Active {
			return
		}
		lastMu.Lock()
		if !last.IsZero() && ev.At.Sub(last) < h.opts.MotionCooldown {
			lastMu.Unlock()
			return
		}
		last = ev.At
		lastMu.Unlock()
		select {
		case in <- ev:
		case <-ctx.Done():
		}
	}
	if err := h.motion.r.(MotionSensor).Watch(ctx, emit); err != nil {
		h.log.Warn("motion watch failed", zap.Error(err))
	}
	go forward(ctx, in, out)
	return out
}

// forward relays in to out through an unbounded queue so slow consumers never stall producers.
func forward(ctx context.Context, in <-chan entities.MotionEvent, out chan<- entities.MotionEvent) {
	defer close(out)
	var queue []entities.MotionEvent
	for {
		var send chan<- entities.MotionEvent
		var head entities.MotionEvent
		if len(queue) > 0 {
			send = out
			head = queue[0]
		}
		select {
		case <-ctx.Done():
			return
		case ev := <-in:
			queue = append(queue, ev)
		case send <- head:
			queue = queue[1:]
		}
	}
}

// Close releases sensors that hold OS resources.
func (h *Hub) Close() error {
	var first error
	for _, s := range h.sensors {
		if c, ok := s.r.(io.Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
