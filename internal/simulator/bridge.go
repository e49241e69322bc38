package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/smart_inspection/internal/model/entities"
	"github.com/LeonardoBeccarini/smart_inspection/internal/model/messages"
	"github.com/LeonardoBeccarini/smart_inspection/pkg/broker"
	"github.com/LeonardoBeccarini/smart_inspection/pkg/dedup"
)

// Bridge serves a SimDrone over the MQTT drone protocol: it executes
// commands from <prefix>/cmd, acks on <prefix>/ack and streams ranging
// frames on <prefix>/ranging while airborne.
type Bridge struct {
	drone      *SimDrone
	pub        broker.IPublisher
	prefix     string
	frameEvery time.Duration
	cmdTimeout time.Duration
	log        *zap.Logger
	deduper    *dedup.Deduper

	mu         sync.Mutex
	seq        uint64
	stopFrames context.CancelFunc
}

func NewBridge(d *SimDrone, pub broker.IPublisher, prefix string, frameEvery time.Duration, log *zap.Logger) *Bridge {
	if frameEvery <= 0 {
		frameEvery = 100 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{
		drone:      d,
		pub:        pub,
		prefix:     prefix,
		frameEvery: frameEvery,
		cmdTimeout: 5 * time.Second,
		log:        log,
		deduper:    dedup.New(2*time.Minute, 1024),
	}
}

func (b *Bridge) Filters() map[string]byte {
	return map[string]byte{b.prefix + "/cmd": 1}
}

// Handle is a broker.Handler for the command topic.
func (b *Bridge) Handle(_ string, msg mqtt.Message) error {
	var cmd messages.DroneCommand
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		return fmt.Errorf("bad drone command: %w", err)
	}
	if !b.deduper.ShouldProcess(cmd.ID) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.cmdTimeout)
	defer cancel()

	var err error
	switch cmd.Op {
	case messages.OpConnect:
		err = b.drone.Connect(ctx)
	case messages.OpTakeoff:
		if err = b.drone.Takeoff(ctx, cmd.HeightM); err == nil {
			b.startFrames()
		}
	case messages.OpPattern:
		err = b.drone.ExecutePattern(ctx, entities.ScanStep{Index: cmd.Step, YawDeg: cmd.YawDeg})
	case messages.OpLand:
		b.stopFrameLoop()
		err = b.drone.Land(ctx)
	case messages.OpDisconnect:
		b.stopFrameLoop()
		err = b.drone.Disconnect(ctx)
	default:
		err = fmt.Errorf("unknown op %q", cmd.Op)
	}

	ack := messages.DroneAck{ID: cmd.ID, Op: cmd.Op, OK: err == nil, At: time.Now().UTC()}
	if err != nil {
		ack.Error = err.Error()
		b.log.Info("command failed", zap.String("op", string(cmd.Op)), zap.Error(err))
	}
	return broker.PublishJSON(b.pub, b.prefix+"/ack", 1, ack)
}

func (b *Bridge) startFrames() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopFrames != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.stopFrames = cancel
	go b.frameLoop(ctx)
}

func (b *Bridge) stopFrameLoop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopFrames != nil {
		b.stopFrames()
		b.stopFrames = nil
	}
}

// Stop ends frame streaming.
func (b *Bridge) Stop() { b.stopFrameLoop() }

func (b *Bridge) frameLoop(ctx context.Context) {
	t := time.NewTicker(b.frameEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d, err := b.drone.Sample(ctx)
			if err != nil {
				continue
			}
			b.mu.Lock()
			b.seq++
			seq := b.seq
			b.mu.Unlock()
			frame := messages.NewRangingFrame(seq, d, time.Now().UTC())
			if err := broker.PublishJSON(b.pub, b.prefix+"/ranging", 0, frame); err != nil {
				b.log.Warn("frame publish failed", zap.Error(err))
			}
		}
	}
}
