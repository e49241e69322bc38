package drone

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/smart_inspection/internal/model/entities"
	"github.com/LeonardoBeccarini/smart_inspection/internal/model/messages"
	"github.com/LeonardoBeccarini/smart_inspection/pkg/broker"
	"github.com/LeonardoBeccarini/smart_inspection/pkg/dedup"
)

const DefaultURI = "radio://0/80/2M/E7E7E7E7E7"

// MQTTConfig configures the bridge link.
type MQTTConfig struct {
	TopicPrefix    string
	URI            string
	CommandTimeout time.Duration
}

// ErrRejected is wrapped when the bridge acks a command with ok=false.
var ErrRejected = errors.New("drone bridge rejected command")

// MQTTLink talks to a radio bridge process over MQTT. It implements Link.
type MQTTLink struct {
	cfg MQTTConfig
	pub broker.IPublisher
	log *zap.Logger

	acks   *dedup.Deduper
	frames *dedup.Deduper

	mu       sync.Mutex
	pending  map[string]chan messages.DroneAck
	latest   map[entities.Direction]float64
	frameGen uint64
	newFrame chan struct{} // closed and replaced on every frame
}

func NewMQTTLink(pub broker.IPublisher, cfg MQTTConfig, log *zap.Logger) *MQTTLink {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "drone/cf1"
	}
	if cfg.URI == "" {
		cfg.URI = DefaultURI
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &MQTTLink{
		cfg:      cfg,
		pub:      pub,
		log:      log,
		acks:     dedup.New(2*time.Minute, 1024),
		frames:   dedup.New(time.Minute, 4096),
		pending:  make(map[string]chan messages.DroneAck),
		newFrame: make(chan struct{}),
	}
}

func (l *MQTTLink) CommandTopic() string { return l.cfg.TopicPrefix + "/cmd" }
func (l *MQTTLink) AckTopic() string     { return l.cfg.TopicPrefix + "/ack" }
func (l *MQTTLink) RangingTopic() string { return l.cfg.TopicPrefix + "/ranging" }

// Filters are the subscriptions Handle expects.
func (l *MQTTLink) Filters() map[string]byte {
	return map[string]byte{l.AckTopic(): 1, l.RangingTopic(): 0}
}

// Handle is a broker.Handler for the ack and ranging topics.
func (l *MQTTLink) Handle(topic string, msg mqtt.Message) error {
	switch {
	case strings.HasSuffix(topic, "/ack"):
		var ack messages.DroneAck
		if err := json.Unmarshal(msg.Payload(), &ack); err != nil {
			return fmt.Errorf("bad drone ack: %w", err)
		}
		if !l.acks.ShouldProcess(ack.ID) {
			return nil
		}
		l.mu.Lock()
		ch, ok := l.pending[ack.ID]
		delete(l.pending, ack.ID)
		l.mu.Unlock()
		if ok {
			ch <- ack
		}
	case strings.HasSuffix(topic, "/ranging"):
		var f messages.RangingFrame
		if err := json.Unmarshal(msg.Payload(), &f); err != nil {
			return fmt.Errorf("bad ranging frame: %w", err)
		}
		if !l.frames.ShouldProcess(strconv.FormatUint(f.Seq, 10) + "@" + strconv.FormatInt(f.At.UnixNano(), 10)) {
			return nil
		}
		l.mu.Lock()
		l.latest = f.Distances()
		l.frameGen++
		close(l.newFrame)
		l.newFrame = make(chan struct{})
		l.mu.Unlock()
	}
	return nil
}

func (l *MQTTLink) send(ctx context.Context, cmd messages.DroneCommand) error {
	cmd.ID = uuid.NewString()
	cmd.At = time.Now().UTC()
	ch := make(chan messages.DroneAck, 1)

	l.mu.Lock()
	l.pending[cmd.ID] = ch
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.pending, cmd.ID)
		l.mu.Unlock()
	}()

	if err := broker.PublishJSON(l.pub, l.CommandTopic(), 1, cmd); err != nil {
		return fmt.Errorf("%s: %w", cmd.Op, err)
	}

	timer := time.NewTimer(l.cfg.CommandTimeout)
	defer timer.Stop()
	select {
	case ack := <-ch:
		if !ack.OK {
			return fmt.Errorf("%s: %w: %s", cmd.Op, ErrRejected, ack.Error)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%s: no ack within %s", cmd.Op, l.cfg.CommandTimeout)
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", cmd.Op, ctx.Err())
	}
}

func (l *MQTTLink) Connect(ctx context.Context) error {
	l.mu.Lock()
	l.latest = nil
	l.mu.Unlock()
	return l.send(ctx, messages.DroneCommand{Op: messages.OpConnect, URI: l.cfg.URI})
}

func (l *MQTTLink) Takeoff(ctx context.Context, heightM float64) error {
	return l.send(ctx, messages.DroneCommand{Op: messages.OpTakeoff, HeightM: heightM})
}

func (l *MQTTLink) ExecutePattern(ctx context.Context, step entities.ScanStep) error {
	return l.send(ctx, messages.DroneCommand{Op: messages.OpPattern, Step: step.Index, YawDeg: step.YawDeg})
}

func (l *MQTTLink) Land(ctx context.Context) error {
	return l.send(ctx, messages.DroneCommand{Op: messages.OpLand})
}

func (l *MQTTLink) Disconnect(ctx context.Context) error {
	return l.send(ctx, messages.DroneCommand{Op: messages.OpDisconnect})
}

// Sample waits for the next frame received after the call.
func (l *MQTTLink) Sample(ctx context.Context) (map[entities.Direction]float64, error) {
	l.mu.Lock()
	gen := l.frameGen
	wait := l.newFrame
	l.mu.Unlock()
	for {
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		l.mu.Lock()
		if l.frameGen > gen && l.latest != nil {
			out := make(map[entities.Direction]float64, len(l.latest))
			for k, v := range l.latest {
				out[k] = v
			}
			l.mu.Unlock()
			return out, nil
		}
		wait = l.newFrame
		l.mu.Unlock()
	}
}
