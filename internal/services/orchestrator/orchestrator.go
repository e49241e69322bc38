// Package orchestrator runs the decision loop that ties the room sensors, the
// language model, the drone and the indicator together.
//
// All conversation, indicator, session and fault state lives in the loop
// goroutine. Inference and flights run on their own goroutines and report back
// over channels; other goroutines read state through request closures.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/smart_inspection/internal/model/entities"
	"github.com/LeonardoBeccarini/smart_inspection/internal/services/actuator"
	"github.com/LeonardoBeccarini/smart_inspection/internal/services/drone"
	"github.com/LeonardoBeccarini/smart_inspection/internal/services/inference"
	"github.com/LeonardoBeccarini/smart_inspection/internal/services/router"
	"github.com/LeonardoBeccarini/smart_inspection/internal/services/telemetry"
)

// ErrStopped is returned by the request methods once Run has returned.
var ErrStopped = errors.New("orchestrator: stopped")

const (
	PolicyConfirm = "confirm"
	PolicyAuto    = "auto"

	maxConversation = 256
)

// SensorSource is the sensor hub as seen by the loop.
type SensorSource interface {
	Poll(ctx context.Context) entities.Snapshot
	SubscribeMotion(ctx context.Context) <-chan entities.MotionEvent
}

// Runner is one drone session.
type Runner interface {
	ID() string
	State() entities.SessionState
	Run(ctx context.Context, timeout time.Duration) (drone.Result, error)
}

// SessionFactory builds a fresh session; observe receives its transitions.
type SessionFactory func(observe func(drone.Transition)) Runner

type Evaluator interface {
	Evaluate(sweep entities.RangingSweep, ambient entities.Ambient) entities.AnomalyVerdict
}

// Notifier receives inspection events for external consumers. Calls must not block.
type Notifier interface {
	Transition(sessionID string, from, to entities.SessionState, at time.Time)
	Verdict(sessionID string, v entities.AnomalyVerdict, led entities.LEDState)
	Fault(sessionID, msg string)
}

type Config struct {
	TriggerPolicy    string
	Keywords         []string
	HistoryTurns     int
	InferenceTimeout time.Duration
	SessionTimeout   time.Duration
	ShutdownGrace    time.Duration
	SystemPrompt     string
}

func (c Config) withDefaults() Config {
	if c.TriggerPolicy == "" {
		c.TriggerPolicy = PolicyConfirm
	}
	if c.HistoryTurns <= 0 {
		c.HistoryTurns = 8
	}
	if c.InferenceTimeout <= 0 {
		c.InferenceTimeout = 30 * time.Second
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = drone.DefaultTimeout
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 15 * time.Second
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = SystemPrompt
	}
	return c
}

// Deps are the collaborators. Notifier and Metrics may be nil.
type Deps struct {
	Sensors    SensorSource
	Model      inference.Inferable
	Router     *router.Router
	Evaluator  Evaluator
	LED        actuator.Driver
	NewSession SessionFactory
	Notifier   Notifier
	Metrics    *telemetry.Metrics
}

type inferResult struct {
	out        string
	err        error
	offered    []entities.ToolName
	snap       entities.Snapshot
	confirming bool // started while a motion question was open
}

type sessionResult struct {
	runner  Runner
	res     drone.Result
	err     error
	ambient entities.Ambient
}

type Orchestrator struct {
	cfg  Config
	deps Deps
	log  *zap.Logger

	utterances chan string
	requests   chan func()
	inferDone  chan inferResult
	sessDone   chan sessionResult
	started    atomic.Bool
	done       chan struct{}

	fatalFlag atomic.Bool

	listenMu      sync.Mutex
	turnListeners []func(entities.Turn)
	faultHandlers []func(bool)

	// loop-owned
	conv            []entities.Turn
	led             entities.LEDState
	active          Runner
	inflight        bool
	queue           []string
	pendingMotion   int
	awaitingConfirm bool
	fatal           bool
	fatalMsg        string
	faultMotionSent bool
	lastVerdict     *entities.AnomalyVerdict
	lastSessionID   string
	lastSession     entities.SessionState
}

func New(cfg Config, deps Deps, log *zap.Logger) (*Orchestrator, error) {
	if deps.Sensors == nil || deps.Model == nil || deps.Router == nil || deps.Evaluator == nil || deps.LED == nil || deps.NewSession == nil {
		return nil, errors.New("orchestrator: missing collaborator")
	}
	cfg = cfg.withDefaults()
	if cfg.TriggerPolicy != PolicyConfirm && cfg.TriggerPolicy != PolicyAuto {
		return nil, fmt.Errorf("orchestrator: unknown trigger policy %q", cfg.TriggerPolicy)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		cfg:         cfg,
		deps:        deps,
		log:         log,
		utterances:  make(chan string, 64),
		requests:    make(chan func()),
		inferDone:   make(chan inferResult, 1),
		sessDone:    make(chan sessionResult, 1),
		done:        make(chan struct{}),
		led:         entities.LEDOff,
		lastSession: entities.SessionIdle,
	}, nil
}

// OnTurn registers a listener for every appended turn. Call before Run.
func (o *Orchestrator) OnTurn(fn func(entities.Turn)) {
	o.listenMu.Lock()
	o.turnListeners = append(o.turnListeners, fn)
	o.listenMu.Unlock()
}

// OnFault registers a listener for fatal latch changes. Call before Run.
func (o *Orchestrator) OnFault(fn func(fatal bool)) {
	o.listenMu.Lock()
	o.faultHandlers = append(o.faultHandlers, fn)
	o.listenMu.Unlock()
}

// Fatal reports the fatal latch without going through the loop.
func (o *Orchestrator) Fatal() bool { return o.fatalFlag.Load() }

// Submit queues a user utterance.
func (o *Orchestrator) Submit(ctx context.Context, text string) error {
	select {
	case <-o.done:
		return ErrStopped
	default:
	}
	select {
	case o.utterances <- text:
		return nil
	case <-o.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// do runs fn inside the loop and waits for it.
func (o *Orchestrator) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	req := func() {
		fn()
		close(finished)
	}
	select {
	case o.requests <- req:
	case <-o.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-o.done:
		return ErrStopped
	}
}

func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	var st Status
	err := o.do(ctx, func() { st = o.status() })
	return st, err
}

// Conversation returns up to n of the most recent turns (all when n <= 0).
func (o *Orchestrator) Conversation(ctx context.Context, n int) ([]entities.Turn, error) {
	var out []entities.Turn
	err := o.do(ctx, func() {
		src := o.conv
		if n > 0 && len(src) > n {
			src = src[len(src)-n:]
		}
		out = append([]entities.Turn(nil), src...)
	})
	return out, err
}

// AcknowledgeFault clears the fatal latch. It reports whether a fault was set.
func (o *Orchestrator) AcknowledgeFault(ctx context.Context) (bool, error) {
	var was bool
	err := o.do(ctx, func() {
		was = o.fatal
		if !was {
			return
		}
		o.setFatal(false, "")
		o.appendTurn(entities.RoleAssistant, "Fault acknowledged. Drone inspections are enabled again.")
	})
	return was, err
}

// Run drives the loop until ctx is cancelled. An active session is cancelled
// and awaited, bounded by the shutdown grace.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.started.Swap(true) {
		return errors.New("orchestrator: already running")
	}
	defer close(o.done)

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	motion := o.deps.Sensors.SubscribeMotion(loopCtx)
	o.applyLED(entities.LEDOff)
	o.log.Info("orchestrator started", zap.String("policy", o.cfg.TriggerPolicy))

	for {
		select {
		case <-ctx.Done():
			cancel()
			o.shutdown(loopCtx)
			return nil
		case text := <-o.utterances:
			o.queue = append(o.queue, text)
			o.next(loopCtx)
		case ev, ok := <-motion:
			if !ok {
				motion = nil
				continue
			}
			o.onMotion(loopCtx, ev)
		case r := <-o.inferDone:
			o.onInference(loopCtx, r)
			o.next(loopCtx)
		case r := <-o.sessDone:
			o.onSession(loopCtx, r)
		case req := <-o.requests:
			req()
		}
	}
}

// shutdown runs with the loop context already cancelled, so coalesced motion
// is not replayed.
func (o *Orchestrator) shutdown(ctx context.Context) {
	if o.active != nil {
		o.log.Info("waiting for active session to land", zap.String("session_id", o.active.ID()))
		select {
		case r := <-o.sessDone:
			o.onSession(ctx, r)
		case <-time.After(o.cfg.ShutdownGrace):
			o.log.Error("session did not finish within shutdown grace", zap.Duration("grace", o.cfg.ShutdownGrace))
		}
	}
	if o.inflight {
		select {
		case <-o.inferDone:
		case <-time.After(time.Second):
		}
	}
	o.log.Info("orchestrator stopped")
}

func (o *Orchestrator) appendTurn(role entities.Role, content string) {
	t := entities.Turn{Role: role, Content: content, At: time.Now().UTC()}
	o.conv = append(o.conv, t)
	if len(o.conv) > maxConversation {
		o.conv = append([]entities.Turn(nil), o.conv[len(o.conv)-maxConversation:]...)
	}
	o.listenMu.Lock()
	ls := o.turnListeners
	o.listenMu.Unlock()
	for _, fn := range ls {
		fn(t)
	}
}

func (o *Orchestrator) reply(text string) { o.appendTurn(entities.RoleAssistant, text) }

func (o *Orchestrator) applyLED(s entities.LEDState) {
	o.led = s
	o.deps.Metrics.LED(s)
	if err := o.deps.LED.SetState(s); err != nil {
		o.log.Warn("indicator update failed", zap.String("led", string(s)), zap.Error(err))
	}
}

func (o *Orchestrator) setFatal(on bool, msg string) {
	o.fatal = on
	o.fatalMsg = msg
	o.faultMotionSent = false
	o.fatalFlag.Store(on)
	o.deps.Metrics.Fatal(on)
	o.listenMu.Lock()
	hs := o.faultHandlers
	o.listenMu.Unlock()
	for _, fn := range hs {
		fn(on)
	}
}

// next starts inference for the oldest queued utterance when none is in flight.
func (o *Orchestrator) next(ctx context.Context) {
	if o.inflight || len(o.queue) == 0 {
		return
	}
	text := o.queue[0]
	o.queue = o.queue[1:]
	o.appendTurn(entities.RoleUser, text)

	offered := o.offeredTools(text)
	defs := o.deps.Router.Registry().Definitions(offered...)
	header := o.statusHeader()
	history := o.history()
	confirming := o.awaitingConfirm
	o.inflight = true

	go func() {
		ictx, cancel := context.WithTimeout(ctx, o.cfg.InferenceTimeout)
		defer cancel()
		snap := o.deps.Sensors.Poll(ictx)
		window := make([]entities.Turn, 0, len(history)+1)
		window = append(window, entities.Turn{
			Role:    entities.RoleSystem,
			Content: o.cfg.SystemPrompt + "\n\n" + header.withSensors(snap),
		})
		window = append(window, history...)
		out, err := o.deps.Model.Infer(ictx, window, defs)
		o.inferDone <- inferResult{out: out, err: err, offered: offered, snap: snap, confirming: confirming}
	}()
}

func (o *Orchestrator) history() []entities.Turn {
	src := o.conv
	if len(src) > o.cfg.HistoryTurns {
		src = src[len(src)-o.cfg.HistoryTurns:]
	}
	return append([]entities.Turn(nil), src...)
}

func (o *Orchestrator) onInference(ctx context.Context, r inferResult) {
	o.inflight = false
	if r.err != nil {
		o.deps.Metrics.InferenceFailure()
		o.log.Warn("inference failed", zap.Error(r.err))
		o.reply(apology)
		return
	}
	if r.confirming {
		o.awaitingConfirm = false
	}

	call := o.deps.Router.Route(r.out)
	o.deps.Metrics.ToolCall(call.Name)
	if call.Name == entities.ToolStartInspection {
		if msg, busy := o.refusal(); busy {
			o.reply(msg)
			return
		}
	}
	if !call.IsNone() && !offered(r.offered, call.Name) {
		o.log.Info("model called a tool not offered this turn", zap.String("tool", string(call.Name)))
		o.reply("I can start a drone inspection when you ask for one explicitly.")
		return
	}

	switch call.Name {
	case entities.ToolStartInspection:
		reason, _ := call.String("reason")
		timeout := o.cfg.SessionTimeout
		if s, ok := call.Number("timeout_s"); ok {
			timeout = time.Duration(s * float64(time.Second))
		}
		o.reply(o.launch(ctx, reason, timeout))
	case entities.ToolReportStatus:
		o.reply(FormatStatus(o.status(), r.snap))
	case entities.ToolResetIndicator:
		o.applyLED(entities.LEDOff)
		o.reply("Indicator reset. The LED is off.")
	default:
		text := call.Text
		if text == "" {
			text = "(no reply)"
		}
		o.reply(text)
	}
}

func offered(names []entities.ToolName, n entities.ToolName) bool {
	for _, x := range names {
		if x == n {
			return true
		}
	}
	return false
}

// refusal reports why no session may start right now.
func (o *Orchestrator) refusal() (string, bool) {
	if o.fatal {
		return "WARNING: drone inspections are disabled until the landing fault is acknowledged. " + o.fatalMsg, true
	}
	if o.active != nil {
		return fmt.Sprintf("Busy: inspection %s is already %s. Try again when it finishes.",
			shortID(o.active.ID()), o.active.State()), true
	}
	return "", false
}

// launch starts a session unless one is active or the fatal latch is set.
func (o *Orchestrator) launch(ctx context.Context, reason string, timeout time.Duration) string {
	if msg, busy := o.refusal(); busy {
		return msg
	}

	r := o.deps.NewSession(o.observe)
	o.active = r
	o.lastSessionID = r.ID()
	log := o.log.With(zap.String("session_id", r.ID()))
	log.Info("launching inspection", zap.String("reason", reason), zap.Duration("timeout", timeout))

	go func() {
		res, err := r.Run(ctx, timeout)
		var amb entities.Ambient
		if err == nil {
			pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			amb = o.deps.Sensors.Poll(pctx).Ambient()
			cancel()
		}
		o.sessDone <- sessionResult{runner: r, res: res, err: err, ambient: amb}
	}()
	return fmt.Sprintf("Starting drone inspection %s.", shortID(r.ID()))
}

func (o *Orchestrator) observe(t drone.Transition) {
	if o.deps.Notifier != nil {
		o.deps.Notifier.Transition(t.SessionID, t.From, t.To, t.At)
	}
}

func (o *Orchestrator) onSession(ctx context.Context, r sessionResult) {
	if o.active == r.runner {
		o.active = nil
	}
	o.lastSession = r.res.State
	dur := r.res.EndedAt.Sub(r.res.StartedAt)
	id := shortID(r.res.SessionID)

	switch {
	case r.err == nil:
		outcome := "completed"
		if r.res.Aborted {
			outcome = "aborted"
		}
		o.deps.Metrics.SessionEnded(outcome, dur)
		v := o.deps.Evaluator.Evaluate(r.res.Sweep, r.ambient)
		o.lastVerdict = &v
		led := entities.LEDGreen
		if v.Anomalous {
			led = entities.LEDRed
		}
		o.applyLED(led)
		if o.deps.Notifier != nil {
			o.deps.Notifier.Verdict(r.res.SessionID, v, led)
		}
		o.reply(summarize(id, r.res, v, led))

	case drone.IsFatal(r.err):
		o.deps.Metrics.SessionEnded(string(drone.LandingTimeout), dur)
		msg := fmt.Sprintf("WARNING: drone state unknown after inspection %s: landing was not confirmed (%v). "+
			"Check the drone and acknowledge the fault before flying again.", id, r.err)
		o.log.Error("landing fault, inspections disabled", zap.String("session_id", r.res.SessionID), zap.Error(r.err))
		o.setFatal(true, msg)
		if o.deps.Notifier != nil {
			o.deps.Notifier.Fault(r.res.SessionID, r.err.Error())
		}
		o.reply(msg)

	default:
		kind := drone.KindOf(r.err)
		if kind == "" {
			kind = drone.LinkFailure
		}
		o.deps.Metrics.SessionEnded(string(kind), dur)
		o.log.Warn("inspection failed", zap.String("session_id", r.res.SessionID), zap.Error(r.err))
		o.reply(fmt.Sprintf("Inspection %s failed (%s): %v. The indicator is unchanged.", id, humanKind(kind), r.err))
	}

	if o.pendingMotion > 0 && ctx.Err() == nil {
		n := o.pendingMotion
		o.pendingMotion = 0
		o.log.Info("replaying motion seen during the flight", zap.Int("events", n))
		o.onMotion(ctx, entities.MotionEvent{Active: true, At: time.Now().UTC()})
	}
}

func (o *Orchestrator) onMotion(ctx context.Context, ev entities.MotionEvent) {
	if !ev.Active {
		return
	}
	if o.active != nil {
		o.pendingMotion++
		return
	}
	if o.awaitingConfirm && !o.fatal {
		return // already asked
	}
	if o.fatal && o.faultMotionSent {
		o.log.Debug("motion ignored while fault is latched")
		return
	}
	o.appendTurn(entities.RoleUser, fmt.Sprintf("EVENT: motion detected at %s", ev.At.Format("15:04:05")))
	switch {
	case o.fatal:
		o.faultMotionSent = true
		o.reply("Motion detected, but drone inspections are disabled until the landing fault is acknowledged.")
	case o.cfg.TriggerPolicy == PolicyAuto:
		o.reply("Motion detected. " + o.launch(ctx, "motion", o.cfg.SessionTimeout))
	default:
		o.awaitingConfirm = true
		o.reply(MotionQuestion)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func humanKind(k drone.ErrorKind) string {
	switch k {
	case drone.PatternTimeout:
		return "timed out"
	case drone.LandingTimeout:
		return "landing not confirmed"
	default:
		return "link failure"
	}
}
