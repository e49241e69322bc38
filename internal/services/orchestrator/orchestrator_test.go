package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeonardoBeccarini/smart_inspection/internal/model/entities"
	"github.com/LeonardoBeccarini/smart_inspection/internal/services/drone"
	"github.com/LeonardoBeccarini/smart_inspection/internal/services/evaluator"
	"github.com/LeonardoBeccarini/smart_inspection/internal/services/router"
	"github.com/LeonardoBeccarini/smart_inspection/internal/services/telemetry"
)

const (
	callStart  = `{"call":"start_inspection","arguments":{"reason":"requested"}}`
	callStatus = `{"call":"report_status"}`
	callReset  = `{"call":"reset_indicator","arguments":{}}`
	wait       = 2 * time.Second
)

type fakeSensors struct {
	motion chan entities.MotionEvent
}

func (s *fakeSensors) Poll(context.Context) entities.Snapshot {
	return entities.Snapshot{
		entities.SourceTemperature: {Source: entities.SourceTemperature, Value: 22.0},
		entities.SourceHumidity:    {Source: entities.SourceHumidity, Value: 45.0},
		entities.SourceMotion:      {Source: entities.SourceMotion, Value: false},
	}
}

func (s *fakeSensors) SubscribeMotion(context.Context) <-chan entities.MotionEvent { return s.motion }

type modelCall struct {
	window []entities.Turn
	tools  []entities.ToolName
}

// scriptModel answers with the queued replies in order, then with an echo of
// the last user turn.
type scriptModel struct {
	mu       sync.Mutex
	replies  []reply
	calls    []modelCall
	running  int
	maxAlive int
	delay    time.Duration
}

type reply struct {
	out string
	err error
}

func (m *scriptModel) push(out string, err error) {
	m.mu.Lock()
	m.replies = append(m.replies, reply{out, err})
	m.mu.Unlock()
}

func (m *scriptModel) Infer(ctx context.Context, turns []entities.Turn, tools []router.Definition) (string, error) {
	names := make([]entities.ToolName, 0, len(tools))
	for _, d := range tools {
		names = append(names, entities.ToolName(d.Function.Name))
	}
	m.mu.Lock()
	m.calls = append(m.calls, modelCall{window: turns, tools: names})
	m.running++
	if m.running > m.maxAlive {
		m.maxAlive = m.running
	}
	var r reply
	if len(m.replies) > 0 {
		r, m.replies = m.replies[0], m.replies[1:]
	} else {
		r = reply{out: "echo: " + turns[len(turns)-1].Content}
	}
	delay := m.delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
	}
	m.mu.Lock()
	m.running--
	m.mu.Unlock()
	return r.out, r.err
}

func (m *scriptModel) lastCall() modelCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[len(m.calls)-1]
}

type fakeLED struct {
	mu     sync.Mutex
	states []entities.LEDState
}

func (l *fakeLED) SetState(s entities.LEDState) error {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
	return nil
}

func (l *fakeLED) last() entities.LEDState {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.states) == 0 {
		return ""
	}
	return l.states[len(l.states)-1]
}

type outcome struct {
	res drone.Result
	err error
}

// fakeRunner flies until the test releases it. On cancellation it lands after
// landDelay and reports a link failure.
type fakeRunner struct {
	id        string
	release   chan outcome
	landDelay time.Duration

	mu       sync.Mutex
	state    entities.SessionState
	timeout  time.Duration
	finished bool
}

func (r *fakeRunner) ID() string { return r.id }

func (r *fakeRunner) State() entities.SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *fakeRunner) Run(ctx context.Context, timeout time.Duration) (drone.Result, error) {
	r.mu.Lock()
	r.state = entities.SessionScanning
	r.timeout = timeout
	r.mu.Unlock()

	var o outcome
	select {
	case o = <-r.release:
	case <-ctx.Done():
		time.Sleep(r.landDelay)
		o = outcome{
			res: drone.Result{SessionID: r.id, State: entities.SessionFailed},
			err: &drone.SessionError{Kind: drone.LinkFailure, Err: ctx.Err()},
		}
	}
	r.mu.Lock()
	r.state = o.res.State
	r.finished = true
	r.mu.Unlock()
	return o.res, o.err
}

func (r *fakeRunner) isFinished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

func (r *fakeRunner) complete(sweep entities.RangingSweep) {
	now := time.Now()
	r.release <- outcome{res: drone.Result{
		SessionID: r.id, State: entities.SessionCompleted, Sweep: sweep,
		StartedAt: now.Add(-20 * time.Second), EndedAt: now,
	}}
}

func (r *fakeRunner) fail(kind drone.ErrorKind) {
	r.release <- outcome{
		res: drone.Result{SessionID: r.id, State: entities.SessionFailed},
		err: &drone.SessionError{Kind: kind, Err: errors.New("no ack")},
	}
}

type fakeNotifier struct {
	mu          sync.Mutex
	transitions int
	verdicts    []entities.LEDState
	faults      []string
}

func (n *fakeNotifier) Transition(string, entities.SessionState, entities.SessionState, time.Time) {
	n.mu.Lock()
	n.transitions++
	n.mu.Unlock()
}

func (n *fakeNotifier) Verdict(_ string, _ entities.AnomalyVerdict, led entities.LEDState) {
	n.mu.Lock()
	n.verdicts = append(n.verdicts, led)
	n.mu.Unlock()
}

func (n *fakeNotifier) Fault(id, _ string) {
	n.mu.Lock()
	n.faults = append(n.faults, id)
	n.mu.Unlock()
}

type harness struct {
	t        *testing.T
	o        *Orchestrator
	sensors  *fakeSensors
	model    *scriptModel
	led      *fakeLED
	notifier *fakeNotifier
	metrics  *telemetry.Metrics
	runners  chan *fakeRunner
	replies  chan string
	landing  time.Duration
	faults   chan bool

	mu      sync.Mutex
	created []*fakeRunner

	cancel context.CancelFunc
	done   chan error
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		sensors:  &fakeSensors{motion: make(chan entities.MotionEvent, 16)},
		model:    &scriptModel{},
		led:      &fakeLED{},
		notifier: &fakeNotifier{},
		metrics:  telemetry.NewMetrics(),
		runners:  make(chan *fakeRunner, 8),
		replies:  make(chan string, 64),
		faults:   make(chan bool, 8),
		done:     make(chan error, 1),
	}
	factory := func(observe func(drone.Transition)) Runner {
		h.mu.Lock()
		defer h.mu.Unlock()
		r := &fakeRunner{
			id:        fmt.Sprintf("session-%02d-0000", len(h.created)+1),
			release:   make(chan outcome, 1),
			state:     entities.SessionIdle,
			landDelay: h.landing,
		}
		observe(drone.Transition{SessionID: r.id, From: entities.SessionIdle, To: entities.SessionConnecting, At: time.Now()})
		h.created = append(h.created, r)
		h.runners <- r
		return r
	}
	o, err := New(cfg, Deps{
		Sensors:    h.sensors,
		Model:      h.model,
		Router:     router.New(nil, nil),
		Evaluator:  evaluator.New(evaluator.Config{ClearanceM: 0.5}),
		LED:        h.led,
		NewSession: factory,
		Notifier:   h.notifier,
		Metrics:    h.metrics,
	}, nil)
	require.NoError(t, err)
	o.OnTurn(func(turn entities.Turn) {
		if turn.Role == entities.RoleAssistant {
			h.replies <- turn.Content
		}
	})
	o.OnFault(func(on bool) { h.faults <- on })
	h.o = o

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- o.Run(ctx) }()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		h.t.Error("orchestrator did not stop")
	}
}

func (h *harness) say(text string) {
	h.t.Helper()
	require.NoError(h.t, h.o.Submit(context.Background(), text))
}

func (h *harness) reply() string {
	h.t.Helper()
	select {
	case r := <-h.replies:
		return r
	case <-time.After(wait):
		h.t.Fatal("no assistant reply")
		return ""
	}
}

func (h *harness) runner() *fakeRunner {
	h.t.Helper()
	select {
	case r := <-h.runners:
		return r
	case <-time.After(wait):
		h.t.Fatal("no session created")
		return nil
	}
}

func (h *harness) sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.created)
}

func (h *harness) motion() {
	h.sensors.motion <- entities.MotionEvent{Active: true, At: time.Now()}
}

func clearSweep(d float64) entities.RangingSweep {
	var sweep entities.RangingSweep
	for step := 0; step < 4; step++ {
		for _, dir := range entities.Directions {
			sweep = append(sweep, entities.RangingSample{Step: step, Direction: dir, DistanceM: d})
		}
	}
	return sweep
}

func TestStartInspectionRefusedWhileActive(t *testing.T) {
	h := newHarness(t, Config{})
	h.model.push(callStart, nil)
	h.model.push(callStart, nil)

	h.say("inspect the room")
	assert.Contains(t, h.reply(), "Starting drone inspection session-")
	r := h.runner()

	h.say("inspect it again")
	assert.Contains(t, h.reply(), "Busy: inspection session-")
	assert.Equal(t, 1, h.sessions())

	r.complete(clearSweep(1.2))
	got := h.reply()
	assert.Contains(t, got, "No anomaly")
	assert.Contains(t, got, "LED GREEN")
	assert.Equal(t, entities.LEDGreen, h.led.last())

	st, err := h.o.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, entities.SessionCompleted, st.Session)
	require.NotNil(t, st.LastVerdict)
	assert.False(t, st.LastVerdict.Anomalous)
}

func TestObstructionTurnsLEDRed(t *testing.T) {
	h := newHarness(t, Config{})
	h.model.push(callStart, nil)
	h.say("scan the room with the drone")
	h.reply()
	r := h.runner()

	sweep := clearSweep(1.5)
	sweep[0].DistanceM = 0.2
	r.complete(sweep)

	got := h.reply()
	assert.Contains(t, got, "Anomaly: front obstruction")
	assert.Equal(t, entities.LEDRed, h.led.last())
	h.notifier.mu.Lock()
	assert.Equal(t, []entities.LEDState{entities.LEDRed}, h.notifier.verdicts)
	assert.Positive(t, h.notifier.transitions)
	h.notifier.mu.Unlock()
}

func TestTimeoutArgumentOverridesDefault(t *testing.T) {
	h := newHarness(t, Config{SessionTimeout: time.Minute})
	h.model.push(`{"call":"start_inspection","arguments":{"timeout_s":30}}`, nil)
	h.say("inspect quickly")
	h.reply()
	r := h.runner()
	assert.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.timeout == 30*time.Second
	}, wait, 5*time.Millisecond)
}

func TestMotionAsksBeforeLaunching(t *testing.T) {
	h := newHarness(t, Config{Keywords: []string{"inspect"}})
	h.motion()
	assert.Equal(t, MotionQuestion, h.reply())
	assert.Equal(t, 0, h.sessions())

	h.model.push(callStart, nil)
	h.say("yes")
	assert.Contains(t, h.reply(), "Starting drone inspection")
	assert.Contains(t, h.model.lastCall().tools, entities.ToolStartInspection)
	assert.Equal(t, 1, h.sessions())

	st, err := h.o.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.AwaitingConfirmation)
}

func TestAutoPolicyLaunchesOnMotion(t *testing.T) {
	h := newHarness(t, Config{TriggerPolicy: PolicyAuto})
	h.motion()
	assert.Contains(t, h.reply(), "Motion detected. Starting drone inspection")
	h.runner()
	assert.Equal(t, 1, h.sessions())
}

func TestMotionDuringFlightIsReplayedOnce(t *testing.T) {
	h := newHarness(t, Config{TriggerPolicy: PolicyAuto})
	h.motion()
	h.reply()
	first := h.runner()

	h.motion()
	h.motion()
	h.motion()
	assert.Eventually(t, func() bool {
		st, err := h.o.Status(context.Background())
		return err == nil && st.PendingMotion == 3
	}, wait, 5*time.Millisecond)
	assert.Equal(t, 1, h.sessions())

	first.complete(clearSweep(2))
	assert.Contains(t, h.reply(), "complete")
	assert.Contains(t, h.reply(), "Motion detected. Starting drone inspection")
	h.runner()
	assert.Equal(t, 2, h.sessions())
}

func TestLandingTimeoutLatchesFault(t *testing.T) {
	h := newHarness(t, Config{})
	h.model.push(callStart, nil)
	h.say("inspect the room")
	h.reply()
	r := h.runner()

	r.fail(drone.LandingTimeout)
	msg := h.reply()
	assert.True(t, strings.HasPrefix(msg, "WARNING: drone state unknown"))
	assert.True(t, <-h.faults)
	assert.True(t, h.o.Fatal())
	assert.Equal(t, entities.LEDOff, h.led.last(), "no verdict after a landing fault")

	h.notifier.mu.Lock()
	assert.Len(t, h.notifier.faults, 1)
	assert.Empty(t, h.notifier.verdicts)
	h.notifier.mu.Unlock()

	h.model.push(callStart, nil)
	h.say("inspect again")
	assert.Contains(t, h.reply(), "disabled until the landing fault is acknowledged")
	assert.Equal(t, 1, h.sessions())

	h.motion()
	assert.Contains(t, h.reply(), "Motion detected, but drone inspections are disabled")

	was, err := h.o.AcknowledgeFault(context.Background())
	require.NoError(t, err)
	assert.True(t, was)
	assert.Contains(t, h.reply(), "Fault acknowledged")
	assert.False(t, <-h.faults)
	assert.False(t, h.o.Fatal())

	was, err = h.o.AcknowledgeFault(context.Background())
	require.NoError(t, err)
	assert.False(t, was)
}

func TestPatternTimeoutLeavesIndicator(t *testing.T) {
	h := newHarness(t, Config{})
	h.model.push(callStart, nil)
	h.say("inspect the room")
	h.reply()
	r := h.runner()

	r.fail(drone.PatternTimeout)
	msg := h.reply()
	assert.Contains(t, msg, "failed (timed out)")
	assert.Contains(t, msg, "indicator is unchanged")
	assert.False(t, h.o.Fatal())
	assert.Equal(t, entities.LEDOff, h.led.last())
}

func TestInferenceFailureApologises(t *testing.T) {
	h := newHarness(t, Config{})
	h.model.push("", errors.New("connection refused"))
	h.say("hello")
	assert.Equal(t, apology, h.reply())

	h.say("are you there")
	assert.Equal(t, "echo: are you there", h.reply())
}

func TestStartInspectionHiddenWithoutKeyword(t *testing.T) {
	h := newHarness(t, Config{Keywords: []string{"inspect", "drone", "scan"}})
	h.model.push(callStart, nil)
	h.say("what a lovely morning")
	assert.Contains(t, h.reply(), "when you ask for one explicitly")
	assert.NotContains(t, h.model.lastCall().tools, entities.ToolStartInspection)
	assert.Contains(t, h.model.lastCall().tools, entities.ToolReportStatus)
	assert.Equal(t, 0, h.sessions())

	h.model.push(callStart, nil)
	h.say("please fly the DRONE")
	assert.Contains(t, h.reply(), "Starting drone inspection")
	assert.Contains(t, h.model.lastCall().tools, entities.ToolStartInspection)
}

var defaultKeywords = []string{"crazyflie", "drone", "fly", "inspect", "scan"}

func TestStartInspectionBusyBeatsKeywordGate(t *testing.T) {
	h := newHarness(t, Config{Keywords: defaultKeywords})
	h.model.push(callStart, nil)
	h.say("inspect the room")
	assert.Contains(t, h.reply(), "Starting drone inspection")
	r := h.runner()

	h.model.push(callStart, nil)
	h.say("do it again now")
	assert.NotContains(t, h.model.lastCall().tools, entities.ToolStartInspection)
	assert.Contains(t, h.reply(), "Busy: inspection session-")
	assert.Equal(t, 1, h.sessions())

	r.fail(drone.LandingTimeout)
	assert.Contains(t, h.reply(), "WARNING: drone state unknown")
	assert.True(t, <-h.faults)

	h.model.push(callStart, nil)
	h.say("go on then")
	assert.Contains(t, h.reply(), "disabled until the landing fault is acknowledged")
	assert.Equal(t, 1, h.sessions())
}

// latchFault flies one session into a landing timeout.
func latchFault(h *harness, ask string) {
	h.t.Helper()
	h.model.push(callStart, nil)
	h.say(ask)
	assert.Contains(h.t, h.reply(), "Starting drone inspection")
	h.runner().fail(drone.LandingTimeout)
	assert.Contains(h.t, h.reply(), "WARNING: drone state unknown")
	assert.True(h.t, <-h.faults)
}

func motionTurns(t *testing.T, o *Orchestrator) int {
	t.Helper()
	conv, err := o.Conversation(context.Background(), 0)
	require.NoError(t, err)
	n := 0
	for _, turn := range conv {
		if strings.HasPrefix(turn.Content, "EVENT: motion detected") {
			n++
		}
	}
	return n
}

func TestMotionRefusedOncePerFault(t *testing.T) {
	h := newHarness(t, Config{})
	latchFault(h, "inspect the room")

	h.motion()
	assert.Contains(t, h.reply(), "Motion detected, but drone inspections are disabled")
	h.motion()
	h.motion()
	assert.Never(t, func() bool { return len(h.replies) > 0 }, 200*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, 1, motionTurns(t, h.o))

	_, err := h.o.AcknowledgeFault(context.Background())
	require.NoError(t, err)
	assert.Contains(t, h.reply(), "Fault acknowledged")
	assert.False(t, <-h.faults)

	h.motion()
	assert.Equal(t, MotionQuestion, h.reply())
	latchFault(h, "yes")

	h.motion()
	assert.Contains(t, h.reply(), "Motion detected, but drone inspections are disabled")
	assert.Equal(t, 3, motionTurns(t, h.o))
}

func TestNoneCallWithoutMessageIsNotEchoed(t *testing.T) {
	h := newHarness(t, Config{})
	h.model.push(`{"call":"none"}`, nil)
	h.say("thanks")
	assert.Equal(t, "(no reply)", h.reply())
}

func TestReportStatusAndReset(t *testing.T) {
	h := newHarness(t, Config{})
	h.model.push(callStatus, nil)
	h.say("how is the room")
	got := h.reply()
	assert.Contains(t, got, "SYSTEM STATUS")
	assert.Contains(t, got, "22.0°C")
	assert.Contains(t, got, "NOT DETECTED")
	assert.Contains(t, got, "drone:")

	h.model.push(callReset, nil)
	h.say("turn the light off")
	assert.Equal(t, "Indicator reset. The LED is off.", h.reply())
	assert.Equal(t, entities.LEDOff, h.led.last())
}

func TestWindowCarriesStatusAndBoundedHistory(t *testing.T) {
	h := newHarness(t, Config{HistoryTurns: 3})
	for i := 0; i < 4; i++ {
		h.say(fmt.Sprintf("message %d", i))
		h.reply()
	}
	w := h.model.lastCall().window
	require.Len(t, w, 4)
	assert.Equal(t, entities.RoleSystem, w[0].Role)
	assert.Contains(t, w[0].Content, "STATUS:")
	assert.Contains(t, w[0].Content, "temperature=22.0°C")
	assert.Contains(t, w[0].Content, "LED=OFF Drone=idle")
	assert.Equal(t, "message 3", w[3].Content)
}

func TestUtterancesAnsweredInOrder(t *testing.T) {
	h := newHarness(t, Config{})
	h.model.delay = 20 * time.Millisecond
	for _, s := range []string{"one", "two", "three"} {
		h.say(s)
	}
	assert.Equal(t, "echo: one", h.reply())
	assert.Equal(t, "echo: two", h.reply())
	assert.Equal(t, "echo: three", h.reply())

	h.model.mu.Lock()
	assert.Equal(t, 1, h.model.maxAlive)
	h.model.mu.Unlock()

	turns, err := h.o.Conversation(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "three", turns[0].Content)
}

func TestShutdownWaitsForLanding(t *testing.T) {
	h := newHarness(t, Config{ShutdownGrace: time.Second})
	h.mu.Lock()
	h.landing = 50 * time.Millisecond
	h.mu.Unlock()
	h.model.push(callStart, nil)
	h.say("inspect the room")
	h.reply()
	r := h.runner()

	h.cancel()
	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(wait):
		t.Fatal("Run did not return")
	}
	assert.True(t, r.isFinished())
	assert.ErrorIs(t, h.o.Submit(context.Background(), "late"), ErrStopped)
	_, err := h.o.Status(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
	h.done <- nil
}

func TestNewRejectsUnknownPolicy(t *testing.T) {
	_, err := New(Config{TriggerPolicy: "sometimes"}, Deps{
		Sensors:    &fakeSensors{},
		Model:      &scriptModel{},
		Router:     router.New(nil, nil),
		Evaluator:  evaluator.New(evaluator.Config{}),
		LED:        &fakeLED{},
		NewSession: func(func(drone.Transition)) Runner { return nil },
	}, nil)
	assert.Error(t, err)

	_, err = New(Config{}, Deps{}, nil)
	assert.Error(t, err)
}
