package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeonardoBeccarini/smart_inspection/internal/model/entities"
	"github.com/LeonardoBeccarini/smart_inspection/internal/model/messages"
	"github.com/LeonardoBeccarini/smart_inspection/pkg/broker"
	"github.com/LeonardoBeccarini/smart_inspection/pkg/broker/brokertest"
)

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics()
	m.SessionEnded("completed", 20*time.Second)
	m.SessionEnded("completed", 25*time.Second)
	m.SessionEnded("landing_timeout", 70*time.Second)
	m.ToolCall(entities.ToolStartInspection)
	m.InferenceFailure()
	m.SensorAbsent(entities.SourcePressure)
	m.LED(entities.LEDRed)
	m.Fatal(true)
	m.Ambient(entities.Ambient{entities.SourceTemperature: 23.5})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.sessions.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessions.WithLabelValues("landing_timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.toolCalls.WithLabelValues("start_inspection")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inferenceFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sensorAbsent.WithLabelValues("pressure")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.led))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fatal))
	assert.Equal(t, 23.5, testutil.ToFloat64(m.ambient.WithLabelValues("temperature")))

	m.Fatal(false)
	m.LED(entities.LEDOff)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.fatal))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.led))
}

func TestNilMetricsNoop(t *testing.T) {
	var m *Metrics
	m.SessionEnded("x", time.Second)
	m.ToolCall(entities.ToolNone)
	m.Fatal(true)
	assert.Nil(t, m.Registry())
}

func TestMetricsHandlerExposesNames(t *testing.T) {
	m := NewMetrics()
	m.ToolCall(entities.ToolReportStatus)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `inspection_tool_calls_total{name="report_status"} 1`)
}

type influxServer struct {
	mu     sync.Mutex
	bodies []string
	status int
}

func (s *influxServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.bodies = append(s.bodies, string(b))
	status := s.status
	s.mu.Unlock()
	if status >= 400 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"code":"invalid","message":"bad point"}`))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *influxServer) all() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.bodies, "\n")
}

func newSink(t *testing.T, srv *influxServer) (*InfluxSink, func()) {
	ts := httptest.NewServer(srv)
	opts := influxdb2.DefaultOptions().SetBatchSize(1).SetMaxRetries(0).SetFlushInterval(10)
	client := influxdb2.NewClientWithOptions(ts.URL, "token", opts)
	sink := NewInfluxSink(client.WriteAPI("org", "bucket"), "lab", nil)
	return sink, func() {
		client.Close()
		ts.Close()
	}
}

func TestInfluxSinkWritesAmbientPoint(t *testing.T) {
	srv := &influxServer{}
	sink, done := newSink(t, srv)
	defer done()

	sink.WriteAmbient(entities.Ambient{entities.SourceTemperature: 21.5, entities.SourceHumidity: 40}, time.Now())
	sink.WriteAmbient(entities.Ambient{}, time.Now())
	sink.Flush()

	assert.Eventually(t, func() bool { return strings.Contains(srv.all(), "room_ambient,room=lab") }, 2*time.Second, 10*time.Millisecond)
	body := srv.all()
	assert.Contains(t, body, "temperature=21.5")
	assert.Contains(t, body, "humidity=40")
	assert.NotContains(t, body, "pressure=")
	assert.EqualValues(t, 1, sink.Points())
	assert.Greater(t, sink.LastErrorAge(), time.Hour)
}

func TestInfluxSinkTracksWriteErrors(t *testing.T) {
	srv := &influxServer{status: http.StatusBadRequest}
	sink, done := newSink(t, srv)
	defer done()

	sink.WriteAmbient(entities.Ambient{entities.SourcePressure: 1000}, time.Now())
	sink.Flush()
	assert.Eventually(t, func() bool { return sink.LastErrorAge() < time.Minute }, 2*time.Second, 10*time.Millisecond)
}

// errorsOnlyAPI counts Errors calls; every other method is unused.
type errorsOnlyAPI struct {
	api.WriteAPI
	calls atomic.Int32
	errs  chan error
}

func (a *errorsOnlyAPI) Errors() <-chan error {
	a.calls.Add(1)
	return a.errs
}

func TestInfluxSinkTakesErrorChannelUpFront(t *testing.T) {
	w := &errorsOnlyAPI{errs: make(chan error, 1)}
	sink := NewInfluxSink(w, "lab", nil)
	assert.EqualValues(t, 1, w.calls.Load(), "Errors must be read before the sink is returned")

	w.errs <- assert.AnError
	assert.Eventually(t, func() bool { return sink.LastErrorAge() < time.Minute }, time.Second, 5*time.Millisecond)
	close(w.errs)
	assert.EqualValues(t, 1, w.calls.Load())
}

func TestAmbientPointSkipsMissing(t *testing.T) {
	p := AmbientPoint("lab", entities.Ambient{entities.SourcePressure: 1012.5}, time.Unix(0, 0))
	require.Len(t, p.FieldList(), 1)
	assert.Equal(t, "pressure", p.FieldList()[0].Key)
}

func TestEventPublisher(t *testing.T) {
	c := brokertest.NewClient()
	p := NewEventPublisher(broker.NewPublisher(c, 0), "inspection/events", nil)

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	p.Transition("s1", entities.SessionIdle, entities.SessionConnecting, at)
	p.Verdict("s1", entities.AnomalyVerdict{Anomalous: true, Reason: "front obstruction"}, entities.LEDRed)
	p.Fault("s1", "drone state unknown")

	msgs := c.Messages("inspection/events")
	require.Len(t, msgs, 3)
	var ev messages.InspectionEvent
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &ev))
	assert.Equal(t, messages.EventTransition, ev.Type)
	assert.Equal(t, entities.SessionConnecting, ev.To)
	assert.True(t, ev.Timestamp.Equal(at))

	require.NoError(t, json.Unmarshal(msgs[1].Payload, &ev))
	require.NotNil(t, ev.Verdict)
	assert.True(t, ev.Verdict.Anomalous)
	assert.Equal(t, entities.LEDRed, ev.LED)
	assert.False(t, ev.Timestamp.IsZero())

	var nilPub *EventPublisher
	nilPub.Fault("s2", "ignored")
}

type stubPoller struct {
	mu    sync.Mutex
	polls int
}

func (s *stubPoller) Poll(context.Context) entities.Snapshot {
	s.mu.Lock()
	s.polls++
	s.mu.Unlock()
	return entities.Snapshot{
		entities.SourceTemperature: {Source: entities.SourceTemperature, Value: 22.0},
		entities.SourceHumidity:    {Source: entities.SourceHumidity},
	}
}

func (s *stubPoller) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls
}

func TestAmbientReporterPollsOnTicker(t *testing.T) {
	hub := &stubPoller{}
	m := NewMetrics()
	r := NewAmbientReporter(hub, nil, m, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return hub.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, 22.0, testutil.ToFloat64(m.ambient.WithLabelValues("temperature")))
}
