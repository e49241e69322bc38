package simulator

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeonardoBeccarini/smart_inspection/internal/model/entities"
	"github.com/LeonardoBeccarini/smart_inspection/internal/services/drone"
	"github.com/LeonardoBeccarini/smart_inspection/internal/services/evaluator"
)

func TestRoomDistancesFromCentre(t *testing.T) {
	d := DefaultRoom().Distances(2, 2.5, 0.5, 0)
	assert.InDelta(t, 2.0, d[entities.Front], 1e-9)
	assert.InDelta(t, 2.0, d[entities.Back], 1e-9)
	assert.InDelta(t, 2.5, d[entities.Left], 1e-9)
	assert.InDelta(t, 2.5, d[entities.Right], 1e-9)
	assert.InDelta(t, 2.0, d[entities.Up], 1e-9)

	turned := DefaultRoom().Distances(2, 2.5, 0.5, 90)
	assert.InDelta(t, 2.5, turned[entities.Front], 1e-9)
	assert.InDelta(t, 2.0, turned[entities.Right], 1e-9)
}

func TestRoomObstacleAndRange(t *testing.T) {
	r := DefaultRoom()
	r.Obstacles = []Obstacle{{X: 3, Y: 2.5, RadiusM: 0.5}}
	d := r.Distances(2, 2.5, 0.5, 0)
	assert.InDelta(t, 0.5, d[entities.Front], 1e-9)
	assert.InDelta(t, 2.0, d[entities.Back], 1e-9)

	inside := r.Distances(3, 2.5, 0.5, 0)
	assert.Zero(t, inside[entities.Front])

	wide := Room{WidthM: 10, DepthM: 2, HeightM: 2.5, MaxRangeM: 4}
	far := wide.Distances(1, 1, 0.5, 0)
	assert.True(t, math.IsInf(far[entities.Front], 1))
	assert.InDelta(t, 1.0, far[entities.Back], 1e-9)
}

func TestSimDroneFlight(t *testing.T) {
	ctx := context.Background()
	d := NewSimDrone(DefaultRoom(), 2, 2.5)

	assert.ErrorIs(t, d.Takeoff(ctx, 0.5), ErrNotConnected)
	_, err := d.Sample(ctx)
	assert.ErrorIs(t, err, ErrNotAirborne)

	require.NoError(t, d.Connect(ctx))
	require.NoError(t, d.Takeoff(ctx, 0.5))
	assert.True(t, d.Airborne())
	require.NoError(t, d.ExecutePattern(ctx, entities.ScanStep{Index: 0, YawDeg: 90}))
	assert.Equal(t, 90.0, d.Yaw())

	frame, err := d.Sample(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 2.5, frame[entities.Front], 1e-9)

	require.NoError(t, d.Land(ctx))
	require.NoError(t, d.Disconnect(ctx))
	assert.False(t, d.Airborne())
}

func TestSimDroneFaults(t *testing.T) {
	ctx := context.Background()

	noRadio := NewSimDrone(DefaultRoom(), 2, 2.5).WithFaults(Faults{FailConnect: true, DropAtStep: -1, DeckSilentAfter: -1})
	assert.ErrorIs(t, noRadio.Connect(ctx), ErrNoRadio)

	drop := NewSimDrone(DefaultRoom(), 2, 2.5).WithFaults(Faults{DropAtStep: 1, DeckSilentAfter: -1})
	require.NoError(t, drop.Connect(ctx))
	require.NoError(t, drop.Takeoff(ctx, 0.5))
	require.NoError(t, drop.ExecutePattern(ctx, entities.ScanStep{Index: 0, YawDeg: 45}))
	assert.ErrorIs(t, drop.ExecutePattern(ctx, entities.ScanStep{Index: 1, YawDeg: 45}), ErrLinkLost)

	silent := NewSimDrone(DefaultRoom(), 2, 2.5).WithFaults(Faults{DropAtStep: -1, DeckSilentAfter: 0})
	require.NoError(t, silent.Connect(ctx))
	require.NoError(t, silent.Takeoff(ctx, 0.5))
	sctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err := silent.Sample(sctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	hang := NewSimDrone(DefaultRoom(), 2, 2.5).WithFaults(Faults{DropAtStep: -1, DeckSilentAfter: -1, LandHang: true})
	lctx, lcancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer lcancel()
	assert.ErrorIs(t, hang.Land(lctx), context.DeadlineExceeded)
}

func TestSimDroneNoiseStaysNonNegative(t *testing.T) {
	r := DefaultRoom()
	r.Obstacles = []Obstacle{{X: 2.05, Y: 2.5, RadiusM: 0.04}}
	d := NewSimDrone(r, 2, 2.5).WithNoise(0.05, 7)
	ctx := context.Background()
	require.NoError(t, d.Connect(ctx))
	require.NoError(t, d.Takeoff(ctx, 0.5))
	for i := 0; i < 50; i++ {
		frame, err := d.Sample(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, frame[entities.Front], 0.0)
	}
}

func TestAmbientModelSetAndDrift(t *testing.T) {
	m := NewAmbientModel(3)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	m.Set(entities.SourceTemperature, 35)
	v, ok := m.Read(entities.SourceTemperature)
	require.True(t, ok)
	assert.Equal(t, 35.0, v)

	now = now.Add(10 * time.Minute)
	v, ok = m.Read(entities.SourceTemperature)
	require.True(t, ok)
	assert.InDelta(t, 35.0, v, 10*tempDriftPerMin)

	h, _ := m.Read(entities.SourceHumidity)
	assert.GreaterOrEqual(t, h, 0.0)
	assert.LessOrEqual(t, h, 100.0)

	_, ok = m.Read(entities.SourceMotion)
	assert.False(t, ok)
}

func TestMotionSchedule(t *testing.T) {
	stop := make(chan struct{})
	events := make(chan entities.MotionEvent, 8)
	go MotionSchedule{Interval: 5 * time.Millisecond}.Run(stop, func(ev entities.MotionEvent) { events <- ev })

	select {
	case ev := <-events:
		assert.True(t, ev.Active)
	case <-time.After(time.Second):
		t.Fatal("no motion event")
	}
	close(stop)

	idle := make(chan struct{})
	done := make(chan struct{})
	go func() {
		MotionSchedule{}.Run(idle, func(entities.MotionEvent) { t.Error("zero interval fired") })
		close(done)
	}()
	close(idle)
	<-done
}

func sessionConfig() drone.Config {
	return drone.Config{
		Pattern:        entities.RotationPattern(0.5, 90),
		SampleInterval: time.Millisecond,
		SampleTimeout:  100 * time.Millisecond,
		LandingGrace:   100 * time.Millisecond,
	}
}

func TestSessionOverSimDrone(t *testing.T) {
	d := NewSimDrone(DefaultRoom(), 2, 2.5)
	res, err := drone.NewSession(d, d, sessionConfig()).Run(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, entities.SessionCompleted, res.State)
	assert.False(t, res.Aborted)
	assert.NotEmpty(t, res.Sweep)
	assert.False(t, d.Airborne())

	v := evaluator.New(evaluator.Config{ClearanceM: 0.5}).Evaluate(res.Sweep, nil)
	assert.False(t, v.Anomalous, v.Reason)
}

func TestSessionFindsObstacle(t *testing.T) {
	r := DefaultRoom()
	r.Obstacles = []Obstacle{{X: 2.4, Y: 2.5, RadiusM: 0.1}}
	d := NewSimDrone(r, 2, 2.5)
	res, err := drone.NewSession(d, d, sessionConfig()).Run(context.Background(), 5*time.Second)
	require.NoError(t, err)

	v := evaluator.New(evaluator.Config{ClearanceM: 0.5}).Evaluate(res.Sweep, nil)
	assert.True(t, v.Anomalous)
	assert.Contains(t, v.Reason, "front")
}

func TestSessionLandHangIsFatal(t *testing.T) {
	d := NewSimDrone(DefaultRoom(), 2, 2.5).WithFaults(Faults{DropAtStep: -1, DeckSilentAfter: -1, LandHang: true})
	start := time.Now()
	_, err := drone.NewSession(d, d, sessionConfig()).Run(context.Background(), 5*time.Second)
	require.Error(t, err)
	assert.True(t, drone.IsFatal(err))
	assert.Less(t, time.Since(start), 2*time.Second)

	var se *drone.SessionError
	assert.True(t, errors.As(err, &se))
}

func TestParseObstacle(t *testing.T) {
	o, err := ParseObstacle("2.4, 2.5,0.1")
	require.NoError(t, err)
	assert.Equal(t, Obstacle{X: 2.4, Y: 2.5, RadiusM: 0.1}, o)

	for _, bad := range []string{"", "1,2", "1,2,x", "1,2,0"} {
		_, err := ParseObstacle(bad)
		assert.Error(t, err, bad)
	}
}
