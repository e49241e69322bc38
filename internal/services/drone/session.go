package drone

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/smart_inspection/internal/model/entities"
)

const (
	DefaultTimeout         = 60 * time.Second
	DefaultLandingGrace    = 10 * time.Second
	DefaultSampleInterval  = 300 * time.Millisecond
	DefaultSampleTimeout   = time.Second
	DefaultSafetyDistanceM = 0.15
	DefaultMaxDeckMisses   = 3
	DefaultHeightM         = 0.5
	DefaultStepDeg         = 45
)

// Config bounds one flight.
type Config struct {
	Pattern         entities.ScanPattern
	SampleInterval  time.Duration // settle time after each step before reading the deck
	SampleTimeout   time.Duration // per deck read
	SafetyDistanceM float64       // any closer reading aborts the scan
	LandingGrace    time.Duration // budget for land + disconnect
	MaxDeckMisses   int           // consecutive failed reads treated as deck silence
}

func (c Config) withDefaults() Config {
	if len(c.Pattern.Steps) == 0 {
		h := c.Pattern.HeightM
		if h <= 0 {
			h = DefaultHeightM
		}
		c.Pattern = entities.RotationPattern(h, DefaultStepDeg)
	}
	if c.Pattern.HeightM <= 0 {
		c.Pattern.HeightM = DefaultHeightM
	}
	if c.SampleInterval < 0 {
		c.SampleInterval = 0
	}
	if c.SampleTimeout <= 0 {
		c.SampleTimeout = DefaultSampleTimeout
	}
	if c.SafetyDistanceM <= 0 {
		c.SafetyDistanceM = DefaultSafetyDistanceM
	}
	if c.LandingGrace <= 0 {
		c.LandingGrace = DefaultLandingGrace
	}
	if c.MaxDeckMisses <= 0 {
		c.MaxDeckMisses = DefaultMaxDeckMisses
	}
	return c
}

// Transition is reported to observers on every state change.
type Transition struct {
	SessionID string
	From, To  entities.SessionState
	At        time.Time
}

// Result is returned by Run on every path. Sweep may be partial on failure.
type Result struct {
	SessionID   string
	State       entities.SessionState
	Sweep       entities.RangingSweep
	Aborted     bool
	AbortReason string
	StartedAt   time.Time
	EndedAt     time.Time
}

type Option func(*Session)

func WithLogger(l *zap.Logger) Option { return func(s *Session) { s.log = l } }

// WithObserver registers a callback invoked synchronously on each transition. It must not block.
func WithObserver(fn func(Transition)) Option { return func(s *Session) { s.observer = fn } }

// Session is one inspection flight. It runs at most once.
type Session struct {
	id       string
	cfg      Config
	link     FlightControllable
	deck     RangingDeck
	log      *zap.Logger
	observer func(Transition)

	mu    sync.Mutex
	state entities.SessionState
	used  bool
}

func NewSession(link FlightControllable, deck RangingDeck, cfg Config, opts ...Option) *Session {
	s := &Session{
		id:    uuid.NewString(),
		cfg:   cfg.withDefaults(),
		link:  link,
		deck:  deck,
		log:   zap.NewNop(),
		state: entities.SessionIdle,
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With(zap.String("session_id", s.id))
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() entities.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) transition(to entities.SessionState) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	s.log.Info("session transition", zap.String("from", string(from)), zap.String("to", string(to)))
	if s.observer != nil {
		s.observer(Transition{SessionID: s.id, From: from, To: to, At: time.Now()})
	}
}

type scanOutcome int

const (
	scanDone scanOutcome = iota
	scanAborted
	scanTimedOut
	scanFault
)

// Run flies the pattern. It returns within timeout plus the landing grace and
// always issues land/disconnect before returning. A non-nil error is a *SessionError
// (or ErrSessionUsed).
func (s *Session) Run(ctx context.Context, timeout time.Duration) (Result, error) {
	s.mu.Lock()
	if s.used {
		st := s.state
		s.mu.Unlock()
		return Result{SessionID: s.id, State: st}, ErrSessionUsed
	}
	s.used = true
	s.mu.Unlock()

	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	res := Result{SessionID: s.id, StartedAt: time.Now()}
	flightCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.transition(entities.SessionConnecting)
	if err := call(flightCtx, s.link.Connect); err != nil {
		s.release()
		return s.finish(res, entities.SessionFailed), &SessionError{Kind: LinkFailure, Err: fmt.Errorf("connect: %w", err)}
	}

	s.transition(entities.SessionScanning)
	outcome, scanErr := s.scan(flightCtx, &res)

	s.transition(entities.SessionLanding)
	if err := s.land(); err != nil {
		return s.finish(res, entities.SessionFailed), &SessionError{Kind: LandingTimeout, Err: errors.Join(err, scanErr)}
	}

	switch outcome {
	case scanTimedOut:
		return s.finish(res, entities.SessionFailed), &SessionError{Kind: PatternTimeout, Err: scanErr}
	case scanFault:
		return s.finish(res, entities.SessionFailed), &SessionError{Kind: LinkFailure, Err: scanErr}
	default:
		return s.finish(res, entities.SessionCompleted), nil
	}
}

func (s *Session) finish(res Result, st entities.SessionState) Result {
	s.transition(st)
	res.State = st
	res.EndedAt = time.Now()
	return res
}

func (s *Session) scan(ctx context.Context, res *Result) (scanOutcome, error) {
	classify := func(what string, err error) (scanOutcome, error) {
		if ctx.Err() != nil {
			return scanTimedOut, fmt.Errorf("%s: %w", what, ctx.Err())
		}
		return scanFault, fmt.Errorf("%s: %w", what, err)
	}

	height := s.cfg.Pattern.HeightM
	if err := call(ctx, func(c context.Context) error { return s.link.Takeoff(c, height) }); err != nil {
		return classify("takeoff", err)
	}

	misses := 0
	var lastMiss error
	for _, step := range s.cfg.Pattern.Steps {
		step := step
		if err := call(ctx, func(c context.Context) error { return s.link.ExecutePattern(c, step) }); err != nil {
			return classify(fmt.Sprintf("pattern step %d", step.Index), err)
		}
		if err := sleep(ctx, s.cfg.SampleInterval); err != nil {
			return classify("settle", err)
		}

		frame, err := s.sample(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return classify("sample", err)
			}
			misses++
			lastMiss = err
			s.log.Warn("ranging deck miss", zap.Int("step", step.Index), zap.Int("misses", misses), zap.Error(err))
			if misses >= s.cfg.MaxDeckMisses {
				return scanFault, fmt.Errorf("ranging deck silent for %d reads: %w", misses, err)
			}
			continue
		}
		misses = 0
		lastMiss = nil

		for _, dir := range entities.Directions {
			smp := entities.RangingSample{Step: step.Index, Direction: dir, DistanceM: frame[dir]}
			res.Sweep = append(res.Sweep, smp)
			if smp.Valid() && smp.DistanceM < s.cfg.SafetyDistanceM && !res.Aborted {
				res.Aborted = true
				res.AbortReason = fmt.Sprintf("%s reading %.2f m below safety distance %.2f m", dir, smp.DistanceM, s.cfg.SafetyDistanceM)
			}
		}
		if res.Aborted {
			s.log.Warn("scan aborted", zap.String("reason", res.AbortReason))
			return scanAborted, nil
		}
	}
	// A short pattern can end before MaxDeckMisses is reached.
	if len(res.Sweep) == 0 {
		return scanFault, errors.Join(fmt.Errorf("no complete ranging frame in %d steps", len(s.cfg.Pattern.Steps)), lastMiss)
	}
	if lastMiss != nil && !errors.Is(lastMiss, errIncompleteFrame) {
		return scanFault, fmt.Errorf("ranging deck silent for the last %d reads: %w", misses, lastMiss)
	}
	return scanDone, nil
}

var errIncompleteFrame = errors.New("incomplete ranging frame")

// sample reads the deck once. Frames missing a direction are dropped.
func (s *Session) sample(ctx context.Context) (map[entities.Direction]float64, error) {
	sctx, cancel := context.WithTimeout(ctx, s.cfg.SampleTimeout)
	defer cancel()
	var frame map[entities.Direction]float64
	err := call(sctx, func(c context.Context) error {
		f, err := s.deck.Sample(c)
		frame = f
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, dir := range entities.Directions {
		if _, ok := frame[dir]; !ok {
			return nil, fmt.Errorf("%w: missing %s", errIncompleteFrame, dir)
		}
	}
	return frame, nil
}

// land issues Land then Disconnect under a budget detached from the flight
// context, so cancellation still lands the drone.
func (s *Session) land() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.LandingGrace)
	defer cancel()

	if err := call(ctx, s.link.Land); err != nil {
		s.log.Error("landing not confirmed", zap.Duration("grace", s.cfg.LandingGrace), zap.Error(err))
		s.disconnectAsync()
		return fmt.Errorf("land: %w", err)
	}
	if err := call(ctx, s.link.Disconnect); err != nil {
		s.log.Warn("disconnect after landing failed", zap.Error(err))
	}
	return nil
}

// release frees a partially opened link after a failed connect.
func (s *Session) release() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.LandingGrace)
	defer cancel()
	if err := call(ctx, s.link.Disconnect); err != nil {
		s.log.Debug("release after failed connect", zap.Error(err))
	}
}

func (s *Session) disconnectAsync() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.LandingGrace)
		defer cancel()
		_ = s.link.Disconnect(ctx)
	}()
}

// call runs fn and returns as soon as either fn or ctx finishes. fn keeps
// running in the background if it ignores ctx; its result is discarded.
func call(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
