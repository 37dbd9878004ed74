package mplsim

// clock.go drives a simulation.  Every tick the Clock grants the step to each
// registered element, then runs the RunTick of every element on its own goroutine
// and waits for all of them before the next tick may begin.  Run hands the
// sequence of ticks to an evtm event manager so that simulation time advances in
// the virtual time of the event list.

import (
	"context"
	"sync"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
)

// ErrClockPaused is returned by Step on a paused clock
var ErrClockPaused = errors.New("clock is paused")

// TickListener is called at the start of every tick, before the elements receive it
type TickListener func(step, upperLimit int64)

// clockAction is something to do once the clock reaches an instant
type clockAction struct {
	at  int64
	seq int
	fn  func() error
}

// Clock delivers ticks to the elements registered with it
type Clock struct {
	mu        sync.Mutex
	step      int64
	instant   int64
	paused    bool
	elements  []TopologyElement
	listeners []TickListener
	actions   []clockAction
	nxtSeq    int
	ticks     int64
	logger    *zap.Logger
}

// CreateClock is a constructor for a clock advancing step ns per tick
func CreateClock(step int64, logger *zap.Logger) (*Clock, error) {
	if step <= 0 {
		return nil, errors.Errorf("clock step must be positive, got %d", step)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := new(Clock)
	clk.step = step
	clk.elements = make([]TopologyElement, 0)
	clk.listeners = make([]TickListener, 0)
	clk.actions = make([]clockAction, 0)
	clk.logger = logger.With(zap.String("element", "clock"))
	return clk, nil
}

// Register adds elements to those receiving ticks
func (clk *Clock) Register(elements ...TopologyElement) {
	clk.mu.Lock()
	defer clk.mu.Unlock()
	for _, elmt := range elements {
		if !slices.Contains(clk.elements, elmt) {
			clk.elements = append(clk.elements, elmt)
		}
	}
}

// Unregister stops delivering ticks to an element
func (clk *Clock) Unregister(elmt TopologyElement) {
	clk.mu.Lock()
	defer clk.mu.Unlock()
	if idx := slices.Index(clk.elements, elmt); idx > -1 {
		clk.elements = slices.Delete(clk.elements, idx, idx+1)
	}
}

// RegisterTopology registers every element of the topology, and refreshes its
// routes at the start of every tick
func (clk *Clock) RegisterTopology(topo *Topology) {
	clk.Register(topo.Elements()...)
	clk.AddTickListener(func(step, upperLimit int64) {
		topo.RefreshRoutes()
	})
}

// AddTickListener adds a function called at the start of every tick
func (clk *Clock) AddTickListener(listener TickListener) {
	clk.mu.Lock()
	defer clk.mu.Unlock()
	clk.listeners = append(clk.listeners, listener)
}

// ScheduleAction arranges for fn to run at the start of the first tick whose
// starting instant is at or beyond at.  Actions run in the order of their instants,
// and in the order they were scheduled for equal instants
func (clk *Clock) ScheduleAction(at int64, fn func() error) {
	clk.mu.Lock()
	defer clk.mu.Unlock()
	clk.actions = append(clk.actions, clockAction{at: at, seq: clk.nxtSeq, fn: fn})
	clk.nxtSeq += 1
	slices.SortFunc(clk.actions, func(a, b clockAction) int {
		if a.at != b.at {
			if a.at < b.at {
				return -1
			}
			return 1
		}
		return a.seq - b.seq
	})
}

// ClearActions drops every action not yet run
func (clk *Clock) ClearActions() {
	clk.mu.Lock()
	defer clk.mu.Unlock()
	clk.actions = clk.actions[:0]
}

// StepDuration returns the tick length, ns
func (clk *Clock) StepDuration() int64 {
	return clk.step
}

// Instant returns the upper limit of the last tick delivered
func (clk *Clock) Instant() int64 {
	clk.mu.Lock()
	defer clk.mu.Unlock()
	return clk.instant
}

// Ticks returns how many ticks have been delivered since the last reset
func (clk *Clock) Ticks() int64 {
	clk.mu.Lock()
	defer clk.mu.Unlock()
	return clk.ticks
}

// Pause stops the delivery of ticks
func (clk *Clock) Pause() {
	clk.mu.Lock()
	defer clk.mu.Unlock()
	clk.paused = true
}

// Resume lets ticks be delivered again
func (clk *Clock) Resume() {
	clk.mu.Lock()
	defer clk.mu.Unlock()
	clk.paused = false
}

// IsPaused reports whether the clock is paused
func (clk *Clock) IsPaused() bool {
	clk.mu.Lock()
	defer clk.mu.Unlock()
	return clk.paused
}

// Reset returns the clock and every registered element to the state before the
// first tick.  Actions already run are not scheduled again
func (clk *Clock) Reset() {
	clk.mu.Lock()
	elements := slices.Clone(clk.elements)
	clk.instant = 0
	clk.ticks = 0
	clk.paused = false
	clk.mu.Unlock()

	for _, elmt := range elements {
		elmt.Reset()
	}
}

// dueActions removes and returns the actions due before the tick starting at start
func (clk *Clock) dueActions(start int64) []clockAction {
	idx := 0
	for idx < len(clk.actions) && clk.actions[idx].at <= start {
		idx += 1
	}
	due := slices.Clone(clk.actions[:idx])
	clk.actions = slices.Delete(clk.actions, 0, idx)
	return due
}

// Step delivers one tick and returns when every element has finished it.  The
// first error returned by an element is returned
func (clk *Clock) Step() error {
	clk.mu.Lock()
	if clk.paused {
		clk.mu.Unlock()
		return ErrClockPaused
	}
	start := clk.instant
	upper := start + clk.step
	step := clk.step
	due := clk.dueActions(start)
	elements := slices.Clone(clk.elements)
	listeners := slices.Clone(clk.listeners)
	clk.mu.Unlock()

	for _, act := range due {
		if err := act.fn(); err != nil {
			return errors.Wrapf(err, "action scheduled at %d", act.at)
		}
	}
	for _, listener := range listeners {
		listener(step, upper)
	}
	// an action may have taken elements out of the topology
	elements = slices.DeleteFunc(elements, func(elmt TopologyElement) bool {
		return !elmt.IsAlive()
	})
	for _, elmt := range elements {
		elmt.ReceiveTick(step, upper)
	}

	var grp errgroup.Group
	for _, elmt := range elements {
		grp.Go(elmt.RunTick)
	}
	err := grp.Wait()

	clk.mu.Lock()
	clk.instant = upper
	clk.ticks += 1
	clk.mu.Unlock()

	if err != nil {
		clk.logger.Error("tick failed", zap.Int64("instant", upper), zap.Error(err))
		return err
	}
	return nil
}

// runState is the context of the event that delivers a tick
type runState struct {
	ctx   context.Context
	clk   *Clock
	limit int64
	err   error
}

// clockTick is the event handler that delivers one tick and schedules the next
func clockTick(evtMgr *evtm.EventManager, cxt any, data any) any {
	rs := cxt.(*runState)
	if err := rs.ctx.Err(); err != nil {
		rs.err = err
		return nil
	}
	if rs.clk.IsPaused() {
		return nil
	}
	if err := rs.clk.Step(); err != nil {
		if !errors.Is(err, ErrClockPaused) {
			rs.err = err
		}
		return nil
	}
	if rs.clk.Instant()+rs.clk.step <= rs.limit {
		evtMgr.Schedule(rs, nil, clockTick, vrtime.SecondsToTime(nsToSeconds(rs.clk.step)))
	}
	return nil
}

// nsToSeconds converts a duration in ns to the seconds of virtual time
func nsToSeconds(ns int64) float64 {
	return float64(ns) / 1e9
}

// Run delivers ticks until the next one would pass limit ns, the clock is paused,
// ctx is done or an element fails
func (clk *Clock) Run(ctx context.Context, limit int64) error {
	if clk.Instant()+clk.step > limit {
		return nil
	}
	rs := &runState{ctx: ctx, clk: clk, limit: limit}
	evtMgr := evtm.New()
	evtMgr.Schedule(rs, nil, clockTick, vrtime.SecondsToTime(0.0))
	evtMgr.Run(nsToSeconds(limit + clk.step))

	clk.logger.Info("run finished", zap.Int64("instant", clk.Instant()), zap.Int64("ticks", clk.Ticks()))
	return rs.err
}
