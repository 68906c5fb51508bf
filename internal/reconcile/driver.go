// Package reconcile schedules reconciliation passes.
//
// The Driver is a debounce state machine: Idle -> Accumulating on a frame
// arrival, Accumulating -> Reconciling once no frame has arrived for the
// quiescence window or on an explicit trigger, Reconciling -> Idle when the
// pass completes. Passes never overlap and always run to completion; only the
// debounce timer is cancellable.
package reconcile

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hpungsan/attrscope/internal/logging"
	"github.com/hpungsan/attrscope/internal/session"
)

// Phase is the driver state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAccumulating
	PhaseReconciling
)

func (p Phase) String() string {
	switch p {
	case PhaseAccumulating:
		return "accumulating"
	case PhaseReconciling:
		return "reconciling"
	default:
		return "idle"
	}
}

// DefaultQuiescence is the debounce window used when none is configured.
const DefaultQuiescence = 3 * time.Second

// Reconciler runs one full pass.
type Reconciler interface {
	Reconcile(ctx context.Context) (*session.State, error)
}

// Listener receives the state of every completed pass, changed or not.
type Listener func(*session.State)

type passResult struct {
	state *session.State
	err   error
}

// Driver owns the debounce timer and serializes passes. Run must be running
// for Trigger to complete.
type Driver struct {
	rec        Reconciler
	quiescence time.Duration
	log        *zap.Logger

	arrivals chan struct{}
	triggers chan chan passResult

	mu        sync.Mutex
	phase     Phase
	last      *session.State
	listeners map[int]Listener
	nextID    int
}

// New creates a driver. A non-positive quiescence selects DefaultQuiescence.
func New(rec Reconciler, quiescence time.Duration, log *zap.Logger) *Driver {
	if quiescence <= 0 {
		quiescence = DefaultQuiescence
	}
	return &Driver{
		rec:        rec,
		quiescence: quiescence,
		log:        logging.OrNop(log),
		arrivals:   make(chan struct{}, 1),
		triggers:   make(chan chan passResult),
		listeners:  map[int]Listener{},
	}
}

// Notify records a frame arrival. It never blocks; arrivals coalesce.
func (d *Driver) Notify() {
	select {
	case d.arrivals <- struct{}{}:
	default:
	}
}

// Trigger forces a pass and waits for its result. A pass already in flight
// finishes first. ctx bounds only the wait; the pass itself is not cancelled.
func (d *Driver) Trigger(ctx context.Context) (*session.State, error) {
	done := make(chan passResult, 1)
	select {
	case d.triggers <- done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-done:
		return r.state, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe registers l for every completed pass and returns a function that
// removes it.
func (d *Driver) Subscribe(l Listener) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID
	d.nextID++
	d.listeners[id] = l

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.listeners, id)
			d.mu.Unlock()
		})
	}
}

// Phase returns the current driver state.
func (d *Driver) Phase() Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phase
}

// Last returns the state of the most recent successful pass, or nil.
func (d *Driver) Last() *session.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

func (d *Driver) setPhase(p Phase) {
	d.mu.Lock()
	d.phase = p
	d.mu.Unlock()
}

// Run drives passes until ctx is cancelled.
func (d *Driver) Run(ctx context.Context) error {
	timer := time.NewTimer(d.quiescence)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false

	disarm := func() {
		if armed && !timer.Stop() {
			<-timer.C
		}
		armed = false
	}

	for {
		select {
		case <-ctx.Done():
			disarm()
			return nil

		case <-d.arrivals:
			disarm()
			timer.Reset(d.quiescence)
			armed = true
			d.setPhase(PhaseAccumulating)

		case <-timer.C:
			armed = false
			d.pass(ctx, nil)

		case done := <-d.triggers:
			disarm()
			d.pass(ctx, done)
		}
	}
}

func (d *Driver) pass(ctx context.Context, done chan passResult) {
	d.setPhase(PhaseReconciling)
	st, err := d.rec.Reconcile(ctx)

	d.mu.Lock()
	if err == nil {
		d.last = st
	}
	listeners := make([]Listener, 0, len(d.listeners))
	for _, l := range d.listeners {
		listeners = append(listeners, l)
	}
	d.phase = PhaseIdle
	d.mu.Unlock()

	if err != nil {
		d.log.Error("reconciliation pass failed", zap.Error(err))
	} else {
		for _, l := range listeners {
			l(st)
		}
	}

	if done != nil {
		done <- passResult{state: st, err: err}
	}
}
