// Package daemon runs the rule loop: reload rules, gather records, propose or
// perform actions, then run whatever the operator approved.
package daemon

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sbenjam1n/steward/internal/activity"
	"github.com/sbenjam1n/steward/internal/dispatch"
	"github.com/sbenjam1n/steward/internal/pending"
	"github.com/sbenjam1n/steward/internal/source"
)

// State is the loop's lifecycle state.
type State int

const (
	Idle State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// Publisher receives a copy of every logged entry and queued proposal.
type Publisher interface {
	PublishEntry(ctx context.Context, tick string, e activity.Entry) (string, error)
	PublishProposal(ctx context.Context, tick string, a pending.Action) (string, error)
}

// Options wires a Daemon to its collaborators.
type Options struct {
	Interval       time.Duration
	RulePaths      []string
	ActivityWindow time.Duration
	DedupeWindow   time.Duration

	// Actions are the configured bindings. Rule-document bindings are
	// appended after them on every tick.
	Actions *dispatch.Registry
	Tools   map[string]string
	Runner  dispatch.Runner

	Log       *activity.Log
	Queue     *pending.Store
	Sources   []source.Source
	Publisher Publisher
	Logger    *zap.Logger
}

// Daemon is the timer-driven rule loop. Ticks never overlap: the loop runs
// them on its own goroutine and RunOnce shares the same lock.
type Daemon struct {
	opts Options
	log  *zap.Logger
	now  func() time.Time

	tickMu sync.Mutex

	mu      sync.Mutex
	state   State
	stopCh  chan struct{}
	doneCh  chan struct{}
	trigger chan struct{}
}

func New(opts Options) *Daemon {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Actions == nil {
		opts.Actions = dispatch.NewRegistry()
	}
	if opts.Runner == nil {
		opts.Runner = &dispatch.ShellRunner{}
	}
	if opts.ActivityWindow > 0 && opts.Log != nil {
		opts.Sources = append([]source.Source{source.NewActivity(opts.Log, opts.ActivityWindow)}, opts.Sources...)
	}
	return &Daemon{
		opts:    opts,
		log:     opts.Logger,
		now:     time.Now,
		trigger: make(chan struct{}, 1),
	}
}

// State reports the lifecycle state.
func (d *Daemon) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Start launches the loop: one tick immediately, then one per interval.
// Starting a running daemon only logs a notice.
func (d *Daemon) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == Running {
		d.log.Info("daemon already running")
		return
	}
	d.state = Running
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	go d.run(ctx, d.stopCh, d.doneCh)
	d.log.Info("daemon started", zap.Duration("interval", d.opts.Interval))
}

// Stop prevents further ticks and waits for an in-flight tick to finish.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if d.state != Running {
		d.mu.Unlock()
		return
	}
	d.state = Stopped
	stopCh, doneCh := d.stopCh, d.doneCh
	d.mu.Unlock()

	close(stopCh)
	<-doneCh
	d.log.Info("daemon stopped")
}

// Done is closed when the current loop goroutine exits.
func (d *Daemon) Done() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.doneCh == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return d.doneCh
}

// Trigger asks the loop for an early tick. Requests made while one is
// already pending are merged.
func (d *Daemon) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

func (d *Daemon) run(ctx context.Context, stopCh <-chan struct{}, doneCh chan struct{}) {
	defer close(doneCh)
	defer func() {
		d.mu.Lock()
		d.state = Stopped
		d.mu.Unlock()
	}()

	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()

	d.runTick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			d.runTick(ctx)
		case <-d.trigger:
			d.runTick(ctx)
		}
	}
}

func (d *Daemon) runTick(ctx context.Context) {
	// an in-flight tick is never cut short by Stop or cancellation
	rep, err := d.RunOnce(context.WithoutCancel(ctx))
	if err != nil {
		d.log.Error("tick failed", zap.String("tick", rep.Tick), zap.Error(err))
		return
	}
	rep.log(d.log)
}
