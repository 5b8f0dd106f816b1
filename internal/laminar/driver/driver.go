package driver

import (
	"context"
	"fmt"
	"syscall"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/armadaproject/laminar/internal/common/laminarerrors"
	"github.com/armadaproject/laminar/internal/common/logging"
	"github.com/armadaproject/laminar/internal/laminar/configuration"
	"github.com/armadaproject/laminar/internal/laminar/layout"
	"github.com/armadaproject/laminar/internal/laminar/node"
	"github.com/armadaproject/laminar/internal/laminar/run"
	"github.com/armadaproject/laminar/internal/laminar/runset"
)

// ErrStopped is returned by calls made after Run has returned.
var ErrStopped = errors.New("driver is not running")

// Home is the job configuration the driver needs. *layout.Home implements it.
type Home interface {
	run.Resolver
	Root() string
	JobExists(job string) bool
	JobConfig(job string) (layout.JobConfig, error)
	LastBuildNumber(job string) (uint, error)
	LoadNodes() ([]*node.Node, error)
}

// Driver queues runs, assigns them to nodes and steps them through their scripts.
//
// All state is owned by the goroutine executing Run. Public methods hand a closure to that
// goroutine and wait for it to be executed, so no locking is needed anywhere.
type Driver struct {
	config   configuration.Configuration
	home     Home
	launcher run.Launcher
	// Used for all timing decisions. Injected here so that we can mock out for testing
	clock   clock.Clock
	metrics *metrics

	nodes []*node.Node
	// Runs waiting for a free executor, in the order they were queued
	queue []*run.Run
	// Runs assigned to a node and not yet completed
	active *runset.RunSet
	// Waiters of queued and active runs, by run id
	trackers map[string]*tracker
	// RunStatus of completed runs, by run id
	history     *lru.Cache
	buildNums   map[string]uint
	lastResults map[string]run.RunState

	events  chan func()
	stopped chan struct{}
}

func NewDriver(
	config configuration.Configuration,
	home Home,
	launcher run.Launcher,
	clk clock.Clock,
	registerer prometheus.Registerer,
) (*Driver, error) {
	nodes, err := home.LoadNodes()
	if err != nil {
		return nil, err
	}
	active, err := runset.NewRunSet()
	if err != nil {
		return nil, err
	}
	history, err := lru.New(config.HistorySize)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Driver{
		config:      config,
		home:        home,
		launcher:    launcher,
		clock:       clk,
		metrics:     newMetrics(registerer),
		nodes:       nodes,
		active:      active,
		trackers:    make(map[string]*tracker),
		history:     history,
		buildNums:   make(map[string]uint),
		lastResults: make(map[string]run.RunState),
		events:      make(chan func()),
		stopped:     make(chan struct{}),
	}, nil
}

// Run executes the event loop until ctx is cancelled. On the way out every run is aborted and the
// scripts still executing are sent SIGTERM.
func (d *Driver) Run(ctx context.Context) error {
	defer close(d.stopped)
	log.Infof("Driver started with %d node(s)", len(d.nodes))
	for {
		d.assignQueuedRuns()
		d.metrics.setQueueSizes(len(d.queue), d.active.Len())
		select {
		case <-ctx.Done():
			d.shutdown()
			return nil
		case f := <-d.events:
			f()
		}
	}
}

// Queue adds a run of the job to the end of the queue.
func (d *Driver) Queue(ctx context.Context, name string, params run.ParamMap) (QueuedRun, error) {
	if !d.home.JobExists(name) {
		return QueuedRun{}, errors.WithStack(&laminarerrors.ErrNotFound{Type: "job", Value: name})
	}
	var queued QueuedRun
	err := d.post(ctx, func() {
		r := run.NewRun(name, params, d.home.Root(), d.launcher, d.clock)
		d.queue = append(d.queue, r)
		d.trackers[r.Id()] = newTracker(r)
		queued = QueuedRun{Id: r.Id(), Name: name}
		log.WithField("job", name).WithField("id", r.Id()).Info("Queued run")
	})
	return queued, err
}

// Abort aborts a queued or active run. Queued runs complete at once; active runs continue with
// the scripts that run on abort after the executing script has exited.
func (d *Driver) Abort(ctx context.Context, id string) error {
	var found bool
	err := d.post(ctx, func() {
		found = d.abortById(id)
	})
	if err != nil {
		return err
	}
	if !found {
		return errors.WithStack(&laminarerrors.ErrNotFound{Type: "run", Value: id})
	}
	return nil
}

// AbortBuild aborts the active run with the given job name and build number.
func (d *Driver) AbortBuild(ctx context.Context, name string, build uint) error {
	var found bool
	err := d.post(ctx, func() {
		if r := d.active.ByNameNumber(name, build); r != nil {
			found = true
			d.abort(r, true)
		}
	})
	if err != nil {
		return err
	}
	if !found {
		return errors.WithStack(&laminarerrors.ErrNotFound{Type: "run", Value: fmt.Sprintf("%s:%d", name, build)})
	}
	return nil
}

// AbortAll aborts every queued and active run and returns how many there were.
func (d *Driver) AbortAll(ctx context.Context) (int, error) {
	var n int
	err := d.post(ctx, func() {
		for _, r := range d.queue {
			d.abortQueued(r, false)
			n++
		}
		d.queue = nil
		for _, r := range d.active.ByStartedAt() {
			d.abort(r, true)
			n++
		}
	})
	return n, err
}

// WaitStarted blocks until the run has been assigned and launched its first script, or has
// completed without doing so.
func (d *Driver) WaitStarted(ctx context.Context, id string) (RunStatus, error) {
	t, status, err := d.lookup(ctx, id)
	if err != nil || t == nil {
		return status, err
	}
	select {
	case <-t.started:
		return t.startStatus, nil
	case <-ctx.Done():
		return RunStatus{}, errors.WithStack(ctx.Err())
	case <-d.stopped:
		return RunStatus{}, errors.WithStack(ErrStopped)
	}
}

// WaitFinished blocks until the run has completed.
func (d *Driver) WaitFinished(ctx context.Context, id string) (RunStatus, error) {
	t, status, err := d.lookup(ctx, id)
	if err != nil || t == nil {
		return status, err
	}
	select {
	case <-t.finished:
		return t.finalStatus, nil
	case <-ctx.Done():
		return RunStatus{}, errors.WithStack(ctx.Err())
	case <-d.stopped:
		return RunStatus{}, errors.WithStack(ErrStopped)
	}
}

// Status returns the current state of a queued, active or recently completed run.
func (d *Driver) Status(ctx context.Context, id string) (RunStatus, error) {
	var status RunStatus
	var found bool
	err := d.post(ctx, func() {
		if t, ok := d.trackers[id]; ok {
			status, found = statusOf(t.run), true
			return
		}
		status, found = d.fromHistory(id)
	})
	if err != nil {
		return RunStatus{}, err
	}
	if !found {
		return RunStatus{}, errors.WithStack(&laminarerrors.ErrNotFound{Type: "run", Value: id})
	}
	return status, nil
}

// BuildStatus returns the state of an active or recently completed build of a job.
func (d *Driver) BuildStatus(ctx context.Context, name string, build uint) (RunStatus, error) {
	var status RunStatus
	var found bool
	err := d.post(ctx, func() {
		if r := d.active.ByNameNumber(name, build); r != nil {
			status, found = statusOf(r), true
			return
		}
		for _, key := range d.history.Keys() {
			if s, ok := d.fromHistory(key.(string)); ok && s.Name == name && s.Build == build {
				status, found = s, true
				return
			}
		}
	})
	if err != nil {
		return RunStatus{}, err
	}
	if !found {
		return RunStatus{}, errors.WithStack(&laminarerrors.ErrNotFound{Type: "run", Value: fmt.Sprintf("%s:%d", name, build)})
	}
	return status, nil
}

// Running returns the active runs, oldest first.
func (d *Driver) Running(ctx context.Context) ([]RunStatus, error) {
	var statuses []RunStatus
	err := d.post(ctx, func() {
		for _, r := range d.active.ByStartedAt() {
			statuses = append(statuses, statusOf(r))
		}
	})
	return statuses, err
}

// Queued returns the runs waiting for an executor, in queue order.
func (d *Driver) Queued(ctx context.Context) ([]RunStatus, error) {
	var statuses []RunStatus
	err := d.post(ctx, func() {
		for _, r := range d.queue {
			statuses = append(statuses, statusOf(r))
		}
	})
	return statuses, err
}

// Jobs returns the names of the jobs that have an active run.
func (d *Driver) Jobs(ctx context.Context) ([]string, error) {
	var jobs []string
	err := d.post(ctx, func() {
		jobs = d.active.Jobs()
	})
	return jobs, err
}

// post executes f on the loop goroutine and waits for it to return.
func (d *Driver) post(ctx context.Context, f func()) error {
	done := make(chan struct{})
	select {
	case d.events <- func() { f(); close(done) }:
	case <-d.stopped:
		return errors.WithStack(ErrStopped)
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}
	<-done
	return nil
}

// enqueue hands f to the loop without waiting. It is dropped if the loop has stopped.
func (d *Driver) enqueue(f func()) {
	select {
	case d.events <- f:
	case <-d.stopped:
	}
}

func (d *Driver) lookup(ctx context.Context, id string) (*tracker, RunStatus, error) {
	var t *tracker
	var status RunStatus
	var found bool
	err := d.post(ctx, func() {
		if t = d.trackers[id]; t != nil {
			found = true
			return
		}
		status, found = d.fromHistory(id)
	})
	if err != nil {
		return nil, RunStatus{}, err
	}
	if !found {
		return nil, RunStatus{}, errors.WithStack(&laminarerrors.ErrNotFound{Type: "run", Value: id})
	}
	return t, status, nil
}

func (d *Driver) fromHistory(id string) (RunStatus, bool) {
	v, ok := d.history.Peek(id)
	if !ok {
		return RunStatus{}, false
	}
	return v.(RunStatus), true
}

// assignQueuedRuns starts every queued run for which a node has a free executor.
func (d *Driver) assignQueuedRuns() {
	remaining := d.queue[:0]
	for _, r := range d.queue {
		conf, err := d.home.JobConfig(r.Name())
		if err != nil {
			logging.WithStacktrace(log.WithField("job", r.Name()), err).Error("Could not read job configuration")
			r.AddReason(err.Error())
			d.completeUnstarted(r)
			continue
		}
		nd := d.freeNode(conf.Tags)
		if nd == nil {
			remaining = append(remaining, r)
			continue
		}
		d.start(r, nd)
	}
	for i := len(remaining); i < len(d.queue); i++ {
		d.queue[i] = nil
	}
	d.queue = remaining
}

func (d *Driver) freeNode(tags []string) *node.Node {
	for _, nd := range d.nodes {
		if nd.CanQueue(tags) && nd.Available() {
			return nd
		}
	}
	return nil
}

func (d *Driver) start(r *run.Run, nd *node.Node) {
	logger := log.WithField("job", r.Name()).WithField("node", nd.Name)
	build, err := d.nextBuildNumber(r.Name())
	if err != nil {
		logging.WithStacktrace(logger, err).Error("Could not determine build number")
		r.AddReason(err.Error())
		d.completeUnstarted(r)
		return
	}
	nd.Acquire()
	r.SetLastResult(d.lastResult(r.Name()))
	if !r.Configure(build, nd, d.home) {
		nd.Release()
		d.completeUnstarted(r)
		return
	}
	d.buildNums[r.Name()] = build
	if err := d.active.Insert(r); err != nil {
		logging.WithStacktrace(logger, err).Error("Could not register run")
		r.AddReason(err.Error())
		r.Abort(false)
		d.step(r)
		return
	}
	logger.WithField("build", build).Info("Starting run")
	d.armTimeout(r)
	d.step(r)
}

func (d *Driver) nextBuildNumber(name string) (uint, error) {
	last, ok := d.buildNums[name]
	if !ok {
		var err error
		last, err = d.home.LastBuildNumber(name)
		if err != nil {
			return 0, err
		}
		d.buildNums[name] = last
	}
	return last + 1, nil
}

func (d *Driver) lastResult(name string) run.RunState {
	if s, ok := d.lastResults[name]; ok {
		return s
	}
	return run.Unknown
}

// step advances r and arranges for the loop to hear about the exit of whatever it launched.
func (d *Driver) step(r *run.Run) {
	finished := r.Step()
	select {
	case <-r.WhenStarted():
		if d.active.Contains(r) {
			if err := d.active.Refresh(r); err != nil {
				logging.WithStacktrace(log.WithField("job", r.Name()), err).Error("Could not refresh run")
			}
		}
		if t, ok := d.trackers[r.Id()]; ok {
			t.markStarted()
		}
	default:
	}
	if finished {
		d.finish(r)
		return
	}
	if p := r.Process(); p != nil {
		go d.watch(r, p)
	}
}

func (d *Driver) watch(r *run.Run, p run.Process) {
	status := <-p.Exited()
	d.enqueue(func() {
		if r.Process() != p {
			return
		}
		r.Reaped(status)
		d.step(r)
	})
}

// completeUnstarted completes a run that will never be given a node.
func (d *Driver) completeUnstarted(r *run.Run) {
	if !r.Step() {
		log.WithField("job", r.Name()).Error("Run without a node did not complete")
		return
	}
	d.finish(r)
}

func (d *Driver) finish(r *run.Run) {
	state := <-r.WhenFinished()
	if nd := r.Node(); nd != nil {
		nd.Release()
	}
	d.active.Remove(r)
	if r.Build() > 0 {
		d.lastResults[r.Name()] = state
	}

	status := statusOf(r)
	d.history.Add(r.Id(), status)
	if t, ok := d.trackers[r.Id()]; ok {
		t.markFinished(status)
		delete(d.trackers, r.Id())
	}
	d.metrics.recordCompleted(status)
	log.WithFields(log.Fields{
		"job":    r.Name(),
		"build":  r.Build(),
		"result": state,
		"reason": r.Reason(),
	}).Info("Run completed")
}

func (d *Driver) abortById(id string) bool {
	for i, r := range d.queue {
		if r.Id() == id {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			d.abortQueued(r, true)
			return true
		}
	}
	if r := d.active.ByRunId(id); r != nil {
		d.abort(r, true)
		return true
	}
	return false
}

func (d *Driver) abortQueued(r *run.Run, respectRunOnAbort bool) {
	r.Abort(respectRunOnAbort)
	d.completeUnstarted(r)
}

// abort stops r after the executing script. The script is sent SIGTERM, and SIGKILL once the
// grace period has passed.
func (d *Driver) abort(r *run.Run, respectRunOnAbort bool) {
	r.Abort(respectRunOnAbort)
	p := r.Process()
	if p == nil {
		d.step(r)
		return
	}
	logger := log.WithField("job", r.Name()).WithField("build", r.Build()).WithField("pid", p.Pid())
	logger.Info("Terminating script of aborted run")
	if err := p.Signal(syscall.SIGTERM); err != nil {
		logging.WithStacktrace(logger, err).Warn("Could not signal script")
	}
	if d.config.AbortGracePeriod > 0 {
		d.after(r, d.config.AbortGracePeriod, func() {
			if r.Process() != p {
				return
			}
			logger.Warn("Script did not exit after SIGTERM, killing it")
			if err := p.Signal(syscall.SIGKILL); err != nil {
				logging.WithStacktrace(logger, err).Warn("Could not kill script")
			}
		})
	}
}

func (d *Driver) armTimeout(r *run.Run) {
	if r.Timeout() <= 0 {
		return
	}
	timeout := time.Duration(r.Timeout()) * time.Second
	d.after(r, timeout, func() {
		// a failed run still drains its remaining scripts and stays subject to the timeout
		if r.Completed() || r.Result() == run.Aborted {
			return
		}
		log.WithField("job", r.Name()).WithField("build", r.Build()).Warnf("Run timed out after %s", timeout)
		r.AddReason(fmt.Sprintf("timed out after %s", timeout))
		d.abort(r, true)
	})
}

// after executes f on the loop once duration has passed, unless r finishes first.
func (d *Driver) after(r *run.Run, duration time.Duration, f func()) {
	t, ok := d.trackers[r.Id()]
	if !ok {
		return
	}
	timer := d.clock.NewTimer(duration)
	go func() {
		select {
		case <-timer.C():
			d.enqueue(f)
		case <-t.finished:
			timer.Stop()
		case <-d.stopped:
			timer.Stop()
		}
	}()
}

func (d *Driver) shutdown() {
	log.Infof("Driver stopping, aborting %d queued and %d active run(s)", len(d.queue), d.active.Len())
	for _, r := range d.queue {
		d.abortQueued(r, false)
	}
	d.queue = nil
	for _, r := range d.active.ByStartedAt() {
		r.Abort(false)
		p := r.Process()
		if p == nil {
			d.step(r)
			continue
		}
		if err := p.Signal(syscall.SIGTERM); err != nil {
			logging.WithStacktrace(log.WithField("job", r.Name()), err).Warn("Could not signal script")
		}
	}
}
