package driver

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/armadaproject/laminar/internal/common/laminarerrors"
	"github.com/armadaproject/laminar/internal/laminar/configuration"
	"github.com/armadaproject/laminar/internal/laminar/layout"
	"github.com/armadaproject/laminar/internal/laminar/node"
	"github.com/armadaproject/laminar/internal/laminar/run"
)

const testTimeout = 5 * time.Second

type fakeProcess struct {
	pid    int
	script string
	exited chan int
	once   sync.Once
	mu     sync.Mutex
	sigs   []os.Signal
}

func (p *fakeProcess) Pid() int           { return p.pid }
func (p *fakeProcess) Exited() <-chan int { return p.exited }

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.sigs = append(p.sigs, sig)
	p.mu.Unlock()
	p.exit(128 + int(sig.(syscall.Signal)))
	return nil
}

func (p *fakeProcess) exit(status int) {
	p.once.Do(func() { p.exited <- status })
}

func (p *fakeProcess) signals() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]os.Signal(nil), p.sigs...)
}

// fakeLauncher exits scripts at once with the status configured for their base name, except for
// the ones marked as hanging, which exit only when signalled.
type fakeLauncher struct {
	mu        sync.Mutex
	statuses  map[string]int
	hanging   map[string]bool
	commands  []*run.Command
	processes []*fakeProcess
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{statuses: map[string]int{}, hanging: map[string]bool{}}
}

func (l *fakeLauncher) Launch(cmd *run.Command) (run.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	script := filepath.Base(cmd.Path)
	p := &fakeProcess{pid: 1000 + len(l.processes), script: script, exited: make(chan int, 1)}
	l.commands = append(l.commands, cmd)
	l.processes = append(l.processes, p)
	if !l.hanging[script] {
		p.exit(l.statuses[script])
	}
	return p, nil
}

func (l *fakeLauncher) launched() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var scripts []string
	for _, p := range l.processes {
		scripts = append(scripts, p.script)
	}
	return scripts
}

func (l *fakeLauncher) process(script string) *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.processes {
		if p.script == script {
			return p
		}
	}
	return nil
}

func (l *fakeLauncher) command(i int) *run.Command {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.commands[i]
}

// fakeHome resolves every job to <job>.before, <job>.run and <job>.after.
type fakeHome struct {
	mu        sync.Mutex
	jobs      map[string]layout.JobConfig
	lastBuild map[string]uint
	nodes     []*node.Node
	broken    map[string]bool
}

func newFakeHome(jobs ...string) *fakeHome {
	h := &fakeHome{
		jobs:      map[string]layout.JobConfig{},
		lastBuild: map[string]uint{},
		nodes:     []*node.Node{node.NewNode("", 2, nil)},
		broken:    map[string]bool{},
	}
	for _, job := range jobs {
		h.jobs[job] = layout.JobConfig{}
	}
	return h
}

func (h *fakeHome) Root() string { return "/laminar" }

func (h *fakeHome) JobExists(job string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.jobs[job]
	return ok
}

func (h *fakeHome) JobConfig(job string) (layout.JobConfig, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.jobs[job], nil
}

func (h *fakeHome) LastBuildNumber(job string) (uint, error) {
	return h.lastBuild[job], nil
}

func (h *fakeHome) LoadNodes() ([]*node.Node, error) {
	return h.nodes, nil
}

func (h *fakeHome) Resolve(job string, build uint, _ string) (*run.JobLayout, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.broken[job] {
		return nil, errors.New("cannot create working directory")
	}
	return &run.JobLayout{
		Scripts: []run.Script{
			{Path: "/laminar/cfg/jobs/" + job + ".before"},
			{Path: "/laminar/cfg/jobs/" + job + ".run"},
			{Path: "/laminar/cfg/jobs/" + job + ".after", RunOnAbort: true},
		},
		Timeout: h.jobs[job].Timeout,
	}, nil
}

func testConfig() configuration.Configuration {
	return configuration.Configuration{
		Home:             "/laminar",
		HistorySize:      10,
		AbortGracePeriod: 0,
	}
}

func startDriver(t *testing.T, home Home, launcher run.Launcher, clk clock.Clock) *Driver {
	d, err := NewDriver(testConfig(), home, launcher, clk, prometheus.NewRegistry())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return d
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

func queueAndWait(t *testing.T, d *Driver, job string, params run.ParamMap) RunStatus {
	ctx := testContext(t)
	queued, err := d.Queue(ctx, job, params)
	require.NoError(t, err)
	status, err := d.WaitFinished(ctx, queued.Id)
	require.NoError(t, err)
	return status
}

func TestQueue_Success(t *testing.T) {
	launcher := newFakeLauncher()
	d := startDriver(t, newFakeHome("build-x"), launcher, clock.RealClock{})

	status := queueAndWait(t, d, "build-x", run.ParamMap{"FOO": "bar"})
	assert.Equal(t, run.Success, status.Result)
	assert.Equal(t, uint(1), status.Build)
	assert.False(t, status.StartedAt.IsZero())
	assert.False(t, status.FinishedAt.IsZero())
	assert.Equal(t, []string{"build-x.before", "build-x.run", "build-x.after"}, launcher.launched())
	assert.Contains(t, launcher.command(0).Env, "FOO=bar")
	assert.Contains(t, launcher.command(0).Env, "RUN=1")

	ctx := testContext(t)
	fromHistory, err := d.BuildStatus(ctx, "build-x", 1)
	require.NoError(t, err)
	assert.Equal(t, status, fromHistory)

	again, err := d.WaitFinished(ctx, status.Id)
	require.NoError(t, err)
	assert.Equal(t, status, again)

	running, err := d.Running(ctx)
	require.NoError(t, err)
	assert.Empty(t, running)
}

func TestQueue_UnknownJob(t *testing.T) {
	d := startDriver(t, newFakeHome(), newFakeLauncher(), clock.RealClock{})
	_, err := d.Queue(testContext(t), "missing", nil)
	assert.True(t, laminarerrors.IsNotFound(err), "expected ErrNotFound, got %v", err)
}

func TestQueue_FailedScript(t *testing.T) {
	launcher := newFakeLauncher()
	launcher.statuses["build-x.run"] = 2
	d := startDriver(t, newFakeHome("build-x"), launcher, clock.RealClock{})

	status := queueAndWait(t, d, "build-x", nil)
	assert.Equal(t, run.Failed, status.Result)
	assert.Contains(t, status.Reason, "exit status 2")
	// after scripts still run
	assert.Equal(t, []string{"build-x.before", "build-x.run", "build-x.after"}, launcher.launched())
	assert.Contains(t, launcher.command(2).Env, "RESULT=failed")
}

func TestQueue_BuildNumbers(t *testing.T) {
	home := newFakeHome("build-x", "other")
	home.lastBuild["build-x"] = 41
	d := startDriver(t, home, newFakeLauncher(), clock.RealClock{})

	assert.Equal(t, uint(42), queueAndWait(t, d, "build-x", nil).Build)
	assert.Equal(t, uint(43), queueAndWait(t, d, "build-x", nil).Build)
	assert.Equal(t, uint(1), queueAndWait(t, d, "other", nil).Build)
}

func TestQueue_LastResult(t *testing.T) {
	launcher := newFakeLauncher()
	launcher.statuses["build-x.run"] = 1
	d := startDriver(t, newFakeHome("build-x"), launcher, clock.RealClock{})

	queueAndWait(t, d, "build-x", nil)
	queueAndWait(t, d, "build-x", nil)
	assert.Contains(t, launcher.command(0).Env, "LAST_RESULT=unknown")
	assert.Contains(t, launcher.command(3).Env, "LAST_RESULT=failed")
}

func TestQueue_ConfigureFailure(t *testing.T) {
	home := newFakeHome("broken", "build-x")
	home.broken["broken"] = true
	launcher := newFakeLauncher()
	d := startDriver(t, home, launcher, clock.RealClock{})

	status := queueAndWait(t, d, "broken", nil)
	assert.Equal(t, run.Failed, status.Result)
	assert.Equal(t, uint(0), status.Build)
	assert.Contains(t, status.Reason, "never configured")
	assert.Empty(t, launcher.launched())

	// the build number was not used up and the executor was released
	home.mu.Lock()
	home.broken["broken"] = false
	home.mu.Unlock()
	assert.Equal(t, uint(1), queueAndWait(t, d, "broken", nil).Build)
}

func TestQueue_WaitsForFreeExecutor(t *testing.T) {
	home := newFakeHome("build-x")
	home.nodes = []*node.Node{node.NewNode("only", 1, nil)}
	launcher := newFakeLauncher()
	launcher.hanging["build-x.run"] = true
	d := startDriver(t, home, launcher, clock.RealClock{})
	ctx := testContext(t)

	first, err := d.Queue(ctx, "build-x", nil)
	require.NoError(t, err)
	second, err := d.Queue(ctx, "build-x", nil)
	require.NoError(t, err)

	started, err := d.WaitStarted(ctx, first.Id)
	require.NoError(t, err)
	assert.Equal(t, "only", started.Node)

	require.Eventually(t, func() bool { return launcher.process("build-x.run") != nil }, testTimeout, time.Millisecond)
	queued, err := d.Queued(ctx)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, second.Id, queued[0].Id)

	running, err := d.Running(ctx)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, first.Id, running[0].Id)

	jobs, err := d.Jobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"build-x"}, jobs)

	launcher.mu.Lock()
	launcher.hanging["build-x.run"] = false
	launcher.mu.Unlock()
	launcher.process("build-x.run").exit(0)

	status, err := d.WaitFinished(ctx, second.Id)
	require.NoError(t, err)
	assert.Equal(t, run.Success, status.Result)
	assert.Equal(t, uint(2), status.Build)
}

func TestQueue_NodeTags(t *testing.T) {
	home := newFakeHome("tagged", "plain")
	home.jobs["tagged"] = layout.JobConfig{Tags: []string{"arm"}}
	home.nodes = []*node.Node{
		node.NewNode("x86", 1, nil),
		node.NewNode("arm", 1, []string{"arm"}),
	}
	d := startDriver(t, home, newFakeLauncher(), clock.RealClock{})

	assert.Equal(t, "arm", queueAndWait(t, d, "tagged", nil).Node)
	assert.Equal(t, "x86", queueAndWait(t, d, "plain", nil).Node)
}

func TestAbort_ActiveRun(t *testing.T) {
	launcher := newFakeLauncher()
	launcher.hanging["build-x.run"] = true
	d := startDriver(t, newFakeHome("build-x"), launcher, clock.RealClock{})
	ctx := testContext(t)

	queued, err := d.Queue(ctx, "build-x", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return launcher.process("build-x.run") != nil }, testTimeout, time.Millisecond)

	require.NoError(t, d.AbortBuild(ctx, "build-x", 1))
	status, err := d.WaitFinished(ctx, queued.Id)
	require.NoError(t, err)

	assert.Equal(t, run.Aborted, status.Result)
	assert.Equal(t, []os.Signal{syscall.SIGTERM}, launcher.process("build-x.run").signals())
	// the after script runs on abort
	assert.Equal(t, []string{"build-x.before", "build-x.run", "build-x.after"}, launcher.launched())
	assert.Contains(t, launcher.command(2).Env, "RESULT=aborted")
}

func TestAbort_QueuedRun(t *testing.T) {
	home := newFakeHome("build-x")
	home.nodes = []*node.Node{node.NewNode("only", 1, nil)}
	launcher := newFakeLauncher()
	launcher.hanging["build-x.run"] = true
	d := startDriver(t, home, launcher, clock.RealClock{})
	ctx := testContext(t)

	_, err := d.Queue(ctx, "build-x", nil)
	require.NoError(t, err)
	second, err := d.Queue(ctx, "build-x", nil)
	require.NoError(t, err)

	require.NoError(t, d.Abort(ctx, second.Id))
	status, err := d.WaitFinished(ctx, second.Id)
	require.NoError(t, err)
	assert.Equal(t, run.Aborted, status.Result)
	assert.Equal(t, uint(0), status.Build)

	started, err := d.WaitStarted(ctx, second.Id)
	require.NoError(t, err)
	assert.Equal(t, run.Aborted, started.Result)
}

func TestAbort_Unknown(t *testing.T) {
	d := startDriver(t, newFakeHome(), newFakeLauncher(), clock.RealClock{})
	ctx := testContext(t)
	assert.True(t, laminarerrors.IsNotFound(d.Abort(ctx, "nope")))
	assert.True(t, laminarerrors.IsNotFound(d.AbortBuild(ctx, "build-x", 1)))

	_, err := d.Status(ctx, "nope")
	assert.True(t, laminarerrors.IsNotFound(err))
	_, err = d.WaitFinished(ctx, "nope")
	assert.True(t, laminarerrors.IsNotFound(err))
}

func TestAbortAll(t *testing.T) {
	home := newFakeHome("build-x")
	home.nodes = []*node.Node{node.NewNode("only", 1, nil)}
	launcher := newFakeLauncher()
	launcher.hanging["build-x.run"] = true
	d := startDriver(t, home, launcher, clock.RealClock{})
	ctx := testContext(t)

	first, err := d.Queue(ctx, "build-x", nil)
	require.NoError(t, err)
	second, err := d.Queue(ctx, "build-x", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return launcher.process("build-x.run") != nil }, testTimeout, time.Millisecond)

	n, err := d.AbortAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	for _, id := range []string{first.Id, second.Id} {
		status, err := d.WaitFinished(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, run.Aborted, status.Result)
	}
}

func TestTimeout(t *testing.T) {
	home := newFakeHome("slow")
	home.jobs["slow"] = layout.JobConfig{Timeout: 30}
	launcher := newFakeLauncher()
	launcher.hanging["slow.run"] = true
	testClock := clocktesting.NewFakeClock(time.Date(2022, 10, 1, 12, 0, 0, 0, time.UTC))
	d := startDriver(t, home, launcher, testClock)
	ctx := testContext(t)

	queued, err := d.Queue(ctx, "slow", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return launcher.process("slow.run") != nil }, testTimeout, time.Millisecond)
	require.Eventually(t, testClock.HasWaiters, testTimeout, time.Millisecond)

	testClock.Step(29 * time.Second)
	assert.Empty(t, launcher.process("slow.run").signals())

	testClock.Step(time.Second)
	status, err := d.WaitFinished(ctx, queued.Id)
	require.NoError(t, err)
	assert.Equal(t, run.Aborted, status.Result)
	assert.Contains(t, status.Reason, "timed out after 30s")
	assert.Equal(t, 30*time.Second, status.Duration())
}

func TestTimeout_AfterFailedStep(t *testing.T) {
	home := newFakeHome("slow")
	home.jobs["slow"] = layout.JobConfig{Timeout: 30}
	launcher := newFakeLauncher()
	launcher.statuses["slow.before"] = 1
	launcher.hanging["slow.run"] = true
	testClock := clocktesting.NewFakeClock(time.Date(2022, 10, 1, 12, 0, 0, 0, time.UTC))
	d := startDriver(t, home, launcher, testClock)
	ctx := testContext(t)

	queued, err := d.Queue(ctx, "slow", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return launcher.process("slow.run") != nil }, testTimeout, time.Millisecond)
	require.Eventually(t, testClock.HasWaiters, testTimeout, time.Millisecond)

	testClock.Step(30 * time.Second)
	status, err := d.WaitFinished(ctx, queued.Id)
	require.NoError(t, err)
	assert.Equal(t, []os.Signal{syscall.SIGTERM}, launcher.process("slow.run").signals())
	assert.Equal(t, run.Failed, status.Result)
	assert.Contains(t, status.Reason, "step 1 (slow.before) failed with exit status 1")
	assert.Contains(t, status.Reason, "timed out after 30s")
	assert.Equal(t, []string{"slow.before", "slow.run", "slow.after"}, launcher.launched())
}

func TestMetrics(t *testing.T) {
	launcher := newFakeLauncher()
	d, err := NewDriver(testConfig(), newFakeHome("build-x"), launcher, clock.RealClock{}, prometheus.NewRegistry())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	queueAndWait(t, d, "build-x", nil)
	launcher.statuses["build-x.run"] = 1
	queueAndWait(t, d, "build-x", nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(d.metrics.completedRuns.WithLabelValues("build-x", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(d.metrics.completedRuns.WithLabelValues("build-x", "failed")))
}

func TestShutdown(t *testing.T) {
	launcher := newFakeLauncher()
	launcher.hanging["build-x.run"] = true
	d, err := NewDriver(testConfig(), newFakeHome("build-x"), launcher, clock.RealClock{}, prometheus.NewRegistry())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	waitCtx := testContext(t)
	queued, err := d.Queue(waitCtx, "build-x", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return launcher.process("build-x.run") != nil }, testTimeout, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []os.Signal{syscall.SIGTERM}, launcher.process("build-x.run").signals())

	_, err = d.WaitFinished(waitCtx, queued.Id)
	assert.True(t, errors.Is(err, ErrStopped))
	_, err = d.Queue(waitCtx, "build-x", nil)
	assert.True(t, errors.Is(err, ErrStopped))
}
