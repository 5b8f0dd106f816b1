package run

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/armadaproject/laminar/internal/common/logging"
	"github.com/armadaproject/laminar/internal/laminar/node"
)

type ParamMap map[string]string

// Run is one execution of a job: a queue of scripts executed in order, and the result they add up to.
//
// A Run is not safe for concurrent use. Configure, Step, Abort and Reaped must all be called from the
// single loop that owns the Run; other goroutines may only wait on WhenStarted and WhenFinished.
// The one exception is the run log, which the launcher writes to from its own goroutine.
type Run struct {
	id          string
	name        string
	parentName  string
	parentBuild int
	build       uint
	node        *node.Node
	rootPath    string
	params      ParamMap
	timeout     int
	workingDir  string
	workspace   string
	archive     string

	result     RunState
	lastResult RunState
	configured bool
	begun      bool
	completed  bool
	// Number of scripts taken off the queue so far.
	steps   int
	current Script
	process Process
	scripts scriptQueue
	env     []string
	reasons []string

	output   *logBuffer
	launcher Launcher
	clock    clock.PassiveClock

	queuedAt   time.Time
	startedAt  time.Time
	finishedAt time.Time

	started  chan struct{}
	finished chan RunState
}

func NewRun(name string, params ParamMap, rootPath string, launcher Launcher, clk clock.PassiveClock) *Run {
	r := &Run{
		id:         uuid.NewString(),
		name:       name,
		rootPath:   rootPath,
		params:     make(ParamMap, len(params)),
		result:     Unknown,
		lastResult: Unknown,
		output:     &logBuffer{},
		launcher:   launcher,
		clock:      clk,
		queuedAt:   clk.Now(),
		started:    make(chan struct{}, 1),
		finished:   make(chan RunState, 1),
	}
	for k, v := range params {
		if !strings.HasPrefix(k, "=") {
			r.params[k] = v
			continue
		}
		switch k {
		case "=parentJob":
			r.parentName = v
		case "=parentBuild":
			build, err := strconv.Atoi(v)
			if err != nil {
				log.WithField("job", name).Warnf("Ignoring non-numeric parent build %q", v)
				continue
			}
			r.parentBuild = build
		case "=reason":
			if v != "" {
				r.reasons = append(r.reasons, v)
			}
		default:
			log.WithField("job", name).Errorf("Unknown internal job parameter %s", k)
		}
	}
	return r
}

// Configure binds the run to a build number and a node and loads its scripts.
// It returns false, leaving the run untouched, if the job cannot be resolved.
func (r *Run) Configure(buildNum uint, nd *node.Node, home Resolver) bool {
	logger := log.WithField("job", r.name).WithField("build", buildNum)
	if r.configured || r.result.IsTerminal() {
		logger.Errorf("Cannot configure a run in state %s", r.result)
		return false
	}
	if buildNum == 0 || nd == nil {
		logger.Error("Cannot configure a run without a build number and a node")
		return false
	}
	layout, err := home.Resolve(r.name, buildNum, nd.Name)
	if err != nil {
		logging.WithStacktrace(logger, err).Error("Could not configure run")
		return false
	}

	for _, script := range layout.Scripts {
		r.scripts.push(script)
	}
	r.env = slices.Clone(layout.EnvFiles)
	r.timeout = layout.Timeout
	r.workingDir = layout.WorkingDir
	r.workspace = layout.Workspace
	r.archive = layout.Archive
	r.build = buildNum
	r.node = nd
	r.configured = true
	r.result = Pending
	return true
}

// Step launches the next queued script. It returns true once there is nothing left to execute, at
// which point the run has reached its terminal state and WhenFinished has been fulfilled. While a
// script is still attached it launches nothing and returns false, even if the queue is empty.
func (r *Run) Step() bool {
	if r.completed {
		return true
	}
	if r.process != nil {
		log.WithField("job", r.name).WithField("build", r.build).
			Warnf("Step called while %s is still executing", r.current.Path)
		return false
	}
	for {
		script, ok := r.scripts.pop()
		if !ok {
			r.complete()
			return true
		}
		r.begin()
		r.steps++
		r.current = script
		err := r.launch(script)
		if err == nil {
			return false
		}
		logger := log.WithField("job", r.name).WithField("build", r.build).WithField("script", script.Path)
		logging.WithStacktrace(logger, err).Error("Failed to launch script")
		_, _ = fmt.Fprintf(r.output, "[laminar] Failed to execute %s: %s\n", script.Path, err)
		r.fail(fmt.Sprintf("step %d (%s) could not be started", r.steps, filepath.Base(script.Path)))
	}
}

// Abort stops the run from executing anything further, except scripts marked RunOnAbort if
// respectRunOnAbort is set. A script that is already executing is left to the caller to signal.
func (r *Run) Abort(respectRunOnAbort bool) {
	if !r.result.IsTerminal() {
		r.result = Aborted
		r.reasons = append(r.reasons, "aborted")
	}
	if respectRunOnAbort {
		r.scripts.filter(func(s Script) bool { return s.RunOnAbort })
	} else {
		r.scripts.clear()
	}
}

// Reaped records the exit status of the currently executing script.
func (r *Run) Reaped(status int) {
	if r.process == nil {
		log.WithField("job", r.name).WithField("build", r.build).Warn("Reaped called with no script executing")
		return
	}
	r.process = nil
	if status == 0 {
		return
	}
	_, _ = fmt.Fprintf(r.output, "[laminar] %s exited with status %d\n", r.current.Path, status)
	r.fail(fmt.Sprintf("step %d (%s) failed with exit status %d", r.steps, filepath.Base(r.current.Path), status))
}

// Reason explains how the run got to its current state.
func (r *Run) Reason() string {
	return strings.Join(r.reasons, "; ")
}

// AddReason appends to the explanation returned by Reason.
func (r *Run) AddReason(reason string) {
	r.reasons = append(r.reasons, reason)
}

// WhenStarted is fulfilled once, when the first script is launched.
// Only one receiver gets the signal; fan out to several waiters elsewhere.
func (r *Run) WhenStarted() <-chan struct{} {
	return r.started
}

// WhenFinished is fulfilled once with the terminal state, after the last Step.
// Only one receiver gets the value; fan out to several waiters elsewhere.
func (r *Run) WhenFinished() <-chan RunState {
	return r.finished
}

func (r *Run) begin() {
	if r.begun {
		return
	}
	r.begun = true
	r.startedAt = r.clock.Now()
	if r.result == Pending {
		r.result = Running
	}
	r.started <- struct{}{}
}

func (r *Run) complete() {
	r.completed = true
	if !r.result.IsTerminal() {
		if r.configured {
			r.result = Success
		} else {
			r.result = Failed
			r.reasons = append(r.reasons, "run was never configured")
		}
	}
	r.finishedAt = r.clock.Now()
	r.finished <- r.result
}

// fail downgrades the result. Failed and Aborted are never overwritten.
func (r *Run) fail(reason string) {
	if r.result.isFailure() {
		return
	}
	r.result = Failed
	r.reasons = append(r.reasons, reason)
}

func (r *Run) launch(script Script) error {
	if r.launcher == nil {
		return errors.New("run has no launcher")
	}
	_, _ = fmt.Fprintf(r.output, "[laminar] Executing %s\n", script.Path)
	p, err := r.launcher.Launch(&Command{
		Path:     script.Path,
		Cwd:      script.Cwd,
		EnvFiles: slices.Clone(r.env),
		Env:      r.environment(),
		Output:   r.output,
	})
	if err != nil {
		return err
	}
	r.process = p
	log.WithFields(log.Fields{
		"job":    r.name,
		"build":  r.build,
		"script": script.Path,
		"cwd":    script.Cwd,
		"pid":    p.Pid(),
	}).Info("Launched script")
	return nil
}

// environment is the inherited environment overlaid with the run's variables and parameters.
func (r *Run) environment() []string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	env["PATH"] = filepath.Join(r.rootPath, "cfg", "scripts") + string(os.PathListSeparator) + env["PATH"]
	env["RUN"] = strconv.FormatUint(uint64(r.build), 10)
	env["JOB"] = r.name
	if r.node != nil {
		env["NODE"] = r.node.Name
	}
	env["RESULT"] = r.provisionalResult().String()
	env["LAST_RESULT"] = r.lastResult.String()
	env["WORKSPACE"] = r.workspace
	env["ARCHIVE"] = r.archive
	if r.parentName != "" {
		env["PARENT_JOB"] = r.parentName
		env["PARENT_RUN"] = strconv.Itoa(r.parentBuild)
	}
	for k, v := range r.params {
		env[k] = v
	}

	keys := maps.Keys(env)
	slices.Sort(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// provisionalResult is what the run would end as if nothing else failed.
func (r *Run) provisionalResult() RunState {
	if r.result.isFailure() {
		return r.result
	}
	return Success
}

func (r *Run) Id() string           { return r.id }
func (r *Run) Name() string         { return r.name }
func (r *Run) ParentName() string   { return r.parentName }
func (r *Run) ParentBuild() int     { return r.parentBuild }
func (r *Run) Build() uint          { return r.build }
func (r *Run) Node() *node.Node     { return r.node }
func (r *Run) Result() RunState     { return r.result }
func (r *Run) LastResult() RunState { return r.lastResult }
func (r *Run) Timeout() int         { return r.timeout }
func (r *Run) WorkingDir() string   { return r.workingDir }
func (r *Run) QueuedAt() time.Time  { return r.queuedAt }

// StartedAt is zero until the first script is launched.
func (r *Run) StartedAt() time.Time { return r.startedAt }

// FinishedAt is zero until the run completes.
func (r *Run) FinishedAt() time.Time { return r.finishedAt }

// SetLastResult records the result of the job's previous build, passed to scripts as $LAST_RESULT.
func (r *Run) SetLastResult(s RunState) {
	r.lastResult = s
}

func (r *Run) Params() ParamMap {
	return maps.Clone(r.params)
}

// CurrentPid returns the pid of the executing script, if there is one.
func (r *Run) CurrentPid() (int, bool) {
	if r.process == nil {
		return 0, false
	}
	return r.process.Pid(), true
}

// Process returns the handle of the executing script, or nil.
func (r *Run) Process() Process {
	return r.process
}

func (r *Run) PendingScripts() []Script {
	return r.scripts.snapshot()
}

func (r *Run) Completed() bool {
	return r.completed
}

// Output is where scripts of this run write their stdout and stderr.
func (r *Run) Output() io.Writer {
	return r.output
}

// Log returns everything written to Output so far.
func (r *Run) Log() string {
	return r.output.String()
}

type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
