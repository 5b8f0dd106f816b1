package driver

import (
	"time"

	"github.com/armadaproject/laminar/internal/laminar/run"
)

// RunStatus is a snapshot of a run, safe to hand to other goroutines.
type RunStatus struct {
	Id          string
	Name        string
	Build       uint
	Node        string
	ParentName  string
	ParentBuild int
	Result      run.RunState
	Reason      string
	QueuedAt    time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
	Log         string
}

// QueuedRun identifies a run returned by Queue. The build number is only known once the run starts.
type QueuedRun struct {
	Id   string
	Name string
}

func statusOf(r *run.Run) RunStatus {
	s := RunStatus{
		Id:          r.Id(),
		Name:        r.Name(),
		Build:       r.Build(),
		ParentName:  r.ParentName(),
		ParentBuild: r.ParentBuild(),
		Result:      r.Result(),
		Reason:      r.Reason(),
		QueuedAt:    r.QueuedAt(),
		StartedAt:   r.StartedAt(),
		FinishedAt:  r.FinishedAt(),
		Log:         r.Log(),
	}
	if nd := r.Node(); nd != nil {
		s.Node = nd.Name
	}
	return s
}

// Duration is how long the run took, or zero if it has not finished.
func (s RunStatus) Duration() time.Duration {
	if s.StartedAt.IsZero() || s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// tracker fans the single-consumer signals of a run out to any number of waiters. Each status
// field is written by the loop once, before the corresponding channel is closed.
type tracker struct {
	run           *run.Run
	started       chan struct{}
	finished      chan struct{}
	startedClosed bool
	startStatus   RunStatus
	finalStatus   RunStatus
}

func newTracker(r *run.Run) *tracker {
	return &tracker{
		run:      r,
		started:  make(chan struct{}),
		finished: make(chan struct{}),
	}
}

func (t *tracker) markStarted() {
	if t.startedClosed {
		return
	}
	t.startedClosed = true
	t.startStatus = statusOf(t.run)
	close(t.started)
}

func (t *tracker) markFinished(status RunStatus) {
	if !t.startedClosed {
		t.startedClosed = true
		t.startStatus = status
		close(t.started)
	}
	t.finalStatus = status
	close(t.finished)
}
