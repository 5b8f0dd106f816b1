package process

import (
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/laminar/internal/laminar/run"
)

// wrapper exports the variables of every env file passed as a positional parameter and then
// replaces the shell with the script, which is passed as $0.
const wrapper = `set -a; for f in "$@"; do . "$f" || exit 1; done; set +a; exec "$0"`

// Launcher starts scripts as child processes, each in its own process group so that signals reach
// everything the script spawned.
type Launcher struct {
	shell    string
	attempts uint
	delay    time.Duration
	// how long output is still collected once the script has exited, for background children
	// that keep the output pipe open
	drainPeriod time.Duration
}

func NewLauncher() *Launcher {
	return &Launcher{
		shell:       "/bin/sh",
		attempts:    5,
		delay:       100 * time.Millisecond,
		drainPeriod: 100 * time.Millisecond,
	}
}

func (l *Launcher) Launch(c *run.Command) (run.Process, error) {
	var cmd *exec.Cmd
	var output *os.File
	err := retry.Do(
		func() error {
			var err error
			cmd, output, err = l.start(c)
			return err
		},
		retry.Attempts(l.attempts),
		retry.Delay(l.delay),
		retry.LastErrorOnly(true),
		// fork fails transiently when the system is short of processes or memory
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.ENOMEM)
		}),
		retry.OnRetry(func(n uint, err error) {
			log.WithField("script", c.Path).Warnf("Attempt %d to start script failed: %s", n+1, err)
		}),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "starting %s", c.Path)
	}

	p := &process{
		cmd:         cmd,
		output:      output,
		drainPeriod: l.drainPeriod,
		copied:      make(chan struct{}),
		exited:      make(chan int, 1),
	}
	go p.copyOutput(c.Output)
	go p.wait()
	return p, nil
}

// start launches the script with both stdout and stderr on the write end of a pipe, so that the
// exit of the script is observed independently of whoever else holds the pipe open. It returns the
// read end.
func (l *Launcher) start(c *run.Command) (*exec.Cmd, *os.File, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	args := append([]string{"-c", wrapper, c.Path}, c.EnvFiles...)
	cmd := exec.Command(l.shell, args...)
	cmd.Dir = c.Cwd
	cmd.Env = c.Env
	cmd.Stdout = w
	cmd.Stderr = w
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	err = cmd.Start()
	_ = w.Close()
	if err != nil {
		_ = r.Close()
		return nil, nil, err
	}
	return cmd, r, nil
}

type process struct {
	cmd         *exec.Cmd
	output      *os.File
	drainPeriod time.Duration
	copied      chan struct{}
	exited      chan int
}

func (p *process) Pid() int {
	return p.cmd.Process.Pid
}

// Exited receives the exit status once the process has terminated. Output still buffered in the
// pipe has been copied by then; output of background children after that point is dropped.
func (p *process) Exited() <-chan int {
	return p.exited
}

// Signal sends sig to the whole process group. Signalling a group that has already exited is not
// an error.
func (p *process) Signal(sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return errors.WithStack(p.cmd.Process.Signal(sig))
	}
	err := syscall.Kill(-p.cmd.Process.Pid, s)
	if err != nil && !errors.Is(err, syscall.ESRCH) {
		return errors.WithStack(err)
	}
	return nil
}

func (p *process) copyOutput(w io.Writer) {
	defer close(p.copied)
	if w == nil {
		w = io.Discard
	}
	_, err := io.Copy(w, p.output)
	if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
		log.WithField("pid", p.Pid()).Warnf("Copying script output failed: %s", err)
	}
}

func (p *process) wait() {
	err := p.cmd.Wait()
	status := exitStatus(p.cmd.ProcessState)
	if err != nil && p.cmd.ProcessState == nil {
		log.WithField("pid", p.Pid()).Errorf("Waiting for process failed: %s", err)
	}
	// A child left running in the background may hold the pipe open indefinitely.
	if err := p.output.SetReadDeadline(time.Now().Add(p.drainPeriod)); err != nil {
		log.WithField("pid", p.Pid()).Warnf("Could not bound output collection: %s", err)
		_ = p.output.Close()
	}
	<-p.copied
	_ = p.output.Close()
	p.exited <- status
}

// exitStatus follows the shell convention: the exit code, or 128 plus the number of the signal
// that killed the process.
func exitStatus(state *os.ProcessState) int {
	if state == nil {
		return 1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}
