package run

import (
	"io"
	"os"
)

// JobLayout is everything a Resolver knows about one build of a job.
type JobLayout struct {
	// Scripts to run, in order. Scripts[i].RunOnAbort marks cleanup/notification steps.
	Scripts []Script
	// Files sourced, in order, before every script.
	EnvFiles []string
	// Job timeout in seconds. Zero means no timeout.
	Timeout int
	// Per-build working directory.
	WorkingDir string
	// Directory shared by all builds of the job.
	Workspace string
	// Directory where the build may leave artifacts.
	Archive string
}

// Resolver turns a job name into the concrete scripts and environment of one build.
type Resolver interface {
	Resolve(job string, build uint, nodeName string) (*JobLayout, error)
}

// Command is the request a Run makes to a Launcher for one script.
type Command struct {
	Path     string
	Cwd      string
	EnvFiles []string
	// KEY=VALUE pairs making up the complete environment of the process.
	Env    []string
	Output io.Writer
}

// Launcher starts processes on behalf of a Run. Launch must not block on the process.
type Launcher interface {
	Launch(cmd *Command) (Process, error)
}

// Process is a handle to a launched script.
type Process interface {
	Pid() int
	// Exited delivers the exit status exactly once.
	Exited() <-chan int
	Signal(sig os.Signal) error
}
