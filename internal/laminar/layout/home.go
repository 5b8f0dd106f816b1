package layout

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"golang.org/x/exp/slices"

	"github.com/armadaproject/laminar/internal/common/laminarerrors"
	"github.com/armadaproject/laminar/internal/laminar/node"
	"github.com/armadaproject/laminar/internal/laminar/run"
)

// Home is the LAMINAR_HOME directory:
//
//	cfg/jobs/<job>.{run,before,after,init,env,conf}
//	cfg/nodes/<node>.{before,after,env,conf}
//	cfg/{before,after,env}
//	cfg/scripts/
//	run/<job>/<build>, run/<job>/workspace
//	archive/<job>/<build>
type Home struct {
	root string
}

// JobConfig is the content of cfg/jobs/<job>.conf.
type JobConfig struct {
	// Seconds after which the run is aborted. Zero means never.
	Timeout int
	Tags    []string
}

// NewHome checks that root is a directory. A leading ~ is expanded to the user's home directory.
func NewHome(root string) (*Home, error) {
	expanded, err := homedir.Expand(root)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if !info.IsDir() {
		return nil, errors.Errorf("%s is not a directory", abs)
	}
	return &Home{root: abs}, nil
}

func (h *Home) Root() string {
	return h.root
}

func (h *Home) cfg(elem ...string) string {
	return filepath.Join(append([]string{h.root, "cfg"}, elem...)...)
}

// JobExists returns true if the job has a run script.
func (h *Home) JobExists(job string) bool {
	return validName(job) && isFile(h.cfg("jobs", job+".run"))
}

// ListJobs returns the names of all jobs with a run script, sorted.
func (h *Home) ListJobs() ([]string, error) {
	matches, err := filepath.Glob(h.cfg("jobs", "*.run"))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	jobs := make([]string, 0, len(matches))
	for _, m := range matches {
		jobs = append(jobs, strings.TrimSuffix(filepath.Base(m), ".run"))
	}
	slices.Sort(jobs)
	return jobs, nil
}

// JobConfig reads the job's .conf file. A job without one gets the zero JobConfig.
func (h *Home) JobConfig(job string) (JobConfig, error) {
	if !validName(job) {
		return JobConfig{}, errors.WithStack(&laminarerrors.ErrInvalidArgument{Name: "job", Value: job})
	}
	path := h.cfg("jobs", job+".conf")
	if !isFile(path) {
		return JobConfig{}, nil
	}
	v, err := readConf(path)
	if err != nil {
		return JobConfig{}, err
	}
	return JobConfig{
		Timeout: v.GetInt("timeout"),
		Tags:    splitTags(v.GetString("tags")),
	}, nil
}

// Resolve lists the scripts and env files of one build and creates its directories.
func (h *Home) Resolve(job string, build uint, nodeName string) (*run.JobLayout, error) {
	if !validName(job) {
		return nil, errors.WithStack(&laminarerrors.ErrInvalidArgument{Name: "job", Value: job})
	}
	runScript := h.cfg("jobs", job+".run")
	if !isFile(runScript) {
		return nil, errors.WithStack(&laminarerrors.ErrNotFound{Type: "job", Value: job, Message: runScript + " is missing"})
	}
	conf, err := h.JobConfig(job)
	if err != nil {
		return nil, err
	}

	buildDir := strconv.FormatUint(uint64(build), 10)
	layout := &run.JobLayout{
		Timeout:    conf.Timeout,
		WorkingDir: filepath.Join(h.root, "run", job, buildDir),
		Workspace:  filepath.Join(h.root, "run", job, "workspace"),
		Archive:    filepath.Join(h.root, "archive", job, buildDir),
	}
	addScript := func(path string, runOnAbort bool) {
		if isFile(path) {
			layout.Scripts = append(layout.Scripts, run.Script{Path: path, Cwd: layout.WorkingDir, RunOnAbort: runOnAbort})
		}
	}
	addEnv := func(path string) {
		if isFile(path) {
			layout.EnvFiles = append(layout.EnvFiles, path)
		}
	}

	addScript(h.cfg("before"), false)
	if nodeName != "" {
		addScript(h.cfg("nodes", nodeName+".before"), false)
	}
	addScript(h.cfg("jobs", job+".before"), false)
	addScript(runScript, false)
	addScript(h.cfg("jobs", job+".after"), true)
	if nodeName != "" {
		addScript(h.cfg("nodes", nodeName+".after"), true)
	}
	addScript(h.cfg("after"), true)

	addEnv(h.cfg("env"))
	if nodeName != "" {
		addEnv(h.cfg("nodes", nodeName+".env"))
	}
	addEnv(h.cfg("jobs", job+".env"))

	logger := log.WithField("job", job).WithField("build", build)
	if exists(layout.WorkingDir) {
		logger.Warnf("Working directory %s already exists, removing", layout.WorkingDir)
		if err := os.RemoveAll(layout.WorkingDir); err != nil {
			return nil, errors.Wrapf(err, "removing stale working directory %s", layout.WorkingDir)
		}
	}
	if err := os.MkdirAll(layout.WorkingDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating working directory %s", layout.WorkingDir)
	}

	if exists(layout.Archive) {
		logger.Warnf("Archive directory %s already exists", layout.Archive)
	} else if err := os.MkdirAll(layout.Archive, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating archive directory %s", layout.Archive)
	}

	if !exists(layout.Workspace) {
		if err := os.MkdirAll(layout.Workspace, 0o755); err != nil {
			return nil, errors.Wrapf(err, "creating workspace %s", layout.Workspace)
		}
		// the init script prepares a fresh workspace, before anything else runs
		if initScript := h.cfg("jobs", job+".init"); isFile(initScript) {
			layout.Scripts = append([]run.Script{{Path: initScript, Cwd: layout.Workspace}}, layout.Scripts...)
		}
	}
	return layout, nil
}

// LoadNodes reads cfg/nodes/*.conf. Without any node config there is a single unnamed, untagged
// node with the default number of executors.
func (h *Home) LoadNodes() ([]*node.Node, error) {
	matches, err := filepath.Glob(h.cfg("nodes", "*.conf"))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if len(matches) == 0 {
		return []*node.Node{node.NewNode("", node.DefaultExecutors, nil)}, nil
	}
	slices.Sort(matches)

	var result *multierror.Error
	nodes := make([]*node.Node, 0, len(matches))
	for _, path := range matches {
		v, err := readConf(path)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		executors := node.DefaultExecutors
		if v.IsSet("executors") {
			executors = v.GetInt("executors")
		}
		if executors < 0 {
			result = multierror.Append(result, errors.Errorf("%s: EXECUTORS must not be negative", path))
			continue
		}
		name := strings.TrimSuffix(filepath.Base(path), ".conf")
		nodes = append(nodes, node.NewNode(name, executors, splitTags(v.GetString("tags"))))
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return nodes, nil
}

// LastBuildNumber returns the highest build number archived for the job, or zero.
func (h *Home) LastBuildNumber(job string) (uint, error) {
	entries, err := os.ReadDir(filepath.Join(h.root, "archive", job))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.WithStack(err)
	}
	var last uint
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		n, err := strconv.ParseUint(e.Name(), 10, 0)
		if err != nil {
			continue
		}
		if uint(n) > last {
			last = uint(n)
		}
	}
	return last, nil
}

// readConf reads a KEY=VALUE file. Keys are case-insensitive.
func readConf(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("dotenv")
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	return v, nil
}

func splitTags(s string) []string {
	var tags []string
	for _, tag := range strings.Split(s, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}

func validName(job string) bool {
	return job != "" && job != "." && job != ".." && !strings.ContainsAny(job, `/\`)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
