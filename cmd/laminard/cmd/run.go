package cmd

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/weaveworks/promrus"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/armadaproject/laminar/internal/common"
	"github.com/armadaproject/laminar/internal/common/app"
	"github.com/armadaproject/laminar/internal/common/logging"
	"github.com/armadaproject/laminar/internal/common/serve"
	"github.com/armadaproject/laminar/internal/laminar/driver"
	"github.com/armadaproject/laminar/internal/laminar/layout"
	"github.com/armadaproject/laminar/internal/laminar/process"
	"github.com/armadaproject/laminar/internal/laminar/run"
)

var errRunsFailed = errors.New("not all runs succeeded")

// jobRequest is one job named on the command line, with the PARAM=VALUE arguments following it.
type jobRequest struct {
	name   string
	params run.ParamMap
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run JOB [PARAM=VALUE]... [JOB [PARAM=VALUE]...]...",
		Short: "Queues jobs, waits for them to complete and exits non-zero unless all succeeded",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runJobs,
	}
	cmd.Flags().Bool("log", false, "Print the output of every run once it completes")
	return cmd
}

// parseJobRequests groups arguments: a PARAM=VALUE applies to the job named before it.
func parseJobRequests(args []string) ([]jobRequest, error) {
	var requests []jobRequest
	for _, arg := range args {
		key, value, isParam := strings.Cut(arg, "=")
		if !isParam {
			requests = append(requests, jobRequest{name: arg, params: run.ParamMap{}})
			continue
		}
		if len(requests) == 0 {
			return nil, errors.Errorf("parameter %s given before any job", arg)
		}
		if key == "" {
			return nil, errors.Errorf("parameter %s has no name", arg)
		}
		requests[len(requests)-1].params[key] = value
	}
	return requests, nil
}

func runJobs(cmd *cobra.Command, args []string) error {
	requests, err := parseJobRequests(args)
	if err != nil {
		return err
	}
	printLogs, err := cmd.Flags().GetBool("log")
	if err != nil {
		return errors.WithStack(err)
	}
	config, err := loadConfig()
	if err != nil {
		return err
	}
	if err := common.ConfigureLogging(config.LogLevel); err != nil {
		return err
	}

	hook, err := promrus.NewPrometheusHook()
	if err != nil {
		return errors.WithStack(err)
	}
	log.AddHook(hook)

	home, err := layout.NewHome(config.Home)
	if err != nil {
		return err
	}
	d, err := driver.NewDriver(config, home, process.NewLauncher(), clock.RealClock{}, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}

	ctx, cancel := app.CreateContextWithShutdown(context.Background())
	defer cancel()
	// the driver and metrics server outlive ctx so that aborted runs can finish their after scripts
	serviceCtx, stopServices := context.WithCancel(context.Background())
	defer stopServices()

	var g errgroup.Group
	g.Go(func() error {
		return d.Run(serviceCtx)
	})
	if config.MetricsPort != 0 {
		listener, err := net.Listen("tcp", fmt.Sprintf(":%d", config.MetricsPort))
		if err != nil {
			stopServices()
			return errors.WithStack(err)
		}
		g.Go(func() error {
			return serve.Metrics(serviceCtx, listener, prometheus.DefaultGatherer)
		})
	}
	g.Go(func() error {
		defer stopServices()
		return queueAndWait(ctx, d, requests, cmd.OutOrStdout(), printLogs)
	})
	return g.Wait()
}

// queueAndWait queues every request and reports each result once all runs have completed. If ctx
// is cancelled first, all runs are aborted and still waited for.
func queueAndWait(ctx context.Context, d *driver.Driver, requests []jobRequest, out io.Writer, printLogs bool) error {
	var queued []driver.QueuedRun
	for _, req := range requests {
		q, err := d.Queue(ctx, req.name, req.params)
		if err != nil {
			return err
		}
		queued = append(queued, q)
	}

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			if n, err := d.AbortAll(context.Background()); err != nil {
				logging.WithStacktrace(log.NewEntry(log.StandardLogger()), err).Error("Could not abort runs")
			} else {
				log.Infof("Aborted %d run(s)", n)
			}
		case <-finished:
		}
	}()

	allSucceeded := true
	for _, q := range queued {
		status, err := d.WaitFinished(context.Background(), q.Id)
		if err != nil {
			return err
		}
		if status.Result != run.Success {
			allSucceeded = false
		}
		printStatus(out, status, printLogs)
	}
	if !allSucceeded {
		return errors.WithStack(errRunsFailed)
	}
	return nil
}

func printStatus(out io.Writer, status driver.RunStatus, printLogs bool) {
	if printLogs {
		_, _ = fmt.Fprint(out, status.Log)
	}
	line := fmt.Sprintf("%s #%d: %s", status.Name, status.Build, status.Result)
	if d := status.Duration(); d > 0 {
		line += fmt.Sprintf(" in %s", d)
	}
	if status.Reason != "" {
		line += fmt.Sprintf(" (%s)", status.Reason)
	}
	_, _ = fmt.Fprintln(out, line)
}
