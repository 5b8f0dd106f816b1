package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/armadaproject/laminar/internal/common"
	"github.com/armadaproject/laminar/internal/laminar/layout"
)

func jobsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "Lists the jobs defined in LAMINAR_HOME",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			common.ConfigureCommandLineLogging()
			config, err := loadConfig()
			if err != nil {
				return err
			}
			home, err := layout.NewHome(config.Home)
			if err != nil {
				return err
			}
			jobs, err := home.ListJobs()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "JOB\tTIMEOUT\tTAGS")
			for _, job := range jobs {
				conf, err := home.JobConfig(job)
				if err != nil {
					return err
				}
				timeout := "-"
				if conf.Timeout > 0 {
					timeout = fmt.Sprintf("%ds", conf.Timeout)
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", job, timeout, strings.Join(conf.Tags, ","))
			}
			return w.Flush()
		},
	}
}
