package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/armadaproject/laminar/internal/common"
	"github.com/armadaproject/laminar/internal/laminar/layout"
)

func nodesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "Lists the nodes configured in LAMINAR_HOME/cfg/nodes",
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
			nodes, err := home.LoadNodes()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "NODE\tEXECUTORS\tTAGS")
			for _, nd := range nodes {
				name := nd.Name
				if name == "" {
					name = "(default)"
				}
				_, _ = fmt.Fprintf(w, "%s\t%d\t%s\n", name, nd.NumExecutors, strings.Join(nd.Tags, ","))
			}
			return w.Flush()
		},
	}
}
