package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/armadaproject/laminar/internal/common"
	commonconfig "github.com/armadaproject/laminar/internal/common/config"
	"github.com/armadaproject/laminar/internal/laminar/configuration"
)

const (
	CustomConfigLocation string = "config"
	defaultConfigPath    string = "./config/laminard"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "laminard",
		SilenceUsage: true,
		Short:        "Runs laminar jobs from the scripts in LAMINAR_HOME",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return common.BindCommandlineArguments(cmd.Flags())
		},
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")

	cmd.AddCommand(
		runCmd(),
		jobsCmd(),
		nodesCmd(),
	)

	return cmd
}

func loadConfig() (configuration.Configuration, error) {
	var config configuration.Configuration
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)

	if err := common.LoadConfig(&config, defaultConfigPath, userSpecifiedConfigs); err != nil {
		return config, err
	}
	if err := commonconfig.Validate(config); err != nil {
		return config, err
	}
	return config, nil
}
