package common

import (
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	commonconfig "github.com/armadaproject/laminar/internal/common/config"
	"github.com/armadaproject/laminar/internal/common/logging"
)

const envPrefix = "LAMINAR"

// BindCommandlineArguments makes flags readable through the global viper instance.
func BindCommandlineArguments(flags *pflag.FlagSet) error {
	return errors.WithStack(viper.BindPFlags(flags))
}

// LoadConfig reads config.yaml from defaultPath and then merges every user specified file over
// it, in order. Environment variables override both, e.g. LAMINAR_HOME or LAMINAR_HISTORYSIZE.
func LoadConfig(config interface{}, defaultPath string, userSpecifiedConfigs []string) error {
	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(defaultPath)
	if err := v.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "reading base config path=%s", defaultPath)
	}
	log.Debugf("Read base config from %s", v.ConfigFileUsed())

	for _, configPath := range userSpecifiedConfigs {
		v.SetConfigFile(configPath)
		if err := v.MergeInConfig(); err != nil {
			return errors.Wrapf(err, "reading config from %s", configPath)
		}
		log.Debugf("Read config from %s", v.ConfigFileUsed())
	}

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if err := v.Unmarshal(config, commonconfig.CustomHooks...); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// ConfigureLogging sets up logrus for a long running process: text output with full timestamps on
// stdout. An empty level means info.
func ConfigureLogging(level string) error {
	log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	log.SetOutput(os.Stdout)
	if level == "" {
		level = "info"
	}
	parsed, err := log.ParseLevel(level)
	if err != nil {
		return errors.WithStack(err)
	}
	log.SetLevel(parsed)
	return nil
}

// ConfigureCommandLineLogging sets up logrus for short lived commands: no timestamps, and only
// warnings and errors are prefixed with their level.
func ConfigureCommandLineLogging() {
	log.SetFormatter(new(logging.CommandLineFormatter))
	log.SetOutput(os.Stdout)
}
