package configuration

import (
	"time"

	"github.com/go-playground/validator/v10"
)

type Configuration struct {
	// Path of LAMINAR_HOME, holding cfg/, run/ and archive/
	Home string `validate:"required"`
	// Port of the prometheus metrics endpoint. Zero disables it.
	MetricsPort uint16
	// Number of completed runs kept in memory for status queries
	HistorySize int `validate:"gt=0"`
	// How long a timed out or aborted script may take to exit after SIGTERM before it is killed
	AbortGracePeriod time.Duration `validate:"gte=0"`
	// One of the logrus level names
	LogLevel string `validate:"omitempty,oneof=trace debug info warning warn error fatal panic"`
}

func (c Configuration) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}
