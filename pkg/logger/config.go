package logger

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Config selects the verbosity and rendering of process logs.
type Config struct {
	Level string `json:"level"`
	Color bool   `json:"color"`
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Level: logrus.InfoLevel.String(),
		Color: true,
	}
}

// Validate implements the check.Validatable interface.
func (c Config) Validate() []error {
	if _, err := c.level(); err != nil {
		return []error{errors.Wrapf(err, "invalid log level %q", c.Level)}
	}
	return nil
}

func (c Config) level() (logrus.Level, error) {
	return logrus.ParseLevel(c.Level)
}

// SetLogrus applies the configuration to the global logrus logger. An unparsable level falls
// back to info; configuration loading validates the level before this is reached.
func SetLogrus(c Config) {
	level, err := c.level()
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		ForceColors:   c.Color,
		DisableColors: !c.Color,
	})
}
