package main

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

type loggingSettings struct {
	Level      string
	Format     string
	File       string
	WithCaller bool
}

func addLoggingFlags(cmd *cobra.Command) {
	fs := cmd.PersistentFlags()
	fs.String("log-level", "info", "Log level (trace, debug, info, warn, error, fatal)")
	fs.String("log-format", "text", "Log format (json, text)")
	fs.String("log-file", "", "Also write JSON logs to this rotated file")
	fs.Bool("with-caller", false, "Log caller")
	fs.Bool("verbose", false, "Shorthand for --log-level debug")
}

func loggingSettingsFromViper() loggingSettings {
	s := loggingSettings{
		Level:      viper.GetString("log-level"),
		Format:     viper.GetString("log-format"),
		File:       viper.GetString("log-file"),
		WithCaller: viper.GetBool("with-caller"),
	}
	if viper.GetBool("verbose") && s.Level != "trace" {
		s.Level = "debug"
	}
	return s
}

// setupLogging replaces the global logger. Console output goes to stderr,
// the optional log file always receives JSON.
func setupLogging(s loggingSettings) error {
	level, err := zerolog.ParseLevel(s.Level)
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", s.Level)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = os.Stderr
	if s.Format == "text" {
		out = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	if s.File != "" {
		out = zerolog.MultiLevelWriter(out, &lumberjack.Logger{
			Filename:   s.File,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		})
	}

	c := zerolog.New(out).With().Timestamp()
	if s.WithCaller {
		c = c.Caller()
	}
	log.Logger = c.Logger()
	return nil
}
