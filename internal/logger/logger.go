// Package logger configures the process-wide zerolog logger.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"ssechat/internal/config"
)

// Rotation settings for LOG_FILE.
const (
	maxSizeMB  = 10
	maxBackups = 5
	maxAgeDays = 30
)

// Init replaces the global logger according to cfg.
func Init(cfg config.LogConfig, stdout io.Writer) {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = zerolog.New(Writer(cfg, stdout)).With().Timestamp().Logger()
}

// Writer builds the output for cfg: console or JSON on stdout, plus a
// rotating file when cfg.File is set.
func Writer(cfg config.LogConfig, stdout io.Writer) io.Writer {
	if stdout == nil {
		stdout = os.Stdout
	}
	var writers []io.Writer
	if cfg.JSON {
		writers = append(writers, stdout)
	} else {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        stdout,
			TimeFormat: "15:04:05",
			PartsOrder: []string{
				zerolog.TimestampFieldName,
				zerolog.LevelFieldName,
				"component",
				zerolog.MessageFieldName,
			},
			FieldsExclude: []string{"component"},
		})
	}
	if cfg.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
			Compress:   true,
		})
	}
	if len(writers) == 1 {
		return writers[0]
	}
	return io.MultiWriter(writers...)
}

// New returns a logger tagged with component.
func New(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
