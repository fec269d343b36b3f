// Package logging builds the zap logger used by the pacsman commands and
// backends, and bridges it to log/slog for the DICOM toolkit packages.
//
// Example:
//
//	logger, err := logging.New(logging.Config{Level: "debug", File: "pacsman.log"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	assoc, err := client.Connect(ctx, addr, client.Config{Logger: logging.Slog(logger)})
package logging

import (
	"log/slog"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

// Config selects the level and outputs of a logger.
type Config struct {
	// Level is one of debug, info, warn, error. Empty means info, or debug
	// in development mode.
	Level string

	// Development switches the console to colored text output.
	Development bool

	// File, when set, receives JSON entries through a rotating writer.
	File     string
	Rotation FileWriterConfig

	// Console overrides the console destination (stderr by default).
	Console zapcore.WriteSyncer
}

// New builds a logger that writes to the console and, when File is set, to a
// rotating JSON log file.
func New(cfg Config) (*zap.Logger, error) {
	defaultLevel := zapcore.InfoLevel
	if cfg.Development {
		defaultLevel = zapcore.DebugLevel
	}
	level := ParseLevel(cfg.Level, defaultLevel)

	console := cfg.Console
	if console == nil {
		console = zapcore.Lock(os.Stderr)
	}

	var core zapcore.Core
	if cfg.File != "" {
		core = NewMultiCore(level, console, NewFileWriter(cfg.File, cfg.Rotation), cfg.Development)
	} else {
		core = zapcore.NewCore(consoleEncoder(cfg.Development), console, level)
	}

	return zap.New(core, zap.AddCaller()), nil
}

// NewMultiCore tees entries to the console and a JSON file writer.
func NewMultiCore(level zapcore.Level, consoleWriter, fileWriter zapcore.WriteSyncer, isDev bool) zapcore.Core {
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(NewEncoderConfig()),
		fileWriter,
		level,
	)
	consoleCore := zapcore.NewCore(
		consoleEncoder(isDev),
		consoleWriter,
		level,
	)
	return zapcore.NewTee(consoleCore, fileCore)
}

func consoleEncoder(isDev bool) zapcore.Encoder {
	if isDev {
		return zapcore.NewConsoleEncoder(NewConsoleEncoderConfig())
	}
	return zapcore.NewJSONEncoder(NewEncoderConfig())
}

// Slog returns a slog.Logger writing through the zap logger's core, for the
// packages that log with log/slog.
func Slog(logger *zap.Logger) *slog.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return slog.New(zapslog.NewHandler(logger.Core(), zapslog.WithName(logger.Name())))
}
