// Package logger provides the structured logging setup for bptdb, built on
// top of Zap.
package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds all the configuration for the logger.
type Config struct {
	// Level sets the minimum log level (e.g., "debug", "info", "warn", "error").
	Level string `yaml:"level"`
	// Format specifies the log output format ("json" or "console").
	Format string `yaml:"format"`
	// OutputFile specifies the file to write logs to. "stdout" or "stderr"
	// can be used to log to the console.
	OutputFile string `yaml:"output_file"`
	// Service is attached to every entry. Defaults to "bptdb".
	Service string `yaml:"service"`
}

// New creates a new zap.Logger based on the provided configuration.
// It's designed to be called once at application startup; components take
// named children of the returned logger.
func New(config Config) (*zap.Logger, error) {
	// Parse and set the log level. Unknown or empty levels fall back to "info".
	logLevel := zap.NewAtomicLevel()
	if err := logLevel.UnmarshalText([]byte(config.Level)); err != nil {
		logLevel.SetLevel(zap.InfoLevel)
	}

	// Resolve where entries go before building anything else, so a bad
	// output path fails fast.
	writeSyncer, err := getWriteSyncer(config.OutputFile)
	if err != nil {
		return nil, err
	}

	// Pick the entry format.
	encoder := getEncoder(config.Format)

	// The core ties level, format and destination together.
	core := zapcore.NewCore(encoder, writeSyncer, logLevel)

	// Every entry carries the service name so shared sinks stay filterable.
	service := config.Service
	if service == "" {
		service = "bptdb"
	}
	logger := zap.New(core, zap.AddCaller()).
		WithOptions(zap.Fields(zap.String("service", service)))

	return logger, nil
}

// getEncoder selects the log encoder based on the configured format.
func getEncoder(format string) zapcore.Encoder {
	// Production field names, with readable timestamps and levels.
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	// JSON unless a human is reading along, e.g. in the interactive shell.
	if strings.ToLower(format) == "console" {
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	return zapcore.NewJSONEncoder(encoderConfig)
}

// getWriteSyncer selects the output destination for the logs.
func getWriteSyncer(outputFile string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(outputFile) {
	case "stdout", "":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	default:
		// Keep earlier runs: append to an existing file, create it otherwise.
		file, err := os.OpenFile(outputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", outputFile, err)
		}
		return zapcore.AddSync(file), nil
	}
}
