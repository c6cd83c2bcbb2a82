// Package logging provides the buffer manager's zap.Logger setup.
package logging

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the logger setup parameters.
type Config struct {
	// Level sets the minimum log level ("debug", "info", "warn", "error").
	Level string `yaml:"level"`
	// Format selects the output encoding: "json" or "console".
	Format string `yaml:"format"`
	// OutputFile is "stdout", "stderr", or a file path to append to.
	OutputFile string `yaml:"output_file"`
	// SampleDebug wraps the core in a sampler that caps how many records
	// with the same level and message reach the sink per second. The
	// sampler applies to every level; Frame materialisation/flush/eviction
	// log at Debug on the Fix/Unfix hot path and are what it thins in
	// practice, while startup, shutdown, and BufferFull messages are rare
	// enough to stay under the cap.
	SampleDebug bool `yaml:"sample_debug"`
}

// New builds a *zap.Logger from config. Intended to be called once at
// process startup.
func New(config Config) (*zap.Logger, error) {
	logLevel := zap.NewAtomicLevel()
	if err := logLevel.UnmarshalText([]byte(config.Level)); err != nil {
		logLevel.SetLevel(zap.InfoLevel)
	}

	writeSyncer, err := writeSyncerFor(config.OutputFile)
	if err != nil {
		return nil, err
	}

	var core zapcore.Core = zapcore.NewCore(encoderFor(config.Format), writeSyncer, logLevel)
	if config.SampleDebug {
		core = sampledDebugCore(core)
	}

	return zap.New(core, zap.AddCaller()).
		WithOptions(zap.Fields(zap.String("service", "buffer-manager"))), nil
}

// sampledDebugCore wraps core so that, per second, only the first 100
// occurrences of each distinct message pass through plus every 100th
// occurrence after that. In practice this only thins Debug records: the
// per-page materialise/flush/evict messages repeat on every Fix/Unfix,
// while Info (startup/shutdown) and Warn/Error (BufferFull) messages are
// each logged rarely enough that the cap never engages for them.
func sampledDebugCore(core zapcore.Core) zapcore.Core {
	return zapcore.NewSamplerWithOptions(core, time.Second, 100, 100)
}

func encoderFor(format string) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	if strings.ToLower(format) == "console" {
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	return zapcore.NewJSONEncoder(encoderConfig)
}

func writeSyncerFor(outputFile string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(outputFile) {
	case "stdout", "":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	default:
		file, err := os.OpenFile(outputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("logging: opening log file %s: %w", outputFile, err)
		}
		return zapcore.AddSync(file), nil
	}
}
