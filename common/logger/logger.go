// Package logger builds the zap logger shared by the fshost binaries from the log section of the
// application configuration.
package logger

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	StdErr  = "stderr"
	StdOut  = "stdout"
	LogFile = "logfile"
)

type Config struct {
	Type            string `mapstructure:"type"`
	File            string `mapstructure:"file"`
	Level           int8   `mapstructure:"level"`
	MaxSize         int    `mapstructure:"max-size"`
	NumRotatedFiles int    `mapstructure:"num-rotated-files"`
	Developer       bool   `mapstructure:"developer"`
}

// Logger wraps a zap.Logger so callers can defer Sync() on the returned value directly.
type Logger struct {
	*zap.Logger
}

// New returns a logger writing to the destination selected by config.Type. Levels follow the
// convention used by the flags: 0=Fatal, 1=Error, 2=Warn, 3=Info, 4+=Debug.
func New(config Config) (*Logger, error) {
	if config.Developer {
		l, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		return &Logger{Logger: l}, nil
	}

	var ws zapcore.WriteSyncer
	switch config.Type {
	case StdErr, "":
		ws = zapcore.Lock(os.Stderr)
	case StdOut:
		ws = zapcore.Lock(os.Stdout)
	case LogFile:
		if config.File == "" {
			return nil, fmt.Errorf("log type is %q but no log file was specified", LogFile)
		}
		if err := os.MkdirAll(filepath.Dir(config.File), 0755); err != nil {
			return nil, fmt.Errorf("unable to create log directory: %w", err)
		}
		ws = zapcore.AddSync(&lumberjack.Logger{
			Filename:   config.File,
			MaxSize:    config.MaxSize,
			MaxBackups: config.NumRotatedFiles,
		})
	default:
		return nil, fmt.Errorf("unsupported log type: %s", config.Type)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), ws, levelFrom(config.Level))
	return &Logger{Logger: zap.New(core, zap.AddCaller())}, nil
}

func levelFrom(level int8) zapcore.Level {
	switch {
	case level <= 0:
		return zapcore.FatalLevel
	case level == 1:
		return zapcore.ErrorLevel
	case level == 2:
		return zapcore.WarnLevel
	case level == 3:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}
