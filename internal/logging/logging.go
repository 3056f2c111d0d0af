// Package logging provides structured logging configuration.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration options.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // json|console
}

// New creates a new configured zap logger.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(strings.ToLower(cfg.Level)); err != nil {
			return nil, err
		}
	}

	format := strings.ToLower(cfg.Format)
	if format == "" {
		format = "json"
	}

	var zcfg zap.Config
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.OutputPaths = []string{"stderr"}
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.LevelKey = "level"
	zcfg.EncoderConfig.MessageKey = "msg"
	zcfg.EncoderConfig.CallerKey = "caller"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zcfg.Build(zap.AddCaller())
	if err != nil {
		return nil, err
	}

	return logger.With(zap.String("service", "flashguard")), nil
}

// Sync flushes any buffered log entries.
func Sync(logger *zap.Logger) {
	_ = logger.Sync()
}

// FromEnv creates a Config from environment variables.
func FromEnv() Config {
	return Config{
		Level:  getenv("FLASHGUARD_LOG_LEVEL", "warn"),
		Format: getenv("FLASHGUARD_LOG_FORMAT", "console"),
	}
}

func getenv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// Component returns a zap field for the component name.
func Component(name string) zap.Field { return zap.String("component", name) }

// SessionID returns a zap field for a flash session ID.
func SessionID(id string) zap.Field { return zap.String("session_id", id) }

// Stage returns a zap field for a flash stage.
func Stage(stage string) zap.Field { return zap.String("stage", stage) }

// Progress returns a zap field for session progress in percent.
func Progress(p int) zap.Field { return zap.Int("progress", p) }

// UserID returns a zap field for the acting user.
func UserID(id string) zap.Field { return zap.String("user_id", id) }

// DeviceID returns a zap field for the target device.
func DeviceID(id string) zap.Field { return zap.String("device_id", id) }

// Category returns a zap field for a vehicle category.
func Category(c string) zap.Field { return zap.String("category", c) }

// Risk returns a zap field for a risk level.
func Risk(level string) zap.Field { return zap.String("risk_level", level) }

// PayloadID returns a zap field for a calibration payload ID.
func PayloadID(id string) zap.Field { return zap.String("payload_id", id) }
