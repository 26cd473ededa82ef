package main

import (
	"fmt"
	"log/slog"

	"github.com/grafana/pyroscope-go"
	"github.com/tathienbao/scalp-bot/internal/config"
)

// startProfiling pushes continuous profiles when a server address is set.
// The returned stop function is always safe to call.
func startProfiling(cfg *config.Config, logger *slog.Logger) (func(), error) {
	noop := func() {}
	if cfg.Profiling.ServerAddress == "" {
		return noop, nil
	}

	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: "scalp-bot",
		ServerAddress:   cfg.Profiling.ServerAddress,
		Tags: map[string]string{
			"env":    cfg.Mode(),
			"symbol": cfg.Trading.Symbol,
		},
		Logger: pyroscopeLogger{logger: logger.With("component", "pyroscope")},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
	if err != nil {
		return noop, fmt.Errorf("start pyroscope: %w", err)
	}

	logger.Info("continuous profiling enabled", "server", cfg.Profiling.ServerAddress)
	return func() { _ = profiler.Stop() }, nil
}

// pyroscopeLogger routes profiler output through slog.
type pyroscopeLogger struct {
	logger *slog.Logger
}

func (l pyroscopeLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l pyroscopeLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l pyroscopeLogger) Errorf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}
