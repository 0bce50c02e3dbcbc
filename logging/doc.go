// The Logger interface defines the standard logging methods (Debug, Info,
// Warn, Error) that the manager, strategies and collaborators use for
// observability. This package includes:
//
//   - Logger interface for dependency injection
//   - ExecutionLogger built on log/slog, scoped per execution with
//     ForExecution
//   - ZapAdapter for deployments standardized on go.uber.org/zap
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	mgr, err := manager.New(manager.WithLogger(logger))
package logging
