// Package logging provides structured logging for imagetest built on the
// standard slog package.
//
// All log entries carry a subsystem identifier so harness, compose, and
// cloud output can be filtered in CI logs:
//
//	logging.Init(logging.LevelInfo, os.Stderr)
//	logging.Info("Compose", "submitted build %s", job.ID)
//	logging.Error("Cloud", err, "teardown of %s failed", res.ID)
//
// Level filtering happens at the handler, so filtered-out messages cost
// no allocation. The package is safe for concurrent use.
package logging
