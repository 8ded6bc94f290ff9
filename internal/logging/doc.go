// Package logging provides structured logging for the loop core.
//
// This package wraps Go's log/slog to produce JSON logs carrying the task
// context (project, task, loop index, component) that every admission
// decision, guard verdict and classification is reported under.
//
// # Basic Usage
//
//	logger, err := logging.NewLogger("/var/lib/loopguard", "INFO")
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	taskLogger := logger.WithProject("p1").WithTask("t1").WithLoop(2)
//	taskLogger.Warn("loop admission denied", "reason", "cap_exceeded")
//
// Output:
//
//	{"time":"...","level":"WARN","msg":"loop admission denied","project_id":"p1","task_id":"t1","loop_index":2,"reason":"cap_exceeded"}
//
// # Log Rotation
//
// Long-running servers should rotate:
//
//	logger, err := logging.NewLoggerWithRotation(dir, "INFO", logging.RotationConfig{
//	    MaxSizeMB:  10,
//	    MaxBackups: 3,
//	    Compress:   true,
//	})
//
// Rotated files are named loopguard.log.1, loopguard.log.2, ... with .1 the
// most recent; compressed backups gain a .gz suffix.
//
// # Testing
//
// Use [NopLogger] to discard output, or [NewLoggerWithWriter] with a buffer to
// assert on emitted entries.
//
// # Thread Safety
//
// All types in this package are safe for concurrent use. Child loggers created
// via With* methods share the underlying writer.
package logging
