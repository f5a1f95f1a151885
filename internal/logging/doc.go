// Package logging provides structured logging for the tgsecret daemon.
//
// It wraps Go's log/slog with a JSON handler. Child loggers carry
// persistent attributes so every record emitted on behalf of one end user
// can be filtered by user_id, and every record from one component by
// component.
//
// # Thread Safety
//
// All types in this package are safe for concurrent use. Child loggers
// created via With* methods share the underlying writer and level.
//
// # Basic Usage
//
//	logger, err := logging.NewLogger(logging.Options{Level: "INFO"})
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	log := logger.WithComponent("supervisor").WithUser(42)
//	log.Info("instance started", "run_id", runID)
//
// # Rotation
//
// When Options.File is set, output goes through a [RotatingWriter] that
// renames the file to file.1 once it exceeds MaxSizeMB and keeps at most
// MaxBackups old files.
//
// # Runtime Level Changes
//
// [Logger.SetLevel] changes the level of a logger and all of its children,
// which lets a configuration reload take effect without rebuilding loggers.
package logging
