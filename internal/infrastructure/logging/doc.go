// Package logging sets up the process-wide slog logger.
//
// Records are JSON by default or text for local runs, filtered by level,
// and tagged with service and version. With output "file" they go to a
// lumberjack rotating file configured under logging.file.
//
//	log := logging.New(cfg.Logging, version)
//	defer log.Close()
//	log.With("component", "reset").Info("daily reset performed", "date", today)
package logging
