/*
Package log provides structured logging for fleetsync using zerolog.

Init configures the global Logger once at start-up from the log section of
the configuration file:

	log:
	  level: debug   # debug, info, warn or error
	  json: true     # JSON lines instead of console output

Packages receive a zerolog.Logger and derive child loggers so every line
carries its context:

	logger = logger.With().Str("component", "scheduler").Str("fleet_id", id).Logger()
	logger.Info().Str("instance_id", "i-0abc").Msg("Registered worker node")

The console writer is meant for interactive use. Run with json: true when
the output is shipped to a log pipeline.
*/
package log
