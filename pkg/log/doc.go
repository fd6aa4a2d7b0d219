/*
Package log provides structured logging for pgwarden using zerolog.

A single package-level Logger is configured once by Init, normally from the
CLI's --log-level and --log-json flags. Packages derive child loggers that
carry context fields so every line can be filtered by concern:

	logger := log.WithComponent("failover")
	logger.Info().Str("target", "node2").Msg("Promotion started")

	opLog := log.WithOperation("promote", opID)
	opLog.Warn().Err(err).Str("step", "demote").Msg("Demotion failed, continuing")

Console output is the default; JSON output is meant for log shippers:

	{"level":"info","component":"failover","target":"node2","time":"...","message":"Promotion started"}

Never log credentials. Connection strings are built inside pkg/pg and are not
passed to the logger.
*/
package log
