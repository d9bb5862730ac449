// Package log provides structured logging for CMapper built on zerolog.
//
// Call Init once at startup, then use WithComponent (or the WithSite,
// WithJobID, WithModuleID helpers) to create child loggers that tag
// every line with the emitting component:
//
//	log.Init(log.Config{Level: log.InfoLevel})
//	logger := log.WithComponent("runner")
//	logger.Info().Str("module", "cdp_discovery").Msg("job started")
//
// Console output is human-readable by default; JSONOutput switches to
// machine-parseable JSON for log shippers.
package log
