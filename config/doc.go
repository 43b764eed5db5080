// Package config provides application configuration management.
//
// The config package loads the server, logging, runner and backend
// settings from a YAML file with SAFERUN_* environment overrides, validates
// them, and converts the backend sections into sandbox engine settings.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	engine, err := sandbox.NewEngine(logger, cfg.EngineSettings(nil), cfg.Runner.Backend)
package config
