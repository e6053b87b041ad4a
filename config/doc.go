// Package config provides application configuration management.
//
// The config package loads the application's configuration from a YAML
// file, environment variables and an optional .env file, and validates it.
// Environment variables use the CODERUN_ prefix (CODERUN_SANDBOX_TIMEOUT_SEC
// for sandbox.timeout_sec). The older DOCKER_* names, GEMINI_API_KEY and
// TEMP_CODE_DIR are still honoured.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Run timeout: %s\n", cfg.GetTimeout())
package config
