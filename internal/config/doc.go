// Package config handles configuration loading for the nightjar session core.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	artifacts:
//	  dir: "${NIGHTJAR_ARTIFACT_DIR}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	channel:
//	  request_timeout: "45s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Artifacts:
//
//	artifacts:
//	  dir: "/opt/nightjar/artifacts"   # module + bootstrap artifacts
//	  bootstrap: "bootstrap.elf"       # optional, this is the default
//
// Channel timing:
//
//	channel:
//	  request_timeout: "30s"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load() validates:
//
//   - artifacts.dir is present
//   - Duration format validity
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load("/etc/nightjar/core.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
