// Package config handles loading and validating fusor control configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (FUSOR_*)
//   - Validation of required fields, ports and safety limits
//   - Default value handling
//
// The host supervisor and the target service share one file layout. The
// host reads link, sequencer, mapper and safety; the target reads target.
//
// Security Considerations:
//   - Sensitive values (passwords, tokens, hashes) should be set via environment variables
//   - The config file should have restricted permissions (0600)
//   - The JWT secret is required whenever the control API is enabled
//
// Usage:
//
//	cfg, err := config.Load("configs/host.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Link.TargetHost)
package config
