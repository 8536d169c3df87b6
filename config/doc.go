/*
Package config provides the fabric's configuration surface: a YAML + env
loader with defaults, validation, and per-conversation channel-policy
resolution.

Usage:

	cfg, err := config.NewLoader().
	    WithConfigPath("config.yaml").
	    WithEnvPrefix("ACF").
	    Load()

Precedence: defaults -> YAML file -> environment variables.

Channel policies resolve through an ordered override chain: platform
default -> tenant -> agent -> channel -> optional pipeline runtime
override (see PolicyResolver).
*/
package config
