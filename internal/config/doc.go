// Package config provides centralized configuration management for the
// OpenBounty runtime, supporting environment variables and configuration
// files. It offers typed accessors with sensible defaults for downstream
// services.
package config
