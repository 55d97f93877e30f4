// Package config loads the vaultd configuration file (JSON or YAML), fills
// defaults and validates addresses and amounts before any component is built.
package config
